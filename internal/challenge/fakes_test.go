package challenge

import (
	"context"
	"slices"
	"time"

	"github.com/halfmoonsec/cleargate/api/schemas"
)

// A minimal scriptable DOM. Nodes match selectors by literal string so tests
// can wire trees without a CSS engine; "*" matches every element.

type fakeScope struct {
	children []*fakeNode
	// queryErr fails QuerySelector/QuerySelectorAll for a given selector.
	queryErr map[string]error
	// loadErrs is consumed by successive WaitForLoadState calls; a nil entry
	// (or exhaustion) means success.
	loadErrs  []error
	loadCalls int
}

func (s *fakeScope) descendants() []*fakeNode {
	var out []*fakeNode
	for _, c := range s.children {
		out = append(out, c)
		out = append(out, c.descendants()...)
	}
	return out
}

func (s *fakeScope) QuerySelector(ctx context.Context, selector string) (schemas.ElementHandle, error) {
	all, err := s.QuerySelectorAll(ctx, selector)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[0], nil
}

func (s *fakeScope) QuerySelectorAll(ctx context.Context, selector string) ([]schemas.ElementHandle, error) {
	if err := s.queryErr[selector]; err != nil {
		return nil, err
	}
	var out []schemas.ElementHandle
	for _, n := range s.descendants() {
		if selector == "*" || slices.Contains(n.selectors, selector) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *fakeScope) WaitForLoadState(ctx context.Context, state schemas.LoadState, timeout time.Duration) error {
	s.loadCalls++
	if s.loadCalls <= len(s.loadErrs) {
		return s.loadErrs[s.loadCalls-1]
	}
	return nil
}

type fakeNode struct {
	fakeScope

	selectors []string // selectors this node answers to
	attrs     map[string]string
	shadow    *fakeScope
	shadowErr error
	frame     *fakeFrame
	frameErr  error

	visible    bool
	visibleFn  func() (bool, error)
	clickErrs  []error // consumed per click; exhaustion means success
	clickCalls int
}

func (n *fakeNode) ShadowRoot(ctx context.Context) (schemas.Queryable, error) {
	if n.shadowErr != nil {
		return nil, n.shadowErr
	}
	if n.shadow == nil {
		return nil, nil
	}
	return n.shadow, nil
}

func (n *fakeNode) Attribute(ctx context.Context, name string) (string, error) {
	return n.attrs[name], nil
}

func (n *fakeNode) IsVisible(ctx context.Context) (bool, error) {
	if n.visibleFn != nil {
		return n.visibleFn()
	}
	return n.visible, nil
}

func (n *fakeNode) Click(ctx context.Context) error {
	n.clickCalls++
	if n.clickCalls <= len(n.clickErrs) {
		return n.clickErrs[n.clickCalls-1]
	}
	return nil
}

func (n *fakeNode) ContentFrame(ctx context.Context) (schemas.FrameHandle, error) {
	if n.frameErr != nil {
		return nil, n.frameErr
	}
	if n.frame == nil {
		return nil, nil
	}
	return n.frame, nil
}

type fakeFrame struct {
	fakeScope

	url      string
	detached bool
}

func (f *fakeFrame) URL() string      { return f.url }
func (f *fakeFrame) IsDetached() bool { return f.detached }

// element builds a node answering to the given selector.
func element(selector string, opts ...func(*fakeNode)) *fakeNode {
	n := &fakeNode{selectors: []string{selector}}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func withShadow(children ...*fakeNode) func(*fakeNode) {
	return func(n *fakeNode) { n.shadow = &fakeScope{children: children} }
}

func withAttr(name, value string) func(*fakeNode) {
	return func(n *fakeNode) {
		if n.attrs == nil {
			n.attrs = map[string]string{}
		}
		n.attrs[name] = value
	}
}

func withFrame(f *fakeFrame) func(*fakeNode) {
	return func(n *fakeNode) { n.frame = f }
}

func withChildren(children ...*fakeNode) func(*fakeNode) {
	return func(n *fakeNode) { n.fakeScope.children = children }
}

// challengeIframe builds the shape the provider actually renders: a host
// element whose shadow root holds an iframe pointing at the challenge
// platform, with the given frame as its browsing context.
func challengeIframe(frame *fakeFrame) *fakeNode {
	iframe := element("iframe",
		withAttr("src", challengeFrameFilter+"h/b/turnstile"),
		withFrame(frame))
	return element("div", withShadow(iframe))
}

// checkboxFrame builds a frame whose shadow tree carries one checkbox input.
func checkboxFrame(input *fakeNode) *fakeFrame {
	host := element("label", withShadow(input))
	return &fakeFrame{fakeScope: fakeScope{children: []*fakeNode{host}}}
}

func checkbox(visible bool) *fakeNode {
	n := element(checkboxSelector)
	n.visible = visible
	return n
}

// instantSleep records requested sleeps without waiting.
type instantSleep struct {
	slept []time.Duration
}

func (s *instantSleep) fn(ctx context.Context, d time.Duration) error {
	s.slept = append(s.slept, d)
	return ctx.Err()
}

func (s *instantSleep) total() time.Duration {
	var t time.Duration
	for _, d := range s.slept {
		t += d
	}
	return t
}

func (s *instantSleep) count(d time.Duration) int {
	n := 0
	for _, got := range s.slept {
		if got == d {
			n++
		}
	}
	return n
}
