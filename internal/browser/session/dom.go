package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/halfmoonsec/cleargate/api/schemas"
)

// scope is a query context bound to one remote object: a document, a shadow
// root, or an element. All selector traffic funnels through call.
type scope struct {
	tab      *Tab
	objectID runtime.RemoteObjectID
}

var _ schemas.Queryable = (*scope)(nil)

// call invokes fnDecl with `this` bound to the scope's object. When out is
// non-nil the result is returned by value and unmarshalled into it; otherwise
// the raw remote object is returned for further handle work.
func (s *scope) call(ctx context.Context, fnDecl string, out interface{}, args ...interface{}) (*runtime.RemoteObject, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.tab.opTimeout())
	defer cancel()

	var obj *runtime.RemoteObject
	err := s.tab.run(opCtx, chromedp.ActionFunc(func(c context.Context) error {
		params := runtime.CallFunctionOn(fnDecl).WithObjectID(s.objectID)
		if len(args) > 0 {
			callArgs := make([]*runtime.CallArgument, 0, len(args))
			for _, a := range args {
				b, err := json.Marshal(a)
				if err != nil {
					return fmt.Errorf("encode argument: %w", err)
				}
				callArgs = append(callArgs, &runtime.CallArgument{Value: b})
			}
			params = params.WithArguments(callArgs)
		}
		if out != nil {
			params = params.WithReturnByValue(true)
		}

		res, exc, err := params.Do(c)
		if err != nil {
			return err
		}
		if exc != nil {
			return exc
		}
		if out != nil {
			if res == nil || res.Value == nil {
				return nil
			}
			return json.Unmarshal(res.Value, out)
		}
		obj = res
		return nil
	}))
	return obj, err
}

func (s *scope) QuerySelector(ctx context.Context, selector string) (schemas.ElementHandle, error) {
	obj, err := s.call(ctx, `function(sel) { return this.querySelector(sel); }`, nil, selector)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", selector, err)
	}
	if obj == nil || obj.ObjectID == "" {
		return nil, nil
	}
	return &element{scope{tab: s.tab, objectID: obj.ObjectID}}, nil
}

func (s *scope) QuerySelectorAll(ctx context.Context, selector string) ([]schemas.ElementHandle, error) {
	list, err := s.call(ctx, `function(sel) { return Array.from(this.querySelectorAll(sel)); }`, nil, selector)
	if err != nil {
		return nil, fmt.Errorf("query all %q: %w", selector, err)
	}
	if list == nil || list.ObjectID == "" {
		return nil, nil
	}

	type indexed struct {
		idx int
		id  runtime.RemoteObjectID
	}
	var members []indexed

	opCtx, cancel := context.WithTimeout(ctx, s.tab.opTimeout())
	defer cancel()
	err = s.tab.run(opCtx, chromedp.ActionFunc(func(c context.Context) error {
		props, _, _, exc, err := runtime.GetProperties(list.ObjectID).WithOwnProperties(true).Do(c)
		if err != nil {
			return err
		}
		if exc != nil {
			return exc
		}
		for _, p := range props {
			idx, convErr := strconv.Atoi(p.Name)
			if convErr != nil || p.Value == nil || p.Value.ObjectID == "" {
				continue
			}
			members = append(members, indexed{idx: idx, id: p.Value.ObjectID})
		}
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("enumerate %q: %w", selector, err)
	}

	sort.Slice(members, func(i, j int) bool { return members[i].idx < members[j].idx })
	handles := make([]schemas.ElementHandle, 0, len(members))
	for _, m := range members {
		handles = append(handles, &element{scope{tab: s.tab, objectID: m.id}})
	}
	return handles, nil
}

// WaitForLoadState polls the readiness of the document owning this scope.
func (s *scope) WaitForLoadState(ctx context.Context, state schemas.LoadState, timeout time.Duration) error {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		var ready string
		_, err := s.call(opCtx,
			`function() { const d = this.ownerDocument || this; return d.readyState || "complete"; }`,
			&ready)
		if err != nil {
			return err
		}
		if readyStateSatisfies(ready, state) {
			return nil
		}
		select {
		case <-opCtx.Done():
			return opCtx.Err()
		case <-time.After(loadPollInterval):
		}
	}
}

// element is a live handle to one DOM node.
type element struct {
	scope
}

var _ schemas.ElementHandle = (*element)(nil)

// ShadowRoot resolves the element's shadow root through the DOM domain, which
// reaches closed roots that page JavaScript cannot see.
func (e *element) ShadowRoot(ctx context.Context) (schemas.Queryable, error) {
	opCtx, cancel := context.WithTimeout(ctx, e.tab.opTimeout())
	defer cancel()

	var rootID runtime.RemoteObjectID
	err := e.tab.run(opCtx, chromedp.ActionFunc(func(c context.Context) error {
		node, err := dom.DescribeNode().WithObjectID(e.objectID).WithPierce(true).Do(c)
		if err != nil {
			return err
		}
		if node == nil || len(node.ShadowRoots) == 0 {
			return nil
		}
		obj, err := dom.ResolveNode().WithBackendNodeID(node.ShadowRoots[0].BackendNodeID).Do(c)
		if err != nil {
			return err
		}
		if obj != nil {
			rootID = obj.ObjectID
		}
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("shadow root: %w", err)
	}
	if rootID == "" {
		return nil, nil
	}
	return &scope{tab: e.tab, objectID: rootID}, nil
}

func (e *element) Attribute(ctx context.Context, name string) (string, error) {
	var val *string
	if _, err := e.call(ctx, `function(n) { return this.getAttribute(n); }`, &val, name); err != nil {
		return "", fmt.Errorf("attribute %q: %w", name, err)
	}
	if val == nil {
		return "", nil
	}
	return *val, nil
}

const visibleJS = `function() {
	const rect = this.getBoundingClientRect();
	if (rect.width <= 0 || rect.height <= 0) {
		return false;
	}
	const view = (this.ownerDocument && this.ownerDocument.defaultView) || window;
	const style = view.getComputedStyle(this);
	return style.display !== "none" && style.visibility !== "hidden" && style.opacity !== "0";
}`

func (e *element) IsVisible(ctx context.Context) (bool, error) {
	var visible bool
	if _, err := e.call(ctx, visibleJS, &visible); err != nil {
		return false, fmt.Errorf("visibility: %w", err)
	}
	return visible, nil
}

const centerJS = `function() {
	this.scrollIntoView({block: "center", inline: "center"});
	const r = this.getBoundingClientRect();
	return {x: r.left + r.width / 2, y: r.top + r.height / 2, w: r.width, h: r.height};
}`

type clickPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Click dispatches a trusted mouse click at the element's center. Events land
// on whatever occupies those coordinates, which is exactly how a user's click
// would behave. A synthetic JS click is the fallback when the element has no
// usable geometry.
func (e *element) Click(ctx context.Context) error {
	var pt clickPoint
	_, err := e.call(ctx, centerJS, &pt)
	if err == nil && pt.W > 0 && pt.H > 0 {
		opCtx, cancel := context.WithTimeout(ctx, e.tab.opTimeout())
		defer cancel()
		err = e.tab.run(opCtx, chromedp.ActionFunc(func(c context.Context) error {
			press := input.DispatchMouseEvent(input.MousePressed, pt.X, pt.Y).
				WithButton(input.Left).WithClickCount(1)
			if err := press.Do(c); err != nil {
				return err
			}
			release := input.DispatchMouseEvent(input.MouseReleased, pt.X, pt.Y).
				WithButton(input.Left).WithClickCount(1)
			return release.Do(c)
		}))
		if err == nil {
			return nil
		}
	}

	if _, jsErr := e.call(ctx, `function() { this.click(); }`, nil); jsErr != nil {
		if err != nil {
			return fmt.Errorf("click: %w (fallback: %v)", err, jsErr)
		}
		return fmt.Errorf("click: %w", jsErr)
	}
	return nil
}

// ContentFrame resolves the browsing context behind an iframe element. Same
// process frames are reached through contentDocument; out-of-process frames
// get their own CDP session attached to the frame's target.
func (e *element) ContentFrame(ctx context.Context) (schemas.FrameHandle, error) {
	opCtx, cancel := context.WithTimeout(ctx, e.tab.opTimeout())
	defer cancel()

	var frameID cdp.FrameID
	err := e.tab.run(opCtx, chromedp.ActionFunc(func(c context.Context) error {
		node, err := dom.DescribeNode().WithObjectID(e.objectID).Do(c)
		if err != nil {
			return err
		}
		if node != nil {
			frameID = node.FrameID
		}
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("describe frame owner: %w", err)
	}
	if frameID == "" {
		return nil, nil
	}

	src, err := e.Attribute(ctx, "src")
	if err != nil {
		return nil, err
	}

	doc, err := e.call(ctx, `function() { return this.contentDocument; }`, nil)
	if err != nil {
		return nil, fmt.Errorf("content document: %w", err)
	}
	if doc != nil && doc.ObjectID != "" {
		return &frame{tab: e.tab, docID: doc.ObjectID, url: src}, nil
	}

	frameTab, err := e.tab.adoptFrameTarget(ctx, frameID, src)
	if err != nil {
		return nil, err
	}
	if frameTab == nil {
		// Cross-origin frame whose target has not materialized yet; callers
		// treat an absent frame as "try again later".
		return nil, nil
	}
	return &frame{tab: frameTab, url: src, ownsTab: true}, nil
}

// adoptFrameTarget attaches a dedicated session to an out-of-process iframe.
func (t *Tab) adoptFrameTarget(ctx context.Context, frameID cdp.FrameID, src string) (*Tab, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos, err := chromedp.Targets(t.ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	info := pickFrameTarget(infos, frameID, src)
	if info == nil {
		return nil, nil
	}

	frameCtx, cancel := chromedp.NewContext(t.ctx, chromedp.WithTargetID(info.TargetID))
	if err := chromedp.Run(frameCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("attach frame target: %w", err)
	}
	return &Tab{
		id:     string(info.TargetID),
		ctx:    frameCtx,
		cancel: cancel,
		cfg:    t.cfg,
		log:    t.log.With(zap.String("frame_target", string(info.TargetID))),
	}, nil
}

// frame is a child browsing context. In-process frames query through the
// parent tab against the frame's document object; out-of-process frames own a
// dedicated Tab attached to the frame target.
type frame struct {
	tab     *Tab
	docID   runtime.RemoteObjectID
	url     string
	ownsTab bool

	mu       sync.Mutex
	detached bool
}

var _ schemas.FrameHandle = (*frame)(nil)

func (f *frame) scopeFor(ctx context.Context) (*scope, error) {
	if f.docID != "" {
		return &scope{tab: f.tab, objectID: f.docID}, nil
	}
	return f.tab.documentScope(ctx)
}

func (f *frame) QuerySelector(ctx context.Context, selector string) (schemas.ElementHandle, error) {
	sc, err := f.scopeFor(ctx)
	if err != nil {
		return nil, f.observe(err)
	}
	el, err := sc.QuerySelector(ctx, selector)
	return el, f.observe(err)
}

func (f *frame) QuerySelectorAll(ctx context.Context, selector string) ([]schemas.ElementHandle, error) {
	sc, err := f.scopeFor(ctx)
	if err != nil {
		return nil, f.observe(err)
	}
	els, err := sc.QuerySelectorAll(ctx, selector)
	return els, f.observe(err)
}

func (f *frame) WaitForLoadState(ctx context.Context, state schemas.LoadState, timeout time.Duration) error {
	sc, err := f.scopeFor(ctx)
	if err != nil {
		return f.observe(err)
	}
	return f.observe(sc.WaitForLoadState(ctx, state, timeout))
}

func (f *frame) URL() string { return f.url }

func (f *frame) IsDetached() bool {
	if f.tab.ctx.Err() != nil {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detached
}

// observe flags the frame as detached when an error indicates its browsing
// context is gone, so later rounds skip it instead of re-failing.
func (f *frame) observe(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range frameGoneMarkers {
		if strings.Contains(msg, marker) {
			f.mu.Lock()
			f.detached = true
			f.mu.Unlock()
			break
		}
	}
	return err
}

var frameGoneMarkers = []string{
	"detached",
	"no frame with given id",
	"frame with the given id was not found",
	"session closed",
	"target closed",
	"no target with given id",
}

// pickFrameTarget finds the target belonging to an out-of-process iframe.
// OOPIF targets reuse the frame ID as their target ID; the URL match is the
// fallback for the window between frame creation and target attachment.
func pickFrameTarget(infos []*target.Info, frameID cdp.FrameID, src string) *target.Info {
	for _, info := range infos {
		if info.Type == "iframe" && string(info.TargetID) == string(frameID) {
			return info
		}
	}
	if src == "" {
		return nil
	}
	for _, info := range infos {
		if info.Type == "iframe" && strings.HasPrefix(info.URL, src) {
			return info
		}
	}
	return nil
}
