package challenge

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/halfmoonsec/cleargate/api/schemas"
)

// Locator walks a live DOM subtree, shadow roots included, and digs out the
// elements and iframes the challenge provider buries there. The walk is
// re-run from scratch on every call: challenge pages rewrite their frame tree
// aggressively and a cached handle is worse than no handle.
//
// Every per-branch failure is logged and skipped. A partial scan of a
// mutating tree is still useful; an aborted one is not.
type Locator struct {
	log *zap.Logger
}

// NewLocator returns a Locator logging through the given logger.
func NewLocator(log *zap.Logger) *Locator {
	return &Locator{log: log.Named("locator")}
}

// maxShadowDepth bounds the recursion. Cloudflare nests its widget a handful
// of shadow levels deep; anything past this is a pathological tree.
const maxShadowDepth = 32

// CollectShadowRoots returns every attached shadow root reachable from root,
// in document traversal order. Roots nested inside other shadow roots are
// included.
func (l *Locator) CollectShadowRoots(ctx context.Context, root schemas.Queryable) []schemas.Queryable {
	var roots []schemas.Queryable
	l.collect(ctx, root, 0, &roots)
	return roots
}

func (l *Locator) collect(ctx context.Context, scope schemas.Queryable, depth int, out *[]schemas.Queryable) {
	if depth >= maxShadowDepth {
		l.log.Debug("Shadow recursion limit reached, skipping branch", zap.Int("depth", depth))
		return
	}

	elements, err := scope.QuerySelectorAll(ctx, "*")
	if err != nil {
		l.log.Debug("Failed to enumerate elements in scope", zap.Error(err))
		return
	}

	for _, el := range elements {
		shadow, err := el.ShadowRoot(ctx)
		if err != nil {
			l.log.Debug("Failed to read shadow root, skipping element", zap.Error(err))
			continue
		}
		if shadow == nil {
			continue
		}
		*out = append(*out, shadow)
		l.collect(ctx, shadow, depth+1, out)
	}
}

// FindInShadow returns all elements matching selector inside any shadow root
// reachable from root. Elements in the light DOM are deliberately excluded;
// callers that want those can query root directly.
func (l *Locator) FindInShadow(ctx context.Context, root schemas.Queryable, selector string) []schemas.ElementHandle {
	var found []schemas.ElementHandle
	for _, shadow := range l.CollectShadowRoots(ctx, root) {
		matches, err := shadow.QuerySelectorAll(ctx, selector)
		if err != nil {
			l.log.Debug("Selector query failed inside shadow root, skipping",
				zap.String("selector", selector), zap.Error(err))
			continue
		}
		found = append(found, matches...)
	}
	return found
}

// FindIframesInShadow returns the content frames of all shadow-DOM iframes
// whose src contains srcFilter. Frames that report themselves detached are
// dropped: a detached frame has no execution context and must not reach the
// checkbox waiter.
func (l *Locator) FindIframesInShadow(ctx context.Context, root schemas.Queryable, srcFilter string) []schemas.FrameHandle {
	var frames []schemas.FrameHandle
	for _, el := range l.FindInShadow(ctx, root, "iframe") {
		src, err := el.Attribute(ctx, "src")
		if err != nil {
			l.log.Debug("Failed to read iframe src, skipping", zap.Error(err))
			continue
		}
		if !strings.Contains(src, srcFilter) {
			continue
		}

		frame, err := el.ContentFrame(ctx)
		if err != nil {
			l.log.Debug("Failed to resolve iframe content frame, skipping",
				zap.String("src", src), zap.Error(err))
			continue
		}
		if frame == nil || frame.IsDetached() {
			continue
		}
		frames = append(frames, frame)
	}
	return frames
}
