package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/halfmoonsec/cleargate/api/schemas"
	"github.com/halfmoonsec/cleargate/internal/config"
)

const (
	loadPollInterval  = 100 * time.Millisecond
	defaultOpTimeout  = 15 * time.Second
	defaultNavTimeout = 60 * time.Second
)

// Tab is one attached CDP target: a top-level page, or the dedicated session
// of an out-of-process iframe. It implements schemas.Page.
type Tab struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	cfg    config.BrowserConfig
	log    *zap.Logger

	onClose   func()
	closeOnce sync.Once
}

var _ schemas.Page = (*Tab)(nil)

// run executes chromedp actions against this tab while honoring the caller's
// context. The tab context carries the CDP target, so actions must run on a
// context derived from it; cancellation of the operational ctx is propagated
// through AfterFunc.
func (t *Tab) run(ctx context.Context, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

func (t *Tab) opTimeout() time.Duration {
	if t.cfg.OperationTimeout > 0 {
		return t.cfg.OperationTimeout
	}
	return defaultOpTimeout
}

func (t *Tab) navTimeout() time.Duration {
	if t.cfg.NavigationTimeout > 0 {
		return t.cfg.NavigationTimeout
	}
	return defaultNavTimeout
}

// Navigate loads url and returns once the navigation commits.
func (t *Tab) Navigate(ctx context.Context, url string) error {
	opCtx, cancel := context.WithTimeout(ctx, t.navTimeout())
	defer cancel()
	if err := t.run(opCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	t.log.Debug("navigated", zap.String("url", url))
	return nil
}

// documentScope resolves the current document into a query scope. Resolution
// happens per call on purpose: the document object changes on navigation and
// a cached handle would go stale.
func (t *Tab) documentScope(ctx context.Context) (*scope, error) {
	var id runtime.RemoteObjectID
	err := t.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		obj, exc, err := runtime.Evaluate("document").Do(c)
		if err != nil {
			return err
		}
		if exc != nil {
			return exc
		}
		id = obj.ObjectID
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return &scope{tab: t, objectID: id}, nil
}

func (t *Tab) QuerySelector(ctx context.Context, selector string) (schemas.ElementHandle, error) {
	sc, err := t.documentScope(ctx)
	if err != nil {
		return nil, err
	}
	return sc.QuerySelector(ctx, selector)
}

func (t *Tab) QuerySelectorAll(ctx context.Context, selector string) ([]schemas.ElementHandle, error) {
	sc, err := t.documentScope(ctx)
	if err != nil {
		return nil, err
	}
	return sc.QuerySelectorAll(ctx, selector)
}

// WaitForLoadState polls document.readyState until the milestone is reached.
// The expression is evaluated fresh each round so a navigation mid-wait is
// picked up rather than erroring on a stale document handle.
func (t *Tab) WaitForLoadState(ctx context.Context, state schemas.LoadState, timeout time.Duration) error {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		var ready string
		if err := t.run(opCtx, chromedp.Evaluate("document.readyState", &ready)); err != nil {
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

// InnerText returns the rendered text of the first match, or "" when the
// selector matches nothing.
func (t *Tab) InnerText(ctx context.Context, selector string) (string, error) {
	script := fmt.Sprintf(
		`(() => { const el = document.querySelector(%s); return el ? el.innerText : ""; })()`,
		jsString(selector))

	opCtx, cancel := context.WithTimeout(ctx, t.opTimeout())
	defer cancel()

	var text string
	if err := t.run(opCtx, chromedp.Evaluate(script, &text)); err != nil {
		return "", fmt.Errorf("inner text %q: %w", selector, err)
	}
	return text, nil
}

// OuterHTML returns the serialized current document. Not part of the Page
// interface; extraction callers that hold a concrete Tab use it.
func (t *Tab) OuterHTML(ctx context.Context) (string, error) {
	opCtx, cancel := context.WithTimeout(ctx, t.opTimeout())
	defer cancel()

	var page string
	if err := t.run(opCtx, chromedp.Evaluate("document.documentElement.outerHTML", &page)); err != nil {
		return "", fmt.Errorf("outer html: %w", err)
	}
	return page, nil
}

// Close tears the target down. Safe to call more than once.
func (t *Tab) Close(ctx context.Context) error {
	t.closeOnce.Do(func() {
		if err := chromedp.Cancel(t.ctx); err != nil {
			t.log.Debug("tab cancel", zap.Error(err))
		}
		t.cancel()
		if t.onClose != nil {
			t.onClose()
		}
		t.log.Debug("tab closed")
	})
	return nil
}

// readyStateSatisfies maps document.readyState values onto load milestones.
func readyStateSatisfies(ready string, state schemas.LoadState) bool {
	switch state {
	case schemas.LoadComplete:
		return ready == "complete"
	default:
		// domcontentloaded is reached at "interactive" and never regresses.
		return ready == "interactive" || ready == "complete"
	}
}

// jsString encodes s as a JavaScript string literal for safe embedding in
// evaluated scripts.
func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}
