package schemas

import (
	"context"
	"time"
)

// The interfaces below are the canonical seams of the application. The
// challenge engine depends only on them, never on chromedp directly, which is
// what makes the solve loop testable against fake DOM trees.

// Queryable is a browsing context (document, frame, or element subtree)
// against which selector queries can be issued.
type Queryable interface {
	// QuerySelector returns the first match for a CSS selector, or (nil, nil)
	// when nothing matches.
	QuerySelector(ctx context.Context, selector string) (ElementHandle, error)
	// QuerySelectorAll returns every match for a CSS selector in document
	// order. An empty result is not an error.
	QuerySelectorAll(ctx context.Context, selector string) ([]ElementHandle, error)
	// WaitForLoadState blocks until the owning document reaches the given
	// readiness milestone or the timeout elapses.
	WaitForLoadState(ctx context.Context, state LoadState, timeout time.Duration) error
}

// ElementHandle is a live reference to a single DOM element. Handles go stale
// when the page navigates; operations on a stale handle return errors rather
// than panicking.
type ElementHandle interface {
	Queryable

	// ShadowRoot returns the element's attached shadow root as a new query
	// scope, or (nil, nil) when the element hosts none.
	ShadowRoot(ctx context.Context) (Queryable, error)
	// Attribute reads an attribute value; missing attributes yield "".
	Attribute(ctx context.Context, name string) (string, error)
	// IsVisible reports whether the element currently has layout and is not
	// hidden by CSS.
	IsVisible(ctx context.Context) (bool, error)
	// Click dispatches a click on the element.
	Click(ctx context.Context) error
	// ContentFrame resolves the browsing context of an iframe element, or
	// (nil, nil) when the element does not own one.
	ContentFrame(ctx context.Context) (FrameHandle, error)
}

// FrameHandle is a child browsing context reachable from a page.
type FrameHandle interface {
	Queryable

	// URL is the frame's last known document URL.
	URL() string
	// IsDetached reports whether the frame's browsing context has been torn
	// down. Detached frames have no execution context and must not be queried.
	IsDetached() bool
}

// Page is a top-level tab.
type Page interface {
	Queryable

	Navigate(ctx context.Context, url string) error
	// InnerText returns the rendered text of the first element matching the
	// selector.
	InnerText(ctx context.Context, selector string) (string, error)
	Close(ctx context.Context) error
}

// PageFactory creates fresh pages. The solver uses it to replace a page whose
// renderer has crashed mid-attempt; failure to produce a replacement is fatal.
type PageFactory interface {
	NewPage(ctx context.Context) (Page, error)
}

// Store persists scraped jobs and their scores.
type Store interface {
	// InsertJobs writes jobs until it meets one that already exists, then
	// stops: listings arrive newest-first, so everything after a known ID is
	// known too. Returns the number actually inserted.
	InsertJobs(ctx context.Context, jobs []Job) (int, error)
	// UnscoredJobs returns up to limit jobs that have no score yet.
	UnscoredJobs(ctx context.Context, limit int) ([]Job, error)
	// UpdateScore records the LLM verdict for a job.
	UpdateScore(ctx context.Context, score JobScore) error
}

// LLMClient abstracts the text-generation provider.
type LLMClient interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	Close() error
}
