package challenge

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/halfmoonsec/cleargate/api/schemas"
)

// challengeFrameFilter is the URL-path prefix of the provider's widget
// iframes. Only shadow-DOM iframes whose src contains it are click targets.
const challengeFrameFilter = "https://challenges.cloudflare.com/cdn-cgi/challenge-platform/"

const (
	defaultSolveAttempts         = 3
	defaultClickSettleDelay      = 6 * time.Second
	defaultWaitCheckboxAttempts  = 10
	defaultWaitCheckboxDelay     = 6 * time.Second
	defaultCheckboxClickAttempts = 3
	defaultAttemptDelay          = 5 * time.Second

	// How long to wait for domcontentloaded between detection and iframe
	// discovery. A timeout here is logged and ignored.
	solveLoadTimeout = 10 * time.Second

	// Pause after the final failed attempt so an in-flight navigation can
	// drain before the page is handed back to the caller.
	exhaustedDrainDelay = 2 * time.Second
)

// Options configures a single Solve call. Zero values fall back to the
// defaults above; Type is mandatory.
type Options struct {
	// Type selects the indicator-selector set and stays fixed for the whole
	// solve loop.
	Type schemas.ChallengeType

	// ExpectedContentSelector, when non-empty, is an independent success
	// signal: if it resolves, the page is usable no matter what the
	// indicators say.
	ExpectedContentSelector string

	// SolveAttempts bounds the outer retry loop.
	SolveAttempts int
	// AttemptDelay is slept between outer attempts.
	AttemptDelay time.Duration
	// WaitCheckboxAttempts and WaitCheckboxDelay budget the checkbox poll.
	WaitCheckboxAttempts int
	WaitCheckboxDelay    time.Duration
	// CheckboxClickAttempts bounds the immediate click sub-retries.
	CheckboxClickAttempts int
	// ClickSettleDelay is slept after a successful click so the provider can
	// process it before verification.
	ClickSettleDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.SolveAttempts <= 0 {
		o.SolveAttempts = defaultSolveAttempts
	}
	if o.AttemptDelay <= 0 {
		o.AttemptDelay = defaultAttemptDelay
	}
	if o.WaitCheckboxAttempts <= 0 {
		o.WaitCheckboxAttempts = defaultWaitCheckboxAttempts
	}
	if o.WaitCheckboxDelay <= 0 {
		o.WaitCheckboxDelay = defaultWaitCheckboxDelay
	}
	if o.CheckboxClickAttempts <= 0 {
		o.CheckboxClickAttempts = defaultCheckboxClickAttempts
	}
	if o.ClickSettleDelay <= 0 {
		o.ClickSettleDelay = defaultClickSettleDelay
	}
	return o
}

// Seams the solver drives its collaborators through. Production wiring uses
// the concrete Detector, Locator and Waiter from this package; tests inject
// counting fakes.
type challengeDetector interface {
	DetectChallenge(ctx context.Context, q schemas.Queryable, typ schemas.ChallengeType) (bool, error)
	DetectExpectedContent(ctx context.Context, q schemas.Queryable, selector string) (bool, error)
}

type iframeLocator interface {
	FindIframesInShadow(ctx context.Context, root schemas.Queryable, srcFilter string) []schemas.FrameHandle
}

type checkboxWaiter interface {
	WaitForReadyCheckbox(ctx context.Context, iframes []schemas.FrameHandle, delay time.Duration, attempts int) (*ReadyCheckbox, error)
}

// Solver drives the detect → locate → wait → click → verify loop until the
// challenge clears or the attempt budget runs out. The result is a single
// boolean: an unsolved challenge is an outcome, not an error. Errors are
// reserved for unrecoverable infrastructure failures, chiefly the inability
// to replace a crashed page.
type Solver struct {
	pages    schemas.PageFactory
	detector challengeDetector
	locator  iframeLocator
	waiter   checkboxWaiter
	observer Observer
	log      *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// SolverOption customizes a Solver.
type SolverOption func(*Solver)

// WithObserver installs a state-transition observer (see Observer).
func WithObserver(obs Observer) SolverOption {
	return func(s *Solver) { s.observer = obs }
}

// NewSolver wires a Solver with the package's concrete detector, locator and
// waiter. pages supplies replacements when the driven page crashes.
func NewSolver(pages schemas.PageFactory, log *zap.Logger, opts ...SolverOption) *Solver {
	log = log.Named("solver")
	locator := NewLocator(log)
	s := &Solver{
		pages:    pages,
		detector: NewDetector(log),
		locator:  locator,
		waiter:   NewWaiter(locator, log),
		log:      log,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Solve attempts to clear the challenge on q. It returns true when the
// challenge is gone or was never present, false when every attempt was
// exhausted. The queryable may be replaced internally after a crash; the
// caller's handle is not updated, so a false result after crashes means the
// caller should obtain a fresh page regardless.
func (s *Solver) Solve(ctx context.Context, q schemas.Queryable, opts Options) (bool, error) {
	if err := opts.Type.Validate(); err != nil {
		return false, err
	}
	opts = opts.withDefaults()

	s.log.Debug("Starting challenge solve",
		zap.String("type", string(opts.Type)),
		zap.Int("solve_attempts", opts.SolveAttempts))

	for attempt := 1; attempt <= opts.SolveAttempts; attempt++ {
		if attempt > 1 {
			s.log.Debug("Retrying solve",
				zap.Int("attempt", attempt), zap.Int("max_attempts", opts.SolveAttempts))
			if err := s.sleep(ctx, opts.AttemptDelay); err != nil {
				return false, err
			}
		}

		var solved bool
		var err error
		q, solved, err = s.runAttempt(ctx, q, attempt, opts)
		if err != nil {
			return false, err
		}
		if solved {
			return true, nil
		}
	}

	s.log.Debug("Max solve attempts reached, giving up")
	s.notify(ctx, &q, opts.SolveAttempts, StateRetrying, StateExhausted)
	if err := s.sleep(ctx, exhaustedDrainDelay); err != nil {
		return false, err
	}
	return false, nil
}

// runAttempt executes one outer attempt as an explicit walk over the solve
// states. It returns the (possibly replaced) queryable, whether the attempt
// ended in StateSolved, and any fatal error.
func (s *Solver) runAttempt(ctx context.Context, q schemas.Queryable, attempt int, opts Options) (schemas.Queryable, bool, error) {
	var (
		state   = StateDetecting
		frames  []schemas.FrameHandle
		ready   *ReadyCheckbox
		swapped bool
	)

	// move advances the machine and fires the observer on the edge. A crash
	// surfaced by the observer swaps the page in place.
	move := func(to State) error {
		from := state
		state = to
		return s.notify(ctx, &q, attempt, from, to)
	}

	// Attempt-start edge: lets a wired probe inspect (and crash-check) the
	// page before the first detection pass.
	if err := s.notify(ctx, &q, attempt, "", StateDetecting); err != nil {
		return q, false, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return q, false, err
		}

		switch state {
		case StateDetecting:
			present, expected, err := s.detect(ctx, q, opts)
			if err != nil {
				if IsTargetCrashed(err) && !swapped {
					swapped = true
					if q, err = s.replacePage(ctx); err != nil {
						return q, false, err
					}
					continue
				}
				return q, false, err
			}
			if !present || expected {
				s.log.Debug("No challenge standing in the way",
					zap.Bool("challenge_present", present),
					zap.Bool("expected_content", expected))
				if err := move(StateSolved); err != nil {
					return q, false, err
				}
				continue
			}

			s.waitForDOM(ctx, q)
			if err := move(StateLocatingIframes); err != nil {
				return q, false, err
			}

		case StateLocatingIframes:
			frames = s.locator.FindIframesInShadow(ctx, q, challengeFrameFilter)
			if len(frames) == 0 {
				s.log.Debug("Challenge iframes not found")
				if err := move(StateRetrying); err != nil {
					return q, false, err
				}
				continue
			}
			if err := move(StateWaitingCheckbox); err != nil {
				return q, false, err
			}

		case StateWaitingCheckbox:
			var err error
			ready, err = s.waiter.WaitForReadyCheckbox(ctx, frames, opts.WaitCheckboxDelay, opts.WaitCheckboxAttempts)
			if err != nil {
				return q, false, err
			}
			if ready == nil {
				s.log.Debug("Checkbox not found or never became ready")
				if err := move(StateRetrying); err != nil {
					return q, false, err
				}
				continue
			}
			s.log.Debug("Found checkbox in challenge iframe")
			if err := move(StateClicking); err != nil {
				return q, false, err
			}

		case StateClicking:
			if !s.clickWithRetries(ctx, ready.Input, opts.CheckboxClickAttempts) {
				if err := move(StateRetrying); err != nil {
					return q, false, err
				}
				continue
			}
			if err := s.sleep(ctx, opts.ClickSettleDelay); err != nil {
				return q, false, err
			}
			if err := move(StateVerifying); err != nil {
				return q, false, err
			}

		case StateVerifying:
			// Both variants converge on the same success signal: the
			// indicator is gone. The provider's explicit success marker
			// element is not probed; "indicator absent" has proven
			// equivalent in practice.
			present, expected, err := s.detect(ctx, q, opts)
			if err != nil {
				if IsTargetCrashed(err) && !swapped {
					swapped = true
					if q, err = s.replacePage(ctx); err != nil {
						return q, false, err
					}
					continue
				}
				return q, false, err
			}
			if !present || expected {
				s.log.Debug("Challenge cleared",
					zap.Bool("challenge_present", present),
					zap.Bool("expected_content", expected))
				if err := move(StateSolved); err != nil {
					return q, false, err
				}
				continue
			}
			s.log.Debug("Challenge still present after click")
			if err := move(StateRetrying); err != nil {
				return q, false, err
			}

		case StateSolved:
			return q, true, nil

		case StateRetrying:
			return q, false, nil

		default:
			return q, false, fmt.Errorf("solver reached impossible state %q", state)
		}
	}
}

// detect runs the challenge probe and the expected-content probe in
// sequence. Both are cheap document-level queries with no DOM mutation.
func (s *Solver) detect(ctx context.Context, q schemas.Queryable, opts Options) (present, expected bool, err error) {
	present, err = s.detector.DetectChallenge(ctx, q, opts.Type)
	if err != nil {
		return false, false, err
	}
	expected, err = s.detector.DetectExpectedContent(ctx, q, opts.ExpectedContentSelector)
	if err != nil {
		return false, false, err
	}
	return present, expected, nil
}

// waitForDOM waits for domcontentloaded, tolerating both timeouts (the DOM
// is often interactive before the event fires) and already-closed pages (the
// next state will surface those properly).
func (s *Solver) waitForDOM(ctx context.Context, q schemas.Queryable) {
	err := q.WaitForLoadState(ctx, schemas.LoadDOMContentLoaded, solveLoadTimeout)
	switch {
	case err == nil:
	case IsLoadTimeout(err):
		s.log.Debug("Page did not reach domcontentloaded in time")
	case IsTargetCrashed(err):
		s.log.Debug("Page already closed while waiting for load state")
	default:
		s.log.Debug("Load state wait failed", zap.Error(err))
	}
}

// clickWithRetries performs immediate click sub-retries. Click failures here
// are stale-element races, not timing problems, so there is no delay between
// tries.
func (s *Solver) clickWithRetries(ctx context.Context, input schemas.ElementHandle, attempts int) bool {
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return false
		}
		if err := input.Click(ctx); err != nil {
			s.log.Debug("Checkbox click failed",
				zap.Int("attempt", attempt), zap.Int("max_attempts", attempts), zap.Error(err))
			continue
		}
		s.log.Debug("Checkbox clicked")
		return true
	}
	s.log.Debug("Failed to click checkbox after maximum attempts")
	return false
}

// notify fires the observer for a state edge. A crash discovered by the
// observer replaces the page in place; observer failures are otherwise
// non-fatal. Only a failed page replacement propagates.
func (s *Solver) notify(ctx context.Context, q *schemas.Queryable, attempt int, from, to State) error {
	if s.observer == nil {
		return nil
	}
	err := s.observer(ctx, *q, Transition{Attempt: attempt, From: from, To: to})
	if err == nil {
		return nil
	}
	if IsTargetCrashed(err) {
		s.log.Warn("Page or browser crashed, creating new page", zap.Error(err))
		page, perr := s.replacePage(ctx)
		if perr != nil {
			return perr
		}
		*q = page
		return nil
	}
	s.log.Debug("Observer probe failed", zap.Error(err))
	return nil
}

// replacePage asks the factory for a fresh page. There is nothing to drive
// without one, so failure here is fatal to the whole solve call.
func (s *Solver) replacePage(ctx context.Context) (schemas.Page, error) {
	page, err := s.pages.NewPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("create replacement page after crash: %w", err)
	}
	return page, nil
}
