package challenge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/halfmoonsec/cleargate/api/schemas"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -- scripted collaborators --

type detectResult struct {
	present bool
	err     error
}

type scriptedDetector struct {
	challenge      []detectResult // consumed per DetectChallenge call; last entry repeats
	expected       []detectResult
	challengeCalls int
	expectedCalls  int
	lastQueryable  schemas.Queryable
}

func takeResult(seq []detectResult, call int) detectResult {
	if call <= len(seq) {
		return seq[call-1]
	}
	if len(seq) == 0 {
		return detectResult{}
	}
	return seq[len(seq)-1]
}

func (d *scriptedDetector) DetectChallenge(ctx context.Context, q schemas.Queryable, typ schemas.ChallengeType) (bool, error) {
	d.challengeCalls++
	d.lastQueryable = q
	r := takeResult(d.challenge, d.challengeCalls)
	return r.present, r.err
}

func (d *scriptedDetector) DetectExpectedContent(ctx context.Context, q schemas.Queryable, selector string) (bool, error) {
	d.expectedCalls++
	if selector == "" {
		return false, nil
	}
	r := takeResult(d.expected, d.expectedCalls)
	return r.present, r.err
}

type scriptedLocator struct {
	frames [][]schemas.FrameHandle // per call; last entry repeats, empty means none
	calls  int
}

func (l *scriptedLocator) FindIframesInShadow(ctx context.Context, root schemas.Queryable, srcFilter string) []schemas.FrameHandle {
	l.calls++
	if l.calls <= len(l.frames) {
		return l.frames[l.calls-1]
	}
	if len(l.frames) == 0 {
		return nil
	}
	return l.frames[len(l.frames)-1]
}

type scriptedWaiter struct {
	results []*ReadyCheckbox
	calls   int
}

func (w *scriptedWaiter) WaitForReadyCheckbox(ctx context.Context, iframes []schemas.FrameHandle, delay time.Duration, attempts int) (*ReadyCheckbox, error) {
	w.calls++
	if w.calls <= len(w.results) {
		return w.results[w.calls-1], nil
	}
	return nil, nil
}

type fakePageFactory struct {
	pages []*fakePage
	calls int
	err   error
}

func (f *fakePageFactory) NewPage(ctx context.Context) (schemas.Page, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePage{}
	f.pages = append(f.pages, p)
	return p, nil
}

type fakePage struct {
	fakeScope
	bodyText string
	textErrs []error
	textCall int
}

func (p *fakePage) Navigate(ctx context.Context, url string) error { return nil }
func (p *fakePage) Close(ctx context.Context) error                { return nil }

func (p *fakePage) InnerText(ctx context.Context, selector string) (string, error) {
	p.textCall++
	if p.textCall <= len(p.textErrs) {
		return "", p.textErrs[p.textCall-1]
	}
	return p.bodyText, nil
}

// -- harness --

type solverHarness struct {
	solver   *Solver
	detector *scriptedDetector
	locator  *scriptedLocator
	waiter   *scriptedWaiter
	factory  *fakePageFactory
	sleep    *instantSleep
}

func newHarness(opts ...SolverOption) *solverHarness {
	h := &solverHarness{
		detector: &scriptedDetector{},
		locator:  &scriptedLocator{},
		waiter:   &scriptedWaiter{},
		factory:  &fakePageFactory{},
		sleep:    &instantSleep{},
	}
	h.solver = NewSolver(h.factory, zap.NewNop(), opts...)
	h.solver.detector = h.detector
	h.solver.locator = h.locator
	h.solver.waiter = h.waiter
	h.solver.sleep = h.sleep.fn
	return h
}

func interstitialOpts() Options {
	return Options{Type: schemas.ChallengeInterstitial}
}

// -- tests --

func TestSolve_RejectsUnknownChallengeType(t *testing.T) {
	h := newHarness()

	_, err := h.solver.Solve(context.Background(), &fakePage{}, Options{Type: "recaptcha"})

	require.Error(t, err)
	assert.Zero(t, h.detector.challengeCalls, "must reject before touching the page")
}

func TestSolve_NoChallengeIsImmediateSuccess(t *testing.T) {
	h := newHarness()
	h.detector.challenge = []detectResult{{present: false}}

	solved, err := h.solver.Solve(context.Background(), &fakePage{}, interstitialOpts())

	require.NoError(t, err)
	assert.True(t, solved)
	assert.Equal(t, 1, h.detector.challengeCalls, "a single detection pass suffices")
	assert.Zero(t, h.locator.calls, "locator must not run when nothing is detected")
	assert.Empty(t, h.sleep.slept)
}

func TestSolve_IsIdempotentAfterSuccess(t *testing.T) {
	h := newHarness()
	h.detector.challenge = []detectResult{{present: false}}
	page := &fakePage{}

	for range 2 {
		solved, err := h.solver.Solve(context.Background(), page, interstitialOpts())
		require.NoError(t, err)
		assert.True(t, solved)
	}
	assert.Equal(t, 2, h.detector.challengeCalls, "one detection pass per call")
	assert.Zero(t, h.locator.calls)
}

func TestSolve_ExpectedContentWinsOverIndicator(t *testing.T) {
	h := newHarness()
	h.detector.challenge = []detectResult{{present: true}}
	h.detector.expected = []detectResult{{present: true}}

	opts := interstitialOpts()
	opts.ExpectedContentSelector = "#job-list"
	solved, err := h.solver.Solve(context.Background(), &fakePage{}, opts)

	require.NoError(t, err)
	assert.True(t, solved, "reachable expected content means the challenge is irrelevant")
	assert.Zero(t, h.locator.calls)
}

func TestSolve_NoIframesExhaustsAttempts(t *testing.T) {
	h := newHarness()
	h.detector.challenge = []detectResult{{present: true}}

	opts := interstitialOpts()
	opts.SolveAttempts = 3
	opts.AttemptDelay = 5 * time.Second
	solved, err := h.solver.Solve(context.Background(), &fakePage{}, opts)

	require.NoError(t, err)
	assert.False(t, solved)
	assert.Equal(t, 3, h.detector.challengeCalls, "exactly one detection pass per attempt")
	assert.Equal(t, 3, h.locator.calls)
	assert.Zero(t, h.waiter.calls, "waiter must not run without candidate iframes")
	assert.Equal(t, 2, h.sleep.count(5*time.Second), "(attempts-1) inter-attempt delays")
}

func TestSolve_NoReadyCheckboxSkipsClick(t *testing.T) {
	h := newHarness()
	h.detector.challenge = []detectResult{{present: true}}
	frame := &fakeFrame{url: challengeFrameFilter}
	h.locator.frames = [][]schemas.FrameHandle{{frame}}

	input := checkbox(true)
	solved, err := h.solver.Solve(context.Background(), &fakePage{}, interstitialOpts())

	require.NoError(t, err)
	assert.False(t, solved)
	assert.Equal(t, defaultSolveAttempts, h.waiter.calls)
	assert.Zero(t, input.clickCalls, "click must never run without a ready checkbox")
}

func TestSolve_HappyPath(t *testing.T) {
	h := newHarness()
	// Pre-click pass sees the challenge; the verify pass sees it gone.
	h.detector.challenge = []detectResult{{present: true}, {present: false}}
	frame := &fakeFrame{url: challengeFrameFilter}
	h.locator.frames = [][]schemas.FrameHandle{{frame}}
	input := checkbox(true)
	h.waiter.results = []*ReadyCheckbox{{Frame: frame, Input: input}}

	opts := interstitialOpts()
	opts.ClickSettleDelay = 6 * time.Second
	solved, err := h.solver.Solve(context.Background(), &fakePage{}, opts)

	require.NoError(t, err)
	assert.True(t, solved)
	assert.Equal(t, 1, input.clickCalls)
	assert.Equal(t, 2, h.detector.challengeCalls, "pre-click pass plus verify pass")
	assert.Equal(t, 1, h.sleep.count(6*time.Second), "settle delay after the click")
}

func TestSolve_ClickFailuresAbandonAttemptWithoutVerify(t *testing.T) {
	h := newHarness()
	h.detector.challenge = []detectResult{{present: true}}
	frame := &fakeFrame{url: challengeFrameFilter}
	h.locator.frames = [][]schemas.FrameHandle{{frame}}

	stale := errors.New("node is detached from document")
	input := checkbox(true)
	input.clickErrs = []error{stale, stale, stale, stale, stale, stale, stale, stale, stale}
	h.waiter.results = []*ReadyCheckbox{
		{Frame: frame, Input: input},
		{Frame: frame, Input: input},
		{Frame: frame, Input: input},
	}

	opts := interstitialOpts()
	opts.SolveAttempts = 3
	opts.CheckboxClickAttempts = 3
	solved, err := h.solver.Solve(context.Background(), &fakePage{}, opts)

	require.NoError(t, err)
	assert.False(t, solved)
	assert.Equal(t, 9, input.clickCalls, "three sub-retries per outer attempt")
	assert.Equal(t, 3, h.detector.challengeCalls, "no verify pass after failed clicks")
}

func TestSolve_SecondAttemptSucceeds(t *testing.T) {
	h := newHarness()
	// Attempt 1: challenge present, no iframes. Attempt 2: full clear.
	h.detector.challenge = []detectResult{{present: true}, {present: true}, {present: false}}
	frame := &fakeFrame{url: challengeFrameFilter}
	h.locator.frames = [][]schemas.FrameHandle{nil, {frame}}
	h.waiter.results = []*ReadyCheckbox{{Frame: frame, Input: checkbox(true)}}

	opts := interstitialOpts()
	opts.AttemptDelay = 5 * time.Second
	solved, err := h.solver.Solve(context.Background(), &fakePage{}, opts)

	require.NoError(t, err)
	assert.True(t, solved)
	assert.Equal(t, 1, h.sleep.count(5*time.Second))
}

func TestSolve_CrashDuringDetectionSwapsPage(t *testing.T) {
	h := newHarness()
	h.detector.challenge = []detectResult{
		{err: errors.New("Target crashed")},
		{present: false},
	}

	solved, err := h.solver.Solve(context.Background(), &fakePage{}, interstitialOpts())

	require.NoError(t, err)
	assert.True(t, solved)
	require.Equal(t, 1, h.factory.calls, "a crashed page must be replaced")
	assert.Same(t, h.factory.pages[0], h.detector.lastQueryable,
		"the stale handle must not be queried again")
}

func TestSolve_CrashDuringProbeSwapsPage(t *testing.T) {
	h := newHarness(WithObserver(func(ctx context.Context, q schemas.Queryable, tr Transition) error {
		if p, ok := q.(*fakePage); ok {
			_, err := p.InnerText(ctx, "body")
			return err
		}
		return nil
	}))
	h.detector.challenge = []detectResult{{present: false}}

	page := &fakePage{textErrs: []error{errors.New("target closed")}}
	solved, err := h.solver.Solve(context.Background(), page, interstitialOpts())

	require.NoError(t, err)
	assert.True(t, solved)
	assert.Equal(t, 1, h.factory.calls)
	assert.Same(t, h.factory.pages[0], h.detector.lastQueryable)
}

func TestSolve_ReplacementFailureIsFatal(t *testing.T) {
	h := newHarness()
	h.factory.err = errors.New("browser is gone")
	h.detector.challenge = []detectResult{{err: errors.New("target crashed")}}

	_, err := h.solver.Solve(context.Background(), &fakePage{}, interstitialOpts())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "replacement page")
}

func TestSolve_NonCrashDetectorErrorPropagates(t *testing.T) {
	h := newHarness()
	boom := errors.New("protocol violation")
	h.detector.challenge = []detectResult{{err: boom}}

	_, err := h.solver.Solve(context.Background(), &fakePage{}, interstitialOpts())

	require.ErrorIs(t, err, boom)
	assert.Zero(t, h.factory.calls)
}

func TestSolve_ObserverSeesStateMachine(t *testing.T) {
	var visited []State
	h := newHarness(WithObserver(func(ctx context.Context, q schemas.Queryable, tr Transition) error {
		visited = append(visited, tr.To)
		return nil
	}))
	h.detector.challenge = []detectResult{{present: true}, {present: false}}
	frame := &fakeFrame{url: challengeFrameFilter}
	h.locator.frames = [][]schemas.FrameHandle{{frame}}
	h.waiter.results = []*ReadyCheckbox{{Frame: frame, Input: checkbox(true)}}

	solved, err := h.solver.Solve(context.Background(), &fakePage{}, interstitialOpts())

	require.NoError(t, err)
	require.True(t, solved)
	assert.Equal(t, []State{
		StateDetecting,
		StateLocatingIframes,
		StateWaitingCheckbox,
		StateClicking,
		StateVerifying,
		StateSolved,
	}, visited)
}

func TestSolve_ExhaustionNotifiesObserver(t *testing.T) {
	var last Transition
	h := newHarness(WithObserver(func(ctx context.Context, q schemas.Queryable, tr Transition) error {
		last = tr
		return nil
	}))
	h.detector.challenge = []detectResult{{present: true}}

	opts := interstitialOpts()
	opts.SolveAttempts = 2
	solved, err := h.solver.Solve(context.Background(), &fakePage{}, opts)

	require.NoError(t, err)
	assert.False(t, solved)
	assert.Equal(t, StateExhausted, last.To)
	assert.Equal(t, 2, last.Attempt)
}

func TestSolve_ContextCancellationStopsLoop(t *testing.T) {
	h := newHarness()
	h.detector.challenge = []detectResult{{present: true}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.solver.Solve(ctx, &fakePage{}, interstitialOpts())

	assert.ErrorIs(t, err, context.Canceled)
}
