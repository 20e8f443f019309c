package challenge

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/halfmoonsec/cleargate/api/schemas"
)

// Indicator selectors per challenge variant. Presence of any one of them
// means the challenge is on the page. These are probed against the top-level
// document only; the widget's shadow tree is irrelevant for detection.
var (
	interstitialIndicators = []string{
		`script[src*="/cdn-cgi/challenge-platform/"]`,
	}
	turnstileIndicators = []string{
		`input[name="cf-turnstile-response"]`,
		`script[src*="challenges.cloudflare.com/turnstile/v0"]`,
	}
)

const (
	// safeQuery retry budget for queries that race an in-flight navigation.
	detectQueryRetries = 3
	detectQueryBackoff = 2 * time.Second

	// How long to wait for domcontentloaded before re-issuing a query.
	detectLoadTimeout = 10 * time.Second
)

// Detector probes a document for challenge presence and for caller-expected
// content. It holds no state between calls.
type Detector struct {
	log *zap.Logger

	// sleep is swapped out in tests so retry backoff does not wall-block.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDetector returns a Detector logging through the given logger.
func NewDetector(log *zap.Logger) *Detector {
	return &Detector{
		log:   log.Named("detector"),
		sleep: sleepCtx,
	}
}

func indicatorsFor(typ schemas.ChallengeType) []string {
	if typ == schemas.ChallengeTurnstile {
		return turnstileIndicators
	}
	return interstitialIndicators
}

// DetectChallenge reports whether any indicator selector for the given
// variant resolves on the document. It short-circuits on the first hit and
// returns false only after every indicator came up empty.
func (d *Detector) DetectChallenge(ctx context.Context, q schemas.Queryable, typ schemas.ChallengeType) (bool, error) {
	for _, selector := range indicatorsFor(typ) {
		el, err := d.safeQuery(ctx, q, selector)
		if err != nil {
			return false, err
		}
		if el == nil {
			continue
		}
		d.log.Debug("Challenge detected",
			zap.String("type", string(typ)),
			zap.String("selector", selector))
		return true, nil
	}
	return false, nil
}

// DetectExpectedContent reports whether the caller's success selector is
// present. An empty selector means the caller opted out of this signal and
// the answer is always false. Single query, no retry: this is a cheap
// independent exit, not a load-bearing probe.
func (d *Detector) DetectExpectedContent(ctx context.Context, q schemas.Queryable, selector string) (bool, error) {
	if selector == "" {
		return false, nil
	}
	el, err := q.QuerySelector(ctx, selector)
	if err != nil {
		return false, err
	}
	return el != nil, nil
}

// safeQuery issues a selector query with a bounded retry for the one failure
// mode worth retrying: the execution context being destroyed by a navigation
// that completed mid-query. Each retry re-waits for domcontentloaded before
// querying again. Any other error propagates immediately.
func (d *Detector) safeQuery(ctx context.Context, q schemas.Queryable, selector string) (schemas.ElementHandle, error) {
	var lastErr error
	for attempt := 1; attempt <= detectQueryRetries; attempt++ {
		if err := q.WaitForLoadState(ctx, schemas.LoadDOMContentLoaded, detectLoadTimeout); err != nil && !IsLoadTimeout(err) {
			return nil, fmt.Errorf("wait for load state before query: %w", err)
		}

		el, err := q.QuerySelector(ctx, selector)
		if err == nil {
			return el, nil
		}
		if !IsExecutionContextDestroyed(err) || attempt == detectQueryRetries {
			return nil, err
		}

		lastErr = err
		d.log.Debug("Execution context destroyed mid-query, retrying",
			zap.String("selector", selector),
			zap.Int("attempt", attempt))
		if serr := d.sleep(ctx, detectQueryBackoff); serr != nil {
			return nil, serr
		}
	}
	return nil, lastErr
}

// sleepCtx sleeps for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
