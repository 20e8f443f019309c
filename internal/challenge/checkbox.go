package challenge

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/halfmoonsec/cleargate/api/schemas"
)

// checkboxSelector matches the provider's verification checkbox inside its
// shadow tree.
const checkboxSelector = `input[type="checkbox"]`

// ReadyCheckbox pairs a checkbox input with the iframe that owns it. The pair
// is only meaningful for the poll cycle that produced it.
type ReadyCheckbox struct {
	Frame schemas.FrameHandle
	Input schemas.ElementHandle
}

// Waiter polls a set of candidate iframes until one of them exposes a visible
// checkbox. It owns no iframe lifecycle: candidates are collected by the
// caller and may detach at any time, in which case they are skipped.
type Waiter struct {
	locator *Locator
	log     *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewWaiter returns a Waiter that searches with the given locator.
func NewWaiter(locator *Locator, log *zap.Logger) *Waiter {
	return &Waiter{
		locator: locator,
		log:     log.Named("waiter"),
		sleep:   sleepCtx,
	}
}

// WaitForReadyCheckbox re-collects checkbox inputs from every still-attached
// iframe each round and returns the first one that is visible at poll time.
// Visibility is never carried over between rounds: layout can change between
// discovery and click.
//
// A nil result means the attempt budget ran out without a clickable checkbox.
// That is an expected outcome for the caller's retry loop, not an error; the
// only error returned is context cancellation.
func (w *Waiter) WaitForReadyCheckbox(ctx context.Context, iframes []schemas.FrameHandle, delay time.Duration, attempts int) (*ReadyCheckbox, error) {
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if ready := w.pollOnce(ctx, iframes); ready != nil {
			return ready, nil
		}

		if attempt < attempts {
			w.log.Debug("No visible checkbox yet, waiting",
				zap.Int("attempt", attempt), zap.Int("max_attempts", attempts))
			if err := w.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	w.log.Debug("Checkbox wait budget exhausted", zap.Int("attempts", attempts))
	return nil, nil
}

// pollOnce runs a single discovery round. Failures inside a round degrade to
// "nothing found" instead of aborting the wait.
func (w *Waiter) pollOnce(ctx context.Context, iframes []schemas.FrameHandle) *ReadyCheckbox {
	var candidates []ReadyCheckbox

	for _, frame := range iframes {
		if frame.IsDetached() {
			continue
		}
		for _, input := range w.locator.FindInShadow(ctx, frame, checkboxSelector) {
			candidates = append(candidates, ReadyCheckbox{Frame: frame, Input: input})
		}
	}

	w.log.Debug("Collected checkbox candidates",
		zap.Int("candidates", len(candidates)), zap.Int("iframes", len(iframes)))

	for i := range candidates {
		visible, err := candidates[i].Input.IsVisible(ctx)
		if err != nil {
			w.log.Debug("Visibility check failed, skipping candidate", zap.Error(err))
			continue
		}
		if visible {
			w.log.Debug("Checkbox is ready to be clicked")
			return &candidates[i]
		}
	}
	return nil
}
