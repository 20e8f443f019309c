package challenge

import (
	"context"

	"go.uber.org/zap"

	"github.com/halfmoonsec/cleargate/api/schemas"
)

// State names a stop in the solve loop's state machine.
type State string

const (
	StateDetecting       State = "detecting"
	StateLocatingIframes State = "locating_iframes"
	StateWaitingCheckbox State = "waiting_checkbox"
	StateClicking        State = "clicking"
	StateVerifying       State = "verifying"
	StateSolved          State = "solved"
	StateRetrying        State = "retrying"
	StateExhausted       State = "exhausted"
)

// Transition describes one state change of the solve loop.
type Transition struct {
	// Attempt is the 1-based outer attempt number.
	Attempt int
	From    State
	To      State
}

// Observer is invoked on every state transition. It receives the queryable
// the solver is currently driving, so diagnostic probes can inspect the live
// page without living inside the solve loop itself.
//
// An observer error classified as a target crash makes the solver replace its
// page; any other error is logged and ignored.
type Observer func(ctx context.Context, q schemas.Queryable, tr Transition) error

// textProber is the optional surface an observer can use to dump page text.
// Pages implement it; bare frames and elements do not have to.
type textProber interface {
	InnerText(ctx context.Context, selector string) (string, error)
}

// bodyProbeLimit caps how much body text a probe logs per transition.
const bodyProbeLimit = 300

// BodyTextProbe returns an Observer that logs a prefix of the page body on
// every transition. It is debug tooling: wire it up only when the log level
// makes the output visible. Probe failures propagate so the solver can react
// to a crashed page discovered through the probe.
func BodyTextProbe(log *zap.Logger) Observer {
	log = log.Named("probe")
	return func(ctx context.Context, q schemas.Queryable, tr Transition) error {
		prober, ok := q.(textProber)
		if !ok {
			return nil
		}
		text, err := prober.InnerText(ctx, "body")
		if err != nil {
			return err
		}
		if len(text) > bodyProbeLimit {
			text = text[:bodyProbeLimit]
		}
		log.Debug("Page body snapshot",
			zap.Int("attempt", tr.Attempt),
			zap.String("state", string(tr.To)),
			zap.String("body", text))
		return nil
	}
}
