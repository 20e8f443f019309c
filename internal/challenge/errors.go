package challenge

import (
	"context"
	"errors"
	"strings"
)

// Error classification for the solve loop. CDP surfaces these conditions as
// plain error strings, so classification is keyed on the message text the
// protocol actually emits. Every classifier also honors wrapped sentinel
// errors so fakes in tests can use errors.Is semantics.

var (
	// ErrExecutionContextDestroyed marks a query that raced an in-flight
	// navigation. Retried locally by the detector.
	ErrExecutionContextDestroyed = errors.New("execution context was destroyed")

	// ErrTargetCrashed marks a page whose renderer is gone. The solver
	// responds by requesting a replacement page.
	ErrTargetCrashed = errors.New("target crashed")
)

// contextDestroyedMarkers are the message fragments Chrome emits when a
// navigation invalidates the execution context mid-query.
var contextDestroyedMarkers = []string{
	"execution context was destroyed",
	"cannot find context with specified id",
	"execution context id is invalid",
}

// targetCrashedMarkers cover both renderer crashes and tabs closed under us.
// Either way the handle is unusable and the page must be replaced.
var targetCrashedMarkers = []string{
	"target crashed",
	"target closed",
	"session closed",
	"no target with given id",
	"inspected target navigated or closed",
	"page closed",
}

// IsExecutionContextDestroyed reports whether err is the transient
// context-invalidation condition caused by a completing navigation.
func IsExecutionContextDestroyed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrExecutionContextDestroyed) {
		return true
	}
	return matchesAny(err, contextDestroyedMarkers)
}

// IsTargetCrashed reports whether err means the underlying page is gone.
func IsTargetCrashed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTargetCrashed) {
		return true
	}
	return matchesAny(err, targetCrashedMarkers)
}

// IsLoadTimeout reports whether err is a load-state deadline expiry. These
// are logged and ignored: the DOM is frequently interactive well before the
// load state machine says so.
func IsLoadTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

func matchesAny(err error, markers []string) bool {
	msg := strings.ToLower(err.Error())
	for _, m := range markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
