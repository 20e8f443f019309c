package challenge

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsExecutionContextDestroyed(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", ErrExecutionContextDestroyed, true},
		{"wrapped sentinel", fmt.Errorf("query: %w", ErrExecutionContextDestroyed), true},
		{"cdp message", errors.New("Execution context was destroyed, most likely because of a navigation"), true},
		{"stale context id", errors.New("Cannot find context with specified id"), true},
		{"invalid context id", errors.New("execution context id is invalid"), true},
		{"unrelated", errors.New("net::ERR_CONNECTION_RESET"), false},
		{"crash is not context loss", errors.New("target crashed"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsExecutionContextDestroyed(tc.err))
		})
	}
}

func TestIsTargetCrashed(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", ErrTargetCrashed, true},
		{"wrapped sentinel", fmt.Errorf("probe: %w", ErrTargetCrashed), true},
		{"crash message", errors.New("Target crashed"), true},
		{"closed target", errors.New("target closed"), true},
		{"closed session", errors.New("Session closed, most likely the page has been closed"), true},
		{"missing target", errors.New("No target with given id found"), true},
		{"navigated away", errors.New("Inspected target navigated or closed"), true},
		{"page closed", errors.New("page closed"), true},
		{"unrelated", errors.New("timeout waiting for selector"), false},
		{"context loss is not a crash", errors.New("execution context was destroyed"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTargetCrashed(tc.err))
		})
	}
}

func TestIsLoadTimeout(t *testing.T) {
	assert.True(t, IsLoadTimeout(context.DeadlineExceeded))
	assert.True(t, IsLoadTimeout(fmt.Errorf("wait: %w", context.DeadlineExceeded)))
	assert.False(t, IsLoadTimeout(context.Canceled))
	assert.False(t, IsLoadTimeout(nil))
}
