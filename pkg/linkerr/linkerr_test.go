package linkerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"not found", NotFound("cluster %s", "x"), KindNotFound},
		{"validation", Validation("bad key"), KindValidation},
		{"transient", Transient(errors.New("timeout"), "load"), KindTransientIO},
		{"conflict", Conflict(nil, "version moved"), KindConcurrencyConflict},
		{"wrapped conflict", fmt.Errorf("commit: %w", Conflict(nil, "lock")), KindConcurrencyConflict},
		{"deadline", context.DeadlineExceeded, KindTransientIO},
		{"plain", errors.New("boom"), KindUnknown},
		{"nil", nil, KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorsIsMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("outer: %w", Conflict(errors.New("inner"), "cas failed"))

	assert.True(t, errors.Is(err, ErrConcurrencyConflict))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.True(t, IsConflict(err))
	assert.False(t, IsRetryable(err))
}

func TestToHTTP(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"not found", NotFound("missing"), http.StatusNotFound},
		{"validation", Validation("bad"), http.StatusBadRequest},
		{"conflict", Conflict(nil, "busy"), http.StatusConflict},
		{"transient", Transient(nil, "down"), http.StatusServiceUnavailable},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
		{"passthrough", httperror.NewHTTPError(http.StatusTeapot, "tea"), http.StatusTeapot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := ToHTTP(tt.err)
			assert.True(t, httperror.IsHTTPError(out))
			assert.Equal(t, tt.code, httperror.GetStatusCode(out))
		})
	}
}
