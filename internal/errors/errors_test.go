package errors_test

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/victornm/livequiz/internal/errors"
)

func TestError_Kinds(t *testing.T) {
	tests := map[string]struct {
		code     errors.Code
		kind     string
		httpCode int
	}{
		"validation":    {errors.CodeInvalidArgument, "ValidationError", http.StatusBadRequest},
		"conflict":      {errors.CodeAborted, "ConflictError", http.StatusConflict},
		"invalid state": {errors.CodeFailedPrecondition, "InvalidStateError", http.StatusConflict},
		"not found":     {errors.CodeNotFound, "NotFoundError", http.StatusNotFound},
		"duplicate":     {errors.CodeAlreadyExists, "DuplicateError", http.StatusConflict},
		"network":       {errors.CodeUnavailable, "NetworkError", http.StatusServiceUnavailable},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			e := errors.New(tt.code)
			assert.Equal(t, tt.kind, e.Kind)
			assert.Equal(t, tt.httpCode, e.HTTPStatusCode())
			assert.Equal(t, codes.Code(tt.code), e.GRPCStatus().Code())
		})
	}
}

func TestConvert(t *testing.T) {
	cause := stderrors.New("boom")

	e := errors.Convert(fmt.Errorf("wrapped: %w", errors.NotFound("session %s", "ABC")))
	require.Equal(t, errors.CodeNotFound, e.Code)
	require.Equal(t, "session ABC", e.Message)

	e = errors.Convert(cause)
	require.Equal(t, errors.CodeInternal, e.Code)
	require.ErrorIs(t, e, cause)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, errors.IsRetryable(errors.New(errors.CodeUnavailable)))
	assert.True(t, errors.IsRetryable(fmt.Errorf("fetch: %w", errors.New(errors.CodeUnavailable))))
	assert.False(t, errors.IsRetryable(errors.New(errors.CodeNotFound)))
	assert.False(t, errors.IsRetryable(stderrors.New("plain")))
}
