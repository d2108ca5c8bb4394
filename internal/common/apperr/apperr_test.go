package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	t.Run("without cause", func(t *testing.T) {
		err := New(KindBusiness, CodeWorkflowTerminal, "workflow is cancelled")
		assert.Equal(t, "WORKFLOW_TERMINAL: workflow is cancelled", err.Error())
	})

	t.Run("with cause", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := Wrap(cause, KindTransient, CodeDependencyUnavailable, "bus publish failed")
		assert.Equal(t, "DEPENDENCY_UNAVAILABLE: bus publish failed: connection refused", err.Error())
		assert.Same(t, cause, errors.Unwrap(err))
	})

	t.Run("formatted message", func(t *testing.T) {
		err := Newf(KindValidation, CodeValidationFailed, "unknown stage %q", "review")
		assert.Equal(t, `VALIDATION_FAILED: unknown stage "review"`, err.Error())
	})
}

func TestRetryable(t *testing.T) {
	assert.True(t, Transient(errors.New("down"), "kv unavailable").Retryable())
	assert.True(t, New(KindTimeout, CodeTimeout, "deadline exceeded").Retryable())
	assert.False(t, Validation("bad payload").Retryable())
	assert.False(t, New(KindBusiness, CodeDuplicate, "already created").Retryable())
	assert.False(t, New(KindPoison, CodeInternal, "poison message").Retryable())
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		name string
		err  *Error
		want int
	}{
		{"validation", Validation("bad"), http.StatusBadRequest},
		{"transient", Transient(errors.New("down"), "down"), http.StatusServiceUnavailable},
		{"timeout", New(KindTimeout, CodeTimeout, "late"), http.StatusGatewayTimeout},
		{"fatal", New(KindFatal, CodeInternal, "broken"), http.StatusInternalServerError},
		{"surface not bound", New(KindBusiness, CodeSurfaceNotBound, "no binding"), http.StatusForbidden},
		{"unauthorized", New(KindBusiness, CodeUnauthorized, "bad signature"), http.StatusUnauthorized},
		{"workflow not found", NotFound(CodeWorkflowNotFound, "missing"), http.StatusNotFound},
		{"task not found", NotFound(CodeTaskNotFound, "missing"), http.StatusNotFound},
		{"trace not found", NotFound(CodeTraceNotFound, "missing"), http.StatusNotFound},
		{"platform not found", NotFound(CodePlatformNotFound, "missing"), http.StatusNotFound},
		{"definition not found", NotFound(CodeDefinitionNotFound, "missing"), http.StatusNotFound},
		{"terminal", New(KindBusiness, CodeWorkflowTerminal, "done"), http.StatusConflict},
		{"duplicate", New(KindBusiness, CodeDuplicate, "again"), http.StatusConflict},
		{"other business", New(KindBusiness, CodeAgentNotFound, "unknown agent"), http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.err.HTTPStatus())
		})
	}
}

func TestFrom(t *testing.T) {
	t.Run("passes through taxonomy errors", func(t *testing.T) {
		orig := New(KindBusiness, CodeStageMismatch, "stale stage")
		got := From(fmt.Errorf("applying result: %w", orig))
		require.NotNil(t, got)
		assert.Same(t, orig, got)
	})

	t.Run("classifies plain errors as internal", func(t *testing.T) {
		got := From(errors.New("nil pointer somewhere"))
		assert.Equal(t, KindFatal, got.Kind)
		assert.Equal(t, CodeInternal, got.Code)
		assert.Equal(t, "nil pointer somewhere", got.Message)
	})
}

func TestKindAndCodePredicates(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(KindBusiness, CodeDuplicate, "already created"))

	assert.True(t, IsKind(err, KindBusiness))
	assert.False(t, IsKind(err, KindValidation))
	assert.True(t, IsCode(err, CodeDuplicate))
	assert.False(t, IsCode(err, CodeWorkflowTerminal))

	assert.False(t, IsKind(errors.New("plain"), KindBusiness))
	assert.False(t, IsCode(errors.New("plain"), CodeDuplicate))
}

func TestWithDetails(t *testing.T) {
	err := New(KindBusiness, CodeDuplicate, "already created").
		WithDetails(map[string]interface{}{"workflow_id": "wf-1"})
	require.NotNil(t, err.Details)
	assert.Equal(t, "wf-1", err.Details["workflow_id"])
}
