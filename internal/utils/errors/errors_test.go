package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError(t *testing.T) {
	t.Run("error message without wrapped error", func(t *testing.T) {
		err := NewAppError("TEST", "test message", http.StatusBadRequest, nil)
		assert.Equal(t, "test message", err.Error())
	})

	t.Run("error message with wrapped error", func(t *testing.T) {
		err := NewAppError("TEST", "test message", http.StatusBadRequest, errors.New("boom"))
		assert.Equal(t, "test message: boom", err.Error())
	})

	t.Run("unwraps category", func(t *testing.T) {
		err := InsufficientCredits("")
		assert.ErrorIs(t, err, ErrPaymentRequired)
		assert.Equal(t, "insufficient credits", err.Message)
	})

	t.Run("matches by code", func(t *testing.T) {
		err := Conflict("DUPLICATE_TASK", "task already exists")
		assert.True(t, errors.Is(err, &AppError{Code: "DUPLICATE_TASK"}))
		assert.False(t, errors.Is(err, &AppError{Code: "OTHER"}))
	})

	t.Run("details end up in response", func(t *testing.T) {
		err := BadRequest("INVALID_FEATURE", "unknown feature").WithDetails(map[string]any{"feature": "x"})
		resp := err.ToResponse()
		assert.Equal(t, "INVALID_FEATURE", resp.Error.Code)
		assert.Equal(t, "unknown feature", resp.Error.Message)
		assert.Equal(t, "x", resp.Error.Details["feature"])
	})
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		err    *AppError
		code   string
		status int
	}{
		{"not found", NotFound("task"), "NOT_FOUND", http.StatusNotFound},
		{"bad request default code", BadRequest("", "bad"), "BAD_REQUEST", http.StatusBadRequest},
		{"conflict default code", Conflict("", "dup"), "CONFLICT", http.StatusConflict},
		{"insufficient credits", InsufficientCredits("need 30"), "INSUFFICIENT_CREDITS", http.StatusPaymentRequired},
		{"service unavailable", ServiceUnavailable(""), "SERVICE_UNAVAILABLE", http.StatusServiceUnavailable},
		{"internal", Internal(errors.New("db down")), "INTERNAL_ERROR", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.status, tt.err.StatusCode)
		})
	}

	assert.Equal(t, "task not found", NotFound("task").Message)
	assert.Equal(t, "internal server error", Internal(errors.New("secret")).Message)
}

func TestGetStatusCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"app error", InsufficientCredits(""), http.StatusPaymentRequired},
		{"wrapped app error", fmt.Errorf("authorize: %w", NotFound("task")), http.StatusNotFound},
		{"unauthorized", ErrUnauthorized, http.StatusUnauthorized},
		{"wrapped conflict", fmt.Errorf("x: %w", ErrConflict), http.StatusConflict},
		{"unavailable", ErrServiceUnavailable, http.StatusServiceUnavailable},
		{"unknown", errors.New("unknown"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, GetStatusCode(tt.err))
		})
	}
}
