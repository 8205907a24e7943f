package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uniedit/metering/internal/testutil"
)

type idempotencyEnv struct {
	router *gin.Engine
	calls  atomic.Int32
}

func newIdempotencyEnv(t *testing.T) *idempotencyEnv {
	t.Helper()
	client := testutil.NewRedis(t)

	env := &idempotencyEnv{router: gin.New()}
	cfg := DefaultIdempotencyConfig()
	cfg.KeyPrefix = "test:" + uuid.NewString() + ":"
	env.router.Use(Idempotency(client, cfg))

	env.router.POST("/tasks", func(c *gin.Context) {
		n := env.calls.Add(1)
		c.JSON(http.StatusCreated, gin.H{"call": n})
	})
	env.router.POST("/broken", func(c *gin.Context) {
		env.calls.Add(1)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable"})
	})
	return env
}

func (e *idempotencyEnv) post(path, user, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(UserIDHeader, user)
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestIdempotency_Redis(t *testing.T) {
	user := uuid.NewString()

	t.Run("replays a processed request", func(t *testing.T) {
		env := newIdempotencyEnv(t)

		first := env.post("/tasks", user, "key-1", `{"feature":"upscale"}`)
		require.Equal(t, http.StatusCreated, first.Code)
		assert.Empty(t, first.Header().Get(IdempotencyReplayHeader))

		second := env.post("/tasks", user, "key-1", `{"feature":"upscale"}`)
		require.Equal(t, http.StatusCreated, second.Code)
		assert.Equal(t, "true", second.Header().Get(IdempotencyReplayHeader))
		assert.JSONEq(t, first.Body.String(), second.Body.String())
		assert.Contains(t, second.Header().Get("Content-Type"), "application/json")
		assert.Equal(t, int32(1), env.calls.Load())
	})

	t.Run("same key with a different body runs again", func(t *testing.T) {
		env := newIdempotencyEnv(t)

		first := env.post("/tasks", user, "key-1", `{"feature":"upscale"}`)
		require.Equal(t, http.StatusCreated, first.Code)

		second := env.post("/tasks", user, "key-1", `{"feature":"segmentation"}`)
		require.Equal(t, http.StatusCreated, second.Code)
		assert.Empty(t, second.Header().Get(IdempotencyReplayHeader))
		assert.JSONEq(t, `{"call":2}`, second.Body.String())
		assert.Equal(t, int32(2), env.calls.Load())
	})

	t.Run("keys are scoped to the caller", func(t *testing.T) {
		env := newIdempotencyEnv(t)

		env.post("/tasks", user, "key-1", `{}`)
		w := env.post("/tasks", uuid.NewString(), "key-1", `{}`)
		assert.Empty(t, w.Header().Get(IdempotencyReplayHeader))
		assert.Equal(t, int32(2), env.calls.Load())
	})

	t.Run("requests without a key are not cached", func(t *testing.T) {
		env := newIdempotencyEnv(t)

		env.post("/tasks", user, "", `{}`)
		w := env.post("/tasks", user, "", `{}`)
		assert.Empty(t, w.Header().Get(IdempotencyReplayHeader))
		assert.Equal(t, int32(2), env.calls.Load())
	})

	t.Run("server errors are not stored", func(t *testing.T) {
		env := newIdempotencyEnv(t)

		env.post("/broken", user, "key-1", `{}`)
		w := env.post("/broken", user, "key-1", `{}`)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Empty(t, w.Header().Get(IdempotencyReplayHeader))
		assert.Equal(t, int32(2), env.calls.Load())
	})

	t.Run("concurrent request with the same key conflicts", func(t *testing.T) {
		env := newIdempotencyEnv(t)

		var inner *httptest.ResponseRecorder
		env.router.POST("/slow", func(c *gin.Context) {
			inner = env.post("/slow", user, "key-1", `{}`)
			c.JSON(http.StatusCreated, gin.H{"ok": true})
		})

		w := env.post("/slow", user, "key-1", `{}`)
		require.Equal(t, http.StatusCreated, w.Code)
		require.NotNil(t, inner)
		assert.Equal(t, http.StatusConflict, inner.Code)
		assert.Contains(t, inner.Body.String(), "REQUEST_IN_PROGRESS")
	})
}
