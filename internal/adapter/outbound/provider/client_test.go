package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uniedit/metering/internal/shared/config"
)

type recordingObserver struct {
	mu     sync.Mutex
	states map[string]int
}

func (o *recordingObserver) SetCircuitState(provider string, state int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.states == nil {
		o.states = make(map[string]int)
	}
	o.states[provider] = state
}

func (o *recordingObserver) get(provider string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.states[provider]
}

func newTestClient(t *testing.T, srv *httptest.Server, cfg config.ProviderConfig, observer StateObserver) *Client {
	t.Helper()
	cfg.BaseURL = srv.URL
	if cfg.Name == "" {
		cfg.Name = "media"
	}
	c, err := NewClient(cfg, srv.Client(), observer)
	require.NoError(t, err)
	return c
}

func TestClient_GetJobStatus(t *testing.T) {
	t.Run("parses default fields", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/jobs/job-1", r.URL.Path)
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"COMPLETED","message":"done","progress":100,"duration_seconds":61}`))
		}))
		defer srv.Close()

		c := newTestClient(t, srv, config.ProviderConfig{AuthToken: "secret"}, nil)
		state, err := c.GetJobStatus(context.Background(), "job-1")
		require.NoError(t, err)

		assert.Equal(t, "job-1", state.JobID)
		assert.Equal(t, "COMPLETED", state.State)
		assert.Equal(t, "done", state.Message)
		assert.Equal(t, 100, state.Progress)
		assert.Equal(t, float64(61), state.Output["duration_seconds"])
	})

	t.Run("follows dotted paths and custom header", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/jobs/abc/status", r.URL.Path)
			assert.Equal(t, "k-1", r.Header.Get("X-Api-Key"))
			_, _ = w.Write([]byte(`{"data":{"job":{"state":"running","pct":"42.5"},"result":{"duration_seconds":30}}}`))
		}))
		defer srv.Close()

		c := newTestClient(t, srv, config.ProviderConfig{
			StatusPath:    "/jobs/{job_id}/status",
			AuthHeader:    "X-Api-Key",
			AuthToken:     "k-1",
			StateField:    "data.job.state",
			ProgressField: "data.job.pct",
			OutputField:   "data.result",
		}, nil)

		state, err := c.GetJobStatus(context.Background(), "abc")
		require.NoError(t, err)
		assert.Equal(t, "running", state.State)
		assert.Equal(t, 42, state.Progress)
		assert.Equal(t, map[string]any{"duration_seconds": float64(30)}, state.Output)
	})

	t.Run("missing state field is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"message":"?"}`))
		}))
		defer srv.Close()

		c := newTestClient(t, srv, config.ProviderConfig{}, nil)
		_, err := c.GetJobStatus(context.Background(), "job-1")
		assert.Error(t, err)
	})

	t.Run("server error is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		c := newTestClient(t, srv, config.ProviderConfig{}, nil)
		_, err := c.GetJobStatus(context.Background(), "job-1")
		assert.ErrorContains(t, err, "unexpected status 502")
	})

	t.Run("empty job id is rejected", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()

		c := newTestClient(t, srv, config.ProviderConfig{}, nil)
		_, err := c.GetJobStatus(context.Background(), "")
		assert.Error(t, err)
	})
}

func TestClient_Breaker(t *testing.T) {
	t.Run("opens after consecutive failures", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		observer := &recordingObserver{}
		c := newTestClient(t, srv, config.ProviderConfig{
			Breaker: config.BreakerConfig{FailureThreshold: 2, Timeout: time.Minute},
		}, observer)

		for i := 0; i < 2; i++ {
			_, err := c.GetJobStatus(context.Background(), "job-1")
			require.Error(t, err)
		}
		assert.Equal(t, gobreaker.StateOpen, c.State())
		assert.Equal(t, int(gobreaker.StateOpen), observer.get("media"))

		_, err := c.GetJobStatus(context.Background(), "job-1")
		assert.ErrorIs(t, err, gobreaker.ErrOpenState)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("not found does not trip", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()

		c := newTestClient(t, srv, config.ProviderConfig{
			Breaker: config.BreakerConfig{FailureThreshold: 1},
		}, nil)

		for i := 0; i < 3; i++ {
			_, err := c.GetJobStatus(context.Background(), "missing")
			assert.ErrorIs(t, err, errJobNotFound)
		}
		assert.Equal(t, gobreaker.StateClosed, c.State())
	})
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistryFromConfig([]config.ProviderConfig{
		{Name: "video", BaseURL: "http://localhost:9002"},
		{Name: "media", BaseURL: "http://localhost:9001", Timeout: time.Second},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"media", "video"}, r.Names())

	c, err := r.Get("media")
	require.NoError(t, err)
	assert.Equal(t, "media", c.Name())

	_, err = r.Get("unknown")
	assert.Error(t, err)

	_, err = NewRegistryFromConfig([]config.ProviderConfig{{Name: "bad"}}, nil)
	assert.Error(t, err)
}

func TestLookup(t *testing.T) {
	doc := map[string]any{"a": map[string]any{"b": "c"}, "n": 1.0}

	v, ok := lookup(doc, "a.b")
	assert.True(t, ok)
	assert.Equal(t, "c", v)

	_, ok = lookup(doc, "a.x")
	assert.False(t, ok)

	_, ok = lookup(doc, "n.x")
	assert.False(t, ok)
}
