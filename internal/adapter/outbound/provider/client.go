package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/uniedit/metering/internal/model"
	"github.com/uniedit/metering/internal/port/outbound"
	"github.com/uniedit/metering/internal/shared/config"
)

const (
	defaultStatusPath    = "/v1/jobs/{job_id}"
	defaultStateField    = "status"
	defaultMessageField  = "message"
	defaultProgressField = "progress"

	maxResponseBytes = 1 << 20
)

// errJobNotFound marks a 404 from the provider. It does not trip the breaker.
var errJobNotFound = errors.New("job not found")

// StateObserver is notified when a provider breaker changes state.
type StateObserver interface {
	SetCircuitState(provider string, state int)
}

// Client polls one provider's job-status endpoint.
type Client struct {
	name    string
	cfg     config.ProviderConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*model.ProviderJobState]
}

// NewClient creates a status client for one provider. observer may be nil.
func NewClient(cfg config.ProviderConfig, httpClient *http.Client, observer StateObserver) (*Client, error) {
	if cfg.Name == "" {
		return nil, errors.New("provider name is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider %s: invalid base_url %q", cfg.Name, cfg.BaseURL)
	}
	if cfg.StatusPath == "" {
		cfg.StatusPath = defaultStatusPath
	}
	if cfg.StateField == "" {
		cfg.StateField = defaultStateField
	}
	if cfg.MessageField == "" {
		cfg.MessageField = defaultMessageField
	}
	if cfg.ProgressField == "" {
		cfg.ProgressField = defaultProgressField
	}

	return &Client{
		name:    cfg.Name,
		cfg:     cfg,
		http:    httpClient,
		breaker: newBreaker(cfg, observer),
	}, nil
}

func newBreaker(cfg config.ProviderConfig, observer StateObserver) *gobreaker.CircuitBreaker[*model.ProviderJobState] {
	threshold := cfg.Breaker.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: max(cfg.Breaker.MaxRequests, 1),
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errJobNotFound)
		},
	}
	if settings.Interval == 0 {
		settings.Interval = 60 * time.Second
	}
	if settings.Timeout == 0 {
		settings.Timeout = 30 * time.Second
	}
	if observer != nil {
		settings.OnStateChange = func(name string, _, to gobreaker.State) {
			observer.SetCircuitState(name, int(to))
		}
		observer.SetCircuitState(cfg.Name, int(gobreaker.StateClosed))
	}
	return gobreaker.NewCircuitBreaker[*model.ProviderJobState](settings)
}

// Name returns the provider name.
func (c *Client) Name() string {
	return c.name
}

// State returns the breaker state.
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

// GetJobStatus fetches the provider's view of a job.
func (c *Client) GetJobStatus(ctx context.Context, jobID string) (*model.ProviderJobState, error) {
	if jobID == "" {
		return nil, errors.New("job id is required")
	}
	state, err := c.breaker.Execute(func() (*model.ProviderJobState, error) {
		return c.fetch(ctx, jobID)
	})
	if err != nil {
		return nil, fmt.Errorf("%s job %s: %w", c.name, jobID, err)
	}
	return state, nil
}

func (c *Client) fetch(ctx context.Context, jobID string) (*model.ProviderJobState, error) {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") +
		strings.ReplaceAll(c.cfg.StatusPath, "{job_id}", url.PathEscape(jobID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.AuthToken != "" {
		header := c.cfg.AuthHeader
		if header == "" {
			header = "Authorization"
		}
		value := c.cfg.AuthToken
		if strings.EqualFold(header, "Authorization") && !strings.Contains(value, " ") {
			value = "Bearer " + value
		}
		req.Header.Set(header, value)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errJobNotFound
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return c.parse(jobID, doc)
}

func (c *Client) parse(jobID string, doc map[string]any) (*model.ProviderJobState, error) {
	raw, ok := lookup(doc, c.cfg.StateField)
	if !ok {
		return nil, fmt.Errorf("response has no %q field", c.cfg.StateField)
	}

	state := &model.ProviderJobState{
		JobID: jobID,
		State: fmt.Sprint(raw),
	}
	if msg, ok := lookup(doc, c.cfg.MessageField); ok && msg != nil {
		state.Message = fmt.Sprint(msg)
	}
	if p, ok := lookup(doc, c.cfg.ProgressField); ok {
		state.Progress = toInt(p)
	}

	state.Output = doc
	if c.cfg.OutputField != "" {
		state.Output = nil
		if out, ok := lookup(doc, c.cfg.OutputField); ok {
			if m, ok := out.(map[string]any); ok {
				state.Output = m
			}
		}
	}
	return state, nil
}

// lookup resolves a dotted path such as "data.job.state".
func lookup(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0
		}
		return int(f)
	default:
		return 0
	}
}

// Compile-time check
var _ outbound.ProviderStatusPort = (*Client)(nil)
