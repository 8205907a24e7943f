package metering

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/uniedit/metering/internal/adapter/outbound/memory"
	"github.com/uniedit/metering/internal/infra/events"
	"github.com/uniedit/metering/internal/model"
	"github.com/uniedit/metering/internal/port/outbound"
	"go.uber.org/zap"
)

// --- Mock implementations ---

type MockProvider struct {
	mock.Mock
	name string
}

func (m *MockProvider) Name() string { return m.name }

func (m *MockProvider) GetJobStatus(ctx context.Context, jobID string) (*model.ProviderJobState, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ProviderJobState), args.Error(1)
}

type mockRegistry map[string]outbound.ProviderStatusPort

func (r mockRegistry) Get(name string) (outbound.ProviderStatusPort, error) {
	p, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType())
	}
	return out
}

type countingMetrics struct {
	nopMetrics
	mu            sync.Mutex
	charges       int
	refunds       int
	discrepancies map[string]int
}

func (m *countingMetrics) RecordCharge(string, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.charges++
}

func (m *countingMetrics) RecordRefund(string, string, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refunds++
}

func (m *countingMetrics) RecordDiscrepancy(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.discrepancies == nil {
		m.discrepancies = make(map[string]int)
	}
	m.discrepancies[kind]++
}

// --- Fixtures ---

func retries(n int) *int {
	return &n
}

func testFeatures() []Feature {
	return []Feature{
		{Name: "upscale", Pricing: PricingFixed, FixedCost: 30, FreeUses: 1, Provider: "media"},
		{Name: "segmentation", Pricing: PricingFixed, FixedCost: 10, FreeUses: 1, Provider: "media", MaxRetries: retries(2)},
		{Name: "one_shot", Pricing: PricingFixed, FixedCost: 10, Provider: "media", MaxRetries: retries(0)},
		{Name: "prepaid", Pricing: PricingFixed, FixedCost: 50, ChargePolicy: model.ChargePolicyUpFront, Provider: "media"},
		{
			Name:                "video_edit",
			Pricing:             PricingPerDuration,
			UnitSeconds:         30,
			UnitCost:            30,
			MinimumCredits:      30,
			RepriceOnCompletion: true,
			Provider:            "video",
		},
	}
}

type testEnv struct {
	domain    *Domain
	store     *memory.Store
	clock     *fakeClock
	media     *MockProvider
	video     *MockProvider
	publisher *recordingPublisher
	metrics   *countingMetrics
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	cfg := DefaultConfig()
	catalog, err := NewCatalog(testFeatures(), cfg)
	require.NoError(t, err)

	env := &testEnv{
		store:     memory.NewStore(),
		clock:     newFakeClock(),
		media:     &MockProvider{name: "media"},
		video:     &MockProvider{name: "video"},
		publisher: &recordingPublisher{},
		metrics:   &countingMetrics{},
	}

	opts = append([]Option{
		WithClock(env.clock.Now),
		WithPublisher(env.publisher),
		WithMetrics(env.metrics),
	}, opts...)

	env.domain = NewMeteringDomain(Stores{
		Tx:       env.store,
		Tasks:    env.store.Tasks(),
		Ledgers:  env.store.Ledgers(),
		Balances: env.store.Balances(),
	}, mockRegistry{"media": env.media, "video": env.video}, catalog, cfg, zap.NewNop(), opts...)

	return env
}

func (e *testEnv) fund(t *testing.T, userID uuid.UUID, credits int64) {
	t.Helper()
	require.NoError(t, e.store.Balances().Credit(context.Background(), userID, credits))
}

func (e *testEnv) balance(t *testing.T, userID uuid.UUID) int64 {
	t.Helper()
	b, err := e.domain.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return b.Credits
}

func (e *testEnv) ledger(t *testing.T, userID uuid.UUID, feature string) *model.Ledger {
	t.Helper()
	l, err := e.store.Ledgers().Get(context.Background(), userID, feature)
	require.NoError(t, err)
	return l
}

func (e *testEnv) task(t *testing.T, taskID string) *model.TaskRecord {
	t.Helper()
	task, err := e.domain.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	return task
}

func (e *testEnv) authorize(t *testing.T, userID uuid.UUID, taskID, feature string, payload map[string]any) *Authorization {
	t.Helper()
	auth, err := e.domain.Authorize(context.Background(), &AuthorizeRequest{
		TaskID:  taskID,
		UserID:  userID,
		Feature: feature,
		Payload: payload,
	})
	require.NoError(t, err)
	return auth
}

func (e *testEnv) submit(t *testing.T, userID uuid.UUID, taskID, feature, jobID string) {
	t.Helper()
	e.authorize(t, userID, taskID, feature, nil)
	require.NoError(t, e.domain.AttachProviderJob(context.Background(), taskID, jobID))
}

func jobState(jobID, state string) *model.ProviderJobState {
	return &model.ProviderJobState{JobID: jobID, State: state}
}
