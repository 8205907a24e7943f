package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	// Domain
	"github.com/uniedit/metering/internal/domain/metering"
	"github.com/uniedit/metering/internal/model"

	// Inbound adapters
	meteringhttp "github.com/uniedit/metering/internal/adapter/inbound/http/metering"

	// Ports
	"github.com/uniedit/metering/internal/port/outbound"

	// Outbound adapters
	"github.com/uniedit/metering/internal/adapter/outbound/memory"
	"github.com/uniedit/metering/internal/adapter/outbound/postgres"
	"github.com/uniedit/metering/internal/adapter/outbound/provider"
	redisadapter "github.com/uniedit/metering/internal/adapter/outbound/redis"

	// Infrastructure
	"github.com/uniedit/metering/internal/infra/events"
	"github.com/uniedit/metering/internal/shared/cache"
	"github.com/uniedit/metering/internal/shared/config"
	"github.com/uniedit/metering/internal/shared/database"
	"github.com/uniedit/metering/internal/shared/logger"

	// Utils
	"github.com/uniedit/metering/internal/utils/metrics"
)

const redisConnectTimeout = 5 * time.Second

// ===== Infrastructure Providers =====

// InfraSet provides infrastructure dependencies.
var InfraSet = wire.NewSet(
	ProvideLogger,
	ProvideRegistry,
	ProvideMetrics,
	ProvideDatabase,
	ProvideStores,
	ProvideRedisClient,
	ProvideLocker,
	ProvideSummaryCache,
	ProvideProviderRegistry,
	ProvideEventBus,
)

// ProvideLogger creates the root zap logger.
func ProvideLogger(cfg *config.Config) *zap.Logger {
	return logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
}

// ProvideRegistry creates the Prometheus registry served on /metrics.
func ProvideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// ProvideMetrics creates the application metrics.
func ProvideMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New("metering", reg)
}

// ProvideDatabase opens Postgres. It returns a nil handle when the memory
// store is selected.
func ProvideDatabase(cfg *config.Config, log *zap.Logger) (*gorm.DB, func(), error) {
	if cfg.Database.IsMemory() {
		log.Warn("using in-memory store, state is lost on restart")
		return nil, func() {}, nil
	}

	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := database.Close(db); err != nil {
			log.Error("failed to close database", zap.Error(err))
		}
	}

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(db); err != nil {
			cleanup()
			return nil, nil, err
		}
	}
	return db, cleanup, nil
}

// ProvideStores selects the persistence adapters.
func ProvideStores(db *gorm.DB) metering.Stores {
	if db == nil {
		store := memory.NewStore()
		return metering.Stores{
			Tx:       store,
			Tasks:    store.Tasks(),
			Ledgers:  store.Ledgers(),
			Balances: store.Balances(),
		}
	}
	return metering.Stores{
		Tx:       postgres.NewTransactionAdapter(db),
		Tasks:    postgres.NewTaskRegistryAdapter(db),
		Ledgers:  postgres.NewLedgerAdapter(db),
		Balances: postgres.NewBalanceAdapter(db),
	}
}

// ProvideRedisClient connects to Redis when enabled. A failed connection is
// logged and the service runs without it.
func ProvideRedisClient(cfg *config.Config, log *zap.Logger) (goredis.UniversalClient, func()) {
	if !cfg.Redis.Enabled || cfg.Redis.Address == "" {
		return nil, func() {}
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisConnectTimeout)
	defer cancel()

	client, err := cache.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		log.Warn("Redis connection failed, continuing without cache and shared leases", zap.Error(err))
		return nil, func() {}
	}
	return client, func() {
		if err := cache.Close(client); err != nil {
			log.Error("failed to close redis", zap.Error(err))
		}
	}
}

// ProvideLocker returns Redis leases when Redis is available and in-process
// leases otherwise.
func ProvideLocker(cfg *config.Config, redis goredis.UniversalClient) outbound.LockPort {
	if redis == nil {
		return memory.NewLocker()
	}
	return redisadapter.NewLocker(redis, cfg.Redis.KeyPrefix)
}

// ProvideSummaryCache returns the ledger summary cache, or nil without Redis.
func ProvideSummaryCache(cfg *config.Config, redis goredis.UniversalClient, m *metrics.Metrics) outbound.LedgerSummaryCachePort {
	if redis == nil {
		return nil
	}
	return redisadapter.NewSummaryCache(redis, cfg.Redis.KeyPrefix, m)
}

// ProvideProviderRegistry builds the provider status clients.
func ProvideProviderRegistry(cfg *config.Config, m *metrics.Metrics) (outbound.ProviderRegistryPort, error) {
	registry, err := provider.NewRegistryFromConfig(cfg.Providers, m)
	if err != nil {
		return nil, fmt.Errorf("init providers: %w", err)
	}
	return registry, nil
}

// ProvideEventBus creates the event bus with the audit log handler.
func ProvideEventBus(log *zap.Logger) *events.Bus {
	bus := events.NewBus(log)
	bus.Register(newAuditHandler(log))
	return bus
}

// ===== Domain Providers =====

// DomainSet provides the metering engine.
var DomainSet = wire.NewSet(
	ProvideEngineConfig,
	ProvideSchedulerConfig,
	ProvideCatalog,
	ProvideMeteringDomain,
	ProvideScheduler,
)

// ProvideEngineConfig maps configuration onto the engine settings.
func ProvideEngineConfig(cfg *config.Config) *metering.Config {
	m := cfg.Metering
	engine := metering.DefaultConfig()
	if m.PollInterval > 0 {
		engine.PollInterval = m.PollInterval
	}
	if m.DefaultMaxRetries > 0 {
		engine.DefaultMaxRetries = m.DefaultMaxRetries
	}
	if m.ReservationTTL > 0 {
		engine.DefaultReservationTTL = m.ReservationTTL
	}
	if m.ExecutionTimeout > 0 {
		engine.DefaultExecutionTimeout = m.ExecutionTimeout
	}
	if m.RecentTasksLimit > 0 {
		engine.RecentTasksLimit = m.RecentTasksLimit
	}
	if m.SummaryCacheTTL > 0 {
		engine.SummaryCacheTTL = m.SummaryCacheTTL
	}

	for _, p := range cfg.Providers {
		if len(p.Succeeded) == 0 && len(p.Failed) == 0 && len(p.Pending) == 0 {
			continue
		}
		vocab := metering.DefaultVocabulary()
		if len(p.Succeeded) > 0 {
			vocab.Succeeded = p.Succeeded
		}
		if len(p.Failed) > 0 {
			vocab.Failed = p.Failed
		}
		if len(p.Pending) > 0 {
			vocab.Pending = p.Pending
		}
		if engine.Vocabularies == nil {
			engine.Vocabularies = make(map[string]metering.Vocabulary)
		}
		engine.Vocabularies[p.Name] = vocab
	}
	return engine
}

// ProvideSchedulerConfig maps configuration onto the scheduler settings.
func ProvideSchedulerConfig(cfg *config.Config) *metering.SchedulerConfig {
	m := cfg.Metering
	sched := metering.DefaultSchedulerConfig()
	setDuration(&sched.RetrySweepInterval, m.RetrySweepInterval)
	setDuration(&sched.ExpirySweepInterval, m.ExpirySweepInterval)
	setDuration(&sched.ReconciliationInterval, m.ReconciliationInterval)
	setDuration(&sched.ReconciliationWindow, m.ReconciliationWindow)
	setDuration(&sched.ReconciliationMinAge, m.ReconciliationMinAge)
	setDuration(&sched.PollTimeout, m.PollTimeout)
	setDuration(&sched.BackoffBase, m.BackoffBase)
	setDuration(&sched.BackoffMax, m.BackoffMax)
	setDuration(&sched.LockTTL, m.LockTTL)
	if m.BatchSize > 0 {
		sched.BatchSize = m.BatchSize
	}
	if m.PollConcurrency > 0 {
		sched.PollConcurrency = m.PollConcurrency
	}
	return sched
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

// ProvideCatalog builds the feature catalog. Every feature must name a configured provider.
func ProvideCatalog(cfg *config.Config, engine *metering.Config, providers outbound.ProviderRegistryPort) (*metering.Catalog, error) {
	features := make([]metering.Feature, 0, len(cfg.Features))
	for _, f := range cfg.Features {
		features = append(features, metering.Feature{
			Name:                f.Name,
			Pricing:             metering.PricingKind(f.Pricing),
			FixedCost:           f.FixedCost,
			UnitSeconds:         f.UnitSeconds,
			UnitCost:            f.UnitCost,
			DurationField:       f.DurationField,
			FreeUses:            f.FreeUses,
			MinimumCredits:      f.MinimumCredits,
			ChargePolicy:        model.ChargePolicy(f.ChargePolicy),
			RepriceOnCompletion: f.RepriceOnCompletion,
			ActualDurationField: f.ActualDurationField,
			MaxRetries:          f.MaxRetries,
			ReservationTTL:      f.ReservationTTL,
			ExecutionTimeout:    f.ExecutionTimeout,
			Provider:            f.Provider,
		})
	}
	catalog, err := metering.NewCatalog(features, engine)
	if err != nil {
		return nil, fmt.Errorf("init catalog: %w", err)
	}
	if err := catalog.CheckProviders(providers); err != nil {
		return nil, fmt.Errorf("init catalog: %w", err)
	}
	return catalog, nil
}

// ProvideMeteringDomain creates the metering engine.
func ProvideMeteringDomain(
	stores metering.Stores,
	providers outbound.ProviderRegistryPort,
	catalog *metering.Catalog,
	engine *metering.Config,
	summaryCache outbound.LedgerSummaryCachePort,
	m *metrics.Metrics,
	bus *events.Bus,
	log *zap.Logger,
) *metering.Domain {
	return metering.NewMeteringDomain(stores, providers, catalog, engine, log,
		metering.WithSummaryCache(summaryCache),
		metering.WithMetrics(m),
		metering.WithPublisher(bus),
	)
}

// ProvideScheduler creates the sweep scheduler.
func ProvideScheduler(domain *metering.Domain, locker outbound.LockPort, sched *metering.SchedulerConfig, log *zap.Logger) *metering.Scheduler {
	return metering.NewScheduler(domain, locker, sched, log)
}

// ===== Handler Providers =====

// HandlerSet provides HTTP handlers.
var HandlerSet = wire.NewSet(
	ProvideMeteringHandler,
)

// ProvideMeteringHandler creates the metering HTTP handler.
func ProvideMeteringHandler(domain *metering.Domain, scheduler *metering.Scheduler, log *zap.Logger) *meteringhttp.Handler {
	return meteringhttp.NewHandler(domain, scheduler, log)
}

// AppSet is the complete provider set.
var AppSet = wire.NewSet(
	InfraSet,
	DomainSet,
	HandlerSet,
)
