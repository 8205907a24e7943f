//go:build wireinject
// +build wireinject

package app

import (
	"github.com/google/wire"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	// Domain
	"github.com/uniedit/metering/internal/domain/metering"

	// Inbound adapters
	meteringhttp "github.com/uniedit/metering/internal/adapter/inbound/http/metering"

	// Ports
	"github.com/uniedit/metering/internal/port/outbound"

	// Infrastructure
	"github.com/uniedit/metering/internal/infra/events"
	"github.com/uniedit/metering/internal/shared/config"

	// Utils
	"github.com/uniedit/metering/internal/utils/metrics"
)

// Dependencies holds all injected dependencies.
type Dependencies struct {
	Config   *config.Config
	DB       *gorm.DB
	Redis    goredis.UniversalClient
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	EventBus *events.Bus
	Locker   outbound.LockPort

	// Domain
	MeteringDomain *metering.Domain
	Scheduler      *metering.Scheduler

	// HTTP Handlers
	MeteringHandler *meteringhttp.Handler
}

// InitializeDependencies creates all dependencies using Wire.
func InitializeDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	wire.Build(
		AppSet,
		wire.Struct(new(Dependencies), "*"),
	)
	return nil, nil, nil
}
