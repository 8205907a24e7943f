package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.True(t, cfg.Server.InternalRoutes)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.False(t, cfg.Database.IsMemory())
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "metering:", cfg.Redis.KeyPrefix)
	assert.Equal(t, 10*time.Second, cfg.Metering.PollInterval)
	assert.Equal(t, 5, cfg.Metering.DefaultMaxRetries)
	assert.True(t, cfg.Metering.SchedulerEnabled)

	require.Len(t, cfg.Features, 4)
	names := make([]string, 0, len(cfg.Features))
	for _, f := range cfg.Features {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"segmentation", "colorization", "upscale", "video_edit"}, names)

	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "media", cfg.Providers[0].Name)
	for _, f := range cfg.Features {
		assert.Nil(t, f.MaxRetries, f.Name)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("METERING_DATABASE_DRIVER", "memory")
	t.Setenv("METERING_METERING_DEFAULT_MAX_RETRIES", "9")
	t.Setenv("METERING_METERING_RESERVATION_TTL", "2m")
	t.Setenv("METERING_DB_PASSWORD", "secret")
	t.Setenv("METERING_PROVIDER_MEDIA_TOKEN", "token-1")
	t.Setenv("METERING_SERVER_INTERNAL_ROUTES", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.Database.IsMemory())
	assert.Equal(t, 9, cfg.Metering.DefaultMaxRetries)
	assert.Equal(t, 2*time.Minute, cfg.Metering.ReservationTTL)
	assert.Equal(t, "secret", cfg.Database.Password)
	assert.Equal(t, "token-1", cfg.Providers[0].AuthToken)
	assert.Empty(t, cfg.Providers[1].AuthToken)
	assert.False(t, cfg.Server.InternalRoutes)
}

func TestDatabaseConfig_DSN(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "db",
		Port:     5432,
		User:     "u",
		Password: "p",
		Database: "metering",
		SSLMode:  "disable",
	}
	dsn := cfg.DSN()
	assert.Contains(t, dsn, "host=db")
	assert.Contains(t, dsn, "dbname=metering")
	assert.Contains(t, dsn, "sslmode=disable")
}
