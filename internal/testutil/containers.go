// Package testutil starts throwaway Postgres and Redis instances for integration tests.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uniedit/metering/internal/shared/config"
	"github.com/uniedit/metering/internal/shared/database"
	"gorm.io/gorm"
)

const (
	startupTimeout = 60 * time.Second

	postgresImage    = "postgres:16-alpine"
	postgresPort     = "5432"
	postgresUser     = "test"
	postgresPassword = "test"
	postgresDatabase = "metering"

	redisImage = "redis:7-alpine"
	redisPort  = "6379"
)

// SkipIfShort skips integration tests in short mode.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewPostgres starts a Postgres container and returns a migrated connection.
// The container is terminated when the test finishes.
func NewPostgres(t *testing.T) *gorm.DB {
	t.Helper()
	SkipIfShort(t)

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        postgresImage,
			ExposedPorts: []string{postgresPort + "/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     postgresUser,
				"POSTGRES_PASSWORD": postgresPassword,
				"POSTGRES_DB":       postgresDatabase,
			},
			WaitingFor: wait.ForAll(
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
				wait.ForListeningPort(postgresPort+"/tcp"),
			),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start Postgres container: %v", err)
	}
	terminateOnCleanup(t, container)

	host, port := endpoint(ctx, t, container, postgresPort)
	db, err := database.New(&config.DatabaseConfig{
		Host:         host,
		Port:         port,
		User:         postgresUser,
		Password:     postgresPassword,
		Database:     postgresDatabase,
		SSLMode:      "disable",
		MaxOpenConns: 20,
		MaxIdleConns: 5,
	})
	if err != nil {
		t.Fatalf("Failed to connect to Postgres: %v", err)
	}
	t.Cleanup(func() { _ = database.Close(db) })

	if err := database.Migrate(db); err != nil {
		t.Fatalf("Failed to migrate Postgres: %v", err)
	}
	return db
}

// NewRedis starts a Redis container and returns a connected client.
func NewRedis(t *testing.T) *redis.Client {
	t.Helper()
	SkipIfShort(t)

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        redisImage,
			ExposedPorts: []string{redisPort + "/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	terminateOnCleanup(t, container)

	host, port := endpoint(ctx, t, container, redisPort)
	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%d", host, port)})
	t.Cleanup(func() { _ = client.Close() })

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to ping Redis: %v", err)
	}
	return client
}

func endpoint(ctx context.Context, t *testing.T, container testcontainers.Container, port string) (string, int) {
	t.Helper()

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	mapped, err := container.MappedPort(ctx, nat.Port(port+"/tcp"))
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}
	return host, mapped.Int()
}

func terminateOnCleanup(t *testing.T, container testcontainers.Container) {
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})
}
