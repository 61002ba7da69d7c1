// Package testutil provides test helpers: a disposable PostgreSQL container
// for the account backend and a WebSocket client for the broker endpoint.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/lobby/internal/config"
	"github.com/cory-johannsen/lobby/internal/storage/postgres"
	"github.com/cory-johannsen/lobby/migrations"
)

// StartPostgres runs a throwaway PostgreSQL container for the duration of the
// test and returns settings that reach it.
//
// Precondition: Docker must be available; callers skip under -short.
// Postcondition: The container is terminated at test cleanup.
func StartPostgres(t *testing.T) config.DatabaseConfig {
	t.Helper()
	ctx := context.Background()
	start := time.Now()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "lobby",
				"POSTGRES_PASSWORD": "lobby",
				"POSTGRES_DB":       "lobby",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("starting postgres container: %v [%s]", err, time.Since(start))
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("getting container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("getting mapped port: %v", err)
	}

	t.Logf("postgres container started [%s]", time.Since(start))
	return config.DatabaseConfig{
		Host:            host,
		Port:            port.Int(),
		User:            "lobby",
		Password:        "lobby",
		Name:            "lobby",
		SSLMode:         "disable",
		MaxConns:        5,
		MinConns:        1,
		MaxConnLifetime: 5 * time.Minute,
	}
}

// NewMigratedPool starts a container, applies the embedded migrations and
// connects a pool to it.
//
// Postcondition: The accounts table exists; the pool is closed at cleanup.
func NewMigratedPool(t *testing.T) *postgres.Pool {
	t.Helper()
	cfg := StartPostgres(t)

	start := time.Now()
	if err := migrations.Up(cfg.DSN()); err != nil {
		t.Fatalf("applying migrations: %v", err)
	}
	t.Logf("migrations applied [%s]", time.Since(start))

	pool, err := postgres.NewPool(context.Background(), cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("connecting to test postgres: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}
