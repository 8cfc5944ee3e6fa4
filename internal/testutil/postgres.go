package testutil

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/realmgate/internal/config"
	"github.com/cory-johannsen/realmgate/internal/storage/postgres"
)

// PostgresContainer is a throwaway PostgreSQL server and a pool connected to it.
type PostgresContainer struct {
	Pool   *postgres.Pool
	Config config.DatabaseConfig
}

// NewPostgresContainer starts PostgreSQL and opens a pool against it.
//
// Precondition: Docker must be available.
// Postcondition: Returns a connected pool, or fails the test.
func NewPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()
	host, port := startContainer(t, containerSpec{
		name:  "postgres",
		image: "postgres:16-alpine",
		port:  "5432",
		env: map[string]string{
			"POSTGRES_USER":     "realmgate",
			"POSTGRES_PASSWORD": "realmgate",
			"POSTGRES_DB":       "realmgate_test",
		},
		// postgres logs readiness once for the init server and once for the real one
		ready: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(containerStartup),
	})

	cfg := config.DatabaseConfig{
		Host:            host,
		Port:            port,
		User:            "realmgate",
		Password:        "realmgate",
		Name:            "realmgate_test",
		SSLMode:         "disable",
		MaxConns:        5,
		MinConns:        1,
		MaxConnLifetime: 5 * time.Minute,
	}
	pool, err := postgres.Open(context.Background(), cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return &PostgresContainer{Pool: pool, Config: cfg}
}

// MigrationsDir returns the absolute path of the repository's migrations.
func MigrationsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}

// ApplyMigrations runs every up migration against the container.
//
// Postcondition: The ip_bans and population_samples tables exist.
func (pc *PostgresContainer) ApplyMigrations(t *testing.T) {
	t.Helper()
	res, err := postgres.Migrate(pc.Config.DSN(), MigrationsDir(), "up", 0)
	if err != nil {
		t.Fatalf("applying migrations: %v", err)
	}
	t.Logf("schema at version %d", res.Version)
}

// NewPool starts a migrated PostgreSQL container and returns its pool.
func NewPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	pc := NewPostgresContainer(t)
	pc.ApplyMigrations(t)
	return pc.Pool.DB()
}
