package postgres_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jcolano/hiveboard/internal/storage"
	"github.com/jcolano/hiveboard/internal/storage/postgres"
	"github.com/jcolano/hiveboard/internal/storage/storagetest"
)

// testDSN points at the database the contract suite runs against. TestMain
// starts a throwaway container unless HIVEBOARD_TEST_POSTGRES_DSN overrides
// it (CI environments that provide their own database).
var testDSN string

func TestMain(m *testing.M) {
	if dsn := os.Getenv("HIVEBOARD_TEST_POSTGRES_DSN"); dsn != "" {
		testDSN = dsn
		os.Exit(m.Run())
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "hiveboard",
			"POSTGRES_PASSWORD": "hiveboard",
			"POSTGRES_DB":       "hiveboard",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}
	testDSN = fmt.Sprintf("postgres://hiveboard:hiveboard@%s:%s/hiveboard?sslmode=disable", host, port.Port())

	code := m.Run()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

// TestContract runs the storage contract suite against a real PostgreSQL
// instance.
func TestContract(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	storagetest.Run(t, func(t *testing.T) storage.Store {
		ctx := context.Background()
		s, err := postgres.Open(ctx, testDSN, logger)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		truncateAll(t, testDSN)
		return s
	})
}

// truncateAll resets the shared test database so each subtest starts empty.
func truncateAll(t *testing.T, dsn string) {
	t.Helper()
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()
	_, err = pool.Exec(ctx,
		`TRUNCATE events, tenant_seq, agents, api_keys, projects, alert_rules, alert_history, tenants CASCADE`)
	require.NoError(t, err)
}
