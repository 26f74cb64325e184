//go:build integration

package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/JonMunkholm/allocsync/internal/config"
	"github.com/JonMunkholm/allocsync/internal/core"
	"github.com/JonMunkholm/allocsync/internal/storetest"
)

func TestStore_Contract(t *testing.T) {
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("allocsync"),
		tcpostgres.WithUsername("allocsync"),
		tcpostgres.WithPassword("allocsync"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := Open(ctx, config.DatabaseConfig{URL: dsn, MaxConns: 4, MinConns: 1})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	require.NoError(t, Migrate(ctx, pool), "schema is idempotent")

	storetest.Run(t, func(t *testing.T) core.Store {
		_, err := pool.Exec(ctx, `TRUNCATE allocations, regions, sources, jurisdictions, ingest_runs`)
		require.NoError(t, err)
		return NewStore(pool)
	})
}
