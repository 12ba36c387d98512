// Package pgtest starts a throwaway Postgres for integration tests.
package pgtest

import (
	"context"
	"fmt"

	"github.com/ariefcatur/agri-market/internal/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

const image = "postgres:16-alpine"

// Start runs a container, connects a pool and applies the schema.
func Start(ctx context.Context) (testcontainers.Container, *pgxpool.Pool, error) {
	ctr, err := tcpostgres.Run(ctx, image,
		tcpostgres.WithDatabase("market"),
		tcpostgres.WithUsername("market"),
		tcpostgres.WithPassword("market"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("tcpostgres.Run: %w", err)
	}

	connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return ctr, nil, fmt.Errorf("ctr.ConnectionString: %w", err)
	}

	pool, err := postgres.Connect(ctx, connStr)
	if err != nil {
		return ctr, nil, fmt.Errorf("postgres.Connect: %w", err)
	}

	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return ctr, nil, err
	}
	return ctr, pool, nil
}
