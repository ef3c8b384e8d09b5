// Package pgtest starts a throwaway Postgres for integration tests.
package pgtest

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/djlord-it/easy-alarm/migrations"
)

type Container struct {
	Container *postgres.PostgresContainer
	DSN       string
}

// Start runs a Postgres container and applies the schema migrations.
func Start(ctx context.Context) (*Container, error) {
	pg, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("easyalarm_test"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpassword"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pg.Terminate(ctx)
		return nil, fmt.Errorf("connection string: %w", err)
	}

	if _, err := migrations.Run(dsn, "up"); err != nil {
		_ = pg.Terminate(ctx)
		return nil, err
	}
	return &Container{Container: pg, DSN: dsn}, nil
}

func (c *Container) Teardown(ctx context.Context) error {
	return c.Container.Terminate(ctx)
}
