package app

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// BuildReadinessChecks returns the probe functions /readyz runs. The job
// store is the only hard dependency; the blob store and notifier degrade
// gracefully.
func BuildReadinessChecks(pool *pgxpool.Pool) func(context.Context) error {
	return func(ctx context.Context) error {
		return pool.Ping(ctx)
	}
}
