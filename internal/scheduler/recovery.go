package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/matchcut/export-orchestrator/internal/domain"
)

// OrphanMessage is the error recorded on jobs found processing at startup.
const OrphanMessage = "server restarted during processing"

// RecoverOrphans reconciles jobs left non-terminal by a previous process:
// processing rows are failed (no work survives a restart) and pending rows
// with a cancel request are cancelled. Must run before any worker claims.
func RecoverOrphans(ctx context.Context, repo domain.JobRepository, logger *slog.Logger) error {
	errored, cancelled, err := repo.RecoverOrphans(ctx, OrphanMessage)
	if err != nil {
		return fmt.Errorf("op=scheduler.recover: %w", err)
	}
	if len(errored) == 0 && len(cancelled) == 0 {
		logger.Info("startup recovery: queue clean")
		return nil
	}
	logger.Warn("startup recovery reconciled orphaned jobs",
		slog.Int("errored", len(errored)),
		slog.Int("cancelled", len(cancelled)),
		slog.Any("errored_ids", errored),
		slog.Any("cancelled_ids", cancelled))
	return nil
}
