package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// InterruptedReason is recorded on runs found still running at startup.
const InterruptedReason = "interrupted: server restarted"

// Reconciler marks stale running records as failed.
type Reconciler interface {
	ReconcileRunning(ctx context.Context, reason string, at time.Time) (int64, error)
}

// ReconcileResult reports what the startup sweep cleaned up.
type ReconcileResult struct {
	Records   int64
	Artifacts int
}

// Reconcile heals state left behind by a previous server process: records
// stuck in running are marked failed and leftover script artifacts are
// deleted. It must run before the first Run of this process.
func Reconcile(ctx context.Context, store Reconciler, artifacts *ArtifactStore) (ReconcileResult, error) {
	var res ReconcileResult

	n, err := store.ReconcileRunning(ctx, InterruptedReason, time.Now().UTC())
	if err != nil {
		return res, fmt.Errorf("reconciling running executions: %w", err)
	}
	res.Records = n

	removed, err := artifacts.Sweep()
	res.Artifacts = removed
	if err != nil {
		log.Warn().Err(err).Msg("failed to remove some leftover script artifacts")
	}

	if res.Records > 0 || res.Artifacts > 0 {
		log.Info().
			Int64("executions", res.Records).
			Int("artifacts", res.Artifacts).
			Msg("cleaned up after previous server process")
	}
	return res, nil
}
