package storage

import (
	"context"

	"tempest/internal/model"
)

// Store defines persistence for runs, checkpoints, and diagnostics.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	SaveCheckpoint(ctx context.Context, checkpoint model.Checkpoint) error
	GetCheckpoint(ctx context.Context, runID string) (model.Checkpoint, bool, error)
	SaveBarrierHistory(ctx context.Context, runID string, history []float64) error
	GetBarrierHistory(ctx context.Context, runID string) ([]float64, bool, error)
	SaveRoundDiagnostics(ctx context.Context, runID string, diagnostics []model.RoundDiagnostics) error
	GetRoundDiagnostics(ctx context.Context, runID string) ([]model.RoundDiagnostics, bool, error)
}

// Resetter is implemented by stores that can drop all persisted state.
type Resetter interface {
	Reset(ctx context.Context) error
}

func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
