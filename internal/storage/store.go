package storage

import (
	"context"

	"astir/internal/model"
)

// Store defines transaction-like persistence operations for fitted runs.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	SaveLossHistory(ctx context.Context, runID string, losses []float64) error
	GetLossHistory(ctx context.Context, runID string) ([]float64, bool, error)
	SaveAssignments(ctx context.Context, runID string, assignments model.Assignments) error
	GetAssignments(ctx context.Context, runID string) (model.Assignments, bool, error)
}
