// Package persistence defines the durable store for chain runs and their
// step traces. The persisted record is the contract other subsystems read,
// and its cancel flag is the channel through which cancellation requests
// reach a running engine loop.
package persistence

import (
	"context"

	"github.com/promptforge/chainforge/pkg/models"
)

type RunRepository interface {
	// SaveRun upserts the full run record, trace included.
	SaveRun(ctx context.Context, run *models.ExecutionContext) error

	// RunByID returns ErrRunNotFound when no run exists.
	RunByID(ctx context.Context, runID string) (*models.ExecutionContext, error)

	// RunsByChain lists runs for a chain, most recent first. A non-positive
	// limit means no limit.
	RunsByChain(ctx context.Context, chainID string, limit int) ([]*models.ExecutionContext, error)

	// RequestCancel flips the run's cancel flag with a single atomic write.
	// The engine loop observes the flag at step boundaries.
	RequestCancel(ctx context.Context, runID string) error

	// CancelRequested reads the current cancel flag.
	CancelRequested(ctx context.Context, runID string) (bool, error)

	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}
