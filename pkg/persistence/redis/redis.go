// Package redis provides Redis-backed run storage. The cancel flag lives in
// its own key, so flipping it is a single atomic write that can never race
// the engine's progress writes to the run document.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/promptforge/chainforge/pkg/models"
	"github.com/promptforge/chainforge/pkg/persistence"
)

const (
	runKeyPrefix    = "chainforge:run:"
	cancelKeySuffix = ":cancel"
	chainIndexPref  = "chainforge:chain:"
)

// RunRepository implements persistence.RunRepository on Redis.
type RunRepository struct {
	client goredis.UniversalClient
}

func NewRunRepository(redisURL string) (*RunRepository, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	return &RunRepository{client: goredis.NewClient(opts)}, nil
}

// NewRunRepositoryWithClient wires an existing client, used by tests.
func NewRunRepositoryWithClient(client goredis.UniversalClient) *RunRepository {
	return &RunRepository{client: client}
}

func runKey(runID string) string {
	return runKeyPrefix + runID
}

func cancelKey(runID string) string {
	return runKeyPrefix + runID + cancelKeySuffix
}

func chainIndexKey(chainID string) string {
	return chainIndexPref + chainID + ":runs"
}

func (r *RunRepository) SaveRun(ctx context.Context, run *models.ExecutionContext) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run %s: %w", run.ID, err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, runKey(run.ID), data, 0)
	pipe.ZAdd(ctx, chainIndexKey(run.ChainID), goredis.Z{
		Score:  float64(run.StartedAt.UnixNano()),
		Member: run.ID,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}

	return nil
}

func (r *RunRepository) RunByID(ctx context.Context, runID string) (*models.ExecutionContext, error) {
	data, err := r.client.Get(ctx, runKey(runID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, persistence.NewRunError("RunByID", runID, persistence.ErrRunNotFound)
		}

		return nil, fmt.Errorf("failed to read run %s: %w", runID, err)
	}

	var run models.ExecutionContext
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run %s: %w", runID, err)
	}

	// The document's flag may be stale; the cancel key is authoritative.
	requested, err := r.cancelFlag(ctx, runID)
	if err != nil {
		return nil, err
	}

	if requested {
		run.CancelRequested = true
	}

	return &run, nil
}

func (r *RunRepository) RunsByChain(ctx context.Context, chainID string, limit int) ([]*models.ExecutionContext, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	ids, err := r.client.ZRevRange(ctx, chainIndexKey(chainID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs for chain %s: %w", chainID, err)
	}

	runs := make([]*models.ExecutionContext, 0, len(ids))

	for _, id := range ids {
		run, err := r.RunByID(ctx, id)
		if err != nil {
			if persistence.IsRunNotFound(err) {
				continue
			}

			return nil, err
		}

		runs = append(runs, run)
	}

	return runs, nil
}

func (r *RunRepository) RequestCancel(ctx context.Context, runID string) error {
	exists, err := r.client.Exists(ctx, runKey(runID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check run %s: %w", runID, err)
	}

	if exists == 0 {
		return persistence.NewRunError("RequestCancel", runID, persistence.ErrRunNotFound)
	}

	if err := r.client.Set(ctx, cancelKey(runID), "1", 0).Err(); err != nil {
		return fmt.Errorf("failed to request cancel for run %s: %w", runID, err)
	}

	return nil
}

func (r *RunRepository) cancelFlag(ctx context.Context, runID string) (bool, error) {
	value, err := r.client.Get(ctx, cancelKey(runID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return false, nil
		}

		return false, fmt.Errorf("failed to read cancel flag for run %s: %w", runID, err)
	}

	return value == "1", nil
}

func (r *RunRepository) CancelRequested(ctx context.Context, runID string) (bool, error) {
	exists, err := r.client.Exists(ctx, runKey(runID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check run %s: %w", runID, err)
	}

	if exists == 0 {
		return false, persistence.NewRunError("CancelRequested", runID, persistence.ErrRunNotFound)
	}

	return r.cancelFlag(ctx, runID)
}

func (r *RunRepository) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RunRepository) Close(_ context.Context) error {
	return r.client.Close()
}

// ParseableURL reports whether rawURL looks like a redis connection string.
func ParseableURL(rawURL string) bool {
	return strings.HasPrefix(rawURL, "redis://") || strings.HasPrefix(rawURL, "rediss://")
}

var _ persistence.RunRepository = (*RunRepository)(nil)
