// Package file provides file-based run storage for local development and
// the CLI runner. One JSON document per run.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/promptforge/chainforge/pkg/models"
	"github.com/promptforge/chainforge/pkg/persistence"
)

// RunRepository implements persistence.RunRepository on the file system.
// A process-wide mutex serializes writes so the cancel flag flip cannot race
// the engine's progress writes within one process.
type RunRepository struct {
	root string
	mu   sync.Mutex
}

func NewRunRepository(root string) *RunRepository {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &RunRepository{root: cleanRoot}
}

func (r *RunRepository) runsDir() string {
	return filepath.Join(r.root, "runs")
}

func (r *RunRepository) runPath(runID string) string {
	return filepath.Join(r.runsDir(), runID+".json")
}

// validateRunID guards against path traversal through hostile identifiers.
func validateRunID(runID string) error {
	if runID == "" {
		return errors.New("run ID cannot be empty")
	}

	if strings.Contains(runID, "..") || strings.Contains(runID, "/") || strings.Contains(runID, "\\") {
		return errors.New("run ID contains invalid characters")
	}

	return nil
}

func (r *RunRepository) SaveRun(_ context.Context, run *models.ExecutionContext) error {
	if err := validateRunID(run.ID); err != nil {
		return persistence.NewRunError("SaveRun", run.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Preserve a cancel flag another caller may have flipped since this run
	// record was loaded into memory.
	if existing, err := r.readRun(run.ID); err == nil && existing.CancelRequested {
		run.CancelRequested = true
	}

	return r.writeRun(run)
}

func (r *RunRepository) writeRun(run *models.ExecutionContext) error {
	if err := os.MkdirAll(r.runsDir(), 0750); err != nil {
		return fmt.Errorf("failed to create runs directory: %w", err)
	}

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run %s: %w", run.ID, err)
	}

	if err := os.WriteFile(r.runPath(run.ID), data, 0600); err != nil {
		return fmt.Errorf("failed to write run %s: %w", run.ID, err)
	}

	return nil
}

func (r *RunRepository) readRun(runID string) (*models.ExecutionContext, error) {
	data, err := os.ReadFile(r.runPath(runID)) // #nosec G304 -- runID is validated
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.ErrRunNotFound
		}

		return nil, fmt.Errorf("failed to read run %s: %w", runID, err)
	}

	var run models.ExecutionContext
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run %s: %w", runID, err)
	}

	return &run, nil
}

func (r *RunRepository) RunByID(_ context.Context, runID string) (*models.ExecutionContext, error) {
	if err := validateRunID(runID); err != nil {
		return nil, persistence.NewRunError("RunByID", runID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.readRun(runID)
}

func (r *RunRepository) RunsByChain(_ context.Context, chainID string, limit int) ([]*models.ExecutionContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := os.ReadDir(r.runsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	var runs []*models.ExecutionContext

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		run, err := r.readRun(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}

		if run.ChainID == chainID {
			runs = append(runs, run)
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})

	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}

	return runs, nil
}

func (r *RunRepository) RequestCancel(_ context.Context, runID string) error {
	if err := validateRunID(runID); err != nil {
		return persistence.NewRunError("RequestCancel", runID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	run, err := r.readRun(runID)
	if err != nil {
		return err
	}

	run.CancelRequested = true

	return r.writeRun(run)
}

func (r *RunRepository) CancelRequested(_ context.Context, runID string) (bool, error) {
	if err := validateRunID(runID); err != nil {
		return false, persistence.NewRunError("CancelRequested", runID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	run, err := r.readRun(runID)
	if err != nil {
		return false, err
	}

	return run.CancelRequested, nil
}

func (r *RunRepository) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(r.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (r *RunRepository) Close(_ context.Context) error {
	return nil
}

var _ persistence.RunRepository = (*RunRepository)(nil)
