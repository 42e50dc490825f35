package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/promptforge/chainforge/pkg/models"
	"github.com/promptforge/chainforge/pkg/persistence"
)

// RunRepository handles run-related database operations.
type RunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewRunRepository(db *sql.DB, logger *slog.Logger) *RunRepository {
	return &RunRepository{db: db, logger: logger}
}

// SaveRun upserts the full run record. The cancel flag is OR-ed with the
// stored value so a concurrent cancellation request is never lost to a
// progress write from the engine's in-memory copy.
func (rr *RunRepository) SaveRun(ctx context.Context, run *models.ExecutionContext) error {
	inputVariablesJSON, err := json.Marshal(orEmptyMap(run.InputVariables))
	if err != nil {
		return fmt.Errorf("failed to marshal input variables: %w", err)
	}

	variablesJSON, err := json.Marshal(orEmptyMap(run.Variables))
	if err != nil {
		return fmt.Errorf("failed to marshal variables: %w", err)
	}

	stepResultsJSON, err := json.Marshal(orEmptySlice(run.StepResults))
	if err != nil {
		return fmt.Errorf("failed to marshal step results: %w", err)
	}

	query := `
		INSERT INTO chain_runs (
			id, chain_id, workspace_id, actor_id, status, input_variables,
			variables, step_results, started_at, completed_at, error_message,
			failed_step, cancel_requested
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			variables = EXCLUDED.variables,
			step_results = EXCLUDED.step_results,
			completed_at = EXCLUDED.completed_at,
			error_message = EXCLUDED.error_message,
			failed_step = EXCLUDED.failed_step,
			cancel_requested = chain_runs.cancel_requested OR EXCLUDED.cancel_requested
	`

	_, err = rr.db.ExecContext(ctx, query,
		run.ID,
		run.ChainID,
		run.WorkspaceID,
		run.ActorID,
		run.Status,
		inputVariablesJSON,
		variablesJSON,
		stepResultsJSON,
		run.StartedAt,
		run.CompletedAt,
		nullString(run.Error),
		nullInt(run.FailedStep),
		run.CancelRequested,
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	return nil
}

const runColumns = `id, chain_id, workspace_id, actor_id, status, input_variables,
	variables, step_results, started_at, completed_at, error_message,
	failed_step, cancel_requested`

func (rr *RunRepository) RunByID(ctx context.Context, runID string) (*models.ExecutionContext, error) {
	query := `SELECT ` + runColumns + ` FROM chain_runs WHERE id = $1`

	run, err := rr.scanRun(rr.db.QueryRowContext(ctx, query, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRunError("RunByID", runID, persistence.ErrRunNotFound)
		}

		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	return run, nil
}

func (rr *RunRepository) RunsByChain(ctx context.Context, chainID string, limit int) ([]*models.ExecutionContext, error) {
	query := `SELECT ` + runColumns + ` FROM chain_runs WHERE chain_id = $1 ORDER BY started_at DESC`

	args := []any{chainID}

	if limit > 0 {
		query += ` LIMIT $2`

		args = append(args, limit)
	}

	rows, err := rr.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			rr.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var runs []*models.ExecutionContext

	for rows.Next() {
		run, err := rr.scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// RequestCancel is a single-statement update, the atomicity the cancel
// signal contract requires.
func (rr *RunRepository) RequestCancel(ctx context.Context, runID string) error {
	result, err := rr.db.ExecContext(ctx,
		`UPDATE chain_runs SET cancel_requested = TRUE WHERE id = $1`, runID)
	if err != nil {
		return fmt.Errorf("failed to request cancel: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewRunError("RequestCancel", runID, persistence.ErrRunNotFound)
	}

	return nil
}

func (rr *RunRepository) CancelRequested(ctx context.Context, runID string) (bool, error) {
	var requested bool

	err := rr.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM chain_runs WHERE id = $1`, runID).Scan(&requested)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, persistence.NewRunError("CancelRequested", runID, persistence.ErrRunNotFound)
		}

		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}

	return requested, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (rr *RunRepository) scanRun(row rowScanner) (*models.ExecutionContext, error) {
	var (
		run struct {
			ID              string
			ChainID         string
			WorkspaceID     string
			ActorID         string
			Status          string
			StartedAt       time.Time
			CancelRequested bool
		}
		inputVariablesJSON []byte
		variablesJSON      []byte
		stepResultsJSON    []byte
		completedAt        sql.NullTime
		errorMessage       sql.NullString
		failedStep         sql.NullInt64
	)

	err := row.Scan(
		&run.ID,
		&run.ChainID,
		&run.WorkspaceID,
		&run.ActorID,
		&run.Status,
		&inputVariablesJSON,
		&variablesJSON,
		&stepResultsJSON,
		&run.StartedAt,
		&completedAt,
		&errorMessage,
		&failedStep,
		&run.CancelRequested,
	)
	if err != nil {
		return nil, err
	}

	result := &models.ExecutionContext{
		ID:              run.ID,
		ChainID:         run.ChainID,
		WorkspaceID:     run.WorkspaceID,
		ActorID:         run.ActorID,
		Status:          models.ExecutionStatus(run.Status),
		StartedAt:       run.StartedAt,
		CancelRequested: run.CancelRequested,
	}

	if completedAt.Valid {
		t := completedAt.Time

		result.CompletedAt = &t
	}

	if errorMessage.Valid {
		result.Error = errorMessage.String
	}

	if failedStep.Valid {
		step := int(failedStep.Int64)

		result.FailedStep = &step
	}

	if err := json.Unmarshal(inputVariablesJSON, &result.InputVariables); err != nil {
		return nil, fmt.Errorf("failed to unmarshal input variables: %w", err)
	}

	if err := json.Unmarshal(variablesJSON, &result.Variables); err != nil {
		return nil, fmt.Errorf("failed to unmarshal variables: %w", err)
	}

	if err := json.Unmarshal(stepResultsJSON, &result.StepResults); err != nil {
		return nil, fmt.Errorf("failed to unmarshal step results: %w", err)
	}

	return result, nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}

	return m
}

func orEmptySlice(s []models.StepResult) []models.StepResult {
	if s == nil {
		return []models.StepResult{}
	}

	return s
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: int64(*i), Valid: true}
}
