package postgresql

import (
	"context"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS chain_runs (
		id               TEXT PRIMARY KEY,
		chain_id         TEXT NOT NULL,
		workspace_id     TEXT NOT NULL,
		actor_id         TEXT NOT NULL,
		status           TEXT NOT NULL,
		input_variables  JSONB NOT NULL DEFAULT '{}',
		variables        JSONB NOT NULL DEFAULT '{}',
		step_results     JSONB NOT NULL DEFAULT '[]',
		started_at       TIMESTAMPTZ NOT NULL,
		completed_at     TIMESTAMPTZ,
		error_message    TEXT,
		failed_step      INTEGER,
		cancel_requested BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chain_runs_chain_started
		ON chain_runs (chain_id, started_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_chain_runs_status
		ON chain_runs (status)`,
}

func (p *Persistence) migrate(ctx context.Context) error {
	for i, migration := range migrations {
		if _, err := p.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}

	return nil
}
