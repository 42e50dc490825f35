// Package postgresql provides PostgreSQL-backed run storage, the store used
// in hosted deployments.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"github.com/promptforge/chainforge/pkg/models"
	"github.com/promptforge/chainforge/pkg/persistence"
)

// Persistence implements persistence.RunRepository on PostgreSQL.
type Persistence struct {
	db      *sql.DB
	logger  *slog.Logger
	runRepo *RunRepository
}

func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	p := &Persistence{
		db:      db,
		logger:  logger.With("module", "postgresql"),
		runRepo: NewRunRepository(db, logger),
	}

	if err := p.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return p, nil
}

func (p *Persistence) SaveRun(ctx context.Context, run *models.ExecutionContext) error {
	return p.runRepo.SaveRun(ctx, run)
}

func (p *Persistence) RunByID(ctx context.Context, runID string) (*models.ExecutionContext, error) {
	return p.runRepo.RunByID(ctx, runID)
}

func (p *Persistence) RunsByChain(ctx context.Context, chainID string, limit int) ([]*models.ExecutionContext, error) {
	return p.runRepo.RunsByChain(ctx, chainID, limit)
}

func (p *Persistence) RequestCancel(ctx context.Context, runID string) error {
	return p.runRepo.RequestCancel(ctx, runID)
}

func (p *Persistence) CancelRequested(ctx context.Context, runID string) (bool, error) {
	return p.runRepo.CancelRequested(ctx, runID)
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Persistence) Close(_ context.Context) error {
	return p.db.Close()
}

var _ persistence.RunRepository = (*Persistence)(nil)
