// Package engine drives chain runs end to end: authorization, run record
// lifecycle, sequential step execution with cooperative cancellation, and
// lifecycle event publication.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/promptforge/chainforge/pkg/credentials"
	"github.com/promptforge/chainforge/pkg/eventbus"
	"github.com/promptforge/chainforge/pkg/events"
	"github.com/promptforge/chainforge/pkg/executor"
	"github.com/promptforge/chainforge/pkg/expressions"
	"github.com/promptforge/chainforge/pkg/models"
	"github.com/promptforge/chainforge/pkg/otelhelper"
	"github.com/promptforge/chainforge/pkg/persistence"
	"github.com/promptforge/chainforge/pkg/providers"
	"github.com/promptforge/chainforge/pkg/workspace"
)

var (
	// ErrForbidden is returned when the actor may not act on the chain's
	// workspace. No run record is created for a refused execution.
	ErrForbidden = errors.New("actor is not a member of the chain's workspace")

	// ErrInvalidState is returned when cancelling a run that already
	// reached a terminal status.
	ErrInvalidState = errors.New("run is not in a cancellable state")
)

type Engine struct {
	runs        persistence.RunRepository
	authorizer  workspace.Authorizer
	eventBus    eventbus.EventBus
	registry    *providers.Registry
	credentials *credentials.Resolver
	expressions *expressions.Engine
	execConfig  executor.Config
	logger      *slog.Logger
	tracer      trace.Tracer
}

func New(
	runs persistence.RunRepository,
	authorizer workspace.Authorizer,
	eventBus eventbus.EventBus,
	registry *providers.Registry,
	credentialResolver *credentials.Resolver,
	execConfig executor.Config,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		runs:        runs,
		authorizer:  authorizer,
		eventBus:    eventBus,
		registry:    registry,
		credentials: credentialResolver,
		expressions: expressions.NewEngine(),
		execConfig:  execConfig,
		logger:      logger.With("module", "engine"),
		tracer:      otel.Tracer("chainforge/engine"),
	}
}

// Execute runs a chain synchronously and returns its run record. The record
// is persisted before the first step, after every step, and on every
// terminal transition. Execution problems (validation, step failures,
// timeout) land on the record; the error return is reserved for refusals
// and infrastructure failures that prevent a run from existing at all.
func (e *Engine) Execute(ctx context.Context, chain *models.ChainDefinition, initialVars map[string]any, actorID string) (*models.ExecutionContext, error) {
	run, err := e.begin(ctx, chain, initialVars, actorID)
	if err != nil {
		return nil, err
	}

	if run.Status.IsTerminal() {
		return run, nil
	}

	e.runSteps(ctx, chain, run)

	return run, nil
}

// Start begins a run and returns its record while the steps continue in a
// detached goroutine. The returned record is a snapshot; callers observe
// progress through Run. Used by the HTTP API so long chains do not hold the
// request open.
func (e *Engine) Start(ctx context.Context, chain *models.ChainDefinition, initialVars map[string]any, actorID string) (*models.ExecutionContext, error) {
	run, err := e.begin(ctx, chain, initialVars, actorID)
	if err != nil {
		return nil, err
	}

	if run.Status.IsTerminal() {
		return run, nil
	}

	snapshot := cloneRun(run)

	go e.runSteps(context.WithoutCancel(ctx), chain, run)

	return snapshot, nil
}

// begin authorizes, creates the run record in running state, and validates
// the chain. A validation problem marks the run failed immediately; the
// record still exists for inspection.
func (e *Engine) begin(ctx context.Context, chain *models.ChainDefinition, initialVars map[string]any, actorID string) (*models.ExecutionContext, error) {
	allowed, err := e.authorizer.CanExecute(ctx, chain.WorkspaceID, actorID)
	if err != nil {
		return nil, fmt.Errorf("authorization check failed: %w", err)
	}

	if !allowed {
		return nil, fmt.Errorf("%w: workspace %s", ErrForbidden, chain.WorkspaceID)
	}

	run := newRun(chain, initialVars, actorID)

	if err := e.runs.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run record: %w", err)
	}

	e.publish(ctx, run, events.ExecutionStarted{
		BaseEvent: e.baseEvent(run, events.ExecutionStartedEvent),
		ActorID:   actorID,
	})

	if err := validate(chain, initialVars); err != nil {
		e.failRun(ctx, run, 0, err.Error())
	}

	return run, nil
}

func (e *Engine) runSteps(ctx context.Context, chain *models.ChainDefinition, run *models.ExecutionContext) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.run",
		attribute.String(otelhelper.ChainIDKey, chain.ID),
		attribute.String(otelhelper.RunIDKey, run.ID),
		attribute.String(otelhelper.WorkspaceIDKey, chain.WorkspaceID),
		attribute.String(otelhelper.ActorIDKey, run.ActorID),
	)
	defer span.End()

	// The run deadline doubles as a watchdog: it is wired into the context
	// so an in-flight provider call aborts when the budget expires instead
	// of holding the run open.
	var deadline time.Time
	if chain.TimeoutSeconds > 0 {
		deadline = run.StartedAt.Add(time.Duration(chain.TimeoutSeconds) * time.Second)

		var cancel context.CancelFunc

		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	exec := executor.New(e.registry, e.credentials, e.expressions, e.logger, e.execConfig)

	for _, step := range chain.Steps {
		cancelled, err := e.runs.CancelRequested(ctx, run.ID)
		if err != nil {
			e.logger.WarnContext(ctx, "cancel flag check failed, continuing run",
				"run_id", run.ID, "error", err)
		}

		if cancelled {
			e.cancelRun(ctx, run)
			span.SetAttributes(attribute.Bool("run.cancelled", true))

			return
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			e.failRun(ctx, run, len(run.StepResults),
				fmt.Sprintf("run exceeded its %ds timeout", chain.TimeoutSeconds))
			span.SetStatus(codes.Error, run.Error)

			return
		}

		traceMark := len(run.StepResults)

		stepCtx, stepSpan := otelhelper.StartSpan(ctx, e.tracer, "engine.step",
			attribute.Int(otelhelper.StepIndexKey, traceMark),
			attribute.String(otelhelper.StepKindKey, string(step.Kind)),
		)

		stepErr := exec.Execute(stepCtx, step, run)
		if stepErr != nil {
			otelhelper.SetError(stepSpan, stepErr)
		}

		stepSpan.End()

		e.checkpoint(ctx, run)
		e.publishStepResults(ctx, run, traceMark)

		if stepErr != nil {
			stepIndex := len(run.StepResults) - 1
			message := stepErr.Error()

			var failed *executor.StepError
			if errors.As(stepErr, &failed) {
				stepIndex, message = failed.StepIndex, failed.Message
			}

			e.failRun(ctx, run, stepIndex, message)
			span.SetStatus(codes.Error, message)

			return
		}
	}

	run.MarkCompleted()
	e.checkpoint(ctx, run)

	e.publish(ctx, run, events.ExecutionCompleted{
		BaseEvent:  e.baseEvent(run, events.ExecutionCompletedEvent),
		Duration:   run.CompletedAt.Sub(run.StartedAt),
		StepCount:  len(run.StepResults),
		TokensUsed: totalTokens(run),
	})

	e.logger.InfoContext(ctx, "run completed",
		"run_id", run.ID,
		"chain_id", run.ChainID,
		"steps", len(run.StepResults),
		"tokens", totalTokens(run))
}

// Cancel requests cooperative cancellation of a running run. Only the actor
// who started the run may cancel it; the run stops at the next step
// boundary, never mid-call.
func (e *Engine) Cancel(ctx context.Context, runID, actorID string) error {
	run, err := e.runs.RunByID(ctx, runID)
	if err != nil {
		return err
	}

	if run.ActorID != actorID {
		return fmt.Errorf("%w: run %s", ErrForbidden, runID)
	}

	if run.Status != models.ExecutionStatusRunning {
		return fmt.Errorf("%w: run %s is %s", ErrInvalidState, runID, run.Status)
	}

	return e.runs.RequestCancel(ctx, runID)
}

// Run returns a run record for inspection, including its full step trace.
func (e *Engine) Run(ctx context.Context, runID, actorID string) (*models.ExecutionContext, error) {
	run, err := e.runs.RunByID(ctx, runID)
	if err != nil {
		return nil, err
	}

	allowed, err := e.authorizer.CanView(ctx, run.WorkspaceID, actorID)
	if err != nil {
		return nil, fmt.Errorf("authorization check failed: %w", err)
	}

	if !allowed {
		return nil, fmt.Errorf("%w: run %s", ErrForbidden, runID)
	}

	return run, nil
}

// RunsByChain lists a chain's runs, most recent first. limit <= 0 lists all.
func (e *Engine) RunsByChain(ctx context.Context, chainID, actorID string, limit int) ([]*models.ExecutionContext, error) {
	runs, err := e.runs.RunsByChain(ctx, chainID, limit)
	if err != nil {
		return nil, err
	}

	if len(runs) == 0 {
		return runs, nil
	}

	// All runs of a chain live in one workspace.
	allowed, err := e.authorizer.CanView(ctx, runs[0].WorkspaceID, actorID)
	if err != nil {
		return nil, fmt.Errorf("authorization check failed: %w", err)
	}

	if !allowed {
		return nil, fmt.Errorf("%w: chain %s", ErrForbidden, chainID)
	}

	return runs, nil
}

func newRun(chain *models.ChainDefinition, initialVars map[string]any, actorID string) *models.ExecutionContext {
	scope := maps.Clone(initialVars)
	if scope == nil {
		scope = make(map[string]any)
	}

	return &models.ExecutionContext{
		ID:             uuid.NewString(),
		ChainID:        chain.ID,
		WorkspaceID:    chain.WorkspaceID,
		ActorID:        actorID,
		Status:         models.ExecutionStatusRunning,
		InputVariables: maps.Clone(initialVars),
		Variables:      scope,
		StartedAt:      time.Now().UTC(),
	}
}

func cloneRun(run *models.ExecutionContext) *models.ExecutionContext {
	clone := *run
	clone.InputVariables = maps.Clone(run.InputVariables)
	clone.Variables = maps.Clone(run.Variables)
	clone.StepResults = append([]models.StepResult(nil), run.StepResults...)

	return &clone
}

func validate(chain *models.ChainDefinition, initialVars map[string]any) error {
	if err := chain.Validate(); err != nil {
		return err
	}

	return chain.ValidateReferences(initialVars)
}

// checkpoint persists run progress. A failed checkpoint is logged and the
// run carries on; the in-memory record stays authoritative and the next
// write retries the full state.
func (e *Engine) checkpoint(ctx context.Context, run *models.ExecutionContext) {
	if err := e.runs.SaveRun(ctx, run); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist run progress",
			"run_id", run.ID, "error", err)
	}
}

func (e *Engine) failRun(ctx context.Context, run *models.ExecutionContext, stepIndex int, message string) {
	run.MarkFailed(stepIndex, message)
	e.checkpoint(ctx, run)

	e.publish(ctx, run, events.ExecutionFailed{
		BaseEvent:  e.baseEvent(run, events.ExecutionFailedEvent),
		Error:      message,
		FailedStep: stepIndex,
		Duration:   run.CompletedAt.Sub(run.StartedAt),
	})

	e.logger.WarnContext(ctx, "run failed",
		"run_id", run.ID,
		"chain_id", run.ChainID,
		"failed_step", stepIndex,
		"error", message)
}

func (e *Engine) cancelRun(ctx context.Context, run *models.ExecutionContext) {
	run.CancelRequested = true
	run.MarkCancelled()
	e.checkpoint(ctx, run)

	e.publish(ctx, run, events.ExecutionCancelled{
		BaseEvent: e.baseEvent(run, events.ExecutionCancelledEvent),
		Duration:  run.CompletedAt.Sub(run.StartedAt),
	})

	e.logger.InfoContext(ctx, "run cancelled",
		"run_id", run.ID,
		"chain_id", run.ChainID,
		"completed_steps", len(run.StepResults))
}

func (e *Engine) publishStepResults(ctx context.Context, run *models.ExecutionContext, from int) {
	for _, result := range run.StepResults[from:] {
		e.publish(ctx, run, events.ExecutionStepCompleted{
			BaseEvent: e.baseEvent(run, events.ExecutionStepCompletedEvent),
			Result:    result,
		})
	}
}

// publish is best-effort: a bus outage must not take the run down with it.
func (e *Engine) publish(ctx context.Context, run *models.ExecutionContext, event eventbus.Event) {
	if e.eventBus == nil {
		return
	}

	if err := e.eventBus.Publish(ctx, run.ChainID, event); err != nil {
		e.logger.WarnContext(ctx, "failed to publish event",
			"run_id", run.ID,
			"event_type", string(event.GetType()),
			"error", err)
	}
}

func (e *Engine) baseEvent(run *models.ExecutionContext, eventType events.EventType) events.BaseEvent {
	id := uuid.NewString()
	if e.eventBus != nil {
		id = e.eventBus.GenerateID()
	}

	return events.BaseEvent{
		ID:          id,
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		RunID:       run.ID,
		ChainID:     run.ChainID,
		WorkspaceID: run.WorkspaceID,
	}
}

func totalTokens(run *models.ExecutionContext) int {
	total := 0
	for _, result := range run.StepResults {
		total += result.TokensUsed
	}

	return total
}
