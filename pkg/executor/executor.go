// Package executor runs individual chain steps against a run's variable
// scope. One StepExecutor serves one run: it is driven by a single
// goroutine and memoizes resolved credentials so a chain calling the same
// provider repeatedly does not decrypt the key once per step.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/promptforge/chainforge/pkg/credentials"
	"github.com/promptforge/chainforge/pkg/expressions"
	"github.com/promptforge/chainforge/pkg/models"
	"github.com/promptforge/chainforge/pkg/providers"
	"github.com/promptforge/chainforge/pkg/variables"
)

const defaultProvider = "openai"

// Config bounds the retry behavior for transient provider errors.
// Non-transient errors (auth, invalid request) are never retried.
type Config struct {
	MaxRetries           uint64
	RetryInitialInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:           2,
		RetryInitialInterval: 500 * time.Millisecond,
	}
}

// StepError reports a failed step. The trace entry for the failure has
// already been appended when this error is returned.
type StepError struct {
	StepIndex int
	Message   string
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d failed: %s", e.StepIndex, e.Message)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

type StepExecutor struct {
	registry    *providers.Registry
	credentials *credentials.Resolver
	expressions *expressions.Engine
	logger      *slog.Logger
	config      Config

	credCache map[string]models.ProviderCredential
}

func New(
	registry *providers.Registry,
	credentialResolver *credentials.Resolver,
	expressionEngine *expressions.Engine,
	logger *slog.Logger,
	config Config,
) *StepExecutor {
	return &StepExecutor{
		registry:    registry,
		credentials: credentialResolver,
		expressions: expressionEngine,
		logger:      logger.With("module", "step_executor"),
		config:      config,
		credCache:   make(map[string]models.ProviderCredential),
	}
}

// Execute runs one step, appending its trace entries (including skipped
// entries for untaken branches) to the run and mutating its scope. A
// returned *StepError means the step failed and the run must fail-fast;
// the error entry is already in the trace.
func (e *StepExecutor) Execute(ctx context.Context, step *models.Step, run *models.ExecutionContext) error {
	switch step.Kind {
	case models.StepKindPrompt:
		return e.executePrompt(ctx, step, run)
	case models.StepKindCondition:
		return e.executeCondition(ctx, step, run)
	case models.StepKindTransform:
		return e.executeTransform(step, run)
	default:
		return e.fail(run, step, fmt.Sprintf("unknown step kind %q", step.Kind), nil)
	}
}

func (e *StepExecutor) executePrompt(ctx context.Context, step *models.Step, run *models.ExecutionContext) error {
	providerName := step.Provider
	if providerName == "" {
		providerName = defaultProvider
	}

	cred, err := e.resolveCredential(ctx, run.WorkspaceID, providerName, step.RequireLiveKey)
	if err != nil {
		return e.fail(run, step, "no live credential available for "+providerName, err)
	}

	gateway, err := e.gatewayFor(providerName, cred)
	if err != nil {
		return e.fail(run, step, err.Error(), err)
	}

	request := providers.CompletionRequest{
		Prompt:       variables.Substitute(step.Template, run.Variables),
		SystemPrompt: variables.Substitute(step.SystemPrompt, run.Variables),
		Model:        step.Model,
		Temperature:  step.Temperature,
		TopP:         step.TopP,
		MaxTokens:    step.MaxTokens,
		Credential:   cred,
	}

	started := time.Now()

	result, err := e.completeWithRetry(ctx, gateway, request)

	latency := time.Since(started).Milliseconds()

	if err != nil {
		message := "provider call failed"
		if perr, ok := providers.AsProviderError(err); ok {
			message = perr.UserMessage()
		}

		run.AppendResult(models.StepResult{
			StepName:         step.Name,
			Kind:             step.Kind,
			Status:           models.StepStatusError,
			LatencyMs:        latency,
			CredentialSource: cred.Source,
			Error:            message,
		})

		return &StepError{StepIndex: lastIndex(run), Message: message, Err: err}
	}

	run.AppendResult(models.StepResult{
		StepName:         step.Name,
		Kind:             step.Kind,
		Status:           models.StepStatusSuccess,
		Output:           result.Output,
		TokensUsed:       result.TokensUsed,
		LatencyMs:        latency,
		CredentialSource: result.Source,
	})
	run.BindVariable(step.OutputVariable, result.Output)

	return nil
}

// completeWithRetry retries transient provider errors with exponential
// backoff, bounded by the configured retry count. Everything else is
// permanent on the first occurrence.
func (e *StepExecutor) completeWithRetry(ctx context.Context, gateway providers.Gateway, request providers.CompletionRequest) (*providers.CompletionResult, error) {
	var result *providers.CompletionResult

	operation := func() error {
		var err error

		result, err = gateway.Complete(ctx, request)
		if err == nil {
			return nil
		}

		if perr, ok := providers.AsProviderError(err); ok && perr.Transient() {
			e.logger.WarnContext(ctx, "transient provider error, will retry",
				"provider", gateway.Name(),
				"kind", string(perr.Kind))

			return err
		}

		return backoff.Permanent(err)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = e.config.RetryInitialInterval

	policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, e.config.MaxRetries), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}

	return result, nil
}

func (e *StepExecutor) resolveCredential(ctx context.Context, workspaceID, providerName string, requireLive bool) (models.ProviderCredential, error) {
	// RequireLiveKey bypasses the memo: a cached mock credential must not
	// satisfy a step that demands a live key.
	if cred, ok := e.credCache[providerName]; ok && !(requireLive && cred.IsMock()) {
		return cred, nil
	}

	cred, err := e.credentials.Resolve(ctx, workspaceID, providerName, requireLive)
	if err != nil {
		return models.ProviderCredential{}, err
	}

	e.credCache[providerName] = cred

	return cred, nil
}

func (e *StepExecutor) gatewayFor(providerName string, cred models.ProviderCredential) (providers.Gateway, error) {
	if cred.IsMock() {
		return e.registry.Mock(), nil
	}

	return e.registry.Get(providerName)
}

func (e *StepExecutor) executeCondition(ctx context.Context, step *models.Step, run *models.ExecutionContext) error {
	taken, err := e.expressions.EvaluateBool(step.Expression, run.Variables)
	if err != nil {
		return e.fail(run, step, "condition evaluation failed", err)
	}

	run.AppendResult(models.StepResult{
		StepName: step.Name,
		Kind:     step.Kind,
		Status:   models.StepStatusSuccess,
		Output:   taken,
	})

	branch, skipped := step.Then, step.Else
	if !taken {
		branch, skipped = step.Else, step.Then
	}

	// The untaken branch goes into the trace first as skipped entries, so a
	// reader sees the decision point before the executed branch unfolds.
	recordSkipped(run, skipped)

	for _, sub := range branch {
		if err := e.Execute(ctx, sub, run); err != nil {
			return err
		}
	}

	return nil
}

// recordSkipped appends skipped entries for every step in an untaken
// branch, descending into nested conditions on both sides since neither
// was evaluated.
func recordSkipped(run *models.ExecutionContext, steps []*models.Step) {
	for _, step := range steps {
		run.AppendResult(models.StepResult{
			StepName: step.Name,
			Kind:     step.Kind,
			Status:   models.StepStatusSkipped,
		})

		if step.Kind == models.StepKindCondition {
			recordSkipped(run, step.Then)
			recordSkipped(run, step.Else)
		}
	}
}

func (e *StepExecutor) executeTransform(step *models.Step, run *models.ExecutionContext) error {
	value, err := e.expressions.Evaluate(step.Expression, run.Variables)
	if err != nil {
		return e.fail(run, step, "transform evaluation failed", err)
	}

	run.AppendResult(models.StepResult{
		StepName: step.Name,
		Kind:     step.Kind,
		Status:   models.StepStatusSuccess,
		Output:   value,
	})
	run.BindVariable(step.OutputVariable, value)

	return nil
}

func (e *StepExecutor) fail(run *models.ExecutionContext, step *models.Step, message string, err error) error {
	run.AppendResult(models.StepResult{
		StepName: step.Name,
		Kind:     step.Kind,
		Status:   models.StepStatusError,
		Error:    message,
	})

	return &StepError{StepIndex: lastIndex(run), Message: message, Err: err}
}

func lastIndex(run *models.ExecutionContext) int {
	return len(run.StepResults) - 1
}
