package executor_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptforge/chainforge/pkg/credentials"
	"github.com/promptforge/chainforge/pkg/executor"
	"github.com/promptforge/chainforge/pkg/expressions"
	"github.com/promptforge/chainforge/pkg/models"
	"github.com/promptforge/chainforge/pkg/providers"
)

var testEncryptionKey = []byte("0123456789abcdef0123456789abcdef")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// countingKeyStore wraps MemoryKeyStore to observe lookup traffic, which is
// how the per-run credential memoization is asserted.
type countingKeyStore struct {
	*credentials.MemoryKeyStore
	workspaceLookups int
}

func (s *countingKeyStore) WorkspaceKey(ctx context.Context, workspaceID, provider string) (string, error) {
	s.workspaceLookups++

	return s.MemoryKeyStore.WorkspaceKey(ctx, workspaceID, provider)
}

// scriptedGateway returns a scripted sequence of errors before succeeding.
type scriptedGateway struct {
	name     string
	failures []error
	calls    int
	output   string
}

func (g *scriptedGateway) Name() string { return g.name }

func (g *scriptedGateway) Complete(_ context.Context, _ providers.CompletionRequest) (*providers.CompletionResult, error) {
	g.calls++
	if g.calls <= len(g.failures) {
		return nil, g.failures[g.calls-1]
	}

	return &providers.CompletionResult{
		Output:     g.output,
		TokensUsed: 7,
		Source:     models.CredentialSourceWorkspace,
	}, nil
}

type harness struct {
	exec     *executor.StepExecutor
	store    *countingKeyStore
	registry *providers.Registry
	cipher   *credentials.AESGCM
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cipher, err := credentials.NewAESGCM(testEncryptionKey)
	require.NoError(t, err)

	store := &countingKeyStore{MemoryKeyStore: credentials.NewMemoryKeyStore()}
	registry := providers.NewRegistry()
	resolver := credentials.NewResolver(store, cipher, testLogger())

	config := executor.DefaultConfig()
	config.RetryInitialInterval = time.Millisecond

	return &harness{
		exec:     executor.New(registry, resolver, expressions.NewEngine(), testLogger(), config),
		store:    store,
		registry: registry,
		cipher:   cipher,
	}
}

func (h *harness) grantKey(t *testing.T, workspaceID, provider string) {
	t.Helper()

	encrypted, err := h.cipher.Encrypt("sk-live-key")
	require.NoError(t, err)

	h.store.SetWorkspaceKey(workspaceID, provider, encrypted)
}

func newRun() *models.ExecutionContext {
	return &models.ExecutionContext{
		ID:          "run-1",
		ChainID:     "chain-1",
		WorkspaceID: "ws-1",
		ActorID:     "actor-1",
		Status:      models.ExecutionStatusRunning,
		Variables:   map[string]any{"topic": "cats"},
		StartedAt:   time.Now().UTC(),
	}
}

func TestPromptStepFallsBackToMock(t *testing.T) {
	h := newHarness(t)
	run := newRun()

	step := &models.Step{
		Kind:           models.StepKindPrompt,
		Name:           "summarize",
		Template:       "Summarize {{topic}}",
		Model:          "gpt-4o-mini",
		OutputVariable: "summary",
	}

	require.NoError(t, h.exec.Execute(context.Background(), step, run))

	require.Len(t, run.StepResults, 1)
	result := run.StepResults[0]
	assert.Equal(t, models.StepStatusSuccess, result.Status)
	assert.Equal(t, providers.DemoMarker+" Summarize cats", result.Output)
	assert.Equal(t, models.CredentialSourceMock, result.CredentialSource)
	assert.Positive(t, result.TokensUsed)

	assert.Equal(t, providers.DemoMarker+" Summarize cats", run.Variables["summary"])
}

func TestPromptStepUsesLiveGateway(t *testing.T) {
	h := newHarness(t)
	run := newRun()

	gateway := &scriptedGateway{name: "openai", output: "Cats are great."}
	h.registry.Register(gateway)
	h.grantKey(t, run.WorkspaceID, "openai")

	step := &models.Step{
		Kind:           models.StepKindPrompt,
		Name:           "summarize",
		Template:       "Summarize {{topic}}",
		Model:          "gpt-4o-mini",
		OutputVariable: "summary",
	}

	require.NoError(t, h.exec.Execute(context.Background(), step, run))

	require.Len(t, run.StepResults, 1)
	assert.Equal(t, "Cats are great.", run.StepResults[0].Output)
	assert.Equal(t, models.CredentialSourceWorkspace, run.StepResults[0].CredentialSource)
	assert.Equal(t, 7, run.StepResults[0].TokensUsed)
	assert.Equal(t, 1, gateway.calls)
}

func TestCredentialMemoizedWithinRun(t *testing.T) {
	h := newHarness(t)
	run := newRun()

	h.registry.Register(&scriptedGateway{name: "openai", output: "out"})
	h.grantKey(t, run.WorkspaceID, "openai")

	step := func(output string) *models.Step {
		return &models.Step{
			Kind:           models.StepKindPrompt,
			Template:       "Summarize {{topic}}",
			Model:          "gpt-4o-mini",
			OutputVariable: output,
		}
	}

	require.NoError(t, h.exec.Execute(context.Background(), step("a"), run))
	require.NoError(t, h.exec.Execute(context.Background(), step("b"), run))

	assert.Equal(t, 1, h.store.workspaceLookups)
}

func TestRequireLiveKeyFailsWithoutCredential(t *testing.T) {
	h := newHarness(t)
	run := newRun()

	step := &models.Step{
		Kind:           models.StepKindPrompt,
		Name:           "strict",
		Template:       "Summarize {{topic}}",
		Model:          "gpt-4o-mini",
		OutputVariable: "summary",
		RequireLiveKey: true,
	}

	err := h.exec.Execute(context.Background(), step, run)
	require.Error(t, err)

	var stepErr *executor.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 0, stepErr.StepIndex)
	assert.ErrorIs(t, err, credentials.ErrCredentialRequired)

	require.Len(t, run.StepResults, 1)
	assert.Equal(t, models.StepStatusError, run.StepResults[0].Status)
	assert.NotContains(t, run.StepResults[0].Error, "sk-")
}

func TestTransientProviderErrorRetried(t *testing.T) {
	h := newHarness(t)
	run := newRun()

	rateLimited := &providers.ProviderError{
		Provider: "openai",
		Kind:     providers.ErrorKindRateLimited,
		Message:  "status 429",
	}

	gateway := &scriptedGateway{
		name:     "openai",
		failures: []error{rateLimited, rateLimited},
		output:   "eventually",
	}
	h.registry.Register(gateway)
	h.grantKey(t, run.WorkspaceID, "openai")

	step := &models.Step{
		Kind:           models.StepKindPrompt,
		Template:       "Summarize {{topic}}",
		Model:          "gpt-4o-mini",
		OutputVariable: "summary",
	}

	require.NoError(t, h.exec.Execute(context.Background(), step, run))

	assert.Equal(t, 3, gateway.calls)
	assert.Equal(t, "eventually", run.Variables["summary"])
}

func TestAuthErrorNotRetried(t *testing.T) {
	h := newHarness(t)
	run := newRun()

	authErr := &providers.ProviderError{
		Provider: "openai",
		Kind:     providers.ErrorKindAuth,
		Message:  "status 401",
	}

	gateway := &scriptedGateway{
		name:     "openai",
		failures: []error{authErr, authErr, authErr},
	}
	h.registry.Register(gateway)
	h.grantKey(t, run.WorkspaceID, "openai")

	step := &models.Step{
		Kind:           models.StepKindPrompt,
		Template:       "Summarize {{topic}}",
		Model:          "gpt-4o-mini",
		OutputVariable: "summary",
	}

	err := h.exec.Execute(context.Background(), step, run)
	require.Error(t, err)
	assert.Equal(t, 1, gateway.calls)

	require.Len(t, run.StepResults, 1)
	assert.Equal(t, models.StepStatusError, run.StepResults[0].Status)
	assert.NotEmpty(t, run.StepResults[0].Error)
}

func TestRetriesExhaustedFailsStep(t *testing.T) {
	h := newHarness(t)
	run := newRun()

	unavailable := &providers.ProviderError{
		Provider: "openai",
		Kind:     providers.ErrorKindUnavailable,
		Message:  "status 503",
	}

	gateway := &scriptedGateway{
		name:     "openai",
		failures: []error{unavailable, unavailable, unavailable, unavailable},
	}
	h.registry.Register(gateway)
	h.grantKey(t, run.WorkspaceID, "openai")

	step := &models.Step{
		Kind:           models.StepKindPrompt,
		Template:       "Summarize {{topic}}",
		Model:          "gpt-4o-mini",
		OutputVariable: "summary",
	}

	err := h.exec.Execute(context.Background(), step, run)
	require.Error(t, err)

	// Initial attempt plus the configured two retries.
	assert.Equal(t, 3, gateway.calls)
}

func TestConditionRunsTakenBranchAndRecordsSkipped(t *testing.T) {
	h := newHarness(t)
	run := newRun()

	step := &models.Step{
		Kind:       models.StepKindCondition,
		Name:       "branch",
		Expression: `topic == "dogs"`,
		Then: []*models.Step{
			{Kind: models.StepKindPrompt, Name: "dogs", Template: "Dogs", Model: "m", OutputVariable: "out"},
		},
		Else: []*models.Step{
			{Kind: models.StepKindTransform, Name: "upper", Expression: "uppercase(topic)", OutputVariable: "loud"},
		},
	}

	require.NoError(t, h.exec.Execute(context.Background(), step, run))

	require.Len(t, run.StepResults, 3)

	assert.Equal(t, models.StepKindCondition, run.StepResults[0].Kind)
	assert.Equal(t, false, run.StepResults[0].Output)

	assert.Equal(t, "dogs", run.StepResults[1].StepName)
	assert.Equal(t, models.StepStatusSkipped, run.StepResults[1].Status)

	assert.Equal(t, "upper", run.StepResults[2].StepName)
	assert.Equal(t, models.StepStatusSuccess, run.StepResults[2].Status)
	assert.Equal(t, "CATS", run.Variables["loud"])
}

func TestConditionSkipsNestedBranchesRecursively(t *testing.T) {
	h := newHarness(t)
	run := newRun()

	step := &models.Step{
		Kind:       models.StepKindCondition,
		Expression: "false",
		Then: []*models.Step{
			{
				Kind:       models.StepKindCondition,
				Name:       "inner",
				Expression: "true",
				Then:       []*models.Step{{Kind: models.StepKindTransform, Name: "t1", Expression: "1", OutputVariable: "x"}},
				Else:       []*models.Step{{Kind: models.StepKindTransform, Name: "t2", Expression: "2", OutputVariable: "y"}},
			},
		},
		Else: []*models.Step{
			{Kind: models.StepKindTransform, Name: "kept", Expression: "3", OutputVariable: "z"},
		},
	}

	require.NoError(t, h.exec.Execute(context.Background(), step, run))

	var skipped []string
	for _, result := range run.StepResults {
		if result.Status == models.StepStatusSkipped {
			skipped = append(skipped, result.StepName)
		}
	}

	assert.Equal(t, []string{"inner", "t1", "t2"}, skipped)
	assert.NotContains(t, run.Variables, "x")
	assert.NotContains(t, run.Variables, "y")
}

func TestConditionEvaluationErrorFailsStep(t *testing.T) {
	h := newHarness(t)
	run := newRun()

	step := &models.Step{
		Kind:       models.StepKindCondition,
		Name:       "bad",
		Expression: "topic + ",
		Then:       []*models.Step{{Kind: models.StepKindTransform, Expression: "1", OutputVariable: "x"}},
	}

	err := h.exec.Execute(context.Background(), step, run)
	require.Error(t, err)

	require.Len(t, run.StepResults, 1)
	assert.Equal(t, models.StepStatusError, run.StepResults[0].Status)
}

func TestTransformBindsResult(t *testing.T) {
	h := newHarness(t)
	run := newRun()

	step := &models.Step{
		Kind:           models.StepKindTransform,
		Name:           "shout",
		Expression:     `uppercase(topic) + "!"`,
		OutputVariable: "shouted",
	}

	require.NoError(t, h.exec.Execute(context.Background(), step, run))

	assert.Equal(t, "CATS!", run.Variables["shouted"])
	require.Len(t, run.StepResults, 1)
	assert.Equal(t, models.StepStatusSuccess, run.StepResults[0].Status)
}

func TestTransformOverwritesExistingBinding(t *testing.T) {
	h := newHarness(t)
	run := newRun()

	step := &models.Step{
		Kind:           models.StepKindTransform,
		Expression:     `"replaced"`,
		OutputVariable: "topic",
	}

	require.NoError(t, h.exec.Execute(context.Background(), step, run))

	assert.Equal(t, "replaced", run.Variables["topic"])
}
