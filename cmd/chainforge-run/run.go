package main

import (
	"context"
	"crypto/rand"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	cli "github.com/urfave/cli/v3"
	"github.com/xeipuuv/gojsonschema"

	"github.com/promptforge/chainforge/pkg/cmd"
	"github.com/promptforge/chainforge/pkg/credentials"
	"github.com/promptforge/chainforge/pkg/engine"
	"github.com/promptforge/chainforge/pkg/executor"
	"github.com/promptforge/chainforge/pkg/models"
	"github.com/promptforge/chainforge/pkg/workspace"
)

//go:embed chain_schema.json
var chainSchema []byte

// Environment variables holding live provider keys. Present keys are sealed
// into the in-memory store; absent providers fall back to the mock gateway.
var providerKeyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"googleai":  "GOOGLE_AI_API_KEY",
}

func runChain(ctx context.Context, logger *slog.Logger, command *cli.Command) error {
	chain, err := loadChain(command.String("chain"))
	if err != nil {
		return err
	}

	var initialVars map[string]any
	if err := json.Unmarshal([]byte(command.String("variables")), &initialVars); err != nil {
		return fmt.Errorf("invalid --variables JSON: %w", err)
	}

	runs, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return fmt.Errorf("failed to initialize run store: %w", err)
	}

	defer func() {
		if err := runs.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "failed to close run store", "error", err)
		}
	}()

	eventBus, err := cmd.NewEventBus("gochannel", logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.ErrorContext(ctx, "failed to close event bus", "error", err)
		}
	}()

	resolver, err := newLocalResolver(chain.WorkspaceID, logger)
	if err != nil {
		return err
	}

	executionEngine := engine.New(
		runs,
		workspace.AllowAll{},
		eventBus,
		cmd.NewGateways(),
		resolver,
		executor.DefaultConfig(),
		logger,
	)

	run, err := executionEngine.Execute(ctx, chain, initialVars, command.String("actor"))
	if err != nil {
		return err
	}

	if command.Bool("json") {
		return printJSON(run)
	}

	printTrace(run)

	if run.Status != models.ExecutionStatusCompleted {
		return fmt.Errorf("run %s %s: %s", run.ID, run.Status, run.Error)
	}

	return nil
}

// loadChain validates the file against the embedded JSON Schema before
// decoding, so authoring mistakes are reported with schema paths instead of
// Go unmarshalling errors.
func loadChain(path string) (*models.ChainDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain file: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(chainSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to validate chain file: %w", err)
	}

	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}

		return nil, fmt.Errorf("invalid chain file:\n  %s", strings.Join(problems, "\n  "))
	}

	var chain models.ChainDefinition
	if err := json.Unmarshal(data, &chain); err != nil {
		return nil, fmt.Errorf("failed to parse chain file: %w", err)
	}

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(&chain); err != nil {
		return nil, fmt.Errorf("invalid chain: %w", err)
	}

	if err := chain.Validate(); err != nil {
		return nil, err
	}

	return &chain, nil
}

// newLocalResolver seals any provider keys found in the environment with an
// ephemeral AES key. The plaintext never outlives the process.
func newLocalResolver(workspaceID string, logger *slog.Logger) (*credentials.Resolver, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}

	cipher, err := credentials.NewAESGCM(key)
	if err != nil {
		return nil, err
	}

	store := credentials.NewMemoryKeyStore()

	for provider, envName := range providerKeyEnv {
		plaintext := os.Getenv(envName)
		if plaintext == "" {
			continue
		}

		encrypted, err := cipher.Encrypt(plaintext)
		if err != nil {
			return nil, fmt.Errorf("failed to seal %s key: %w", provider, err)
		}

		store.SetWorkspaceKey(workspaceID, provider, encrypted)
	}

	return credentials.NewResolver(store, cipher, logger), nil
}

func printJSON(run *models.ExecutionContext) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return err
	}

	fmt.Println(string(data))

	return nil
}

func printTrace(run *models.ExecutionContext) {
	fmt.Printf("run %s  chain=%s  status=%s\n", run.ID, run.ChainID, run.Status)

	for _, result := range run.StepResults {
		name := result.StepName
		if name == "" {
			name = fmt.Sprintf("step-%d", result.StepIndex)
		}

		switch result.Status {
		case models.StepStatusSkipped:
			fmt.Printf("  [%d] %s (%s) skipped\n", result.StepIndex, name, result.Kind)
		case models.StepStatusError:
			fmt.Printf("  [%d] %s (%s) error: %s\n", result.StepIndex, name, result.Kind, result.Error)
		default:
			fmt.Printf("  [%d] %s (%s) ok", result.StepIndex, name, result.Kind)

			if result.TokensUsed > 0 {
				fmt.Printf("  tokens=%d", result.TokensUsed)
			}

			if result.LatencyMs > 0 {
				fmt.Printf("  latency=%dms", result.LatencyMs)
			}

			if result.CredentialSource != "" {
				fmt.Printf("  source=%s", result.CredentialSource)
			}

			fmt.Println()
		}
	}

	if run.Error != "" {
		fmt.Printf("error: %s\n", run.Error)
	}
}
