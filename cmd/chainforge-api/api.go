// Package main provides the ChainForge API server implementation.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	cli "github.com/urfave/cli/v3"

	"github.com/promptforge/chainforge/pkg/chains"
	"github.com/promptforge/chainforge/pkg/cmd"
	"github.com/promptforge/chainforge/pkg/credentials"
	"github.com/promptforge/chainforge/pkg/engine"
	"github.com/promptforge/chainforge/pkg/executor"
	"github.com/promptforge/chainforge/pkg/persistence"
	"github.com/promptforge/chainforge/pkg/web"
	"github.com/promptforge/chainforge/pkg/workspace"
)

type API struct {
	logger   *slog.Logger
	runs     persistence.RunRepository
	catalog  *chains.Catalog
	engine   *engine.Engine
	validate *validator.Validate
}

func NewAPI(ctx context.Context, logger *slog.Logger, command *cli.Command) (*API, func(context.Context), error) {
	validate := validator.New(validator.WithRequiredStructEnabled())

	runs, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize run store: %w", err)
	}

	eventBus, err := cmd.NewEventBus(command.String("event-bus"), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize event bus: %w", err)
	}

	catalog, err := chains.LoadDirectory(command.String("chains-dir"), validate)
	if err != nil {
		return nil, nil, err
	}

	resolver, err := newCredentialResolver(command.String("encryption-key"), logger)
	if err != nil {
		return nil, nil, err
	}

	authorizer, err := newAuthorizer(command.String("memberships-file"))
	if err != nil {
		return nil, nil, err
	}

	executionEngine := engine.New(
		runs,
		authorizer,
		eventBus,
		cmd.NewGateways(),
		resolver,
		executor.DefaultConfig(),
		logger,
	)

	cleanup := func(ctx context.Context) {
		if err := eventBus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}

		if err := runs.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close run store", "error", err)
		}
	}

	return &API{
		logger:   logger,
		runs:     runs,
		catalog:  catalog,
		engine:   executionEngine,
		validate: validate,
	}, cleanup, nil
}

// newCredentialResolver builds the credential chain. Without an encryption
// key the key store stays empty and every run executes in demo mode against
// the mock gateway.
func newCredentialResolver(encryptionKey string, logger *slog.Logger) (*credentials.Resolver, error) {
	store := credentials.NewMemoryKeyStore()

	if encryptionKey == "" {
		noop := noopDecrypter{}

		return credentials.NewResolver(store, noop, logger), nil
	}

	cipher, err := credentials.NewAESGCM([]byte(encryptionKey))
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}

	return credentials.NewResolver(store, cipher, logger), nil
}

type noopDecrypter struct{}

func (noopDecrypter) Decrypt(string) (string, error) {
	return "", fmt.Errorf("no encryption key configured")
}

// newAuthorizer reads a workspace membership table, a JSON object mapping
// workspace IDs to actor ID lists. Without one, every actor is allowed;
// membership then belongs to whatever sits in front of this service.
func newAuthorizer(path string) (workspace.Authorizer, error) {
	if path == "" {
		return workspace.AllowAll{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read memberships file: %w", err)
	}

	var memberships map[string][]string
	if err := json.Unmarshal(data, &memberships); err != nil {
		return nil, fmt.Errorf("failed to parse memberships file: %w", err)
	}

	authorizer := workspace.NewStaticAuthorizer()

	for workspaceID, actors := range memberships {
		for _, actor := range actors {
			authorizer.Grant(workspaceID, actor)
		}
	}

	return authorizer, nil
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.engine, a.catalog, a.runs, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("ChainForge API")
	})

	c := app.Group("/chains")
	c.Post("/:id/executions", handlers.StartExecution)
	c.Get("/:id/executions", handlers.ListExecutions)

	e := app.Group("/executions")
	e.Get("/:id", handlers.GetExecution)
	e.Post("/:id/cancel", handlers.CancelExecution)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}
