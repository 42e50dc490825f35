package web_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptforge/chainforge/pkg/chains"
	"github.com/promptforge/chainforge/pkg/credentials"
	"github.com/promptforge/chainforge/pkg/engine"
	"github.com/promptforge/chainforge/pkg/executor"
	"github.com/promptforge/chainforge/pkg/models"
	"github.com/promptforge/chainforge/pkg/persistence/file"
	"github.com/promptforge/chainforge/pkg/providers"
	"github.com/promptforge/chainforge/pkg/web"
	"github.com/promptforge/chainforge/pkg/workspace"
)

var testEncryptionKey = []byte("0123456789abcdef0123456789abcdef")

func setupTestApp(t *testing.T) *fiber.App {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	runs := file.NewRunRepository(t.TempDir())

	cipher, err := credentials.NewAESGCM(testEncryptionKey)
	require.NoError(t, err)

	resolver := credentials.NewResolver(credentials.NewMemoryKeyStore(), cipher, logger)

	authorizer := workspace.NewStaticAuthorizer()
	authorizer.Grant("ws-1", "actor-1")

	executionEngine := engine.New(
		runs,
		authorizer,
		nil,
		providers.NewRegistry(),
		resolver,
		executor.DefaultConfig(),
		logger,
	)

	catalog := chains.NewCatalog()
	require.NoError(t, catalog.Add(&models.ChainDefinition{
		ID:          "chain-1",
		Name:        "summarize",
		WorkspaceID: "ws-1",
		Inputs:      []string{"topic"},
		Steps: []*models.Step{
			{
				Kind:           models.StepKindPrompt,
				Name:           "summarize",
				Template:       "Summarize {{topic}}",
				Model:          "gpt-4o-mini",
				OutputVariable: "summary",
			},
		},
	}))

	handlers := web.NewAPIHandlers(executionEngine, catalog, runs, validator.New(validator.WithRequiredStructEnabled()))

	app := fiber.New()

	c := app.Group("/chains")
	c.Post("/:id/executions", handlers.StartExecution)
	c.Get("/:id/executions", handlers.ListExecutions)

	e := app.Group("/executions")
	e.Get("/:id", handlers.GetExecution)
	e.Post("/:id/cancel", handlers.CancelExecution)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func doRequest(t *testing.T, app *fiber.App, method, path, actor string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if actor != "" {
		req.Header.Set(web.ActorHeader, actor)
	}

	resp, err := app.Test(req)
	require.NoError(t, err)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	return resp, data
}

func startRun(t *testing.T, app *fiber.App) models.ExecutionContext {
	t.Helper()

	resp, body := doRequest(t, app, http.MethodPost, "/chains/chain-1/executions", "actor-1",
		web.StartExecutionRequest{Variables: map[string]any{"topic": "cats"}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var run models.ExecutionContext
	require.NoError(t, json.Unmarshal(body, &run))

	return run
}

func waitForTerminal(t *testing.T, app *fiber.App, runID string) models.ExecutionContext {
	t.Helper()

	var run models.ExecutionContext

	require.Eventually(t, func() bool {
		resp, body := doRequest(t, app, http.MethodGet, "/executions/"+runID, "actor-1", nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}

		if err := json.Unmarshal(body, &run); err != nil {
			return false
		}

		return run.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)

	return run
}

func TestStartExecution(t *testing.T) {
	app := setupTestApp(t)

	run := startRun(t, app)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, "chain-1", run.ChainID)

	final := waitForTerminal(t, app, run.ID)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	require.Len(t, final.StepResults, 1)
	assert.Equal(t, models.CredentialSourceMock, final.StepResults[0].CredentialSource)
}

func TestStartExecutionUnknownChain(t *testing.T) {
	app := setupTestApp(t)

	resp, body := doRequest(t, app, http.MethodPost, "/chains/nope/executions", "actor-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "chain_not_found")
}

func TestStartExecutionRequiresActor(t *testing.T) {
	app := setupTestApp(t)

	resp, _ := doRequest(t, app, http.MethodPost, "/chains/chain-1/executions", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartExecutionForbiddenActor(t *testing.T) {
	app := setupTestApp(t)

	resp, _ := doRequest(t, app, http.MethodPost, "/chains/chain-1/executions", "stranger", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGetExecutionNotFound(t *testing.T) {
	app := setupTestApp(t)

	resp, body := doRequest(t, app, http.MethodGet, "/executions/missing", "actor-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "execution_not_found")
}

func TestGetExecutionForbidden(t *testing.T) {
	app := setupTestApp(t)
	run := startRun(t, app)

	resp, _ := doRequest(t, app, http.MethodGet, "/executions/"+run.ID, "stranger", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCancelExecutionTerminalRunConflicts(t *testing.T) {
	app := setupTestApp(t)

	run := startRun(t, app)
	waitForTerminal(t, app, run.ID)

	resp, _ := doRequest(t, app, http.MethodPost, "/executions/"+run.ID+"/cancel", "actor-1", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCancelExecutionWrongActor(t *testing.T) {
	app := setupTestApp(t)

	run := startRun(t, app)
	waitForTerminal(t, app, run.ID)

	resp, _ := doRequest(t, app, http.MethodPost, "/executions/"+run.ID+"/cancel", "someone-else", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestListExecutions(t *testing.T) {
	app := setupTestApp(t)

	first := startRun(t, app)
	waitForTerminal(t, app, first.ID)

	second := startRun(t, app)
	waitForTerminal(t, app, second.ID)

	resp, body := doRequest(t, app, http.MethodGet, "/chains/chain-1/executions?limit=1", "actor-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list web.ExecutionListResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 1, list.Count)
	require.Len(t, list.Executions, 1)
}

func TestListExecutionsInvalidLimit(t *testing.T) {
	app := setupTestApp(t)

	resp, _ := doRequest(t, app, http.MethodGet, "/chains/chain-1/executions?limit=abc", "actor-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthCheck(t *testing.T) {
	app := setupTestApp(t)

	resp, body := doRequest(t, app, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "healthy")
}
