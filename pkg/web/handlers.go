package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/promptforge/chainforge/pkg/chains"
	"github.com/promptforge/chainforge/pkg/engine"
	"github.com/promptforge/chainforge/pkg/persistence"
)

type APIHandlers struct {
	engine    *engine.Engine
	catalog   chains.Source
	runs      persistence.RunRepository
	validator *validator.Validate
}

func NewAPIHandlers(
	executionEngine *engine.Engine,
	catalog chains.Source,
	runs persistence.RunRepository,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		engine:    executionEngine,
		catalog:   catalog,
		runs:      runs,
		validator: validator,
	}
}

func actorID(c fiber.Ctx) string {
	return c.Get(ActorHeader)
}

// StartExecution starts a run of the chain and returns its record while the
// steps continue in the background. Poll GetExecution for progress.
func (h *APIHandlers) StartExecution(c fiber.Ctx) error {
	chainID := c.Params("id")
	if chainID == "" {
		return badRequest(c, "Chain ID is required")
	}

	actor := actorID(c)
	if actor == "" {
		return badRequest(c, ActorHeader+" header is required")
	}

	var req StartExecutionRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}

		if err := h.validator.Struct(req); err != nil {
			return badRequest(c, err.Error())
		}
	}

	chain, err := h.catalog.ChainByID(c.Context(), chainID)
	if err != nil {
		return handleEngineError(c, err)
	}

	run, err := h.engine.Start(c.Context(), chain, req.Variables, actor)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(run)
}

// GetExecution returns a run record with its full step trace.
func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	runID := c.Params("id")
	if runID == "" {
		return badRequest(c, "Execution ID is required")
	}

	actor := actorID(c)
	if actor == "" {
		return badRequest(c, ActorHeader+" header is required")
	}

	run, err := h.engine.Run(c.Context(), runID, actor)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(run)
}

// CancelExecution requests cooperative cancellation of a running run.
func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	runID := c.Params("id")
	if runID == "" {
		return badRequest(c, "Execution ID is required")
	}

	actor := actorID(c)
	if actor == "" {
		return badRequest(c, ActorHeader+" header is required")
	}

	if err := h.engine.Cancel(c.Context(), runID, actor); err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(CancelResponse{
		RunID:  runID,
		Status: "cancellation_requested",
	})
}

// ListExecutions returns a chain's run history, most recent first.
func (h *APIHandlers) ListExecutions(c fiber.Ctx) error {
	chainID := c.Params("id")
	if chainID == "" {
		return badRequest(c, "Chain ID is required")
	}

	actor := actorID(c)
	if actor == "" {
		return badRequest(c, ActorHeader+" header is required")
	}

	limit := 0

	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 0 {
			return badRequest(c, "Invalid limit parameter")
		}

		limit = parsed
	}

	runs, err := h.engine.RunsByChain(c.Context(), chainID, actor, limit)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(ExecutionListResponse{
		Executions: runs,
		Count:      len(runs),
	})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	httpStatus := http.StatusOK

	repositoryCheck := "ok"
	if err := h.runs.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError
		repositoryCheck = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}
