// Package web provides HTTP request and response types for the execution API.
package web

import "github.com/promptforge/chainforge/pkg/models"

// ActorHeader carries the authenticated actor's identity. Authentication
// itself happens upstream (gateway or management surface); this service
// trusts the header and applies workspace authorization on top.
const ActorHeader = "X-Actor-ID"

// StartExecutionRequest is the body of POST /chains/:id/executions.
type StartExecutionRequest struct {
	Variables map[string]any `json:"variables,omitempty"`
}

// CancelResponse acknowledges a cancellation request. The run stops at its
// next step boundary, so the acknowledged run may still be running.
type CancelResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// ExecutionListResponse wraps a chain's run history.
type ExecutionListResponse struct {
	Executions []*models.ExecutionContext `json:"executions"`
	Count      int                        `json:"count"`
}
