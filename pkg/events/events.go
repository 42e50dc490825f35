// Package events defines the lifecycle events the engine emits after each
// run state transition. Hosts subscribe through the event bus and fan out
// to whatever transport they serve (websocket, SSE, polling caches).
package events

import (
	"time"

	"github.com/promptforge/chainforge/pkg/models"
)

type EventType string

// Topic is the event bus topic for execution lifecycle events.
const Topic = "chainforge.executions"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	ExecutionStartedEvent       EventType = "execution.started"
	ExecutionStepCompletedEvent EventType = "execution.step.completed"
	ExecutionCompletedEvent     EventType = "execution.completed"
	ExecutionFailedEvent        EventType = "execution.failed"
	ExecutionCancelledEvent     EventType = "execution.cancelled"
)

type BaseEvent struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	RunID       string    `json:"run_id"`
	ChainID     string    `json:"chain_id"`
	WorkspaceID string    `json:"workspace_id"`
}

type ExecutionStarted struct {
	BaseEvent

	ActorID string `json:"actor_id"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

type ExecutionStepCompleted struct {
	BaseEvent

	Result models.StepResult `json:"result"`
}

func (e ExecutionStepCompleted) GetType() EventType {
	return ExecutionStepCompletedEvent
}

type ExecutionCompleted struct {
	BaseEvent

	Duration   time.Duration `json:"duration"`
	StepCount  int           `json:"step_count"`
	TokensUsed int           `json:"tokens_used"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

type ExecutionFailed struct {
	BaseEvent

	Error      string        `json:"error"`
	FailedStep int           `json:"failed_step"`
	Duration   time.Duration `json:"duration"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

type ExecutionCancelled struct {
	BaseEvent

	Duration time.Duration `json:"duration"`
}

func (e ExecutionCancelled) GetType() EventType {
	return ExecutionCancelledEvent
}
