package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mtzanidakis/syntonia/internal/bus"
)

var (
	ErrInvalidTask       = errors.New("invalid task")
	ErrCyclicDependency  = errors.New("cyclic dependency")
	ErrAgentUnavailable  = errors.New("agent unavailable")
	ErrUnknownTask       = errors.New("unknown task")
	ErrUnknownAgent      = errors.New("unknown agent")
	ErrTaskNotDispatched = errors.New("task not dispatched")
)

// CycleError names the dependency cycle that caused a rejection. Path starts
// and ends with the same task id.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cyclic dependency: %s", strings.Join(e.Path, " -> "))
}

func (e *CycleError) Is(target error) bool { return target == ErrCyclicDependency }

// Priority orders the task queue, highest first.
type Priority = bus.Priority

const (
	PriorityLow      = bus.PriorityLow
	PriorityNormal   = bus.PriorityNormal
	PriorityHigh     = bus.PriorityHigh
	PriorityCritical = bus.PriorityCritical
)

type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskDispatched TaskStatus = "dispatched"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

type AgentStatus string

const (
	AgentSpawned    AgentStatus = "spawned"
	AgentActive     AgentStatus = "active"
	AgentIdle       AgentStatus = "idle"
	AgentTerminated AgentStatus = "terminated"
)

type Task struct {
	ID                string        `json:"id"`
	Category          string        `json:"category"`
	Description       string        `json:"description,omitempty"`
	Complexity        float64       `json:"complexity"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	Priority          Priority      `json:"priority"`
	Dependencies      []string      `json:"dependencies,omitempty"`
	ContextUnits      int           `json:"context_units"`
	Retryable         bool          `json:"retryable"`

	Status       TaskStatus `json:"status"`
	AgentID      string     `json:"agent_id,omitempty"`
	AgentType    string     `json:"agent_type,omitempty"`
	Attempts     int        `json:"attempts"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DispatchedAt time.Time  `json:"dispatched_at,omitzero"`
}

func (t *Task) clone() Task {
	c := *t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	return c
}

type Agent struct {
	ID            string      `json:"id"`
	Type          string      `json:"type"`
	Capabilities  []string    `json:"capabilities"`
	Status        AgentStatus `json:"status"`
	TaskID        string      `json:"task_id,omitempty"`
	ContextBudget int         `json:"context_budget"`
	SpawnedAt     time.Time   `json:"spawned_at"`
	LastActive    time.Time   `json:"last_active"`
}

func (a *Agent) live() bool { return a.Status != AgentTerminated }

// Outcome is what the agent reports for a dispatched task.
type Outcome struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type Metrics struct {
	Duration time.Duration      `json:"duration"`
	Values   map[string]float64 `json:"values,omitempty"`
}

// Prediction scores how well an agent type fits a task.
type Prediction struct {
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale,omitempty"`
}

// Predictor ranks agent types for a task and learns from outcomes.
type Predictor interface {
	Predict(ctx context.Context, task Task, agentType AgentType) (Prediction, error)
	Learn(ctx context.Context, task Task, outcome Outcome, metrics Metrics) error
}

// uniform scores every candidate the same, leaving the name as tie-break.
type uniform struct{}

func (uniform) Predict(context.Context, Task, AgentType) (Prediction, error) {
	return Prediction{Score: 0.5, Rationale: "no predictor configured"}, nil
}

func (uniform) Learn(context.Context, Task, Outcome, Metrics) error { return nil }
