// Package coordinator places tasks on a bounded pool of agents. It keeps the
// dependency graph acyclic, dispatches queued work in priority order as
// slots free up, reserves context budget for each agent and records
// outcomes for the predictor.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/syntonia/internal/bus"
	"github.com/mtzanidakis/syntonia/internal/config"
	"github.com/mtzanidakis/syntonia/internal/contextmgr"
	"github.com/mtzanidakis/syntonia/internal/memory"
	"github.com/mtzanidakis/syntonia/internal/natsbus"
	"github.com/mtzanidakis/syntonia/internal/store"
)

const (
	// Sender is the bus identity of the coordinator.
	Sender = "coordinator"
	// NamespaceCoordination mirrors task and agent state in the shared store.
	NamespaceCoordination = "coordination"
)

// Publisher receives coordinator events.
type Publisher interface {
	Publish(topic string, data []byte) error
}

// Ledger persists task records.
type Ledger interface {
	SaveTask(ctx context.Context, t *store.TaskRecord) error
}

type Coordinator struct {
	mu  sync.Mutex
	cfg config.CoordinatorConfig

	registry  *Registry
	predictor Predictor
	contexts  *contextmgr.Manager
	bus       *bus.Bus
	memory    *memory.Store
	ledger    Ledger
	events    Publisher
	now       func() time.Time

	tasks  map[string]*Task
	queue  taskQueue
	agents *agentTracker
}

type Option func(*Coordinator)

func WithPredictor(p Predictor) Option { return func(c *Coordinator) { c.predictor = p } }

func WithMemory(s *memory.Store) Option { return func(c *Coordinator) { c.memory = s } }

func WithLedger(l Ledger) Option { return func(c *Coordinator) { c.ledger = l } }

func WithEvents(p Publisher) Option { return func(c *Coordinator) { c.events = p } }

func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

func New(cfg config.CoordinatorConfig, registry *Registry, contexts *contextmgr.Manager, msgs *bus.Bus, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		registry:  registry,
		predictor: uniform{},
		contexts:  contexts,
		bus:       msgs,
		now:       time.Now,
		tasks:     make(map[string]*Task),
		agents:    newAgentTracker(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type submitOptions struct {
	urgent bool
}

type SubmitOption func(*submitOptions)

// Urgent makes Submit dispatch immediately or fail with ErrAgentUnavailable
// instead of queueing. An urgent task whose dependencies are not all
// completed is rejected with ErrInvalidTask.
func Urgent() SubmitOption { return func(o *submitOptions) { o.urgent = true } }

// Submit validates and enqueues one task, dispatching it at once when its
// dependencies are complete and a pool slot is free. It returns the task id.
func (c *Coordinator) Submit(ctx context.Context, task Task, opts ...SubmitOption) (string, error) {
	var o submitOptions
	for _, fn := range opts {
		fn(&o)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prepared, err := c.prepareLocked([]Task{task})
	if err != nil {
		return "", err
	}
	t := prepared[0]

	if o.urgent {
		if !c.dependenciesDoneLocked(t) {
			return "", invalid("urgent task %s has dependencies pending", t.ID)
		}
		c.tasks[t.ID] = t
		if !c.dispatchLocked(ctx, t) {
			delete(c.tasks, t.ID)
			return "", fmt.Errorf("task %s: %w", t.ID, ErrAgentUnavailable)
		}
		return t.ID, nil
	}

	c.enqueueLocked(ctx, t)
	c.scanLocked(ctx)
	return t.ID, nil
}

// SubmitBatch validates tasks as a unit, so they may depend on each other.
// Nothing is enqueued if any task is rejected.
func (c *Coordinator) SubmitBatch(ctx context.Context, tasks []Task) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prepared, err := c.prepareLocked(tasks)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(prepared))
	for i, t := range prepared {
		c.enqueueLocked(ctx, t)
		ids[i] = t.ID
	}
	c.scanLocked(ctx)
	return ids, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTask, fmt.Sprintf(format, args...))
}

// prepareLocked validates tasks against each other and the known tasks and
// returns the copies to store.
func (c *Coordinator) prepareLocked(tasks []Task) ([]*Task, error) {
	if len(tasks) == 0 {
		return nil, invalid("no tasks")
	}

	now := c.now()
	batch := make(map[string]*Task, len(tasks))
	prepared := make([]*Task, 0, len(tasks))
	for _, in := range tasks {
		t := in.clone()
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		if _, dup := c.tasks[t.ID]; dup {
			return nil, invalid("task %s already exists", t.ID)
		}
		if _, dup := batch[t.ID]; dup {
			return nil, invalid("task %s appears twice", t.ID)
		}
		if err := c.validate(&t); err != nil {
			return nil, err
		}

		t.Dependencies = dedupe(t.Dependencies)
		t.Status = TaskQueued
		t.AgentID, t.AgentType, t.LastError = "", "", ""
		t.Attempts = 0
		t.CreatedAt, t.UpdatedAt = now, now
		t.DispatchedAt = time.Time{}
		batch[t.ID] = &t
		prepared = append(prepared, &t)
	}

	graph := make(map[string][]string, len(batch))
	for _, t := range prepared {
		for _, d := range t.Dependencies {
			if _, ok := batch[d]; ok {
				continue
			}
			if _, ok := c.tasks[d]; !ok {
				return nil, invalid("task %s depends on unknown task %s", t.ID, d)
			}
		}
		graph[t.ID] = t.Dependencies
	}
	// Existing tasks cannot depend on new ids, so a cycle can only run
	// through the batch itself.
	if _, err := checkAcyclic(graph); err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	return prepared, nil
}

func (c *Coordinator) validate(t *Task) error {
	if t.Category == "" {
		return invalid("task %s has no category", t.ID)
	}
	if t.Priority < PriorityLow || t.Priority > PriorityCritical {
		return invalid("task %s has priority %d out of range", t.ID, int(t.Priority))
	}
	if t.Complexity < 0 {
		return invalid("task %s has negative complexity", t.ID)
	}
	if t.EstimatedDuration < 0 {
		return invalid("task %s has negative estimated duration", t.ID)
	}
	if t.ContextUnits < 0 {
		return invalid("task %s has negative context units", t.ID)
	}

	capable := c.registry.Capable(t.Category)
	if len(capable) == 0 {
		return invalid("no agent type can handle category %q", t.Category)
	}
	fits := false
	for _, at := range capable {
		if t.ContextUnits <= at.MaxItem {
			fits = true
			break
		}
	}
	if !fits {
		return invalid("task %s needs %d context units, more than any capable agent type admits", t.ID, t.ContextUnits)
	}
	return nil
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func (c *Coordinator) enqueueLocked(ctx context.Context, t *Task) {
	c.tasks[t.ID] = t
	c.queue.Enqueue(t)
	slog.Info("task queued", "task", t.ID, "category", t.Category, "priority", t.Priority, "dependencies", len(t.Dependencies))
	c.recordTaskLocked(ctx, t, "task_queued")
}

func (c *Coordinator) dependenciesDoneLocked(t *Task) bool {
	for _, d := range t.Dependencies {
		if dep, ok := c.tasks[d]; !ok || dep.Status != TaskCompleted {
			return false
		}
	}
	return true
}

func (c *Coordinator) dependencyFailedLocked(t *Task) string {
	for _, d := range t.Dependencies {
		if dep, ok := c.tasks[d]; ok && dep.Status == TaskFailed {
			return d
		}
	}
	return ""
}

// scanLocked fails queued tasks whose dependencies failed, then dispatches
// every eligible task in priority order while slots are available.
func (c *Coordinator) scanLocked(ctx context.Context) {
	for changed := true; changed; {
		changed = false
		for _, t := range c.queue.Ordered() {
			if dep := c.dependencyFailedLocked(t); dep != "" {
				c.queue.Remove(t.ID)
				c.failLocked(ctx, t, fmt.Sprintf("dependency %s failed", dep))
				changed = true
			}
		}
	}

	for _, t := range c.queue.Ordered() {
		if !c.dependenciesDoneLocked(t) {
			continue
		}
		if c.dispatchLocked(ctx, t) {
			c.queue.Remove(t.ID)
		}
	}
}

// rankLocked orders the capable agent types by predicted score, then name.
func (c *Coordinator) rankLocked(ctx context.Context, t *Task) []AgentType {
	type scored struct {
		at    AgentType
		score float64
	}
	var candidates []scored
	for _, at := range c.registry.Capable(t.Category) {
		if t.ContextUnits > at.MaxItem {
			continue
		}
		p, err := c.predictor.Predict(ctx, t.clone(), at)
		if err != nil {
			slog.Warn("prediction failed", "task", t.ID, "agent_type", at.Name, "error", err)
		}
		candidates = append(candidates, scored{at: at, score: p.Score})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].at.Name < candidates[j].at.Name
	})
	out := make([]AgentType, len(candidates))
	for i, s := range candidates {
		out[i] = s.at
	}
	return out
}

// dispatchLocked places t on an agent of its top-ranked type: an idle agent
// of that type, a new agent when the pool has room, or a new agent in place
// of the longest-idle agent of another type. It reports whether t was
// dispatched.
func (c *Coordinator) dispatchLocked(ctx context.Context, t *Task) bool {
	ranked := c.rankLocked(ctx, t)
	if len(ranked) == 0 {
		return false
	}
	at := ranked[0]

	var agent *Agent
	if idle := c.agents.Idle(at.Name); len(idle) > 0 {
		agent = idle[0]
	} else {
		if c.agents.Live() >= c.cfg.PoolSize {
			idle := c.agents.Idle("")
			if len(idle) == 0 {
				return false
			}
			c.terminateLocked(ctx, idle[0], "reclaimed for "+at.Name)
		}
		var err error
		agent, err = c.spawnLocked(ctx, at)
		if err != nil {
			slog.Error("spawn agent failed", "agent_type", at.Name, "error", err)
			return false
		}
	}

	item := contextmgr.Item{
		ID:      taskItemID(t.ID),
		Type:    "task",
		Tier:    contextmgr.TierHigh,
		Size:    max(t.ContextUnits, 1),
		Content: []byte(t.Description),
	}
	if _, err := c.contexts.AddItem(ctx, agent.ID, item); err != nil {
		slog.Warn("task context rejected", "task", t.ID, "agent", agent.ID, "error", err)
		c.setAgentStatusLocked(ctx, agent, AgentIdle)
		return false
	}

	now := c.now()
	t.Status = TaskDispatched
	t.AgentID = agent.ID
	t.AgentType = at.Name
	t.Attempts++
	t.DispatchedAt = now
	t.UpdatedAt = now
	agent.TaskID = t.ID
	c.setAgentStatusLocked(ctx, agent, AgentActive)

	slog.Info("task dispatched", "task", t.ID, "agent", agent.ID, "agent_type", at.Name, "attempt", t.Attempts)
	c.recordTaskLocked(ctx, t, "task_dispatched")
	c.assign(t, agent)
	return true
}

func taskItemID(taskID string) string { return "task/" + taskID }

type assignment struct {
	Type string `json:"type"`
	Task Task   `json:"task"`
}

func (c *Coordinator) assign(t *Task, agent *Agent) {
	if c.bus == nil {
		return
	}
	payload, err := json.Marshal(assignment{Type: "task_assigned", Task: t.clone()})
	if err != nil {
		return
	}
	if _, err := c.bus.SendDirect(Sender, agent.ID, payload, bus.SendOptions{Priority: t.Priority}); err != nil {
		slog.Warn("assignment not delivered", "task", t.ID, "agent", agent.ID, "error", err)
	}
}

func (c *Coordinator) spawnLocked(ctx context.Context, at AgentType) (*Agent, error) {
	now := c.now()
	a := &Agent{
		ID:            uuid.New().String(),
		Type:          at.Name,
		Capabilities:  append([]string(nil), at.Capabilities...),
		Status:        AgentSpawned,
		ContextBudget: at.ContextBudget,
		SpawnedAt:     now,
		LastActive:    now,
	}
	if err := c.contexts.Reserve(ctx, a.ID, at.ContextBudget); err != nil {
		return nil, fmt.Errorf("reserve context: %w", err)
	}
	if c.bus != nil {
		c.bus.Register(a.ID)
	}
	c.agents.Set(a)
	slog.Info("agent spawned", "agent", a.ID, "agent_type", a.Type, "budget", a.ContextBudget)
	c.recordAgentLocked(ctx, a, "agent_spawned")
	return a, nil
}

func (c *Coordinator) setAgentStatusLocked(ctx context.Context, a *Agent, status AgentStatus) {
	a.Status = status
	c.agents.Touch(a.ID, c.now())
	c.recordAgentLocked(ctx, a, "agent_"+string(status))
}

// RecordOutcome completes or fails a dispatched task, feeds the predictor and
// frees the agent for the next queued task.
func (c *Coordinator) RecordOutcome(ctx context.Context, taskID string, outcome Outcome, metrics Metrics) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, ErrUnknownTask)
	}
	if t.Status != TaskDispatched {
		return fmt.Errorf("task %s is %s: %w", taskID, t.Status, ErrTaskNotDispatched)
	}

	if err := c.predictor.Learn(ctx, t.clone(), outcome, metrics); err != nil {
		slog.Warn("predictor learn failed", "task", taskID, "error", err)
	}

	agent := c.agents.Get(t.AgentID)
	if outcome.Success {
		t.Status = TaskCompleted
		t.LastError = ""
		t.UpdatedAt = c.now()
		slog.Info("task completed", "task", taskID, "agent", t.AgentID, "duration", metrics.Duration)
		c.recordTaskLocked(ctx, t, "task_completed")
	} else {
		reason := outcome.Error
		if reason == "" {
			reason = "task reported failure"
		}
		c.failLocked(ctx, t, reason)
	}

	if agent != nil && agent.live() {
		agent.TaskID = ""
		if err := c.contexts.RemoveItem(ctx, agent.ID, taskItemID(taskID)); err != nil && !errors.Is(err, contextmgr.ErrItemNotFound) {
			slog.Warn("release task context failed", "task", taskID, "agent", agent.ID, "error", err)
		}
		c.setAgentStatusLocked(ctx, agent, AgentIdle)
	}

	c.scanLocked(ctx)
	return nil
}

func (c *Coordinator) failLocked(ctx context.Context, t *Task, reason string) {
	t.Status = TaskFailed
	t.LastError = reason
	t.UpdatedAt = c.now()
	slog.Warn("task failed", "task", t.ID, "reason", reason)
	c.recordTaskLocked(ctx, t, "task_failed")
}

// Terminate stops an agent. In-flight messages to it fail, and a task it was
// running is requeued when retryable attempts remain, or failed otherwise.
func (c *Coordinator) Terminate(ctx context.Context, agentID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	a := c.agents.Get(agentID)
	if a == nil {
		return fmt.Errorf("agent %s: %w", agentID, ErrUnknownAgent)
	}
	if !a.live() {
		return nil
	}
	c.terminateLocked(ctx, a, reason)
	c.scanLocked(ctx)
	return nil
}

func (c *Coordinator) terminateLocked(ctx context.Context, a *Agent, reason string) {
	if reason == "" {
		reason = "terminated"
	}
	taskID := a.TaskID
	a.TaskID = ""
	c.setAgentStatusLocked(ctx, a, AgentTerminated)
	if c.bus != nil {
		c.bus.Unregister(a.ID, "recipient terminated: "+reason)
	}
	c.contexts.Release(ctx, a.ID)
	slog.Info("agent terminated", "agent", a.ID, "agent_type", a.Type, "reason", reason)

	t, ok := c.tasks[taskID]
	if !ok || t.Status != TaskDispatched {
		return
	}
	if t.Retryable && t.Attempts < c.cfg.MaxAttempts {
		t.Status = TaskQueued
		t.AgentID, t.AgentType = "", ""
		t.LastError = "agent terminated: " + reason
		t.UpdatedAt = c.now()
		c.queue.Enqueue(t)
		slog.Info("task requeued", "task", t.ID, "attempts", t.Attempts)
		c.recordTaskLocked(ctx, t, "task_requeued")
		return
	}
	c.failLocked(ctx, t, "agent terminated: "+reason)
}

// ReapIdle terminates agents idle for longer than the idle timeout and
// returns how many were stopped.
func (c *Coordinator) ReapIdle(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.IdleTimeout <= 0 {
		return 0
	}
	idle := c.agents.ListIdle(c.cfg.IdleTimeout, c.now())
	for _, a := range idle {
		c.terminateLocked(ctx, a, "idle timeout")
	}
	if len(idle) > 0 {
		c.scanLocked(ctx)
	}
	return len(idle)
}

// Reload applies a new configuration. Agent types are replaced, and a larger
// pool admits queued tasks right away. Running agents are not touched.
func (c *Coordinator) Reload(ctx context.Context, cfg *config.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg.Coordinator
	c.registry.Load(cfg)
	slog.Info("coordinator reloaded", "pool_size", c.cfg.PoolSize, "agent_types", len(cfg.AgentTypes))
	c.scanLocked(ctx)
}

type Status struct {
	PoolSize             int                         `json:"pool_size"`
	ActiveAgents         int                         `json:"active_agents"`
	IdleAgents           int                         `json:"idle_agents"`
	LiveAgents           int                         `json:"live_agents"`
	QueueDepth           int                         `json:"queue_depth"`
	DispatchedTasks      int                         `json:"dispatched_tasks"`
	CompletedTasks       int                         `json:"completed_tasks"`
	FailedTasks          int                         `json:"failed_tasks"`
	PerAgentContextUsage map[string]contextmgr.Usage `json:"per_agent_context_usage"`
}

func (c *Coordinator) GetStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		PoolSize:             c.cfg.PoolSize,
		ActiveAgents:         c.agents.Count(AgentActive),
		IdleAgents:           c.agents.Count(AgentIdle),
		LiveAgents:           c.agents.Live(),
		QueueDepth:           c.queue.Len(),
		PerAgentContextUsage: c.contexts.Usage(),
	}
	for _, t := range c.tasks {
		switch t.Status {
		case TaskDispatched:
			st.DispatchedTasks++
		case TaskCompleted:
			st.CompletedTasks++
		case TaskFailed:
			st.FailedTasks++
		}
	}
	return st
}

func (c *Coordinator) Task(id string) (Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// Tasks returns every known task, oldest first.
func (c *Coordinator) Tasks() []Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (c *Coordinator) Agent(id string) (Agent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.agents.Get(id)
	if a == nil {
		return Agent{}, false
	}
	cp := *a
	cp.Capabilities = append([]string(nil), a.Capabilities...)
	return cp, true
}

func (c *Coordinator) Agents() []Agent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agents.List()
}

func (c *Coordinator) AgentTypes() []AgentType {
	return c.registry.List()
}

func (c *Coordinator) recordTaskLocked(ctx context.Context, t *Task, event string) {
	snapshot := t.clone()
	if c.memory != nil {
		if err := c.memory.SetJSON(ctx, NamespaceCoordination, "task/"+t.ID, snapshot, memory.WithTimestamp(t.UpdatedAt)); err != nil {
			slog.Warn("task state not persisted", "task", t.ID, "error", err)
		}
	}
	if c.ledger != nil {
		rec := &store.TaskRecord{
			ID:        t.ID,
			Category:  t.Category,
			Priority:  int(t.Priority),
			Status:    string(t.Status),
			AgentID:   t.AgentID,
			AgentType: t.AgentType,
			Attempts:  t.Attempts,
			LastError: t.LastError,
		}
		if err := c.ledger.SaveTask(ctx, rec); err != nil {
			slog.Error("task ledger write failed", "task", t.ID, "error", err)
		}
	}
	c.publishEvent(natsbus.TopicEventsTask(t.ID), event, map[string]any{"task": snapshot})
}

func (c *Coordinator) recordAgentLocked(ctx context.Context, a *Agent, event string) {
	snapshot := *a
	if c.memory != nil {
		if err := c.memory.SetJSON(ctx, NamespaceCoordination, "agent/"+a.ID, snapshot, memory.WithTimestamp(c.now())); err != nil {
			slog.Warn("agent state not persisted", "agent", a.ID, "error", err)
		}
	}
	c.publishEvent(natsbus.TopicEventsAgent(a.ID), event, map[string]any{"agent": snapshot})
}

func (c *Coordinator) publishEvent(topic, eventType string, data map[string]any) {
	if c.events == nil {
		return
	}
	event := map[string]any{
		"type":      eventType,
		"timestamp": c.now().UTC().Format(time.RFC3339),
		"data":      data,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = c.events.Publish(topic, payload)
}
