package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/syntonia/internal/bus"
	"github.com/mtzanidakis/syntonia/internal/config"
	"github.com/mtzanidakis/syntonia/internal/contextmgr"
	"github.com/mtzanidakis/syntonia/internal/memory"
	"github.com/mtzanidakis/syntonia/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	coord    *Coordinator
	bus      *bus.Bus
	contexts *contextmgr.Manager
	memory   *memory.Store
	clock    *clock
}

func testConfig(poolSize int) *config.Config {
	return &config.Config{
		Coordinator: config.CoordinatorConfig{PoolSize: poolSize, MaxAttempts: 2, IdleTimeout: time.Minute},
		AgentTypes: map[string]config.AgentTypeConfig{
			"generalist": {Capabilities: []string{"general", "research"}},
			"coder":      {Capabilities: []string{"coding", "review"}, ContextBudget: 200},
		},
		Context: config.ContextConfig{DefaultBudget: 100, WarningRatio: 0.8, CriticalRatio: 0.95, CompressionLevel: 1},
	}
}

func newHarness(t *testing.T, cfg *config.Config, opts ...Option) *harness {
	t.Helper()
	c := &clock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	mem, err := memory.Open(context.Background(), nil)
	require.NoError(t, err)
	b := bus.New(config.BusConfig{Retention: time.Minute})
	cm, err := contextmgr.New(cfg.Context, contextmgr.WithBus(b), contextmgr.WithStore(mem))
	require.NoError(t, err)
	t.Cleanup(cm.Close)

	opts = append([]Option{WithClock(c.Now), WithMemory(mem)}, opts...)
	return &harness{
		coord:    New(cfg.Coordinator, NewRegistry(cfg), cm, b, opts...),
		bus:      b,
		contexts: cm,
		memory:   mem,
		clock:    c,
	}
}

func (h *harness) submit(t *testing.T, task Task) string {
	t.Helper()
	id, err := h.coord.Submit(context.Background(), task)
	require.NoError(t, err)
	return id
}

func (h *harness) status(t *testing.T, id string) TaskStatus {
	t.Helper()
	task, ok := h.coord.Task(id)
	require.True(t, ok, "task %s", id)
	return task.Status
}

func (h *harness) complete(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, h.coord.RecordOutcome(context.Background(), id, Outcome{Success: true}, Metrics{Duration: time.Second}))
}

func countStatus(tasks []Task, status TaskStatus) int {
	n := 0
	for _, t := range tasks {
		if t.Status == status {
			n++
		}
	}
	return n
}

func TestPoolBoundsDispatch(t *testing.T) {
	h := newHarness(t, testConfig(3))

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, h.submit(t, Task{ID: fmt.Sprintf("t%d", i), Category: "research"}))
	}

	tasks := h.coord.Tasks()
	assert.Equal(t, 3, countStatus(tasks, TaskDispatched))
	assert.Equal(t, 2, countStatus(tasks, TaskQueued))
	st := h.coord.GetStatus()
	assert.Equal(t, 3, st.ActiveAgents)
	assert.Equal(t, 2, st.QueueDepth)
	assert.Len(t, st.PerAgentContextUsage, 3)

	h.complete(t, ids[0])

	tasks = h.coord.Tasks()
	assert.Equal(t, 3, countStatus(tasks, TaskDispatched))
	assert.Equal(t, 1, countStatus(tasks, TaskQueued))
	assert.Equal(t, 1, countStatus(tasks, TaskCompleted))
	assert.Equal(t, TaskDispatched, h.status(t, "t3"), "FIFO among equal priority")
	assert.LessOrEqual(t, h.coord.GetStatus().ActiveAgents, 3)
}

func TestQueuePriorityOrder(t *testing.T) {
	h := newHarness(t, testConfig(1))
	h.submit(t, Task{ID: "running", Category: "research"})
	h.submit(t, Task{ID: "low", Category: "research", Priority: PriorityLow})
	h.submit(t, Task{ID: "normal", Category: "research"})
	h.submit(t, Task{ID: "critical", Category: "research", Priority: PriorityCritical})

	h.complete(t, "running")
	assert.Equal(t, TaskDispatched, h.status(t, "critical"))
	h.complete(t, "critical")
	assert.Equal(t, TaskDispatched, h.status(t, "normal"))
	assert.Equal(t, TaskQueued, h.status(t, "low"))
}

func TestDependencyGatesDispatch(t *testing.T) {
	h := newHarness(t, testConfig(3))
	h.submit(t, Task{ID: "A", Category: "research"})
	h.submit(t, Task{ID: "B", Category: "research", Dependencies: []string{"A"}})

	assert.Equal(t, TaskDispatched, h.status(t, "A"))
	assert.Equal(t, TaskQueued, h.status(t, "B"), "free slots do not bypass dependencies")

	h.complete(t, "A")
	assert.Equal(t, TaskDispatched, h.status(t, "B"))

	for _, task := range h.coord.Tasks() {
		if task.Status != TaskDispatched {
			continue
		}
		for _, dep := range task.Dependencies {
			assert.Equal(t, TaskCompleted, h.status(t, dep))
		}
	}
}

func TestFailedDependencyFailsDependents(t *testing.T) {
	h := newHarness(t, testConfig(2))
	h.submit(t, Task{ID: "A", Category: "research"})
	h.submit(t, Task{ID: "B", Category: "research", Dependencies: []string{"A"}})
	h.submit(t, Task{ID: "C", Category: "research", Dependencies: []string{"B"}})

	require.NoError(t, h.coord.RecordOutcome(context.Background(), "A", Outcome{Error: "boom"}, Metrics{}))
	assert.Equal(t, TaskFailed, h.status(t, "A"))
	assert.Equal(t, TaskFailed, h.status(t, "B"))
	assert.Equal(t, TaskFailed, h.status(t, "C"))
	task, _ := h.coord.Task("C")
	assert.Contains(t, task.LastError, "dependency B failed")
}

func TestCycleRejectedWithPath(t *testing.T) {
	h := newHarness(t, testConfig(2))

	_, err := h.coord.SubmitBatch(context.Background(), []Task{
		{ID: "a", Category: "research", Dependencies: []string{"c"}},
		{ID: "b", Category: "research", Dependencies: []string{"a"}},
		{ID: "c", Category: "research", Dependencies: []string{"b"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCyclicDependency)
	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"a", "c", "b", "a"}, ce.Path)
	assert.Empty(t, h.coord.Tasks(), "nothing from a rejected batch is kept")

	_, err = h.coord.Submit(context.Background(), Task{ID: "self", Category: "research", Dependencies: []string{"self"}})
	assert.ErrorIs(t, err, ErrCyclicDependency)
}

func TestBatchWithInternalDependencies(t *testing.T) {
	h := newHarness(t, testConfig(2))
	ids, err := h.coord.SubmitBatch(context.Background(), []Task{
		{ID: "fetch", Category: "research"},
		{ID: "summarise", Category: "research", Dependencies: []string{"fetch"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch", "summarise"}, ids)
	assert.Equal(t, TaskQueued, h.status(t, "summarise"))
}

func TestInvalidTasks(t *testing.T) {
	h := newHarness(t, testConfig(2))
	h.submit(t, Task{ID: "exists", Category: "research"})

	cases := map[string]Task{
		"no category":        {Category: ""},
		"unknown category":   {Category: "cooking"},
		"unknown dependency": {Category: "research", Dependencies: []string{"ghost"}},
		"duplicate id":       {ID: "exists", Category: "research"},
		"negative units":     {Category: "research", ContextUnits: -1},
		"units over budget":  {Category: "research", ContextUnits: 96},
		"bad priority":       {Category: "research", Priority: Priority(9)},
		"negative duration":  {Category: "research", EstimatedDuration: -time.Second},
	}
	for name, task := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.coord.Submit(context.Background(), task)
			assert.ErrorIs(t, err, ErrInvalidTask)
		})
	}

	// The coder type has a larger budget, so 150 units are admissible for
	// coding but not for research.
	_, err := h.coord.Submit(context.Background(), Task{Category: "coding", ContextUnits: 150})
	assert.NoError(t, err)
}

func TestUrgentSubmission(t *testing.T) {
	h := newHarness(t, testConfig(1))
	ctx := context.Background()

	id, err := h.coord.Submit(ctx, Task{Category: "research"}, Urgent())
	require.NoError(t, err)
	assert.Equal(t, TaskDispatched, h.status(t, id))

	_, err = h.coord.Submit(ctx, Task{ID: "late", Category: "research"}, Urgent())
	assert.ErrorIs(t, err, ErrAgentUnavailable)
	_, known := h.coord.Task("late")
	assert.False(t, known)
}

func TestUrgentSubmissionWithPendingDependencies(t *testing.T) {
	h := newHarness(t, testConfig(2))
	ctx := context.Background()

	h.submit(t, Task{ID: "first", Category: "research"})
	_, err := h.coord.Submit(ctx, Task{ID: "after", Category: "research", Dependencies: []string{"first"}}, Urgent())
	assert.ErrorIs(t, err, ErrInvalidTask)
	assert.NotErrorIs(t, err, ErrAgentUnavailable)
	assert.Contains(t, err.Error(), "dependencies pending")
	_, known := h.coord.Task("after")
	assert.False(t, known)

	h.complete(t, "first")
	id, err := h.coord.Submit(ctx, Task{ID: "after", Category: "research", Dependencies: []string{"first"}}, Urgent())
	require.NoError(t, err)
	assert.Equal(t, TaskDispatched, h.status(t, id))
}

func TestTerminateRequeuesRetryableTask(t *testing.T) {
	h := newHarness(t, testConfig(1))
	ctx := context.Background()

	h.submit(t, Task{ID: "work", Category: "research", Retryable: true})
	h.submit(t, Task{ID: "next", Category: "research"})
	first, _ := h.coord.Task("work")

	require.NoError(t, h.coord.Terminate(ctx, first.AgentID, "crashed"))
	agent, ok := h.coord.Agent(first.AgentID)
	require.True(t, ok)
	assert.Equal(t, AgentTerminated, agent.Status)

	// The requeued task goes behind "next", which takes the freed slot.
	assert.Equal(t, TaskDispatched, h.status(t, "next"))
	assert.Equal(t, TaskQueued, h.status(t, "work"))

	h.complete(t, "next")
	retried, _ := h.coord.Task("work")
	assert.Equal(t, TaskDispatched, retried.Status)
	assert.Equal(t, 2, retried.Attempts)

	// Attempts are exhausted now.
	require.NoError(t, h.coord.Terminate(ctx, retried.AgentID, "crashed again"))
	assert.Equal(t, TaskFailed, h.status(t, "work"))
}

func TestTerminateFailsNonRetryableAndAdmitsNext(t *testing.T) {
	h := newHarness(t, testConfig(1))
	h.submit(t, Task{ID: "work", Category: "research"})
	h.submit(t, Task{ID: "waiting", Category: "research"})
	task, _ := h.coord.Task("work")

	require.NoError(t, h.coord.Terminate(context.Background(), task.AgentID, "operator"))
	assert.Equal(t, TaskFailed, h.status(t, "work"))
	assert.Equal(t, TaskDispatched, h.status(t, "waiting"))

	assert.ErrorIs(t, h.coord.Terminate(context.Background(), "ghost", ""), ErrUnknownAgent)
	assert.NoError(t, h.coord.Terminate(context.Background(), task.AgentID, "again"))
}

func TestTerminateFailsInFlightMessages(t *testing.T) {
	h := newHarness(t, testConfig(1))
	h.submit(t, Task{ID: "work", Category: "research"})
	task, _ := h.coord.Task("work")

	r, err := h.bus.SendDirect("peer", task.AgentID, []byte("ping"), bus.SendOptions{RequiresAck: true})
	require.NoError(t, err)

	require.NoError(t, h.coord.Terminate(context.Background(), task.AgentID, "stop"))
	res, err := r.Wait(context.Background())
	assert.ErrorIs(t, err, bus.ErrDeliveryFailed)
	assert.Equal(t, bus.StatusFailed, res.Status)
}

func TestAssignmentDeliveredOverBus(t *testing.T) {
	h := newHarness(t, testConfig(1))
	h.submit(t, Task{ID: "work", Category: "research", Description: "find sources", Priority: PriorityHigh})
	task, _ := h.coord.Task("work")

	msg, ok, err := h.bus.Receive(task.AgentID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Sender, msg.From)
	assert.Equal(t, bus.PriorityHigh, msg.Priority)

	var a assignment
	require.NoError(t, json.Unmarshal(msg.Payload, &a))
	assert.Equal(t, "task_assigned", a.Type)
	assert.Equal(t, "work", a.Task.ID)

	st, err := h.contexts.State(task.AgentID)
	require.NoError(t, err)
	require.Len(t, st.Items, 1)
	assert.Equal(t, "find sources", string(st.Items[0].Content))
}

func TestIdleAgentReusedAndReclaimed(t *testing.T) {
	h := newHarness(t, testConfig(1))
	h.submit(t, Task{ID: "r1", Category: "research"})
	first, _ := h.coord.Task("r1")
	h.complete(t, "r1")

	agent, _ := h.coord.Agent(first.AgentID)
	assert.Equal(t, AgentIdle, agent.Status)
	st, err := h.contexts.State(first.AgentID)
	require.NoError(t, err)
	assert.Empty(t, st.Items, "task context is released on completion")

	h.submit(t, Task{ID: "r2", Category: "research"})
	second, _ := h.coord.Task("r2")
	assert.Equal(t, first.AgentID, second.AgentID, "idle agent of the same type is reused")
	h.complete(t, "r2")

	// A coding task needs a coder; the idle generalist is reclaimed.
	h.submit(t, Task{ID: "c1", Category: "coding"})
	third, _ := h.coord.Task("c1")
	assert.Equal(t, TaskDispatched, third.Status)
	assert.Equal(t, "coder", third.AgentType)
	old, _ := h.coord.Agent(first.AgentID)
	assert.Equal(t, AgentTerminated, old.Status)
	assert.Equal(t, 1, h.coord.GetStatus().LiveAgents)
}

func TestReapIdle(t *testing.T) {
	h := newHarness(t, testConfig(2))
	h.submit(t, Task{ID: "a", Category: "research"})
	h.submit(t, Task{ID: "b", Category: "research"})
	h.complete(t, "a")

	assert.Equal(t, 0, h.coord.ReapIdle(context.Background()))
	h.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, h.coord.ReapIdle(context.Background()))

	st := h.coord.GetStatus()
	assert.Equal(t, 1, st.ActiveAgents)
	assert.Equal(t, 0, st.IdleAgents)
}

func TestRecordOutcomeErrors(t *testing.T) {
	h := newHarness(t, testConfig(1))
	ctx := context.Background()
	assert.ErrorIs(t, h.coord.RecordOutcome(ctx, "ghost", Outcome{}, Metrics{}), ErrUnknownTask)

	h.submit(t, Task{ID: "a", Category: "research"})
	h.submit(t, Task{ID: "b", Category: "research"})
	assert.ErrorIs(t, h.coord.RecordOutcome(ctx, "b", Outcome{}, Metrics{}), ErrTaskNotDispatched)
	h.complete(t, "a")
	assert.ErrorIs(t, h.coord.RecordOutcome(ctx, "a", Outcome{}, Metrics{}), ErrTaskNotDispatched)
}

type recordingPredictor struct {
	mu      sync.Mutex
	learned []string
	scores  map[string]float64
}

func (p *recordingPredictor) Predict(_ context.Context, _ Task, at AgentType) (Prediction, error) {
	if s, ok := p.scores[at.Name]; ok {
		return Prediction{Score: s}, nil
	}
	return Prediction{}, errors.New("no score")
}

func (p *recordingPredictor) Learn(_ context.Context, task Task, outcome Outcome, _ Metrics) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.learned = append(p.learned, fmt.Sprintf("%s:%s:%t", task.ID, task.AgentType, outcome.Success))
	return nil
}

func TestPredictorRankingAndLearning(t *testing.T) {
	cfg := testConfig(2)
	cfg.AgentTypes["reviewer"] = config.AgentTypeConfig{Capabilities: []string{"review"}}
	p := &recordingPredictor{scores: map[string]float64{"coder": 0.2, "reviewer": 0.9}}
	h := newHarness(t, cfg, WithPredictor(p))

	h.submit(t, Task{ID: "pr", Category: "review"})
	task, _ := h.coord.Task("pr")
	assert.Equal(t, "reviewer", task.AgentType)

	h.complete(t, "pr")
	assert.Equal(t, []string{"pr:reviewer:true"}, p.learned)
}

type memLedger struct {
	mu      sync.Mutex
	records map[string]store.TaskRecord
}

func (l *memLedger) SaveTask(_ context.Context, t *store.TaskRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[t.ID] = *t
	return nil
}

type fakeEvents struct {
	mu     sync.Mutex
	topics []string
}

func (f *fakeEvents) Publish(topic string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	return nil
}

func TestStateMirroredToStoreLedgerAndEvents(t *testing.T) {
	ledger := &memLedger{records: make(map[string]store.TaskRecord)}
	events := &fakeEvents{}
	h := newHarness(t, testConfig(1), WithLedger(ledger), WithEvents(events))

	h.submit(t, Task{ID: "a", Category: "research"})
	h.complete(t, "a")

	var mirrored Task
	ok, err := h.memory.GetJSON(NamespaceCoordination, "task/a", &mirrored)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TaskCompleted, mirrored.Status)

	var agent Agent
	ok, err = h.memory.GetJSON(NamespaceCoordination, "agent/"+mirrored.AgentID, &agent)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, AgentIdle, agent.Status)

	assert.Equal(t, "completed", ledger.records["a"].Status)
	assert.Equal(t, 1, ledger.records["a"].Attempts)
	assert.Contains(t, events.topics, "events.task.a")
	assert.Contains(t, events.topics, "events.agent."+mirrored.AgentID)
}

func TestReloadGrowsPool(t *testing.T) {
	cfg := testConfig(1)
	h := newHarness(t, cfg)
	h.submit(t, Task{ID: "a", Category: "research"})
	h.submit(t, Task{ID: "b", Category: "research"})
	assert.Equal(t, TaskQueued, h.status(t, "b"))

	bigger := testConfig(2)
	h.coord.Reload(context.Background(), bigger)
	assert.Equal(t, TaskDispatched, h.status(t, "b"))
}

func TestConcurrentSubmitRespectsPool(t *testing.T) {
	h := newHarness(t, testConfig(3))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := h.coord.Submit(ctx, Task{Category: "research", Priority: Priority(i % 4)})
			assert.NoError(t, err)
			_ = id
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 3, h.coord.GetStatus().ActiveAgents)

	for {
		var dispatched []string
		for _, task := range h.coord.Tasks() {
			if task.Status == TaskDispatched {
				dispatched = append(dispatched, task.ID)
			}
		}
		if len(dispatched) == 0 {
			break
		}
		var done sync.WaitGroup
		for _, id := range dispatched {
			done.Add(1)
			go func(id string) {
				defer done.Done()
				assert.NoError(t, h.coord.RecordOutcome(ctx, id, Outcome{Success: true}, Metrics{}))
			}(id)
		}
		done.Wait()
		assert.LessOrEqual(t, h.coord.GetStatus().ActiveAgents, 3)
	}
	assert.Equal(t, 20, countStatus(h.coord.Tasks(), TaskCompleted))
}
