package coordinator

import (
	"sort"
	"sync"
	"time"
)

// agentTracker indexes agents by id. Terminated agents stay visible for
// lookups but no longer count against the pool.
type agentTracker struct {
	agents map[string]*Agent
	mu     sync.RWMutex
}

func newAgentTracker() *agentTracker {
	return &agentTracker{agents: make(map[string]*Agent)}
}

func (t *agentTracker) Set(a *Agent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.agents[a.ID] = a
}

func (t *agentTracker) Get(id string) *Agent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.agents[id]
}

func (t *agentTracker) Touch(id string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.agents[id]; ok {
		a.LastActive = now
	}
}

// Live returns the number of agents that are not terminated.
func (t *agentTracker) Live() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, a := range t.agents {
		if a.live() {
			n++
		}
	}
	return n
}

func (t *agentTracker) Count(status AgentStatus) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, a := range t.agents {
		if a.Status == status {
			n++
		}
	}
	return n
}

// Idle returns idle agents of agentType (any type when empty), longest idle
// first.
func (t *agentTracker) Idle(agentType string) []*Agent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var idle []*Agent
	for _, a := range t.agents {
		if a.Status == AgentIdle && (agentType == "" || a.Type == agentType) {
			idle = append(idle, a)
		}
	}
	sortByLastActive(idle)
	return idle
}

// ListIdle returns agents idle for longer than timeout.
func (t *agentTracker) ListIdle(timeout time.Duration, now time.Time) []*Agent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var idle []*Agent
	for _, a := range t.agents {
		if a.Status == AgentIdle && now.Sub(a.LastActive) > timeout {
			idle = append(idle, a)
		}
	}
	sortByLastActive(idle)
	return idle
}

func (t *agentTracker) List() []Agent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Agent, 0, len(t.agents))
	for _, a := range t.agents {
		c := *a
		c.Capabilities = append([]string(nil), a.Capabilities...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SpawnedAt.Equal(out[j].SpawnedAt) {
			return out[i].SpawnedAt.Before(out[j].SpawnedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func sortByLastActive(agents []*Agent) {
	sort.Slice(agents, func(i, j int) bool {
		if !agents[i].LastActive.Equal(agents[j].LastActive) {
			return agents[i].LastActive.Before(agents[j].LastActive)
		}
		return agents[i].ID < agents[j].ID
	})
}
