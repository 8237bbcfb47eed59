// Package predictor provides the default success predictor: a smoothed
// success rate per (task category, agent type), learned from recorded
// outcomes.
package predictor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mtzanidakis/syntonia/internal/coordinator"
	"github.com/mtzanidakis/syntonia/internal/store"
)

// OutcomeStore persists outcomes so that history survives restarts.
type OutcomeStore interface {
	SaveOutcome(ctx context.Context, o store.Outcome) error
	OutcomeStats(ctx context.Context) ([]store.OutcomeStat, error)
}

type key struct {
	category  string
	agentType string
}

type counts struct {
	successes int
	total     int
}

type History struct {
	mu    sync.RWMutex
	stats map[key]*counts
	store OutcomeStore
}

var _ coordinator.Predictor = (*History)(nil)

// New returns a History seeded from s. s may be nil for an in-memory only
// predictor.
func New(ctx context.Context, s OutcomeStore) (*History, error) {
	h := &History{stats: make(map[key]*counts), store: s}
	if s == nil {
		return h, nil
	}
	rows, err := s.OutcomeStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("load outcome history: %w", err)
	}
	for _, r := range rows {
		h.stats[key{r.Category, r.AgentType}] = &counts{successes: r.Successes, total: r.Total}
	}
	slog.Info("predictor history loaded", "pairs", len(rows))
	return h, nil
}

// Predict returns the Laplace-smoothed success rate of agentType on the
// task's category. Unseen pairs score 0.5.
func (h *History) Predict(_ context.Context, task coordinator.Task, agentType coordinator.AgentType) (coordinator.Prediction, error) {
	h.mu.RLock()
	c := h.stats[key{task.Category, agentType.Name}]
	var s, n int
	if c != nil {
		s, n = c.successes, c.total
	}
	h.mu.RUnlock()

	return coordinator.Prediction{
		Score:     float64(s+1) / float64(n+2),
		Rationale: fmt.Sprintf("%d/%d successes for %s on %s", s, n, task.Category, agentType.Name),
	}, nil
}

// Learn records one outcome for the task's category and the agent type it
// ran on.
func (h *History) Learn(ctx context.Context, task coordinator.Task, outcome coordinator.Outcome, metrics coordinator.Metrics) error {
	if task.AgentType == "" {
		return fmt.Errorf("learn %s: task has no agent type", task.ID)
	}

	k := key{task.Category, task.AgentType}
	h.mu.Lock()
	c := h.stats[k]
	if c == nil {
		c = &counts{}
		h.stats[k] = c
	}
	c.total++
	if outcome.Success {
		c.successes++
	}
	h.mu.Unlock()

	if h.store == nil {
		return nil
	}
	err := h.store.SaveOutcome(ctx, store.Outcome{
		TaskID:    task.ID,
		Category:  task.Category,
		AgentType: task.AgentType,
		Success:   outcome.Success,
		Duration:  metrics.Duration,
	})
	if err != nil {
		return fmt.Errorf("learn %s: %w", task.ID, err)
	}
	return nil
}
