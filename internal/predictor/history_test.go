package predictor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mtzanidakis/syntonia/internal/bus"
	"github.com/mtzanidakis/syntonia/internal/config"
	"github.com/mtzanidakis/syntonia/internal/contextmgr"
	"github.com/mtzanidakis/syntonia/internal/coordinator"
	"github.com/mtzanidakis/syntonia/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnseenPairScoresHalf(t *testing.T) {
	h, err := New(context.Background(), nil)
	require.NoError(t, err)

	p, err := h.Predict(context.Background(), coordinator.Task{Category: "coding"}, coordinator.AgentType{Name: "coder"})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, p.Score, 1e-9)
	assert.NotEmpty(t, p.Rationale)
}

func TestLearnShiftsScore(t *testing.T) {
	ctx := context.Background()
	h, err := New(ctx, nil)
	require.NoError(t, err)

	task := coordinator.Task{ID: "t", Category: "coding", AgentType: "coder"}
	for i := 0; i < 3; i++ {
		require.NoError(t, h.Learn(ctx, task, coordinator.Outcome{Success: true}, coordinator.Metrics{}))
	}
	require.NoError(t, h.Learn(ctx, task, coordinator.Outcome{Success: false}, coordinator.Metrics{}))

	coder, _ := h.Predict(ctx, task, coordinator.AgentType{Name: "coder"})
	other, _ := h.Predict(ctx, task, coordinator.AgentType{Name: "generalist"})
	assert.InDelta(t, 4.0/6.0, coder.Score, 1e-9)
	assert.Greater(t, coder.Score, other.Score)

	assert.Error(t, h.Learn(ctx, coordinator.Task{ID: "x", Category: "coding"}, coordinator.Outcome{}, coordinator.Metrics{}))
}

func TestHistorySurvivesRestart(t *testing.T) {
	ctx := context.Background()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	defer s.Close()

	h, err := New(ctx, s)
	require.NoError(t, err)
	task := coordinator.Task{ID: "t1", Category: "review", AgentType: "coder"}
	require.NoError(t, h.Learn(ctx, task, coordinator.Outcome{Success: true}, coordinator.Metrics{Duration: time.Second}))
	require.NoError(t, h.Learn(ctx, task, coordinator.Outcome{Success: true}, coordinator.Metrics{Duration: time.Second}))

	reloaded, err := New(ctx, s)
	require.NoError(t, err)
	p, err := reloaded.Predict(ctx, task, coordinator.AgentType{Name: "coder"})
	require.NoError(t, err)
	assert.InDelta(t, 3.0/4.0, p.Score, 1e-9)
}

func TestPredictorSteersPlacement(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{
		Coordinator: config.CoordinatorConfig{PoolSize: 2, MaxAttempts: 1},
		AgentTypes: map[string]config.AgentTypeConfig{
			"alpha": {Capabilities: []string{"research"}},
			"beta":  {Capabilities: []string{"research"}},
		},
		Context: config.ContextConfig{DefaultBudget: 100, WarningRatio: 0.8, CriticalRatio: 0.95, CompressionLevel: 1},
	}
	h, err := New(ctx, nil)
	require.NoError(t, err)
	// beta has a perfect record, alpha has none.
	for i := 0; i < 3; i++ {
		require.NoError(t, h.Learn(ctx, coordinator.Task{ID: "old", Category: "research", AgentType: "beta"},
			coordinator.Outcome{Success: true}, coordinator.Metrics{}))
	}

	coord := newCoordinator(t, cfg, coordinator.WithPredictor(h))
	id, err := coord.Submit(ctx, coordinator.Task{Category: "research"})
	require.NoError(t, err)
	task, ok := coord.Task(id)
	require.True(t, ok)
	assert.Equal(t, "beta", task.AgentType)
}

func newCoordinator(t *testing.T, cfg *config.Config, opts ...coordinator.Option) *coordinator.Coordinator {
	t.Helper()
	cm, err := contextmgr.New(cfg.Context)
	require.NoError(t, err)
	t.Cleanup(cm.Close)
	return coordinator.New(cfg.Coordinator, coordinator.NewRegistry(cfg), cm, bus.New(config.BusConfig{}), opts...)
}
