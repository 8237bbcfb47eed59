package coordinator

import (
	"math"
	"slices"
	"sort"
	"sync"

	"github.com/mtzanidakis/syntonia/internal/config"
)

// AgentType is one kind of agent the coordinator may spawn. A type can run a
// task when the task's category is in its capability set.
type AgentType struct {
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	Capabilities  []string `json:"capabilities"`
	ContextBudget int      `json:"context_budget"`
	// MaxItem is the largest context item the type can ever admit.
	MaxItem int `json:"max_item"`
}

func (t AgentType) Matches(category string) bool {
	return slices.Contains(t.Capabilities, category)
}

// Registry holds the configured agent types.
type Registry struct {
	mu    sync.RWMutex
	types map[string]AgentType
}

func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{}
	r.Load(cfg)
	return r
}

// Load replaces the registered types with those in cfg.
func (r *Registry) Load(cfg *config.Config) {
	types := make(map[string]AgentType, len(cfg.AgentTypes))
	for name, def := range cfg.AgentTypes {
		budget := cfg.BudgetFor(name)
		caps := append([]string(nil), def.Capabilities...)
		sort.Strings(caps)
		types[name] = AgentType{
			Name:          name,
			Description:   def.Description,
			Capabilities:  caps,
			ContextBudget: budget,
			MaxItem:       int(math.Floor(float64(budget) * cfg.Context.CriticalRatio)),
		}
	}

	r.mu.Lock()
	r.types = types
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (AgentType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

func (r *Registry) List() []AgentType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentType, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Capable returns the types whose capabilities include category, by name.
func (r *Registry) Capable(category string) []AgentType {
	var out []AgentType
	for _, t := range r.List() {
		if t.Matches(category) {
			out = append(out, t)
		}
	}
	return out
}
