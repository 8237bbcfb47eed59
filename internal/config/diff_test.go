package config

import (
	"testing"
	"time"
)

func TestDiff_NoChanges(t *testing.T) {
	cfg := defaults()
	d := Diff(&cfg, &cfg)
	if d.HasChanges() {
		t.Error("expected no changes")
	}
	if len(d.NonReloadable) != 0 {
		t.Errorf("expected no non-reloadable changes, got %v", d.NonReloadable)
	}
}

func TestDiff_AgentTypes(t *testing.T) {
	old := &Config{
		AgentTypes: map[string]AgentTypeConfig{
			"coder":  {Capabilities: []string{"coding"}},
			"writer": {Capabilities: []string{"docs"}},
		},
	}
	new := &Config{
		AgentTypes: map[string]AgentTypeConfig{
			"coder":    {Capabilities: []string{"coding", "review"}},
			"analyst":  {Capabilities: []string{"analysis"}},
			"reviewer": {Capabilities: []string{"review"}},
		},
	}
	d := Diff(old, new)
	if len(d.AgentTypesAdded) != 2 || d.AgentTypesAdded[0] != "analyst" || d.AgentTypesAdded[1] != "reviewer" {
		t.Errorf("expected [analyst reviewer] added, got %v", d.AgentTypesAdded)
	}
	if len(d.AgentTypesRemoved) != 1 || d.AgentTypesRemoved[0] != "writer" {
		t.Errorf("expected writer removed, got %v", d.AgentTypesRemoved)
	}
	if len(d.AgentTypesChanged) != 1 || d.AgentTypesChanged[0] != "coder" {
		t.Errorf("expected coder changed, got %v", d.AgentTypesChanged)
	}
	if !d.HasChanges() {
		t.Error("expected changes")
	}
}

func TestDiff_PoolSizeAndMaintenance(t *testing.T) {
	old := defaults()
	new := defaults()
	new.Coordinator.PoolSize = 8
	new.Maintenance.PollInterval = time.Minute

	d := Diff(&old, &new)
	if !d.PoolSizeChanged || d.NewPoolSize != 8 {
		t.Errorf("expected pool size change to 8, got %v/%d", d.PoolSizeChanged, d.NewPoolSize)
	}
	if !d.MaintenanceChanged || d.NewMaintenance.PollInterval != time.Minute {
		t.Error("expected maintenance change")
	}
}

func TestDiff_NonReloadable(t *testing.T) {
	old := defaults()
	new := defaults()
	new.Web.Port = 9999
	new.Store.Path = "/elsewhere.db"
	new.Context.CriticalRatio = 0.9

	d := Diff(&old, &new)
	if d.HasChanges() {
		t.Error("non-reloadable changes should not count as reloadable")
	}
	want := map[string]bool{"web.port": true, "store.path": true, "context": true}
	if len(d.NonReloadable) != len(want) {
		t.Fatalf("expected %d non-reloadable fields, got %v", len(want), d.NonReloadable)
	}
	for _, f := range d.NonReloadable {
		if !want[f] {
			t.Errorf("unexpected non-reloadable field %q", f)
		}
	}
}
