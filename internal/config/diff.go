package config

import (
	"reflect"
	"sort"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	AgentTypesAdded   []string
	AgentTypesRemoved []string
	AgentTypesChanged []string

	PoolSizeChanged bool
	NewPoolSize     int

	IdleTimeoutChanged bool

	MaintenanceChanged bool
	NewMaintenance     MaintenanceConfig

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return len(d.AgentTypesAdded) > 0 ||
		len(d.AgentTypesRemoved) > 0 ||
		len(d.AgentTypesChanged) > 0 ||
		d.PoolSizeChanged ||
		d.IdleTimeoutChanged ||
		d.MaintenanceChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	for name := range new.AgentTypes {
		if _, ok := old.AgentTypes[name]; !ok {
			d.AgentTypesAdded = append(d.AgentTypesAdded, name)
		}
	}
	for name := range old.AgentTypes {
		if _, ok := new.AgentTypes[name]; !ok {
			d.AgentTypesRemoved = append(d.AgentTypesRemoved, name)
		}
	}
	for name, newDef := range new.AgentTypes {
		if oldDef, ok := old.AgentTypes[name]; ok {
			if !reflect.DeepEqual(oldDef, newDef) {
				d.AgentTypesChanged = append(d.AgentTypesChanged, name)
			}
		}
	}
	sort.Strings(d.AgentTypesAdded)
	sort.Strings(d.AgentTypesRemoved)
	sort.Strings(d.AgentTypesChanged)

	if old.Coordinator.PoolSize != new.Coordinator.PoolSize {
		d.PoolSizeChanged = true
		d.NewPoolSize = new.Coordinator.PoolSize
	}
	if old.Coordinator.IdleTimeout != new.Coordinator.IdleTimeout {
		d.IdleTimeoutChanged = true
	}

	if !reflect.DeepEqual(old.Maintenance, new.Maintenance) {
		d.MaintenanceChanged = true
		d.NewMaintenance = new.Maintenance
	}

	if !reflect.DeepEqual(old.Context, new.Context) {
		d.NonReloadable = append(d.NonReloadable, "context")
	}
	if old.Memory != new.Memory {
		d.NonReloadable = append(d.NonReloadable, "memory")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if old.Web.Port != new.Web.Port {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.NATS != new.NATS {
		d.NonReloadable = append(d.NonReloadable, "nats")
	}

	return d
}
