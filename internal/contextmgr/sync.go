package contextmgr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"

	"github.com/google/uuid"
	"github.com/mtzanidakis/syntonia/internal/bus"
	"github.com/mtzanidakis/syntonia/internal/memory"
)

// Sender is the bus identity used for notifications the manager sends on
// its own behalf.
const Sender = "contextmgr"

type SyncResult struct {
	SyncedTo []string          `json:"synced_to"`
	Failed   map[string]string `json:"failed,omitempty"`
}

type sharedRecord struct {
	Item     Item     `json:"item"`
	From     string   `json:"from"`
	SyncedTo []string `json:"synced_to"`
}

type syncNotice struct {
	Type   string `json:"type"`
	ItemID string `json:"item_id"`
	From   string `json:"from"`
}

// SyncShared copies it into every target context through AddItem. Each
// target applies its own overflow rules, so partial synchronisation is
// normal and reported per agent.
func (m *Manager) SyncShared(ctx context.Context, from string, to []string, it Item) (SyncResult, error) {
	if it.ID == "" {
		it.ID = uuid.New().String()
	}
	if it.UpdatedAt.IsZero() {
		it.UpdatedAt = m.now()
	}

	res := SyncResult{Failed: make(map[string]string)}
	for _, target := range to {
		if _, err := m.AddItem(ctx, target, it); err != nil {
			res.Failed[target] = err.Error()
			continue
		}
		res.SyncedTo = append(res.SyncedTo, target)
	}

	m.recordShared(ctx, from, it, res.SyncedTo)
	m.notify(from, it.ID, res.SyncedTo)

	if len(res.Failed) > 0 {
		slog.Warn("partial context sync", "item", it.ID, "from", from, "synced", len(res.SyncedTo), "failed", len(res.Failed))
	}
	return res, nil
}

func (m *Manager) recordShared(ctx context.Context, from string, it Item, syncedTo []string) {
	if m.store == nil {
		return
	}
	data, err := json.Marshal(sharedRecord{Item: it, From: from, SyncedTo: syncedTo})
	if err != nil {
		return
	}
	if _, err := m.store.Write(ctx, NamespaceShared, it.ID, data, memory.WithTimestamp(it.UpdatedAt)); err != nil {
		slog.Warn("shared item not persisted", "item", it.ID, "error", err)
	}
}

func (m *Manager) notify(from, itemID string, targets []string) {
	if m.bus == nil || len(targets) == 0 {
		return
	}
	payload, err := json.Marshal(syncNotice{Type: "context_sync", ItemID: itemID, From: from})
	if err != nil {
		return
	}
	res := m.bus.Broadcast(from, targets, payload, bus.SendOptions{Priority: bus.PriorityNormal})
	if len(res.Failed) > 0 {
		slog.Debug("sync notice not delivered", "item", itemID, "recipients", res.Failed)
	}
}

// SharedItem returns the last synchronised version of a shared item.
func (m *Manager) SharedItem(itemID string) (Item, bool, error) {
	if m.store == nil {
		return Item{}, false, nil
	}
	var rec sharedRecord
	ok, err := m.store.GetJSON(NamespaceShared, itemID, &rec)
	if err != nil || !ok {
		return Item{}, false, err
	}
	return rec.Item, true, nil
}

// Version is one agent's copy of a shared item.
type Version struct {
	AgentID string `json:"agent_id"`
	Item    Item   `json:"item"`
}

// Strategy merges divergent versions of one shared item.
type Strategy interface {
	Resolve(versions []Version) (Item, error)
}

type StrategyFunc func(versions []Version) (Item, error)

func (f StrategyFunc) Resolve(versions []Version) (Item, error) { return f(versions) }

var (
	// LastWriteWins takes every field from the newest version that carries
	// it. Content comes from the newest version; metadata keys missing from
	// newer versions keep their older values.
	LastWriteWins Strategy = StrategyFunc(lastWriteWins)
	// HighestPriority keeps the version with the highest tier, falling back
	// to last-write-wins among equal tiers.
	HighestPriority Strategy = StrategyFunc(highestPriority)
)

func byUpdate(versions []Version) []Version {
	sorted := append([]Version(nil), versions...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Item.UpdatedAt.Before(sorted[j].Item.UpdatedAt)
	})
	return sorted
}

var errNoVersions = fmt.Errorf("no versions to merge: %w", ErrConflictUnresolved)

func lastWriteWins(versions []Version) (Item, error) {
	if len(versions) == 0 {
		return Item{}, errNoVersions
	}
	sorted := byUpdate(versions)
	if err := checkTies(sorted); err != nil {
		return Item{}, err
	}

	merged := sorted[0].Item.clone()
	for _, v := range sorted[1:] {
		it := v.Item
		merged.Content = append([]byte(nil), it.Content...)
		merged.Size = it.Size
		merged.Tier = it.Tier
		if it.Type != "" {
			merged.Type = it.Type
		}
		if len(it.Metadata) > 0 {
			if merged.Metadata == nil {
				merged.Metadata = make(map[string]string, len(it.Metadata))
			}
			maps.Copy(merged.Metadata, it.Metadata)
		}
		merged.UpdatedAt = it.UpdatedAt
	}
	return merged, nil
}

// checkTies fails when versions sharing the newest timestamp disagree on
// content or on any metadata key they both carry. sorted must be ordered by
// UpdatedAt.
func checkTies(sorted []Version) error {
	newest := sorted[len(sorted)-1].Item.UpdatedAt
	var first *Version
	meta := make(map[string]Version)
	for i := len(sorted) - 1; i >= 0 && sorted[i].Item.UpdatedAt.Equal(newest); i-- {
		v := sorted[i]
		if first == nil {
			first = &sorted[i]
		} else if !bytes.Equal(first.Item.Content, v.Item.Content) {
			return fmt.Errorf("%s and %s wrote %s at the same instant: %w",
				first.AgentID, v.AgentID, v.Item.ID, ErrConflictUnresolved)
		}
		for k, val := range v.Item.Metadata {
			prev, ok := meta[k]
			if !ok {
				meta[k] = v
				continue
			}
			if prev.Item.Metadata[k] != val {
				return fmt.Errorf("%s and %s set %s metadata %q at the same instant: %w",
					prev.AgentID, v.AgentID, v.Item.ID, k, ErrConflictUnresolved)
			}
		}
	}
	return nil
}

func highestPriority(versions []Version) (Item, error) {
	if len(versions) == 0 {
		return Item{}, errNoVersions
	}
	top := versions[0].Item.Tier
	for _, v := range versions[1:] {
		top = max(top, v.Item.Tier)
	}
	var best []Version
	for _, v := range versions {
		if v.Item.Tier == top {
			best = append(best, v)
		}
	}
	return lastWriteWins(best)
}

// Resolution is the outcome of ResolveConflict.
type Resolution struct {
	Item     Item       `json:"item"`
	Versions int        `json:"versions"`
	Sync     SyncResult `json:"sync"`
}

// ResolveConflict gathers each agent's copy of itemID, merges them with
// strategy (LastWriteWins when nil) and writes the result back to all of
// them through SyncShared.
func (m *Manager) ResolveConflict(ctx context.Context, itemID string, agents []string, strategy Strategy) (Resolution, error) {
	if strategy == nil {
		strategy = LastWriteWins
	}

	var versions []Version
	for _, id := range agents {
		it, ok, err := m.peek(id, itemID)
		if err != nil {
			return Resolution{}, fmt.Errorf("resolve %s: %w", itemID, err)
		}
		if ok {
			versions = append(versions, Version{AgentID: id, Item: it})
		}
	}
	if len(versions) == 0 {
		return Resolution{}, fmt.Errorf("resolve %s: %w", itemID, ErrItemNotFound)
	}

	resolved, err := strategy.Resolve(versions)
	if err != nil {
		if !errors.Is(err, ErrConflictUnresolved) {
			err = fmt.Errorf("%w: %w", ErrConflictUnresolved, err)
		}
		return Resolution{Versions: len(versions)}, fmt.Errorf("resolve %s: %w", itemID, err)
	}
	resolved.ID = itemID

	synced, err := m.SyncShared(ctx, Sender, agents, resolved)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Item: resolved, Versions: len(versions), Sync: synced}, nil
}

// peek reads an item without touching its recency. Agents without a
// reservation simply have no version.
func (m *Manager) peek(agentID, itemID string) (Item, bool, error) {
	ac, err := m.agent(agentID)
	if err != nil {
		return Item{}, false, nil
	}
	ac.mu.Lock()
	defer ac.mu.Unlock()
	s, ok := ac.items[itemID]
	if !ok {
		return Item{}, false, nil
	}
	it, err := m.view(s)
	return it, err == nil, err
}
