// Package contextmgr accounts for each agent's bounded working memory. It
// admits, prunes and compresses context items, and synchronises shared items
// between agents.
package contextmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/syntonia/internal/bus"
	"github.com/mtzanidakis/syntonia/internal/config"
	"github.com/mtzanidakis/syntonia/internal/memory"
	"github.com/mtzanidakis/syntonia/internal/natsbus"
)

const (
	// NamespaceContext holds per-agent usage snapshots.
	NamespaceContext = "context"
	// NamespaceShared holds the last synchronised version of shared items.
	NamespaceShared = "shared"
)

// Publisher receives context events.
type Publisher interface {
	Publish(topic string, data []byte) error
}

type agentContext struct {
	mu     sync.Mutex
	budget int
	used   int
	items  map[string]*stored
}

type Manager struct {
	warning  float64
	critical float64

	mu     sync.RWMutex
	agents map[string]*agentContext

	enc *zstd.Encoder
	dec *zstd.Decoder

	store  *memory.Store
	bus    *bus.Bus
	events Publisher
	now    func() time.Time
	seq    atomic.Uint64
}

type Option func(*Manager)

// WithStore records usage snapshots and shared items in s.
func WithStore(s *memory.Store) Option { return func(m *Manager) { m.store = s } }

// WithBus notifies sync targets through b.
func WithBus(b *bus.Bus) Option { return func(m *Manager) { m.bus = b } }

func WithEvents(p Publisher) Option { return func(m *Manager) { m.events = p } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func New(cfg config.ContextConfig, opts ...Option) (*Manager, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(cfg.CompressionLevel)))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	m := &Manager{
		warning:  cfg.WarningRatio,
		critical: cfg.CriticalRatio,
		agents:   make(map[string]*agentContext),
		enc:      enc,
		dec:      dec,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) Close() {
	_ = m.enc.Close()
	m.dec.Close()
}

func (m *Manager) agent(agentID string) (*agentContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ac, ok := m.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrNoReservation)
	}
	return ac, nil
}

// Reserve sets agentID's budget, creating its context if needed.
func (m *Manager) Reserve(ctx context.Context, agentID string, budget int) error {
	if budget < 1 {
		return fmt.Errorf("reserve %s: budget must be positive", agentID)
	}

	m.mu.Lock()
	ac, ok := m.agents[agentID]
	if !ok {
		ac = &agentContext{items: make(map[string]*stored)}
		m.agents[agentID] = ac
	}
	m.mu.Unlock()

	ac.mu.Lock()
	ac.budget = budget
	u := ac.usage()
	ac.mu.Unlock()

	m.snapshot(ctx, agentID, u)
	return nil
}

// Release drops agentID's context entirely.
func (m *Manager) Release(ctx context.Context, agentID string) {
	m.mu.Lock()
	_, ok := m.agents[agentID]
	delete(m.agents, agentID)
	m.mu.Unlock()
	if !ok || m.store == nil {
		return
	}
	if err := m.store.Delete(ctx, NamespaceContext, agentID); err != nil {
		slog.Warn("delete context snapshot failed", "agent", agentID, "error", err)
	}
}

func (m *Manager) limits(budget int) (warning, critical float64) {
	return float64(budget) * m.warning, float64(budget) * m.critical
}

// AddItem admits it into agentID's context. Usage below the warning
// threshold is accepted silently; up to the critical threshold it is accepted
// with a warning; above it the lowest-ranked items are evicted until the new
// item fits. Items whose size alone exceeds the critical threshold are
// rejected with ErrContextOverflow and nothing is evicted.
//
// An item with the ID of an existing item replaces it.
func (m *Manager) AddItem(ctx context.Context, agentID string, it Item) (AddResult, error) {
	ac, err := m.agent(agentID)
	if err != nil {
		return AddResult{}, err
	}
	if it.Size < 0 {
		return AddResult{}, fmt.Errorf("add item to %s: negative size", agentID)
	}

	it = it.clone()
	if it.ID == "" {
		it.ID = uuid.New().String()
	}
	if it.Size == 0 {
		it.Size = len(it.Content)
	}
	now := m.now()
	if it.UpdatedAt.IsZero() {
		it.UpdatedAt = now
	}
	it.LastAccessed = now
	it.Compressed = false

	ac.mu.Lock()
	res, err := m.admit(ac, it)
	u := ac.usage()
	ac.mu.Unlock()

	switch {
	case err != nil:
		slog.Warn("context item rejected", "agent", agentID, "item", it.ID, "size", it.Size, "budget", u.Budget)
		m.publishEvent(agentID, "context_rejected", map[string]any{"item": it.ID, "size": it.Size})
		return res, err
	case res.OverflowPrevented:
		slog.Warn("context pruned", "agent", agentID, "item", it.ID, "pruned", res.PrunedCount, "critical_evicted", res.CriticalEvicted)
		m.publishEvent(agentID, "context_pruned", map[string]any{
			"item":             it.ID,
			"evicted":          res.Evicted,
			"critical_evicted": res.CriticalEvicted,
			"used_ratio":       res.UsedRatio,
		})
	case res.WarningTriggered:
		m.publishEvent(agentID, "context_warning", map[string]any{"item": it.ID, "used_ratio": res.UsedRatio})
	}
	m.snapshot(ctx, agentID, u)
	return res, nil
}

// admit must be called with ac.mu held.
func (m *Manager) admit(ac *agentContext, it Item) (AddResult, error) {
	warnLimit, critLimit := m.limits(ac.budget)
	if float64(it.Size) > critLimit {
		return AddResult{UsedRatio: ac.ratio()}, fmt.Errorf("item %s of size %d exceeds critical limit %.0f of budget %d: %w",
			it.ID, it.Size, critLimit, ac.budget, ErrContextOverflow)
	}

	base := ac.used
	if old, ok := ac.items[it.ID]; ok {
		base -= old.item.Size
	}
	projected := base + it.Size

	var res AddResult
	if float64(projected) > critLimit {
		victims, critical := m.plan(ac, it, float64(projected)-critLimit)
		for _, v := range victims {
			ac.used -= v.item.Size
			delete(ac.items, v.item.ID)
			res.Evicted = append(res.Evicted, v.item.ID)
		}
		res.OverflowPrevented = true
		res.PrunedCount = len(victims)
		res.CriticalEvicted = critical
	}

	if old, ok := ac.items[it.ID]; ok {
		ac.used -= old.item.Size
	}
	ac.items[it.ID] = &stored{item: it, rawSize: len(it.Content), seq: m.seq.Add(1)}
	ac.used += it.Size

	res.Accepted = true
	res.WarningTriggered = float64(ac.used) >= warnLimit
	res.UsedRatio = ac.ratio()
	return res, nil
}

// plan picks the items to evict so that at least need units are freed.
// Candidates are ranked by tier, then last access, then insertion order.
// Items above the incoming tier are only taken once every item at or below
// it is already planned; critical reports whether that happened.
func (m *Manager) plan(ac *agentContext, incoming Item, need float64) (victims []*stored, critical bool) {
	candidates := make([]*stored, 0, len(ac.items))
	for id, s := range ac.items {
		if id == incoming.ID {
			continue
		}
		candidates = append(candidates, s)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.item.Tier != b.item.Tier {
			return a.item.Tier < b.item.Tier
		}
		if !a.item.LastAccessed.Equal(b.item.LastAccessed) {
			return a.item.LastAccessed.Before(b.item.LastAccessed)
		}
		return a.seq < b.seq
	})

	freed := 0.0
	for _, c := range candidates {
		if freed >= need {
			break
		}
		if c.item.Tier > incoming.Tier {
			critical = true
		}
		victims = append(victims, c)
		freed += float64(c.item.Size)
	}
	return victims, critical
}

// State returns agentID's usage and items in insertion order, with content
// decompressed.
func (m *Manager) State(agentID string) (State, error) {
	ac, err := m.agent(agentID)
	if err != nil {
		return State{}, err
	}

	ac.mu.Lock()
	defer ac.mu.Unlock()
	list := make([]*stored, 0, len(ac.items))
	for _, s := range ac.items {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })

	st := State{AgentID: agentID, Budget: ac.budget, Used: ac.used, UsedRatio: ac.ratio()}
	for _, s := range list {
		it, err := m.view(s)
		if err != nil {
			return State{}, fmt.Errorf("state %s: %w", agentID, err)
		}
		st.Items = append(st.Items, it)
	}
	return st, nil
}

// Item returns one item and marks it as recently used.
func (m *Manager) Item(agentID, itemID string) (Item, error) {
	ac, err := m.agent(agentID)
	if err != nil {
		return Item{}, err
	}
	ac.mu.Lock()
	defer ac.mu.Unlock()
	s, ok := ac.items[itemID]
	if !ok {
		return Item{}, fmt.Errorf("item %s of %s: %w", itemID, agentID, ErrItemNotFound)
	}
	s.item.LastAccessed = m.now()
	return m.view(s)
}

func (m *Manager) RemoveItem(ctx context.Context, agentID, itemID string) error {
	ac, err := m.agent(agentID)
	if err != nil {
		return err
	}
	ac.mu.Lock()
	s, ok := ac.items[itemID]
	if ok {
		ac.used -= s.item.Size
		delete(ac.items, itemID)
	}
	u := ac.usage()
	ac.mu.Unlock()
	if !ok {
		return fmt.Errorf("item %s of %s: %w", itemID, agentID, ErrItemNotFound)
	}
	m.snapshot(ctx, agentID, u)
	return nil
}

// Compress stores an item as a zstd frame and shrinks its accounted size by
// the achieved ratio. Content that does not shrink is left as is and reports
// a ratio of 1.
func (m *Manager) Compress(ctx context.Context, agentID, itemID string) (CompressResult, error) {
	ac, err := m.agent(agentID)
	if err != nil {
		return CompressResult{}, err
	}

	ac.mu.Lock()
	s, ok := ac.items[itemID]
	if !ok {
		ac.mu.Unlock()
		return CompressResult{}, fmt.Errorf("item %s of %s: %w", itemID, agentID, ErrItemNotFound)
	}
	if s.item.Compressed {
		res := CompressResult{Ratio: float64(len(s.data)) / float64(s.rawSize), OldSize: s.item.Size, NewSize: s.item.Size}
		ac.mu.Unlock()
		return res, nil
	}

	res := CompressResult{Ratio: 1, OldSize: s.item.Size, NewSize: s.item.Size}
	frame := m.enc.EncodeAll(s.item.Content, nil)
	if len(s.item.Content) > 0 && len(frame) < len(s.item.Content) {
		res.Ratio = float64(len(frame)) / float64(len(s.item.Content))
		res.NewSize = max(1, int(math.Ceil(float64(s.item.Size)*res.Ratio)))
		s.data = frame
		s.rawSize = len(s.item.Content)
		s.units = s.item.Size
		s.item.Content = nil
		s.item.Compressed = true
		ac.used += res.NewSize - s.item.Size
		s.item.Size = res.NewSize
	}
	u := ac.usage()
	ac.mu.Unlock()

	slog.Debug("context item compressed", "agent", agentID, "item", itemID, "ratio", res.Ratio)
	m.snapshot(ctx, agentID, u)
	return res, nil
}

// view returns the logical item for s. Must be called with the owning
// agent's lock held.
func (m *Manager) view(s *stored) (Item, error) {
	it := s.item.clone()
	if !s.item.Compressed {
		return it, nil
	}
	raw, err := m.dec.DecodeAll(s.data, make([]byte, 0, s.rawSize))
	if err != nil {
		return Item{}, fmt.Errorf("decompress item %s: %w", s.item.ID, err)
	}
	it.Content = raw
	it.Size = s.units
	return it, nil
}

// Usage returns every agent's budget accounting.
func (m *Manager) Usage() map[string]Usage {
	m.mu.RLock()
	agents := make(map[string]*agentContext, len(m.agents))
	for id, ac := range m.agents {
		agents[id] = ac
	}
	m.mu.RUnlock()

	out := make(map[string]Usage, len(agents))
	for id, ac := range agents {
		ac.mu.Lock()
		out[id] = ac.usage()
		ac.mu.Unlock()
	}
	return out
}

func (ac *agentContext) ratio() float64 {
	if ac.budget == 0 {
		return 0
	}
	return float64(ac.used) / float64(ac.budget)
}

func (ac *agentContext) usage() Usage {
	return Usage{Budget: ac.budget, Used: ac.used, UsedRatio: ac.ratio(), Items: len(ac.items)}
}

func (m *Manager) snapshot(ctx context.Context, agentID string, u Usage) {
	if m.store == nil {
		return
	}
	if err := m.store.SetJSON(ctx, NamespaceContext, agentID, u, memory.WithTimestamp(m.now())); err != nil {
		slog.Warn("context snapshot not persisted", "agent", agentID, "error", err)
	}
}

func (m *Manager) publishEvent(agentID, eventType string, data map[string]any) {
	if m.events == nil {
		return
	}
	event := map[string]any{
		"type":      eventType,
		"agent_id":  agentID,
		"timestamp": m.now().UTC().Format(time.RFC3339),
		"data":      data,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = m.events.Publish(natsbus.TopicEventsContext(agentID), payload)
}
