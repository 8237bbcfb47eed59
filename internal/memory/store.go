// Package memory implements the namespaced, TTL-aware key/value store that
// agents and the coordinator share. Values live in memory; every write is
// passed through to a Backend for durability.
//
// Locking is striped per key: each namespace owns a fixed set of shards and
// a key always hashes to the same shard, so writers of unrelated keys do not
// contend. Conflicting writes to one key resolve last-write-wins on the
// entry's UpdatedAt.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"
)

const shardCount = 32

type shard struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

type namespace struct {
	shards [shardCount]shard
}

func newNamespace() *namespace {
	ns := &namespace{}
	for i := range ns.shards {
		ns.shards[i].entries = make(map[string]*Entry)
	}
	return ns
}

func (n *namespace) shardFor(key string) *shard {
	return &n.shards[xxhash.ChecksumString32(key)%shardCount]
}

// Store is the shared namespaced key/value store.
type Store struct {
	backend Backend
	now     func() time.Time

	mu         sync.RWMutex
	namespaces map[string]*namespace
}

type Option func(*Store)

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open creates a store over backend and reloads every persisted namespace
// before returning. Entries that expired while the process was down are
// dropped. A nil backend keeps everything in memory only.
func Open(ctx context.Context, backend Backend, opts ...Option) (*Store, error) {
	if backend == nil {
		backend = NopBackend{}
	}
	s := &Store{
		backend:    backend,
		now:        time.Now,
		namespaces: make(map[string]*namespace),
	}
	for _, o := range opts {
		o(s)
	}

	names, err := backend.Namespaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	now := s.now()
	for _, name := range names {
		entries, err := backend.Load(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("load namespace %s: %w", name, err)
		}
		var stale []string
		loaded := 0
		ns := s.ns(name, true)
		for _, e := range entries {
			if e.Expired(now) {
				stale = append(stale, e.Key)
				continue
			}
			e.Namespace = name
			ent := e.clone()
			ns.shardFor(e.Key).entries[e.Key] = &ent
			loaded++
		}
		if len(stale) > 0 {
			if err := backend.Delete(ctx, name, stale); err != nil {
				slog.Warn("failed to drop expired entries on reload", "namespace", name, "count", len(stale), "error", err)
			}
		}
		slog.Debug("namespace reloaded", "namespace", name, "entries", loaded, "expired", len(stale))
	}
	return s, nil
}

func (s *Store) ns(name string, create bool) *namespace {
	s.mu.RLock()
	ns, ok := s.namespaces[name]
	s.mu.RUnlock()
	if ok || !create {
		return ns
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ns, ok = s.namespaces[name]; !ok {
		ns = newNamespace()
		s.namespaces[name] = ns
	}
	return ns
}

type setOptions struct {
	ttl       time.Duration
	timestamp time.Time
}

type SetOption func(*setOptions)

// WithTTL makes the entry expire ttl after the write.
func WithTTL(ttl time.Duration) SetOption {
	return func(o *setOptions) { o.ttl = ttl }
}

// WithTimestamp sets the write's logical timestamp used for last-write-wins.
// Writes default to the current time.
func WithTimestamp(t time.Time) SetOption {
	return func(o *setOptions) { o.timestamp = t }
}

// Set stores value under (namespace, key). The in-memory value is visible to
// readers as soon as it is committed; a failed write-through is reported as a
// *PersistenceError but does not undo the commit.
func (s *Store) Set(ctx context.Context, namespace, key string, value []byte, opts ...SetOption) error {
	_, err := s.Write(ctx, namespace, key, value, opts...)
	return err
}

// Write is Set that also reports whether the write was applied. A write whose
// timestamp is older than the stored entry loses and is not applied.
func (s *Store) Write(ctx context.Context, namespace, key string, value []byte, opts ...SetOption) (bool, error) {
	if namespace == "" || key == "" {
		return false, errors.New("namespace and key are required")
	}
	e, applied := s.commit(namespace, key, value, opts)
	if !applied {
		return false, nil
	}
	if err := s.backend.Save(ctx, namespace, []Entry{e}); err != nil {
		slog.Error("write-through failed", "namespace", namespace, "key", key, "error", err)
		return true, &PersistenceError{Namespace: namespace, Keys: []string{key}, Err: err}
	}
	return true, nil
}

// SetAsync performs Set without making the caller wait for the write-through.
// The returned channel yields exactly one value (nil on success) and is then
// closed.
func (s *Store) SetAsync(ctx context.Context, namespace, key string, value []byte, opts ...SetOption) <-chan error {
	ch := make(chan error, 1)
	go func() {
		defer close(ch)
		ch <- s.Set(ctx, namespace, key, value, opts...)
	}()
	return ch
}

func (s *Store) commit(namespace, key string, value []byte, opts []SetOption) (Entry, bool) {
	var o setOptions
	for _, fn := range opts {
		fn(&o)
	}
	now := s.now()
	ts := o.timestamp
	if ts.IsZero() {
		ts = now
	}

	e := Entry{
		Namespace: namespace,
		Key:       key,
		Value:     append([]byte(nil), value...),
		UpdatedAt: ts,
	}
	if o.ttl > 0 {
		e.ExpiresAt = now.Add(o.ttl)
	}

	sh := s.ns(namespace, true).shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if cur, ok := sh.entries[key]; ok && !cur.Expired(now) && cur.UpdatedAt.After(ts) {
		slog.Debug("stale write discarded", "namespace", namespace, "key", key,
			"write_ts", ts, "current_ts", cur.UpdatedAt)
		return Entry{}, false
	}
	sh.entries[key] = &e
	return e.clone(), true
}

// Get returns the value for (namespace, key). An expired entry is removed and
// reported as absent.
func (s *Store) Get(namespace, key string) ([]byte, bool) {
	e, ok := s.Lookup(namespace, key)
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// Lookup is Get returning the whole entry.
func (s *Store) Lookup(namespace, key string) (Entry, bool) {
	ns := s.ns(namespace, false)
	if ns == nil {
		return Entry{}, false
	}
	sh := ns.shardFor(key)
	now := s.now()

	sh.mu.RLock()
	e, ok := sh.entries[key]
	if ok && !e.Expired(now) {
		out := e.clone()
		sh.mu.RUnlock()
		return out, true
	}
	sh.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}

	sh.mu.Lock()
	if cur, ok := sh.entries[key]; ok && cur.Expired(now) {
		delete(sh.entries, key)
	}
	sh.mu.Unlock()
	return Entry{}, false
}

// Delete removes (namespace, key) from memory and the backend.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	if ns := s.ns(namespace, false); ns != nil {
		sh := ns.shardFor(key)
		sh.mu.Lock()
		delete(sh.entries, key)
		sh.mu.Unlock()
	}
	if err := s.backend.Delete(ctx, namespace, []string{key}); err != nil {
		return &PersistenceError{Namespace: namespace, Keys: []string{key}, Err: err}
	}
	return nil
}

// Keys returns the live keys of a namespace in sorted order.
func (s *Store) Keys(namespace string) []string {
	ns := s.ns(namespace, false)
	if ns == nil {
		return nil
	}
	now := s.now()
	var keys []string
	for i := range ns.shards {
		sh := &ns.shards[i]
		sh.mu.RLock()
		for k, e := range sh.entries {
			if !e.Expired(now) {
				keys = append(keys, k)
			}
		}
		sh.mu.RUnlock()
	}
	sort.Strings(keys)
	return keys
}

// BulkEntry is one write in a SetBulk call.
type BulkEntry struct {
	Namespace string
	Key       string
	Value     []byte
	TTL       time.Duration
	Timestamp time.Time
}

// SetBulk applies each entry with single-key atomicity; there is no
// transaction across keys. Write-through is batched per namespace and all
// persistence failures are joined in the returned error.
func (s *Store) SetBulk(ctx context.Context, entries []BulkEntry) error {
	byNS := make(map[string][]Entry)
	var order []string
	for _, be := range entries {
		if be.Namespace == "" || be.Key == "" {
			return errors.New("namespace and key are required")
		}
	}
	for _, be := range entries {
		e, applied := s.commit(be.Namespace, be.Key, be.Value, []SetOption{WithTTL(be.TTL), WithTimestamp(be.Timestamp)})
		if !applied {
			continue
		}
		if _, ok := byNS[be.Namespace]; !ok {
			order = append(order, be.Namespace)
		}
		byNS[be.Namespace] = append(byNS[be.Namespace], e)
	}

	var errs []error
	for _, name := range order {
		batch := byNS[name]
		if err := s.backend.Save(ctx, name, batch); err != nil {
			keys := make([]string, len(batch))
			for i, e := range batch {
				keys[i] = e.Key
			}
			slog.Error("bulk write-through failed", "namespace", name, "count", len(batch), "error", err)
			errs = append(errs, &PersistenceError{Namespace: name, Keys: keys, Err: err})
		}
	}
	return errors.Join(errs...)
}

// Cleanup removes every expired entry from memory and the backend and
// returns how many were removed from memory.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	s.mu.RLock()
	names := make([]string, 0, len(s.namespaces))
	spaces := make([]*namespace, 0, len(s.namespaces))
	for name, ns := range s.namespaces {
		names = append(names, name)
		spaces = append(spaces, ns)
	}
	s.mu.RUnlock()

	now := s.now()
	removed := 0
	var errs []error
	for i, ns := range spaces {
		var expired []string
		for j := range ns.shards {
			sh := &ns.shards[j]
			sh.mu.Lock()
			for k, e := range sh.entries {
				if e.Expired(now) {
					delete(sh.entries, k)
					expired = append(expired, k)
				}
			}
			sh.mu.Unlock()
		}
		if len(expired) == 0 {
			continue
		}
		removed += len(expired)
		if err := s.backend.Delete(ctx, names[i], expired); err != nil {
			errs = append(errs, &PersistenceError{Namespace: names[i], Keys: expired, Err: err})
			continue
		}
		if err := s.resave(ctx, names[i], ns, expired, now); err != nil {
			errs = append(errs, err)
		}
	}
	if removed > 0 {
		slog.Info("memory cleanup", "removed", removed)
	}
	return removed, errors.Join(errs...)
}

// resave writes back keys that were set again between the sweep and the
// backend delete, whose write-through the delete may have removed.
func (s *Store) resave(ctx context.Context, name string, ns *namespace, keys []string, now time.Time) error {
	var live []Entry
	for _, k := range keys {
		sh := ns.shardFor(k)
		sh.mu.RLock()
		if e, ok := sh.entries[k]; ok && !e.Expired(now) {
			live = append(live, e.clone())
		}
		sh.mu.RUnlock()
	}
	if len(live) == 0 {
		return nil
	}
	if err := s.backend.Save(ctx, name, live); err != nil {
		keys := make([]string, len(live))
		for i, e := range live {
			keys[i] = e.Key
		}
		return &PersistenceError{Namespace: name, Keys: keys, Err: err}
	}
	return nil
}

type Stats struct {
	TotalEntries int            `json:"total_entries"`
	PerNamespace map[string]int `json:"per_namespace"`
}

// Stats counts live (unexpired) entries.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	st := Stats{PerNamespace: make(map[string]int, len(s.namespaces))}
	for name, ns := range s.namespaces {
		n := 0
		for i := range ns.shards {
			sh := &ns.shards[i]
			sh.mu.RLock()
			for _, e := range sh.entries {
				if !e.Expired(now) {
					n++
				}
			}
			sh.mu.RUnlock()
		}
		st.PerNamespace[name] = n
		st.TotalEntries += n
	}
	return st
}

// Namespaces returns the names of all namespaces currently held in memory.
func (s *Store) Namespaces() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.namespaces))
	for name := range s.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Entries returns copies of the live entries in a namespace, sorted by key.
func (s *Store) Entries(namespace string) []Entry {
	var out []Entry
	for _, k := range s.Keys(namespace) {
		if e, ok := s.Lookup(namespace, k); ok {
			out = append(out, e)
		}
	}
	return out
}

// SetJSON marshals v and stores it.
func (s *Store) SetJSON(ctx context.Context, namespace, key string, v any, opts ...SetOption) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", namespace, key, err)
	}
	return s.Set(ctx, namespace, key, data, opts...)
}

// GetJSON unmarshals the value at (namespace, key) into v. It reports false
// when the key is absent.
func (s *Store) GetJSON(namespace, key string, v any) (bool, error) {
	data, ok := s.Get(namespace, key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("unmarshal %s/%s: %w", namespace, key, err)
	}
	return true, nil
}
