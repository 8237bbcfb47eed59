package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu      sync.Mutex
	data    map[string]map[string]Entry
	saveErr error
	saves   int
	// beforeDelete runs at the start of Delete, outside the lock.
	beforeDelete func(ns string, keys []string)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{data: make(map[string]map[string]Entry)}
}

func (f *fakeBackend) Namespaces(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for ns := range f.data {
		out = append(out, ns)
	}
	return out, nil
}

func (f *fakeBackend) Load(_ context.Context, ns string) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Entry
	for _, e := range f.data[ns] {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeBackend) Save(_ context.Context, ns string, entries []Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.saveErr != nil {
		return f.saveErr
	}
	if f.data[ns] == nil {
		f.data[ns] = make(map[string]Entry)
	}
	for _, e := range entries {
		if cur, ok := f.data[ns][e.Key]; ok && cur.UpdatedAt.After(e.UpdatedAt) {
			continue
		}
		f.data[ns][e.Key] = e
	}
	return nil
}

func (f *fakeBackend) Delete(_ context.Context, ns string, keys []string) error {
	if f.beforeDelete != nil {
		f.beforeDelete(ns, keys)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data[ns], k)
	}
	return nil
}

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

func newTestStore(t *testing.T, b Backend) (*Store, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s, err := Open(context.Background(), b, WithClock(c.Now))
	require.NoError(t, err)
	return s, c
}

func TestSetGet(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "ns", "k", []byte("v")))
	v, ok := s.Get("ns", "k")
	require.True(t, ok)
	assert.Equal(t, "v", string(v))

	_, ok = s.Get("ns", "missing")
	assert.False(t, ok)
	_, ok = s.Get("other", "k")
	assert.False(t, ok)

	assert.Error(t, s.Set(ctx, "", "k", nil))
}

func TestValuesAreCopied(t *testing.T) {
	s, _ := newTestStore(t, nil)
	buf := []byte("abc")
	require.NoError(t, s.Set(context.Background(), "ns", "k", buf))
	buf[0] = 'x'

	v, _ := s.Get("ns", "k")
	assert.Equal(t, "abc", string(v))
	v[1] = 'y'
	v2, _ := s.Get("ns", "k")
	assert.Equal(t, "abc", string(v2))
}

func TestTTLLazyExpiry(t *testing.T) {
	s, c := newTestStore(t, nil)
	require.NoError(t, s.Set(context.Background(), "ns", "k", []byte("v"), WithTTL(100*time.Millisecond)))

	c.Advance(50 * time.Millisecond)
	_, ok := s.Get("ns", "k")
	assert.True(t, ok)

	c.Advance(100 * time.Millisecond)
	_, ok = s.Get("ns", "k")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Stats().TotalEntries)
}

func TestTTLRealClock(t *testing.T) {
	s, err := Open(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, s.Set(context.Background(), "ns", "k", []byte("v"), WithTTL(100*time.Millisecond)))
	time.Sleep(150 * time.Millisecond)
	_, ok := s.Get("ns", "k")
	assert.False(t, ok)
}

func TestLastWriteWins(t *testing.T) {
	s, c := newTestStore(t, nil)
	ctx := context.Background()
	t1 := c.Now()
	t2 := t1.Add(time.Second)

	applied, err := s.Write(ctx, "shared", "doc", []byte("v2"), WithTimestamp(t2))
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.Write(ctx, "shared", "doc", []byte("v1"), WithTimestamp(t1))
	require.NoError(t, err)
	assert.False(t, applied, "older write must lose")

	v, _ := s.Get("shared", "doc")
	assert.Equal(t, "v2", string(v))
}

func TestPersistenceFailureKeepsMemoryValue(t *testing.T) {
	b := newFakeBackend()
	b.saveErr = errors.New("disk full")
	s, _ := newTestStore(t, b)

	err := s.Set(context.Background(), "ns", "k", []byte("v"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "ns", pe.Namespace)
	assert.Equal(t, []string{"k"}, pe.Keys)

	v, ok := s.Get("ns", "k")
	require.True(t, ok)
	assert.Equal(t, "v", string(v))
}

func TestSetAsync(t *testing.T) {
	b := newFakeBackend()
	s, _ := newTestStore(t, b)

	err := <-s.SetAsync(context.Background(), "ns", "k", []byte("v"))
	require.NoError(t, err)
	assert.Equal(t, 1, b.saves)

	b.saveErr = errors.New("down")
	err = <-s.SetAsync(context.Background(), "ns", "k2", []byte("v"))
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestSetBulk(t *testing.T) {
	b := newFakeBackend()
	s, _ := newTestStore(t, b)

	err := s.SetBulk(context.Background(), []BulkEntry{
		{Namespace: "a", Key: "1", Value: []byte("x")},
		{Namespace: "a", Key: "2", Value: []byte("y")},
		{Namespace: "b", Key: "1", Value: []byte("z"), TTL: time.Minute},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, b.saves, "one write-through per namespace")

	st := s.Stats()
	assert.Equal(t, 3, st.TotalEntries)
	assert.Equal(t, map[string]int{"a": 2, "b": 1}, st.PerNamespace)
}

func TestCleanup(t *testing.T) {
	b := newFakeBackend()
	s, c := newTestStore(t, b)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "ns", "short", []byte("1"), WithTTL(time.Second)))
	require.NoError(t, s.Set(ctx, "ns", "long", []byte("2"), WithTTL(time.Hour)))
	require.NoError(t, s.Set(ctx, "ns", "forever", []byte("3")))

	c.Advance(2 * time.Second)
	n, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"forever", "long"}, s.Keys("ns"))

	_, persisted := b.data["ns"]["short"]
	assert.False(t, persisted)
}

func TestCleanupKeepsKeyRewrittenDuringSweep(t *testing.T) {
	b := newFakeBackend()
	s, c := newTestStore(t, b)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "ns", "k", []byte("old"), WithTTL(time.Second)))
	c.Advance(2 * time.Second)

	b.beforeDelete = func(ns string, keys []string) {
		b.beforeDelete = nil
		require.NoError(t, s.Set(ctx, ns, "k", []byte("fresh")))
	}
	n, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	v, ok := s.Get("ns", "k")
	require.True(t, ok)
	assert.Equal(t, "fresh", string(v))

	reopened, err := Open(ctx, b, WithClock(c.Now))
	require.NoError(t, err)
	v, ok = reopened.Get("ns", "k")
	require.True(t, ok)
	assert.Equal(t, "fresh", string(v))
}

func TestReloadSkipsExpired(t *testing.T) {
	b := newFakeBackend()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	b.data["ns"] = map[string]Entry{
		"alive": {Namespace: "ns", Key: "alive", Value: []byte("1"), UpdatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(time.Hour)},
		"dead":  {Namespace: "ns", Key: "dead", Value: []byte("2"), UpdatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute)},
		"plain": {Namespace: "ns", Key: "plain", Value: []byte("3"), UpdatedAt: now.Add(-time.Hour)},
	}

	s, _ := newTestStore(t, b)
	assert.Equal(t, []string{"alive", "plain"}, s.Keys("ns"))
	_, ok := s.Get("ns", "dead")
	assert.False(t, ok)
	_, stillPersisted := b.data["ns"]["dead"]
	assert.False(t, stillPersisted)
}

func TestDelete(t *testing.T) {
	b := newFakeBackend()
	s, _ := newTestStore(t, b)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "ns", "k", []byte("v")))
	require.NoError(t, s.Delete(ctx, "ns", "k"))
	_, ok := s.Get("ns", "k")
	assert.False(t, ok)
	assert.Empty(t, b.data["ns"])
}

func TestJSONHelpers(t *testing.T) {
	s, _ := newTestStore(t, nil)
	type doc struct {
		Title string `json:"title"`
	}
	require.NoError(t, s.SetJSON(context.Background(), "ns", "d", doc{Title: "hello"}))

	var got doc
	ok, err := s.GetJSON("ns", "d", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", got.Title)

	ok, err = s.GetJSON("ns", "missing", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentAccess(t *testing.T) {
	s, err := Open(context.Background(), newFakeBackend())
	require.NoError(t, err)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", i%20)
				_ = s.Set(ctx, fmt.Sprintf("ns%d", w%2), key, []byte(key))
				s.Get(fmt.Sprintf("ns%d", (w+1)%2), key)
			}
		}(w)
	}
	wg.Wait()

	st := s.Stats()
	assert.Equal(t, 40, st.TotalEntries)
}
