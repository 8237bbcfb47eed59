package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrPersistence is matched by every PersistenceError. The in-memory write
// that triggered it has already been committed.
var ErrPersistence = errors.New("persistence failure")

// Entry is one value in a namespace. A zero ExpiresAt means the entry never
// expires.
type Entry struct {
	Namespace string    `json:"namespace"`
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Expired reports whether the entry's expiry has passed at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

func (e Entry) clone() Entry {
	c := e
	c.Value = append([]byte(nil), e.Value...)
	return c
}

// Backend is the durable side of the store. Implementations must treat Save
// as an upsert and must not let an older UpdatedAt overwrite a newer one.
type Backend interface {
	Namespaces(ctx context.Context) ([]string, error)
	Load(ctx context.Context, namespace string) ([]Entry, error)
	Save(ctx context.Context, namespace string, entries []Entry) error
	Delete(ctx context.Context, namespace string, keys []string) error
}

// PersistenceError reports a failed write-through or delete.
type PersistenceError struct {
	Namespace string
	Keys      []string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s/[%s]: %v", e.Namespace, strings.Join(e.Keys, ","), e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// NopBackend keeps nothing. It backs stores configured with driver "none".
type NopBackend struct{}

func (NopBackend) Namespaces(context.Context) ([]string, error)   { return nil, nil }
func (NopBackend) Load(context.Context, string) ([]Entry, error)  { return nil, nil }
func (NopBackend) Save(context.Context, string, []Entry) error    { return nil }
func (NopBackend) Delete(context.Context, string, []string) error { return nil }
