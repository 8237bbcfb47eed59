package vault

import (
	"context"
	"fmt"

	"github.com/mtzanidakis/syntonia/internal/memory"
)

// Backend wraps another memory.Backend and seals every value before it is
// persisted. Keys, namespaces and timestamps stay in the clear.
type Backend struct {
	inner memory.Backend
	vault *Vault
}

func NewBackend(inner memory.Backend, v *Vault) *Backend {
	return &Backend{inner: inner, vault: v}
}

func aad(namespace, key string) []byte {
	return []byte(namespace + "\x00" + key)
}

func (b *Backend) Namespaces(ctx context.Context) ([]string, error) {
	return b.inner.Namespaces(ctx)
}

func (b *Backend) Load(ctx context.Context, namespace string) ([]memory.Entry, error) {
	entries, err := b.inner.Load(ctx, namespace)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		plain, err := b.vault.Open(entries[i].Value, aad(namespace, entries[i].Key))
		if err != nil {
			return nil, fmt.Errorf("open %s/%s: %w", namespace, entries[i].Key, err)
		}
		entries[i].Value = plain
	}
	return entries, nil
}

func (b *Backend) Save(ctx context.Context, namespace string, entries []memory.Entry) error {
	sealed := make([]memory.Entry, len(entries))
	for i, e := range entries {
		v, err := b.vault.Seal(e.Value, aad(namespace, e.Key))
		if err != nil {
			return fmt.Errorf("seal %s/%s: %w", namespace, e.Key, err)
		}
		e.Value = v
		sealed[i] = e
	}
	return b.inner.Save(ctx, namespace, sealed)
}

func (b *Backend) Delete(ctx context.Context, namespace string, keys []string) error {
	return b.inner.Delete(ctx, namespace, keys)
}
