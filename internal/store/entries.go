package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mtzanidakis/syntonia/internal/memory"
)

// The methods in this file make *Store a memory.Backend. Timestamps are kept
// as unix nanoseconds so last-write-wins comparisons survive a round trip.

func (s *Store) Namespaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT namespace FROM memory_entries ORDER BY namespace`)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan namespace: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (s *Store) Load(ctx context.Context, namespace string) ([]memory.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, expires_at, updated_at
		FROM memory_entries WHERE namespace = ? ORDER BY key`, namespace)
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}
	defer rows.Close()

	var entries []memory.Entry
	for rows.Next() {
		e := memory.Entry{Namespace: namespace}
		var expires, updated int64
		if err := rows.Scan(&e.Key, &e.Value, &expires, &updated); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if expires != 0 {
			e.ExpiresAt = time.Unix(0, expires)
		}
		e.UpdatedAt = time.Unix(0, updated)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) Save(ctx context.Context, namespace string, entries []memory.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO memory_entries (namespace, key, value, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at >= memory_entries.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare save: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		var expires int64
		if !e.ExpiresAt.IsZero() {
			expires = e.ExpiresAt.UnixNano()
		}
		if _, err := stmt.ExecContext(ctx, namespace, e.Key, e.Value, expires, e.UpdatedAt.UnixNano()); err != nil {
			return fmt.Errorf("save entry %s: %w", e.Key, err)
		}
	}
	return tx.Commit()
}

func (s *Store) Delete(ctx context.Context, namespace string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, 0, len(keys)+1)
	args = append(args, namespace)
	for _, k := range keys {
		args = append(args, k)
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_entries WHERE namespace = ? AND key IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("delete entries: %w", err)
	}
	return nil
}

// PurgeExpired removes persisted entries whose expiry is before now.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_entries WHERE expires_at != 0 AND expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	return res.RowsAffected()
}
