package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TaskRecord is the durable ledger row for a coordinator task.
type TaskRecord struct {
	ID        string    `json:"id"`
	Category  string    `json:"category"`
	Priority  int       `json:"priority"`
	Status    string    `json:"status"`
	AgentID   string    `json:"agent_id,omitempty"`
	AgentType string    `json:"agent_type,omitempty"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*TaskRecord, error) {
	t := &TaskRecord{}
	var agentID, agentType, lastError sql.NullString
	err := scanner.Scan(&t.ID, &t.Category, &t.Priority, &t.Status, &agentID, &agentType,
		&t.Attempts, &lastError, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.AgentID = agentID.String
	t.AgentType = agentType.String
	t.LastError = lastError.String
	return t, nil
}

func (s *Store) SaveTask(ctx context.Context, t *TaskRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_ledger (id, category, priority, status, agent_id, agent_type, attempts, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			agent_id = excluded.agent_id,
			agent_type = excluded.agent_type,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			updated_at = CURRENT_TIMESTAMP`,
		t.ID, t.Category, t.Priority, t.Status, t.AgentID, t.AgentType, t.Attempts, t.LastError)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, category, priority, status, agent_id, agent_type, attempts, last_error, created_at, updated_at
		FROM task_ledger WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) ListTasksByStatus(ctx context.Context, status string) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, priority, status, agent_id, agent_type, attempts, last_error, created_at, updated_at
		FROM task_ledger WHERE status = ? ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []TaskRecord
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}
