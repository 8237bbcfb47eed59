package store

import (
	"context"
	"fmt"
	"time"
)

type Outcome struct {
	TaskID    string
	Category  string
	AgentType string
	Success   bool
	Duration  time.Duration
}

// OutcomeStat aggregates outcomes for one (category, agent type) pair.
type OutcomeStat struct {
	Category  string
	AgentType string
	Successes int
	Total     int
}

func (s *Store) SaveOutcome(ctx context.Context, o Outcome) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_outcomes (task_id, category, agent_type, success, duration_ms)
		VALUES (?, ?, ?, ?, ?)`,
		o.TaskID, o.Category, o.AgentType, o.Success, o.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("save outcome: %w", err)
	}
	return nil
}

func (s *Store) OutcomeStats(ctx context.Context) ([]OutcomeStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, agent_type, SUM(CASE WHEN success THEN 1 ELSE 0 END), COUNT(*)
		FROM task_outcomes
		GROUP BY category, agent_type
		ORDER BY category, agent_type`)
	if err != nil {
		return nil, fmt.Errorf("outcome stats: %w", err)
	}
	defer rows.Close()

	var stats []OutcomeStat
	for rows.Next() {
		var st OutcomeStat
		if err := rows.Scan(&st.Category, &st.AgentType, &st.Successes, &st.Total); err != nil {
			return nil, fmt.Errorf("scan outcome stat: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
