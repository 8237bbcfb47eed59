// Package schedule parses the schedules used by maintenance jobs. A schedule
// is either a plain cron expression or a JSON object with a kind of "cron",
// "interval" or "once".
package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

type Schedule struct {
	Kind       string `json:"kind"`                  // "cron", "interval", "once"
	CronExpr   string `json:"cron_expr,omitempty"`   // kind=cron
	IntervalMs int64  `json:"interval_ms,omitempty"` // kind=interval
	AtMs       int64  `json:"at_ms,omitempty"`       // kind=once, unix ms
}

// Parse accepts schedule JSON or a bare cron expression and validates it.
func Parse(raw string) (*Schedule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	var s Schedule
	if strings.HasPrefix(raw, "{") {
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("parse schedule: %w", err)
		}
	} else {
		s = Schedule{Kind: "cron", CronExpr: raw}
	}

	switch s.Kind {
	case "cron":
		if !gronx.New().IsValid(s.CronExpr) {
			return nil, fmt.Errorf("invalid cron expression: %s", s.CronExpr)
		}
	case "interval":
		if s.IntervalMs <= 0 {
			return nil, fmt.Errorf("interval_ms must be positive")
		}
	case "once":
		if s.AtMs <= 0 {
			return nil, fmt.Errorf("at_ms must be positive")
		}
	default:
		return nil, fmt.Errorf("unknown schedule kind: %q", s.Kind)
	}
	return &s, nil
}

// Next returns the first run strictly after now. ok is false when the
// schedule will never fire again.
func (s *Schedule) Next(now time.Time) (time.Time, bool) {
	switch s.Kind {
	case "cron":
		next, err := gronx.NextTickAfter(s.CronExpr, now, false)
		if err != nil {
			return time.Time{}, false
		}
		return next, true
	case "interval":
		return now.Add(s.Interval()), true
	case "once":
		at := time.UnixMilli(s.AtMs)
		if at.After(now) {
			return at, true
		}
	}
	return time.Time{}, false
}

func (s *Schedule) Interval() time.Duration {
	return time.Duration(s.IntervalMs) * time.Millisecond
}

// String describes the schedule for logs and the status API.
func (s *Schedule) String() string {
	switch s.Kind {
	case "cron":
		return "cron " + s.CronExpr
	case "interval":
		d := s.Interval()
		switch {
		case d >= time.Hour && d%time.Hour == 0:
			if h := int(d.Hours()); h != 1 {
				return fmt.Sprintf("every %d hours", h)
			}
			return "every hour"
		case d >= time.Minute && d%time.Minute == 0:
			if m := int(d.Minutes()); m != 1 {
				return fmt.Sprintf("every %d minutes", m)
			}
			return "every minute"
		default:
			return "every " + d.String()
		}
	case "once":
		return "once at " + time.UnixMilli(s.AtMs).UTC().Format(time.RFC3339)
	}
	return s.Kind
}
