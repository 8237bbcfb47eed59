package schedule

import (
	"fmt"
	"testing"
	"time"
)

func TestParseCronJSON(t *testing.T) {
	s, err := Parse(`{"kind":"cron","cron_expr":"0 9 * * *"}`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if s.Kind != "cron" || s.CronExpr != "0 9 * * *" {
		t.Errorf("unexpected schedule %+v", s)
	}
}

func TestParsePlainCron(t *testing.T) {
	s, err := Parse("  */5 * * * *  ")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if s.Kind != "cron" || s.CronExpr != "*/5 * * * *" {
		t.Errorf("unexpected schedule %+v", s)
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []string{
		"",
		"not a cron",
		`{"kind":"interval","interval_ms":0}`,
		`{"kind":"once","at_ms":-1}`,
		`{"kind":"weekly"}`,
		`{"kind":"cron","cron_expr":""}`,
		`{broken`,
	}
	for _, raw := range tests {
		if _, err := Parse(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestNextCron(t *testing.T) {
	s, err := Parse("0 9 * * *")
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 4, 10, 8, 30, 0, 0, time.Local)
	next, ok := s.Next(now)
	if !ok {
		t.Fatal("expected a next run")
	}
	want := time.Date(2026, 4, 10, 9, 0, 0, 0, time.Local)
	if !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestNextInterval(t *testing.T) {
	s, err := Parse(`{"kind":"interval","interval_ms":60000}`)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 4, 10, 8, 30, 0, 0, time.UTC)
	next, ok := s.Next(now)
	if !ok || !next.Equal(now.Add(time.Minute)) {
		t.Errorf("expected %v, got %v (ok=%v)", now.Add(time.Minute), next, ok)
	}
}

func TestNextOnce(t *testing.T) {
	now := time.Date(2026, 4, 10, 8, 30, 0, 0, time.UTC)
	future := now.Add(time.Hour).UnixMilli()
	s, err := Parse(fmt.Sprintf(`{"kind":"once","at_ms":%d}`, future))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Next(now); !ok {
		t.Error("expected a run for a future once schedule")
	}
	if _, ok := s.Next(now.Add(2 * time.Hour)); ok {
		t.Error("expected no run once the time has passed")
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`{"kind":"interval","interval_ms":3600000}`, "every hour"},
		{`{"kind":"interval","interval_ms":7200000}`, "every 2 hours"},
		{`{"kind":"interval","interval_ms":60000}`, "every minute"},
		{`{"kind":"interval","interval_ms":300000}`, "every 5 minutes"},
		{`{"kind":"interval","interval_ms":30000}`, "every 30s"},
		{"* * * * *", "cron * * * * *"},
	}
	for _, tt := range tests {
		s, err := Parse(tt.raw)
		if err != nil {
			t.Fatalf("parse %q: %v", tt.raw, err)
		}
		if got := s.String(); got != tt.want {
			t.Errorf("String(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
