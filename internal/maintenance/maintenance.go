// Package maintenance runs the periodic housekeeping jobs: store cleanup,
// message bus garbage collection and idle agent reaping.
package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mtzanidakis/syntonia/internal/natsbus"
	"github.com/mtzanidakis/syntonia/internal/schedule"
)

// JobFunc does one round of work and reports how many items it handled.
type JobFunc func(ctx context.Context) (int, error)

// Publisher receives job events.
type Publisher interface {
	Publish(topic string, data []byte) error
}

type job struct {
	name     string
	schedule *schedule.Schedule
	fn       JobFunc
	next     time.Time
	lastRun  time.Time
	lastErr  string
	handled  int
}

// JobStatus describes a registered job.
type JobStatus struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	NextRun  time.Time `json:"next_run,omitzero"`
	LastRun  time.Time `json:"last_run,omitzero"`
	LastErr  string    `json:"last_error,omitempty"`
	Handled  int       `json:"handled"`
}

type Runner struct {
	mu           sync.Mutex
	jobs         map[string]*job
	pollInterval time.Duration
	events       Publisher
	now          func() time.Time
	reloadCh     chan struct{}
}

type Option func(*Runner)

func WithEvents(p Publisher) Option { return func(r *Runner) { r.events = p } }

func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

func New(pollInterval time.Duration, opts ...Option) *Runner {
	r := &Runner{
		jobs:         make(map[string]*job),
		pollInterval: pollInterval,
		now:          time.Now,
		reloadCh:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers fn under name with the given schedule (cron expression or
// schedule JSON). Adding an existing name replaces its schedule and function.
func (r *Runner) Add(name, spec string, fn JobFunc) error {
	s, err := schedule.Parse(spec)
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	j := &job{name: name, schedule: s, fn: fn}
	if next, ok := s.Next(r.now()); ok {
		j.next = next
	}
	r.jobs[name] = j
	slog.Info("maintenance job scheduled", "job", name, "schedule", s.String(), "next_run", j.next)
	return nil
}

// UpdateConfig changes the poll interval and signals the run loop to reset
// its ticker.
func (r *Runner) UpdateConfig(pollInterval time.Duration) {
	r.mu.Lock()
	r.pollInterval = pollInterval
	r.mu.Unlock()
	select {
	case r.reloadCh <- struct{}{}:
	default:
	}
}

func (r *Runner) interval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pollInterval <= 0 {
		r.pollInterval = 15 * time.Second
	}
	return r.pollInterval
}

func (r *Runner) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval())
	defer ticker.Stop()

	slog.Info("maintenance started", "poll_interval", r.interval())

	for {
		select {
		case <-ctx.Done():
			slog.Info("maintenance stopped")
			return
		case <-r.reloadCh:
			ticker.Reset(r.interval())
			slog.Info("maintenance config reloaded", "poll_interval", r.interval())
		case <-ticker.C:
			r.RunDue(ctx)
		}
	}
}

// RunDue runs every job whose next run is at or before now and returns the
// names of the jobs that ran.
func (r *Runner) RunDue(ctx context.Context) []string {
	now := r.now()
	r.mu.Lock()
	var due []*job
	for _, j := range r.jobs {
		if !j.next.IsZero() && !j.next.After(now) {
			due = append(due, j)
		}
	}
	r.mu.Unlock()
	sort.Slice(due, func(a, b int) bool { return due[a].name < due[b].name })

	ran := make([]string, 0, len(due))
	for _, j := range due {
		r.execute(ctx, j)
		ran = append(ran, j.name)
	}
	return ran
}

func (r *Runner) execute(ctx context.Context, j *job) {
	start := r.now()
	n, err := j.fn(ctx)

	status := "success"
	r.mu.Lock()
	j.lastRun = start
	j.handled = n
	j.lastErr = ""
	if err != nil {
		status = "error"
		j.lastErr = err.Error()
	}
	next, ok := j.schedule.Next(r.now())
	if ok {
		j.next = next
	} else {
		j.next = time.Time{}
	}
	r.mu.Unlock()

	if err != nil {
		slog.Error("maintenance job failed", "job", j.name, "error", err)
	} else if n > 0 {
		slog.Info("maintenance job ran", "job", j.name, "handled", n)
	}
	r.publishEvent(j.name, status, n)
}

func (r *Runner) Jobs() []JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]JobStatus, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, JobStatus{
			Name:     j.name,
			Schedule: j.schedule.String(),
			NextRun:  j.next,
			LastRun:  j.lastRun,
			LastErr:  j.lastErr,
			Handled:  j.handled,
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func (r *Runner) publishEvent(name, status string, handled int) {
	if r.events == nil {
		return
	}
	event := map[string]any{
		"type":      "maintenance_run",
		"timestamp": r.now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"job":     name,
			"status":  status,
			"handled": handled,
		},
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = r.events.Publish(natsbus.TopicEventsJobs, data)
}
