package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mtzanidakis/syntonia/internal/bus"
	"github.com/mtzanidakis/syntonia/internal/config"
	"github.com/mtzanidakis/syntonia/internal/coordinator"
	"github.com/mtzanidakis/syntonia/internal/ipc"
	"github.com/mtzanidakis/syntonia/internal/natsbus"
	"github.com/nats-io/nats.go"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want map[string]string
	}{
		{
			name: "empty",
			args: []string{},
			want: map[string]string{},
		},
		{
			name: "single flag",
			args: []string{"--category", "coding"},
			want: map[string]string{"category": "coding"},
		},
		{
			name: "boolean flags",
			args: []string{"--urgent", "--category", "coding", "--retryable"},
			want: map[string]string{"urgent": "true", "category": "coding", "retryable": "true"},
		},
		{
			name: "non-flag args ignored",
			args: []string{"positional", "--id", "t1"},
			want: map[string]string{"id": "t1"},
		},
		{
			name: "short prefix not treated as flag",
			args: []string{"-n", "test"},
			want: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseArgs(tt.args)
			if len(got) != len(tt.want) {
				t.Errorf("parseArgs(%v) returned %d entries, want %d", tt.args, len(got), len(tt.want))
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("parseArgs(%v)[%q] = %q, want %q", tt.args, k, got[k], v)
				}
			}
		})
	}
}

func TestTaskFromArgs(t *testing.T) {
	task, err := taskFromArgs(map[string]string{
		"category": "coding", "id": "t1", "priority": "high",
		"deps": "a, b,,c", "units": "40", "complexity": "0.7", "retryable": "true",
	})
	if err != nil {
		t.Fatal(err)
	}
	if task.Priority != bus.PriorityHigh || task.ContextUnits != 40 || task.Complexity != 0.7 || !task.Retryable {
		t.Errorf("unexpected task %+v", task)
	}
	if strings.Join(task.Dependencies, ",") != "a,b,c" {
		t.Errorf("unexpected dependencies %v", task.Dependencies)
	}

	if _, err := taskFromArgs(map[string]string{"category": "x", "priority": "urgent"}); err == nil {
		t.Error("expected error for unknown priority")
	}
	if _, err := taskFromArgs(map[string]string{"category": "x", "units": "many"}); err == nil {
		t.Error("expected error for bad units")
	}
}

// startResponder runs a fake control plane that records commands and
// answers with reply.
func startResponder(t *testing.T, reply ipc.Response) (*ipc.Client, <-chan ipc.Command) {
	t.Helper()
	srv, err := natsbus.NewServer(config.NATSConfig{Port: 0})
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Close)

	nc, err := natsbus.NewClient(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(nc.Close)

	cmds := make(chan ipc.Command, 1)
	_, err = nc.Subscribe(natsbus.TopicControl, func(msg *nats.Msg) {
		var cmd ipc.Command
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			t.Errorf("unmarshal command: %v", err)
			return
		}
		cmds <- cmd
		data, _ := json.Marshal(reply)
		msg.Respond(data)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	nc.Flush()
	return ipc.NewClient(nc, 5*time.Second), cmds
}

func TestRunSubmit(t *testing.T) {
	client, cmds := startResponder(t, ipc.Response{OK: true, ID: "task-123"})

	var out bytes.Buffer
	err := run(client, "submit", []string{"--category", "coding", "--description", "fix bug", "--urgent"}, &out)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "task-123") {
		t.Errorf("expected id in output, got %q", out.String())
	}

	cmd := <-cmds
	if cmd.Type != ipc.CmdSubmitTask {
		t.Errorf("expected submit_task, got %s", cmd.Type)
	}
	var req ipc.SubmitRequest
	if err := json.Unmarshal(cmd.Payload, &req); err != nil {
		t.Fatal(err)
	}
	if req.Task.Category != "coding" || req.Task.Description != "fix bug" || !req.Urgent {
		t.Errorf("unexpected request %+v", req)
	}
}

func TestRunOutcome(t *testing.T) {
	client, cmds := startResponder(t, ipc.Response{OK: true, ID: "t1"})

	var out bytes.Buffer
	if err := run(client, "outcome", []string{"--id", "t1", "--error", "compile failed", "--duration-ms", "900"}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	cmd := <-cmds
	var req ipc.OutcomeRequest
	if err := json.Unmarshal(cmd.Payload, &req); err != nil {
		t.Fatal(err)
	}
	if req.TaskID != "t1" || req.Success || req.Error != "compile failed" || req.DurationMs != 900 {
		t.Errorf("unexpected outcome request %+v", req)
	}
}

func TestRunStatus(t *testing.T) {
	client, _ := startResponder(t, ipc.Response{OK: true, Status: &coordinator.Status{
		PoolSize: 3, LiveAgents: 2, ActiveAgents: 1, IdleAgents: 1, QueueDepth: 4,
	}})

	var out bytes.Buffer
	if err := run(client, "status", nil, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "2/3 live") || !strings.Contains(out.String(), "4 queued") {
		t.Errorf("unexpected status output %q", out.String())
	}
}

func TestRunRemoteError(t *testing.T) {
	client, _ := startResponder(t, ipc.Response{Error: "agent ghost: unknown agent", Code: "not_found"})

	err := run(client, "terminate", []string{"--agent", "ghost"}, &bytes.Buffer{})
	var remote *ipc.RemoteError
	if !errors.As(err, &remote) || remote.Code != "not_found" {
		t.Errorf("expected not_found remote error, got %v", err)
	}
}

func TestRunUsageErrors(t *testing.T) {
	tests := []struct {
		command string
		args    []string
	}{
		{"submit", nil},
		{"outcome", []string{"--id", "t1"}},
		{"outcome", []string{"--success"}},
		{"terminate", nil},
		{"task", nil},
		{"reboot", nil},
	}
	for _, tt := range tests {
		err := run(nil, tt.command, tt.args, &bytes.Buffer{})
		if !errors.Is(err, errUsage) {
			t.Errorf("run(%s %v) = %v, want usage error", tt.command, tt.args, err)
		}
	}
}
