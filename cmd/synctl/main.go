package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mtzanidakis/syntonia/internal/bus"
	"github.com/mtzanidakis/syntonia/internal/coordinator"
	"github.com/mtzanidakis/syntonia/internal/ipc"
	"github.com/mtzanidakis/syntonia/internal/natsbus"
)

// parseArgs reads "--key value" pairs. A flag followed by another flag or
// by nothing is a boolean and maps to "true".
func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) <= 2 || args[i][:2] != "--" {
			continue
		}
		name := args[i][2:]
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
			result[name] = args[i+1]
			i++
			continue
		}
		result[name] = "true"
	}
	return result
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, `  synctl submit --category "..." [--id ...] [--description ...] [--priority low|normal|high|critical]`)
	fmt.Fprintln(w, `                [--deps a,b] [--units N] [--complexity X] [--retryable] [--urgent]`)
	fmt.Fprintln(w, `  synctl outcome --id "..." (--success | --error "...") [--duration-ms N]`)
	fmt.Fprintln(w, `  synctl terminate --agent "..." [--reason "..."]`)
	fmt.Fprintln(w, `  synctl task --id "..."`)
	fmt.Fprintln(w, "  synctl status")
}

var errUsage = errors.New("invalid usage")

func run(client *ipc.Client, command string, rest []string, out io.Writer) error {
	args := parseArgs(rest)

	switch command {
	case "submit":
		if args["category"] == "" {
			return fmt.Errorf("%w: --category is required", errUsage)
		}
		task, err := taskFromArgs(args)
		if err != nil {
			return err
		}
		id, err := client.Submit(task, args["urgent"] == "true")
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Task submitted: %s\n", id)

	case "outcome":
		if args["id"] == "" {
			return fmt.Errorf("%w: --id is required", errUsage)
		}
		if args["success"] != "true" && args["error"] == "" {
			return fmt.Errorf("%w: one of --success or --error is required", errUsage)
		}
		req := ipc.OutcomeRequest{
			TaskID:  args["id"],
			Success: args["success"] == "true" && args["error"] == "",
			Error:   args["error"],
		}
		if v := args["duration-ms"]; v != "" {
			ms, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid --duration-ms: %w", err)
			}
			req.DurationMs = ms
		}
		if err := client.RecordOutcome(req); err != nil {
			return err
		}
		fmt.Fprintf(out, "Outcome recorded for %s\n", req.TaskID)

	case "terminate":
		if args["agent"] == "" {
			return fmt.Errorf("%w: --agent is required", errUsage)
		}
		if err := client.Terminate(args["agent"], args["reason"]); err != nil {
			return err
		}
		fmt.Fprintf(out, "Agent terminated: %s\n", args["agent"])

	case "task":
		if args["id"] == "" {
			return fmt.Errorf("%w: --id is required", errUsage)
		}
		t, err := client.Task(args["id"])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s  %s  %s  priority=%s attempts=%d\n", t.ID, t.Status, t.Category, t.Priority, t.Attempts)
		if t.AgentID != "" {
			fmt.Fprintf(out, "  agent: %s (%s)\n", t.AgentID, t.AgentType)
		}
		if t.LastError != "" {
			fmt.Fprintf(out, "  error: %s\n", t.LastError)
		}

	case "status":
		st, err := client.Status()
		if err != nil {
			return err
		}
		printStatus(out, st)

	default:
		return fmt.Errorf("%w: unknown command %s", errUsage, command)
	}
	return nil
}

func taskFromArgs(args map[string]string) (coordinator.Task, error) {
	prio, err := bus.ParsePriority(args["priority"])
	if err != nil {
		return coordinator.Task{}, err
	}
	t := coordinator.Task{
		ID:          args["id"],
		Category:    args["category"],
		Description: args["description"],
		Priority:    prio,
		Retryable:   args["retryable"] == "true",
	}
	if deps := args["deps"]; deps != "" {
		for _, d := range strings.Split(deps, ",") {
			if d = strings.TrimSpace(d); d != "" {
				t.Dependencies = append(t.Dependencies, d)
			}
		}
	}
	if v := args["units"]; v != "" {
		if t.ContextUnits, err = strconv.Atoi(v); err != nil {
			return coordinator.Task{}, fmt.Errorf("invalid --units: %w", err)
		}
	}
	if v := args["complexity"]; v != "" {
		if t.Complexity, err = strconv.ParseFloat(v, 64); err != nil {
			return coordinator.Task{}, fmt.Errorf("invalid --complexity: %w", err)
		}
	}
	return t, nil
}

func printStatus(out io.Writer, st *coordinator.Status) {
	fmt.Fprintf(out, "Pool:   %d/%d live (%d active, %d idle)\n", st.LiveAgents, st.PoolSize, st.ActiveAgents, st.IdleAgents)
	fmt.Fprintf(out, "Tasks:  %d queued, %d dispatched, %d completed, %d failed\n",
		st.QueueDepth, st.DispatchedTasks, st.CompletedTasks, st.FailedTasks)
	for agent, u := range st.PerAgentContextUsage {
		fmt.Fprintf(out, "  %s  %d/%d (%.0f%%)\n", agent, u.Used, u.Budget, u.UsedRatio*100)
	}
}

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}

	nc, err := natsbus.NewClient(natsURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer nc.Close()

	if err := run(ipc.NewClient(nc, 10*time.Second), os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, errUsage) {
			usage(os.Stderr)
		}
		nc.Close()
		os.Exit(1)
	}
}
