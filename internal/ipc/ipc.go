// Package ipc serves the coordinator control plane over NATS request/reply.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/syntonia/internal/coordinator"
	"github.com/mtzanidakis/syntonia/internal/natsbus"
	"github.com/nats-io/nats.go"
)

const (
	CmdSubmitTask     = "submit_task"
	CmdRecordOutcome  = "record_outcome"
	CmdTerminateAgent = "terminate_agent"
	CmdStatus         = "status"
	CmdGetTask        = "get_task"
)

// Controller is the subset of the coordinator the control plane drives.
type Controller interface {
	Submit(ctx context.Context, task coordinator.Task, opts ...coordinator.SubmitOption) (string, error)
	RecordOutcome(ctx context.Context, taskID string, outcome coordinator.Outcome, metrics coordinator.Metrics) error
	Terminate(ctx context.Context, agentID, reason string) error
	GetStatus() coordinator.Status
	Task(id string) (coordinator.Task, bool)
}

type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Response struct {
	OK     bool                `json:"ok,omitempty"`
	Error  string              `json:"error,omitempty"`
	Code   string              `json:"code,omitempty"`
	ID     string              `json:"id,omitempty"`
	Task   *coordinator.Task   `json:"task,omitempty"`
	Status *coordinator.Status `json:"status,omitempty"`
}

type SubmitRequest struct {
	Task   coordinator.Task `json:"task"`
	Urgent bool             `json:"urgent,omitempty"`
}

type OutcomeRequest struct {
	TaskID     string             `json:"task_id"`
	Success    bool               `json:"success"`
	Error      string             `json:"error,omitempty"`
	DurationMs int64              `json:"duration_ms,omitempty"`
	Values     map[string]float64 `json:"values,omitempty"`
}

type TerminateRequest struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason,omitempty"`
}

type TaskRequest struct {
	ID string `json:"id"`
}

// Server answers control commands on natsbus.TopicControl.
type Server struct {
	ctrl    Controller
	sub     *nats.Subscription
	timeout time.Duration
}

func Serve(client *natsbus.Client, ctrl Controller) (*Server, error) {
	s := &Server{ctrl: ctrl, timeout: 10 * time.Second}
	sub, err := client.Subscribe(natsbus.TopicControl, s.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe control: %w", err)
	}
	s.sub = sub
	slog.Info("control plane listening", "topic", natsbus.TopicControl)
	return s, nil
}

func (s *Server) Close() error {
	return s.sub.Unsubscribe()
}

func (s *Server) handle(msg *nats.Msg) {
	var cmd Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		slog.Warn("invalid control command", "error", err)
		respond(msg, Response{Error: "invalid command"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	slog.Debug("control command received", "type", cmd.Type)
	respond(msg, s.Dispatch(ctx, cmd))
}

// Dispatch executes one command and builds its reply.
func (s *Server) Dispatch(ctx context.Context, cmd Command) Response {
	switch cmd.Type {
	case CmdSubmitTask:
		var req SubmitRequest
		if err := decode(cmd.Payload, &req); err != nil {
			return failure(err)
		}
		var opts []coordinator.SubmitOption
		if req.Urgent {
			opts = append(opts, coordinator.Urgent())
		}
		id, err := s.ctrl.Submit(ctx, req.Task, opts...)
		if err != nil {
			return failure(err)
		}
		return Response{OK: true, ID: id}

	case CmdRecordOutcome:
		var req OutcomeRequest
		if err := decode(cmd.Payload, &req); err != nil {
			return failure(err)
		}
		if req.TaskID == "" {
			return Response{Error: "task_id is required", Code: "invalid_request"}
		}
		err := s.ctrl.RecordOutcome(ctx, req.TaskID,
			coordinator.Outcome{Success: req.Success, Error: req.Error},
			coordinator.Metrics{Duration: time.Duration(req.DurationMs) * time.Millisecond, Values: req.Values})
		if err != nil {
			return failure(err)
		}
		return Response{OK: true, ID: req.TaskID}

	case CmdTerminateAgent:
		var req TerminateRequest
		if err := decode(cmd.Payload, &req); err != nil {
			return failure(err)
		}
		if req.AgentID == "" {
			return Response{Error: "agent_id is required", Code: "invalid_request"}
		}
		if req.Reason == "" {
			req.Reason = "terminated via control plane"
		}
		if err := s.ctrl.Terminate(ctx, req.AgentID, req.Reason); err != nil {
			return failure(err)
		}
		return Response{OK: true, ID: req.AgentID}

	case CmdStatus:
		st := s.ctrl.GetStatus()
		return Response{OK: true, Status: &st}

	case CmdGetTask:
		var req TaskRequest
		if err := decode(cmd.Payload, &req); err != nil {
			return failure(err)
		}
		t, ok := s.ctrl.Task(req.ID)
		if !ok {
			return failure(fmt.Errorf("%w: %s", coordinator.ErrUnknownTask, req.ID))
		}
		return Response{OK: true, ID: t.ID, Task: &t}
	}

	slog.Warn("unknown control command", "type", cmd.Type)
	return Response{Error: "unknown command: " + cmd.Type, Code: "invalid_request"}
}

type requestError struct{ err error }

func (e *requestError) Error() string { return "invalid payload: " + e.err.Error() }

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return &requestError{errors.New("missing payload")}
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return &requestError{err}
	}
	return nil
}

// ErrorCode maps a coordinator error onto a stable code for clients.
func ErrorCode(err error) string {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr), errors.Is(err, coordinator.ErrInvalidTask):
		return "invalid_request"
	case errors.Is(err, coordinator.ErrCyclicDependency):
		return "cyclic_dependency"
	case errors.Is(err, coordinator.ErrAgentUnavailable):
		return "agent_unavailable"
	case errors.Is(err, coordinator.ErrUnknownTask), errors.Is(err, coordinator.ErrUnknownAgent):
		return "not_found"
	case errors.Is(err, coordinator.ErrTaskNotDispatched):
		return "conflict"
	}
	return "internal"
}

func failure(err error) Response {
	return Response{Error: err.Error(), Code: ErrorCode(err)}
}

func respond(msg *nats.Msg, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal control response", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error("failed to respond to control command", "error", err)
	}
}

// Client sends control commands to a running coordinator.
type Client struct {
	nc      *natsbus.Client
	timeout time.Duration
}

func NewClient(nc *natsbus.Client, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{nc: nc, timeout: timeout}
}

// Call sends cmdType with payload and returns the reply. A reply carrying an
// error is returned as a *RemoteError.
func (c *Client) Call(cmdType string, payload any) (*Response, error) {
	cmd := Command{Type: cmdType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		cmd.Payload = raw
	}
	var resp Response
	if err := c.nc.RequestJSON(natsbus.TopicControl, cmd, &resp, c.timeout); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return &resp, &RemoteError{Code: resp.Code, Message: resp.Error}
	}
	return &resp, nil
}

type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

func (c *Client) Submit(task coordinator.Task, urgent bool) (string, error) {
	resp, err := c.Call(CmdSubmitTask, SubmitRequest{Task: task, Urgent: urgent})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) RecordOutcome(req OutcomeRequest) error {
	_, err := c.Call(CmdRecordOutcome, req)
	return err
}

func (c *Client) Terminate(agentID, reason string) error {
	_, err := c.Call(CmdTerminateAgent, TerminateRequest{AgentID: agentID, Reason: reason})
	return err
}

func (c *Client) Status() (*coordinator.Status, error) {
	resp, err := c.Call(CmdStatus, nil)
	if err != nil {
		return nil, err
	}
	return resp.Status, nil
}

func (c *Client) Task(id string) (*coordinator.Task, error) {
	resp, err := c.Call(CmdGetTask, TaskRequest{ID: id})
	if err != nil {
		return nil, err
	}
	return resp.Task, nil
}
