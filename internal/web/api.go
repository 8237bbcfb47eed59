package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mtzanidakis/syntonia/internal/bus"
	"github.com/mtzanidakis/syntonia/internal/contextmgr"
	"github.com/mtzanidakis/syntonia/internal/coordinator"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Tasks
	mux.HandleFunc("GET /api/tasks", s.listTasks)
	mux.HandleFunc("POST /api/tasks", s.submitTask)
	mux.HandleFunc("GET /api/tasks/{id}", s.getTask)
	mux.HandleFunc("POST /api/tasks/{id}/outcome", s.recordOutcome)

	// Agents
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("GET /api/agents/types", s.listAgentTypes)
	mux.HandleFunc("GET /api/agents/{id}/context", s.getAgentContext)
	mux.HandleFunc("DELETE /api/agents/{id}", s.terminateAgent)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
	mux.HandleFunc("GET /api/memory/stats", s.getMemoryStats)
}

type taskRequest struct {
	ID                  string   `json:"id"`
	Category            string   `json:"category"`
	Description         string   `json:"description"`
	Complexity          float64  `json:"complexity"`
	EstimatedDurationMs int64    `json:"estimated_duration_ms"`
	Priority            string   `json:"priority"`
	Dependencies        []string `json:"dependencies"`
	ContextUnits        int      `json:"context_units"`
	Retryable           bool     `json:"retryable"`
	Urgent              bool     `json:"urgent"`
}

func (r taskRequest) task() (coordinator.Task, error) {
	prio, err := bus.ParsePriority(r.Priority)
	if err != nil {
		return coordinator.Task{}, err
	}
	return coordinator.Task{
		ID:                r.ID,
		Category:          r.Category,
		Description:       r.Description,
		Complexity:        r.Complexity,
		EstimatedDuration: time.Duration(r.EstimatedDurationMs) * time.Millisecond,
		Priority:          prio,
		Dependencies:      r.Dependencies,
		ContextUnits:      r.ContextUnits,
		Retryable:         r.Retryable,
	}, nil
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.coord.Tasks())
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var body taskRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	task, err := body.task()
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var opts []coordinator.SubmitOption
	if body.Urgent {
		opts = append(opts, coordinator.Urgent())
	}
	id, err := s.coord.Submit(r.Context(), task, opts...)
	if err != nil {
		coordinatorError(w, err)
		return
	}

	created, _ := s.coord.Task(id)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(created)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.coord.Task(r.PathValue("id"))
	if !ok {
		jsonError(w, "task not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, t)
}

func (s *Server) recordOutcome(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Success    bool               `json:"success"`
		Error      string             `json:"error"`
		DurationMs int64              `json:"duration_ms"`
		Values     map[string]float64 `json:"values"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id := r.PathValue("id")
	err := s.coord.RecordOutcome(r.Context(), id,
		coordinator.Outcome{Success: body.Success, Error: body.Error},
		coordinator.Metrics{Duration: time.Duration(body.DurationMs) * time.Millisecond, Values: body.Values})
	if err != nil {
		coordinatorError(w, err)
		return
	}
	t, _ := s.coord.Task(id)
	jsonResponse(w, t)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.coord.Agents())
}

func (s *Server) listAgentTypes(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.coord.AgentTypes())
}

func (s *Server) getAgentContext(w http.ResponseWriter, r *http.Request) {
	st, err := s.contexts.State(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, contextmgr.ErrNoReservation) {
			jsonError(w, "agent has no context", http.StatusNotFound)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, st)
}

func (s *Server) terminateAgent(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "terminated via api"
	}
	id := r.PathValue("id")
	if err := s.coord.Terminate(r.Context(), id, reason); err != nil {
		coordinatorError(w, err)
		return
	}
	a, _ := s.coord.Agent(id)
	jsonResponse(w, a)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]any{
		"version":     s.version,
		"uptime":      formatUptime(time.Since(s.startedAt)),
		"coordinator": s.coord.GetStatus(),
		"bus":         s.bus.Metrics(),
		"ws_clients":  s.hub.Clients(),
	})
}

func (s *Server) getMemoryStats(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		jsonError(w, "memory store not configured", http.StatusNotFound)
		return
	}
	jsonResponse(w, s.memory.Stats())
}

func coordinatorError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, coordinator.ErrInvalidTask), errors.Is(err, coordinator.ErrCyclicDependency):
		code = http.StatusBadRequest
	case errors.Is(err, coordinator.ErrUnknownTask), errors.Is(err, coordinator.ErrUnknownAgent):
		code = http.StatusNotFound
	case errors.Is(err, coordinator.ErrTaskNotDispatched):
		code = http.StatusConflict
	case errors.Is(err, coordinator.ErrAgentUnavailable):
		code = http.StatusServiceUnavailable
	}
	jsonError(w, err.Error(), code)
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
