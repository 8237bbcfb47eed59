package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mtzanidakis/syntonia/internal/bus"
	"github.com/mtzanidakis/syntonia/internal/config"
	"github.com/mtzanidakis/syntonia/internal/contextmgr"
	"github.com/mtzanidakis/syntonia/internal/coordinator"
	"github.com/mtzanidakis/syntonia/internal/memory"
	"github.com/mtzanidakis/syntonia/internal/natsbus"
	"github.com/nats-io/nats.go"
)

type Server struct {
	coord     *coordinator.Coordinator
	contexts  *contextmgr.Manager
	memory    *memory.Store
	bus       *bus.Bus
	nats      *natsbus.Client
	sub       *nats.Subscription
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time
}

type Option func(*Server)

// WithEvents relays every NATS event to websocket clients.
func WithEvents(nc *natsbus.Client) Option { return func(s *Server) { s.nats = nc } }

func WithMemory(m *memory.Store) Option { return func(s *Server) { s.memory = m } }

func NewServer(cfg config.WebConfig, coord *coordinator.Coordinator, contexts *contextmgr.Manager, msgs *bus.Bus, version string, opts ...Option) *Server {
	s := &Server{
		coord:     coord,
		contexts:  contexts,
		bus:       msgs,
		hub:       NewHub(),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the API with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPI(mux)
	mux.HandleFunc("/api/ws", s.handleWebSocket)
	return s.withMiddleware(mux)
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	if err := s.subscribeEvents(); err != nil {
		return err
	}
	defer s.unsubscribe()

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		if strings.HasPrefix(r.URL.Path, "/api/") && s.cfg.Auth != "" && !s.checkAuth(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="syntonia"`)
			jsonError(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkAuth(r *http.Request) bool {
	_, pass, ok := r.BasicAuth()
	return ok && subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Auth)) == 1
}

func (s *Server) subscribeEvents() error {
	if s.nats == nil {
		return nil
	}
	sub, err := s.nats.Subscribe(natsbus.TopicEventsAll, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			slog.Warn("invalid NATS event payload", "topic", msg.Subject, "error", err)
			return
		}
		event.Topic = msg.Subject
		s.hub.Broadcast(event)
	})
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	s.sub = sub
	return nil
}

func (s *Server) unsubscribe() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
}
