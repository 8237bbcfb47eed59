package natsbus

import (
	"fmt"
	"time"

	"github.com/mtzanidakis/syntonia/internal/config"
	natsserver "github.com/nats-io/nats-server/v2/server"
)

// Server is an in-process NATS server used when no external URL is
// configured.
type Server struct {
	server *natsserver.Server
}

// NewServer starts an embedded server. Port 0 picks a random free port.
func NewServer(cfg config.NATSConfig) (*Server, error) {
	port := cfg.Port
	if port == 0 {
		port = natsserver.RANDOM_PORT
	}
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready")
	}

	return &Server{server: ns}, nil
}

func (s *Server) ClientURL() string {
	return s.server.ClientURL()
}

func (s *Server) NumClients() int {
	return s.server.NumClients()
}

func (s *Server) Close() {
	s.server.Shutdown()
	s.server.WaitForShutdown()
}
