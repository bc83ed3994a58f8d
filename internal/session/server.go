package session

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/plantlink/plantlink/internal/auth"
	"github.com/plantlink/plantlink/internal/limits"
	"github.com/plantlink/plantlink/internal/registry"
)

// Server accepts device connections, upgrades them, and runs one Session
// per socket until shutdown.
type Server struct {
	cfg      Config
	bus      Bus
	verifier *auth.Verifier
	limiter  *limits.MessageRateLimiter
	registry *registry.Registry
	logger   zerolog.Logger

	shuttingDown atomic.Bool

	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// NewServer wires the session server over shared gateway components.
func NewServer(cfg Config, b Bus, v *auth.Verifier, lim *limits.MessageRateLimiter, reg *registry.Registry, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg.withDefaults(),
		bus:      b,
		verifier: v,
		limiter:  lim,
		registry: reg,
		logger:   logger.With().Str("component", "session").Logger(),
		sessions: make(map[string]*Session),
	}
}

// Registry exposes the live-session registry for the admin surface.
func (s *Server) Registry() *registry.Registry { return s.registry }

// HandleWebSocket upgrades the request and runs the session on the caller's
// goroutine pool. A bearer credential on the upgrade request pre-authenticates
// the session; browsers that cannot set headers send an AUTH frame instead.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	token := auth.BearerFromRequest(r)

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Upgrade failed")
		return
	}

	sess := NewSession(NewWSTransport(conn), s.bus, s.verifier, s.limiter, s.registry, s.cfg, s.logger)

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.sessions, sess.id)
			s.mu.Unlock()
		}()
		sess.Run(token)
	}()
}

// Shutdown stops accepting connections and drains every live session within
// its drain window. Blocks until all session goroutines have returned or the
// context is cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)

	s.mu.Lock()
	live := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	s.logger.Info().Int("sessions", len(live)).Msg("Draining sessions")
	for _, sess := range live {
		go sess.Shutdown("server_shutdown")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
