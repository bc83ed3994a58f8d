// Package supervisor starts the process's long-lived components in order
// and stops them in reverse with a bounded drain window, so a deploy or a
// signal never strands sessions or half-written batches.
package supervisor

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Component is one supervised unit. Start must return promptly after
// launching its own goroutines; Stop must honor its context deadline.
type Component struct {
	Name  string
	Start func(ctx context.Context) error
	Stop  func(ctx context.Context) error
}

// Supervisor runs components with ordered startup and reverse-ordered,
// time-bounded shutdown.
type Supervisor struct {
	logger     zerolog.Logger
	drain      time.Duration
	components []Component
	started    []Component
}

// New builds a Supervisor with the given drain window per Stop call.
func New(drain time.Duration, logger zerolog.Logger) *Supervisor {
	if drain <= 0 {
		drain = 10 * time.Second
	}
	return &Supervisor{
		logger: logger.With().Str("component", "supervisor").Logger(),
		drain:  drain,
	}
}

// Add appends a component; start order is Add order.
func (s *Supervisor) Add(c Component) {
	s.components = append(s.components, c)
}

// Run starts everything, blocks until ctx is cancelled or SIGINT/SIGTERM
// arrives, then stops the started components in reverse order. A failed
// start stops what already started and returns the error.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, c := range s.components {
		s.logger.Info().Str("unit", c.Name).Msg("Starting")
		if err := c.Start(ctx); err != nil {
			s.logger.Error().Err(err).Str("unit", c.Name).Msg("Start failed")
			s.stopAll()
			return fmt.Errorf("start %s: %w", c.Name, err)
		}
		s.started = append(s.started, c)
	}

	<-ctx.Done()
	s.logger.Info().Msg("Shutdown requested")
	s.stopAll()
	return nil
}

func (s *Supervisor) stopAll() {
	for i := len(s.started) - 1; i >= 0; i-- {
		c := s.started[i]
		if c.Stop == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.drain)
		if err := c.Stop(ctx); err != nil {
			s.logger.Warn().Err(err).Str("unit", c.Name).Msg("Stop failed")
		} else {
			s.logger.Info().Str("unit", c.Name).Msg("Stopped")
		}
		cancel()
	}
	s.started = nil
}
