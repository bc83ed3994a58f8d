// The gateway terminates device WebSocket sessions and bridges them onto
// the durable bus: authentication, per-subject authorization, rate limits,
// publish with dedup and retry, and replayed subscriptions.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/plantlink/plantlink/internal/admin"
	"github.com/plantlink/plantlink/internal/auth"
	"github.com/plantlink/plantlink/internal/bus"
	"github.com/plantlink/plantlink/internal/config"
	"github.com/plantlink/plantlink/internal/limits"
	"github.com/plantlink/plantlink/internal/monitoring"
	"github.com/plantlink/plantlink/internal/registry"
	"github.com/plantlink/plantlink/internal/session"
	"github.com/plantlink/plantlink/internal/supervisor"
)

func main() {
	cfg, err := config.LoadGateway()
	if err != nil {
		boot := monitoring.NewLogger(monitoring.LoggerConfig{Service: "gateway"})
		boot.Fatal().Err(err).Msg("Configuration failed to load")
	}
	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "gateway",
	})
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("Configuration invalid")
	}

	topo, err := config.LoadTopology(cfg.TopologyFile, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.TopologyFile).Msg("Topology failed to load")
	}

	adapter := bus.New(bus.Config{
		URL:           cfg.BusURL,
		ClientName:    cfg.BusClientName,
		ReconnectWait: cfg.BusReconnectWait,
		MaxReconnects: cfg.BusMaxReconnects,
		Topology:      topo.Bus,
	}, logger)

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTLeeway)
	limiter := limits.NewMessageRateLimiter(cfg.MessageRateLimitPerSecond, logger)
	reg := registry.New()

	sessions := session.NewServer(session.Config{
		MaxMessageSize:     cfg.MaxMessageSize,
		RateLimitPerSecond: cfg.MessageRateLimitPerSecond,
		OutgoingBufferSize: cfg.OutgoingBufferSize,
		AuthTimeout:        time.Duration(cfg.AuthenticationTimeoutSeconds) * time.Second,
		PingInterval:       time.Duration(cfg.PingIntervalSeconds) * time.Second,
		PingTimeout:        time.Duration(cfg.PingTimeoutSeconds) * time.Second,
		DrainWindow:        time.Duration(cfg.DrainWindowSeconds) * time.Second,
	}, adapter, verifier, limiter, reg, logger)

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", sessions.HandleWebSocket)
	wsServer := &http.Server{Addr: cfg.ListenAddr, Handler: wsMux}
	adminServer := &http.Server{
		Addr:    cfg.AdminAddr,
		Handler: admin.NewServer(reg, adapter, logger),
	}

	drain := time.Duration(cfg.DrainWindowSeconds) * time.Second
	sup := supervisor.New(drain, logger)

	sup.Add(supervisor.Component{
		Name:  "bus",
		Start: adapter.Initialize,
		Stop: func(context.Context) error {
			adapter.Close()
			return nil
		},
	})
	sup.Add(supervisor.Component{
		Name: "sessions",
		Start: func(context.Context) error {
			go serve(wsServer, logger, "device listener")
			logger.Info().Str("addr", cfg.ListenAddr).Msg("Device listener up")
			return nil
		},
		Stop: func(ctx context.Context) error {
			if err := sessions.Shutdown(ctx); err != nil {
				logger.Warn().Err(err).Msg("Session drain incomplete")
			}
			return wsServer.Shutdown(ctx)
		},
	})
	sup.Add(supervisor.Component{
		Name: "admin",
		Start: func(context.Context) error {
			go serve(adminServer, logger, "admin listener")
			logger.Info().Str("addr", cfg.AdminAddr).Msg("Admin listener up")
			return nil
		},
		Stop: adminServer.Shutdown,
	})
	sup.Add(supervisor.Component{
		Name:  "rate-limiter",
		Start: func(context.Context) error { return nil },
		Stop: func(context.Context) error {
			limiter.Stop()
			return nil
		},
	})

	if err := sup.Run(context.Background()); err != nil {
		logger.Error().Err(err).Msg("Gateway exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("Gateway stopped")
}

func serve(srv *http.Server, logger zerolog.Logger, name string) {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Str("listener", name).Msg("Listener failed")
	}
}
