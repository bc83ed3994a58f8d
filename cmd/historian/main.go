// The historian consumes stored telemetry, events, and quality inspections
// from the bus, normalizes them, and writes batched rows to the time-series
// database with a hash-chained audit trail of every ingested batch.
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
	"github.com/plantlink/plantlink/internal/audit"
	"github.com/plantlink/plantlink/internal/bus"
	"github.com/plantlink/plantlink/internal/config"
	"github.com/plantlink/plantlink/internal/historian"
	"github.com/plantlink/plantlink/internal/monitoring"
	"github.com/plantlink/plantlink/internal/supervisor"
)

func main() {
	cfg, err := config.LoadHistorian()
	if err != nil {
		boot := monitoring.NewLogger(monitoring.LoggerConfig{Service: "historian"})
		boot.Fatal().Err(err).Msg("Configuration failed to load")
	}
	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "historian",
	})
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("Configuration invalid")
	}

	topo, err := config.LoadTopology(cfg.TopologyFile, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.TopologyFile).Msg("Topology failed to load")
	}

	ctx := context.Background()
	store, err := historian.NewPGStore(ctx, cfg.DBConnectionString)
	if err != nil {
		logger.Fatal().Err(err).Msg("Database connection failed")
	}
	defer store.Close()

	var chain *audit.Chain
	if cfg.EnableAuditLogging {
		chain = audit.NewChain(audit.NewPGStore(store.Pool()), logger)
	}

	adapter := bus.New(bus.Config{
		URL:           cfg.BusURL,
		ClientName:    cfg.BusClientName,
		ReconnectWait: cfg.BusReconnectWait,
		MaxReconnects: cfg.BusMaxReconnects,
		Topology:      topo.Bus,
	}, logger)

	ingestor := historian.NewIngestor(adapter, store, chain, topo.Historian.Consumers, historian.WriterConfig{
		BatchSize:    cfg.BatchSize,
		BatchTimeout: time.Duration(cfg.BatchTimeoutMS) * time.Millisecond,
		QueueSize:    cfg.WriterQueueSize,
	}, logger)

	adminServer := &http.Server{
		Addr:    cfg.AdminAddr,
		Handler: admin.NewServer(nil, adapter, logger),
	}

	sup := supervisor.New(10*time.Second, logger)
	sup.Add(supervisor.Component{
		Name:  "bus",
		Start: adapter.Initialize,
		Stop: func(context.Context) error {
			adapter.Close()
			return nil
		},
	})
	sup.Add(supervisor.Component{
		Name:  "ingestor",
		Start: ingestor.Start,
		Stop: func(context.Context) error {
			ingestor.Stop()
			return nil
		},
	})
	sup.Add(supervisor.Component{
		Name: "admin",
		Start: func(context.Context) error {
			go serve(adminServer, logger)
			logger.Info().Str("addr", cfg.AdminAddr).Msg("Admin listener up")
			return nil
		},
		Stop: adminServer.Shutdown,
	})

	if cfg.EnableIntegrityChecks && chain != nil {
		findings, err := chain.Verify(ctx, 0, 0)
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("Startup audit verification failed to run")
		case len(findings) > 0:
			for _, f := range findings {
				logger.Error().
					Int64("entry_id", f.EntryID).
					Str("kind", string(f.Kind)).
					Str("detail", f.Detail).
					Msg("Audit chain integrity violation")
			}
		default:
			logger.Info().Msg("Audit chain verified clean")
		}
	}

	if err := sup.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Historian exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("Historian stopped")
}

func serve(srv *http.Server, logger zerolog.Logger) {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("Admin listener failed")
	}
}
