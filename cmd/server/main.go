package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/vehbioztomurcuk/oeks-tt-v2/internal/artifact"
	"github.com/vehbioztomurcuk/oeks-tt-v2/internal/catalog"
	"github.com/vehbioztomurcuk/oeks-tt-v2/internal/config"
	"github.com/vehbioztomurcuk/oeks-tt-v2/internal/events"
	"github.com/vehbioztomurcuk/oeks-tt-v2/internal/handlers"
	"github.com/vehbioztomurcuk/oeks-tt-v2/internal/ingest"
	"github.com/vehbioztomurcuk/oeks-tt-v2/internal/liveness"
	"github.com/vehbioztomurcuk/oeks-tt-v2/internal/logging"
	"github.com/vehbioztomurcuk/oeks-tt-v2/internal/metrics"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	logger, err := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	store, err := artifact.New(cfg.ArtifactRoot, logger.With().Str("component", "store").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("open artifact store")
	}

	cat, err := catalog.Open(cfg.DBName)
	if err != nil {
		log.Fatal().Err(err).Msg("open catalog")
	}
	defer func() {
		if err := cat.Close(); err != nil {
			log.Error().Err(err).Msg("close catalog")
		}
	}()

	reg := liveness.NewRegistry(cfg.StalenessThreshold(),
		liveness.WithPersisters(store.Sidecar(), cat),
		liveness.WithLogger(logger.With().Str("component", "liveness").Logger()),
	)
	if err := reg.Restore(ctx); err != nil {
		log.Warn().Err(err).Msg("liveness records partially restored")
	}

	var pub events.Publisher = events.Nop{}
	if cfg.NATSURL != "" {
		bus, err := events.New(cfg.NATSURL,
			nats.Name("fleet-collector"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("connect nats")
		}
		defer bus.Close()
		pub = bus
		log.Info().Str("url", cfg.NATSURL).Msg("publishing events to nats")
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	ingestSrv := ingest.NewServer(ingest.Settings{
		APIKey:             cfg.APIKey,
		AuthTimeout:        cfg.AuthTimeout,
		IdleTimeout:        cfg.IdleTimeout,
		MaxMessageBytes:    cfg.MaxMessageBytes,
		MaxMalformedFrames: cfg.MaxMalformedFrames,
	}, ingest.Deps{
		Store:    store,
		Registry: reg,
		Journal:  cat,
		Events:   pub,
		Metrics:  m,
		Log:      logger,
	})

	h := handlers.NewMonitorHandler(store, reg, cat, logger.With().Str("component", "api").Logger())
	apiSrv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           handlers.NewRouter(h, promReg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 2)
	go func() {
		if err := ingestSrv.ListenAndServe(cfg.ControlAddr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("ingestion server: %w", err)
		}
	}()
	go func() {
		log.Info().Str("addr", apiSrv.Addr).Msg("query api listening")
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("query api: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errc:
		log.Error().Err(err).Msg("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := ingestSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown ingestion server")
	}
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown query api")
	}
}
