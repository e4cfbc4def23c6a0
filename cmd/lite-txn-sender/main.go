package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/helius-labs/lite-txn-sender/admission"
	"github.com/helius-labs/lite-txn-sender/config"
	"github.com/helius-labs/lite-txn-sender/forward"
	"github.com/helius-labs/lite-txn-sender/identity"
	"github.com/helius-labs/lite-txn-sender/internal/logging"
	"github.com/helius-labs/lite-txn-sender/pool"
	"github.com/helius-labs/lite-txn-sender/sender"
	"github.com/helius-labs/lite-txn-sender/telemetry"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to configuration file")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	keypairPath := flag.String("identity", "", "Keypair file overriding the configured path")
	gatewayListen := flag.String("listen", ":18890", "Local intake listen address")
	promListen := flag.String("prometheus-listen", "", "Metrics listen address overriding the configured one")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *keypairPath != "" {
		cfg.Identity.KeypairPath = *keypairPath
	}
	if *promListen != "" {
		cfg.Telemetry.Listen = *promListen
	}

	if *configCheck {
		fmt.Printf("configuration ok: %d destination(s)\n", len(cfg.Destinations))
		os.Exit(0)
	}

	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()
	log.Logger = logger

	id, err := identity.Load(cfg.Identity.KeypairPath, cfg.Identity.AllowEphemeral)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load identity")
	}
	logger.Info().Str("identity", id.PublicKey()).Msg("identity loaded")

	collector := telemetry.Collector(telemetry.Noop())
	if cfg.Telemetry.Enabled {
		prom, err := telemetry.NewPrometheusCollector(prometheus.DefaultRegisterer)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to register telemetry")
		}
		collector = prom
	}

	adm := admission.New(cfg, collector)
	connPool, err := pool.New(cfg, id, adm, logger, collector)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create connection pool")
	}
	fwd := forward.New(cfg, logger)
	svc := sender.New(cfg, adm, connPool, fwd, logger, collector)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	group, runCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return svc.Run(runCtx)
	})
	group.Go(func() error {
		return serveGateway(runCtx, *gatewayListen, cfg, svc, logger)
	})
	if cfg.Telemetry.Enabled && cfg.Telemetry.Listen != "" {
		group.Go(func() error {
			return serveMetrics(runCtx, cfg.Telemetry.Listen, logger)
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("service stopped with error")
	}
	logger.Info().Msg("shutdown complete")
}

// serveGateway exposes the local intake: POST /send with the raw transaction
// bytes as the body and the destination name in a query parameter, or
// POST /broadcast to fan out to every destination.
func serveGateway(ctx context.Context, listen string, cfg *config.Config, svc *sender.Service, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/send", func(w http.ResponseWriter, r *http.Request) {
		payload, dest, ok := readIntake(w, r, cfg)
		if !ok {
			return
		}
		writeSubmitResult(w, svc.Submit(payload, dest))
	})
	mux.HandleFunc("/broadcast", func(w http.ResponseWriter, r *http.Request) {
		payload, _, ok := readIntake(w, r, cfg)
		if !ok {
			return
		}
		accepted, err := svc.SubmitAll(payload)
		if err != nil && accepted == 0 {
			writeSubmitResult(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintf(w, "accepted %d\n", accepted)
	})
	return serveHTTP(ctx, listen, mux, logger.With().Str("component", "gateway").Logger())
}

func readIntake(w http.ResponseWriter, r *http.Request, cfg *config.Config) ([]byte, string, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, "", false
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, int64(cfg.Transport.MaxPayloadSize)+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return nil, "", false
	}
	return payload, r.URL.Query().Get("destination"), true
}

func writeSubmitResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, sender.ErrPayloadTooLarge):
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
	case errors.Is(err, sender.ErrNoDestination):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, sender.ErrQueueFull):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, sender.ErrShuttingDown):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func serveMetrics(ctx context.Context, listen string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return serveHTTP(ctx, listen, mux, logger.With().Str("component", "metrics").Logger())
}

func serveHTTP(ctx context.Context, listen string, handler http.Handler, logger zerolog.Logger) error {
	server := &http.Server{Addr: listen, Handler: handler}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("listen", listen).Msg("listening")
		errCh <- server.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
