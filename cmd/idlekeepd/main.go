// idlekeepd keeps an always-free cloud instance above its provider's
// reclamation floor by shaping CPU, memory, and network utilization
// toward a target 7-day p95.
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

	flag "github.com/spf13/pflag"

	"github.com/rs/zerolog"

	"github.com/ftahirops/idlekeepd/config"
	"github.com/ftahirops/idlekeepd/coordinator"
	"github.com/ftahirops/idlekeepd/store"
)

// ExitCodeError signals a non-zero exit code without calling os.Exit
// directly, so main can stay a thin wrapper.
type ExitCodeError struct{ Code int }

func (e ExitCodeError) Error() string { return fmt.Sprintf("exit %d", e.Code) }

const (
	exitConfigurationInvalid   = 2
	exitPersistenceUnavailable = 3
)

func main() {
	if err := run(); err != nil {
		var exitErr ExitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		fmt.Fprintf(os.Stderr, "idlekeepd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a JSON configuration file")
	dataDir := flag.String("data-dir", "", "override data_dir")
	shape := flag.String("shape", "", "override shape (e2-micro|a1-flex)")
	metricsAddr := flag.String("metrics-addr", "", "address to serve Prometheus metrics and the JSON snapshot on, e.g. :9308 (empty disables)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		var cfgErr *config.ConfigurationInvalidError
		if errors.As(err, &cfgErr) {
			fmt.Fprintf(os.Stderr, "idlekeepd: %v\n", cfgErr)
			return ExitCodeError{Code: exitConfigurationInvalid}
		}
		return fmt.Errorf("load config: %w", err)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *shape != "" {
		cfg.Shape = config.ShapeProfile(*shape)
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "idlekeepd: %v\n", err)
		return ExitCodeError{Code: exitConfigurationInvalid}
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	st, err := store.Open(store.Options{
		Dir:           cfg.DataDir,
		RetentionDays: cfg.RetentionDays,
		CacheTTL:      cfg.P95CacheTTL,
		Logger:        logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "idlekeepd: persistence unavailable: %v\n", err)
		return ExitCodeError{Code: exitPersistenceUnavailable}
	}

	co := coordinator.New(cfg, st, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *metricsAddr != "" {
		startMetricsServer(ctx, *metricsAddr, co, logger)
	}

	return co.Run(ctx)
}

// startMetricsServer serves the Prometheus registry and the JSON
// telemetry snapshot, shutting down when ctx is cancelled. This is a
// metrics/inspection surface, distinct from a container health check.
func startMetricsServer(ctx context.Context, addr string, co *coordinator.Coordinator, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", co.Telemetry().Handler())
	mux.Handle("/snapshot", co.Telemetry().SnapshotHandler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn().Err(err).Msg("metrics server exited")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
