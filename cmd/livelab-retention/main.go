// Package main provides the run retention daemon. It sweeps the run store
// on a fixed interval and serves Prometheus metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/livinglabs/livelab/internal/bus"
	"github.com/livinglabs/livelab/internal/config"
	"github.com/livinglabs/livelab/internal/metrics"
	"github.com/livinglabs/livelab/internal/notify"
	"github.com/livinglabs/livelab/internal/pkg/logger"
	"github.com/livinglabs/livelab/internal/pkg/middleware"
	"github.com/livinglabs/livelab/internal/retention"
	"github.com/livinglabs/livelab/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const shutdownTimeout = 30 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "livelab-retention",
		Short: "Run retention daemon",
		Long: `livelab-retention applies the run retention policy on a fixed interval.

Each sweep warns the owners of runs that became outdated since the previous
sweep and deletes runs past their reactivation period. Metrics are served
on /metrics and liveness on /healthz.`,
		RunE:         runDaemon,
		SilenceUsage: true,
	}

	rootCmd.Flags().StringP("config", "c", "", "config file path")
	rootCmd.Flags().BoolP("verbose", "v", false, "verbose logging")
	rootCmd.Flags().String("metrics-addr", "", "metrics listen address (overrides config)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("livelab-retention %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		cfg.Metrics.Addr = addr
	}

	logLevel := cfg.Log.Level
	if verbose {
		logLevel = "debug"
	}
	log := logger.New(logLevel, cfg.Log.Format)

	log.Info("Starting retention daemon",
		"version", version,
		"interval", cfg.Retention.Interval,
		"age_threshold", cfg.Retention.AgeThreshold,
		"reactivation_period", cfg.Retention.ReactivationPeriod,
	)

	m := metrics.New()

	st, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = st.Close() }()
	log.Info("Opened run store", "driver", cfg.Store.Driver, "path", cfg.Store.Path)

	innerBus, err := bus.NewBus(cfg.Bus, log)
	if err != nil {
		return fmt.Errorf("failed to create event bus: %w", err)
	}
	defer func() { _ = innerBus.Close() }()
	eventBus := bus.NewInstrumentedBus(innerBus, m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	notifier, err := notify.NewNotifier(ctx, cfg.Bus, eventBus, retention.EventSource, log)
	if err != nil {
		return fmt.Errorf("failed to wire notifications: %w", err)
	}
	log.Info("Notifications published to the bus", "topic", bus.TopicNotifyEmail, "bus", cfg.Bus.Type)

	engine, err := retention.NewEngine(cfg.Retention, st, notifier,
		retention.WithBus(eventBus),
		retention.WithMetrics(m),
		retention.WithLogger(log),
	)
	if err != nil {
		return err
	}

	var ready atomic.Bool
	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	defer rl.Stop()

	httpSrv := &http.Server{
		Addr: cfg.Metrics.Addr,
		Handler: middleware.Chain(newMux(m, &ready),
			middleware.RequestID,
			middleware.Logging(log),
			rl.Middleware,
			middleware.Recover(log),
		),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Starting metrics server", "addr", cfg.Metrics.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sched := newScheduler(engine, st, engine.Interval(), log)
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		_ = sched.Run(ctx)
	}()
	ready.Store(true)

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Error("Metrics server error", "error", err)
		}
		stop()
	}

	ready.Store(false)
	<-schedDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown error", "error", err)
	}

	log.Info("Retention daemon stopped")
	return nil
}

// newMux serves metrics, liveness and readiness.
func newMux(m *metrics.Metrics, ready *atomic.Bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "not_ready"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})

	mux.HandleFunc("GET /v1/version", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"version":    version,
			"git_commit": commit,
			"build_time": date,
		})
	})
	return mux
}
