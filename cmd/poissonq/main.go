// Command poissonq runs the Poisson scheduler demos.
//
// Usage:
//
//	poissonq print [--config config.yaml] [lambda:label ...]
//	poissonq drain [--config config.yaml]
//
// print fires a logging action per category at the given rates; drain feeds
// integers through rate-limited processors and exercises zombie cleanup.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/poissonq/internal/config"
	"github.com/snehjoshi/poissonq/internal/metrics"
	"github.com/snehjoshi/poissonq/pkg/poisson"
	"github.com/snehjoshi/poissonq/pkg/timing"
)

var (
	configPath  string
	runDuration time.Duration

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "poissonq",
	Short:         "Poisson-process action scheduler demos",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml",
		"path to config file (missing file = defaults)")
	rootCmd.PersistentFlags().DurationVar(&runDuration, "duration", 10*time.Second,
		"how long to run; 0 runs until interrupted")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "poissonq: %v\n", err)
		os.Exit(1)
	}
}

// schedulerOptions translates the loaded config into scheduler options.
func schedulerOptions() ([]poisson.Option, error) {
	granularity, err := cfg.CancelGranularity()
	if err != nil {
		return nil, err
	}
	minSleep, err := cfg.MinSleepSize()
	if err != nil {
		return nil, err
	}

	opts := []poisson.Option{
		poisson.WithTimerFactory(func() timing.SleepTimer {
			return timing.NewPreciseTimer(granularity, minSleep)
		}),
	}
	if cfg.Scheduler.Seed != 0 {
		opts = append(opts, poisson.WithSeed(cfg.Scheduler.Seed))
	}
	return opts, nil
}

// serveMetrics exposes reg on /metrics when the endpoint is enabled.
// The returned shutdown func is always safe to call.
func serveMetrics(reg *metrics.Registry) func() {
	if !cfg.Metrics.Enabled {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "err", err)
		}
	}()
	slog.Info("metrics endpoint up", "port", cfg.Metrics.Port)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// waitRun blocks for the configured duration, or until SIGINT/SIGTERM.
func waitRun(ctx context.Context) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if runDuration <= 0 {
		<-ctx.Done()
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(runDuration):
	}
}
