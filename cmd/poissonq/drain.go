package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/snehjoshi/poissonq/internal/config"
	"github.com/snehjoshi/poissonq/internal/metrics"
	"github.com/snehjoshi/poissonq/pkg/action"
	"github.com/snehjoshi/poissonq/pkg/poisson"
)

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Feed integers through rate-limited processors",
	Long: `Seed the shared input with integers and drain them through one bounded
processor per configured category (a single "work" category when none are
configured). drain.fail_on picks an item the processor rejects, turning it
into a zombie; a periodic cleanup action recovers the zombie's items back
into the shared input.`,
	RunE: runDrain,
}

func init() {
	rootCmd.AddCommand(drainCmd)
}

func runDrain(cmd *cobra.Command, args []string) error {
	opts, err := schedulerOptions()
	if err != nil {
		return err
	}

	reg := &metrics.Registry{}
	stopMetrics := serveMetrics(reg)
	defer stopMetrics()

	q := poisson.NewQueue[string, int](cfg.Scheduler.Threads, slog.Default(), opts...)
	defer q.Close()
	q.Scheduler().SetScale(cfg.Scheduler.Scale)
	q.SetObserver(reg) // counts transfers and zombie-recovered items
	q.Scheduler().SetEvictHook(reg.Evicted)

	categories := cfg.Categories
	if len(categories) == 0 {
		categories = []config.CategoryConfig{{Label: "work", Lambda: 10}}
	}

	// One limiter per processor keeps a slow consumer slow regardless of
	// how fast the scheduler feeds it.
	for _, cat := range categories {
		label := cat.Label
		var limiter *rate.Limiter
		if cfg.Drain.ProcessRate > 0 {
			limiter = rate.NewLimiter(rate.Limit(cfg.Drain.ProcessRate), 1)
		}
		failOn := cfg.Drain.FailOn

		q.SetProcessor(label, func(v *int) bool {
			if limiter != nil {
				_ = limiter.Wait(context.Background())
			}
			if failOn >= 0 && *v == failOn {
				reg.ItemFailed(label)
				slog.Warn("item rejected", "category", label, "item", *v)
				return false
			}
			reg.ItemProcessed(label)
			slog.Info("item processed", "category", label, "item", *v)
			return true
		}, cat.Lambda, cfg.Drain.Capacity)
	}

	// Cleanup runs as an asynchronous action so it can re-enter the
	// scheduler from a scheduler-driven fire.
	q.SetAction("zombie-cleanup", action.NewAsync(q.ZombieCleanup), cfg.Drain.CleanupLambda)

	for i := 0; i < cfg.Drain.Items; i++ {
		q.QueueItem(i)
	}

	q.Start()
	waitRun(context.Background())
	q.Scheduler().Stop()

	q.ZombieCleanup()
	remaining := q.Items()
	slog.Info("run complete",
		"seeded", cfg.Drain.Items,
		"remaining", len(remaining),
	)
	return nil
}
