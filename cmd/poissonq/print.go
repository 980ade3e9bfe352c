package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/poissonq/internal/config"
	"github.com/snehjoshi/poissonq/internal/eventlog"
	"github.com/snehjoshi/poissonq/internal/metrics"
	"github.com/snehjoshi/poissonq/pkg/action"
	"github.com/snehjoshi/poissonq/pkg/poisson"
)

var printCmd = &cobra.Command{
	Use:   "print [lambda:label ...]",
	Short: "Fire a logging action per category at the given rates",
	Long: `Register one category per lambda:label argument (for example 10:flush
fires "flush" about ten times per second) on top of any categories from the
config file, then log every fire until the duration elapses.`,
	RunE: runPrint,
}

func init() {
	rootCmd.AddCommand(printCmd)
}

// parseRate splits a "lambda:label" tuple.
func parseRate(arg string) (config.CategoryConfig, error) {
	lambdaStr, label, ok := strings.Cut(arg, ":")
	if !ok || label == "" {
		return config.CategoryConfig{}, fmt.Errorf("%q: want lambda:label", arg)
	}
	lambda, err := strconv.ParseFloat(lambdaStr, 64)
	if err != nil {
		return config.CategoryConfig{}, fmt.Errorf("%q: bad lambda: %w", arg, err)
	}
	if lambda <= 0 {
		return config.CategoryConfig{}, fmt.Errorf("%q: lambda must be positive", arg)
	}
	return config.CategoryConfig{Label: label, Lambda: lambda}, nil
}

func runPrint(cmd *cobra.Command, args []string) error {
	categories := append([]config.CategoryConfig(nil), cfg.Categories...)
	for _, arg := range args {
		cat, err := parseRate(arg)
		if err != nil {
			return err
		}
		categories = append(categories, cat)
	}
	if len(categories) == 0 {
		return fmt.Errorf("no categories: pass lambda:label arguments or configure some")
	}

	opts, err := schedulerOptions()
	if err != nil {
		return err
	}
	sched := poisson.New[string](cfg.Scheduler.Threads, opts...)
	defer sched.Close()
	sched.SetScale(cfg.Scheduler.Scale)

	reg := &metrics.Registry{}
	stopMetrics := serveMetrics(reg)
	defer stopMetrics()
	sched.SetEvictHook(reg.Evicted)

	log := eventlog.New(1024)
	for _, cat := range categories {
		label := cat.Label
		sched.SetAction(label, action.NewSync(func() bool {
			ev := log.Record(label)
			reg.Fired(label)
			slog.Info("fire", "category", label, "event_id", ev.ID)
			return true
		}))
		sched.SetRate(label, cat.Lambda)
		slog.Info("category registered", "category", label, "lambda", cat.Lambda)
	}

	sched.Start()
	waitRun(context.Background())
	sched.Stop()

	slog.Info("run complete", "fires", log.Total())
	return nil
}
