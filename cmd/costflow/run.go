package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/costflow/internal/metricspush"
	"github.com/smallbiznis/costflow/internal/pipeline"
	pipelinedomain "github.com/smallbiznis/costflow/internal/pipeline/domain"
	providerdomain "github.com/smallbiznis/costflow/internal/provider/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var runFlags struct {
	tenant   string
	provider string
	domain   string
	pipeline string
	from     string
	to       string
	wait     bool
	timeout  time.Duration
}

var runCmd = &cobra.Command{
	Use:     "run",
	Short:   "Trigger one pipeline run and wait for it to finish",
	Example: `  costflow run --tenant acme --provider aws --domain usage --from 2026-03-01 --to 2026-03-07`,
	RunE:    runOnce,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.tenant, "tenant", "", "tenant id")
	f.StringVar(&runFlags.provider, "provider", "", "provider id")
	f.StringVar(&runFlags.domain, "domain", "usage", "data domain")
	f.StringVar(&runFlags.pipeline, "pipeline", "", "pipeline name (defaults to <provider>_<domain>)")
	f.StringVar(&runFlags.from, "from", "", "first day, YYYY-MM-DD")
	f.StringVar(&runFlags.to, "to", "", "last day, YYYY-MM-DD (inclusive)")
	f.BoolVar(&runFlags.wait, "wait", true, "wait for a terminal status")
	f.DurationVar(&runFlags.timeout, "timeout", 30*time.Minute, "give up waiting after this long and cancel the run")
	_ = runCmd.MarkFlagRequired("tenant")
	_ = runCmd.MarkFlagRequired("provider")
	_ = runCmd.MarkFlagRequired("from")
	_ = runCmd.MarkFlagRequired("to")
}

func runOnce(cmd *cobra.Command, _ []string) error {
	dates, err := providerdomain.ParseDateRange(runFlags.from, runFlags.to)
	if err != nil {
		return err
	}

	var (
		runs   pipelinedomain.Service
		pusher metricspush.Pusher
		log    *zap.Logger
	)
	app := fx.New(
		infraModules(),
		domainModules(),
		metricspush.Module,
		pipeline.WithWorkers(),
		fx.Populate(&runs, &pusher, &log),
		fx.NopLogger,
	)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancelStart := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancelStart()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = app.Stop(stopCtx)
	}()

	run, err := runs.Trigger(cmd.Context(), pipelinedomain.TriggerRequest{
		TenantID:     runFlags.tenant,
		Provider:     runFlags.provider,
		Domain:       runFlags.domain,
		PipelineName: runFlags.pipeline,
		Range:        dates,
	})
	if err != nil {
		return err
	}
	if !runFlags.wait {
		return printRun(cmd, run)
	}

	run, err = waitForRun(cmd.Context(), runs, run, runFlags.timeout)
	pushRunMetrics(cmd.Context(), pusher, log, run)
	if perr := printRun(cmd, run); perr != nil {
		return perr
	}
	if err != nil {
		return err
	}
	if run.Status != pipelinedomain.StatusSucceeded {
		return fmt.Errorf("run %s finished as %s", run.ID, run.Status)
	}
	return nil
}

// waitForRun polls until the run is terminal. On timeout the run is cancelled.
func waitForRun(ctx context.Context, runs pipelinedomain.Service, run *pipelinedomain.Run, timeout time.Duration) (*pipelinedomain.Run, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for !run.Terminal() {
		select {
		case <-ctx.Done():
			cancelled, err := runs.Cancel(context.WithoutCancel(ctx), run.ID)
			if err != nil && !errors.Is(err, pipelinedomain.ErrRunFinished) {
				return run, err
			}
			if cancelled != nil {
				run = cancelled
			}
			return run, ctx.Err()
		case <-ticker.C:
		}

		latest, err := runs.Status(ctx, run.ID)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return run, err
		}
		run = latest
	}
	return run, nil
}

// pushRunMetrics ships the process metrics before exit. Failures only warn.
func pushRunMetrics(ctx context.Context, pusher metricspush.Pusher, log *zap.Logger, run *pipelinedomain.Run) {
	if pusher == nil || run == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	grouping := map[string]string{
		"tenant_id": run.TenantID,
		"provider":  run.Provider,
	}
	if err := pusher.Push(ctx, prometheus.DefaultGatherer, grouping); err != nil {
		log.Warn("metrics push failed", zap.Error(err), zap.String("run_id", run.ID.String()))
	}
}

func printRun(cmd *cobra.Command, run *pipelinedomain.Run) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(run)
}
