package commands

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/penwyp/go-pod-accounting/internal/core/model"
	"github.com/penwyp/go-pod-accounting/internal/util"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run harvest and reports on a schedule",
	Long: `Runs the harvest, APEL and EOSC jobs on their cron schedules (UTC) and, when enabled,
the lifecycle watcher. Failed jobs are retried with exponential backoff while the error is
retryable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), cmd.OutOrStdout(), true, runServe)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

type scheduledJob struct {
	name     string
	schedule string
	run      func(ctx context.Context, rt *runtime) error
}

func runServe(ctx context.Context, rt *runtime) error {
	jobs := []scheduledJob{
		{"harvest", rt.cfg.Serve.HarvestSchedule, runHarvest},
		{"apel", rt.cfg.Serve.APELSchedule, func(ctx context.Context, rt *runtime) error {
			return runAPELReport(ctx, rt, "", "", false)
		}},
	}
	if len(rt.cfg.EOSC.Flavors) > 0 {
		jobs = append(jobs, scheduledJob{"eosc", rt.cfg.Serve.EOSCSchedule, func(ctx context.Context, rt *runtime) error {
			return runEOSCReport(ctx, rt, "", "")
		}})
	}

	// Jobs share the store, so only one runs at a time.
	var mu sync.Mutex
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	for _, job := range jobs {
		job := job
		if _, err := c.AddFunc(job.schedule, func() {
			mu.Lock()
			defer mu.Unlock()
			if err := retryJob(ctx, rt, job); err != nil {
				util.LogError("Job failed", util.F("job", job.name), util.F("error", err))
			}
		}); err != nil {
			return fmt.Errorf("invalid schedule %q for %s: %w", job.schedule, job.name, err)
		}
		util.LogInfo("Scheduled job", util.F("job", job.name), util.F("schedule", job.schedule))
	}

	var wg sync.WaitGroup
	watchErr := make(chan error, 1)
	if rt.cfg.Serve.Watch && rt.cfg.Watch.EventsDir != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			watchErr <- runWatch(ctx, rt)
		}()
	}

	c.Start()
	var err error
	select {
	case <-ctx.Done():
	case err = <-watchErr:
	}
	<-c.Stop().Done()
	wg.Wait()
	util.LogInfo("Scheduler stopped")
	return err
}

// retryJob runs a job, retrying retryable failures until MaxRetryElapsed.
func retryJob(ctx context.Context, rt *runtime, job scheduledJob) error {
	exp := backoff.NewExponentialBackOff()
	exp.MaxElapsedTime = rt.cfg.Serve.MaxRetryElapsed

	op := func() error {
		err := job.run(ctx, rt)
		if err != nil && !model.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		util.LogWarn("Job failed, retrying", util.F("job", job.name), util.F("error", err), util.F("wait", wait.String()))
	}
	return backoff.RetryNotify(op, backoff.WithContext(exp, ctx), notify)
}
