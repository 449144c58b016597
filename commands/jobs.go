package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/penwyp/go-pod-accounting/internal/application/harvest"
	"github.com/penwyp/go-pod-accounting/internal/application/report"
	"github.com/penwyp/go-pod-accounting/internal/core/model"
	"github.com/penwyp/go-pod-accounting/internal/data/aggregator"
	"github.com/penwyp/go-pod-accounting/internal/data/checkpoint"
	"github.com/penwyp/go-pod-accounting/internal/presentation/formatter"
	"github.com/penwyp/go-pod-accounting/internal/sink/eosc"
	"github.com/penwyp/go-pod-accounting/internal/util"
)

// runHarvest reconstructs sessions from Prometheus and spools their APEL batch.
func runHarvest(ctx context.Context, rt *runtime) error {
	resolver, err := rt.entitlements()
	if err != nil {
		return err
	}
	f, err := rt.apelFormatter()
	if err != nil {
		return err
	}

	p := &harvest.Pipeline{
		Reconstructor: rt.reconstructor(),
		Entitlements:  resolver,
		Store:         rt.store,
		Formatter:     f,
		Out:           rt.out,
		DryRun:        dryRun,
	}
	q, err := rt.apelSpool()
	if err != nil {
		return err
	}
	if q != nil {
		p.Spool = q
	}

	_, err = p.Run(ctx)
	return err
}

// runAPELReport re-emits APEL batches for stored sessions.
func runAPELReport(ctx context.Context, rt *runtime, fromDate, toDate string, pending bool) error {
	f, err := rt.apelFormatter()
	if err != nil {
		return err
	}
	r := &report.APELReport{
		Store:     rt.store,
		Formatter: f,
		Out:       rt.out,
		Watermark: checkpoint.New(expandPath(rt.cfg.APEL.TimestampFile)),
		Window:    time.Duration(rt.cfg.APEL.WindowHours) * time.Hour,
		Gap:       aggregator.DefaultGap,
		DryRun:    dryRun,
	}
	q, err := rt.apelSpool()
	if err != nil {
		return err
	}
	if q != nil {
		r.Spool = q
	}

	var res report.APELResult
	if pending {
		res, err = r.RunPending(ctx)
	} else {
		from, to, rerr := report.ResolveRange(rt.clock.Now(), r.Watermark, fromDate, toDate)
		if rerr != nil {
			return rerr
		}
		util.LogInfo("APEL report", util.F("from", util.FormatISO(from)), util.F("to", util.FormatISO(to)))
		res, err = r.Run(ctx, from, to)
	}
	if err != nil {
		return err
	}
	util.LogInfo("APEL report finished",
		util.F("records", res.Records),
		util.F("batches", len(res.Entries)),
		util.F("processed", res.Processed))
	return nil
}

func (rt *runtime) eoscClient(ctx context.Context) (*eosc.Client, error) {
	e := rt.cfg.EOSC
	return eosc.NewClient(ctx, eosc.Options{
		AccountingURL:  e.AccountingURL,
		InstallationID: e.InstallationID,
		TokenURL:       e.TokenURL,
		ClientID:       e.ClientID,
		ClientSecret:   e.ClientSecret,
		RefreshToken:   e.RefreshToken,
		Scopes:         e.Scopes,
		Timeout:        e.Timeout,
		DryRun:         dryRun,
	})
}

// runEOSCReport pushes per-window flavor metrics from the store.
func runEOSCReport(ctx context.Context, rt *runtime, fromDate, toDate string) error {
	if len(rt.cfg.EOSC.Flavors) == 0 {
		return fmt.Errorf("eosc.flavors is empty: no flavor is mapped to a metric")
	}
	client, err := rt.eoscClient(ctx)
	if err != nil {
		return err
	}
	wm := checkpoint.New(expandPath(rt.cfg.EOSC.TimestampFile))
	from, to, err := report.ResolveRange(rt.clock.Now(), wm, fromDate, toDate)
	if err != nil {
		return err
	}

	agg := aggregator.New(rt.store, client, wm, aggregator.Options{
		Window:  time.Duration(rt.cfg.EOSC.WindowHours) * time.Hour,
		Gap:     aggregator.DefaultGap,
		Flavors: rt.cfg.EOSC.Flavors,
		Unit:    aggregator.ValueUnit(rt.cfg.EOSC.ValueUnit),
		DryRun:  dryRun,
	})
	res, err := agg.Aggregate(ctx, from, to)
	if err != nil {
		return err
	}
	util.LogInfo("EOSC report finished",
		util.F("from", util.FormatISO(from)),
		util.F("to", util.FormatISO(to)),
		util.F("periods", res.Periods),
		util.F("records", len(res.Records)),
		util.F("skipped", res.Skipped))
	return printSummary(rt, res.Records)
}

// runHubStats pushes hub user and server peaks over the harvest range.
func runHubStats(ctx context.Context, rt *runtime) error {
	client, err := rt.eoscClient(ctx)
	if err != nil {
		return err
	}
	h := &report.HubStats{
		Querier:        rt.prometheusClient(),
		Sink:           client,
		Filter:         rt.cfg.EOSC.HubFilter,
		Range:          rt.cfg.EOSC.HubRange,
		UsersMetric:    rt.cfg.EOSC.UsersMetric,
		SessionsMetric: rt.cfg.EOSC.SessionsMetric,
		Clock:          rt.clock,
	}
	records, err := h.Run(ctx)
	if err != nil {
		return err
	}
	return printSummary(rt, records)
}

// printSummary writes metric totals on dry runs or when asked for.
func printSummary(rt *runtime, records []model.MetricRecord) error {
	if !dryRun && !eoscSummary {
		return nil
	}
	return formatter.NewSummaryFormatter().Format(rt.out, records)
}
