// Package aggregator sums stored sessions into per-window flavor metrics and pushes them to an
// accounting sink, advancing a watermark after every fully delivered window.
package aggregator

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/penwyp/go-pod-accounting/internal/core/model"
	"github.com/penwyp/go-pod-accounting/internal/util"
)

const (
	DefaultWindow = 24 * time.Hour
	DefaultGap    = time.Minute
)

// ValueUnit selects what a session contributes to its bucket.
type ValueUnit string

const (
	WallSeconds ValueUnit = "wall_seconds"
	WallHours   ValueUnit = "wall_hours"
	CPUSeconds  ValueUnit = "cpu_seconds"
)

// SessionSource lazily selects stored sessions.
type SessionSource interface {
	Select(ctx context.Context, p model.Predicate) iter.Seq2[*model.Session, error]
}

// MetricSink receives aggregated values.
type MetricSink interface {
	Push(ctx context.Context, rec model.MetricRecord) error
}

// Watermark persists the end of the last delivered window.
type Watermark interface {
	Save(t time.Time) error
}

type Options struct {
	Window time.Duration
	Gap    time.Duration
	// Flavors maps a session flavor to its metric definition id.
	Flavors map[string]string
	Unit    ValueUnit
	// DryRun pushes without advancing the watermark.
	DryRun bool
}

// Result describes one Aggregate run.
type Result struct {
	Periods   int
	Records   []model.MetricRecord
	Skipped   int
	Watermark time.Time
}

type Aggregator struct {
	source    SessionSource
	sink      MetricSink
	watermark Watermark
	opts      Options
}

func New(source SessionSource, sink MetricSink, watermark Watermark, opts Options) *Aggregator {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Gap <= 0 {
		opts.Gap = DefaultGap
	}
	if opts.Unit == "" {
		opts.Unit = WallSeconds
	}
	return &Aggregator{source: source, sink: sink, watermark: watermark, opts: opts}
}

// Periods splits [from, to) into windows [start, start+window); the next window starts gap
// after the previous end. A session ending inside a gap belongs to no window.
func Periods(from, to time.Time, window, gap time.Duration) []model.Period {
	if window <= 0 {
		return nil
	}
	var periods []model.Period
	for start := from.UTC(); start.Before(to); {
		end := start.Add(window)
		periods = append(periods, model.Period{Start: start, End: end})
		start = end.Add(gap)
	}
	return periods
}

// Collect returns the sessions reported in period: ended inside it, or started inside it
// and still running.
func (a *Aggregator) Collect(ctx context.Context, period model.Period) ([]*model.Session, error) {
	var sessions []*model.Session
	for s, err := range a.source.Select(ctx, model.InWindow(period.Start, period.End)) {
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

type bucketKey struct {
	metric string
	user   string
	group  string
}

// Buckets sums sessions into (user, group, metric) records sorted by metric, user and group.
// Sessions without a mapped flavor or without an FQAN are counted as skipped.
func (a *Aggregator) Buckets(period model.Period, sessions []*model.Session) ([]model.MetricRecord, int) {
	sums := make(map[bucketKey]decimal.Decimal)
	skipped := 0
	for _, s := range sessions {
		metric, ok := a.opts.Flavors[s.Flavor]
		if !ok || metric == "" {
			util.LogDebug("No metric for flavor", util.F("session", s.ID), util.F("flavor", s.Flavor))
			skipped++
			continue
		}
		if s.FQAN == "" {
			util.LogDebug("Session without FQAN", util.F("session", s.ID))
			skipped++
			continue
		}
		key := bucketKey{metric: metric, user: s.GlobalUserName, group: s.FQAN}
		sums[key] = sums[key].Add(a.value(s))
	}

	keys := make([]bucketKey, 0, len(sums))
	for k := range sums {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].metric != keys[j].metric {
			return keys[i].metric < keys[j].metric
		}
		if keys[i].user != keys[j].user {
			return keys[i].user < keys[j].user
		}
		return keys[i].group < keys[j].group
	})

	records := make([]model.MetricRecord, 0, len(keys))
	for _, k := range keys {
		records = append(records, model.MetricRecord{
			MetricDefinitionID: k.metric,
			PeriodStart:        period.Start,
			PeriodEnd:          period.End,
			User:               k.user,
			Group:              k.group,
			Value:              sums[k].InexactFloat64(),
		})
	}
	return records, skipped
}

func (a *Aggregator) value(s *model.Session) decimal.Decimal {
	switch a.opts.Unit {
	case WallHours:
		return decimal.NewFromFloat(s.WallSeconds).Div(decimal.NewFromInt(3600))
	case CPUSeconds:
		v, _ := s.CPUSeconds.Get()
		return decimal.NewFromFloat(v)
	default:
		return decimal.NewFromFloat(s.WallSeconds)
	}
}

// Aggregate pushes every window of [from, to). A failed push stops the run; the watermark then
// still points at the last fully delivered window.
func (a *Aggregator) Aggregate(ctx context.Context, from, to time.Time) (Result, error) {
	var res Result
	for _, period := range Periods(from, to, a.opts.Window, a.opts.Gap) {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		sessions, err := a.Collect(ctx, period)
		if err != nil {
			return res, fmt.Errorf("collect %s: %w", period, err)
		}
		records, skipped := a.Buckets(period, sessions)
		res.Skipped += skipped

		for _, rec := range records {
			if err := a.sink.Push(ctx, rec); err != nil {
				return res, fmt.Errorf("push %s for %s: %w", rec.MetricDefinitionID, period, err)
			}
			res.Records = append(res.Records, rec)
		}
		res.Periods++

		util.LogInfo("Aggregated window",
			util.F("period", period.String()),
			util.F("sessions", len(sessions)),
			util.F("records", len(records)),
			util.F("skipped", skipped))

		if a.opts.DryRun || a.watermark == nil {
			continue
		}
		if err := a.watermark.Save(period.End); err != nil {
			return res, err
		}
		res.Watermark = period.End
	}
	return res, nil
}
