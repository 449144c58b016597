package report

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/coder/quartz"
	prommodel "github.com/prometheus/common/model"

	"github.com/penwyp/go-pod-accounting/internal/core/model"
	"github.com/penwyp/go-pod-accounting/internal/data/prometheus"
	"github.com/penwyp/go-pod-accounting/internal/util"
)

// Querier executes a PromQL query.
type Querier interface {
	Query(ctx context.Context, req prometheus.Request) ([]prometheus.Series, error)
}

// MetricSink receives hub statistics.
type MetricSink interface {
	Push(ctx context.Context, rec model.MetricRecord) error
}

// HubStats pushes the peak user and running server counts of the hub over the lookback range.
type HubStats struct {
	Querier        Querier
	Sink           MetricSink
	Filter         string
	Range          string
	UsersMetric    string
	SessionsMetric string
	Clock          quartz.Clock
}

// Run queries both gauges and pushes them for [now-range, now].
func (h *HubStats) Run(ctx context.Context) ([]model.MetricRecord, error) {
	rng, err := prommodel.ParseDuration(h.Range)
	if err != nil {
		return nil, fmt.Errorf("invalid range %q: %w", h.Range, err)
	}
	clock := h.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	now := clock.Now("report", "hubstats").UTC().Truncate(time.Second)

	stats := []struct {
		gauge  string
		metric string
	}{
		{"jupyterhub_total_users", h.UsersMetric},
		{"jupyterhub_running_servers", h.SessionsMetric},
	}

	var records []model.MetricRecord
	for _, st := range stats {
		if st.metric == "" {
			util.LogDebugf("No metric configured for %s", st.gauge)
			continue
		}
		query := fmt.Sprintf("%s{%s}[%s]", st.gauge, h.Filter, h.Range)
		series, err := h.Querier.Query(ctx, prometheus.Request{Query: query, Time: now})
		if err != nil {
			return records, err
		}
		records = append(records, model.MetricRecord{
			MetricDefinitionID: st.metric,
			PeriodStart:        now.Add(-time.Duration(rng)),
			PeriodEnd:          now,
			Value:              PeakSum(series),
		})
	}

	for _, rec := range records {
		if err := h.Sink.Push(ctx, rec); err != nil {
			return records, err
		}
		util.LogInfo("Pushed hub statistic", util.F("metric", rec.MetricDefinitionID), util.F("value", rec.Value))
	}
	return records, nil
}

// PeakSum adds up the peak of every series, truncating each peak to an integer.
func PeakSum(series []prometheus.Series) float64 {
	var total float64
	for _, s := range series {
		samples := s.Samples()
		if len(samples) == 0 {
			continue
		}
		peak := math.Inf(-1)
		for _, sample := range samples {
			peak = math.Max(peak, float64(sample.Value))
		}
		total += math.Trunc(peak)
	}
	return total
}
