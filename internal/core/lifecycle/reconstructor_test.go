package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/coder/quartz"
	prommodel "github.com/prometheus/common/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penwyp/go-pod-accounting/internal/core/model"
	"github.com/penwyp/go-pod-accounting/internal/core/registry"
	"github.com/penwyp/go-pod-accounting/internal/data/prometheus"
)

const (
	uidA = "6a1f3e2c-1111-4c1e-9f00-000000000001"
	uidB = "6a1f3e2c-2222-4c1e-9f00-000000000002"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type fakeQuerier struct {
	results map[string][]prometheus.Series
	err     error
	queries []prometheus.Request
}

func (f *fakeQuerier) Query(_ context.Context, req prometheus.Request) ([]prometheus.Series, error) {
	f.queries = append(f.queries, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.results[req.Query], nil
}

func labels(kv ...string) prommodel.Metric {
	m := prommodel.Metric{}
	for i := 0; i+1 < len(kv); i += 2 {
		m[prommodel.LabelName(kv[i])] = prommodel.LabelValue(kv[i+1])
	}
	return m
}

func instant(v float64, kv ...string) prometheus.Series {
	return prometheus.Series{
		Metric: labels(kv...),
		Value:  &prommodel.SamplePair{Timestamp: prommodel.TimeFromUnix(t0.Unix()), Value: prommodel.SampleValue(v)},
	}
}

// runningSamples returns value 1 samples every 10s over [from, to] seconds after t0.
func runningSamples(uid string, from, to int) prometheus.Series {
	s := prometheus.Series{Metric: labels("uid", uid, "pod", "jupyter-x", "namespace", "hub")}
	for off := from; off <= to; off += 10 {
		s.Values = append(s.Values, prommodel.SamplePair{
			Timestamp: prommodel.TimeFromUnix(t0.Unix() + int64(off)),
			Value:     1,
		})
	}
	return s
}

func defaultQueries() QuerySet {
	return BuildQueries("pod=~'jupyter-.*'", "4h", "notebook", registry.ParsedFromName{Label: "name", PositionFromEnd: 2})
}

func defaultOptions() Options {
	return Options{
		Site:                  "TEST-SITE",
		CompletionThreshold:   90 * time.Second,
		RecentLaunchThreshold: 96 * time.Second,
		UserLabel:             "annotation_hub_jupyter_org_username",
		GroupLabel:            "annotation_egi_eu_primary_group",
		FlavorLabel:           "annotation_egi_eu_flavor",
	}
}

func newReconstructor(t *testing.T, q Querier, now time.Time) *Reconstructor {
	clock := quartz.NewMock(t)
	clock.Set(now)
	return New(q, defaultQueries(), defaultOptions(), clock)
}

func TestBuildQueries(t *testing.T) {
	q := defaultQueries()
	assert.Equal(t, "last_over_time(kube_pod_created{pod=~'jupyter-.*'}[4h])", q.Creation)
	assert.Equal(t, "kube_pod_status_phase{pod=~'jupyter-.*',phase='Running'}[4h]", q.Phase)
	assert.Equal(t, "last_over_time(kube_pod_container_info{pod=~'jupyter-.*',container='notebook'}[4h])", q.Image)
	require.Len(t, q.Usage, 5)
	assert.Equal(t, model.MetricCPUCount, q.Usage[1].Key)
	assert.Equal(t, "sum by (uid) (max_over_time(kube_pod_container_resource_requests{pod=~'jupyter-.*',resource='cpu'}[4h]))", q.Usage[1].Expr)

	empty := BuildQueries("", "1h", "notebook", registry.ParsedFromName{Label: "name", PositionFromEnd: 2})
	assert.Equal(t, "kube_pod_status_phase{phase='Running'}[1h]", empty.Phase)
	assert.Equal(t, "last_over_time(kube_pod_created{}[1h])", empty.Creation)
}

func TestApplyPhase(t *testing.T) {
	tests := []struct {
		name       string
		phase      []prometheus.Series
		now        time.Time
		wantStatus model.Status
		wantEnd    time.Time
		wantWall   float64
	}{
		{
			name:       "running session",
			phase:      []prometheus.Series{runningSamples(uidA, 10, 300)},
			now:        t0.Add(302 * time.Second),
			wantStatus: model.StatusStarted,
			wantWall:   300,
		},
		{
			name:       "exactly at completion threshold stays started",
			phase:      []prometheus.Series{runningSamples(uidA, 10, 300)},
			now:        t0.Add(390 * time.Second),
			wantStatus: model.StatusStarted,
			wantWall:   300,
		},
		{
			name:       "finished session",
			phase:      []prometheus.Series{runningSamples(uidA, 10, 300)},
			now:        t0.Add(391 * time.Second),
			wantStatus: model.StatusCompleted,
			wantEnd:    t0.Add(300 * time.Second),
			wantWall:   300,
		},
		{
			name:       "scrubbed samples long ago",
			phase:      []prometheus.Series{{Metric: labels("uid", uidA), Values: []prommodel.SamplePair{{Timestamp: prommodel.TimeFromUnix(t0.Unix() + 30), Value: 0}}}},
			now:        t0.Add(200 * time.Second),
			wantStatus: model.StatusCompleted,
			wantEnd:    t0,
			wantWall:   0,
		},
		{
			name:       "recent launch",
			phase:      []prometheus.Series{{Metric: labels("uid", uidA)}},
			now:        t0.Add(60 * time.Second),
			wantStatus: model.StatusStarted,
			wantWall:   0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newReconstructor(t, &fakeQuerier{}, tt.now)
			reg := registry.New()
			stats := Stats{Usage: map[model.MetricKey]int{}}
			r.ApplyCreation(reg, []prometheus.Series{instant(float64(t0.Unix()), "uid", uidA, "pod", "jupyter-alice", "namespace", "hub")}, &stats)
			r.ApplyPhase(reg, tt.now, tt.phase, &stats)

			sess, ok := reg.Get(uidA)
			require.True(t, ok)
			assert.Equal(t, tt.wantStatus, sess.Status)
			assert.Equal(t, tt.wantEnd, sess.EndTime)
			assert.Equal(t, tt.wantWall, sess.WallSeconds)
			assert.NoError(t, sess.Validate())
		})
	}
}

func TestApplyPhaseNeverCreatesSessions(t *testing.T) {
	r := newReconstructor(t, &fakeQuerier{}, t0)
	reg := registry.New()
	stats := Stats{Usage: map[model.MetricKey]int{}}

	r.ApplyPhase(reg, t0, []prometheus.Series{runningSamples(uidB, 0, 100)}, &stats)
	r.ApplyAnnotations(reg, []prometheus.Series{instant(1, "uid", uidB, "annotation_hub_jupyter_org_username", "bob")}, &stats)
	r.ApplyImage(reg, []prometheus.Series{instant(1, "uid", uidB, "image", "jupyter/base")}, &stats)

	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 3, stats.Inconsistent)
}

func TestApplyPhaseCountsUncoveredSessions(t *testing.T) {
	tests := []struct {
		name         string
		phase        []prometheus.Series
		wantPhased   int
		wantUnphased int
	}{
		{name: "all covered", phase: []prometheus.Series{runningSamples(uidA, 0, 100), runningSamples(uidB, 0, 100)}, wantPhased: 2},
		{name: "one missing", phase: []prometheus.Series{runningSamples(uidA, 0, 100)}, wantPhased: 1, wantUnphased: 1},
		{name: "empty result", wantUnphased: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newReconstructor(t, &fakeQuerier{}, t0.Add(110*time.Second))
			reg := registry.New()
			stats := Stats{Usage: map[model.MetricKey]int{}}
			r.ApplyCreation(reg, []prometheus.Series{
				instant(float64(t0.Unix()), "uid", uidA),
				instant(float64(t0.Unix()), "uid", uidB),
			}, &stats)

			r.ApplyPhase(reg, t0.Add(110*time.Second), tt.phase, &stats)
			assert.Equal(t, tt.wantPhased, stats.Phased)
			assert.Equal(t, tt.wantUnphased, stats.Unphased)
			for _, sess := range reg.Sessions() {
				if sess.Status == model.StatusUnknown {
					assert.False(t, sess.HasEnd())
				}
			}
		})
	}
}

func harvestFixture() map[string][]prometheus.Series {
	q := defaultQueries()
	name := func(uid string) string { return fmt.Sprintf("k8s_POD_jupyter-x_hub_%s_0", uid) }
	return map[string][]prometheus.Series{
		q.Creation: {
			instant(float64(t0.Unix()), "uid", uidA, "pod", "jupyter-alice", "namespace", "hub"),
			instant(float64(t0.Add(time.Hour).Unix()), "uid", uidB, "pod", "jupyter-bob", "namespace", "binder"),
			instant(float64(t0.Unix()), "pod", "no-uid"),
		},
		q.Phase: {
			runningSamples(uidA, 10, 300),
		},
		q.Annotations: {
			instant(1, "uid", uidA,
				"annotation_hub_jupyter_org_username", "alice@egi.eu",
				"annotation_egi_eu_primary_group", "urn:group:vo.example",
				"annotation_egi_eu_flavor", "small"),
		},
		q.Image: {
			instant(1, "uid", uidA, "image", "eginotebooks/single-user:1.0"),
		},
		q.Usage[0].Expr: {
			instant(12.3456, "uid", uidA, "pod", "jupyter-alice", "namespace", "hub"),
			instant(99, "uid", "unknown-uid"),
		},
		q.Usage[1].Expr: {
			instant(0.5, "uid", uidA),
			instant(-1, "uid", uidB),
		},
		q.Usage[3].Expr: {
			instant(1000, "name", name(uidA)),
			instant(24, "name", name(uidA)),
			instant(5, "name", "garbage"),
		},
	}
}

func TestRunReconstructsSessions(t *testing.T) {
	q := &fakeQuerier{results: harvestFixture()}
	now := t0.Add(302 * time.Second)
	r := newReconstructor(t, q, now)

	reg, stats, err := r.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 2, reg.Len())
	assert.Len(t, q.queries, 9)
	for _, req := range q.queries {
		assert.True(t, now.Equal(req.Time))
	}
	assert.Equal(t, 1, stats.Inconsistent)
	assert.Equal(t, 1, stats.Unphased)

	a, _ := reg.Get(uidA)
	assert.Equal(t, "TEST-SITE", a.Site)
	assert.Equal(t, "jupyter-alice", a.Machine)
	assert.Equal(t, "hub", a.Namespace)
	assert.Equal(t, "alice@egi.eu", a.GlobalUserName)
	assert.Equal(t, "urn:group:vo.example", a.PrimaryGroup)
	assert.Equal(t, "small", a.Flavor)
	assert.Equal(t, "eginotebooks/single-user:1.0", a.ImageID)
	assert.Equal(t, model.StatusStarted, a.Status)
	assert.Equal(t, model.Observed(12.3456), a.CPUSeconds)
	assert.Equal(t, model.Observed(0.5), a.CPUCount)
	assert.Equal(t, model.Observed(1024), a.NetworkInBytes)
	assert.False(t, a.MemoryBytes.Valid)
	assert.False(t, a.NetworkOutBytes.Valid)

	b, _ := reg.Get(uidB)
	assert.Equal(t, model.StatusUnknown, b.Status)
	assert.False(t, b.CPUCount.Valid, "negative delta must be dropped")
}

func TestRunIsRepeatable(t *testing.T) {
	fixture := harvestFixture()
	now := t0.Add(302 * time.Second)

	first, _, err := newReconstructor(t, &fakeQuerier{results: fixture}, now).Run(context.Background())
	require.NoError(t, err)
	second, _, err := newReconstructor(t, &fakeQuerier{results: fixture}, now).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.Sessions(), second.Sessions())
}

func TestUsageIsAdditiveAcrossPasses(t *testing.T) {
	// Feeding the same window twice double counts; callers must pass disjoint windows.
	r := newReconstructor(t, &fakeQuerier{}, t0)
	reg := registry.New()
	stats := Stats{Usage: map[model.MetricKey]int{}}
	r.ApplyCreation(reg, []prometheus.Series{instant(float64(t0.Unix()), "uid", uidA)}, &stats)

	uq := defaultQueries().Usage[2]
	series := []prometheus.Series{instant(2048, "uid", uidA)}
	r.ApplyUsage(reg, uq, series, &stats)
	sess, _ := reg.Get(uidA)
	first := sess.MemoryBytes.Value

	r.ApplyUsage(reg, uq, series, &stats)
	assert.Equal(t, float64(2048), first)
	assert.Equal(t, float64(4096), sess.MemoryBytes.Value)
	assert.GreaterOrEqual(t, sess.MemoryBytes.Value, first)
}

func TestRunStopsOnBackendError(t *testing.T) {
	backendErr := &model.BackendError{Backend: "prometheus", Op: "query", StatusCode: 503}
	_, _, err := newReconstructor(t, &fakeQuerier{err: backendErr}, t0).Run(context.Background())

	var be *model.BackendError
	require.True(t, errors.As(err, &be))
	assert.Contains(t, err.Error(), "creation pass")
}

func TestRunHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	q := &fakeQuerier{results: harvestFixture()}
	_, _, err := newReconstructor(t, q, t0).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, q.queries)
}
