// Package lifecycle rebuilds session state from Prometheus series in five ordered passes:
// creation, running phase, annotations, image and usage.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"

	"github.com/penwyp/go-pod-accounting/internal/core/model"
	"github.com/penwyp/go-pod-accounting/internal/core/registry"
	"github.com/penwyp/go-pod-accounting/internal/data/prometheus"
	"github.com/penwyp/go-pod-accounting/internal/util"
)

// Querier executes a PromQL query.
type Querier interface {
	Query(ctx context.Context, req prometheus.Request) ([]prometheus.Series, error)
}

type Options struct {
	Site string
	// CompletionThreshold is how long after the last Running sample a session counts as finished.
	CompletionThreshold time.Duration
	// RecentLaunchThreshold is how long a session without Running samples counts as just started.
	RecentLaunchThreshold time.Duration
	UserLabel             string
	GroupLabel            string
	FlavorLabel           string
}

// Stats counts what each pass touched.
type Stats struct {
	Created      int
	Phased       int
	Annotated    int
	Imaged       int
	Usage        map[model.MetricKey]int
	Inconsistent int
	// Unphased counts sessions absent from the running phase result; their status stays unknown.
	Unphased int
}

type pass struct {
	name  string
	query string
	apply func([]prometheus.Series)
}

type Reconstructor struct {
	querier Querier
	queries QuerySet
	opts    Options
	clock   quartz.Clock
}

func New(querier Querier, queries QuerySet, opts Options, clock quartz.Clock) *Reconstructor {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Reconstructor{
		querier: querier,
		queries: queries,
		opts:    opts,
		clock:   clock,
	}
}

// Run executes all passes against a fresh registry. Cancellation is checked between passes.
func (r *Reconstructor) Run(ctx context.Context) (*registry.Registry, Stats, error) {
	now := r.clock.Now("lifecycle", "run")
	reg := registry.New()
	stats := Stats{Usage: make(map[model.MetricKey]int)}

	passes := []pass{
		{"creation", r.queries.Creation, func(s []prometheus.Series) { r.ApplyCreation(reg, s, &stats) }},
		{"phase", r.queries.Phase, func(s []prometheus.Series) { r.ApplyPhase(reg, now, s, &stats) }},
		{"annotations", r.queries.Annotations, func(s []prometheus.Series) { r.ApplyAnnotations(reg, s, &stats) }},
		{"image", r.queries.Image, func(s []prometheus.Series) { r.ApplyImage(reg, s, &stats) }},
	}
	for _, uq := range r.queries.Usage {
		passes = append(passes, pass{string(uq.Key), uq.Expr, func(s []prometheus.Series) { r.ApplyUsage(reg, uq, s, &stats) }})
	}

	for _, p := range passes {
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}
		series, err := r.querier.Query(ctx, prometheus.Request{Query: p.query, Time: now})
		if err != nil {
			return nil, stats, fmt.Errorf("%s pass: %w", p.name, err)
		}
		util.LogDebugf("Pass %s returned %d series", p.name, len(series))
		p.apply(series)
	}

	util.LogInfo("Reconstructed sessions",
		util.F("sessions", reg.Len()),
		util.F("phased", stats.Phased),
		util.F("annotated", stats.Annotated),
		util.F("unphased", stats.Unphased),
		util.F("inconsistent", stats.Inconsistent))
	return reg, stats, nil
}

// ApplyCreation creates sessions from kube_pod_created and sets start time and placement.
func (r *Reconstructor) ApplyCreation(reg *registry.Registry, series []prometheus.Series, stats *Stats) {
	for _, s := range series {
		sess, err := reg.Resolve(s, registry.Direct{Label: "uid"}, true)
		if err != nil {
			r.inconsistent("creation", err, stats)
			continue
		}
		sample, ok := s.Last()
		if !ok {
			continue
		}
		sess.StartTime = time.Unix(int64(sample.Value), 0).UTC()
		if pod, ok := s.Label("pod"); ok {
			sess.Machine = pod
		}
		if ns, ok := s.Label("namespace"); ok {
			sess.Namespace = ns
		}
		sess.Site = r.opts.Site
		stats.Created++
	}
}

// ApplyPhase derives status, end time and wall duration from the Running phase samples.
// Known sessions the phase result does not cover are reported and left unknown.
func (r *Reconstructor) ApplyPhase(reg *registry.Registry, now time.Time, series []prometheus.Series, stats *Stats) {
	seen := make(map[string]struct{}, len(series))
	for _, s := range series {
		sess, err := reg.Resolve(s, registry.Direct{Label: "uid"}, false)
		if err != nil {
			r.inconsistent("phase", err, stats)
			continue
		}
		seen[sess.ID] = struct{}{}

		var running []time.Time
		for _, sample := range s.Samples() {
			if sample.Value == 1 {
				running = append(running, time.Unix(sample.Timestamp.Unix(), 0).UTC())
			}
		}

		if len(running) > 0 {
			if !sess.HasStart() {
				sess.StartTime = running[0]
			}
			last := running[len(running)-1]
			if now.Sub(last) > r.opts.CompletionThreshold {
				sess.Complete(last)
			} else {
				sess.Start()
			}
			sess.WallSeconds = last.Sub(sess.StartTime).Seconds()
			if sess.WallSeconds < 0 {
				sess.WallSeconds = 0
			}
		} else {
			if !sess.HasStart() {
				util.LogWarn("Session without creation time", util.F("session", sess.ID))
				continue
			}
			// Running samples were scrubbed: either a very short session or a fresh launch.
			sess.WallSeconds = 0
			if now.Sub(sess.StartTime) < r.opts.RecentLaunchThreshold {
				sess.Start()
			} else {
				sess.Complete(sess.StartTime)
			}
		}
		stats.Phased++
	}

	for _, sess := range reg.Sessions() {
		if _, ok := seen[sess.ID]; ok {
			continue
		}
		stats.Unphased++
		util.LogWarn("Session missing from running phase result", util.F("session", sess.ID))
	}
}

// ApplyAnnotations copies owner, group and flavor annotations.
func (r *Reconstructor) ApplyAnnotations(reg *registry.Registry, series []prometheus.Series, stats *Stats) {
	for _, s := range series {
		sess, err := reg.Resolve(s, registry.Direct{Label: "uid"}, false)
		if err != nil {
			r.inconsistent("annotations", err, stats)
			continue
		}
		if v, ok := s.Label(r.opts.UserLabel); ok {
			sess.GlobalUserName = v
		}
		if v, ok := s.Label(r.opts.GroupLabel); ok {
			sess.PrimaryGroup = v
		}
		if v, ok := s.Label(r.opts.FlavorLabel); ok {
			sess.Flavor = v
		}
		stats.Annotated++
	}
}

// ApplyImage records the notebook container image.
func (r *Reconstructor) ApplyImage(reg *registry.Registry, series []prometheus.Series, stats *Stats) {
	for _, s := range series {
		sess, err := reg.Resolve(s, registry.Direct{Label: "uid"}, false)
		if err != nil {
			r.inconsistent("image", err, stats)
			continue
		}
		if image, ok := s.Label("image"); ok {
			sess.ImageID = image
			stats.Imaged++
		}
	}
}

// ApplyUsage adds each sample to the session counter selected by the query key.
// Series of unknown sessions are expected (short-lived pods, wider ranges) and skipped quietly.
func (r *Reconstructor) ApplyUsage(reg *registry.Registry, uq UsageQuery, series []prometheus.Series, stats *Stats) {
	for _, s := range series {
		sess, err := reg.Resolve(s, uq.Identity, false)
		if err != nil {
			continue
		}
		sample, ok := s.Last()
		if !ok {
			continue
		}
		counter, ok := sess.Counter(uq.Key)
		if !ok {
			util.LogWarnf("No counter for metric key %s", uq.Key)
			return
		}
		if err := counter.Add(float64(sample.Value)); err != nil {
			util.LogWarn("Dropped usage sample", util.F("session", sess.ID), util.F("metric", uq.Key), util.F("error", err))
			continue
		}
		stats.Usage[uq.Key]++
	}
}

func (r *Reconstructor) inconsistent(name string, err error, stats *Stats) {
	stats.Inconsistent++
	var inconsistent *model.InconsistentMetricError
	if errors.As(err, &inconsistent) || errors.Is(err, model.ErrSessionNotFound) {
		util.LogWarn("Skipping series", util.F("pass", name), util.F("reason", err.Error()))
		return
	}
	util.LogWarnf("%s pass: %v", name, err)
}
