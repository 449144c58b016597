package report

import (
	"context"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/penwyp/go-pod-accounting/internal/core/model"
	"github.com/penwyp/go-pod-accounting/internal/data/aggregator"
	"github.com/penwyp/go-pod-accounting/internal/presentation/formatter"
	"github.com/penwyp/go-pod-accounting/internal/util"
)

// SessionStore is the store surface used by reports.
type SessionStore interface {
	Select(ctx context.Context, p model.Predicate) iter.Seq2[*model.Session, error]
	MarkProcessed(ctx context.Context, ids []string) error
}

// Spool accepts one message batch.
type Spool interface {
	Add(data string) (string, error)
}

// Watermark loads and saves the end of the last reported window.
type Watermark interface {
	WatermarkLoader
	Save(t time.Time) error
}

// RecordFormatter renders APEL batches.
type RecordFormatter interface {
	Record(s *model.Session) (formatter.Record, bool)
	Batch(sessions []*model.Session) (string, int)
}

// APELReport regenerates APEL messages from stored sessions. Spool may be nil, in which case
// batches are written to Out.
type APELReport struct {
	Store     SessionStore
	Formatter RecordFormatter
	Spool     Spool
	Out       io.Writer
	Watermark Watermark
	Window    time.Duration
	Gap       time.Duration
	DryRun    bool
}

// APELResult summarizes a report run.
type APELResult struct {
	Periods   int
	Records   int
	Processed int
	Entries   []string
	Watermark time.Time
}

// Run emits one batch per window of [from, to) and advances the watermark after each one.
func (r *APELReport) Run(ctx context.Context, from, to time.Time) (APELResult, error) {
	var res APELResult
	window, gap := r.Window, r.Gap
	if window <= 0 {
		window = aggregator.DefaultWindow
	}
	if gap <= 0 {
		gap = aggregator.DefaultGap
	}

	for _, period := range aggregator.Periods(from, to, window, gap) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		sessions, err := collect(ctx, r.Store, model.InWindow(period.Start, period.End))
		if err != nil {
			return res, err
		}
		if err := r.deliver(ctx, sessions, &res); err != nil {
			return res, fmt.Errorf("window %s: %w", period, err)
		}
		res.Periods++
		util.LogInfo("Reported window", util.F("period", period.String()), util.F("sessions", len(sessions)))

		if r.DryRun || r.Watermark == nil {
			continue
		}
		if err := r.Watermark.Save(period.End); err != nil {
			return res, err
		}
		res.Watermark = period.End
	}
	return res, nil
}

// RunPending emits every session not yet handed to a sink, regardless of window.
func (r *APELReport) RunPending(ctx context.Context) (APELResult, error) {
	var res APELResult
	sessions, err := collect(ctx, r.Store, model.Unprocessed())
	if err != nil {
		return res, err
	}
	if err := r.deliver(ctx, sessions, &res); err != nil {
		return res, err
	}
	return res, nil
}

func (r *APELReport) deliver(ctx context.Context, sessions []*model.Session, res *APELResult) error {
	batch, n := r.Formatter.Batch(sessions)
	if n == 0 {
		return nil
	}
	res.Records += n

	if r.DryRun || r.Spool == nil {
		_, err := fmt.Fprintln(r.Out, batch)
		return err
	}

	name, err := r.Spool.Add(batch)
	if err != nil {
		return &model.BackendError{Backend: "apel", Op: "spool", Err: err}
	}
	res.Entries = append(res.Entries, name)

	var ids []string
	for _, s := range sessions {
		if s.Status != model.StatusCompleted || s.Processed {
			continue
		}
		if _, ok := r.Formatter.Record(s); ok {
			s.Processed = true
			ids = append(ids, s.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if err := r.Store.MarkProcessed(ctx, ids); err != nil {
		return err
	}
	res.Processed += len(ids)
	return nil
}

func collect(ctx context.Context, store SessionStore, p model.Predicate) ([]*model.Session, error) {
	var sessions []*model.Session
	for s, err := range store.Select(ctx, p) {
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}
