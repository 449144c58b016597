// Package harvest runs one batch harvest: reconstruct sessions from metrics, resolve their
// reporting identity, merge them into the store, hand the batch to the spool and mark the
// delivered sessions processed.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/penwyp/go-pod-accounting/internal/core/lifecycle"
	"github.com/penwyp/go-pod-accounting/internal/core/model"
	"github.com/penwyp/go-pod-accounting/internal/util"
)

// Pipeline wires the harvest stages. Spool may be nil, in which case the batch is written to Out.
type Pipeline struct {
	Reconstructor Reconstructor
	Entitlements  EntitlementResolver
	Store         SessionStore
	Spool         Spool
	Formatter     BatchFormatter
	Out           io.Writer
	// DryRun prints the batch and leaves the store untouched.
	DryRun bool
}

// Result summarizes one run.
type Result struct {
	Stats      lifecycle.Stats
	Sessions   int
	Records    int
	Unresolved int
	Processed  int
	SpoolEntry string
}

// Run executes the pipeline once.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	var res Result

	reg, stats, err := p.Reconstructor.Run(ctx)
	res.Stats = stats
	if err != nil {
		return res, fmt.Errorf("reconstruction failed: %w", err)
	}
	sessions := reg.Sessions()
	res.Sessions = len(sessions)
	if len(sessions) == 0 {
		util.LogInfo("No sessions found")
		return res, nil
	}

	unresolved := p.Entitlements.Apply(sessions)
	res.Unresolved = len(unresolved)
	for _, s := range unresolved {
		util.LogDebug("No reporting identity", util.F("session", s.ID))
	}

	// The store is written before any sink sees the batch.
	if p.DryRun {
		if err := p.mergeStored(ctx, sessions); err != nil {
			return res, err
		}
	} else {
		merged, err := p.Store.MergeAll(ctx, sessions)
		if err != nil {
			return res, err
		}
		sessions = merged
	}

	batch, n := p.Formatter.Batch(sessions)
	res.Records = n
	if n == 0 {
		util.LogWarn("No valid accounting records in batch", util.F("sessions", len(sessions)))
	}

	spooled := false
	switch {
	case p.DryRun || p.Spool == nil:
		if n > 0 {
			if _, err := fmt.Fprintln(p.Out, batch); err != nil {
				return res, fmt.Errorf("failed to write batch: %w", err)
			}
		}
	case n > 0:
		name, err := p.Spool.Add(batch)
		if err != nil {
			return res, &model.BackendError{Backend: "apel", Op: "spool", Err: err}
		}
		res.SpoolEntry = name
		spooled = true
		util.LogInfo("Spooled accounting batch", util.F("entry", name), util.F("records", n))
	}

	if spooled {
		var ids []string
		for _, s := range sessions {
			if s.Status != model.StatusCompleted || s.Processed {
				continue
			}
			if _, ok := p.Formatter.Record(s); ok {
				ids = append(ids, s.ID)
			}
		}
		if err := p.Store.MarkProcessed(ctx, ids); err != nil {
			return res, err
		}
		res.Processed = len(ids)
	}

	util.LogInfo("Harvest finished",
		util.F("sessions", res.Sessions),
		util.F("records", res.Records),
		util.F("unresolved", res.Unresolved),
		util.F("processed", res.Processed))
	return res, nil
}

// mergeStored folds each session's stored copy in without writing, for dry runs.
func (p *Pipeline) mergeStored(ctx context.Context, sessions []*model.Session) error {
	for _, s := range sessions {
		prev, err := p.Store.Load(ctx, s.ID)
		if errors.Is(err, model.ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		s.MergeFrom(prev)
	}
	return nil
}
