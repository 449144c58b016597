package watch

import (
	"context"
	"errors"

	"github.com/coder/quartz"

	"github.com/penwyp/go-pod-accounting/internal/core/model"
	"github.com/penwyp/go-pod-accounting/internal/util"
)

// SessionStore is the part of the store the handler needs.
type SessionStore interface {
	Load(ctx context.Context, id string) (*model.Session, error)
	Merge(ctx context.Context, s *model.Session) (*model.Session, error)
}

// Handler turns events into session updates. Events are the only source besides the creation
// pass allowed to create sessions.
type Handler struct {
	store SessionStore
	site  string
	clock quartz.Clock
}

func NewHandler(store SessionStore, site string, clock quartz.Clock) *Handler {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Handler{store: store, site: site, clock: clock}
}

// Handle merges ev into the stored session and returns the result.
func (h *Handler) Handle(ctx context.Context, ev Event) (*model.Session, error) {
	if err := ev.validate(); err != nil {
		return nil, err
	}

	prev, err := h.store.Load(ctx, ev.UID)
	if err != nil && !errors.Is(err, model.ErrSessionNotFound) {
		return nil, err
	}

	s := model.NewSession(ev.UID)
	s.Site = h.site
	s.GlobalUserName = ev.Username
	s.Namespace = ev.Namespace

	if ev.StartedAt != nil {
		s.StartTime = ev.StartedAt.UTC()
		s.Start()
	}
	switch {
	case ev.FinishedAt != nil:
		s.Complete(*ev.FinishedAt)
	case ev.Type == Deleted && (prev == nil || !prev.HasEnd()):
		s.Complete(h.clock.Now("watch", "deleted"))
	}

	if s.HasEnd() {
		if !s.HasStart() && prev != nil {
			s.StartTime = prev.StartTime
		}
		if s.HasStart() {
			if wall := s.EndTime.Sub(s.StartTime).Seconds(); wall > 0 {
				s.WallSeconds = wall
			}
		}
	}

	merged, err := h.store.Merge(ctx, s)
	if err != nil {
		return nil, err
	}
	util.LogDebug("Applied pod event",
		util.F("type", string(ev.Type)),
		util.F("session", ev.UID),
		util.F("status", string(merged.Status)))
	return merged, nil
}
