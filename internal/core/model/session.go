package model

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusUnknown   Status = ""
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
)

// ParseStatus accepts the stored and APEL spellings of a status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusUnknown, StatusStarted, StatusCompleted:
		return Status(s), nil
	}
	return StatusUnknown, fmt.Errorf("unknown session status %q", s)
}

func (s Status) rank() int {
	switch s {
	case StatusStarted:
		return 1
	case StatusCompleted:
		return 2
	default:
		return 0
	}
}

// Session is the accounting record of one pod lifetime.
//
// Timestamps use the zero time for "unset". EndTime is set exactly when Status is completed.
type Session struct {
	ID             string
	Site           string
	Machine        string
	Namespace      string
	GlobalUserName string
	PrimaryGroup   string
	FQAN           string
	Flavor         string
	ImageID        string

	Status    Status
	StartTime time.Time
	EndTime   time.Time

	// WallSeconds is recomputed by each phase pass, never accumulated.
	WallSeconds float64

	CPUSeconds      Counter
	CPUCount        Counter
	MemoryBytes     Counter
	NetworkInBytes  Counter
	NetworkOutBytes Counter

	Processed bool
}

func NewSession(id string) *Session {
	return &Session{ID: id}
}

// HasStart reports whether the creation time is known.
func (s *Session) HasStart() bool {
	return !s.StartTime.IsZero()
}

// HasEnd reports whether the session has finished.
func (s *Session) HasEnd() bool {
	return !s.EndTime.IsZero()
}

// Start marks the session running and clears any end time.
func (s *Session) Start() {
	s.Status = StatusStarted
	s.EndTime = time.Time{}
}

// Complete marks the session finished at end.
func (s *Session) Complete(end time.Time) {
	s.Status = StatusCompleted
	s.EndTime = end.UTC()
}

// Wall returns the wall-clock duration as a time.Duration.
func (s *Session) Wall() time.Duration {
	return time.Duration(s.WallSeconds * float64(time.Second))
}

// Counter returns the usage counter selected by key.
func (s *Session) Counter(key MetricKey) (*Counter, bool) {
	accessor, ok := counterAccessors[key]
	if !ok {
		return nil, false
	}
	return accessor(s), true
}

// Validate checks the status/end-time invariant.
func (s *Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("session has no identity")
	}
	completed := s.Status == StatusCompleted
	if completed != s.HasEnd() {
		return fmt.Errorf("session %s: status %q inconsistent with end time %v", s.ID, s.Status, s.EndTime)
	}
	for key, accessor := range counterAccessors {
		if c := accessor(s); c.Valid && c.Value < 0 {
			return fmt.Errorf("session %s: negative %s counter", s.ID, key)
		}
	}
	return nil
}

// Clone returns an independent copy.
func (s *Session) Clone() *Session {
	c := *s
	return &c
}

// MergeFrom fills s from a previously stored copy of the same session.
//
// Empty descriptive fields and unobserved counters take the stored value, status never moves
// backwards, and Processed is sticky.
func (s *Session) MergeFrom(prev *Session) {
	if prev == nil || prev.ID != s.ID {
		return
	}
	fillString(&s.Site, prev.Site)
	fillString(&s.Machine, prev.Machine)
	fillString(&s.Namespace, prev.Namespace)
	fillString(&s.GlobalUserName, prev.GlobalUserName)
	fillString(&s.PrimaryGroup, prev.PrimaryGroup)
	fillString(&s.FQAN, prev.FQAN)
	fillString(&s.Flavor, prev.Flavor)
	fillString(&s.ImageID, prev.ImageID)

	if !s.HasStart() {
		s.StartTime = prev.StartTime
	}

	if prev.Status.rank() > s.Status.rank() {
		s.Status = prev.Status
		s.EndTime = prev.EndTime
		if prev.WallSeconds > s.WallSeconds {
			s.WallSeconds = prev.WallSeconds
		}
	}

	for _, accessor := range counterAccessors {
		cur, old := accessor(s), accessor(prev)
		if !cur.Valid && old.Valid {
			*cur = *old
		}
	}

	s.Processed = s.Processed || prev.Processed
}

func fillString(dst *string, src string) {
	if *dst == "" {
		*dst = src
	}
}
