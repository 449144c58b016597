package model

import "time"

// PredicateKind selects a stored-session filter.
type PredicateKind int

const (
	PredicateAll PredicateKind = iota
	PredicateUnprocessed
	PredicateEndedBetween
	PredicateRunningSince
	PredicateAny
)

// Predicate filters sessions. Time ranges are half-open [From, To).
type Predicate struct {
	Kind     PredicateKind
	From     time.Time
	To       time.Time
	Children []Predicate
}

func All() Predicate {
	return Predicate{Kind: PredicateAll}
}

// Unprocessed selects sessions not yet handed to a sink.
func Unprocessed() Predicate {
	return Predicate{Kind: PredicateUnprocessed}
}

// EndedBetween selects sessions whose end time falls in [from, to).
func EndedBetween(from, to time.Time) Predicate {
	return Predicate{Kind: PredicateEndedBetween, From: from, To: to}
}

// RunningSince selects unfinished sessions started in [from, to).
func RunningSince(from, to time.Time) Predicate {
	return Predicate{Kind: PredicateRunningSince, From: from, To: to}
}

// AnyOf matches when any child matches.
func AnyOf(children ...Predicate) Predicate {
	return Predicate{Kind: PredicateAny, Children: children}
}

// InWindow selects sessions reported in the window [from, to): those that ended inside it
// and those started inside it that are still running.
func InWindow(from, to time.Time) Predicate {
	return AnyOf(EndedBetween(from, to), RunningSince(from, to))
}

// Match evaluates the predicate in memory.
func (p Predicate) Match(s *Session) bool {
	switch p.Kind {
	case PredicateAll:
		return true
	case PredicateUnprocessed:
		return !s.Processed
	case PredicateEndedBetween:
		return s.HasEnd() && within(s.EndTime, p.From, p.To)
	case PredicateRunningSince:
		return !s.HasEnd() && s.HasStart() && within(s.StartTime, p.From, p.To)
	case PredicateAny:
		for _, child := range p.Children {
			if child.Match(s) {
				return true
			}
		}
	}
	return false
}

func within(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}
