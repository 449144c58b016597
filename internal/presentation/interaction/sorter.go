// Package interaction holds the operator-facing controls of session listings.
package interaction

import (
	"fmt"
	"sort"
	"strings"

	"github.com/penwyp/go-pod-accounting/internal/core/model"
)

// SortField represents the field to sort sessions by
type SortField int

const (
	SortByStart SortField = iota
	SortByEnd
	SortByWall
	SortByUser
)

// SortOrder represents the sort order
type SortOrder int

const (
	SortAscending SortOrder = iota
	SortDescending
)

// ParseSortField maps a flag value (start, end, wall, user) to a field.
func ParseSortField(name string) (SortField, error) {
	switch strings.ToLower(name) {
	case "", "start":
		return SortByStart, nil
	case "end":
		return SortByEnd, nil
	case "wall":
		return SortByWall, nil
	case "user":
		return SortByUser, nil
	}
	return SortByStart, fmt.Errorf("unknown sort field %q", name)
}

// SessionSorter handles sorting of sessions
type SessionSorter struct {
	field SortField
	order SortOrder
}

func NewSessionSorter(field SortField, order SortOrder) *SessionSorter {
	return &SessionSorter{field: field, order: order}
}

// Sort orders sessions in place. Ties keep store order, and sessions without the sorted
// timestamp go last in either order.
func (s *SessionSorter) Sort(sessions []*model.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if s.field == SortByEnd && a.HasEnd() != b.HasEnd() {
			return a.HasEnd()
		}
		if s.field == SortByStart && a.HasStart() != b.HasStart() {
			return a.HasStart()
		}

		var less, greater bool
		switch s.field {
		case SortByStart:
			less, greater = a.StartTime.Before(b.StartTime), a.StartTime.After(b.StartTime)
		case SortByEnd:
			less, greater = a.EndTime.Before(b.EndTime), a.EndTime.After(b.EndTime)
		case SortByWall:
			less, greater = a.WallSeconds < b.WallSeconds, a.WallSeconds > b.WallSeconds
		case SortByUser:
			less, greater = a.GlobalUserName < b.GlobalUserName, a.GlobalUserName > b.GlobalUserName
		}

		if s.order == SortDescending {
			return greater
		}
		return less
	})
}
