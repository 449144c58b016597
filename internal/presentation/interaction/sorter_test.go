package interaction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penwyp/go-pod-accounting/internal/core/model"
)

func session(id, user string, start, end time.Time, wall float64) *model.Session {
	s := model.NewSession(id)
	s.GlobalUserName = user
	s.StartTime = start
	s.EndTime = end
	s.WallSeconds = wall
	return s
}

func ids(sessions []*model.Session) []string {
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.ID
	}
	return out
}

func TestSessionSorter(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	fixture := func() []*model.Session {
		return []*model.Session{
			session("b", "carol", base.Add(2*time.Hour), base.Add(3*time.Hour), 3600),
			session("running", "alice", base.Add(time.Hour), time.Time{}, 0),
			session("a", "bob", base, base.Add(4*time.Hour), 14400),
		}
	}

	tests := []struct {
		name  string
		field SortField
		order SortOrder
		want  []string
	}{
		{"start ascending", SortByStart, SortAscending, []string{"a", "running", "b"}},
		{"start descending", SortByStart, SortDescending, []string{"b", "running", "a"}},
		{"end ascending keeps running last", SortByEnd, SortAscending, []string{"b", "a", "running"}},
		{"end descending keeps running last", SortByEnd, SortDescending, []string{"a", "b", "running"}},
		{"wall descending", SortByWall, SortDescending, []string{"a", "b", "running"}},
		{"user ascending", SortByUser, SortAscending, []string{"running", "a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := fixture()
			NewSessionSorter(tt.field, tt.order).Sort(sessions)
			assert.Equal(t, tt.want, ids(sessions))
		})
	}
}

func TestParseSortField(t *testing.T) {
	for name, want := range map[string]SortField{
		"":      SortByStart,
		"start": SortByStart,
		"END":   SortByEnd,
		"wall":  SortByWall,
		"user":  SortByUser,
	} {
		got, err := ParseSortField(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := ParseSortField("cost")
	assert.Error(t, err)
}
