package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeTimeProvider(t *testing.T) {
	tests := []struct {
		name     string
		timezone string
		wantErr  bool
		wantLoc  string
	}{
		{name: "empty defaults to UTC", timezone: "", wantLoc: "UTC"},
		{name: "UTC", timezone: "UTC", wantLoc: "UTC"},
		{name: "named zone", timezone: "Europe/Prague", wantLoc: "Europe/Prague"},
		{name: "invalid zone", timezone: "Invalid/Timezone", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := InitializeTimeProvider(tt.timezone)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), "invalid timezone")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLoc, GetTimeProvider().Location().String())
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		name  string
		value string
		want  time.Time
	}{
		{name: "iso with Z", value: "2024-03-01T12:30:00Z", want: want},
		{name: "rfc3339 offset", value: "2024-03-01T13:30:00+01:00", want: want},
		{name: "space separated", value: "2024-03-01 12:30", want: want},
		{name: "date only", value: "2024-03-01", want: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{name: "surrounding whitespace", value: " 2024-03-01T12:30:00Z\n", want: want},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimestamp(tt.value)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}

	_, err := ParseTimestamp("yesterday")
	assert.Error(t, err)
}

func TestFormatISO(t *testing.T) {
	ts := time.Date(2024, 3, 1, 13, 30, 5, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "2024-03-01T12:30:05Z", FormatISO(ts))
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), StartOfDay(ts))
}
