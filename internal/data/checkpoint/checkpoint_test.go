package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "state", "eosc.timestamp"))

	_, ok, err := f.Load()
	require.NoError(t, err)
	assert.False(t, ok)

	want := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.Save(want))

	data, err := os.ReadFile(f.Path())
	require.NoError(t, err)
	assert.Equal(t, "2024-05-02T00:00:00Z", string(data))

	got, ok, err := f.Load()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, want.Equal(got))
}

func TestLoadFormats(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantOK  bool
		want    time.Time
	}{
		{"iso with newline", "2024-05-02T00:00:00Z\n", true, time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)},
		{"date only", "2024-05-02", true, time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)},
		{"garbage", "yesterday", false, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "ts")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			got, ok, err := New(path).Load()
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			assert.True(t, tt.want.Equal(got))
		})
	}
}
