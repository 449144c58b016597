package scanner

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanEmptyAndMissingDirectory(t *testing.T) {
	files, err := NewFileScanner(t.TempDir()).Scan()
	require.NoError(t, err)
	assert.Empty(t, files)

	files, err = NewFileScanner("/path/that/does/not/exist").Scan()
	require.NoError(t, err, "Scanner should handle non-existent directory gracefully")
	assert.Empty(t, files)
}

func TestScanOrdersByModificationTime(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	testFiles := []struct {
		path string
		age  time.Duration
	}{
		{"66320000/newest", 0},
		{"66310000/oldest", 2 * time.Hour},
		{"middle", time.Hour},
		{"66320000/inflight.tmp", 3 * time.Hour},
		{"66320000/locked.lck", 3 * time.Hour},
	}
	for _, tf := range testFiles {
		path := filepath.Join(dir, tf.path)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
		mtime := base.Add(-tf.age)
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}

	files, err := NewFileScanner(dir).Scan()
	require.NoError(t, err)

	var names []string
	for _, f := range files {
		rel, err := filepath.Rel(dir, f.Path)
		require.NoError(t, err)
		names = append(names, rel)
	}
	assert.Equal(t, []string{"66310000/oldest", "middle", "66320000/newest"}, names)
}
