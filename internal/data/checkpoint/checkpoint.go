// Package checkpoint keeps the watermark of a periodic report in a one-line file.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/natefinch/atomic"

	"github.com/penwyp/go-pod-accounting/internal/util"
)

type File struct {
	path string
}

func New(path string) *File {
	return &File{path: path}
}

func (f *File) Path() string {
	return f.path
}

// Load returns the stored watermark. ok is false when the file is missing or unreadable,
// in which case the caller picks its own start.
func (f *File) Load() (t time.Time, ok bool, err error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		util.LogDebugf("No watermark at %s", f.path)
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read watermark %s: %w", f.path, err)
	}

	t, err = util.ParseTimestamp(strings.TrimSpace(string(data)))
	if err != nil {
		util.LogWarn("Ignoring invalid watermark", util.F("path", f.path), util.F("error", err))
		return time.Time{}, false, nil
	}
	return t, true, nil
}

// Save atomically replaces the watermark with t.
func (f *File) Save(t time.Time) error {
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := atomic.WriteFile(f.path, strings.NewReader(util.FormatISO(t))); err != nil {
		return fmt.Errorf("failed to write watermark %s: %w", f.path, err)
	}
	util.LogDebugf("Watermark %s set to %s", f.path, util.FormatISO(t))
	return nil
}
