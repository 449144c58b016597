// Package spool hands APEL messages to the outgoing store-and-forward directory using the
// dirq "simple queue" layout read by the APEL SSM sender.
package spool

import (
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/spf13/afero"

	"github.com/penwyp/go-pod-accounting/internal/util"
)

const (
	// granularity is the number of seconds grouped into one element directory.
	granularity  = 60
	tempSuffix   = ".tmp"
	lockedSuffix = ".lck"
	defaultPerm  = 0o755
	elementPerm  = 0o644
	maxNameRetry = 10
)

// Queue writes elements as <dir>/<name> where dir is the hex minute and name encodes the
// write time plus a per-queue random digit.
type Queue struct {
	fs    afero.Fs
	root  string
	clock quartz.Clock
	rnd   int
}

func New(fsys afero.Fs, root string, clock quartz.Clock) (*Queue, error) {
	if root == "" {
		return nil, fmt.Errorf("spool directory is required")
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	if err := fsys.MkdirAll(root, defaultPerm); err != nil {
		return nil, fmt.Errorf("failed to create spool %s: %w", root, err)
	}
	return &Queue{fs: fsys, root: root, clock: clock, rnd: rand.IntN(16)}, nil
}

// NewOS opens a queue on the local filesystem.
func NewOS(root string) (*Queue, error) {
	return New(afero.NewOsFs(), root, nil)
}

func (q *Queue) elementDir(now time.Time) string {
	return fmt.Sprintf("%08x", now.Unix()/granularity*granularity)
}

func (q *Queue) elementName(now time.Time) string {
	return fmt.Sprintf("%08x%05x%01x", now.Unix(), now.Nanosecond()/1000, q.rnd)
}

// Add stores data as a new element and returns its queue-relative name.
// The element is written under a temporary name and renamed into place.
func (q *Queue) Add(data string) (string, error) {
	now := q.clock.Now("spool", "add")
	dir := q.elementDir(now)
	if err := q.fs.MkdirAll(path.Join(q.root, dir), defaultPerm); err != nil {
		return "", fmt.Errorf("failed to create element directory: %w", err)
	}

	tmp := path.Join(q.root, dir, q.elementName(now)+tempSuffix)
	if err := afero.WriteFile(q.fs, tmp, []byte(data), elementPerm); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", tmp, err)
	}

	for attempt := 0; attempt < maxNameRetry; attempt++ {
		name := path.Join(dir, q.elementName(now.Add(time.Duration(attempt)*time.Microsecond)))
		target := path.Join(q.root, name)
		if _, err := q.fs.Stat(target); err == nil {
			continue
		}
		if err := q.fs.Rename(tmp, target); err != nil {
			_ = q.fs.Remove(tmp)
			return "", fmt.Errorf("failed to commit %s: %w", target, err)
		}
		util.LogDebug("Spooled message", util.F("element", name), util.F("bytes", len(data)))
		return name, nil
	}
	_ = q.fs.Remove(tmp)
	return "", fmt.Errorf("no free element name in %s", dir)
}

// List returns committed element names in queue order.
func (q *Queue) List() ([]string, error) {
	var names []string
	err := afero.Walk(q.fs, q.root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasSuffix(p, tempSuffix) || strings.HasSuffix(p, lockedSuffix) {
			return nil
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(p, q.root), string(os.PathSeparator))
		names = append(names, strings.TrimPrefix(rel, "/"))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Get reads a committed element.
func (q *Queue) Get(name string) (string, error) {
	data, err := afero.ReadFile(q.fs, path.Join(q.root, name))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Count returns the number of committed elements.
func (q *Queue) Count() (int, error) {
	names, err := q.List()
	return len(names), err
}
