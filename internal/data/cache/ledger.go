// Package cache remembers which dump files were already imported so re-running an import
// only reads new or changed files.
package cache

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/natefinch/atomic"

	"github.com/penwyp/go-pod-accounting/internal/util"
)

type MissReason int

const (
	MissReasonNone MissReason = iota
	MissReasonError
	MissReasonInode
	MissReasonSize
	MissReasonModTime
	MissReasonFingerprint
	MissReasonNotFound
)

func (r MissReason) String() string {
	switch r {
	case MissReasonNone:
		return "hit"
	case MissReasonError:
		return "error"
	case MissReasonInode:
		return "inode changed"
	case MissReasonSize:
		return "size changed"
	case MissReasonModTime:
		return "modtime changed"
	case MissReasonFingerprint:
		return "content changed"
	default:
		return "not imported"
	}
}

// Entry describes one imported file version.
type Entry struct {
	util.FileInfo
	Fingerprint string    `json:"fingerprint"`
	Sessions    int       `json:"sessions"`
	ImportedAt  time.Time `json:"imported_at"`
}

// Ledger is a JSON file of imported dump files keyed by path.
type Ledger struct {
	path    string
	mu      sync.RWMutex
	entries map[string]*Entry
}

// OpenLedger loads the ledger at path; a missing file yields an empty ledger.
func OpenLedger(path string) (*Ledger, error) {
	l := &Ledger{path: path, entries: make(map[string]*Entry)}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read import ledger %s: %w", path, err)
	}
	if err := sonic.Unmarshal(data, &l.entries); err != nil {
		return nil, fmt.Errorf("failed to parse import ledger %s: %w", path, err)
	}
	return l, nil
}

// Check reports whether the file at info.Path was imported in exactly this version.
func (l *Ledger) Check(info *util.FileInfo) MissReason {
	l.mu.RLock()
	entry, ok := l.entries[info.Path]
	l.mu.RUnlock()
	if !ok {
		return MissReasonNotFound
	}

	if entry.Inode != info.Inode {
		util.LogDebug(fmt.Sprintf("Ledger miss for %s: inode changed (cached: %d, current: %d)",
			info.Path, entry.Inode, info.Inode))
		return MissReasonInode
	}
	if entry.Size != info.Size {
		util.LogDebug(fmt.Sprintf("Ledger miss for %s: size changed (cached: %d, current: %d)",
			info.Path, entry.Size, info.Size))
		return MissReasonSize
	}
	if !entry.ModTime.Equal(info.ModTime) {
		// Touched but possibly unchanged: the fingerprint decides.
		fp, err := util.CalculateFileFingerprint(info.Path)
		if err != nil {
			return MissReasonError
		}
		if fp != entry.Fingerprint {
			return MissReasonFingerprint
		}
		return MissReasonNone
	}
	return MissReasonNone
}

// Record marks info as imported with the given number of sessions.
func (l *Ledger) Record(info *util.FileInfo, sessions int, now time.Time) error {
	fp, err := util.CalculateFileFingerprint(info.Path)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.entries[info.Path] = &Entry{FileInfo: *info, Fingerprint: fp, Sessions: sessions, ImportedAt: now.UTC()}
	l.mu.Unlock()
	return nil
}

// Paths returns the recorded file paths in sorted order.
func (l *Ledger) Paths() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	paths := make([]string, 0, len(l.entries))
	for p := range l.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Save atomically writes the ledger.
func (l *Ledger) Save() error {
	l.mu.RLock()
	data, err := sonic.MarshalIndent(l.entries, "", "  ")
	l.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	return atomic.WriteFile(l.path, bytes.NewReader(data))
}
