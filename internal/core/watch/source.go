// Package watch merges pod lifecycle events into the session store. A cluster-side watcher
// drops one JSON file per event into a directory; EventSource picks them up with fsnotify.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/fsnotify/fsnotify"

	"github.com/penwyp/go-pod-accounting/internal/core/model"
	"github.com/penwyp/go-pod-accounting/internal/util"
)

// EventType is the kind of pod change reported by the cluster.
type EventType string

const (
	Added    EventType = "ADDED"
	Modified EventType = "MODIFIED"
	Deleted  EventType = "DELETED"
)

// Event is one pod lifecycle change.
type Event struct {
	Type       EventType  `json:"type"`
	UID        string     `json:"uid"`
	Username   string     `json:"username,omitempty"`
	Namespace  string     `json:"namespace,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (e Event) validate() error {
	switch e.Type {
	case Added, Modified, Deleted:
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.UID == "" {
		return errors.New("event without uid")
	}
	return nil
}

// Delivery is a decoded event and the file it came from.
type Delivery struct {
	Path  string
	Event Event
}

// Ack removes the event file once it has been applied.
func (d Delivery) Ack() error {
	if err := os.Remove(d.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// EventSource watches a drop directory for *.json event files.
type EventSource struct {
	watcher *fsnotify.Watcher
	dir     string
	events  chan Delivery
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewEventSource starts watching dir. Files already present are delivered first, oldest first.
func NewEventSource(dir string) (*EventSource, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create events dir %s: %w", dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	s := &EventSource{
		watcher: watcher,
		dir:     dir,
		events:  make(chan Delivery, 100),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.processEvents()
	return s, nil
}

func (s *EventSource) Events() <-chan Delivery {
	return s.events
}

// Close stops the watcher and waits for the delivery goroutine.
func (s *EventSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.watcher.Close()
		s.wg.Wait()
	})
	return err
}

func (s *EventSource) processEvents() {
	defer s.wg.Done()
	defer close(s.events)

	for _, path := range s.backlog() {
		if !s.deliver(path) {
			return
		}
	}

	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isEventFile(event.Name) {
				continue
			}
			if !s.deliver(event.Name) {
				return
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			util.LogError("Event watch error: " + err.Error())
		}
	}
}

// deliver decodes path and sends it. It returns false once the source is closing.
func (s *EventSource) deliver(path string) bool {
	ev, err := readEvent(path)
	if err != nil {
		// Partially written files show up again on their next write.
		if !errors.Is(err, os.ErrNotExist) {
			util.LogDebug("Skipping event file", util.F("path", path), util.F("error", err))
		}
		return true
	}
	select {
	case s.events <- Delivery{Path: path, Event: ev}:
		return true
	case <-s.done:
		return false
	}
}

func (s *EventSource) backlog() []string {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		util.LogWarn("Cannot list events dir", util.F("dir", s.dir), util.F("error", err))
		return nil
	}
	type pending struct {
		path string
		mod  time.Time
	}
	var files []pending
	for _, e := range entries {
		if e.IsDir() || !isEventFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, pending{filepath.Join(s.dir, e.Name()), info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		if !files[i].mod.Equal(files[j].mod) {
			return files[i].mod.Before(files[j].mod)
		}
		return files[i].path < files[j].path
	})
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths
}

func isEventFile(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(filepath.Base(name), ".")
}

func readEvent(path string) (Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Event{}, err
	}
	var ev Event
	if err := sonic.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if err := ev.validate(); err != nil {
		return Event{}, fmt.Errorf("%s: %w", path, err)
	}
	return ev, nil
}

// Run applies deliveries until ctx is cancelled or the source closes. Failed events stay on
// disk for the next start; a persistence failure stops the loop.
func Run(ctx context.Context, src *EventSource, h *Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-src.Events():
			if !ok {
				return nil
			}
			if _, err := h.Handle(ctx, d.Event); err != nil {
				var pe *model.PersistenceError
				if errors.As(err, &pe) {
					return err
				}
				util.LogWarn("Event not applied", util.F("path", d.Path), util.F("error", err))
				continue
			}
			if err := d.Ack(); err != nil {
				util.LogWarn("Cannot remove event file", util.F("path", d.Path), util.F("error", err))
			}
		}
	}
}
