package monitor

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Op is the kind of a raw notification.
type Op int

// Raw notification kinds.
const (
	OpCreate Op = iota + 1
	OpWrite
	OpRemove
	OpRename
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// RawEvent is one notification from an event source. Path is relative to
// the watch root and slash-separated; for OpRename it is the old name.
type RawEvent struct {
	Path string
	Op   Op
	Time time.Time
}

// Source supplies raw change notifications for a directory tree. Events and
// Errors are closed after Close returns.
type Source interface {
	Events() <-chan RawEvent
	Errors() <-chan error
	Dropped() int64
	Close() error
}

// ErrRootRemoved is reported when the watch root itself disappears.
var ErrRootRemoved = errors.New("watch root removed")

// FSNotifySource watches a directory tree with fsnotify. Directories created
// after the start are watched as they appear. When the event buffer is full
// new events are dropped and counted rather than blocking the watcher.
type FSNotifySource struct {
	root    string
	ignore  *IgnoreMatcher
	log     *slog.Logger
	watcher *fsnotify.Watcher

	events  chan RawEvent
	errs    chan error
	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewFSNotifySource starts watching root and every non-ignored directory
// below it.
func NewFSNotifySource(root string, ignore *IgnoreMatcher, buffer int, log *slog.Logger) (*FSNotifySource, error) {
	if log == nil {
		log = slog.Default()
	}
	if buffer <= 0 {
		buffer = 256
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	s := &FSNotifySource{
		root:    root,
		ignore:  ignore,
		log:     log,
		watcher: w,
		events:  make(chan RawEvent, buffer),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
		nowFunc: time.Now,
	}
	if err := s.addTree(root, false); err != nil {
		_ = w.Close()
		return nil, err
	}
	go s.forward()
	return s, nil
}

// Events returns the notification stream.
func (s *FSNotifySource) Events() <-chan RawEvent { return s.events }

// Errors returns watcher failures.
func (s *FSNotifySource) Errors() <-chan error { return s.errs }

// Dropped returns how many events were lost to a full buffer.
func (s *FSNotifySource) Dropped() int64 { return s.dropped.Load() }

// Close stops the watcher. It is safe to call more than once.
func (s *FSNotifySource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.watcher.Close()
		<-s.done
	})
	return err
}

// addTree watches dir and its non-ignored subdirectories. With announce set,
// files already present are reported as created; they were written before
// the watch on their directory existed.
func (s *FSNotifySource) addTree(dir string, announce bool) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return fmt.Errorf("watch %s: %w", p, err)
			}
			return nil
		}
		rel, _ := filepath.Rel(s.root, p)
		if d.IsDir() {
			if s.ignore.MatchDir(rel) {
				return filepath.SkipDir
			}
			if err := s.watcher.Add(p); err != nil {
				if p == dir {
					return fmt.Errorf("watch %s: %w", p, err)
				}
				s.log.Warn("watch directory failed", "path", p, "error", err)
			}
			return nil
		}
		if announce && d.Type().IsRegular() && !s.ignore.Match(rel) {
			s.emit(RawEvent{Path: filepath.ToSlash(rel), Op: OpCreate, Time: s.nowFunc()})
		}
		return nil
	})
}

func (s *FSNotifySource) forward() {
	defer close(s.done)
	defer close(s.errs)
	defer close(s.events)

	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handle(ev)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			select {
			case s.errs <- err:
			default:
				s.log.Warn("watcher error", "error", err)
			}
		}
	}
}

func (s *FSNotifySource) handle(ev fsnotify.Event) {
	if ev.Name == s.root && (ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)) {
		select {
		case s.errs <- ErrRootRemoved:
		default:
		}
		return
	}
	rel, err := filepath.Rel(s.root, ev.Name)
	if err != nil || rel == "." {
		return
	}

	var op Op
	switch {
	case ev.Has(fsnotify.Create):
		op = OpCreate
	case ev.Has(fsnotify.Write):
		op = OpWrite
	case ev.Has(fsnotify.Remove):
		op = OpRemove
	case ev.Has(fsnotify.Rename):
		op = OpRename
	default:
		return // chmod only
	}

	if op == OpCreate {
		if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
			if s.ignore.MatchDir(rel) {
				return
			}
			if err := s.addTree(ev.Name, true); err != nil {
				s.log.Warn("watch new directory failed", "path", ev.Name, "error", err)
			}
			return
		}
	}
	if s.ignore.Match(rel) {
		return
	}
	s.emit(RawEvent{Path: filepath.ToSlash(rel), Op: op, Time: s.nowFunc()})
}

func (s *FSNotifySource) emit(ev RawEvent) {
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
	}
}
