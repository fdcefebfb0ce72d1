package runstore

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/simpleaide/internal/logging"
)

// DefaultDebounce collapses bursts of writes to the same file.
const DefaultDebounce = 50 * time.Millisecond

// Event reports a change inside the runs root.
type Event struct {
	RunID string
	// StepDir is the step directory name, empty for run-level files.
	StepDir string
	// File is the changed file name, empty when a directory appeared.
	File string
}

// Watcher pushes run and step changes from a Store root on the real
// filesystem. Directories that appear after Start are watched as they are
// created, and files already inside them are reported.
type Watcher struct {
	root     string
	watcher  *fsnotify.Watcher
	logger   *logging.Logger
	debounce time.Duration

	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once

	started bool
}

// NewWatcher creates a Watcher for root. It does not deliver events until
// Start is called.
func NewWatcher(root string, logger *logging.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		root:     filepath.Clean(root),
		watcher:  fw,
		logger:   logging.OrNop(logger).With("component", "runstore-watcher"),
		debounce: DefaultDebounce,
		events:   make(chan Event, 64),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Events returns the event channel. It is closed after Stop.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Start watches the root and every existing run and step directory, then
// begins delivering events.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.root); err != nil {
		return err
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			w.watchTree(filepath.Join(w.root, entry.Name()), false)
		}
	}
	w.started = true
	go w.loop()
	return nil
}

// Stop ends event delivery and releases the underlying watcher. It is safe
// to call more than once.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stopCh)
		_ = w.watcher.Close()
		if w.started {
			<-w.doneCh
		} else {
			close(w.events)
		}
	})
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	defer close(w.events)

	timer := time.NewTimer(0)
	<-timer.C
	pending := make(map[string]struct{})

	for {
		select {
		case <-w.stopCh:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				// Report the directory and anything written before the
				// watch was in place.
				pending[ev.Name] = struct{}{}
				for _, p := range w.watchTree(ev.Name, true) {
					pending[p] = struct{}{}
				}
			} else {
				pending[ev.Name] = struct{}{}
			}
			timer.Reset(w.debounce)

		case <-timer.C:
			for p := range pending {
				if event, ok := w.toEvent(p); ok {
					select {
					case w.events <- event:
					case <-w.stopCh:
						return
					}
				}
			}
			pending = make(map[string]struct{})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// watchTree adds dir and its subdirectories to the watcher. When collect is
// set it returns the files found along the way.
func (w *Watcher) watchTree(dir string, collect bool) []string {
	var files []string
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				w.logger.Debug("failed to watch directory", "path", path, "error", err)
			}
			return nil
		}
		if collect {
			files = append(files, path)
		}
		return nil
	})
	return files
}

// toEvent maps a path below the root to an Event. Temporary files and
// paths deeper than a step directory are dropped.
func (w *Watcher) toEvent(path string) (Event, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return Event{}, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if strings.HasPrefix(parts[len(parts)-1], tempPrefix) {
		return Event{}, false
	}

	isDir := false
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		isDir = true
	}

	switch len(parts) {
	case 1:
		if !isDir {
			return Event{}, false
		}
		return Event{RunID: parts[0]}, true
	case 2:
		if isDir {
			return Event{RunID: parts[0], StepDir: parts[1]}, true
		}
		return Event{RunID: parts[0], File: parts[1]}, true
	case 3:
		if isDir {
			return Event{}, false
		}
		return Event{RunID: parts[0], StepDir: parts[1], File: parts[2]}, true
	}
	return Event{}, false
}
