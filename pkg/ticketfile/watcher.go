package ticketfile

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors project tickets directories for outside edits and
// reports debounced changes per project. A burst of filesystem events in
// one directory collapses into a single onChange call.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	debounce  time.Duration
	onChange  func(projectID string)

	mu     sync.Mutex
	dirs   map[string]string      // watched dir -> project id
	timers map[string]*time.Timer // project id -> pending debounce timer

	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a ticket directory watcher and starts its event loop.
// onChange is invoked from a timer goroutine after the debounce window.
func NewWatcher(debounce time.Duration, onChange func(projectID string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		fsWatcher: fsw,
		debounce:  debounce,
		onChange:  onChange,
		dirs:      make(map[string]string),
		timers:    make(map[string]*time.Timer),
		done:      make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Watch adds a project's tickets directory. The directory must exist.
func (w *Watcher) Watch(projectID, dir string) error {
	dir = filepath.Clean(dir)
	if err := w.fsWatcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch tickets directory %s: %w", dir, err)
	}
	w.mu.Lock()
	w.dirs[dir] = projectID
	w.mu.Unlock()
	slog.Debug("Watching tickets directory", "project_id", projectID, "dir", dir)
	return nil
}

// Unwatch stops watching a directory, e.g. when its project is deleted.
func (w *Watcher) Unwatch(dir string) {
	dir = filepath.Clean(dir)
	// Remove errors if the watch is already gone; nothing to do then.
	_ = w.fsWatcher.Remove(dir)
	w.mu.Lock()
	if projectID, ok := w.dirs[dir]; ok {
		delete(w.dirs, dir)
		if t, ok := w.timers[projectID]; ok {
			t.Stop()
			delete(w.timers, projectID)
		}
	}
	w.mu.Unlock()
}

// Stop terminates the watcher and cancels pending debounce timers.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		for id, t := range w.timers {
			t.Stop()
			delete(w.timers, id)
		}
		w.mu.Unlock()
		err = w.fsWatcher.Close()
	})
	return err
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !isMarkdownEvent(event) {
				continue
			}
			w.schedule(filepath.Dir(event.Name))

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Ticket watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// isMarkdownEvent filters for markdown file changes. Editors that write via
// rename still produce Create/Rename pairs on the final name.
func isMarkdownEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	return strings.HasSuffix(event.Name, ".md")
}

// schedule arms (or re-arms) the per-project debounce timer.
func (w *Watcher) schedule(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	projectID, ok := w.dirs[filepath.Clean(dir)]
	if !ok {
		return
	}
	select {
	case <-w.done:
		return
	default:
	}

	if t, ok := w.timers[projectID]; ok {
		t.Stop()
	}
	w.timers[projectID] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, projectID)
		w.mu.Unlock()
		w.onChange(projectID)
	})
}
