package registry

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/karlmjogila/swarmops-sub006/internal/logging"
)

// LivenessWatcher observes worker workspace directories and refreshes the
// registry liveness timestamp for a task whenever its workspace sees file
// activity. A worker that keeps writing is alive regardless of how long
// its step takes, so SweepStale only reaps workers that have truly gone
// quiet.
type LivenessWatcher struct {
	watcher  *fsnotify.Watcher
	registry *Registry

	// Map of workspace root -> task key.
	workspaces map[string]string

	// Directory names to skip when walking workspaces.
	ignoreDirs []string

	logger   *logging.Logger
	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewLivenessWatcher creates a watcher that reports into the registry.
func NewLivenessWatcher(reg *Registry, logger *logging.Logger) (*LivenessWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NopLogger()
	}

	return &LivenessWatcher{
		watcher:    w,
		registry:   reg,
		workspaces: make(map[string]string),
		ignoreDirs: []string{".git", "node_modules", ".DS_Store"},
		logger:     logger.WithComponent("liveness"),
		stopCh:     make(chan struct{}),
	}, nil
}

// AddWorkspace starts watching a worker's workspace directory.
func (w *LivenessWatcher) AddWorkspace(taskKey, dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.workspaces[dir] = taskKey

	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	// fsnotify only watches single directories, so walk subdirectories too.
	return w.watchDirRecursive(dir)
}

func (w *LivenessWatcher) watchDirRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		base := filepath.Base(path)
		for _, ignore := range w.ignoreDirs {
			if base == ignore {
				return filepath.SkipDir
			}
		}
		if info.IsDir() {
			_ = w.watcher.Add(path)
		}
		return nil
	})
}

// RemoveWorkspace stops watching a workspace.
func (w *LivenessWatcher) RemoveWorkspace(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	_ = w.watcher.Remove(dir)
	delete(w.workspaces, dir)
}

// Start begins processing filesystem events.
func (w *LivenessWatcher) Start() {
	go w.watchLoop()
}

// Stop stops the watcher and releases its resources. Safe to call more
// than once.
func (w *LivenessWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.watcher.Close()
	})
}

func (w *LivenessWatcher) watchLoop() {
	// Debounce: editors and build tools emit bursts of events for one
	// logical change, and one Touch per burst is enough.
	debounce := time.NewTimer(0)
	<-debounce.C

	pending := make(map[string]bool)

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if taskKey := w.taskKeyFor(event.Name); taskKey != "" {
				pending[taskKey] = true
				debounce.Reset(50 * time.Millisecond)
			}

		case <-debounce.C:
			for taskKey := range pending {
				w.registry.Touch(taskKey)
			}
			pending = make(map[string]bool)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("liveness watcher error", "error", err.Error())
		}
	}
}

// taskKeyFor maps an event path to the workspace it belongs to.
func (w *LivenessWatcher) taskKeyFor(path string) string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	for dir, taskKey := range w.workspaces {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return taskKey
		}
	}
	return ""
}
