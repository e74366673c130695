package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/falconrpa/orchestrator/pkg/types"
	"github.com/fsnotify/fsnotify"
)

// fileWatcher backs a FILE trigger: watches a directory, firing once per
// matching event, debounced by quietPeriod so a burst of writes to the
// same file (e.g. an editor's save-then-rename) yields one enqueue.
type fileWatcher struct {
	trigger *types.Trigger
	watcher *fsnotify.Watcher
	mgr     *Manager
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func (m *Manager) startFileWatcher(t *types.Trigger) {
	dir, _ := t.Config["directory"].(string)
	if dir == "" {
		log.Error("trigger: FILE trigger missing directory config", "trigger_id", t.ID)
		return
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Error("trigger: create fsnotify watcher failed", "trigger_id", t.ID, "error", err)
		return
	}
	if err := w.Add(dir); err != nil {
		log.Error("trigger: watch directory failed", "trigger_id", t.ID, "directory", dir, "error", err)
		w.Close()
		return
	}

	fw := &fileWatcher{trigger: t, watcher: w, mgr: m, stopCh: make(chan struct{})}
	m.mu.Lock()
	m.watchers[t.ID] = fw
	m.mu.Unlock()

	fw.wg.Add(1)
	go fw.run()
}

func (fw *fileWatcher) run() {
	defer fw.wg.Done()
	defer fw.watcher.Close()

	var debounce *time.Timer
	pending := make(map[string]string)
	var mu sync.Mutex

	fire := func() {
		mu.Lock()
		files := pending
		pending = make(map[string]string)
		mu.Unlock()

		for path := range files {
			if _, err := fw.mgr.Fire(context.Background(), fw.trigger.ID, map[string]any{"path": path}); err != nil {
				slog.Default().Error("trigger: file trigger fire failed", "trigger_id", fw.trigger.ID, "error", err)
			}
		}
	}

	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			mu.Lock()
			pending[event.Name] = event.Name
			mu.Unlock()
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(quietPeriod, fire)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			log.Error("trigger: fsnotify error", "trigger_id", fw.trigger.ID, "error", err)

		case <-fw.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

func (fw *fileWatcher) stop() {
	close(fw.stopCh)
	fw.wg.Wait()
}
