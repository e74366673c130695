// Package trigger maintains the registry of external stimuli —
// manual/webhook/file/email/form/chat/workflow-call — each translated into
// a job enqueue when it fires. FILE triggers watch a directory via
// github.com/fsnotify/fsnotify with a debounce window; EMAIL triggers poll
// an injected mailbox on an interval, deduplicating on message-id.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/falconrpa/orchestrator/internal/clock"
	"github.com/falconrpa/orchestrator/internal/orcerr"
	"github.com/falconrpa/orchestrator/internal/storage"
	"github.com/falconrpa/orchestrator/pkg/types"
	"github.com/google/uuid"
)

var log = slog.Default()

// EnqueueFunc enqueues a job on behalf of a fired trigger.
type EnqueueFunc func(ctx context.Context, job *types.Job) (*types.Job, error)

// Manager owns every registered Trigger and the background watchers
// (FILE, EMAIL) that fire them.
type Manager struct {
	mu   sync.Mutex
	repo storage.Repository
	clk  clock.Clock
	enq  EnqueueFunc

	triggers map[string]*types.Trigger
	watchers map[string]*fileWatcher
	emailers map[string]*emailPoller

	onFire func(triggerType string)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// SetOnFire installs a hook invoked once per actual enqueue, labeled by
// trigger type — Engine wires this to metrics.Collector.RecordTriggerFire.
func (m *Manager) SetOnFire(hook func(triggerType string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFire = hook
}

func New(ctx context.Context, repo storage.Repository, clk clock.Clock, enq EnqueueFunc) (*Manager, error) {
	m := &Manager{
		repo:     repo,
		clk:      clk,
		enq:      enq,
		triggers: make(map[string]*types.Trigger),
		watchers: make(map[string]*fileWatcher),
		emailers: make(map[string]*emailPoller),
		stopCh:   make(chan struct{}),
	}

	all, err := repo.AllTriggers(ctx)
	if err != nil {
		return nil, fmt.Errorf("trigger: reconstruct: %w", err)
	}
	for _, t := range all {
		m.triggers[t.ID] = t
	}

	// Reloaded triggers must behave as they did before the restart: an
	// enabled FILE/EMAIL trigger gets its watcher back, not just its
	// registry entry.
	for _, t := range m.triggers {
		if t.Enabled {
			m.startWatcher(t)
		}
	}
	return m, nil
}

// Register persists a new trigger and, if enabled, starts its background
// watcher (FILE/EMAIL kinds only).
func (m *Manager) Register(ctx context.Context, t *types.Trigger) (*types.Trigger, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	if err := m.repo.PutTrigger(ctx, t); err != nil {
		return nil, fmt.Errorf("trigger: persist register: %w", err)
	}

	m.mu.Lock()
	m.triggers[t.ID] = t
	m.mu.Unlock()

	if t.Enabled {
		m.startWatcher(t)
	}
	return t, nil
}

// Unregister removes a trigger and stops any watcher.
func (m *Manager) Unregister(ctx context.Context, id string) error {
	m.mu.Lock()
	_, ok := m.triggers[id]
	delete(m.triggers, id)
	m.mu.Unlock()
	if !ok {
		return orcerr.ErrTriggerNotFound
	}
	m.stopWatcher(id)
	return m.repo.DeleteTrigger(ctx, id)
}

// Enable / Disable toggle participation without destroying the trigger;
// disabled triggers silently drop stimuli.
func (m *Manager) Enable(ctx context.Context, id string) error  { return m.setEnabled(ctx, id, true) }
func (m *Manager) Disable(ctx context.Context, id string) error { return m.setEnabled(ctx, id, false) }

func (m *Manager) setEnabled(ctx context.Context, id string, enabled bool) error {
	m.mu.Lock()
	t, ok := m.triggers[id]
	if !ok {
		m.mu.Unlock()
		return orcerr.ErrTriggerNotFound
	}
	t.Enabled = enabled
	cp := *t
	m.mu.Unlock()

	if err := m.repo.PutTrigger(ctx, &cp); err != nil {
		return err
	}
	if enabled {
		m.startWatcher(&cp)
	} else {
		m.stopWatcher(id)
	}
	return nil
}

// Fire fires a trigger with an explicit payload — used for WEBHOOK (the
// HTTP transport layer hands off here), FORM, CHAT, WORKFLOW_CALL, and
// MANUAL. Disabled triggers drop the stimulus silently without updating
// fire_count.
func (m *Manager) Fire(ctx context.Context, id string, parameters map[string]any) (*types.Job, error) {
	m.mu.Lock()
	t, ok := m.triggers[id]
	if !ok {
		m.mu.Unlock()
		return nil, orcerr.ErrTriggerNotFound
	}
	if !t.Enabled {
		m.mu.Unlock()
		log.Info("trigger: dropped stimulus for disabled trigger", "trigger_id", id)
		return nil, nil
	}
	m.mu.Unlock()

	job := &types.Job{
		WorkflowID: t.WorkflowID,
		Parameters: parameters,
	}
	enqueued, err := m.enq(ctx, job)
	if err != nil && !errors.Is(err, orcerr.ErrDuplicateJob) {
		return nil, err
	}

	m.mu.Lock()
	t.FireCount++
	t.LastFireAt = m.clk.Now()
	cp := *t
	hook := m.onFire
	m.mu.Unlock()

	if perr := m.repo.PutTrigger(ctx, &cp); perr != nil {
		log.Error("trigger: persist fire stats failed", "trigger_id", id, "error", perr)
	}
	if hook != nil && enqueued != nil {
		hook(string(t.Type))
	}

	return enqueued, err
}

// Get returns a copy of a trigger.
func (m *Manager) Get(id string) (*types.Trigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[id]
	if !ok {
		return nil, orcerr.ErrTriggerNotFound
	}
	cp := *t
	return &cp, nil
}

// List returns every registered trigger.
func (m *Manager) List() []*types.Trigger {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Trigger, 0, len(m.triggers))
	for _, t := range m.triggers {
		cp := *t
		out = append(out, &cp)
	}
	return out
}

// WebhookPath returns the path a WEBHOOK trigger is served at — used by
// internal/transport/httpapi to report it when the trigger is registered;
// one /webhooks/{triggerID} route serves every such path.
func WebhookPath(t *types.Trigger) string {
	return "/webhooks/" + t.ID
}

func (m *Manager) startWatcher(t *types.Trigger) {
	switch t.Type {
	case types.TriggerFile:
		m.startFileWatcher(t)
	case types.TriggerEmail:
		m.startEmailPoller(t)
	}
}

func (m *Manager) stopWatcher(id string) {
	m.mu.Lock()
	if w, ok := m.watchers[id]; ok {
		delete(m.watchers, id)
		m.mu.Unlock()
		w.stop()
		return
	}
	if p, ok := m.emailers[id]; ok {
		delete(m.emailers, id)
		m.mu.Unlock()
		p.stop()
		return
	}
	m.mu.Unlock()
}

// Stop tears down every background watcher — called from Engine shutdown.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := make([]*fileWatcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.watchers = make(map[string]*fileWatcher)
	emailers := make([]*emailPoller, 0, len(m.emailers))
	for _, p := range m.emailers {
		emailers = append(emailers, p)
	}
	m.emailers = make(map[string]*emailPoller)
	m.mu.Unlock()

	for _, w := range watchers {
		w.stop()
	}
	for _, p := range emailers {
		p.stop()
	}
}

// quietPeriod is the default FILE-trigger debounce window.
const quietPeriod = 2 * time.Second
