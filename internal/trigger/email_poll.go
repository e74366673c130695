package trigger

import (
	"context"
	"time"

	"github.com/falconrpa/orchestrator/pkg/types"
)

// MailboxPoller is the narrow interface an EMAIL trigger polls — a real
// deployment would implement this over IMAP; injected so trigger tests
// never need a live inbox.
type MailboxPoller interface {
	PollNew(ctx context.Context) ([]MailMessage, error)
}

// MailMessage is one unread message discovered by a MailboxPoller.
type MailMessage struct {
	MessageID string
	From      string
	Subject   string
	Body      string
}

// emailPoller backs an EMAIL trigger: polls an inbox on an interval, firing
// once per new matching message, deduplicated on message-id.
type emailPoller struct {
	trigger *types.Trigger
	mgr     *Manager
	mailbox MailboxPoller
	seen    map[string]struct{}
	stopCh  chan struct{}
	done    chan struct{}
}

func (m *Manager) startEmailPoller(t *types.Trigger) {
	mailbox, _ := t.Config["mailbox"].(MailboxPoller)
	if mailbox == nil {
		log.Warn("trigger: EMAIL trigger has no mailbox poller configured, skipping", "trigger_id", t.ID)
		return
	}

	interval := 60 * time.Second
	if v, ok := t.Config["poll_interval_seconds"].(int); ok && v > 0 {
		interval = time.Duration(v) * time.Second
	}

	ep := &emailPoller{
		trigger: t,
		mgr:     m,
		mailbox: mailbox,
		seen:    make(map[string]struct{}),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	m.mu.Lock()
	m.emailers[t.ID] = ep
	m.mu.Unlock()

	go ep.run(interval)
}

func (ep *emailPoller) run(interval time.Duration) {
	defer close(ep.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ep.pollOnce()
		case <-ep.stopCh:
			return
		}
	}
}

func (ep *emailPoller) pollOnce() {
	ctx := context.Background()
	messages, err := ep.mailbox.PollNew(ctx)
	if err != nil {
		log.Error("trigger: mailbox poll failed", "trigger_id", ep.trigger.ID, "error", err)
		return
	}

	for _, msg := range messages {
		if _, dup := ep.seen[msg.MessageID]; dup {
			continue
		}
		ep.seen[msg.MessageID] = struct{}{}

		if _, err := ep.mgr.Fire(ctx, ep.trigger.ID, map[string]any{
			"from": msg.From, "subject": msg.Subject, "body": msg.Body, "message_id": msg.MessageID,
		}); err != nil {
			log.Error("trigger: email trigger fire failed", "trigger_id", ep.trigger.ID, "error", err)
		}
	}
}

func (ep *emailPoller) stop() {
	close(ep.stopCh)
	<-ep.done
}
