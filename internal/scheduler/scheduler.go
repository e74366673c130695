// Package scheduler fires job enqueues at wall-clock moments defined by
// Schedules (ONCE/INTERVAL/CRON). Cron expressions are parsed with
// github.com/robfig/cron/v3 (standard 5-field syntax plus an optional
// seconds field); the run loop is a single goroutine that sleeps until
// the earliest next_fire_at and re-evaluates on a wake signal.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/falconrpa/orchestrator/internal/clock"
	"github.com/falconrpa/orchestrator/internal/orcerr"
	"github.com/falconrpa/orchestrator/internal/storage"
	"github.com/falconrpa/orchestrator/pkg/types"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

var log = slog.Default()

// MaxCatchupFires bounds how many missed fires a CatchUp=true schedule will
// replay after a long downtime — an implementation-only safety valve (see
// DESIGN.md's Open Question decision).
const MaxCatchupFires = 10

// EnqueueFunc enqueues a job for a fired schedule; supplied by Engine so
// the scheduler never depends on Queue directly.
type EnqueueFunc func(ctx context.Context, job *types.Job) (*types.Job, error)

// Scheduler owns every registered Schedule and fires them at next_fire_at.
type Scheduler struct {
	mu   sync.Mutex
	repo storage.Repository
	clk  clock.Clock
	enq  EnqueueFunc

	schedules map[string]*types.Schedule
	parser    cron.Parser

	onFire func(frequency string)

	wake   chan struct{}
	stopCh chan struct{}
}

// SetOnFire installs a hook invoked once per successful enqueue, labeled by
// the schedule's frequency kind — Engine wires this to
// metrics.Collector.RecordScheduleFire.
func (s *Scheduler) SetOnFire(hook func(frequency string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFire = hook
}

func New(ctx context.Context, repo storage.Repository, clk clock.Clock, enq EnqueueFunc) (*Scheduler, error) {
	s := &Scheduler{
		repo:      repo,
		clk:       clk,
		enq:       enq,
		schedules: make(map[string]*types.Schedule),
		parser:    cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}

	all, err := repo.AllSchedules(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduler: reconstruct: %w", err)
	}
	for _, sch := range all {
		s.schedules[sch.ID] = sch
	}
	return s, nil
}

// Create registers a new schedule and computes its first next_fire_at.
func (s *Scheduler) Create(ctx context.Context, sch *types.Schedule) (*types.Schedule, error) {
	if sch.ID == "" {
		sch.ID = uuid.NewString()
	}
	sch.Enabled = true

	next, err := s.computeNext(sch, s.clk.Now())
	if err != nil {
		return nil, err
	}
	sch.NextFireAt = next

	if err := s.repo.PutSchedule(ctx, sch); err != nil {
		return nil, fmt.Errorf("scheduler: persist create: %w", err)
	}

	s.mu.Lock()
	s.schedules[sch.ID] = sch
	s.mu.Unlock()
	s.Wake()
	return sch, nil
}

// Delete removes a schedule.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.schedules[id]
	delete(s.schedules, id)
	s.mu.Unlock()
	if !ok {
		return orcerr.ErrScheduleNotFound
	}
	return s.repo.DeleteSchedule(ctx, id)
}

// Toggle enables or disables a schedule. Enabling recomputes next_fire_at
// from now.
func (s *Scheduler) Toggle(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	sch, ok := s.schedules[id]
	if !ok {
		s.mu.Unlock()
		return orcerr.ErrScheduleNotFound
	}
	sch.Enabled = enabled
	if enabled {
		next, err := s.computeNext(sch, s.clk.Now())
		if err != nil {
			s.mu.Unlock()
			return err
		}
		sch.NextFireAt = next
	}
	cp := *sch
	s.mu.Unlock()

	if err := s.repo.PutSchedule(ctx, &cp); err != nil {
		return err
	}
	s.Wake()
	return nil
}

func (s *Scheduler) computeNext(sch *types.Schedule, from time.Time) (time.Time, error) {
	loc := time.UTC
	if sch.Timezone != "" {
		if l, err := time.LoadLocation(sch.Timezone); err == nil {
			loc = l
		}
	}

	switch sch.Frequency {
	case types.FrequencyOnce:
		return sch.At, nil
	case types.FrequencyInterval:
		if sch.Interval <= 0 {
			return time.Time{}, fmt.Errorf("%w: interval must be positive", orcerr.ErrValidation)
		}
		return from.Add(sch.Interval), nil
	case types.FrequencyCron:
		schedule, err := s.parser.Parse(sch.CronExpression)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", orcerr.ErrInvalidCron, err)
		}
		return schedule.Next(from.In(loc)), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown frequency %q", orcerr.ErrValidation, sch.Frequency)
	}
}

// Wake signals the run loop to re-evaluate sleep duration immediately —
// used after Create/Toggle so a newly-added schedule isn't missed until
// the next stale sleep expires.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run sleeps until the earliest next_fire_at across all enabled schedules,
// fires everything due, and repeats. A wake signal cuts the sleep short so
// Create/Toggle take effect immediately.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		wait := s.nextWait()

		select {
		case <-s.clk.After(wait):
			s.fireDue(ctx)
		case <-s.wake:
			continue
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) Stop() { close(s.stopCh) }

func (s *Scheduler) nextWait() time.Duration {
	now := s.clk.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var earliest time.Time
	for _, sch := range s.schedules {
		if !sch.Enabled {
			continue
		}
		if earliest.IsZero() || sch.NextFireAt.Before(earliest) {
			earliest = sch.NextFireAt
		}
	}
	if earliest.IsZero() {
		return time.Hour // idle poll: no schedules registered yet
	}
	wait := earliest.Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.clk.Now()

	s.mu.Lock()
	var due []*types.Schedule
	for _, sch := range s.schedules {
		if sch.Enabled && !sch.NextFireAt.After(now) {
			due = append(due, sch)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	s.mu.Unlock()

	for _, sch := range due {
		s.fireOne(ctx, sch, now)
	}
}

func (s *Scheduler) fireOne(ctx context.Context, sch *types.Schedule, now time.Time) {
	fires := s.pendingFireTimes(sch, now)

	for _, firedAt := range fires {
		job := &types.Job{
			WorkflowID:    sch.WorkflowID,
			Priority:      sch.Priority,
			TargetRobotID: sch.RobotID,
			ScheduledTime: &firedAt,
		}
		_, err := s.enq(ctx, job)
		if err != nil && !errors.Is(err, orcerr.ErrDuplicateJob) {
			log.Error("scheduler: enqueue failed", "schedule_id", sch.ID, "error", err)
			continue
		}
		sch.RunCount++
		sch.LastFireAt = firedAt

		s.mu.Lock()
		hook := s.onFire
		s.mu.Unlock()
		if hook != nil && err == nil {
			hook(string(sch.Frequency))
		}
	}

	next, err := s.computeNext(sch, now)
	if err != nil {
		log.Error("scheduler: recompute next fire failed", "schedule_id", sch.ID, "error", err)
		sch.Enabled = false
	} else {
		sch.NextFireAt = next
	}

	if err := s.repo.PutSchedule(ctx, sch); err != nil {
		log.Error("scheduler: persist fire failed", "schedule_id", sch.ID, "error", err)
	}
}

// pendingFireTimes returns the moments to enqueue for. When CatchUp is
// false (the default), exactly one, at next_fire_at, however many fires
// were missed during downtime; the later missed fires are skipped. When true, it walks forward from next_fire_at
// one interval/cron-step at a time up to MaxCatchupFires, logging if it
// truncates — this is the Open Question decision recorded in DESIGN.md.
func (s *Scheduler) pendingFireTimes(sch *types.Schedule, now time.Time) []time.Time {
	if !sch.CatchUp || sch.Frequency == types.FrequencyOnce {
		return []time.Time{sch.NextFireAt}
	}

	var fires []time.Time
	cursor := sch.NextFireAt
	for len(fires) < MaxCatchupFires && !cursor.After(now) {
		fires = append(fires, cursor)
		next, err := s.computeNext(sch, cursor)
		if err != nil {
			break
		}
		cursor = next
	}
	if cursor.Before(now) || cursor.Equal(now) {
		log.Warn("scheduler: catch-up truncated at safety cap", "schedule_id", sch.ID, "cap", MaxCatchupFires)
	}
	return fires
}

// Get returns a copy of a schedule.
func (s *Scheduler) Get(id string) (*types.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[id]
	if !ok {
		return nil, orcerr.ErrScheduleNotFound
	}
	cp := *sch
	return &cp, nil
}

// List returns every registered schedule.
func (s *Scheduler) List() []*types.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Schedule, 0, len(s.schedules))
	for _, sch := range s.schedules {
		cp := *sch
		out = append(out, &cp)
	}
	return out
}
