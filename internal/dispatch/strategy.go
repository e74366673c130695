// Package dispatch pairs queued jobs with eligible robots: a tick loop
// (plus wake signals on enqueue and robot state change) and four pluggable
// load-balancing strategies — round-robin, least-loaded, random, and
// affinity.
package dispatch

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/falconrpa/orchestrator/pkg/types"
)

// StrategyKind names a selectable load-balancing strategy (the
// load_balancing_strategy config option).
type StrategyKind string

const (
	RoundRobin  StrategyKind = "round_robin"
	LeastLoaded StrategyKind = "least_loaded"
	Random      StrategyKind = "random"
	Affinity    StrategyKind = "affinity"
)

// NewStrategy constructs the fleet.Strategy named by kind.
func NewStrategy(kind StrategyKind) interface {
	Select(candidates []*types.Robot, job *types.Job) *types.Robot
} {
	switch kind {
	case RoundRobin:
		return &roundRobinStrategy{cursors: make(map[string]int)}
	case Random:
		return randomStrategy{}
	case Affinity:
		return &affinityStrategy{counters: make(map[affinityKey]*affinityCounter)}
	default:
		return leastLoadedStrategy{}
	}
}

// leastLoadedStrategy maximises spare capacity, tie-broken by heartbeat
// freshness then robot_id.
type leastLoadedStrategy struct{}

func (leastLoadedStrategy) Select(candidates []*types.Robot, job *types.Job) *types.Robot {
	return pickLeastLoaded(candidates)
}

func pickLeastLoaded(candidates []*types.Robot) *types.Robot {
	best := candidates[0]
	bestSpare := best.MaxConcurrentJobs - best.CurrentJobs
	for _, r := range candidates[1:] {
		spare := r.MaxConcurrentJobs - r.CurrentJobs
		switch {
		case spare > bestSpare:
			best, bestSpare = r, spare
		case spare == bestSpare:
			if r.LastHeartbeatAt.After(best.LastHeartbeatAt) {
				best = r
			} else if r.LastHeartbeatAt.Equal(best.LastHeartbeatAt) && r.ID < best.ID {
				best = r
			}
		}
	}
	return best
}

// randomStrategy picks uniformly among eligible candidates.
type randomStrategy struct{}

func (randomStrategy) Select(candidates []*types.Robot, job *types.Job) *types.Robot {
	return candidates[rand.Intn(len(candidates))]
}

// roundRobinStrategy keeps a rotating cursor per pool key (here, per
// workflow_id — the closest stand-in for "pool" absent an explicit pool
// argument at the call site) so repeated dispatches spread evenly.
type roundRobinStrategy struct {
	mu      sync.Mutex
	cursors map[string]int
}

func (s *roundRobinStrategy) Select(candidates []*types.Robot, job *types.Job) *types.Robot {
	sorted := make([]*types.Robot, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	s.mu.Lock()
	defer s.mu.Unlock()
	key := job.WorkflowID
	idx := s.cursors[key] % len(sorted)
	s.cursors[key] = idx + 1
	return sorted[idx]
}

// affinityKey is the rolling-success-counter key: (workflow_id, robot_id).
type affinityKey struct {
	workflowID string
	robotID    types.RobotID
}

type affinityCounter struct {
	mu      sync.Mutex
	success int
}

// affinityStrategy prefers the robot with the most prior successes on this
// workflow, falling back to LEAST_LOADED when no robot has any history.
type affinityStrategy struct {
	mu       sync.Mutex
	counters map[affinityKey]*affinityCounter
}

func (s *affinityStrategy) Select(candidates []*types.Robot, job *types.Job) *types.Robot {
	var best *types.Robot
	bestScore := 0

	s.mu.Lock()
	for _, r := range candidates {
		if c, ok := s.counters[affinityKey{job.WorkflowID, r.ID}]; ok {
			c.mu.Lock()
			score := c.success
			c.mu.Unlock()
			if score > bestScore || (score == bestScore && best != nil && r.ID < best.ID) {
				best, bestScore = r, score
			}
		}
	}
	s.mu.Unlock()

	if best == nil || bestScore == 0 {
		return pickLeastLoaded(candidates)
	}
	return best
}

// RecordSuccess bumps the rolling success counter for (workflowID, robotID)
// — ResultCollector calls this on every successful completion.
func (s *affinityStrategy) RecordSuccess(workflowID string, robotID types.RobotID) {
	key := affinityKey{workflowID, robotID}
	s.mu.Lock()
	c, ok := s.counters[key]
	if !ok {
		c = &affinityCounter{}
		s.counters[key] = c
	}
	s.mu.Unlock()

	c.mu.Lock()
	c.success++
	c.mu.Unlock()
}

// AsAffinityRecorder narrows strategy to the affinity success-recording
// interface, or returns nil if strategy isn't AFFINITY — ResultCollector
// uses this to know whether it has anything to report.
func AsAffinityRecorder(strategy any) interface {
	RecordSuccess(workflowID string, robotID types.RobotID)
} {
	if a, ok := strategy.(*affinityStrategy); ok {
		return a
	}
	return nil
}
