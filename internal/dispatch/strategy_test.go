package dispatch

import (
	"testing"
	"time"

	"github.com/falconrpa/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
)

func robots(n int, maxJobs, currentJobs int) []*types.Robot {
	out := make([]*types.Robot, n)
	for i := range out {
		out[i] = &types.Robot{
			ID:                types.RobotID(string(rune('a' + i))),
			MaxConcurrentJobs: maxJobs,
			CurrentJobs:       currentJobs,
		}
	}
	return out
}

func TestLeastLoaded_PrefersMostSpareCapacity(t *testing.T) {
	strategy := NewStrategy(LeastLoaded)
	busy := &types.Robot{ID: "busy", MaxConcurrentJobs: 2, CurrentJobs: 2}
	idle := &types.Robot{ID: "idle", MaxConcurrentJobs: 2, CurrentJobs: 0}

	pick := strategy.Select([]*types.Robot{busy, idle}, &types.Job{})
	assert.Equal(t, types.RobotID("idle"), pick.ID)
}

func TestLeastLoaded_TieBrokenByFreshHeartbeat(t *testing.T) {
	strategy := NewStrategy(LeastLoaded)
	stale := &types.Robot{ID: "stale", MaxConcurrentJobs: 2, LastHeartbeatAt: time.Unix(100, 0)}
	fresh := &types.Robot{ID: "fresh", MaxConcurrentJobs: 2, LastHeartbeatAt: time.Unix(200, 0)}

	pick := strategy.Select([]*types.Robot{stale, fresh}, &types.Job{})
	assert.Equal(t, types.RobotID("fresh"), pick.ID)
}

func TestRoundRobin_RotatesAcrossCalls(t *testing.T) {
	strategy := NewStrategy(RoundRobin)
	candidates := []*types.Robot{
		{ID: "a", MaxConcurrentJobs: 1},
		{ID: "b", MaxConcurrentJobs: 1},
	}
	job := &types.Job{WorkflowID: "wf-1"}

	first := strategy.Select(candidates, job)
	second := strategy.Select(candidates, job)
	third := strategy.Select(candidates, job)

	assert.Equal(t, types.RobotID("a"), first.ID)
	assert.Equal(t, types.RobotID("b"), second.ID)
	assert.Equal(t, types.RobotID("a"), third.ID)
}

func TestRoundRobin_CursorIsPerWorkflow(t *testing.T) {
	strategy := NewStrategy(RoundRobin)
	candidates := []*types.Robot{
		{ID: "a", MaxConcurrentJobs: 1},
		{ID: "b", MaxConcurrentJobs: 1},
	}

	firstA := strategy.Select(candidates, &types.Job{WorkflowID: "wf-a"})
	firstB := strategy.Select(candidates, &types.Job{WorkflowID: "wf-b"})

	assert.Equal(t, types.RobotID("a"), firstA.ID)
	assert.Equal(t, types.RobotID("a"), firstB.ID)
}

func TestRandom_AlwaysPicksFromCandidates(t *testing.T) {
	strategy := NewStrategy(Random)
	candidates := robots(3, 1, 0)

	for i := 0; i < 20; i++ {
		pick := strategy.Select(candidates, &types.Job{})
		found := false
		for _, c := range candidates {
			if c.ID == pick.ID {
				found = true
			}
		}
		assert.True(t, found)
	}
}

func TestAffinity_FallsBackToLeastLoadedWithoutHistory(t *testing.T) {
	strategy := NewStrategy(Affinity)
	busy := &types.Robot{ID: "busy", MaxConcurrentJobs: 2, CurrentJobs: 2}
	idle := &types.Robot{ID: "idle", MaxConcurrentJobs: 2, CurrentJobs: 0}

	pick := strategy.Select([]*types.Robot{busy, idle}, &types.Job{WorkflowID: "wf-1"})
	assert.Equal(t, types.RobotID("idle"), pick.ID)
}

func TestAffinity_SticksToPriorSuccess(t *testing.T) {
	strategy := NewStrategy(Affinity)
	recorder := AsAffinityRecorder(strategy)
	assert.NotNil(t, recorder)

	loser := &types.Robot{ID: "loser", MaxConcurrentJobs: 2, CurrentJobs: 0}
	winner := &types.Robot{ID: "winner", MaxConcurrentJobs: 2, CurrentJobs: 2}
	recorder.RecordSuccess("wf-1", "winner")

	pick := strategy.Select([]*types.Robot{loser, winner}, &types.Job{WorkflowID: "wf-1"})
	assert.Equal(t, types.RobotID("winner"), pick.ID)
}

func TestAsAffinityRecorder_NilForOtherStrategies(t *testing.T) {
	strategy := NewStrategy(LeastLoaded)
	assert.Nil(t, AsAffinityRecorder(strategy))
}
