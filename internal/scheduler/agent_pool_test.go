package scheduler

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/agentmesh/internal/agent"
	"github.com/t77yq/agentmesh/internal/model"
)

type stubRunner struct {
	agentType model.AgentType
}

func (r *stubRunner) Type() model.AgentType { return r.agentType }

func (r *stubRunner) Run(_ context.Context, task *model.Task) (*model.TaskResult, error) {
	return &model.TaskResult{TaskID: task.ID, Status: model.TaskStatusCompleted}, nil
}

func stubFactory(agentType model.AgentType) (agent.Runner, error) {
	return &stubRunner{agentType: agentType}, nil
}

type captureSink struct {
	mu     sync.Mutex
	events []model.Event
}

func (s *captureSink) Publish(event model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *captureSink) byType(typ model.EventType) []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Event
	for _, e := range s.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func newTestPool(maxAgents int, events EventSink) *AgentPool {
	return NewAgentPool(maxAgents, stubFactory, events, zap.NewNop())
}

func TestAgentPool_CreateAgent(t *testing.T) {
	pool := newTestPool(5, nil)

	id1, err := pool.CreateAgent(model.AgentTypeBackend)
	require.NoError(t, err)
	assert.Equal(t, "backend-worker-001", id1)

	id2, err := pool.CreateAgent(model.AgentTypeTest)
	require.NoError(t, err)
	assert.Equal(t, "test-worker-002", id2)

	id3, err := pool.CreateAgent(model.AgentTypeBackend)
	require.NoError(t, err)
	assert.Equal(t, "backend-worker-003", id3)

	status := pool.GetStatus()
	require.Len(t, status, 3)
	for _, snap := range status {
		assert.Equal(t, model.AgentStatusIdle, snap.Status)
		assert.Zero(t, snap.TasksCompleted)
	}
}

func TestAgentPool_UnknownTypeRejected(t *testing.T) {
	pool := newTestPool(5, nil)

	_, err := pool.CreateAgent(model.AgentType("director"))
	require.ErrorIs(t, err, ErrUnknownAgentType)
	assert.Empty(t, pool.GetStatus())
}

func TestAgentPool_CapacityCheckedBeforeType(t *testing.T) {
	pool := newTestPool(1, nil)

	_, err := pool.CreateAgent(model.AgentTypeBackend)
	require.NoError(t, err)

	// At capacity even an invalid type reports capacity, not type.
	_, err = pool.CreateAgent(model.AgentType("director"))
	require.ErrorIs(t, err, ErrPoolAtCapacity)
}

func TestAgentPool_ReusesIdleAgent(t *testing.T) {
	pool := newTestPool(1, nil)

	id, err := pool.GetOrCreateAgent(model.AgentTypeBackend)
	require.NoError(t, err)
	assert.Equal(t, "backend-worker-001", id)

	require.NoError(t, pool.MarkBusy(id, 1))

	// Same type, agent busy, pool full: nothing to reuse or create.
	_, err = pool.GetOrCreateAgent(model.AgentTypeBackend)
	require.ErrorIs(t, err, ErrPoolAtCapacity)

	require.NoError(t, pool.MarkIdle(id))

	again, err := pool.GetOrCreateAgent(model.AgentTypeBackend)
	require.NoError(t, err)
	assert.Equal(t, id, again, "idle agent of the same type is reused, not recreated")
	assert.Len(t, pool.GetStatus(), 1)
}

func TestAgentPool_ReuseScansCreationOrder(t *testing.T) {
	pool := newTestPool(3, nil)

	first, err := pool.CreateAgent(model.AgentTypeBackend)
	require.NoError(t, err)
	second, err := pool.CreateAgent(model.AgentTypeBackend)
	require.NoError(t, err)
	_, err = pool.CreateAgent(model.AgentTypeFrontend)
	require.NoError(t, err)

	got, err := pool.GetOrCreateAgent(model.AgentTypeBackend)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	require.NoError(t, pool.MarkBusy(first, 1))

	got, err = pool.GetOrCreateAgent(model.AgentTypeBackend)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestAgentPool_TaskCounter(t *testing.T) {
	pool := newTestPool(2, nil)

	id, err := pool.CreateAgent(model.AgentTypeBackend)
	require.NoError(t, err)

	// Two busy -> idle round trips count two completions.
	for i := 1; i <= 2; i++ {
		require.NoError(t, pool.MarkBusy(id, i))
		require.NoError(t, pool.MarkIdle(id))
	}
	assert.Equal(t, 2, pool.GetStatus()[id].TasksCompleted)

	// blocked -> idle releases the agent without counting a completion.
	require.NoError(t, pool.MarkBusy(id, 3))
	require.NoError(t, pool.MarkBlocked(id, []int{7}))
	require.NoError(t, pool.MarkIdle(id))
	assert.Equal(t, 2, pool.GetStatus()[id].TasksCompleted)

	// ReleaseAgent is the dispatch-rollback path: no completion either.
	require.NoError(t, pool.MarkBusy(id, 4))
	require.NoError(t, pool.ReleaseAgent(id))
	assert.Equal(t, 2, pool.GetStatus()[id].TasksCompleted)
}

func TestAgentPool_StateTransitions(t *testing.T) {
	pool := newTestPool(2, nil)

	id, err := pool.CreateAgent(model.AgentTypeTest)
	require.NoError(t, err)

	t.Run("idle agent cannot be idled again", func(t *testing.T) {
		require.ErrorIs(t, pool.MarkIdle(id), ErrAgentAlreadyIdle)
	})

	t.Run("idle agent cannot be blocked", func(t *testing.T) {
		require.ErrorIs(t, pool.MarkBlocked(id, []int{1}), ErrAgentNotBusy)
	})

	t.Run("busy agent cannot take a second task", func(t *testing.T) {
		require.NoError(t, pool.MarkBusy(id, 1))
		require.ErrorIs(t, pool.MarkBusy(id, 2), ErrAgentNotIdle)
	})

	t.Run("blocked agent cannot take a task", func(t *testing.T) {
		require.NoError(t, pool.MarkBlocked(id, []int{2, 3}))
		require.ErrorIs(t, pool.MarkBusy(id, 4), ErrAgentNotIdle)

		snap := pool.GetStatus()[id]
		assert.Equal(t, model.AgentStatusBlocked, snap.Status)
		assert.Equal(t, []int{2, 3}, snap.BlockedBy)
	})

	t.Run("unknown agent ids are rejected everywhere", func(t *testing.T) {
		require.ErrorIs(t, pool.MarkBusy("ghost-worker-999", 1), ErrAgentNotFound)
		require.ErrorIs(t, pool.MarkIdle("ghost-worker-999"), ErrAgentNotFound)
		require.ErrorIs(t, pool.MarkBlocked("ghost-worker-999", nil), ErrAgentNotFound)
		require.ErrorIs(t, pool.RetireAgent("ghost-worker-999"), ErrAgentNotFound)
	})
}

func TestAgentPool_RetireAgent(t *testing.T) {
	sink := &captureSink{}
	pool := newTestPool(1, sink)

	id, err := pool.CreateAgent(model.AgentTypeBackend)
	require.NoError(t, err)
	require.NoError(t, pool.RetireAgent(id))

	assert.Empty(t, pool.GetStatus())
	_, err = pool.GetAgentInstance(id)
	require.ErrorIs(t, err, ErrAgentNotFound)

	// Retiring frees capacity; the sequence keeps counting.
	next, err := pool.CreateAgent(model.AgentTypeFrontend)
	require.NoError(t, err)
	assert.Equal(t, "frontend-worker-002", next)

	created := sink.byType(model.EventAgentCreated)
	retired := sink.byType(model.EventAgentRetired)
	require.Len(t, created, 2)
	require.Len(t, retired, 1)
	assert.Equal(t, id, retired[0].AgentID)
	assert.Equal(t, model.AgentTypeBackend, retired[0].AgentType)
}

func TestAgentPool_GetStatusIsCopy(t *testing.T) {
	pool := newTestPool(2, nil)

	id, err := pool.CreateAgent(model.AgentTypeBackend)
	require.NoError(t, err)
	require.NoError(t, pool.MarkBusy(id, 42))
	require.NoError(t, pool.MarkBlocked(id, []int{7, 8}))

	snap := pool.GetStatus()[id]
	require.NotNil(t, snap.CurrentTaskID)
	*snap.CurrentTaskID = 999
	snap.BlockedBy[0] = 999
	snap.Status = model.AgentStatusIdle

	fresh := pool.GetStatus()[id]
	assert.Equal(t, 42, *fresh.CurrentTaskID)
	assert.Equal(t, []int{7, 8}, fresh.BlockedBy)
	assert.Equal(t, model.AgentStatusBlocked, fresh.Status)
}

func TestAgentPool_GetAgentInstance(t *testing.T) {
	pool := newTestPool(2, nil)

	id, err := pool.CreateAgent(model.AgentTypeTest)
	require.NoError(t, err)

	runner, err := pool.GetAgentInstance(id)
	require.NoError(t, err)
	assert.Equal(t, model.AgentTypeTest, runner.Type())
}

func TestAgentPool_Stats(t *testing.T) {
	pool := newTestPool(5, nil)

	busy, err := pool.CreateAgent(model.AgentTypeBackend)
	require.NoError(t, err)
	blocked, err := pool.CreateAgent(model.AgentTypeBackend)
	require.NoError(t, err)
	_, err = pool.CreateAgent(model.AgentTypeFrontend)
	require.NoError(t, err)

	require.NoError(t, pool.MarkBusy(busy, 1))
	require.NoError(t, pool.MarkBusy(blocked, 2))
	require.NoError(t, pool.MarkBlocked(blocked, []int{3}))

	stats := pool.Stats()
	assert.Equal(t, 3, stats.TotalAgents)
	assert.Equal(t, 1, stats.IdleAgents)
	assert.Equal(t, 1, stats.BusyAgents)
	assert.Equal(t, 1, stats.BlockedAgents)
	assert.Equal(t, 2, stats.ByType[model.AgentTypeBackend])
	assert.Equal(t, 1, stats.ByType[model.AgentTypeFrontend])
}

func TestAgentPool_ClearResetsSequence(t *testing.T) {
	pool := newTestPool(3, nil)

	_, err := pool.CreateAgent(model.AgentTypeBackend)
	require.NoError(t, err)
	_, err = pool.CreateAgent(model.AgentTypeTest)
	require.NoError(t, err)

	pool.Clear()
	assert.Empty(t, pool.GetStatus())

	id, err := pool.CreateAgent(model.AgentTypeFrontend)
	require.NoError(t, err)
	assert.Equal(t, "frontend-worker-001", id)
}

func TestAgentPool_RetireBusyAgentAbandonsTask(t *testing.T) {
	sink := &captureSink{}
	pool := newTestPool(2, sink)

	id, err := pool.CreateAgent(model.AgentTypeBackend)
	require.NoError(t, err)
	require.NoError(t, pool.MarkBusy(id, 7))

	// Permitted, but the in-flight task is abandoned with the handle.
	require.NoError(t, pool.RetireAgent(id))
	assert.Empty(t, pool.GetStatus())
	assert.Zero(t, pool.Stats().TasksCompleted)

	// The abandoned task's completion now holds a stale reference.
	require.ErrorIs(t, pool.MarkIdle(id), ErrAgentNotFound)

	retired := sink.byType(model.EventAgentRetired)
	require.Len(t, retired, 1)
	assert.Equal(t, id, retired[0].AgentID)
}
