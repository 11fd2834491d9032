package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/agentmesh/internal/model"
)

type dispatchRecord struct {
	agentID string
	taskID  int
}

// fakeExecutor records dispatches and lets tests feed results back by hand.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   []dispatchRecord
	refuse  map[int]error
	results chan model.TaskResult
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		refuse:  make(map[int]error),
		results: make(chan model.TaskResult, 16),
	}
}

func (e *fakeExecutor) Dispatch(_ context.Context, agentID string, task *model.Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err, ok := e.refuse[task.ID]; ok {
		return err
	}
	e.calls = append(e.calls, dispatchRecord{agentID: agentID, taskID: task.ID})
	return nil
}

func (e *fakeExecutor) Results() <-chan model.TaskResult { return e.results }

func (e *fakeExecutor) dispatches() []dispatchRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]dispatchRecord(nil), e.calls...)
}

func newTestScheduler(t *testing.T, maxAgents int, exec Executor, events EventSink) *Scheduler {
	t.Helper()
	logger := zap.NewNop()
	graph := NewDependencyGraph(logger)
	pool := NewAgentPool(maxAgents, stubFactory, events, logger)
	cfg := Config{MaxAgents: maxAgents, PassInterval: 10 * time.Millisecond}
	return New(cfg, graph, pool, exec, events, logger)
}

func schedTask(id int, agentType, dependsOn string) *model.Task {
	return &model.Task{
		ID:        id,
		Title:     "task",
		AgentType: model.AgentType(agentType),
		DependsOn: dependsOn,
	}
}

func completed(taskID int, agentID string) model.TaskResult {
	return model.TaskResult{TaskID: taskID, AgentID: agentID, Status: model.TaskStatusCompleted}
}

func TestScheduler_DiamondFlow(t *testing.T) {
	exec := newFakeExecutor()
	s := newTestScheduler(t, 4, exec, nil)
	ctx := context.Background()

	require.NoError(t, s.Load([]*model.Task{
		schedTask(1, "backend", ""),
		schedTask(2, "backend", "[1]"),
		schedTask(3, "frontend", "[1]"),
		schedTask(4, "test", "[2, 3]"),
	}))

	task, err := s.Task(1)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusReady, task.Status)
	for _, id := range []int{2, 3, 4} {
		task, err := s.Task(id)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusPending, task.Status, "task %d waits on dependencies", id)
	}

	// Pass 1: only the root is dependency-ready.
	assert.Equal(t, 1, s.RunPass(ctx))
	calls := exec.dispatches()
	require.Len(t, calls, 1)
	assert.Equal(t, 1, calls[0].taskID)
	assert.Equal(t, "backend-worker-001", calls[0].agentID)

	// Re-running while the task is in flight dispatches nothing.
	assert.Zero(t, s.RunPass(ctx))

	s.HandleResult(completed(1, calls[0].agentID))
	task, err = s.Task(1)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, task.Status)
	require.NotNil(t, task.CompletedAt)

	// Pass 2: both branches unblocked, dispatched in declaration order.
	assert.Equal(t, 2, s.RunPass(ctx))
	calls = exec.dispatches()
	require.Len(t, calls, 3)
	assert.Equal(t, 2, calls[1].taskID)
	assert.Equal(t, "backend-worker-001", calls[1].agentID, "idle backend agent is reused")
	assert.Equal(t, 3, calls[2].taskID)
	assert.Equal(t, "frontend-worker-002", calls[2].agentID)

	// Joining task stays pending until both branches finish.
	s.HandleResult(completed(2, calls[1].agentID))
	assert.Zero(t, s.RunPass(ctx))
	s.HandleResult(completed(3, calls[2].agentID))

	assert.Equal(t, 1, s.RunPass(ctx))
	calls = exec.dispatches()
	require.Len(t, calls, 4)
	assert.Equal(t, 4, calls[3].taskID)
	assert.Equal(t, "test-worker-003", calls[3].agentID)

	assert.False(t, s.Finished())
	s.HandleResult(completed(4, calls[3].agentID))
	assert.True(t, s.Finished())

	// Every agent went back to idle with its completions counted.
	for id, snap := range s.pool.GetStatus() {
		assert.Equal(t, model.AgentStatusIdle, snap.Status, id)
	}
	assert.Equal(t, 4, s.pool.Stats().TasksCompleted)
}

func TestScheduler_LoadRejectsUnknownAgentType(t *testing.T) {
	s := newTestScheduler(t, 2, newFakeExecutor(), nil)

	err := s.Load([]*model.Task{schedTask(1, "architect", "")})
	require.ErrorIs(t, err, ErrUnknownAgentType)
	assert.Empty(t, s.Tasks())
}

func TestScheduler_LoadNormalizesAgentAliases(t *testing.T) {
	exec := newFakeExecutor()
	s := newTestScheduler(t, 2, exec, nil)

	require.NoError(t, s.Load([]*model.Task{schedTask(1, "Backend-Worker", "")}))

	task, err := s.Task(1)
	require.NoError(t, err)
	assert.Equal(t, model.AgentTypeBackend, task.AgentType)
}

func TestScheduler_LoadRejectsCycle(t *testing.T) {
	s := newTestScheduler(t, 2, newFakeExecutor(), nil)

	err := s.Load([]*model.Task{
		schedTask(1, "backend", "[2]"),
		schedTask(2, "backend", "[1]"),
	})
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Empty(t, s.Tasks())
}

func TestScheduler_PoolAtCapacityKeepsTaskReady(t *testing.T) {
	exec := newFakeExecutor()
	s := newTestScheduler(t, 1, exec, nil)
	ctx := context.Background()

	require.NoError(t, s.Load([]*model.Task{
		schedTask(1, "backend", ""),
		schedTask(2, "backend", ""),
	}))

	// One agent slot: only the first task goes out.
	assert.Equal(t, 1, s.RunPass(ctx))
	task, err := s.Task(2)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusReady, task.Status)

	// Still ready on the next pass, not lost.
	assert.Zero(t, s.RunPass(ctx))

	calls := exec.dispatches()
	s.HandleResult(completed(1, calls[0].agentID))

	assert.Equal(t, 1, s.RunPass(ctx))
	calls = exec.dispatches()
	require.Len(t, calls, 2)
	assert.Equal(t, 2, calls[1].taskID)
	assert.Equal(t, calls[0].agentID, calls[1].agentID, "the single agent handles both tasks in turn")
}

func TestScheduler_MaxConcurrentLimitsPass(t *testing.T) {
	exec := newFakeExecutor()
	logger := zap.NewNop()
	graph := NewDependencyGraph(logger)
	pool := NewAgentPool(8, stubFactory, nil, logger)
	s := New(Config{MaxAgents: 8, MaxConcurrent: 2}, graph, pool, exec, nil, logger)
	ctx := context.Background()

	require.NoError(t, s.Load([]*model.Task{
		schedTask(1, "backend", ""),
		schedTask(2, "backend", ""),
		schedTask(3, "backend", ""),
	}))

	assert.Equal(t, 2, s.RunPass(ctx))
	assert.Equal(t, 1, s.RunPass(ctx))
	assert.Len(t, exec.dispatches(), 3)
}

func TestScheduler_DispatchRefusedRollsBack(t *testing.T) {
	exec := newFakeExecutor()
	exec.refuse[1] = errors.New("worker queue unavailable")
	s := newTestScheduler(t, 2, exec, nil)
	ctx := context.Background()

	require.NoError(t, s.Load([]*model.Task{schedTask(1, "backend", "")}))

	assert.Zero(t, s.RunPass(ctx))

	task, err := s.Task(1)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusReady, task.Status)
	assert.Empty(t, task.AgentID)
	assert.Nil(t, task.StartedAt)

	// The acquired agent went back without a counted completion.
	snap := s.pool.GetStatus()["backend-worker-001"]
	assert.Equal(t, model.AgentStatusIdle, snap.Status)
	assert.Zero(t, snap.TasksCompleted)

	// Once the executor recovers the task goes out on the same agent.
	exec.mu.Lock()
	delete(exec.refuse, 1)
	exec.mu.Unlock()

	assert.Equal(t, 1, s.RunPass(ctx))
	calls := exec.dispatches()
	require.Len(t, calls, 1)
	assert.Equal(t, "backend-worker-001", calls[0].agentID)
}

func TestScheduler_FailureIsTerminal(t *testing.T) {
	exec := newFakeExecutor()
	s := newTestScheduler(t, 2, exec, nil)
	ctx := context.Background()

	require.NoError(t, s.Load([]*model.Task{
		schedTask(1, "backend", ""),
		schedTask(2, "test", "[1]"),
	}))

	require.Equal(t, 1, s.RunPass(ctx))
	calls := exec.dispatches()
	s.HandleResult(model.TaskResult{
		TaskID:  1,
		AgentID: calls[0].agentID,
		Status:  model.TaskStatusFailed,
		Error:   "compilation failed",
	})

	task, err := s.Task(1)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, task.Status)
	assert.Equal(t, "compilation failed", task.ErrorMessage)

	// The dependent never becomes ready and nothing further dispatches.
	for i := 0; i < 3; i++ {
		assert.Zero(t, s.RunPass(ctx))
	}
	dependent, err := s.Task(2)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, dependent.Status)
	assert.False(t, s.Finished())

	// The agent is free for other work.
	snap := s.pool.GetStatus()[calls[0].agentID]
	assert.Equal(t, model.AgentStatusIdle, snap.Status)
	assert.Zero(t, snap.TasksCompleted, "failed tasks do not count as completions")
}

func TestScheduler_DropsResultNotInFlight(t *testing.T) {
	exec := newFakeExecutor()
	s := newTestScheduler(t, 2, exec, nil)
	ctx := context.Background()

	require.NoError(t, s.Load([]*model.Task{schedTask(1, "backend", "")}))

	// Result for a task that was never dispatched.
	s.HandleResult(completed(1, "backend-worker-001"))
	task, err := s.Task(1)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusReady, task.Status)

	// Duplicate result after completion is dropped too.
	require.Equal(t, 1, s.RunPass(ctx))
	calls := exec.dispatches()
	s.HandleResult(completed(1, calls[0].agentID))
	s.HandleResult(completed(1, calls[0].agentID))

	assert.Equal(t, 1, s.pool.Stats().TasksCompleted)
}

func TestScheduler_PreCompletedTasksSkipDispatch(t *testing.T) {
	exec := newFakeExecutor()
	s := newTestScheduler(t, 2, exec, nil)
	ctx := context.Background()

	done := schedTask(1, "backend", "")
	done.Status = model.TaskStatusCompleted
	require.NoError(t, s.Load([]*model.Task{
		done,
		schedTask(2, "test", "[1]"),
	}))

	// The dependent is immediately ready; the finished task never dispatches.
	assert.Equal(t, 1, s.RunPass(ctx))
	calls := exec.dispatches()
	require.Len(t, calls, 1)
	assert.Equal(t, 2, calls[0].taskID)
}

func TestScheduler_Events(t *testing.T) {
	sink := &captureSink{}
	exec := newFakeExecutor()
	s := newTestScheduler(t, 2, exec, sink)
	ctx := context.Background()

	require.NoError(t, s.Load([]*model.Task{
		schedTask(1, "backend", ""),
		schedTask(2, "test", "[1]"),
	}))
	require.Equal(t, 1, s.RunPass(ctx))
	calls := exec.dispatches()
	s.HandleResult(completed(1, calls[0].agentID))

	events := sink.byType(model.EventTaskStatusChanged)
	require.Len(t, events, 4)

	assert.Equal(t, 1, events[0].TaskID)
	assert.Equal(t, model.TaskStatusPending, events[0].From)
	assert.Equal(t, model.TaskStatusReady, events[0].To)

	assert.Equal(t, 1, events[1].TaskID)
	assert.Equal(t, model.TaskStatusReady, events[1].From)
	assert.Equal(t, model.TaskStatusInProgress, events[1].To)
	assert.Equal(t, calls[0].agentID, events[1].AgentID)

	assert.Equal(t, 1, events[2].TaskID)
	assert.Equal(t, model.TaskStatusInProgress, events[2].From)
	assert.Equal(t, model.TaskStatusCompleted, events[2].To)

	assert.Equal(t, 2, events[3].TaskID)
	assert.Equal(t, model.TaskStatusPending, events[3].From)
	assert.Equal(t, model.TaskStatusReady, events[3].To)

	created := sink.byType(model.EventAgentCreated)
	require.Len(t, created, 1)
	assert.Equal(t, calls[0].agentID, created[0].AgentID)
}

func TestScheduler_LoopDrivesTasks(t *testing.T) {
	exec := newFakeExecutor()
	s := newTestScheduler(t, 2, exec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Load([]*model.Task{
		schedTask(1, "backend", ""),
		schedTask(2, "test", "[1]"),
	}))
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.Eventually(t, func() bool {
		return len(exec.dispatches()) >= 1
	}, 2*time.Second, 5*time.Millisecond, "loop dispatches the root task")

	calls := exec.dispatches()
	exec.results <- completed(1, calls[0].agentID)

	require.Eventually(t, func() bool {
		return len(exec.dispatches()) >= 2
	}, 2*time.Second, 5*time.Millisecond, "completion wakes the loop for the dependent")

	calls = exec.dispatches()
	exec.results <- completed(2, calls[1].agentID)

	require.Eventually(t, s.Finished, 2*time.Second, 5*time.Millisecond)
}

func TestScheduler_ToleratesAgentRetiredWhileBusy(t *testing.T) {
	exec := newFakeExecutor()
	s := newTestScheduler(t, 2, exec, nil)
	ctx := context.Background()

	require.NoError(t, s.Load([]*model.Task{
		schedTask(1, "backend", ""),
		schedTask(2, "backend", "[1]"),
	}))

	require.Equal(t, 1, s.RunPass(ctx))
	calls := exec.dispatches()
	require.Len(t, calls, 1)

	// Out-of-band retirement while the agent still holds task 1.
	require.NoError(t, s.pool.RetireAgent(calls[0].agentID))
	assert.Empty(t, s.pool.GetStatus())

	// The late result still completes the task and unblocks its dependent;
	// the stale agent reference is logged, never fatal.
	s.HandleResult(completed(1, calls[0].agentID))

	task, err := s.Task(1)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, task.Status)

	task, err = s.Task(2)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusReady, task.Status)

	// The next pass provisions a fresh agent in place of the retired one.
	assert.Equal(t, 1, s.RunPass(ctx))
	calls = exec.dispatches()
	require.Len(t, calls, 2)
	assert.Equal(t, 2, calls[1].taskID)
	assert.Equal(t, "backend-worker-002", calls[1].agentID)

	s.HandleResult(completed(2, calls[1].agentID))
	assert.True(t, s.Finished())
}

func TestScheduler_ConcurrentPassesDispatchEachTaskOnce(t *testing.T) {
	exec := newFakeExecutor()
	s := newTestScheduler(t, 8, exec, nil)
	ctx := context.Background()

	require.NoError(t, s.Load([]*model.Task{
		schedTask(1, "backend", ""),
		schedTask(2, "frontend", ""),
		schedTask(3, "test", ""),
	}))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RunPass(ctx)
		}()
	}
	wg.Wait()

	perTask := make(map[int]int)
	for _, call := range exec.dispatches() {
		perTask[call.taskID]++
	}
	require.Len(t, perTask, 3)
	for id, count := range perTask {
		assert.Equal(t, 1, count, "task %d dispatched more than once", id)
	}
}
