package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/agentmesh/internal/model"
)

// Executor is the external execution collaborator. Dispatch hands a task to
// an agent and returns immediately; results arrive asynchronously on the
// Results channel.
type Executor interface {
	Dispatch(ctx context.Context, agentID string, task *model.Task) error
	Results() <-chan model.TaskResult
}

// Config holds scheduler tuning knobs.
type Config struct {
	// MaxAgents caps how many agents the pool may hold.
	MaxAgents int

	// MaxConcurrent caps how many tasks may be dispatched in one pass.
	// Zero means no per-pass limit beyond pool capacity.
	MaxConcurrent int

	// PassInterval is the period between scheduling passes.
	PassInterval time.Duration
}

// Scheduler drives tasks through the dependency graph and agent pool. A
// single goroutine owns the scheduling loop; passes also run on demand when
// a result lands or a caller nudges it.
type Scheduler struct {
	logger *zap.Logger
	cfg    Config

	graph  *DependencyGraph
	pool   *AgentPool
	exec   Executor
	events EventSink

	mu         sync.Mutex
	tasks      map[int]*model.Task
	order      []int
	dispatched map[int]string

	nudgeCh chan struct{}
	stop    chan struct{}
}

// New creates a scheduler over an already constructed graph, pool, and
// executor. The pool is injected so callers control its capacity and factory.
func New(cfg Config, graph *DependencyGraph, pool *AgentPool, exec Executor, events EventSink, logger *zap.Logger) *Scheduler {
	if cfg.PassInterval <= 0 {
		cfg.PassInterval = DefaultPassInterval
	}
	return &Scheduler{
		logger:     logger.Named("scheduler"),
		cfg:        cfg,
		graph:      graph,
		pool:       pool,
		exec:       exec,
		events:     events,
		tasks:      make(map[int]*model.Task),
		dispatched: make(map[int]string),
		nudgeCh:    make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
}

// Load validates the task list, builds the dependency graph, and seeds the
// scheduler state. It is all-or-nothing: on error the previous state stays.
func (s *Scheduler) Load(tasks []*model.Task) error {
	for _, task := range tasks {
		agentType, ok := model.ParseAgentType(string(task.AgentType))
		if !ok {
			return fmt.Errorf("%w: %q (task %d)", ErrUnknownAgentType, task.AgentType, task.ID)
		}
		task.AgentType = agentType
	}

	if err := s.graph.Build(tasks); err != nil {
		return err
	}

	s.mu.Lock()
	s.tasks = make(map[int]*model.Task, len(tasks))
	s.order = s.order[:0]
	s.dispatched = make(map[int]string)
	for _, task := range tasks {
		if _, seen := s.tasks[task.ID]; seen {
			continue
		}
		if task.Status == "" {
			task.Status = model.TaskStatusPending
		}
		if task.CreatedAt.IsZero() {
			task.CreatedAt = time.Now()
		}
		s.tasks[task.ID] = task
		s.order = append(s.order, task.ID)
	}

	var events []model.Event
	ready := s.graph.GetReadyTasks()
	for _, taskID := range ready {
		task := s.tasks[taskID]
		if task == nil || task.Status != model.TaskStatusPending {
			continue
		}
		task.Status = model.TaskStatusReady
		events = append(events, model.NewTaskEvent(taskID, model.TaskStatusPending, model.TaskStatusReady, ""))
	}
	s.mu.Unlock()

	for _, event := range events {
		s.publish(event)
	}

	s.logger.Info("task list loaded",
		zap.Int("tasks", len(s.order)),
		zap.Int("initially_ready", len(ready)))
	return nil
}

// Start launches the scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("starting scheduler",
		zap.Int("max_agents", s.cfg.MaxAgents),
		zap.Int("max_concurrent", s.cfg.MaxConcurrent),
		zap.Duration("pass_interval", s.cfg.PassInterval))

	go s.scheduleLoop(ctx)
	return nil
}

// Stop stops the scheduling loop.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler")
	close(s.stop)
}

func (s *Scheduler) scheduleLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PassInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case result, ok := <-s.exec.Results():
			if !ok {
				s.logger.Warn("executor result channel closed")
				return
			}
			s.HandleResult(result)
			s.nudge()
		case <-s.nudgeCh:
			s.RunPass(ctx)
		case <-ticker.C:
			s.RunPass(ctx)
		}
	}
}

// nudge requests an immediate pass without waiting for the ticker.
func (s *Scheduler) nudge() {
	select {
	case s.nudgeCh <- struct{}{}:
	default:
	}
}

// RunPass executes one scheduling pass: for every dependency-ready task not
// already in flight, acquire an agent and dispatch. Returns the number of
// tasks dispatched. Exported so tests and callers can drive the scheduler
// deterministically without the loop.
func (s *Scheduler) RunPass(ctx context.Context) int {
	dispatched := 0

	for _, taskID := range s.graph.GetReadyTasks() {
		if s.cfg.MaxConcurrent > 0 && dispatched >= s.cfg.MaxConcurrent {
			break
		}

		s.mu.Lock()
		task, known := s.tasks[taskID]
		if !known {
			s.mu.Unlock()
			continue
		}
		if _, inflight := s.dispatched[taskID]; inflight || task.Status.Terminal() {
			s.mu.Unlock()
			continue
		}
		// Reserve the task before releasing the lock so two passes running
		// at once cannot both dispatch it.
		s.dispatched[taskID] = ""
		agentType := task.AgentType
		s.mu.Unlock()

		agentID, err := s.pool.GetOrCreateAgent(agentType)
		if err != nil {
			s.unreserve(taskID)
			if errors.Is(err, ErrPoolAtCapacity) {
				s.logger.Debug("pool at capacity, task stays ready",
					zap.Int("task_id", taskID))
				continue
			}
			s.logger.Error("failed to acquire agent",
				zap.Int("task_id", taskID),
				zap.String("agent_type", string(agentType)),
				zap.Error(err))
			continue
		}

		if err := s.pool.MarkBusy(agentID, taskID); err != nil {
			s.unreserve(taskID)
			s.logger.Error("failed to assign agent",
				zap.Int("task_id", taskID),
				zap.String("agent_id", agentID),
				zap.Error(err))
			continue
		}

		s.mu.Lock()
		now := time.Now()
		task.Status = model.TaskStatusInProgress
		task.StartedAt = &now
		task.AgentID = agentID
		s.dispatched[taskID] = agentID
		dispatchCopy := *task
		s.mu.Unlock()

		if err := s.exec.Dispatch(ctx, agentID, &dispatchCopy); err != nil {
			s.rollbackDispatch(taskID, agentID)
			s.logger.Warn("dispatch refused, task stays ready",
				zap.Int("task_id", taskID),
				zap.String("agent_id", agentID),
				zap.Error(err))
			continue
		}

		s.publish(model.NewTaskEvent(taskID, model.TaskStatusReady, model.TaskStatusInProgress, agentID))
		s.logger.Info("task dispatched",
			zap.Int("task_id", taskID),
			zap.String("agent_id", agentID))
		dispatched++
	}

	return dispatched
}

// unreserve drops a task reservation that never reached dispatch.
func (s *Scheduler) unreserve(taskID int) {
	s.mu.Lock()
	delete(s.dispatched, taskID)
	s.mu.Unlock()
}

// rollbackDispatch undoes the in-flight marking after a refused dispatch so
// the task is retried on a later pass.
func (s *Scheduler) rollbackDispatch(taskID int, agentID string) {
	s.mu.Lock()
	if task, ok := s.tasks[taskID]; ok {
		task.Status = model.TaskStatusReady
		task.StartedAt = nil
		task.AgentID = ""
	}
	delete(s.dispatched, taskID)
	s.mu.Unlock()

	if err := s.pool.ReleaseAgent(agentID); err != nil {
		s.logger.Warn("failed to release agent after refused dispatch",
			zap.String("agent_id", agentID),
			zap.Error(err))
	}
}

// HandleResult applies a task result: success completes the task and unblocks
// dependents, failure is terminal. The agent returns to idle either way.
func (s *Scheduler) HandleResult(result model.TaskResult) {
	s.mu.Lock()
	task, known := s.tasks[result.TaskID]
	agentID, inflight := s.dispatched[result.TaskID]
	if !known || !inflight {
		s.mu.Unlock()
		s.logger.Warn("dropping result for task not in flight",
			zap.Int("task_id", result.TaskID),
			zap.String("agent_id", result.AgentID))
		return
	}
	if result.AgentID != "" && result.AgentID != agentID {
		s.logger.Warn("result agent does not match dispatch",
			zap.Int("task_id", result.TaskID),
			zap.String("dispatched_to", agentID),
			zap.String("reported_by", result.AgentID))
	}
	delete(s.dispatched, result.TaskID)
	s.mu.Unlock()

	if result.Status == model.TaskStatusCompleted {
		s.completeTask(task, agentID, result)
	} else {
		s.failTask(task, agentID, result)
	}
}

func (s *Scheduler) completeTask(task *model.Task, agentID string, result model.TaskResult) {
	s.graph.MarkCompleted(result.TaskID)
	unblocked := s.graph.UnblockDependents(result.TaskID)

	s.mu.Lock()
	now := time.Now()
	task.Status = model.TaskStatusCompleted
	task.CompletedAt = &now
	task.ErrorMessage = ""

	var events []model.Event
	for _, taskID := range unblocked {
		next, ok := s.tasks[taskID]
		if !ok || next.Status != model.TaskStatusPending {
			continue
		}
		next.Status = model.TaskStatusReady
		events = append(events, model.NewTaskEvent(taskID, model.TaskStatusPending, model.TaskStatusReady, ""))
	}
	s.mu.Unlock()

	if err := s.pool.MarkIdle(agentID); err != nil {
		s.logger.Warn("agent missing at completion",
			zap.String("agent_id", agentID),
			zap.Error(err))
	}

	s.publish(model.NewTaskEvent(result.TaskID, model.TaskStatusInProgress, model.TaskStatusCompleted, agentID))
	for _, event := range events {
		s.publish(event)
	}

	s.logger.Info("task completed",
		zap.Int("task_id", result.TaskID),
		zap.String("agent_id", agentID),
		zap.Int("unblocked", len(unblocked)))
}

func (s *Scheduler) failTask(task *model.Task, agentID string, result model.TaskResult) {
	s.mu.Lock()
	now := time.Now()
	task.Status = model.TaskStatusFailed
	task.CompletedAt = &now
	task.ErrorMessage = result.Error
	s.mu.Unlock()

	if err := s.pool.MarkIdle(agentID); err != nil {
		s.logger.Warn("agent missing at failure",
			zap.String("agent_id", agentID),
			zap.Error(err))
	}

	s.publish(model.NewTaskEvent(result.TaskID, model.TaskStatusInProgress, model.TaskStatusFailed, agentID))

	s.logger.Warn("task failed",
		zap.Int("task_id", result.TaskID),
		zap.String("agent_id", agentID),
		zap.String("error", result.Error))
}

// Task returns a copy of the tracked task.
func (s *Scheduler) Task(taskID int) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return model.Task{}, fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
	}
	return *task, nil
}

// Tasks returns copies of all tracked tasks in load order.
func (s *Scheduler) Tasks() []model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Task, 0, len(s.order))
	for _, taskID := range s.order {
		if task, ok := s.tasks[taskID]; ok {
			out = append(out, *task)
		}
	}
	return out
}

// Finished reports whether every tracked task reached a terminal status.
func (s *Scheduler) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.tasks) == 0 {
		return false
	}
	for _, task := range s.tasks {
		if !task.Status.Terminal() {
			return false
		}
	}
	return true
}

func (s *Scheduler) publish(event model.Event) {
	if s.events == nil {
		return
	}
	s.events.Publish(event)
}
