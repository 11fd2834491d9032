package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/agentmesh/internal/agent"
	"github.com/t77yq/agentmesh/internal/model"
)

// LocalConfig tunes the in-process executor.
type LocalConfig struct {
	// MaxConcurrent caps tasks running at once. Zero means the number of
	// agents is the only limit.
	MaxConcurrent int

	// ResultBuffer sizes the results channel.
	ResultBuffer int
}

// LocalExecutor runs dispatched tasks in-process on the runner behind each
// agent handle. Dispatch never blocks on execution: it either starts the
// task or refuses, and refusals leave the task ready for a later pass.
type LocalExecutor struct {
	logger  *zap.Logger
	source  InstanceSource
	journal Journal
	guard   *ResourceGuard

	group   *errgroup.Group
	results chan model.TaskResult
	running sync.Map // task id -> model.Task copy
	stop    chan struct{}
}

// NewLocalExecutor creates an executor resolving runners from source. guard
// and journal may be nil.
func NewLocalExecutor(cfg LocalConfig, source InstanceSource, guard *ResourceGuard, journal Journal, logger *zap.Logger) *LocalExecutor {
	if cfg.ResultBuffer <= 0 {
		cfg.ResultBuffer = defaultResultBuffer
	}

	group := &errgroup.Group{}
	if cfg.MaxConcurrent > 0 {
		group.SetLimit(cfg.MaxConcurrent)
	}

	return &LocalExecutor{
		logger:  logger.Named("local-executor"),
		source:  source,
		journal: journal,
		guard:   guard,
		group:   group,
		results: make(chan model.TaskResult, cfg.ResultBuffer),
		stop:    make(chan struct{}),
	}
}

// Dispatch starts the task on the agent's runner. It refuses when the
// executor is saturated or stopping so the caller can retry later.
func (e *LocalExecutor) Dispatch(ctx context.Context, agentID string, task *model.Task) error {
	select {
	case <-e.stop:
		return fmt.Errorf("executor is shutting down")
	default:
	}

	runner, err := e.source.GetAgentInstance(agentID)
	if err != nil {
		return fmt.Errorf("resolving agent %s: %w", agentID, err)
	}

	taskCopy := *task

	// Register the run before the goroutine can touch it: a fast task must
	// never settle ahead of its dispatch record.
	e.running.Store(taskCopy.ID, taskCopy)
	if e.journal != nil {
		if err := e.journal.RecordDispatch(ctx, agentID, &taskCopy); err != nil {
			e.logger.Warn("failed to journal dispatch",
				zap.Int("task_id", taskCopy.ID),
				zap.Error(err))
		}
	}

	started := e.group.TryGo(func() error {
		e.execute(ctx, agentID, runner, &taskCopy)
		return nil
	})
	if !started {
		e.running.Delete(taskCopy.ID)
		return fmt.Errorf("executor at concurrency limit")
	}

	e.logger.Debug("task accepted",
		zap.Int("task_id", taskCopy.ID),
		zap.String("agent_id", agentID))
	return nil
}

// Results delivers finished task results.
func (e *LocalExecutor) Results() <-chan model.TaskResult {
	return e.results
}

// Running returns copies of the tasks currently executing.
func (e *LocalExecutor) Running() []model.Task {
	var tasks []model.Task
	e.running.Range(func(_, value interface{}) bool {
		tasks = append(tasks, value.(model.Task))
		return true
	})
	return tasks
}

// Stop refuses further dispatches and waits for in-flight tasks to finish.
func (e *LocalExecutor) Stop() {
	e.logger.Info("stopping local executor, draining in-flight tasks")
	close(e.stop)
	if err := e.group.Wait(); err != nil {
		e.logger.Error("executor drain failed", zap.Error(err))
	}
}

func (e *LocalExecutor) execute(ctx context.Context, agentID string, runner agent.Runner, task *model.Task) {
	defer e.running.Delete(task.ID)

	if e.guard != nil {
		if err := e.guard.Wait(ctx); err != nil {
			e.logger.Warn("resource headroom wait aborted",
				zap.Int("task_id", task.ID),
				zap.Error(err))
		}
	}

	started := time.Now()
	result, err := runner.Run(ctx, task)
	if err != nil {
		result = &model.TaskResult{
			TaskID:      task.ID,
			Status:      model.TaskStatusFailed,
			Error:       err.Error(),
			StartedAt:   started,
			CompletedAt: time.Now(),
		}
	}
	result.TaskID = task.ID
	result.AgentID = agentID

	if e.journal != nil {
		if err := e.journal.RecordResult(ctx, result); err != nil {
			e.logger.Warn("failed to journal result",
				zap.Int("task_id", task.ID),
				zap.Error(err))
		}
	}

	select {
	case e.results <- *result:
	case <-e.stop:
		e.logger.Warn("dropping result during shutdown",
			zap.Int("task_id", task.ID))
	case <-ctx.Done():
		e.logger.Warn("dropping result, context canceled",
			zap.Int("task_id", task.ID))
	}
}
