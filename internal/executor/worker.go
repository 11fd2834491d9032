package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/agentmesh/internal/agent"
	"github.com/t77yq/agentmesh/internal/model"
)

// WorkerConfig tunes a remote worker process.
type WorkerConfig struct {
	// ID names this worker in heartbeats. Empty means a generated id.
	ID string

	// AgentTypes lists the queues this worker serves.
	AgentTypes []model.AgentType

	// MaxConcurrent caps tasks running at once on this worker.
	MaxConcurrent int
}

// Worker consumes dispatches from the per-type queue groups, runs them on
// the configured runners, and publishes results. Workers at their
// concurrency limit NAK so another queue member picks the task up.
type Worker struct {
	logger  *zap.Logger
	js      nats.JetStreamContext
	factory agent.Factory
	guard   *ResourceGuard
	cfg     WorkerConfig

	group *errgroup.Group
	subs  []*nats.Subscription
	stop  chan struct{}
}

// NewWorker creates a worker; call Start to begin consuming.
func NewWorker(cfg WorkerConfig, js nats.JetStreamContext, factory agent.Factory, guard *ResourceGuard, logger *zap.Logger) (*Worker, error) {
	if cfg.ID == "" {
		cfg.ID = fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	}
	if len(cfg.AgentTypes) == 0 {
		cfg.AgentTypes = model.AgentTypes()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}

	group := &errgroup.Group{}
	group.SetLimit(cfg.MaxConcurrent)

	return &Worker{
		logger:  logger.Named("worker").With(zap.String("worker_id", cfg.ID)),
		js:      js,
		factory: factory,
		guard:   guard,
		cfg:     cfg,
		group:   group,
		stop:    make(chan struct{}),
	}, nil
}

// Start ensures the streams exist, joins the queue groups, and begins
// heartbeating.
func (w *Worker) Start(ctx context.Context) error {
	if err := ensureStream(w.js, taskStreamName, []string{taskStreamSubjects}, w.logger); err != nil {
		return err
	}
	if err := ensureStream(w.js, workerStreamName, []string{heartbeatSubject}, w.logger); err != nil {
		return err
	}

	for _, agentType := range w.cfg.AgentTypes {
		sub, err := w.js.QueueSubscribe(
			dispatchSubject(agentType),
			queueGroup(agentType),
			w.handleDispatch(ctx),
			nats.ManualAck(),
			nats.AckWait(dispatchAckWait),
			nats.MaxDeliver(dispatchRedeliveries),
		)
		if err != nil {
			return fmt.Errorf("failed to join queue for %s: %w", agentType, err)
		}
		w.subs = append(w.subs, sub)

		w.logger.Info("joined dispatch queue",
			zap.String("agent_type", string(agentType)),
			zap.String("queue", queueGroup(agentType)))
	}

	go w.heartbeatLoop(ctx)
	return nil
}

// Stop leaves the queue groups and drains in-flight tasks.
func (w *Worker) Stop() {
	w.logger.Info("stopping worker, draining in-flight tasks")
	close(w.stop)
	for _, sub := range w.subs {
		if err := sub.Drain(); err != nil {
			w.logger.Error("failed to drain subscription", zap.Error(err))
		}
	}
	if err := w.group.Wait(); err != nil {
		w.logger.Error("worker drain failed", zap.Error(err))
	}
}

func (w *Worker) handleDispatch(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var request model.DispatchRequest
		if err := json.Unmarshal(msg.Data, &request); err != nil {
			w.logger.Error("failed to unmarshal dispatch", zap.Error(err))
			// Poison message, never redeliverable.
			if err := msg.Ack(); err != nil {
				w.logger.Error("failed to acknowledge dispatch", zap.Error(err))
			}
			return
		}

		started := w.group.TryGo(func() error {
			w.execute(ctx, &request)
			return nil
		})
		if !started {
			// Let another queue member take it.
			if err := msg.Nak(); err != nil {
				w.logger.Error("failed to NAK dispatch", zap.Error(err))
			}
			w.logger.Debug("at concurrency limit, dispatch returned to queue",
				zap.Int("task_id", request.Task.ID))
			return
		}

		if err := msg.Ack(); err != nil {
			w.logger.Error("failed to acknowledge dispatch", zap.Error(err))
		}
	}
}

func (w *Worker) execute(ctx context.Context, request *model.DispatchRequest) {
	task := request.Task
	logger := w.logger.With(
		zap.Int("task_id", task.ID),
		zap.String("agent_id", request.AgentID))

	if w.guard != nil {
		if err := w.guard.Wait(ctx); err != nil {
			logger.Warn("resource headroom wait aborted", zap.Error(err))
		}
	}

	runner, err := w.factory(task.AgentType)

	var result *model.TaskResult
	startedAt := time.Now()
	if err != nil {
		result = &model.TaskResult{
			Status: model.TaskStatusFailed,
			Error:  fmt.Sprintf("no runner for agent type %q: %v", task.AgentType, err),
		}
	} else {
		result, err = runner.Run(ctx, task)
		if err != nil {
			result = &model.TaskResult{
				Status: model.TaskStatusFailed,
				Error:  err.Error(),
			}
		}
	}

	result.TaskID = task.ID
	result.AgentID = request.AgentID
	if result.StartedAt.IsZero() {
		result.StartedAt = startedAt
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now()
	}

	if err := w.publishResult(result); err != nil {
		logger.Error("failed to publish result", zap.Error(err))
		return
	}

	logger.Info("task executed",
		zap.String("status", string(result.Status)),
		zap.Duration("duration", result.CompletedAt.Sub(result.StartedAt)))
}

func (w *Worker) publishResult(result *model.TaskResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	_, err = w.js.Publish(resultSubject, data)
	return err
}

// heartbeatLoop publishes worker liveness with host usage for dashboards.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.publishHeartbeat()
		}
	}
}

func (w *Worker) publishHeartbeat() {
	heartbeat := struct {
		WorkerID   string            `json:"worker_id"`
		AgentTypes []model.AgentType `json:"agent_types"`
		CPUPercent float64           `json:"cpu_percent"`
		MemPercent float64           `json:"mem_percent"`
		Timestamp  time.Time         `json:"timestamp"`
	}{
		WorkerID:   w.cfg.ID,
		AgentTypes: w.cfg.AgentTypes,
		Timestamp:  time.Now(),
	}
	if w.guard != nil {
		heartbeat.CPUPercent, heartbeat.MemPercent, _ = w.guard.Snapshot()
	}

	data, err := json.Marshal(heartbeat)
	if err != nil {
		w.logger.Error("failed to marshal heartbeat", zap.Error(err))
		return
	}

	if _, err := w.js.Publish(heartbeatSubject, data); err != nil {
		w.logger.Error("failed to publish heartbeat", zap.Error(err))
	}
}
