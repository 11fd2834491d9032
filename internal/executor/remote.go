package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/agentmesh/internal/model"
)

// NATSExecutor dispatches tasks over JetStream to remote workers and feeds
// their results back to the scheduler. Each agent type has its own dispatch
// subject backed by a worker queue group.
type NATSExecutor struct {
	logger  *zap.Logger
	js      nats.JetStreamContext
	journal Journal

	results chan model.TaskResult
	sub     *nats.Subscription
}

// NewNATSExecutor sets up the task stream and the result subscription.
// journal may be nil.
func NewNATSExecutor(js nats.JetStreamContext, journal Journal, logger *zap.Logger) (*NATSExecutor, error) {
	e := &NATSExecutor{
		logger:  logger.Named("nats-executor"),
		js:      js,
		journal: journal,
		results: make(chan model.TaskResult, defaultResultBuffer),
	}

	if err := ensureStream(js, taskStreamName, []string{taskStreamSubjects}, e.logger); err != nil {
		return nil, err
	}
	if err := e.subscribeResults(); err != nil {
		return nil, fmt.Errorf("failed to subscribe to results: %w", err)
	}

	return e, nil
}

// Dispatch publishes the task to its agent type's queue. Publish failures
// surface to the caller so the task stays ready.
func (e *NATSExecutor) Dispatch(ctx context.Context, agentID string, task *model.Task) error {
	request := model.DispatchRequest{
		AgentID:      agentID,
		Task:         task,
		DispatchedAt: time.Now(),
	}

	data, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch: %w", err)
	}

	subject := dispatchSubject(task.AgentType)
	if _, err := e.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish dispatch: %w", err)
	}

	if e.journal != nil {
		if err := e.journal.RecordDispatch(ctx, agentID, task); err != nil {
			e.logger.Warn("failed to journal dispatch",
				zap.Int("task_id", task.ID),
				zap.Error(err))
		}
	}

	e.logger.Debug("task published",
		zap.Int("task_id", task.ID),
		zap.String("subject", subject),
		zap.String("agent_id", agentID))
	return nil
}

// Results delivers worker results in arrival order.
func (e *NATSExecutor) Results() <-chan model.TaskResult {
	return e.results
}

// Stop drains the result subscription.
func (e *NATSExecutor) Stop() {
	e.logger.Info("stopping nats executor")
	if e.sub != nil {
		if err := e.sub.Drain(); err != nil {
			e.logger.Error("failed to drain result subscription", zap.Error(err))
		}
	}
}

func (e *NATSExecutor) subscribeResults() error {
	sub, err := e.js.Subscribe(resultSubject, func(msg *nats.Msg) {
		var result model.TaskResult
		if err := json.Unmarshal(msg.Data, &result); err != nil {
			e.logger.Error("failed to unmarshal task result", zap.Error(err))
			if err := msg.Ack(); err != nil {
				e.logger.Error("failed to acknowledge result", zap.Error(err))
			}
			return
		}

		if e.journal != nil {
			ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
			if err := e.journal.RecordResult(ctx, &result); err != nil {
				e.logger.Warn("failed to journal result",
					zap.Int("task_id", result.TaskID),
					zap.Error(err))
			}
			cancel()
		}

		select {
		case e.results <- result:
		default:
			e.logger.Warn("result channel full, dropping result",
				zap.Int("task_id", result.TaskID))
		}

		if err := msg.Ack(); err != nil {
			e.logger.Error("failed to acknowledge result", zap.Error(err))
		}
	}, nats.Durable(resultConsumerName), nats.ManualAck())
	if err != nil {
		return err
	}

	e.sub = sub
	return nil
}
