package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/agentmesh/internal/agent"
	"github.com/t77yq/agentmesh/internal/model"
)

const (
	taskStreamName     = "AGENTMESH_TASKS"
	taskStreamSubjects = "agentmesh.tasks.>"

	dispatchSubjectPrefix = "agentmesh.tasks.dispatch."
	resultSubject         = "agentmesh.tasks.result"

	workerStreamName  = "AGENTMESH_WORKERS"
	heartbeatSubject  = "agentmesh.workers.heartbeat"
	heartbeatInterval = 5 * time.Second

	resultConsumerName = "agentmesh-results"
	queueGroupPrefix   = "agentmesh-workers-"

	streamMaxAge         = 24 * time.Hour
	dispatchAckWait      = 30 * time.Second
	dispatchRedeliveries = 3

	defaultResultBuffer = 64
	operationTimeout    = 30 * time.Second
)

// dispatchSubject routes a task to the queue for its agent type.
func dispatchSubject(agentType model.AgentType) string {
	return dispatchSubjectPrefix + string(agentType)
}

// queueGroup names the per-type worker queue group so each dispatch lands on
// exactly one worker.
func queueGroup(agentType model.AgentType) string {
	return queueGroupPrefix + string(agentType)
}

// InstanceSource resolves the runner behind an agent id at dispatch time.
// The agent pool implements it.
type InstanceSource interface {
	GetAgentInstance(agentID string) (agent.Runner, error)
}

// Journal persists dispatch and result records. A nil Journal disables
// persistence; executors must treat journal errors as non-fatal.
type Journal interface {
	RecordDispatch(ctx context.Context, agentID string, task *model.Task) error
	RecordResult(ctx context.Context, result *model.TaskResult) error
}

// ensureStream creates the stream if missing; an existing stream is reused
// as-is.
func ensureStream(js nats.JetStreamContext, name string, subjects []string, logger *zap.Logger) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: subjects,
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
		MaxMsgs:  -1,
	})
	if err != nil {
		if err == nats.ErrStreamNameAlreadyInUse {
			logger.Info("using existing stream", zap.String("stream", name))
			return nil
		}
		return fmt.Errorf("failed to create stream %s: %w", name, err)
	}

	logger.Info("stream created", zap.String("stream", name))
	return nil
}
