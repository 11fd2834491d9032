package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/agentmesh/internal/model"
)

// CommandRunner drives a CLI agent: it spawns the configured command once
// per task, feeds the task as JSON on stdin, and captures combined output.
// Exit code zero completes the task; anything else fails it.
type CommandRunner struct {
	logger     *zap.Logger
	agentType  model.AgentType
	command    string
	args       []string
	workingDir string
	env        map[string]string
	timeout    time.Duration
}

// NewCommandRunner creates a runner for one agent type.
func NewCommandRunner(agentType model.AgentType, cfg RunnerConfig, logger *zap.Logger) *CommandRunner {
	return &CommandRunner{
		logger:     logger.Named("command-runner").With(zap.String("agent_type", string(agentType))),
		agentType:  agentType,
		command:    cfg.Command,
		args:       cfg.Args,
		workingDir: cfg.WorkingDir,
		env:        cfg.Env,
		timeout:    cfg.Timeout,
	}
}

// Type returns the agent type this runner serves.
func (r *CommandRunner) Type() model.AgentType {
	return r.agentType
}

// Run executes the command for one task.
func (r *CommandRunner) Run(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	input, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}

	cmdCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(cmdCtx, r.command, r.args...)
	cmd.Stdin = bytes.NewReader(input)
	if r.workingDir != "" {
		cmd.Dir = r.workingDir
	}
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("AGENTMESH_TASK_ID=%d", task.ID),
		fmt.Sprintf("AGENTMESH_AGENT_TYPE=%s", r.agentType),
	)
	for k, v := range r.env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	r.logger.Info("executing agent command",
		zap.Int("task_id", task.ID),
		zap.String("command", r.command),
		zap.Strings("args", r.args))

	started := time.Now()
	output, err := cmd.CombinedOutput()

	result := &model.TaskResult{
		TaskID:      task.ID,
		Status:      model.TaskStatusCompleted,
		Output:      string(output),
		StartedAt:   started,
		CompletedAt: time.Now(),
	}

	if err != nil {
		result.Status = model.TaskStatusFailed
		if cmdCtx.Err() == context.DeadlineExceeded {
			result.Error = "agent command timed out"
		} else if trimmed := strings.TrimSpace(string(output)); trimmed != "" {
			result.Error = trimmed
		} else {
			result.Error = err.Error()
		}
		r.logger.Warn("agent command failed",
			zap.Int("task_id", task.ID),
			zap.String("error", result.Error))
	}

	return result, nil
}
