package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/agentmesh/internal/model"
)

// Runner executes one task on behalf of an agent handle. The pool shares one
// runner per agent type, so implementations must be safe for concurrent use.
type Runner interface {
	Type() model.AgentType
	Run(ctx context.Context, task *model.Task) (*model.TaskResult, error)
}

// Factory resolves the runner for an agent type. The supported set is
// closed; anything else is an error, never a silent default.
type Factory func(agentType model.AgentType) (Runner, error)

// RunnerConfig parameterizes the runner for one agent type. Endpoint selects
// the webhook runner; otherwise Command selects the command runner.
type RunnerConfig struct {
	Command    string            `mapstructure:"command"`
	Args       []string          `mapstructure:"args"`
	WorkingDir string            `mapstructure:"working_dir"`
	Env        map[string]string `mapstructure:"env"`
	Endpoint   string            `mapstructure:"endpoint"`
	Timeout    time.Duration     `mapstructure:"timeout"`

	// MaxRetryElapsed caps webhook retry time. Zero means the default.
	MaxRetryElapsed time.Duration `mapstructure:"max_retry_elapsed"`
}

// FactoryConfig maps each supported agent type to its runner configuration.
type FactoryConfig map[model.AgentType]RunnerConfig

// NewFactory builds the closed-set factory. Runners are constructed once per
// type and shared across all handles of that type, so webhook runners share
// one circuit breaker per type.
func NewFactory(cfg FactoryConfig, logger *zap.Logger) Factory {
	var mu sync.Mutex
	cache := make(map[model.AgentType]Runner, len(cfg))

	return func(agentType model.AgentType) (Runner, error) {
		if !agentType.Valid() {
			return nil, fmt.Errorf("unsupported agent type %q", agentType)
		}

		mu.Lock()
		defer mu.Unlock()

		if runner, ok := cache[agentType]; ok {
			return runner, nil
		}

		rc, ok := cfg[agentType]
		if !ok {
			return nil, fmt.Errorf("no runner configured for agent type %q", agentType)
		}

		var runner Runner
		switch {
		case rc.Endpoint != "":
			runner = NewWebhookRunner(agentType, rc, logger)
		case rc.Command != "":
			runner = NewCommandRunner(agentType, rc, logger)
		default:
			return nil, fmt.Errorf("agent type %q has neither command nor endpoint", agentType)
		}

		cache[agentType] = runner
		return runner, nil
	}
}
