package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/t77yq/agentmesh/internal/model"
)

const (
	defaultWebhookTimeout = 30 * time.Second
	defaultRetryElapsed   = 2 * time.Minute
)

// WebhookRunner drives an agent behind an HTTP gateway (e.g. an LLM agent
// service): the task is POSTed as JSON and the response body is the task
// result. Transient failures are retried with exponential backoff behind a
// per-type circuit breaker; 4xx responses are not retried.
type WebhookRunner struct {
	logger          *zap.Logger
	agentType       model.AgentType
	endpoint        string
	client          *http.Client
	breaker         *gobreaker.CircuitBreaker
	maxRetryElapsed time.Duration
}

// NewWebhookRunner creates a runner for one agent type. Handles of the same
// type share the runner, and with it the breaker state.
func NewWebhookRunner(agentType model.AgentType, cfg RunnerConfig, logger *zap.Logger) *WebhookRunner {
	log := logger.Named("webhook-runner").With(zap.String("agent_type", string(agentType)))

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	maxElapsed := cfg.MaxRetryElapsed
	if maxElapsed <= 0 {
		maxElapsed = defaultRetryElapsed
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(agentType),
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is not a gateway failure.
			if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return false
		},
	})

	return &WebhookRunner{
		logger:          log,
		agentType:       agentType,
		endpoint:        cfg.Endpoint,
		client:          &http.Client{Timeout: timeout},
		breaker:         breaker,
		maxRetryElapsed: maxElapsed,
	}
}

// Type returns the agent type this runner serves.
func (r *WebhookRunner) Type() model.AgentType {
	return r.agentType
}

// Run posts the task to the gateway and retries transient failures.
func (r *WebhookRunner) Run(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}

	started := time.Now()
	var result *model.TaskResult

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		res, err := r.breaker.Execute(func() (interface{}, error) {
			return r.post(ctx, payload)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		result = res.(*model.TaskResult)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = r.maxRetryElapsed
	policy.Multiplier = 2.0

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("agent gateway unavailable",
			zap.Int("task_id", task.ID),
			zap.Error(err))
		return &model.TaskResult{
			TaskID:      task.ID,
			Status:      model.TaskStatusFailed,
			Error:       err.Error(),
			StartedAt:   started,
			CompletedAt: time.Now(),
		}, nil
	}

	result.TaskID = task.ID
	if result.Status == "" {
		result.Status = model.TaskStatusCompleted
	}
	result.StartedAt = started
	result.CompletedAt = time.Now()
	return result, nil
}

// post performs one gateway round trip. A permanent error stops the retry
// loop; everything else is retried until the budget runs out.
func (r *WebhookRunner) post(ctx context.Context, payload []byte) (*model.TaskResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("agent gateway returned status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, backoff.Permanent(fmt.Errorf("agent gateway rejected task: status %d", resp.StatusCode))
	}

	var result model.TaskResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("malformed gateway response: %w", err))
	}
	return &result, nil
}
