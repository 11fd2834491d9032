package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/agentmesh/internal/model"
)

const (
	alertStreamName      = "AGENTMESH_ALERTS"
	alertStreamSubjects  = "agentmesh.alerts.>"
	alertSubjectPrefix   = "agentmesh.alerts."
	alertStreamMaxAge    = 7 * 24 * time.Hour
	defaultStallInterval = 30 * time.Second
)

// TaskSource supplies the current task snapshots. The scheduler implements it.
type TaskSource interface {
	Tasks() []model.Task
}

// AgentSource supplies the current agent snapshots. The pool implements it.
type AgentSource interface {
	GetStatus() map[string]model.AgentSnapshot
}

// UsageSource supplies the latest host usage sample for resource rules.
// PoolMetrics implements it.
type UsageSource interface {
	Latest() model.PoolStats
}

// StallDetector watches task and agent snapshots against configured rules. A
// task sitting in pending/ready beyond a rule's threshold, an agent blocked
// beyond it, or host usage over a rule's limit raises an alert; recovery
// resolves it. Alerts are published per-type and logged at warn.
type StallDetector struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	tasks    TaskSource
	agents   AgentSource
	usage    UsageSource
	interval time.Duration

	rules  sync.Map // rule id -> *model.AlertRule
	alerts sync.Map // alert id -> *model.Alert

	mu           sync.Mutex
	waitingSince map[int]time.Time
	blockedSince map[string]time.Time
	fired        map[string]string // condition key -> active alert id

	stop chan struct{}
}

// NewStallDetector creates a detector. js and usage may be nil: alerts then
// stay local, and resource rules are skipped.
func NewStallDetector(tasks TaskSource, agents AgentSource, usage UsageSource, js nats.JetStreamContext, interval time.Duration, logger *zap.Logger) *StallDetector {
	if interval <= 0 {
		interval = defaultStallInterval
	}
	return &StallDetector{
		logger:       logger.Named("stall-detector"),
		js:           js,
		tasks:        tasks,
		agents:       agents,
		usage:        usage,
		interval:     interval,
		waitingSince: make(map[int]time.Time),
		blockedSince: make(map[string]time.Time),
		fired:        make(map[string]string),
		stop:         make(chan struct{}),
	}
}

// Start launches the evaluation loop.
func (d *StallDetector) Start(ctx context.Context) error {
	if d.js != nil {
		_, err := d.js.AddStream(&nats.StreamConfig{
			Name:     alertStreamName,
			Subjects: []string{alertStreamSubjects},
			Storage:  nats.FileStorage,
			MaxAge:   alertStreamMaxAge,
		})
		if err != nil {
			if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
				return fmt.Errorf("failed to create alert stream: %w", err)
			}
			d.logger.Info("using existing stream", zap.String("stream", alertStreamName))
		}
	}

	go d.evaluationLoop(ctx)
	d.logger.Info("stall detector started", zap.Duration("interval", d.interval))
	return nil
}

// Stop stops the evaluation loop.
func (d *StallDetector) Stop() {
	close(d.stop)
}

// GetRule returns a rule by id.
func (d *StallDetector) GetRule(id string) (*model.AlertRule, error) {
	value, ok := d.rules.Load(id)
	if !ok {
		return nil, fmt.Errorf("rule not found: %s", id)
	}
	return value.(*model.AlertRule), nil
}

// AddRule registers a rule, assigning an id when absent.
func (d *StallDetector) AddRule(rule *model.AlertRule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.CreatedAt = time.Now()
	rule.UpdatedAt = rule.CreatedAt
	d.rules.Store(rule.ID, rule)
	return nil
}

// UpdateRule replaces an existing rule.
func (d *StallDetector) UpdateRule(rule *model.AlertRule) error {
	if _, ok := d.rules.Load(rule.ID); !ok {
		return fmt.Errorf("rule not found: %s", rule.ID)
	}
	rule.UpdatedAt = time.Now()
	d.rules.Store(rule.ID, rule)
	return nil
}

// DeleteRule removes a rule.
func (d *StallDetector) DeleteRule(id string) error {
	if _, ok := d.rules.Load(id); !ok {
		return fmt.Errorf("rule not found: %s", id)
	}
	d.rules.Delete(id)
	return nil
}

// ActiveAlerts returns alerts that have fired and not yet resolved.
func (d *StallDetector) ActiveAlerts() []*model.Alert {
	var active []*model.Alert
	d.alerts.Range(func(_, value interface{}) bool {
		alert := value.(*model.Alert)
		if alert.ResolvedAt == nil {
			active = append(active, alert)
		}
		return true
	})
	return active
}

func (d *StallDetector) evaluationLoop(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.Evaluate()
		}
	}
}

// Evaluate runs one observation pass. Exported so hosts and tests can force
// a pass without waiting out the ticker.
func (d *StallDetector) Evaluate() {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.evaluateTasks(now)
	d.evaluateAgents(now)
	d.evaluateUsage()
}

// evaluateTasks tracks how long each task has been waiting for dispatch.
// The clock starts at first observation, not task creation, so a task whose
// dependencies just cleared is not instantly stalled.
func (d *StallDetector) evaluateTasks(now time.Time) {
	waiting := make(map[int]model.Task)
	for _, task := range d.tasks.Tasks() {
		if task.Status == model.TaskStatusPending || task.Status == model.TaskStatusReady {
			waiting[task.ID] = task
		}
	}

	for id := range d.waitingSince {
		if _, still := waiting[id]; !still {
			delete(d.waitingSince, id)
			d.resolveMatching(fmt.Sprintf("/task/%d", id))
		}
	}

	for id, task := range waiting {
		since, seen := d.waitingSince[id]
		if !seen {
			d.waitingSince[id] = now
			continue
		}

		elapsed := now.Sub(since)
		d.eachRule(model.AlertTypeTaskStalled, func(rule *model.AlertRule) {
			if rule.Threshold <= 0 || elapsed < rule.Threshold {
				return
			}
			key := rule.ID + fmt.Sprintf("/task/%d", id)
			if _, already := d.fired[key]; already {
				return
			}
			d.fire(rule, key,
				fmt.Sprintf("task %d has waited %s in status %s", id, elapsed.Round(time.Second), task.Status),
				map[string]interface{}{
					"task_id": id,
					"status":  string(task.Status),
					"waiting": elapsed.String(),
				})
		})
	}
}

func (d *StallDetector) evaluateAgents(now time.Time) {
	blocked := make(map[string]model.AgentSnapshot)
	for id, snap := range d.agents.GetStatus() {
		if snap.Status == model.AgentStatusBlocked {
			blocked[id] = snap
		}
	}

	for id := range d.blockedSince {
		if _, still := blocked[id]; !still {
			delete(d.blockedSince, id)
			d.resolveMatching("/agent/" + id)
		}
	}

	for id, snap := range blocked {
		since, seen := d.blockedSince[id]
		if !seen {
			d.blockedSince[id] = now
			continue
		}

		elapsed := now.Sub(since)
		d.eachRule(model.AlertTypeAgentBlocked, func(rule *model.AlertRule) {
			if rule.Threshold <= 0 || elapsed < rule.Threshold {
				return
			}
			key := rule.ID + "/agent/" + id
			if _, already := d.fired[key]; already {
				return
			}
			d.fire(rule, key,
				fmt.Sprintf("agent %s has been blocked for %s", id, elapsed.Round(time.Second)),
				map[string]interface{}{
					"agent_id":   id,
					"blocked_by": snap.BlockedBy,
					"blocked":    elapsed.String(),
				})
		})
	}
}

func (d *StallDetector) evaluateUsage() {
	if d.usage == nil {
		return
	}
	stats := d.usage.Latest()
	if stats.CollectedAt.IsZero() {
		return
	}

	d.eachRule(model.AlertTypeResourceUsage, func(rule *model.AlertRule) {
		if rule.Limit <= 0 {
			return
		}
		key := rule.ID + "/host"
		over := stats.CPUPercent >= rule.Limit || stats.MemoryPercent >= rule.Limit
		if !over {
			d.resolveMatching(key)
			return
		}
		if _, already := d.fired[key]; already {
			return
		}
		d.fire(rule, key,
			fmt.Sprintf("host usage over %.0f%% (cpu %.1f%%, memory %.1f%%)",
				rule.Limit, stats.CPUPercent, stats.MemoryPercent),
			map[string]interface{}{
				"cpu_percent":    stats.CPUPercent,
				"memory_percent": stats.MemoryPercent,
			})
	})
}

func (d *StallDetector) eachRule(typ model.AlertType, fn func(rule *model.AlertRule)) {
	d.rules.Range(func(_, value interface{}) bool {
		rule := value.(*model.AlertRule)
		if rule.Type == typ && !rule.Silenced {
			fn(rule)
		}
		return true
	})
}

// fire creates, stores, publishes, and logs one alert. Callers hold d.mu.
func (d *StallDetector) fire(rule *model.AlertRule, key, message string, data map[string]interface{}) {
	alert := &model.Alert{
		ID:        uuid.New().String(),
		RuleID:    rule.ID,
		Type:      rule.Type,
		Severity:  rule.Severity,
		Message:   message,
		Data:      data,
		CreatedAt: time.Now(),
	}

	d.alerts.Store(alert.ID, alert)
	d.fired[key] = alert.ID

	if d.js != nil {
		payload, err := json.Marshal(alert)
		if err != nil {
			d.logger.Error("failed to marshal alert", zap.Error(err))
		} else if _, err := d.js.Publish(alertSubjectPrefix+string(alert.Type), payload); err != nil {
			d.logger.Error("failed to publish alert",
				zap.String("alert_id", alert.ID),
				zap.Error(err))
		}
	}

	d.logger.Warn("alert raised",
		zap.String("alert_id", alert.ID),
		zap.String("rule", rule.Name),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
		zap.String("message", message))
}

// resolveMatching closes every fired alert whose condition key contains the
// subject suffix. Callers hold d.mu.
func (d *StallDetector) resolveMatching(subject string) {
	for key, alertID := range d.fired {
		if !containsSubject(key, subject) {
			continue
		}
		delete(d.fired, key)

		value, ok := d.alerts.Load(alertID)
		if !ok {
			continue
		}
		alert := value.(*model.Alert)
		resolved := time.Now()
		alert.ResolvedAt = &resolved

		d.logger.Info("alert resolved",
			zap.String("alert_id", alert.ID),
			zap.String("type", string(alert.Type)))
	}
}

func containsSubject(key, subject string) bool {
	if len(subject) > len(key) {
		return false
	}
	return key[len(key)-len(subject):] == subject
}
