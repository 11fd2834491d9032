package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/agentmesh/internal/model"
)

type fakeTasks struct {
	tasks []model.Task
}

func (f *fakeTasks) Tasks() []model.Task { return f.tasks }

type fakeAgents struct {
	agents map[string]model.AgentSnapshot
}

func (f *fakeAgents) GetStatus() map[string]model.AgentSnapshot { return f.agents }

type fakeUsage struct {
	stats model.PoolStats
}

func (f *fakeUsage) Latest() model.PoolStats { return f.stats }

func newTestDetector(t *testing.T, tasks *fakeTasks, agents *fakeAgents, usage *fakeUsage) *StallDetector {
	t.Helper()
	if tasks == nil {
		tasks = &fakeTasks{}
	}
	if agents == nil {
		agents = &fakeAgents{agents: map[string]model.AgentSnapshot{}}
	}
	var usageSource UsageSource
	if usage != nil {
		usageSource = usage
	}
	return NewStallDetector(tasks, agents, usageSource, nil, time.Hour, zaptest.NewLogger(t))
}

func TestStallDetector_TaskStallFiresAndResolves(t *testing.T) {
	tasks := &fakeTasks{tasks: []model.Task{
		{ID: 1, Status: model.TaskStatusReady},
		{ID: 2, Status: model.TaskStatusInProgress},
	}}
	detector := newTestDetector(t, tasks, nil, nil)

	require.NoError(t, detector.AddRule(&model.AlertRule{
		Name:      "slow task",
		Type:      model.AlertTypeTaskStalled,
		Threshold: time.Millisecond,
		Severity:  model.AlertSeverityWarning,
	}))

	// First pass only starts the waiting clock.
	detector.Evaluate()
	assert.Empty(t, detector.ActiveAlerts())

	time.Sleep(5 * time.Millisecond)
	detector.Evaluate()

	active := detector.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, model.AlertTypeTaskStalled, active[0].Type)
	assert.Equal(t, 1, active[0].Data["task_id"])

	// Firing again for the same task must not duplicate the alert.
	detector.Evaluate()
	assert.Len(t, detector.ActiveAlerts(), 1)

	// The task dispatching clears the condition.
	tasks.tasks[0].Status = model.TaskStatusInProgress
	detector.Evaluate()
	assert.Empty(t, detector.ActiveAlerts())
}

func TestStallDetector_AgentBlockedFires(t *testing.T) {
	agents := &fakeAgents{agents: map[string]model.AgentSnapshot{
		"backend-worker-001": {
			AgentID:   "backend-worker-001",
			AgentType: model.AgentTypeBackend,
			Status:    model.AgentStatusBlocked,
			BlockedBy: []int{7},
		},
	}}
	detector := newTestDetector(t, nil, agents, nil)

	require.NoError(t, detector.AddRule(&model.AlertRule{
		Name:      "stuck agent",
		Type:      model.AlertTypeAgentBlocked,
		Threshold: time.Millisecond,
		Severity:  model.AlertSeverityError,
	}))

	detector.Evaluate()
	assert.Empty(t, detector.ActiveAlerts())

	time.Sleep(5 * time.Millisecond)
	detector.Evaluate()

	active := detector.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, model.AlertTypeAgentBlocked, active[0].Type)
	assert.Equal(t, "backend-worker-001", active[0].Data["agent_id"])

	agents.agents["backend-worker-001"] = model.AgentSnapshot{
		AgentID:   "backend-worker-001",
		AgentType: model.AgentTypeBackend,
		Status:    model.AgentStatusIdle,
	}
	detector.Evaluate()
	assert.Empty(t, detector.ActiveAlerts())
}

func TestStallDetector_ResourceUsageFiresAndResolves(t *testing.T) {
	usage := &fakeUsage{stats: model.PoolStats{
		CPUPercent:    95.0,
		MemoryPercent: 40.0,
		CollectedAt:   time.Now(),
	}}
	detector := newTestDetector(t, nil, nil, usage)

	require.NoError(t, detector.AddRule(&model.AlertRule{
		Name:     "host saturated",
		Type:     model.AlertTypeResourceUsage,
		Limit:    85.0,
		Severity: model.AlertSeverityCritical,
	}))

	detector.Evaluate()
	active := detector.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, model.AlertTypeResourceUsage, active[0].Type)

	usage.stats.CPUPercent = 20.0
	detector.Evaluate()
	assert.Empty(t, detector.ActiveAlerts())
}

func TestStallDetector_SilencedRuleDoesNotFire(t *testing.T) {
	tasks := &fakeTasks{tasks: []model.Task{{ID: 1, Status: model.TaskStatusPending}}}
	detector := newTestDetector(t, tasks, nil, nil)

	require.NoError(t, detector.AddRule(&model.AlertRule{
		Name:      "muted",
		Type:      model.AlertTypeTaskStalled,
		Threshold: time.Millisecond,
		Severity:  model.AlertSeverityWarning,
		Silenced:  true,
	}))

	detector.Evaluate()
	time.Sleep(5 * time.Millisecond)
	detector.Evaluate()

	assert.Empty(t, detector.ActiveAlerts())
}

func TestStallDetector_RuleLifecycle(t *testing.T) {
	detector := newTestDetector(t, nil, nil, nil)

	rule := &model.AlertRule{
		Name:      "slow task",
		Type:      model.AlertTypeTaskStalled,
		Threshold: time.Minute,
		Severity:  model.AlertSeverityWarning,
	}
	require.NoError(t, detector.AddRule(rule))
	require.NotEmpty(t, rule.ID)

	got, err := detector.GetRule(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "slow task", got.Name)

	rule.Threshold = 2 * time.Minute
	require.NoError(t, detector.UpdateRule(rule))

	require.NoError(t, detector.DeleteRule(rule.ID))
	_, err = detector.GetRule(rule.ID)
	assert.Error(t, err)
}
