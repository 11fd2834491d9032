package scheduler

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/agentmesh/internal/agent"
	"github.com/t77yq/agentmesh/internal/model"
)

// EventSink receives best-effort lifecycle notifications. Implementations
// must not block; scheduling never waits on observers.
type EventSink interface {
	Publish(event model.Event)
}

// agentHandle is the pool's bookkeeping record for one reusable worker slot.
type agentHandle struct {
	id             string
	agentType      model.AgentType
	status         model.AgentStatus
	currentTaskID  *int
	blockedBy      []int
	tasksCompleted int
	createdAt      time.Time
	runner         agent.Runner
}

// AgentPool bounds concurrency by capping how many agent handles exist and
// reuses idle handles before creating new ones. maxAgents is enforced only
// at creation; the pool never preempts a busy agent.
type AgentPool struct {
	logger    *zap.Logger
	mu        sync.RWMutex
	maxAgents int
	factory   agent.Factory
	events    EventSink

	agents  map[string]*agentHandle
	order   []string // creation order, drives deterministic idle reuse
	nextSeq int      // shared across types: backend-worker-001, test-worker-002, ...
}

// NewAgentPool creates an empty pool. A nil events sink disables
// notifications.
func NewAgentPool(maxAgents int, factory agent.Factory, events EventSink, logger *zap.Logger) *AgentPool {
	return &AgentPool{
		logger:    logger.Named("agent-pool"),
		maxAgents: maxAgents,
		factory:   factory,
		events:    events,
		agents:    make(map[string]*agentHandle),
		nextSeq:   1,
	}
}

// CreateAgent registers a new idle handle for the given type and emits
// agent_created. Fails with ErrPoolAtCapacity once maxAgents handles are
// live. GetOrCreateAgent is the preferred entry point; direct calls are for
// explicit provisioning.
func (p *AgentPool) CreateAgent(agentType model.AgentType) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createLocked(agentType)
}

// GetOrCreateAgent returns an existing idle handle of the same type, scanned
// in creation order, or creates one.
func (p *AgentPool) GetOrCreateAgent(agentType model.AgentType) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range p.order {
		handle := p.agents[id]
		if handle.agentType == agentType && handle.status == model.AgentStatusIdle {
			return id, nil
		}
	}
	return p.createLocked(agentType)
}

func (p *AgentPool) createLocked(agentType model.AgentType) (string, error) {
	if len(p.agents) >= p.maxAgents {
		return "", fmt.Errorf("%w: %d/%d agents live", ErrPoolAtCapacity, len(p.agents), p.maxAgents)
	}
	if !agentType.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAgentType, agentType)
	}
	runner, err := p.factory(agentType)
	if err != nil {
		return "", fmt.Errorf("resolving runner for %q: %w", agentType, err)
	}

	id := fmt.Sprintf("%s-worker-%03d", agentType, p.nextSeq)
	p.nextSeq++
	p.agents[id] = &agentHandle{
		id:        id,
		agentType: agentType,
		status:    model.AgentStatusIdle,
		createdAt: time.Now(),
		runner:    runner,
	}
	p.order = append(p.order, id)

	p.logger.Info("agent created",
		zap.String("agent_id", id),
		zap.String("agent_type", string(agentType)),
		zap.Int("pool_size", len(p.agents)))
	p.publish(model.NewAgentEvent(model.EventAgentCreated, id, agentType))

	return id, nil
}

// MarkBusy transitions idle -> busy and records the assigned task. An agent
// that is already busy or blocked is never silently reassigned.
func (p *AgentPool) MarkBusy(agentID string, taskID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	handle, ok := p.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if handle.status != model.AgentStatusIdle {
		return fmt.Errorf("%w: %s is %s", ErrAgentNotIdle, agentID, handle.status)
	}

	tid := taskID
	handle.status = model.AgentStatusBusy
	handle.currentTaskID = &tid

	p.logger.Debug("agent marked busy",
		zap.String("agent_id", agentID),
		zap.Int("task_id", taskID))
	return nil
}

// MarkIdle transitions busy|blocked -> idle, clearing the task assignment.
// tasksCompleted increments only when coming from busy: releasing a blocked
// agent does not count as completing a task.
func (p *AgentPool) MarkIdle(agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	handle, ok := p.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	switch handle.status {
	case model.AgentStatusIdle:
		return fmt.Errorf("%w: %s", ErrAgentAlreadyIdle, agentID)
	case model.AgentStatusBusy:
		handle.tasksCompleted++
	case model.AgentStatusBlocked:
	}

	handle.status = model.AgentStatusIdle
	handle.currentTaskID = nil
	handle.blockedBy = nil

	p.logger.Debug("agent marked idle",
		zap.String("agent_id", agentID),
		zap.Int("tasks_completed", handle.tasksCompleted))
	return nil
}

// ReleaseAgent undoes an assignment that never executed, returning a busy
// agent to idle without counting a completion. Dispatch-rollback path only;
// normal completions go through MarkIdle.
func (p *AgentPool) ReleaseAgent(agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	handle, ok := p.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if handle.status != model.AgentStatusBusy {
		return fmt.Errorf("%w: %s is %s", ErrAgentNotBusy, agentID, handle.status)
	}

	handle.status = model.AgentStatusIdle
	handle.currentTaskID = nil

	p.logger.Debug("agent released without completion",
		zap.String("agent_id", agentID))
	return nil
}

// MarkBlocked transitions busy -> blocked, recording the task ids the agent
// is waiting on. Blockers are resolved externally; callers release the agent
// with MarkIdle.
func (p *AgentPool) MarkBlocked(agentID string, blockedBy []int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	handle, ok := p.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if handle.status != model.AgentStatusBusy {
		return fmt.Errorf("%w: %s is %s", ErrAgentNotBusy, agentID, handle.status)
	}

	handle.status = model.AgentStatusBlocked
	handle.blockedBy = append([]int(nil), blockedBy...)

	p.logger.Debug("agent marked blocked",
		zap.String("agent_id", agentID),
		zap.Ints("blocked_by", blockedBy))
	return nil
}

// RetireAgent removes the handle entirely and emits agent_retired. Retiring
// a busy agent abandons its current task; reassignment is the caller's
// problem.
func (p *AgentPool) RetireAgent(agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	handle, ok := p.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if handle.status == model.AgentStatusBusy && handle.currentTaskID != nil {
		p.logger.Warn("retiring busy agent, task abandoned",
			zap.String("agent_id", agentID),
			zap.Int("task_id", *handle.currentTaskID))
	}

	delete(p.agents, agentID)
	for i, id := range p.order {
		if id == agentID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}

	p.logger.Info("agent retired",
		zap.String("agent_id", agentID),
		zap.Int("tasks_completed", handle.tasksCompleted),
		zap.Int("pool_size", len(p.agents)))
	p.publish(model.NewAgentEvent(model.EventAgentRetired, agentID, handle.agentType))

	return nil
}

// GetStatus returns a copy-out snapshot of every handle. Mutating the result
// never touches pool state.
func (p *AgentPool) GetStatus() map[string]model.AgentSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := make(map[string]model.AgentSnapshot, len(p.agents))
	for id, handle := range p.agents {
		snap := model.AgentSnapshot{
			AgentID:        id,
			AgentType:      handle.agentType,
			Status:         handle.status,
			TasksCompleted: handle.tasksCompleted,
			CreatedAt:      handle.createdAt,
		}
		if handle.currentTaskID != nil {
			tid := *handle.currentTaskID
			snap.CurrentTaskID = &tid
		}
		if len(handle.blockedBy) > 0 {
			snap.BlockedBy = append([]int(nil), handle.blockedBy...)
		}
		status[id] = snap
	}
	return status
}

// GetAgentInstance returns the opaque runner behind a handle for dispatch.
func (p *AgentPool) GetAgentInstance(agentID string) (agent.Runner, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	handle, ok := p.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return handle.runner, nil
}

// Stats summarizes pool occupancy for the metrics stream.
func (p *AgentPool) Stats() model.PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := model.PoolStats{
		TotalAgents: len(p.agents),
		ByType:      make(map[model.AgentType]int),
	}
	for _, handle := range p.agents {
		stats.ByType[handle.agentType]++
		stats.TasksCompleted += handle.tasksCompleted
		switch handle.status {
		case model.AgentStatusIdle:
			stats.IdleAgents++
		case model.AgentStatusBusy:
			stats.BusyAgents++
		case model.AgentStatusBlocked:
			stats.BlockedAgents++
		}
	}
	return stats
}

// Clear removes every handle and resets the id sequence. Test/reset utility,
// not part of steady-state operation.
func (p *AgentPool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.agents = make(map[string]*agentHandle)
	p.order = nil
	p.nextSeq = 1
	p.logger.Debug("agent pool cleared")
}

func (p *AgentPool) publish(event model.Event) {
	if p.events == nil {
		return
	}
	p.events.Publish(event)
}
