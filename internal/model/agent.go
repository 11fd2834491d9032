package model

import (
	"strings"
	"time"
)

// AgentType identifies which worker persona a task requires. The set is
// closed: runners are resolved through a factory, never by arbitrary string
// lookup.
type AgentType string

const (
	AgentTypeBackend  AgentType = "backend"
	AgentTypeFrontend AgentType = "frontend"
	AgentTypeTest     AgentType = "test"
)

// agentTypeAliases maps the long-form names used by task sources onto the
// canonical short types.
var agentTypeAliases = map[string]AgentType{
	"backend":             AgentTypeBackend,
	"backend-worker":      AgentTypeBackend,
	"frontend":            AgentTypeFrontend,
	"frontend-specialist": AgentTypeFrontend,
	"test":                AgentTypeTest,
	"test-engineer":       AgentTypeTest,
}

// ParseAgentType normalizes a declared agent type, accepting the long-form
// aliases. The second return is false for anything outside the closed set.
func ParseAgentType(s string) (AgentType, bool) {
	t, ok := agentTypeAliases[strings.ToLower(strings.TrimSpace(s))]
	return t, ok
}

// AgentTypes returns the closed set of supported types.
func AgentTypes() []AgentType {
	return []AgentType{AgentTypeBackend, AgentTypeFrontend, AgentTypeTest}
}

// Valid reports whether t is one of the supported types.
func (t AgentType) Valid() bool {
	switch t {
	case AgentTypeBackend, AgentTypeFrontend, AgentTypeTest:
		return true
	}
	return false
}

// AgentStatus represents the pool-side state of an agent handle
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusBusy    AgentStatus = "busy"
	AgentStatusBlocked AgentStatus = "blocked"
)

// AgentSnapshot is a copy-out view of one agent handle. Snapshots are safe
// to hand to observers; mutating one never touches pool state.
type AgentSnapshot struct {
	AgentID        string      `json:"agent_id"`
	AgentType      AgentType   `json:"agent_type"`
	Status         AgentStatus `json:"status"`
	CurrentTaskID  *int        `json:"current_task_id,omitempty"`
	BlockedBy      []int       `json:"blocked_by,omitempty"`
	TasksCompleted int         `json:"tasks_completed"`
	CreatedAt      time.Time   `json:"created_at"`
}

// PoolStats aggregates pool occupancy with host resource usage for the
// metrics stream.
type PoolStats struct {
	TotalAgents    int               `json:"total_agents"`
	IdleAgents     int               `json:"idle_agents"`
	BusyAgents     int               `json:"busy_agents"`
	BlockedAgents  int               `json:"blocked_agents"`
	ByType         map[AgentType]int `json:"by_type,omitempty"`
	TasksCompleted int               `json:"tasks_completed"`
	CPUPercent     float64           `json:"cpu_percent"`
	MemoryPercent  float64           `json:"memory_percent"`
	CollectedAt    time.Time         `json:"collected_at"`
}
