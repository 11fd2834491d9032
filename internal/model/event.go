package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of lifecycle event
type EventType string

const (
	EventAgentCreated      EventType = "agent_created"
	EventAgentRetired      EventType = "agent_retired"
	EventTaskStatusChanged EventType = "task_status_changed"
)

// Event is a best-effort notification for observers (dashboards). Delivery
// is fire-and-forget; scheduling never waits on it.
type Event struct {
	ID        string     `json:"id"`
	Type      EventType  `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	AgentID   string     `json:"agent_id,omitempty"`
	AgentType AgentType  `json:"agent_type,omitempty"`
	TaskID    int        `json:"task_id,omitempty"`
	From      TaskStatus `json:"from,omitempty"`
	To        TaskStatus `json:"to,omitempty"`
	Detail    string     `json:"detail,omitempty"`
}

// NewAgentEvent builds an agent lifecycle event.
func NewAgentEvent(typ EventType, agentID string, agentType AgentType) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Timestamp: time.Now(),
		AgentID:   agentID,
		AgentType: agentType,
	}
}

// NewTaskEvent builds a task status transition event. agentID may be empty
// for transitions that happen before an agent is assigned.
func NewTaskEvent(taskID int, from, to TaskStatus, agentID string) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      EventTaskStatusChanged,
		Timestamp: time.Now(),
		TaskID:    taskID,
		From:      from,
		To:        to,
		AgentID:   agentID,
	}
}
