package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// TaskStatus represents the current status of a task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusReady      TaskStatus = "ready"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether the status is final. Terminal tasks are never
// rescheduled, only observed.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Task represents a unit of work produced by decomposition (e.g. from a PRD)
// and driven to completion by the scheduler.
type Task struct {
	ID          int        `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	AgentType   AgentType  `json:"agent_type"`
	Status      TaskStatus `json:"status"`

	// DependsOn declares prerequisite task ids as a delimited string,
	// either a JSON array ("[1,2]") or a comma list ("1,2").
	DependsOn string `json:"depends_on,omitempty"`

	// Payload is handed opaquely to the agent runner.
	Payload json.RawMessage `json:"payload,omitempty"`

	// EstimateMinutes feeds planning queries; zero means unestimated.
	EstimateMinutes float64 `json:"estimate_minutes,omitempty"`

	// Timing fields
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Execution details
	AgentID      string `json:"agent_id,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Dependencies parses DependsOn into a deduplicated id list, preserving
// first-appearance order. Entries that do not parse as integers are returned
// in malformed rather than failing the whole declaration.
func (t *Task) Dependencies() (ids []int, malformed []string) {
	return ParseDependencies(t.DependsOn)
}

// ParseDependencies accepts both dependency string forms. A JSON array is
// tried first; anything else is treated as a comma list. Empty input means
// no dependencies.
func ParseDependencies(s string) (ids []int, malformed []string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	if strings.HasPrefix(s, "[") {
		var parsed []int
		if err := json.Unmarshal([]byte(s), &parsed); err == nil {
			return dedupe(parsed), nil
		}
		malformed = append(malformed, s)
		return nil, malformed
	}

	var parsed []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			malformed = append(malformed, part)
			continue
		}
		parsed = append(parsed, id)
	}
	return dedupe(parsed), malformed
}

func dedupe(ids []int) []int {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[int]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// TaskResult represents the outcome reported by an agent execution
type TaskResult struct {
	TaskID      int        `json:"task_id"`
	AgentID     string     `json:"agent_id"`
	Status      TaskStatus `json:"status"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	Artifacts   []string   `json:"artifacts,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt time.Time  `json:"completed_at"`
}

// DispatchRequest is the wire envelope handed to remote workers
type DispatchRequest struct {
	AgentID      string    `json:"agent_id"`
	Task         *Task     `json:"task"`
	DispatchedAt time.Time `json:"dispatched_at"`
}
