package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrTaskNotFound is returned when a task id is not part of the graph
	ErrTaskNotFound = errors.New("task not found")

	// ErrPoolAtCapacity is returned when creating an agent would exceed
	// maxAgents. Recoverable: callers retry on a later pass.
	ErrPoolAtCapacity = errors.New("agent pool at maximum capacity")

	// ErrAgentNotFound is returned for operations on an unknown agent id.
	// Indicates a stale reference; the pool is left unchanged.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAgentNotIdle is returned when assigning work to an agent that is
	// busy or blocked
	ErrAgentNotIdle = errors.New("agent not idle")

	// ErrAgentAlreadyIdle is returned when idling an agent that is already idle
	ErrAgentAlreadyIdle = errors.New("agent already idle")

	// ErrAgentNotBusy is returned when blocking an agent that has no task
	ErrAgentNotBusy = errors.New("agent not busy")

	// ErrInvalidDependency is returned by dependency validation when the
	// candidate edit would corrupt the graph
	ErrInvalidDependency = errors.New("invalid dependency")

	// ErrGraphNotBuilt is returned when querying a graph before Build
	ErrGraphNotBuilt = errors.New("dependency graph not built")

	// ErrUnknownAgentType is returned for agent types outside the supported set
	ErrUnknownAgentType = errors.New("unknown agent type")

	// ErrTemplateNotFound is returned for operations on an unknown
	// recurring template id
	ErrTemplateNotFound = errors.New("recurring template not found")
)

// CycleError reports a circular dependency found while building or
// validating a graph. Cycle holds the participating task ids in traversal
// order, with the entry task repeated at the end.
type CycleError struct {
	Cycle []int
}

func (e *CycleError) Error() string {
	if len(e.Cycle) == 0 {
		return "circular dependency detected"
	}
	parts := make([]string, len(e.Cycle))
	for i, id := range e.Cycle {
		parts[i] = strconv.Itoa(id)
	}
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(parts, " -> "))
}
