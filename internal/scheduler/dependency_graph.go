package scheduler

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/agentmesh/internal/model"
)

// DependencyGraph decides, from a static set of task dependency declarations
// plus a growing set of completed tasks, which tasks are currently
// executable. Readiness is maintained incrementally: each completion
// decrements the unsatisfied-dependency counters of its dependents through a
// reverse index, so unblocking costs O(degree) rather than a full rescan.
type DependencyGraph struct {
	logger *zap.Logger
	mu     sync.RWMutex

	built      bool
	order      []int         // task ids in insertion order
	deps       map[int][]int // task id -> declared dependencies
	dependents map[int][]int // dependency -> declaring tasks, insertion order
	remaining  map[int]int   // task id -> unsatisfied dependency count
	completed  map[int]struct{}
}

// NewDependencyGraph creates an empty graph. It is unusable until Build.
func NewDependencyGraph(logger *zap.Logger) *DependencyGraph {
	return &DependencyGraph{
		logger:     logger.Named("dependency-graph"),
		deps:       make(map[int][]int),
		dependents: make(map[int][]int),
		remaining:  make(map[int]int),
		completed:  make(map[int]struct{}),
	}
}

// Build parses every task's dependency declaration and constructs the
// adjacency and reverse indexes. All-or-nothing: a cycle leaves the previous
// graph untouched and returns a *CycleError naming the cycle path. Tasks
// arriving already completed seed the completed set. Dependencies on ids not
// in the task list are kept as permanently unsatisfied and logged; only
// cycles are fatal.
func (g *DependencyGraph) Build(tasks []*model.Task) error {
	order := make([]int, 0, len(tasks))
	deps := make(map[int][]int, len(tasks))
	dependents := make(map[int][]int)
	completed := make(map[int]struct{})

	known := make(map[int]struct{}, len(tasks))
	unique := make([]*model.Task, 0, len(tasks))
	for _, task := range tasks {
		if _, dup := known[task.ID]; dup {
			g.logger.Warn("duplicate task id ignored",
				zap.Int("task_id", task.ID))
			continue
		}
		known[task.ID] = struct{}{}
		order = append(order, task.ID)
		unique = append(unique, task)
	}

	for _, task := range unique {
		ids, malformed := task.Dependencies()
		if len(malformed) > 0 {
			g.logger.Warn("dropped malformed dependency entries",
				zap.Int("task_id", task.ID),
				zap.Strings("entries", malformed))
		}
		for _, dep := range ids {
			if dep == task.ID {
				return &CycleError{Cycle: []int{task.ID, task.ID}}
			}
			if _, ok := known[dep]; !ok {
				g.logger.Warn("dependency references unknown task",
					zap.Int("task_id", task.ID),
					zap.Int("dependency_id", dep))
			}
		}
		deps[task.ID] = ids
		if task.Status == model.TaskStatusCompleted {
			completed[task.ID] = struct{}{}
		}
	}

	// Reverse index in insertion order keeps unblock results deterministic.
	for _, id := range order {
		for _, dep := range deps[id] {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	if cycleErr := detectCycle(order, deps); cycleErr != nil {
		g.logger.Error("dependency cycle detected", zap.Error(cycleErr))
		return cycleErr
	}

	remaining := make(map[int]int, len(order))
	edges := 0
	for _, id := range order {
		count := 0
		for _, dep := range deps[id] {
			edges++
			if _, done := completed[dep]; !done {
				count++
			}
		}
		remaining[id] = count
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.built = true
	g.order = order
	g.deps = deps
	g.dependents = dependents
	g.remaining = remaining
	g.completed = completed

	g.logger.Info("dependency graph built",
		zap.Int("tasks", len(order)),
		zap.Int("edges", edges),
		zap.Int("completed", len(completed)))
	return nil
}

// GetReadyTasks returns, in insertion order, every non-completed task whose
// full dependency set is satisfied.
func (g *DependencyGraph) GetReadyTasks() []int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []int
	for _, id := range g.order {
		if _, done := g.completed[id]; done {
			continue
		}
		if g.remaining[id] == 0 {
			ready = append(ready, id)
		}
	}
	return ready
}

// MarkCompleted adds the task to the completed set and decrements the
// unsatisfied counters of its dependents. Idempotent: marking a completed
// task again is a no-op, never a double decrement.
func (g *DependencyGraph) MarkCompleted(taskID int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, done := g.completed[taskID]; done {
		return
	}
	g.completed[taskID] = struct{}{}
	for _, id := range g.dependents[taskID] {
		g.remaining[id]--
	}
	g.logger.Debug("task marked completed",
		zap.Int("task_id", taskID),
		zap.Int("dependents", len(g.dependents[taskID])))
}

// UnblockDependents returns, in insertion order, the dependents of taskID
// whose entire dependency set is satisfied as of this call. Callers sequence
// MarkCompleted first; called earlier it simply answers for the
// pre-completion state.
func (g *DependencyGraph) UnblockDependents(taskID int) []int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var unblocked []int
	for _, id := range g.dependents[taskID] {
		if _, done := g.completed[id]; done {
			continue
		}
		if g.remaining[id] == 0 {
			unblocked = append(unblocked, id)
		}
	}
	return unblocked
}

// ValidateDependencies simulates adding candidateDeps to taskID's dependency
// set and reports whether a cycle would result. The live graph is never
// mutated, so callers can gate dynamic dependency edits before applying them.
func (g *DependencyGraph) ValidateDependencies(taskID int, candidateDeps []int) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.built {
		return ErrGraphNotBuilt
	}
	if _, ok := g.remaining[taskID]; !ok {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
	}

	for _, dep := range candidateDeps {
		if dep == taskID {
			return fmt.Errorf("%w: task %d cannot depend on itself", ErrInvalidDependency, taskID)
		}
	}

	overlay := make([]int, 0, len(g.deps[taskID])+len(candidateDeps))
	overlay = append(overlay, g.deps[taskID]...)
	overlay = append(overlay, candidateDeps...)

	visited := map[int]bool{}
	path := map[int]bool{}
	var stack []int
	var visit func(int) *CycleError
	visit = func(current int) *CycleError {
		if path[current] {
			return newCycleError(stack, current)
		}
		if visited[current] {
			return nil
		}
		visited[current] = true
		path[current] = true
		stack = append(stack, current)
		edges := g.deps[current]
		if current == taskID {
			edges = overlay
		}
		for _, dep := range edges {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path[current] = false
		stack = stack[:len(stack)-1]
		return nil
	}

	if cycleErr := visit(taskID); cycleErr != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDependency, cycleErr)
	}
	return nil
}

// HasCycle walks the current adjacency independently of Build. Always false
// after a successful Build; kept as an explicit diagnostic.
func (g *DependencyGraph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return detectCycle(g.order, g.deps) != nil
}

// BlockedTasks maps every unsatisfied task to its missing dependency ids,
// sorted, for blocker reporting.
func (g *DependencyGraph) BlockedTasks() map[int][]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	blocked := make(map[int][]int)
	for _, id := range g.order {
		if _, done := g.completed[id]; done {
			continue
		}
		if g.remaining[id] == 0 {
			continue
		}
		var missing []int
		for _, dep := range g.deps[id] {
			if _, done := g.completed[dep]; !done {
				missing = append(missing, dep)
			}
		}
		sort.Ints(missing)
		blocked[id] = missing
	}
	return blocked
}

// DependencyDepth returns the longest dependency chain beneath the task.
// Tasks without dependencies (and unknown ids) have depth zero.
func (g *DependencyGraph) DependencyDepth(taskID int) int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	memo := make(map[int]int)
	var depth func(int) int
	depth = func(id int) int {
		if d, ok := memo[id]; ok {
			return d
		}
		memo[id] = 0 // guards unknown ids and keeps recursion bounded
		max := 0
		for _, dep := range g.deps[id] {
			if d := depth(dep) + 1; d > max {
				max = d
			}
		}
		memo[id] = max
		return max
	}
	return depth(taskID)
}

// Clear resets the graph to the unbuilt state. Test/reset utility.
func (g *DependencyGraph) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.built = false
	g.order = nil
	g.deps = make(map[int][]int)
	g.dependents = make(map[int][]int)
	g.remaining = make(map[int]int)
	g.completed = make(map[int]struct{})
	g.logger.Debug("dependency graph cleared")
}

// snapshot copies the adjacency for planner queries.
func (g *DependencyGraph) snapshot() (order []int, deps map[int][]int, built bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	order = append([]int(nil), g.order...)
	deps = make(map[int][]int, len(g.deps))
	for id, list := range g.deps {
		deps[id] = append([]int(nil), list...)
	}
	return order, deps, g.built
}

// detectCycle runs a depth-first traversal from every node, tracking the
// recursion stack; revisiting a node still on the stack is a cycle. The
// returned error carries the cycle path with the entry node repeated last.
func detectCycle(order []int, deps map[int][]int) *CycleError {
	visited := make(map[int]bool, len(order))
	path := make(map[int]bool, len(order))
	var stack []int

	var visit func(int) *CycleError
	visit = func(current int) *CycleError {
		if path[current] {
			return newCycleError(stack, current)
		}
		if visited[current] {
			return nil
		}
		visited[current] = true
		path[current] = true
		stack = append(stack, current)
		for _, dep := range deps[current] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path[current] = false
		stack = stack[:len(stack)-1]
		return nil
	}

	for _, id := range order {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

func newCycleError(stack []int, entry int) *CycleError {
	start := 0
	for i, id := range stack {
		if id == entry {
			start = i
			break
		}
	}
	cycle := append(append([]int(nil), stack[start:]...), entry)
	return &CycleError{Cycle: cycle}
}
