package scheduler

import (
	"fmt"
	"sort"

	"github.com/gammazero/toposort"
	"go.uber.org/zap"

	"github.com/t77yq/agentmesh/internal/model"
)

// Plan is a precomputed execution outline over a built graph.
type Plan struct {
	// ExecutionOrder is a valid serial order: every task appears after all
	// of its dependencies.
	ExecutionOrder []int `json:"execution_order"`

	// Waves groups tasks that can run concurrently. Tasks in wave n depend
	// only on tasks in earlier waves.
	Waves [][]int `json:"waves"`

	// CriticalPath is the dependency chain with the largest total estimate.
	// Its duration is the floor for the whole run no matter how many agents
	// work in parallel.
	CriticalPath        []int   `json:"critical_path"`
	CriticalPathMinutes float64 `json:"critical_path_minutes"`

	// Bottlenecks ranks tasks by how much downstream work their completion
	// unblocks.
	Bottlenecks []Bottleneck `json:"bottlenecks,omitempty"`
}

// Bottleneck flags a task gating downstream work.
type Bottleneck struct {
	TaskID     int `json:"task_id"`
	Dependents int `json:"dependents"` // direct plus transitive
}

// Planner derives execution outlines from a built dependency graph. It
// never mutates graph or scheduler state.
type Planner struct {
	logger *zap.Logger
	graph  *DependencyGraph
}

// NewPlanner creates a planner over the graph.
func NewPlanner(graph *DependencyGraph, logger *zap.Logger) *Planner {
	return &Planner{
		logger: logger.Named("planner"),
		graph:  graph,
	}
}

// Plan computes the outline for the built graph. The task list supplies
// duration estimates; tasks with none count as a minute. Dependencies on ids
// outside the graph never gate planning, they are surfaced separately by
// BlockedTasks.
func (p *Planner) Plan(tasks []model.Task) (*Plan, error) {
	order, deps, built := p.graph.snapshot()
	if !built {
		return nil, ErrGraphNotBuilt
	}
	if len(order) == 0 {
		return &Plan{}, nil
	}

	known := make(map[int]struct{}, len(order))
	position := make(map[int]int, len(order))
	for i, id := range order {
		known[id] = struct{}{}
		position[id] = i
	}

	// Forward edges restricted to tasks the graph actually holds, and the
	// reverse index over the same set.
	knownDeps := make(map[int][]int, len(order))
	dependents := make(map[int][]int)
	for _, id := range order {
		for _, dep := range deps[id] {
			if _, ok := known[dep]; !ok {
				continue
			}
			knownDeps[id] = append(knownDeps[id], dep)
			dependents[dep] = append(dependents[dep], id)
		}
	}

	executionOrder, err := p.topologicalOrder(order, knownDeps)
	if err != nil {
		return nil, err
	}

	waves, err := p.layerWaves(order, knownDeps, dependents)
	if err != nil {
		return nil, err
	}

	estimates := make(map[int]float64, len(tasks))
	for _, task := range tasks {
		if task.EstimateMinutes > 0 {
			estimates[task.ID] = task.EstimateMinutes
		}
	}
	criticalPath, criticalMinutes := longestChain(order, knownDeps, estimates)

	plan := &Plan{
		ExecutionOrder:      executionOrder,
		Waves:               waves,
		CriticalPath:        criticalPath,
		CriticalPathMinutes: criticalMinutes,
		Bottlenecks:         rankBottlenecks(order, dependents, position),
	}

	p.logger.Info("execution plan computed",
		zap.Int("tasks", len(order)),
		zap.Int("waves", len(waves)),
		zap.Float64("critical_path_minutes", criticalMinutes))
	return plan, nil
}

func (p *Planner) topologicalOrder(order []int, deps map[int][]int) ([]int, error) {
	var edges []toposort.Edge
	for _, id := range order {
		if len(deps[id]) == 0 {
			// Root tasks need a nil edge or the sort drops them.
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, dep := range deps[id] {
			edges = append(edges, toposort.Edge{dep, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("ordering tasks: %w", err)
	}

	result := make([]int, 0, len(order))
	for _, node := range sorted {
		if node != nil {
			result = append(result, node.(int))
		}
	}
	if len(result) != len(order) {
		return nil, fmt.Errorf("topological order lost tasks: got %d of %d", len(result), len(order))
	}
	return result, nil
}

// layerWaves peels the graph one indegree-zero layer at a time. Within a
// wave tasks keep declaration order.
func (p *Planner) layerWaves(order []int, deps map[int][]int, dependents map[int][]int) ([][]int, error) {
	indegree := make(map[int]int, len(order))
	for _, id := range order {
		indegree[id] = len(deps[id])
	}

	placed := make(map[int]struct{}, len(order))
	var waves [][]int
	for len(placed) < len(order) {
		var wave []int
		for _, id := range order {
			if _, done := placed[id]; done {
				continue
			}
			if indegree[id] == 0 {
				wave = append(wave, id)
			}
		}
		if len(wave) == 0 {
			return nil, fmt.Errorf("wave layering stalled with %d tasks unplaced", len(order)-len(placed))
		}
		for _, id := range wave {
			placed[id] = struct{}{}
			for _, dependent := range dependents[id] {
				indegree[dependent]--
			}
		}
		waves = append(waves, wave)
	}
	return waves, nil
}

// longestChain finds the dependency chain with the largest total estimate,
// returned root first. Ties resolve to the earliest declared task.
func longestChain(order []int, deps map[int][]int, estimates map[int]float64) ([]int, float64) {
	estimate := func(id int) float64 {
		if v, ok := estimates[id]; ok {
			return v
		}
		return defaultEstimateMinutes
	}

	cost := make(map[int]float64, len(order))
	next := make(map[int]int, len(order)) // id -> predecessor on its longest chain

	var chain func(id int) float64
	chain = func(id int) float64 {
		if v, ok := cost[id]; ok {
			return v
		}
		best := 0.0
		bestDep := 0
		found := false
		for _, dep := range deps[id] {
			c := chain(dep)
			if !found || c > best {
				best = c
				bestDep = dep
				found = true
			}
		}
		total := estimate(id) + best
		cost[id] = total
		if found {
			next[id] = bestDep
		}
		return total
	}

	var tail int
	var tailCost float64
	for i, id := range order {
		c := chain(id)
		if i == 0 || c > tailCost {
			tail = id
			tailCost = c
		}
	}

	var path []int
	for id := tail; ; {
		path = append(path, id)
		dep, ok := next[id]
		if !ok {
			break
		}
		id = dep
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, tailCost
}

// rankBottlenecks counts transitive dependents per task and keeps the top
// gatekeepers.
func rankBottlenecks(order []int, dependents map[int][]int, position map[int]int) []Bottleneck {
	var ranking []Bottleneck
	for _, id := range order {
		count := countReachable(id, dependents)
		if count == 0 {
			continue
		}
		ranking = append(ranking, Bottleneck{TaskID: id, Dependents: count})
	}

	sort.Slice(ranking, func(i, j int) bool {
		if ranking[i].Dependents != ranking[j].Dependents {
			return ranking[i].Dependents > ranking[j].Dependents
		}
		return position[ranking[i].TaskID] < position[ranking[j].TaskID]
	})
	if len(ranking) > maxBottlenecks {
		ranking = ranking[:maxBottlenecks]
	}
	return ranking
}

func countReachable(from int, dependents map[int][]int) int {
	seen := map[int]struct{}{from: {}}
	stack := append([]int(nil), dependents[from]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		stack = append(stack, dependents[id]...)
	}
	return len(seen) - 1
}
