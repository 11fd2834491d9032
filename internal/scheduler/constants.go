package scheduler

import "time"

const (
	// DefaultPassInterval is the ticker period between scheduling passes
	// when the config does not set one.
	DefaultPassInterval = 500 * time.Millisecond

	// defaultEstimateMinutes stands in for tasks without an estimate so
	// chain length still contributes to the critical path.
	defaultEstimateMinutes = 1.0

	// maxBottlenecks caps the ranking carried in a Plan.
	maxBottlenecks = 5

	// recurringIDBase starts the fresh-id range for instantiated template
	// tasks, far above anything an authored task list uses.
	recurringIDBase = 1_000_000
)
