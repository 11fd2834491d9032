package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// ResourceLimits caps host usage before new tasks start. Zero disables the
// corresponding check.
type ResourceLimits struct {
	MaxCPUPercent    float64
	MaxMemoryPercent float64

	// MaxWait bounds how long a dispatch waits for headroom.
	MaxWait time.Duration
}

// ResourceGuard samples host CPU and memory and holds task starts while the
// host is saturated. Execution already in flight is never throttled.
type ResourceGuard struct {
	logger *zap.Logger
	limits ResourceLimits

	mu          sync.RWMutex
	cpuPercent  float64
	memPercent  float64
	collectedAt time.Time

	stop chan struct{}
}

// NewResourceGuard creates a guard; call Start to begin sampling.
func NewResourceGuard(limits ResourceLimits, logger *zap.Logger) *ResourceGuard {
	if limits.MaxWait <= 0 {
		limits.MaxWait = 2 * time.Minute
	}
	return &ResourceGuard{
		logger: logger.Named("resource-guard"),
		limits: limits,
		stop:   make(chan struct{}),
	}
}

// Start launches the sampling loop.
func (g *ResourceGuard) Start(ctx context.Context) error {
	g.logger.Info("starting resource guard",
		zap.Float64("max_cpu_percent", g.limits.MaxCPUPercent),
		zap.Float64("max_memory_percent", g.limits.MaxMemoryPercent))

	g.collect()
	go g.monitorLoop(ctx)
	return nil
}

// Stop stops the sampling loop.
func (g *ResourceGuard) Stop() {
	g.logger.Info("stopping resource guard")
	close(g.stop)
}

// Snapshot returns the latest host usage sample.
func (g *ResourceGuard) Snapshot() (cpuPercent, memPercent float64, collectedAt time.Time) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cpuPercent, g.memPercent, g.collectedAt
}

// Wait blocks until the host has headroom, backing off exponentially between
// checks. It gives up after MaxWait or when the context ends; callers may
// proceed anyway, the guard is advisory.
func (g *ResourceGuard) Wait(ctx context.Context) error {
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		cpuPct, memPct, _ := g.Snapshot()
		if g.limits.MaxCPUPercent > 0 && cpuPct >= g.limits.MaxCPUPercent {
			return fmt.Errorf("host cpu saturated: %.1f%% >= %.1f%%", cpuPct, g.limits.MaxCPUPercent)
		}
		if g.limits.MaxMemoryPercent > 0 && memPct >= g.limits.MaxMemoryPercent {
			return fmt.Errorf("host memory saturated: %.1f%% >= %.1f%%", memPct, g.limits.MaxMemoryPercent)
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = g.limits.MaxWait

	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}

func (g *ResourceGuard) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stop:
			return
		case <-ticker.C:
			g.collect()
		}
	}
}

// collect samples the host; failed samples keep the previous value.
func (g *ResourceGuard) collect() {
	percentages, cpuErr := cpu.Percent(time.Second, false)
	memInfo, memErr := mem.VirtualMemory()

	g.mu.Lock()
	defer g.mu.Unlock()

	if cpuErr != nil {
		g.logger.Error("failed to sample cpu usage", zap.Error(cpuErr))
	} else if len(percentages) > 0 {
		g.cpuPercent = percentages[0]
	}

	if memErr != nil {
		g.logger.Error("failed to sample memory usage", zap.Error(memErr))
	} else {
		g.memPercent = memInfo.UsedPercent
	}

	g.collectedAt = time.Now()

	g.logger.Debug("host usage sampled",
		zap.Float64("cpu_percent", g.cpuPercent),
		zap.Float64("memory_percent", g.memPercent))
}
