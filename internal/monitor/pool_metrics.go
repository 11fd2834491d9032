package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/agentmesh/internal/model"
)

const (
	metricsStreamName     = "AGENTMESH_METRICS"
	metricsStreamSubjects = "agentmesh.metrics.>"
	poolMetricsSubject    = "agentmesh.metrics.pool"
	metricsStreamMaxAge   = 24 * time.Hour

	defaultMetricsInterval = 15 * time.Second
)

// StatsSource supplies pool occupancy counts. The agent pool implements it.
type StatsSource interface {
	Stats() model.PoolStats
}

// PoolMetrics periodically merges pool occupancy with host CPU/memory usage
// and publishes the combined sample for dashboards.
type PoolMetrics struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	source   StatsSource
	interval time.Duration

	mu     sync.RWMutex
	latest model.PoolStats

	stop chan struct{}
}

// NewPoolMetrics creates a collector. A nil JetStream context keeps samples
// local; Latest still works.
func NewPoolMetrics(source StatsSource, js nats.JetStreamContext, interval time.Duration, logger *zap.Logger) *PoolMetrics {
	if interval <= 0 {
		interval = defaultMetricsInterval
	}
	return &PoolMetrics{
		logger:   logger.Named("pool-metrics"),
		js:       js,
		source:   source,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start takes an initial sample and launches the collection loop.
func (c *PoolMetrics) Start(ctx context.Context) error {
	c.logger.Info("starting pool metrics collector",
		zap.Duration("interval", c.interval))

	if c.js != nil {
		_, err := c.js.AddStream(&nats.StreamConfig{
			Name:     metricsStreamName,
			Subjects: []string{metricsStreamSubjects},
			Storage:  nats.FileStorage,
			MaxAge:   metricsStreamMaxAge,
		})
		if err != nil {
			if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
				return fmt.Errorf("failed to create metrics stream: %w", err)
			}
			c.logger.Info("using existing stream", zap.String("stream", metricsStreamName))
		}
	}

	c.collect()
	go c.collectLoop(ctx)
	return nil
}

// Stop stops the collection loop.
func (c *PoolMetrics) Stop() {
	c.logger.Info("stopping pool metrics collector")
	close(c.stop)
}

// Latest returns the most recent combined sample.
func (c *PoolMetrics) Latest() model.PoolStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

func (c *PoolMetrics) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *PoolMetrics) collect() {
	stats := c.source.Stats()

	cpuPercent, err := cpu.Percent(time.Second, false)
	if err != nil || len(cpuPercent) == 0 {
		c.logger.Error("failed to sample cpu usage", zap.Error(err))
		return
	}
	memInfo, err := mem.VirtualMemory()
	if err != nil {
		c.logger.Error("failed to sample memory usage", zap.Error(err))
		return
	}

	stats.CPUPercent = cpuPercent[0]
	stats.MemoryPercent = memInfo.UsedPercent
	stats.CollectedAt = time.Now()

	c.mu.Lock()
	c.latest = stats
	c.mu.Unlock()

	if c.js != nil {
		data, err := json.Marshal(stats)
		if err != nil {
			c.logger.Error("failed to marshal pool stats", zap.Error(err))
			return
		}
		if _, err := c.js.Publish(poolMetricsSubject, data); err != nil {
			c.logger.Error("failed to publish pool stats", zap.Error(err))
			return
		}
	}

	c.logger.Debug("pool metrics collected",
		zap.Int("total_agents", stats.TotalAgents),
		zap.Int("busy_agents", stats.BusyAgents),
		zap.Float64("cpu_percent", stats.CPUPercent),
		zap.Float64("memory_percent", stats.MemoryPercent))
}
