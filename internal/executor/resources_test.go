package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setSample(g *ResourceGuard, cpuPct, memPct float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cpuPercent = cpuPct
	g.memPercent = memPct
	g.collectedAt = time.Now()
}

func TestResourceGuard_NoLimitsNeverBlocks(t *testing.T) {
	guard := NewResourceGuard(ResourceLimits{}, zap.NewNop())
	setSample(guard, 100, 100)

	start := time.Now()
	require.NoError(t, guard.Wait(context.Background()))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestResourceGuard_HeadroomPassesImmediately(t *testing.T) {
	guard := NewResourceGuard(ResourceLimits{MaxCPUPercent: 80, MaxMemoryPercent: 80}, zap.NewNop())
	setSample(guard, 12.5, 40)

	require.NoError(t, guard.Wait(context.Background()))
}

func TestResourceGuard_SaturatedCPUTimesOut(t *testing.T) {
	guard := NewResourceGuard(ResourceLimits{
		MaxCPUPercent: 50,
		MaxWait:       300 * time.Millisecond,
	}, zap.NewNop())
	setSample(guard, 99, 10)

	err := guard.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cpu saturated")
}

func TestResourceGuard_SaturatedMemoryTimesOut(t *testing.T) {
	guard := NewResourceGuard(ResourceLimits{
		MaxMemoryPercent: 70,
		MaxWait:          300 * time.Millisecond,
	}, zap.NewNop())
	setSample(guard, 5, 91)

	err := guard.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory saturated")
}

func TestResourceGuard_RecoversWhenLoadDrops(t *testing.T) {
	guard := NewResourceGuard(ResourceLimits{
		MaxCPUPercent: 50,
		MaxWait:       5 * time.Second,
	}, zap.NewNop())
	setSample(guard, 95, 10)

	go func() {
		time.Sleep(200 * time.Millisecond)
		setSample(guard, 20, 10)
	}()

	require.NoError(t, guard.Wait(context.Background()))
}

func TestResourceGuard_CanceledContext(t *testing.T) {
	guard := NewResourceGuard(ResourceLimits{MaxCPUPercent: 50}, zap.NewNop())
	setSample(guard, 99, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := guard.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
