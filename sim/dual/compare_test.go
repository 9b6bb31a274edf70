package dual

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traffic-twin/traffic-twin/sim/engine"
)

func TestCompare_IdenticalSnapshotsZeroOut(t *testing.T) {
	snap := engine.MetricsSnapshot{
		Time:         120,
		VehicleCount: 40,
		QueueLength:  12,
		WaitingTime:  300.5,
		AvgSpeed:     7.2,
		Throughput:   18,
	}

	c := Compare(snap, snap)

	assert.Equal(t, Comparison{}, c, "identical inputs must produce all-zero diffs")
}

func TestCompare_SignConventions(t *testing.T) {
	fixed := engine.MetricsSnapshot{QueueLength: 20, WaitingTime: 400, Throughput: 10, VehicleCount: 50}
	rl := engine.MetricsSnapshot{QueueLength: 12, WaitingTime: 250, Throughput: 16, VehicleCount: 44}

	c := Compare(fixed, rl)

	// Diffs are rl minus fixed.
	assert.Equal(t, -8, c.QueueDiff)
	assert.InDelta(t, -150, c.WaitTimeDiff, 1e-9)
	assert.Equal(t, 6, c.ThroughputDiff)
	assert.Equal(t, -6, c.VehicleDiff)

	// A learned controller with shorter queues, less waiting and more
	// throughput shows positive advantage on every axis.
	assert.Equal(t, 8, c.Advantage.Queue)
	assert.InDelta(t, 150, c.Advantage.Wait, 1e-9)
	assert.Equal(t, 6, c.Advantage.Throughput)
}

func TestRunHistory_SummaryStatistics(t *testing.T) {
	h := NewRunHistory()
	for _, adv := range []int{2, 4, 6} {
		h.Record(&ComparisonSnapshot{
			Comparison: Comparison{
				Advantage: Advantage{Queue: adv, Wait: float64(adv) * 10, Throughput: adv - 3},
			},
		})
	}

	s := h.Summary()

	assert.Equal(t, 3, s.Ticks)
	assert.InDelta(t, 4.0, s.MeanQueueAdvantage, 1e-9)
	assert.InDelta(t, 2.0, s.QueueAdvantageStdDev, 1e-9)
	assert.InDelta(t, 40.0, s.MeanWaitAdvantage, 1e-9)
	assert.InDelta(t, 0.0, s.MeanThroughputAdvantage, 1e-9)
}

func TestRunHistory_EmptyAndReset(t *testing.T) {
	h := NewRunHistory()
	assert.Equal(t, HistorySummary{}, h.Summary())

	h.Record(&ComparisonSnapshot{Comparison: Comparison{Advantage: Advantage{Queue: 5}}})
	require.Equal(t, 1, h.Summary().Ticks)

	h.Reset()
	assert.Equal(t, HistorySummary{}, h.Summary())
}
