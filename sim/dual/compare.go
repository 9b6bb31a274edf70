package dual

import (
	"github.com/traffic-twin/traffic-twin/sim/engine"
)

// Advantage expresses each metric so that positive means the learned
// controller is doing better: queues and waits are fixed minus rl, while
// throughput is rl minus fixed.
type Advantage struct {
	Queue      int     `json:"queue"`
	Wait       float64 `json:"wait"`
	Throughput int     `json:"throughput"`
}

// Comparison is the per-tick metric delta between the two sessions.
// Diffs are rl minus fixed throughout.
type Comparison struct {
	QueueDiff      int       `json:"queue_diff"`
	WaitTimeDiff   float64   `json:"wait_time_diff"`
	ThroughputDiff int       `json:"throughput_diff"`
	VehicleDiff    int       `json:"vehicle_diff"`
	Advantage      Advantage `json:"advantage"`
}

// ComparisonSnapshot is the live feed message for one orchestrator tick.
// Transient: recomputed every tick, never persisted.
type ComparisonSnapshot struct {
	Tick       int64                  `json:"step"`
	SimTime    float64                `json:"time"`
	Fixed      engine.MetricsSnapshot `json:"fixed"`
	RL         engine.MetricsSnapshot `json:"rl"`
	Comparison Comparison             `json:"comparison"`
}

// Compare computes the comparison block from one tick's metric pair.
func Compare(fixed, rl engine.MetricsSnapshot) Comparison {
	return Comparison{
		QueueDiff:      rl.QueueLength - fixed.QueueLength,
		WaitTimeDiff:   rl.WaitingTime - fixed.WaitingTime,
		ThroughputDiff: rl.Throughput - fixed.Throughput,
		VehicleDiff:    rl.VehicleCount - fixed.VehicleCount,
		Advantage: Advantage{
			Queue:      fixed.QueueLength - rl.QueueLength,
			Wait:       fixed.WaitingTime - rl.WaitingTime,
			Throughput: rl.Throughput - fixed.Throughput,
		},
	}
}
