package dual

import (
	"sync"

	"gonum.org/v1/gonum/stat"
)

// RunHistory accumulates per-tick advantage series for the current run and
// produces the summary statistics exposed through Status. Reset on every
// StartDual.
type RunHistory struct {
	mu            sync.Mutex
	queueAdv      []float64
	waitAdv       []float64
	throughputAdv []float64
}

// NewRunHistory creates an empty RunHistory.
func NewRunHistory() *RunHistory {
	return &RunHistory{}
}

// Record appends one tick's advantage values.
func (h *RunHistory) Record(snap *ComparisonSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queueAdv = append(h.queueAdv, float64(snap.Comparison.Advantage.Queue))
	h.waitAdv = append(h.waitAdv, snap.Comparison.Advantage.Wait)
	h.throughputAdv = append(h.throughputAdv, float64(snap.Comparison.Advantage.Throughput))
}

// Reset discards all recorded ticks.
func (h *RunHistory) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queueAdv = h.queueAdv[:0]
	h.waitAdv = h.waitAdv[:0]
	h.throughputAdv = h.throughputAdv[:0]
}

// HistorySummary aggregates a run's advantage series.
type HistorySummary struct {
	Ticks                   int     `json:"ticks"`
	MeanQueueAdvantage      float64 `json:"mean_queue_advantage"`
	QueueAdvantageStdDev    float64 `json:"queue_advantage_stddev"`
	MeanWaitAdvantage       float64 `json:"mean_wait_advantage"`
	MeanThroughputAdvantage float64 `json:"mean_throughput_advantage"`
}

// Summary computes aggregate statistics over the recorded ticks.
func (h *RunHistory) Summary() HistorySummary {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := HistorySummary{Ticks: len(h.queueAdv)}
	if s.Ticks == 0 {
		return s
	}
	s.MeanQueueAdvantage = stat.Mean(h.queueAdv, nil)
	s.MeanWaitAdvantage = stat.Mean(h.waitAdv, nil)
	s.MeanThroughputAdvantage = stat.Mean(h.throughputAdv, nil)
	if s.Ticks > 1 {
		s.QueueAdvantageStdDev = stat.StdDev(h.queueAdv, nil)
	}
	return s
}
