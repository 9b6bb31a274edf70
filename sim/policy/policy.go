// Package policy defines the decision surface the orchestrator queries for
// the learned-control session. The actual learned model is an external
// collaborator; this package only fixes the observation/action contract and
// ships trivial baseline providers.
package policy

import "errors"

// ErrNoDecision signals that the provider declines to override the current
// phase this tick. The orchestrator skips the junction and moves on.
var ErrNoDecision = errors.New("no policy decision")

// Observation is the fixed-width state vector for one junction. Field widths
// must match the layout the learned model was trained against.
type Observation struct {
	LaneDensities []float64 // per-lane occupancy in [0,1]
	LaneQueues    []float64 // per-lane queue fill in [0,1]
	Phase         float64   // current phase, normalized
	TimeOfDay     float64   // simulated hour / 24
	Weather       float64   // speed factor of the active weather condition
}

// Vector flattens the observation in training layout order.
func (o Observation) Vector() []float64 {
	v := make([]float64, 0, len(o.LaneDensities)+len(o.LaneQueues)+3)
	v = append(v, o.LaneDensities...)
	v = append(v, o.LaneQueues...)
	return append(v, o.Phase, o.TimeOfDay, o.Weather)
}

// Provider maps an observation to the signal phase to apply.
type Provider interface {
	Action(obs Observation) (int, error)
}

// Passthrough never overrides the engine's own signal program. It stands in
// for the learned provider when no model is wired up, which makes the two
// sessions behave identically -- useful for calibration runs.
type Passthrough struct{}

func (Passthrough) Action(Observation) (int, error) {
	return 0, ErrNoDecision
}

// RoundRobin cycles through phases regardless of state. A deterministic
// stand-in used by tests and dry runs.
type RoundRobin struct {
	Phases int
	next   int
}

func (r *RoundRobin) Action(Observation) (int, error) {
	if r.Phases <= 0 {
		return 0, ErrNoDecision
	}
	phase := r.next
	r.next = (r.next + 1) % r.Phases
	return phase, nil
}
