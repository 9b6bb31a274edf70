// One SimulationSession owns one external engine process plus its control
// channel. The session enforces the lifecycle state machine and guarantees
// that no process or socket outlives a failed start or a stop.

package engine

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// State is the session lifecycle state.
type State int

const (
	Disconnected State = iota
	Starting
	Connected
	Stepping
	Faulted
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Starting:
		return "starting"
	case Connected:
		return "connected"
	case Stepping:
		return "stepping"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrEndOfSimulation is returned by Step when the engine reports no further
// expected vehicles and an empty network.
var ErrEndOfSimulation = errors.New("end of simulation")

// ErrNotConnected is returned for operations that need a live session.
var ErrNotConnected = errors.New("session not connected")

// StartFailure wraps any failure to bring a session up. By the time it is
// returned, process and channel are fully torn down.
type StartFailure struct {
	Label string
	Err   error
}

func (e *StartFailure) Error() string {
	return fmt.Sprintf("session %s failed to start: %v", e.Label, e.Err)
}

func (e *StartFailure) Unwrap() error { return e.Err }

// Handle is the mutable identity of a running session. Zeroed on stop so a
// later start can never observe stale identifiers.
type Handle struct {
	Label       string
	Connected   bool
	JunctionIDs []string
	LaneIDs     []string
	Departed    int
	Arrived     int
}

// MetricsSnapshot is one tick's aggregate view of a session.
type MetricsSnapshot struct {
	Time         float64 `json:"time"`
	VehicleCount int     `json:"vehicle_count"`
	QueueLength  int     `json:"queue_length"`
	WaitingTime  float64 `json:"waiting_time"`
	AvgSpeed     float64 `json:"avg_speed"`
	Departed     int     `json:"departed_vehicles"`
	Arrived      int     `json:"arrived_vehicles"`
	Throughput   int     `json:"throughput"`
}

// SignalState is the explicit per-junction view handed to policy and reward
// code: a fixed field set instead of a live engine object.
type SignalState struct {
	JunctionID  string
	LaneIDs     []string
	Densities   []float64 // per-lane occupancy, normalized to [0,1]
	Queues      []float64 // per-lane halting count / lane capacity, [0,1]
	Phase       int
	QueueLength int
	WaitingTime float64
}

// WeatherCondition adjusts vehicle speed profiles; it never changes demand.
type WeatherCondition string

const (
	WeatherClear WeatherCondition = "clear"
	WeatherRain  WeatherCondition = "rain"
	WeatherFog   WeatherCondition = "fog"
	WeatherStorm WeatherCondition = "storm"
)

// SpeedFactor returns the vehicle speed scale for a condition. Unknown
// conditions behave as clear.
func (w WeatherCondition) SpeedFactor() float64 {
	switch w {
	case WeatherRain:
		return 0.8
	case WeatherFog:
		return 0.6
	case WeatherStorm:
		return 0.5
	default:
		return 1.0
	}
}

// weatherTypes are the vehicle types rescaled by ApplyWeather.
var weatherTypes = []string{"car", "motorcycle", "bus", "truck", "emergency"}

// RunConfig references the artifacts one session run is bound to.
type RunConfig struct {
	ConfigFile  string // engine scenario config
	NetworkFile string // network artifact, must exist before launch
	RouteFile   string // shared trip artifact, must exist before launch
	UseGUI      bool
	ControlPort int
}

// Dialer opens a control channel to a launched engine.
type Dialer func(addr string, cfg Config) (ControlClient, error)

// DefaultDialer connects the JSON binding over TCP.
func DefaultDialer(addr string, cfg Config) (ControlClient, error) {
	return Dial(addr, cfg.ConnectTimeout, cfg.RequestTimeout)
}

// Session drives one engine instance through its lifecycle:
// Disconnected -> Starting -> Connected <-> Stepping -> Disconnected,
// with Faulted reachable from any state on a connection-class error.
//
// Not safe for concurrent use; the orchestrator serializes all calls.
type Session struct {
	label    string
	cfg      Config
	launcher Launcher
	dial     Dialer

	state  State
	client ControlClient
	proc   Process
	handle Handle
}

// NewSession creates a disconnected session with the given label.
func NewSession(label string, cfg Config, launcher Launcher, dial Dialer) *Session {
	if dial == nil {
		dial = DefaultDialer
	}
	return &Session{label: label, cfg: cfg, launcher: launcher, dial: dial}
}

// Label returns the session label.
func (s *Session) Label() string { return s.label }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Handle returns a copy of the session handle.
func (s *Session) Handle() Handle {
	h := s.handle
	h.JunctionIDs = append([]string(nil), s.handle.JunctionIDs...)
	h.LaneIDs = append([]string(nil), s.handle.LaneIDs...)
	return h
}

// Start verifies the run artifacts, launches the engine, opens the control
// channel and populates the handle. On any failure the process and channel
// are fully torn down before the typed StartFailure is returned.
func (s *Session) Start(run RunConfig) error {
	for _, artifact := range []string{run.NetworkFile, run.RouteFile} {
		if _, err := os.Stat(artifact); err != nil {
			return &StartFailure{Label: s.label, Err: fmt.Errorf("missing artifact %s: %w", artifact, err)}
		}
	}

	if s.handle.Connected {
		logrus.Warnf("Session %s still connected on start, forcing disconnect", s.label)
		s.Stop()
	}

	s.state = Starting

	proc, err := s.launcher.Launch(LaunchSpec{
		Label:       s.label,
		ConfigFile:  run.ConfigFile,
		UseGUI:      run.UseGUI,
		ControlPort: run.ControlPort,
	})
	if err != nil {
		s.state = Disconnected
		return &StartFailure{Label: s.label, Err: err}
	}
	s.proc = proc

	addr := fmt.Sprintf("127.0.0.1:%d", run.ControlPort)
	client, err := s.connect(addr)
	if err != nil {
		s.teardown()
		return &StartFailure{Label: s.label, Err: err}
	}
	s.client = client

	junctions, err := client.JunctionIDs()
	if err == nil {
		var lanes []string
		lanes, err = client.LaneIDs()
		if err == nil {
			s.handle = Handle{
				Label:       s.label,
				Connected:   true,
				JunctionIDs: junctions,
				LaneIDs:     lanes,
			}
		}
	}
	if err != nil {
		s.teardown()
		return &StartFailure{Label: s.label, Err: err}
	}

	s.state = Connected
	logrus.Infof("Session %s connected: %d junctions, %d lanes",
		s.label, len(s.handle.JunctionIDs), len(s.handle.LaneIDs))
	return nil
}

// connect dials and opens the labeled session--with exactly one forced-close
// retry when the engine reports the label as already active.
func (s *Session) connect(addr string) (ControlClient, error) {
	client, err := s.dial(addr, s.cfg)
	if err != nil {
		return nil, err
	}

	if err := client.Open(s.label); err != nil {
		if KindOf(err) != KindSessionActive {
			client.Close()
			return nil, err
		}
		logrus.Warnf("Session %s reported already active, forcing close and retrying once", s.label)
		client.Close()
		client, err = s.dial(addr, s.cfg)
		if err != nil {
			return nil, err
		}
		if err := client.Open(s.label); err != nil {
			client.Close()
			return nil, err
		}
	}
	return client, nil
}

// Step advances the engine one tick and returns the aggregate metrics, or
// ErrEndOfSimulation once the engine has nothing further to simulate.
func (s *Session) Step() (*MetricsSnapshot, error) {
	if !s.handle.Connected {
		return nil, ErrNotConnected
	}

	s.state = Stepping
	if err := s.client.Step(); err != nil {
		return nil, s.classifyStepError(err)
	}

	snap, err := s.collectMetrics()
	if err != nil {
		return nil, s.classifyStepError(err)
	}
	s.state = Connected

	minExpected, err := s.client.MinExpected()
	if err != nil {
		return nil, s.classifyStepError(err)
	}
	if minExpected == 0 && snap.VehicleCount == 0 {
		return snap, ErrEndOfSimulation
	}
	return snap, nil
}

// classifyStepError moves the session to Faulted on connection-class errors
// and passes the original error through.
func (s *Session) classifyStepError(err error) error {
	if IsConnectionError(err) {
		s.state = Faulted
	} else {
		s.state = Connected
	}
	return err
}

func (s *Session) collectMetrics() (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{}

	t, err := s.client.SimTime()
	if err != nil {
		return nil, err
	}
	snap.Time = t

	if snap.VehicleCount, err = s.client.VehicleCount(); err != nil {
		return nil, err
	}

	speedSum := 0.0
	for _, lane := range s.handle.LaneIDs {
		halting, err := s.client.LaneHalting(lane)
		if err != nil {
			return nil, err
		}
		snap.QueueLength += halting

		waiting, err := s.client.LaneWaitingTime(lane)
		if err != nil {
			return nil, err
		}
		snap.WaitingTime += waiting

		speed, err := s.client.LaneMeanSpeed(lane)
		if err != nil {
			return nil, err
		}
		speedSum += speed
	}
	if n := len(s.handle.LaneIDs); n > 0 {
		snap.AvgSpeed = speedSum / float64(n)
	}

	if snap.Departed, err = s.client.Departed(); err != nil {
		return nil, err
	}
	if snap.Arrived, err = s.client.Arrived(); err != nil {
		return nil, err
	}
	s.handle.Departed = snap.Departed
	s.handle.Arrived = snap.Arrived
	snap.Throughput = snap.Arrived
	return snap, nil
}

// obsLaneLimit caps the lanes folded into a SignalState observation; the
// learned policy's input dimension is fixed.
const obsLaneLimit = 8

// SignalState builds the explicit observation struct for one junction.
func (s *Session) SignalState(junction string) (*SignalState, error) {
	if !s.handle.Connected {
		return nil, ErrNotConnected
	}

	lanes := s.handle.LaneIDs
	if len(lanes) > obsLaneLimit {
		lanes = lanes[:obsLaneLimit]
	}

	state := &SignalState{
		JunctionID: junction,
		LaneIDs:    append([]string(nil), lanes...),
		Densities:  make([]float64, 0, obsLaneLimit),
		Queues:     make([]float64, 0, obsLaneLimit),
	}

	for _, lane := range lanes {
		occ, err := s.client.LaneOccupancy(lane)
		if err != nil {
			return nil, err
		}
		state.Densities = append(state.Densities, clamp01(occ/100.0))

		halting, err := s.client.LaneHalting(lane)
		if err != nil {
			return nil, err
		}
		state.QueueLength += halting

		length, err := s.client.LaneLength(lane)
		if err != nil {
			return nil, err
		}
		capacity := length / 5.0
		if capacity < 1 {
			capacity = 1
		}
		state.Queues = append(state.Queues, clamp01(float64(halting)/capacity))

		waiting, err := s.client.LaneWaitingTime(lane)
		if err != nil {
			return nil, err
		}
		state.WaitingTime += waiting
	}

	// Pad to the fixed observation width when the network has fewer lanes.
	for len(state.Densities) < obsLaneLimit {
		state.Densities = append(state.Densities, 0)
		state.Queues = append(state.Queues, 0)
	}

	phase, err := s.client.Phase(junction)
	if err != nil {
		return nil, err
	}
	state.Phase = phase
	return state, nil
}

// SetSignalPhase forwards a phase change; a logged no-op when disconnected.
func (s *Session) SetSignalPhase(junction string, phase int) error {
	if !s.handle.Connected {
		logrus.Warnf("Session %s: ignoring set_phase(%s,%d), not connected", s.label, junction, phase)
		return nil
	}
	return s.client.SetPhase(junction, phase)
}

// InjectVehicle adds a single externally-triggered vehicle.
func (s *Session) InjectVehicle(id string, class string, origin, destination string) error {
	if !s.handle.Connected {
		return ErrNotConnected
	}
	return s.client.AddVehicle(id, class, origin, destination)
}

// ApplyWeather rescales every vehicle type's speed profile for the condition.
func (s *Session) ApplyWeather(cond WeatherCondition) error {
	if !s.handle.Connected {
		return ErrNotConnected
	}
	factor := cond.SpeedFactor()
	for _, typeID := range weatherTypes {
		if err := s.client.SetTypeSpeedFactor(typeID, factor); err != nil {
			return err
		}
	}
	logrus.Infof("Session %s: weather %s applied (speed factor %.2f)", s.label, cond, factor)
	return nil
}

// Stop is idempotent. Protocol errors during close are swallowed, the owned
// process is terminated (killed if graceful exit times out), and the handle
// is reset on every exit path.
func (s *Session) Stop() error {
	var procErr error

	if s.client != nil {
		if err := s.client.Close(); err != nil {
			// A broken channel during close is expected on crashed engines.
			logrus.Debugf("Session %s: error closing control channel: %v", s.label, err)
		}
		s.client = nil
	}

	if s.proc != nil {
		procErr = s.proc.Terminate(s.cfg.StopGrace)
		s.proc = nil
	}

	s.handle = Handle{}
	s.state = Disconnected
	return procErr
}

// teardown releases everything after a failed start.
func (s *Session) teardown() {
	s.Stop()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
