// The dual orchestrator owns exactly two engine sessions replaying the same
// emitted route artifact: one under the engine's fixed-time signal program,
// one under an external learned policy. It advances them in lockstep and is
// the single writer of the comparison feed.

package dual

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/traffic-twin/traffic-twin/sim/demand"
	"github.com/traffic-twin/traffic-twin/sim/engine"
	"github.com/traffic-twin/traffic-twin/sim/network"
	"github.com/traffic-twin/traffic-twin/sim/policy"
	"github.com/traffic-twin/traffic-twin/sim/routes"
)

// Session labels. The fixed session always starts, and steps, first.
const (
	LabelFixed = "fixed"
	LabelRL    = "rl"
)

// ErrRunComplete is returned by StepBoth when both sessions report end of
// simulation in the same tick.
var ErrRunComplete = errors.New("dual run complete")

// ErrNotRunning is returned for tick operations outside a live run.
var ErrNotRunning = errors.New("dual simulation not running")

// ErrAlreadyRunning rejects StartDual while a run is live.
var ErrAlreadyRunning = errors.New("dual simulation already running")

// Options tune the tick loop.
type Options struct {
	TickInterval time.Duration // wait between ticks
	StepBackoff  time.Duration // wait after a transient step failure
}

func (o Options) withDefaults() Options {
	if o.TickInterval <= 0 {
		o.TickInterval = 500 * time.Millisecond
	}
	if o.StepBackoff <= 0 {
		o.StepBackoff = time.Second
	}
	return o
}

// StartSummary reports what a successful StartDual set up.
type StartSummary struct {
	Demand    *demand.DemandWindow `json:"demand"`
	Spawns    int                  `json:"spawns"`
	RouteFile string               `json:"route_file"`
	Seed      int64                `json:"seed"`
}

// Status is the externally visible orchestrator state.
type Status struct {
	Running  bool                    `json:"running"`
	Location string                  `json:"location"`
	Window   string                  `json:"window"`
	Seed     int64                   `json:"seed"`
	Tick     int64                   `json:"tick"`
	Weather  engine.WeatherCondition `json:"weather"`
	Fixed    SessionStatus           `json:"fixed"`
	RL       SessionStatus           `json:"rl"`
	Summary  HistorySummary          `json:"summary"`
}

// SessionStatus summarizes one side.
type SessionStatus struct {
	State     string `json:"state"`
	Junctions int    `json:"junctions"`
	Lanes     int    `json:"lanes"`
	Departed  int    `json:"departed"`
	Arrived   int    `json:"arrived"`
}

// Orchestrator wires the demand pipeline to two lockstepped sessions.
//
// All session access is serialized through the orchestrator: each control
// channel is a single stateful connection and must never see overlapping
// calls. The mutex protects the run flag and status fields touched by
// external command surfaces; stepping itself happens on the tick loop only.
type Orchestrator struct {
	store    *demand.Store
	sched    *demand.Scheduler
	registry *network.Registry
	emitter  *routes.Emitter
	cfg      engine.Config
	opts     Options

	fixed *engine.Session
	rl    *engine.Session

	Broadcaster *Broadcaster
	History     *RunHistory

	mu          sync.Mutex
	running     bool
	location    network.Location
	window      demand.Window
	seed        int64
	tick        int64
	weather     engine.WeatherCondition
	lastSimTime float64
	emergencies int
}

// New creates an Orchestrator with its two sessions. launcher and dial may
// be swapped out by tests.
func New(store *demand.Store, registry *network.Registry, cfg engine.Config,
	launcher engine.Launcher, dial engine.Dialer, opts Options) *Orchestrator {
	return &Orchestrator{
		store:       store,
		sched:       demand.NewScheduler(store),
		registry:    registry,
		emitter:     routes.NewEmitter(),
		cfg:         cfg,
		opts:        opts.withDefaults(),
		fixed:       engine.NewSession(LabelFixed, cfg, launcher, dial),
		rl:          engine.NewSession(LabelRL, cfg, launcher, dial),
		Broadcaster: NewBroadcaster(),
		History:     NewRunHistory(),
		weather:     engine.WeatherClear,
	}
}

// Store exposes the demand store for read-only surfaces (hour previews).
func (o *Orchestrator) Store() *demand.Store { return o.store }

// PreviewDemand computes the demand window without touching any session.
func (o *Orchestrator) PreviewDemand(location string, w demand.Window) (*demand.DemandWindow, error) {
	return o.sched.WindowDemand(location, w)
}

// StartDual generates demand, emits the shared route artifact, and starts
// both sessions. All-or-nothing: a failure on either side leaves both
// sessions disconnected.
func (o *Orchestrator) StartDual(locationID string, w demand.Window, seed int64, useGUI bool) (*StartSummary, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	o.mu.Unlock()

	loc, ok := o.registry.Lookup(locationID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown location %q", demand.ErrDataNotFound, locationID)
	}

	dw, err := o.sched.WindowDemand(locationID, w)
	if err != nil {
		return nil, err
	}
	if dw.TotalVehicles == 0 {
		return nil, fmt.Errorf("%w: no demand recorded for %s %s", demand.ErrDataNotFound, locationID, w)
	}

	spawns, err := o.sched.GenerateSpawns(dw, loc.Edges, seed)
	if err != nil {
		return nil, err
	}

	routeFile := filepath.Join(o.cfg.NetworkDir, "routes_demand.rou.xml")
	annotation := fmt.Sprintf("location=%s window=%s seed=%d", locationID, w, seed)
	if err := o.emitter.Emit(spawns, routeFile, annotation); err != nil {
		return nil, err
	}

	netFile := filepath.Join(o.cfg.NetworkDir, loc.NetworkFile)
	cfgFile := filepath.Join(o.cfg.NetworkDir, "scenario.sumocfg")
	if err := writeScenarioConfig(cfgFile, loc.NetworkFile, filepath.Base(routeFile)); err != nil {
		return nil, err
	}

	run := engine.RunConfig{
		ConfigFile:  cfgFile,
		NetworkFile: netFile,
		RouteFile:   routeFile,
		UseGUI:      useGUI,
	}

	run.ControlPort = o.cfg.BasePort
	if err := o.fixed.Start(run); err != nil {
		o.stopBoth()
		return nil, err
	}
	run.ControlPort = o.cfg.BasePort + 1
	if err := o.rl.Start(run); err != nil {
		o.stopBoth()
		return nil, err
	}

	o.mu.Lock()
	o.running = true
	o.location = loc
	o.window = w
	o.seed = seed
	o.tick = 0
	o.weather = engine.WeatherClear
	o.lastSimTime = 0
	o.emergencies = 0
	o.mu.Unlock()
	o.History.Reset()

	logrus.Infof("Dual simulation running: %s %s, %d vehicles, seed=%d",
		locationID, w, len(spawns), seed)
	return &StartSummary{Demand: dw, Spawns: len(spawns), RouteFile: routeFile, Seed: seed}, nil
}

// StepBoth performs one lockstep tick: query the policy and apply its phase
// choices to the rl session, then step fixed, then rl, exactly once each.
// Demand is unaffected by this ordering: both sessions consume the same
// pre-generated schedule, only signal timing may differ.
func (o *Orchestrator) StepBoth(provider policy.Provider) (*ComparisonSnapshot, error) {
	if !o.IsRunning() {
		return nil, ErrNotRunning
	}

	o.applyPolicy(provider)

	fixedSnap, fixedErr := o.fixed.Step()
	rlSnap, rlErr := o.rl.Step()

	fixedDone := errors.Is(fixedErr, engine.ErrEndOfSimulation)
	rlDone := errors.Is(rlErr, engine.ErrEndOfSimulation)
	if fixedErr != nil && !fixedDone {
		return nil, fmt.Errorf("fixed session step: %w", fixedErr)
	}
	if rlErr != nil && !rlDone {
		return nil, fmt.Errorf("rl session step: %w", rlErr)
	}

	o.mu.Lock()
	o.tick++
	o.lastSimTime = fixedSnap.Time
	tick := o.tick
	o.mu.Unlock()

	snap := &ComparisonSnapshot{
		Tick:       tick,
		SimTime:    fixedSnap.Time,
		Fixed:      *fixedSnap,
		RL:         *rlSnap,
		Comparison: Compare(*fixedSnap, *rlSnap),
	}
	o.History.Record(snap)

	if fixedDone && rlDone {
		return snap, ErrRunComplete
	}
	return snap, nil
}

// applyPolicy queries the provider per controlled junction on the rl side
// and forwards phase decisions. Policy errors are never fatal to the tick.
func (o *Orchestrator) applyPolicy(provider policy.Provider) {
	if provider == nil {
		return
	}
	for _, junction := range o.rl.Handle().JunctionIDs {
		state, err := o.rl.SignalState(junction)
		if err != nil {
			logrus.Warnf("Observation failed for junction %s: %v", junction, err)
			continue
		}
		action, err := provider.Action(o.observation(state))
		if errors.Is(err, policy.ErrNoDecision) {
			continue
		}
		if err != nil {
			logrus.Warnf("Policy error for junction %s: %v", junction, err)
			continue
		}
		if err := o.rl.SetSignalPhase(junction, action); err != nil {
			logrus.Warnf("set_phase(%s,%d) failed: %v", junction, action, err)
		}
	}
}

// observation converts a SignalState into the policy input vector.
func (o *Orchestrator) observation(state *engine.SignalState) policy.Observation {
	o.mu.Lock()
	simTime := o.lastSimTime
	startSeconds := float64(o.window.StartMinutes()) * 60
	weather := o.weather
	o.mu.Unlock()

	dayFraction := math.Mod(startSeconds+simTime, 86400) / 86400
	return policy.Observation{
		LaneDensities: state.Densities,
		LaneQueues:    state.Queues,
		Phase:         float64(state.Phase) / 4.0,
		TimeOfDay:     dayFraction,
		Weather:       weather.SpeedFactor(),
	}
}

// Run drives the cooperative tick loop until the run completes, the context
// is cancelled, or a connection-class failure forces shutdown. Transient
// step errors are logged and retried after a bounded backoff.
func (o *Orchestrator) Run(ctx context.Context, provider policy.Provider) error {
	for {
		if ctx.Err() != nil {
			o.StopAll()
			return ctx.Err()
		}
		if !o.IsRunning() {
			return nil
		}

		snap, err := o.StepBoth(provider)
		switch {
		case err == nil:
			o.Broadcaster.Publish(*snap)
		case errors.Is(err, ErrRunComplete):
			o.Broadcaster.Publish(*snap)
			logrus.Infof("Dual run complete after %d ticks", snap.Tick)
			return o.StopAll()
		case errors.Is(err, ErrNotRunning):
			return nil
		case engine.IsConnectionError(err):
			logrus.Errorf("Connection failure during tick, shutting down both sessions: %v", err)
			stopErr := o.StopAll()
			return errors.Join(err, stopErr)
		default:
			logrus.Warnf("Transient step failure, backing off %s: %v", o.opts.StepBackoff, err)
			if !sleepCtx(ctx, o.opts.StepBackoff) {
				o.StopAll()
				return ctx.Err()
			}
			continue
		}

		if o.Broadcaster.SubscriberCount() == 0 {
			logrus.Debugf("Tick %d published with no subscribers", snap.Tick)
		}
		if o.opts.TickInterval > 0 && !sleepCtx(ctx, o.opts.TickInterval) {
			o.StopAll()
			return ctx.Err()
		}
	}
}

// sleepCtx waits for d; returns false if the context ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// InjectEmergency adds one emergency vehicle to BOTH sessions. Externally
// triggered and symmetric; never originates from the policy.
func (o *Orchestrator) InjectEmergency(kind string) error {
	if !o.IsRunning() {
		return ErrNotRunning
	}
	switch kind {
	case "ambulance", "fire_truck", "police":
	default:
		return fmt.Errorf("unknown emergency kind %q", kind)
	}

	o.mu.Lock()
	o.emergencies++
	id := fmt.Sprintf("emergency_%s_%d", kind, o.emergencies)
	pair := o.location.Edges[demand.North]
	o.mu.Unlock()

	fixedErr := o.fixed.InjectVehicle(id, string(demand.ClassEmergency), pair.Entry, pair.Exit)
	rlErr := o.rl.InjectVehicle(id, string(demand.ClassEmergency), pair.Entry, pair.Exit)
	if err := errors.Join(fixedErr, rlErr); err != nil {
		return fmt.Errorf("emergency injection was not symmetric: %w", err)
	}
	logrus.Infof("Emergency %s injected into both sessions as %s", kind, id)
	return nil
}

// ApplyWeather applies a weather condition identically to both sessions.
func (o *Orchestrator) ApplyWeather(cond engine.WeatherCondition) error {
	if !o.IsRunning() {
		return ErrNotRunning
	}
	fixedErr := o.fixed.ApplyWeather(cond)
	rlErr := o.rl.ApplyWeather(cond)
	if err := errors.Join(fixedErr, rlErr); err != nil {
		return fmt.Errorf("weather application was not symmetric: %w", err)
	}
	o.mu.Lock()
	o.weather = cond
	o.mu.Unlock()
	return nil
}

// SetPhase manually forces a junction phase on one or both sessions.
// target is "fixed", "rl" or "both".
func (o *Orchestrator) SetPhase(junction string, phase int, target string) error {
	if !o.IsRunning() {
		return ErrNotRunning
	}
	switch target {
	case "fixed":
		return o.fixed.SetSignalPhase(junction, phase)
	case "rl":
		return o.rl.SetSignalPhase(junction, phase)
	case "both":
		return errors.Join(
			o.fixed.SetSignalPhase(junction, phase),
			o.rl.SetSignalPhase(junction, phase),
		)
	default:
		return fmt.Errorf("unknown phase target %q", target)
	}
}

// StopAll stops both sessions regardless of individual failures and reports
// them aggregated. Idempotent: repeated calls succeed and change nothing.
func (o *Orchestrator) StopAll() error {
	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
	return o.stopBoth()
}

func (o *Orchestrator) stopBoth() error {
	var fixedErr, rlErr error
	if err := o.fixed.Stop(); err != nil {
		fixedErr = fmt.Errorf("fixed session stop: %w", err)
	}
	if err := o.rl.Stop(); err != nil {
		rlErr = fmt.Errorf("rl session stop: %w", err)
	}
	return errors.Join(fixedErr, rlErr)
}

// IsRunning reports whether a dual run is live.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Status reports the current orchestrator state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	st := Status{
		Running:  o.running,
		Location: o.location.ID,
		Window:   o.window.String(),
		Seed:     o.seed,
		Tick:     o.tick,
		Weather:  o.weather,
	}
	o.mu.Unlock()

	st.Fixed = sessionStatus(o.fixed)
	st.RL = sessionStatus(o.rl)
	st.Summary = o.History.Summary()
	return st
}

func sessionStatus(s *engine.Session) SessionStatus {
	h := s.Handle()
	return SessionStatus{
		State:     s.State().String(),
		Junctions: len(h.JunctionIDs),
		Lanes:     len(h.LaneIDs),
		Departed:  h.Departed,
		Arrived:   h.Arrived,
	}
}

// writeScenarioConfig emits the engine scenario config both sessions load.
func writeScenarioConfig(path, netFile, routeFile string) error {
	content := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<configuration>
    <input>
        <net-file value="%s"/>
        <route-files value="%s"/>
    </input>
</configuration>
`, netFile, routeFile)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write scenario config %s: %w", path, err)
	}
	return nil
}
