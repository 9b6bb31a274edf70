package dual

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traffic-twin/traffic-twin/sim/demand"
	"github.com/traffic-twin/traffic-twin/sim/engine"
	"github.com/traffic-twin/traffic-twin/sim/network"
	"github.com/traffic-twin/traffic-twin/sim/policy"
)

const testCSV = `hour,time_slot,lambda_per_hour,north,south,east,west,avg_congestion_km
8,morning_peak,5200,0.4,0.3,0.15,0.15,5.1
`

// callLog records protocol operations across both fake sessions so tests can
// assert cross-session ordering.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, entry)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) indexOf(entry string) int {
	for i, c := range l.snapshot() {
		if c == entry {
			return i
		}
	}
	return -1
}

// stubClient is a minimal ControlClient whose step count drives the
// end-of-simulation condition.
type stubClient struct {
	label        string
	log          *callLog
	stepsLeft    int // MinExpected/VehicleCount reach zero when exhausted
	steps        int
	stepErr      error
	stepFailures int // Step calls that fail with stepErr; negative = all
	phases       map[string]int
	factors      map[string]float64
	injected     []string
	closed       bool
}

func newStubClient(label string, log *callLog, stepsLeft int) *stubClient {
	return &stubClient{
		label:     label,
		log:       log,
		stepsLeft: stepsLeft,
		phases:    map[string]int{"J1": 0},
		factors:   map[string]float64{},
	}
}

func (c *stubClient) Open(label string) error { return nil }
func (c *stubClient) Close() error {
	c.closed = true
	return nil
}

func (c *stubClient) Step() error {
	c.log.add(c.label + ":step")
	if c.stepFailures != 0 {
		c.stepFailures--
		return c.stepErr
	}
	c.steps++
	return nil
}

func (c *stubClient) SimTime() (float64, error)      { return float64(c.steps), nil }
func (c *stubClient) JunctionIDs() ([]string, error) { return []string{"J1"}, nil }
func (c *stubClient) LaneIDs() ([]string, error)     { return []string{"lane_a"}, nil }

func (c *stubClient) LaneOccupancy(string) (float64, error)   { return 20, nil }
func (c *stubClient) LaneHalting(string) (int, error)         { return 2, nil }
func (c *stubClient) LaneMeanSpeed(string) (float64, error)   { return 9, nil }
func (c *stubClient) LaneLength(string) (float64, error)      { return 100, nil }
func (c *stubClient) LaneWaitingTime(string) (float64, error) { return 15, nil }

func (c *stubClient) Phase(j string) (int, error) { return c.phases[j], nil }
func (c *stubClient) SetPhase(j string, phase int) error {
	c.log.add(fmt.Sprintf("%s:set_phase:%s:%d", c.label, j, phase))
	c.phases[j] = phase
	return nil
}

func (c *stubClient) AddVehicle(id, typeID, origin, destination string) error {
	c.injected = append(c.injected, id)
	return nil
}

func (c *stubClient) SetTypeSpeedFactor(typeID string, factor float64) error {
	c.factors[typeID] = factor
	return nil
}

func (c *stubClient) VehicleCount() (int, error) {
	if c.steps >= c.stepsLeft {
		return 0, nil
	}
	return 3, nil
}

func (c *stubClient) MinExpected() (int, error) {
	if c.steps >= c.stepsLeft {
		return 0, nil
	}
	return 3, nil
}

func (c *stubClient) Departed() (int, error) { return c.steps, nil }
func (c *stubClient) Arrived() (int, error)  { return c.steps, nil }

type stubProcess struct{ terminated bool }

func (p *stubProcess) PID() int                      { return 4242 }
func (p *stubProcess) Terminate(time.Duration) error { p.terminated = true; return nil }

type stubLauncher struct {
	procs []*stubProcess
}

func (l *stubLauncher) Launch(engine.LaunchSpec) (engine.Process, error) {
	p := &stubProcess{}
	l.procs = append(l.procs, p)
	return p, nil
}

// harness bundles an orchestrator wired to stub sessions over temp dirs.
type harness struct {
	orch      *Orchestrator
	fixed     *stubClient
	rl        *stubClient
	launcher  *stubLauncher
	log       *callLog
	rlDialErr error
}

func newHarness(t *testing.T, stepsLeft int) *harness {
	t.Helper()

	dataDir := t.TempDir()
	locDir := filepath.Join(dataDir, "silk_board")
	require.NoError(t, os.MkdirAll(locDir, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(locDir, "silk_board_arrival_rates.csv"), []byte(testCSV), 0o644))

	networkDir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(networkDir, "silk_board.net.xml"), []byte("<net/>"), 0o644))

	cfg := engine.Config{
		StepLength:     1.0,
		BasePort:       8813,
		ConnectTimeout: time.Second,
		RequestTimeout: time.Second,
		StopGrace:      10 * time.Millisecond,
		NetworkDir:     networkDir,
		DataDir:        dataDir,
	}

	h := &harness{
		log:      &callLog{},
		launcher: &stubLauncher{},
	}
	h.fixed = newStubClient(LabelFixed, h.log, stepsLeft)
	h.rl = newStubClient(LabelRL, h.log, stepsLeft)

	dial := func(addr string, cfg engine.Config) (engine.ControlClient, error) {
		switch addr {
		case "127.0.0.1:8813":
			return h.fixed, nil
		case "127.0.0.1:8814":
			if h.rlDialErr != nil {
				return nil, h.rlDialErr
			}
			return h.rl, nil
		default:
			return nil, fmt.Errorf("unexpected control address %s", addr)
		}
	}

	store := demand.NewStore(cfg.DataDir)
	h.orch = New(store, network.NewRegistry(), cfg, h.launcher, dial,
		Options{TickInterval: time.Millisecond, StepBackoff: time.Millisecond})
	return h
}

func window() demand.Window { return demand.Window{StartHour: 8, StartMinute: 0, EndHour: 8, EndMinute: 15} }

func TestStartDual_EmitsArtifactAndStartsBoth(t *testing.T) {
	h := newHarness(t, 100)

	summary, err := h.orch.StartDual("silk_board", window(), 42, false)
	require.NoError(t, err)

	assert.Equal(t, 1300, summary.Demand.TotalVehicles)
	assert.Equal(t, summary.Demand.DirectionTotal(), summary.Spawns)
	_, statErr := os.Stat(summary.RouteFile)
	assert.NoError(t, statErr, "shared route artifact must exist")
	assert.True(t, h.orch.IsRunning())

	st := h.orch.Status()
	assert.Equal(t, "connected", st.Fixed.State)
	assert.Equal(t, "connected", st.RL.State)
	assert.Equal(t, "silk_board", st.Location)
}

func TestStartDual_UnknownLocation(t *testing.T) {
	h := newHarness(t, 100)

	_, err := h.orch.StartDual("atlantis", window(), 42, false)

	assert.ErrorIs(t, err, demand.ErrDataNotFound)
	assert.False(t, h.orch.IsRunning())
}

func TestStartDual_WhileRunning_Rejected(t *testing.T) {
	h := newHarness(t, 100)
	_, err := h.orch.StartDual("silk_board", window(), 42, false)
	require.NoError(t, err)

	_, err = h.orch.StartDual("silk_board", window(), 42, false)

	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestStartDual_RLFailure_LeavesBothDisconnected(t *testing.T) {
	// GIVEN an rl side whose control channel cannot be opened
	h := newHarness(t, 100)
	h.rlDialErr = &engine.ProtocolError{Kind: engine.KindConnection, Op: "dial", Err: errors.New("refused")}

	// WHEN the dual start is attempted
	_, err := h.orch.StartDual("silk_board", window(), 42, false)

	// THEN it fails and no session is left running
	var sf *engine.StartFailure
	require.ErrorAs(t, err, &sf)
	assert.False(t, h.orch.IsRunning())
	st := h.orch.Status()
	assert.Equal(t, "disconnected", st.Fixed.State)
	assert.Equal(t, "disconnected", st.RL.State)
	assert.True(t, h.fixed.closed, "fixed channel closed after rl failure")
	for _, p := range h.launcher.procs {
		assert.True(t, p.terminated, "all launched engines terminated")
	}
}

func TestStepBoth_FixedStepsStrictlyBeforeRL(t *testing.T) {
	h := newHarness(t, 100)
	_, err := h.orch.StartDual("silk_board", window(), 42, false)
	require.NoError(t, err)

	_, err = h.orch.StepBoth(policy.Passthrough{})
	require.NoError(t, err)

	fixedIdx := h.log.indexOf("fixed:step")
	rlIdx := h.log.indexOf("rl:step")
	require.NotEqual(t, -1, fixedIdx)
	require.NotEqual(t, -1, rlIdx)
	assert.Less(t, fixedIdx, rlIdx, "fixed.step must precede rl.step within a tick")
}

func TestStepBoth_PolicyActionAppliedToRLBeforeStepping(t *testing.T) {
	h := newHarness(t, 100)
	_, err := h.orch.StartDual("silk_board", window(), 42, false)
	require.NoError(t, err)

	_, err = h.orch.StepBoth(&policy.RoundRobin{Phases: 4})
	require.NoError(t, err)

	calls := h.log.snapshot()
	phaseIdx := h.log.indexOf("rl:set_phase:J1:0")
	require.NotEqual(t, -1, phaseIdx, "policy phase applied to rl session; calls=%v", calls)
	assert.Less(t, phaseIdx, h.log.indexOf("fixed:step"), "action application precedes stepping")
	assert.Equal(t, -1, h.log.indexOf("fixed:set_phase:J1:0"), "policy never touches the fixed session")
}

func TestStepBoth_BuildsComparisonSnapshot(t *testing.T) {
	h := newHarness(t, 100)
	_, err := h.orch.StartDual("silk_board", window(), 42, false)
	require.NoError(t, err)

	snap, err := h.orch.StepBoth(policy.Passthrough{})
	require.NoError(t, err)

	assert.Equal(t, int64(1), snap.Tick)
	assert.Equal(t, 1.0, snap.SimTime)
	assert.Equal(t, snap.RL.QueueLength-snap.Fixed.QueueLength, snap.Comparison.QueueDiff)
}

func TestStepBoth_BothEndOfSimulation_RunComplete(t *testing.T) {
	h := newHarness(t, 1)
	_, err := h.orch.StartDual("silk_board", window(), 42, false)
	require.NoError(t, err)

	snap, err := h.orch.StepBoth(policy.Passthrough{})

	assert.ErrorIs(t, err, ErrRunComplete)
	require.NotNil(t, snap, "final snapshot still produced")
	assert.Equal(t, int64(1), snap.Tick)
}

func TestStepBoth_NotRunning(t *testing.T) {
	h := newHarness(t, 100)

	_, err := h.orch.StepBoth(policy.Passthrough{})

	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestRun_DrivesLoopToCompletionAndBroadcasts(t *testing.T) {
	h := newHarness(t, 3)
	_, err := h.orch.StartDual("silk_board", window(), 42, false)
	require.NoError(t, err)

	feed, cancel := h.orch.Broadcaster.Subscribe()
	defer cancel()

	ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	require.NoError(t, h.orch.Run(ctx, policy.Passthrough{}))

	assert.False(t, h.orch.IsRunning())
	var ticks []int64
	for snap := range feed {
		ticks = append(ticks, snap.Tick)
		if len(ticks) == 3 {
			break
		}
	}
	assert.Equal(t, []int64{1, 2, 3}, ticks)

	summary := h.orch.History.Summary()
	assert.Equal(t, 3, summary.Ticks)
}

func TestRun_ConnectionErrorShutsDownBothSessions(t *testing.T) {
	// GIVEN a fixed session whose control channel breaks mid-run
	h := newHarness(t, 100)
	_, err := h.orch.StartDual("silk_board", window(), 42, false)
	require.NoError(t, err)
	h.fixed.stepErr = &engine.ProtocolError{Kind: engine.KindConnection, Op: "step", Err: errors.New("broken pipe")}
	h.fixed.stepFailures = -1

	// WHEN the loop hits the failure
	ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	err = h.orch.Run(ctx, policy.Passthrough{})

	// THEN the run ends with the connection error and both sessions are torn
	// down; no backoff-and-retry against a dead channel.
	require.Error(t, err)
	assert.True(t, engine.IsConnectionError(err))
	assert.False(t, h.orch.IsRunning())
	st := h.orch.Status()
	assert.Equal(t, "disconnected", st.Fixed.State)
	assert.Equal(t, "disconnected", st.RL.State)
	assert.True(t, h.fixed.closed)
	assert.True(t, h.rl.closed)
}

func TestRun_TransientStepErrorBacksOffAndContinues(t *testing.T) {
	// GIVEN a fixed session that rejects exactly one step command
	h := newHarness(t, 2)
	_, err := h.orch.StartDual("silk_board", window(), 42, false)
	require.NoError(t, err)
	h.fixed.stepErr = &engine.ProtocolError{Kind: engine.KindCommand, Op: "step", Err: errors.New("rejected")}
	h.fixed.stepFailures = 1

	ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	err = h.orch.Run(ctx, policy.Passthrough{})

	// THEN the loop retried past the transient failure and ran to completion.
	require.NoError(t, err)
	assert.False(t, h.orch.IsRunning())
	assert.Equal(t, 2, h.orch.History.Summary().Ticks)

	fixedSteps := 0
	for _, call := range h.log.snapshot() {
		if call == "fixed:step" {
			fixedSteps++
		}
	}
	assert.Equal(t, 3, fixedSteps, "one rejected attempt plus two successful ticks")
}

func TestStopAll_IdempotentAcrossRepeatedCalls(t *testing.T) {
	h := newHarness(t, 100)
	_, err := h.orch.StartDual("silk_board", window(), 42, false)
	require.NoError(t, err)

	require.NoError(t, h.orch.StopAll())
	before := h.orch.Status()

	require.NoError(t, h.orch.StopAll())
	after := h.orch.Status()

	assert.Equal(t, before, after, "second stop must leave state unchanged")
	assert.Equal(t, "disconnected", after.Fixed.State)
	assert.Equal(t, "disconnected", after.RL.State)
}

func TestInjectEmergency_SymmetricAcrossSessions(t *testing.T) {
	h := newHarness(t, 100)
	_, err := h.orch.StartDual("silk_board", window(), 42, false)
	require.NoError(t, err)

	require.NoError(t, h.orch.InjectEmergency("ambulance"))

	require.Len(t, h.fixed.injected, 1)
	require.Len(t, h.rl.injected, 1)
	assert.Equal(t, h.fixed.injected[0], h.rl.injected[0], "same vehicle id on both sides")
}

func TestInjectEmergency_UnknownKind(t *testing.T) {
	h := newHarness(t, 100)
	_, err := h.orch.StartDual("silk_board", window(), 42, false)
	require.NoError(t, err)

	assert.Error(t, h.orch.InjectEmergency("tank"))
}

func TestApplyWeather_AppliedToBothSessions(t *testing.T) {
	h := newHarness(t, 100)
	_, err := h.orch.StartDual("silk_board", window(), 42, false)
	require.NoError(t, err)

	require.NoError(t, h.orch.ApplyWeather(engine.WeatherFog))

	assert.InDelta(t, 0.6, h.fixed.factors["car"], 1e-9)
	assert.InDelta(t, 0.6, h.rl.factors["car"], 1e-9)
	assert.Equal(t, engine.WeatherFog, h.orch.Status().Weather)
}

func TestSetPhase_TargetSelection(t *testing.T) {
	h := newHarness(t, 100)
	_, err := h.orch.StartDual("silk_board", window(), 42, false)
	require.NoError(t, err)

	require.NoError(t, h.orch.SetPhase("J1", 2, "fixed"))
	assert.NotEqual(t, -1, h.log.indexOf("fixed:set_phase:J1:2"))
	assert.Equal(t, -1, h.log.indexOf("rl:set_phase:J1:2"))

	require.NoError(t, h.orch.SetPhase("J1", 3, "both"))
	assert.NotEqual(t, -1, h.log.indexOf("fixed:set_phase:J1:3"))
	assert.NotEqual(t, -1, h.log.indexOf("rl:set_phase:J1:3"))

	assert.Error(t, h.orch.SetPhase("J1", 1, "neither"))
}

func TestPreviewDemand_NoSessionsTouched(t *testing.T) {
	h := newHarness(t, 100)

	dw, err := h.orch.PreviewDemand("silk_board", window())
	require.NoError(t, err)

	assert.Equal(t, 1300, dw.TotalVehicles)
	assert.Empty(t, h.launcher.procs, "preview must not launch engines")
}
