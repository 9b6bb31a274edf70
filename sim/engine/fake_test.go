package engine

import (
	"fmt"
	"time"
)

// fakeClient is a scriptable in-memory ControlClient.
type fakeClient struct {
	calls []string // ordered log of protocol operations

	openErrs []error // consumed one per Open call; nil = success
	closed   bool
	closeErr error

	stepErr      error
	junctions    []string
	lanes        []string
	occupancy    map[string]float64
	halting      map[string]int
	meanSpeed    map[string]float64
	length       map[string]float64
	waiting      map[string]float64
	phases       map[string]int
	simTime      float64
	vehicleCount int
	minExpected  int
	departed     int
	arrived      int
	speedFactors map[string]float64
	injected     []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		junctions:    []string{"J1"},
		lanes:        []string{"lane_a", "lane_b"},
		occupancy:    map[string]float64{"lane_a": 40, "lane_b": 10},
		halting:      map[string]int{"lane_a": 3, "lane_b": 1},
		meanSpeed:    map[string]float64{"lane_a": 5, "lane_b": 11},
		length:       map[string]float64{"lane_a": 100, "lane_b": 100},
		waiting:      map[string]float64{"lane_a": 30, "lane_b": 12},
		phases:       map[string]int{"J1": 2},
		vehicleCount: 4,
		minExpected:  10,
		speedFactors: map[string]float64{},
	}
}

func (f *fakeClient) record(op string) { f.calls = append(f.calls, op) }

func (f *fakeClient) Open(label string) error {
	f.record("open:" + label)
	if len(f.openErrs) == 0 {
		return nil
	}
	err := f.openErrs[0]
	f.openErrs = f.openErrs[1:]
	return err
}

func (f *fakeClient) Close() error {
	f.record("close")
	f.closed = true
	return f.closeErr
}

func (f *fakeClient) Step() error {
	f.record("step")
	if f.stepErr != nil {
		return f.stepErr
	}
	f.simTime += 1.0
	return nil
}

func (f *fakeClient) SimTime() (float64, error)      { return f.simTime, nil }
func (f *fakeClient) JunctionIDs() ([]string, error) { return f.junctions, nil }
func (f *fakeClient) LaneIDs() ([]string, error)     { return f.lanes, nil }

func (f *fakeClient) LaneOccupancy(l string) (float64, error)   { return f.occupancy[l], nil }
func (f *fakeClient) LaneHalting(l string) (int, error)         { return f.halting[l], nil }
func (f *fakeClient) LaneMeanSpeed(l string) (float64, error)   { return f.meanSpeed[l], nil }
func (f *fakeClient) LaneLength(l string) (float64, error)      { return f.length[l], nil }
func (f *fakeClient) LaneWaitingTime(l string) (float64, error) { return f.waiting[l], nil }

func (f *fakeClient) Phase(j string) (int, error) { return f.phases[j], nil }

func (f *fakeClient) SetPhase(j string, phase int) error {
	f.record(fmt.Sprintf("set_phase:%s:%d", j, phase))
	f.phases[j] = phase
	return nil
}

func (f *fakeClient) AddVehicle(id, typeID, origin, destination string) error {
	f.record("add_vehicle:" + id)
	f.injected = append(f.injected, id)
	return nil
}

func (f *fakeClient) SetTypeSpeedFactor(typeID string, factor float64) error {
	f.record("set_type_speed_factor:" + typeID)
	f.speedFactors[typeID] = factor
	return nil
}

func (f *fakeClient) VehicleCount() (int, error) { return f.vehicleCount, nil }
func (f *fakeClient) MinExpected() (int, error)  { return f.minExpected, nil }
func (f *fakeClient) Departed() (int, error)     { return f.departed, nil }
func (f *fakeClient) Arrived() (int, error)      { return f.arrived, nil }

// fakeProcess tracks termination.
type fakeProcess struct {
	pid        int
	terminated bool
}

func (p *fakeProcess) PID() int { return p.pid }
func (p *fakeProcess) Terminate(time.Duration) error {
	p.terminated = true
	return nil
}

// fakeLauncher hands out fakeProcesses, optionally failing.
type fakeLauncher struct {
	launchErr error
	launched  []*fakeProcess
}

func (l *fakeLauncher) Launch(spec LaunchSpec) (Process, error) {
	if l.launchErr != nil {
		return nil, l.launchErr
	}
	p := &fakeProcess{pid: 1000 + len(l.launched)}
	l.launched = append(l.launched, p)
	return p, nil
}

// fakeDialer returns the scripted clients in order, or an error.
type fakeDialer struct {
	clients []*fakeClient
	errs    []error
	dials   int
}

func (d *fakeDialer) dial(addr string, cfg Config) (ControlClient, error) {
	i := d.dials
	d.dials++
	if i < len(d.errs) && d.errs[i] != nil {
		return nil, d.errs[i]
	}
	if i < len(d.clients) {
		return d.clients[i], nil
	}
	return d.clients[len(d.clients)-1], nil
}
