// Converts a requested time window into exact per-direction vehicle counts
// and a deterministic per-vehicle spawn schedule. This is the critical path
// for a fair comparison: both controllers replay the exact same arrivals.

package demand

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/sirupsen/logrus"
)

// ErrInvalidWindow indicates a malformed demand window (end <= start, or an
// hour/minute component out of range).
var ErrInvalidWindow = errors.New("invalid demand window")

// Direction is a compass approach at a junction.
type Direction string

const (
	North Direction = "north"
	South Direction = "south"
	East  Direction = "east"
	West  Direction = "west"
)

// Directions is the fixed iteration order for all per-direction work.
// Generation walks directions in this order, so the order is part of the
// determinism contract.
var Directions = []Direction{North, South, East, West}

// Initial returns the single-letter prefix used in vehicle ids.
func (d Direction) Initial() string {
	if d == "" {
		return "x"
	}
	return string(d[0])
}

// EdgePair maps one approach to its primary entry edge and paired exit edge
// in the network.
type EdgePair struct {
	Entry string `yaml:"entry"`
	Exit  string `yaml:"exit"`
}

// EdgeTable holds the entry/exit edge pair per direction for one location.
type EdgeTable map[Direction]EdgePair

// Window is a minute-resolution time window within one day.
type Window struct {
	StartHour   int `json:"start_hour"`
	StartMinute int `json:"start_minute"`
	EndHour     int `json:"end_hour"`
	EndMinute   int `json:"end_minute"`
}

// Validate checks component ranges and that the window has positive length.
func (w Window) Validate() error {
	if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 23 {
		return fmt.Errorf("%w: hour must be in [0,23]", ErrInvalidWindow)
	}
	if w.StartMinute < 0 || w.StartMinute > 59 || w.EndMinute < 0 || w.EndMinute > 59 {
		return fmt.Errorf("%w: minute must be in [0,59]", ErrInvalidWindow)
	}
	if w.EndMinutes() <= w.StartMinutes() {
		return fmt.Errorf("%w: end %s must be after start %s", ErrInvalidWindow, w.endLabel(), w.startLabel())
	}
	return nil
}

// StartMinutes returns the start as minutes since midnight.
func (w Window) StartMinutes() int { return w.StartHour*60 + w.StartMinute }

// EndMinutes returns the end as minutes since midnight.
func (w Window) EndMinutes() int { return w.EndHour*60 + w.EndMinute }

// DurationMinutes returns the window length in minutes.
func (w Window) DurationMinutes() int { return w.EndMinutes() - w.StartMinutes() }

// DurationSeconds returns the window length in seconds.
func (w Window) DurationSeconds() float64 { return float64(w.DurationMinutes()) * 60 }

func (w Window) startLabel() string { return fmt.Sprintf("%02d:%02d", w.StartHour, w.StartMinute) }
func (w Window) endLabel() string   { return fmt.Sprintf("%02d:%02d", w.EndHour, w.EndMinute) }

// String renders the window as "08:10-08:25".
func (w Window) String() string { return w.startLabel() + "-" + w.endLabel() }

// DemandWindow is the pro-rated demand for one location and time window.
//
// Per-direction counts come from per-hour-chunk independent truncation, so
// their sum may differ slightly from TotalVehicles. That rounding behavior is
// part of the recorded methodology and is deliberately left uncorrected.
type DemandWindow struct {
	Location      string            `json:"location"`
	Window        Window            `json:"window"`
	TotalVehicles int               `json:"total_vehicles"`
	ByDirection   map[Direction]int `json:"by_direction"`
}

// DirectionTotal returns the sum of the per-direction counts.
func (dw *DemandWindow) DirectionTotal() int {
	total := 0
	for _, n := range dw.ByDirection {
		total += n
	}
	return total
}

// VehicleClass identifies a kinematic vehicle category.
type VehicleClass string

const (
	ClassCar        VehicleClass = "car"
	ClassMotorcycle VehicleClass = "motorcycle"
	ClassBus        VehicleClass = "bus"
	ClassTruck      VehicleClass = "truck"
	ClassEmergency  VehicleClass = "emergency"
)

// classCDF is the fixed cumulative vehicle-class mix: the first entry whose
// cumulative value is >= the drawn uniform wins.
var classCDF = []struct {
	Class      VehicleClass
	Cumulative float64
}{
	{ClassCar, 0.70},
	{ClassMotorcycle, 0.85},
	{ClassBus, 0.90},
	{ClassTruck, 1.00},
}

// VehicleSpawn is a single scheduled arrival. Immutable once generated.
type VehicleSpawn struct {
	ID            string       `json:"id"`
	OffsetSeconds float64      `json:"offset_seconds"` // in [0, window duration)
	Origin        string       `json:"origin_edge"`
	Destination   string       `json:"destination_edge"`
	Class         VehicleClass `json:"class"`
}

// turnProbability is the chance that a vehicle exits on a different
// direction's edge instead of the approach's paired exit.
const turnProbability = 0.20

// Scheduler derives demand windows from a Store and generates deterministic
// spawn schedules from them.
type Scheduler struct {
	store *Store
}

// NewScheduler creates a Scheduler backed by the given Store.
func NewScheduler(store *Store) *Scheduler {
	return &Scheduler{store: store}
}

// WindowDemand pro-rates the hourly records overlapping the window into exact
// vehicle counts.
//
// The window is walked minute-by-minute in hour-aligned chunks. Each chunk
// contributes floor(vph * minutes/60) vehicles to the total, and each
// direction receives floor(chunk * weight/totalWeight) independently per
// chunk. Hours with no record, and chunks whose direction weights sum to
// zero, contribute nothing to the split.
func (sch *Scheduler) WindowDemand(location string, w Window) (*DemandWindow, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if _, err := sch.store.Load(location); err != nil {
		return nil, err
	}

	dw := &DemandWindow{
		Location:    location,
		Window:      w,
		ByDirection: map[Direction]int{North: 0, South: 0, East: 0, West: 0},
	}

	current := w.StartMinutes()
	end := w.EndMinutes()
	for current < end {
		hour := current / 60
		chunkEnd := (hour + 1) * 60
		if chunkEnd > end {
			chunkEnd = end
		}
		minutes := chunkEnd - current

		record, ok, err := sch.store.Hour(location, hour)
		if err != nil {
			return nil, err
		}
		if ok {
			fraction := float64(minutes) / 60.0
			chunkVehicles := int(float64(record.VehiclesPerHour) * fraction)
			dw.TotalVehicles += chunkVehicles

			if totalRate := record.TotalRate(); totalRate > 0 {
				dw.ByDirection[North] += int(float64(chunkVehicles) * record.RateNorth / totalRate)
				dw.ByDirection[South] += int(float64(chunkVehicles) * record.RateSouth / totalRate)
				dw.ByDirection[East] += int(float64(chunkVehicles) * record.RateEast / totalRate)
				dw.ByDirection[West] += int(float64(chunkVehicles) * record.RateWest / totalRate)
			}
		}

		current = chunkEnd
	}

	logrus.Debugf("Window demand for %s %s: total=%d split=%v",
		location, w, dw.TotalVehicles, dw.ByDirection)
	return dw, nil
}

// GenerateSpawns turns a DemandWindow into an exact spawn schedule.
//
// Arrivals per direction follow a Poisson process with rate count/duration:
// exponential gaps are accumulated while the running clock stays inside the
// window. If the process exits the window early, the shortfall is topped up
// with uniform timestamps. The output always contains exactly the requested
// count per direction, sorted globally by spawn time.
//
// The result is fully determined by (dw, seed): per-direction arrival draws
// and class/turn assignment each use an isolated seeded RNG stream.
func (sch *Scheduler) GenerateSpawns(dw *DemandWindow, edges EdgeTable, seed int64) ([]VehicleSpawn, error) {
	duration := dw.Window.DurationSeconds()
	if duration <= 0 {
		return nil, fmt.Errorf("%w: zero-length window", ErrInvalidWindow)
	}

	prng := NewPartitionedRNG(NewScheduleKey(seed))
	assign := prng.ForSubsystem(SubsystemAssignment)

	spawns := make([]VehicleSpawn, 0, dw.DirectionTotal())
	for _, dir := range Directions {
		count := dw.ByDirection[dir]
		if count <= 0 {
			continue
		}
		pair, ok := edges[dir]
		if !ok {
			return nil, fmt.Errorf("no edge mapping for direction %s at %s", dir, dw.Location)
		}

		times := poissonArrivals(prng.ForSubsystem(SubsystemDirection(dir)), count, duration)
		exits := otherExits(edges, dir)

		for i, t := range times {
			destination := pair.Exit
			if assign.Float64() < turnProbability && len(exits) > 0 {
				destination = exits[assign.Intn(len(exits))]
			}
			spawns = append(spawns, VehicleSpawn{
				ID:            fmt.Sprintf("v_%s_%d", dir.Initial(), i+1),
				OffsetSeconds: t,
				Origin:        pair.Entry,
				Destination:   destination,
				Class:         drawClass(assign),
			})
		}
	}

	sort.SliceStable(spawns, func(i, j int) bool {
		return spawns[i].OffsetSeconds < spawns[j].OffsetSeconds
	})

	logrus.Infof("Generated %d spawns for %s %s (seed=%d)",
		len(spawns), dw.Location, dw.Window, seed)
	return spawns, nil
}

// poissonArrivals samples exactly count spawn offsets in [0, duration),
// sorted ascending. Exponential inter-arrival gaps model the Poisson
// process; uniform timestamps cover any shortfall once the running clock
// leaves the window. Offsets are truncated to 0.1s resolution, which keeps
// every value strictly below duration.
func poissonArrivals(rng *rand.Rand, count int, duration float64) []float64 {
	rate := float64(count) / duration

	times := make([]float64, 0, count)
	clock := 0.0
	for len(times) < count {
		gap := 1.0
		if rate > 0 {
			gap = rng.ExpFloat64() / rate
		}
		clock += gap
		if clock < duration {
			times = append(times, truncateOffset(clock))
			continue
		}
		for len(times) < count {
			times = append(times, truncateOffset(rng.Float64()*duration))
		}
	}

	sort.Float64s(times)
	return times[:count]
}

// truncateOffset floors an offset to one decimal place.
func truncateOffset(t float64) float64 {
	return math.Floor(t*10) / 10
}

// drawClass picks a vehicle class from the fixed cumulative distribution.
func drawClass(rng *rand.Rand) VehicleClass {
	r := rng.Float64()
	for _, entry := range classCDF {
		if entry.Cumulative >= r {
			return entry.Class
		}
	}
	// Unreachable unless floating error shaves the last cumulative below 1.
	return ClassCar
}

// otherExits lists exit edges belonging to every direction except dir, in
// fixed direction order.
func otherExits(edges EdgeTable, dir Direction) []string {
	exits := make([]string, 0, len(Directions)-1)
	for _, d := range Directions {
		if d == dir {
			continue
		}
		if pair, ok := edges[d]; ok {
			exits = append(exits, pair.Exit)
		}
	}
	return exits
}
