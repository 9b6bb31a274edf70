// Loads per-location historical arrival-rate records. The CSV files are the
// single source of truth for vehicle demand: the learned controller can only
// influence signal timing, never arrivals.

package demand

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrDataNotFound indicates that no arrival-rate source exists (or could be
// parsed) for the requested location.
var ErrDataNotFound = errors.New("demand data not found")

// HourlyRecord holds the recorded traffic demand for one hour of the day.
// Immutable once loaded.
type HourlyRecord struct {
	Hour            int     // 0-23
	TimeSlot        string  // human label, e.g. "morning_peak"
	VehiclesPerHour int     // lambda: total arrivals per hour
	RateNorth       float64 // relative direction weights
	RateSouth       float64
	RateEast        float64
	RateWest        float64
	CongestionKM    float64 // average observed congestion length
}

// TotalRate returns the sum of the four direction weights.
func (r HourlyRecord) TotalRate() float64 {
	return r.RateNorth + r.RateSouth + r.RateEast + r.RateWest
}

// DemandLevel buckets an hourly arrival rate into a coarse severity class.
type DemandLevel string

const (
	DemandCritical DemandLevel = "critical"
	DemandHigh     DemandLevel = "high"
	DemandModerate DemandLevel = "moderate"
	DemandLow      DemandLevel = "low"
)

// ClassifyDemand maps vehicles-per-hour to a DemandLevel. Thresholds are
// fixed; they are part of the comparison methodology, not configuration.
func ClassifyDemand(vph int) DemandLevel {
	switch {
	case vph > 5000:
		return DemandCritical
	case vph > 3000:
		return DemandHigh
	case vph > 1000:
		return DemandModerate
	default:
		return DemandLow
	}
}

// Store lazily loads and caches arrival-rate records per location.
// A location is read from disk on first access and kept for the process
// lifetime; Reload forces a fresh read.
type Store struct {
	dataDir string

	mu        sync.Mutex
	locations map[string][]HourlyRecord
}

// NewStore creates a Store rooted at dataDir. Files are expected at
// <dataDir>/<location>/<location>_arrival_rates.csv.
func NewStore(dataDir string) *Store {
	return &Store{
		dataDir:   dataDir,
		locations: make(map[string][]HourlyRecord),
	}
}

// Load returns all hourly records for a location, reading the backing CSV on
// first access. Returns ErrDataNotFound when the file is absent or unparsable.
func (s *Store) Load(location string) ([]HourlyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(location)
}

// Reload discards any cached records for the location and reads them again.
func (s *Store) Reload(location string) ([]HourlyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locations, location)
	return s.loadLocked(location)
}

// Hour returns the record for a specific hour of the day. The second return
// value reports whether the hour is present in the loaded data.
func (s *Store) Hour(location string, hour int) (HourlyRecord, bool, error) {
	records, err := s.Load(location)
	if err != nil {
		return HourlyRecord{}, false, err
	}
	for _, r := range records {
		if r.Hour == hour {
			return r, true, nil
		}
	}
	return HourlyRecord{}, false, nil
}

// HourSummary is the preview row exposed for window selection.
type HourSummary struct {
	Hour            int         `json:"hour"`
	TimeSlot        string      `json:"time_slot"`
	VehiclesPerHour int         `json:"vehicles_per_hour"`
	Level           DemandLevel `json:"level"`
}

// AvailableHours lists the hours with recorded data for a location, sorted
// ascending, with their demand classification.
func (s *Store) AvailableHours(location string) ([]HourSummary, error) {
	records, err := s.Load(location)
	if err != nil {
		return nil, err
	}
	summaries := make([]HourSummary, 0, len(records))
	for _, r := range records {
		summaries = append(summaries, HourSummary{
			Hour:            r.Hour,
			TimeSlot:        r.TimeSlot,
			VehiclesPerHour: r.VehiclesPerHour,
			Level:           ClassifyDemand(r.VehiclesPerHour),
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Hour < summaries[j].Hour })
	return summaries, nil
}

func (s *Store) loadLocked(location string) ([]HourlyRecord, error) {
	if records, ok := s.locations[location]; ok {
		return records, nil
	}

	path := filepath.Join(s.dataDir, location, fmt.Sprintf("%s_arrival_rates.csv", location))
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: location %q (%s): %v", ErrDataNotFound, location, path, err)
	}
	defer file.Close()

	records, err := parseArrivalRates(file)
	if err != nil {
		return nil, fmt.Errorf("%w: location %q (%s): %v", ErrDataNotFound, location, path, err)
	}

	s.locations[location] = records
	logrus.Infof("Loaded %d hours of demand data for %s", len(records), location)
	return records, nil
}

// parseArrivalRates reads one CSV of hourly arrival rates. Columns are
// resolved by header name so column order in the source files is free.
func parseArrivalRates(r io.Reader) ([]HourlyRecord, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %v", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	for _, required := range []string{"hour", "lambda_per_hour"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing required column %q", required)
		}
	}

	field := func(record []string, name string) string {
		idx, ok := col[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return record[idx]
	}
	floatField := func(record []string, name string) float64 {
		v, err := strconv.ParseFloat(field(record, name), 64)
		if err != nil {
			return 0
		}
		return v
	}

	var records []HourlyRecord
	row := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading csv at row %d: %v", row, err)
		}

		hour, err := strconv.Atoi(field(record, "hour"))
		if err != nil || hour < 0 || hour > 23 {
			return nil, fmt.Errorf("invalid hour %q at row %d", field(record, "hour"), row)
		}
		// lambda_per_hour gives vehicles/hour directly; tolerate a float cell.
		lambda, err := strconv.ParseFloat(field(record, "lambda_per_hour"), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid lambda_per_hour at row %d: %v", row, err)
		}

		records = append(records, HourlyRecord{
			Hour:            hour,
			TimeSlot:        field(record, "time_slot"),
			VehiclesPerHour: int(lambda),
			RateNorth:       floatField(record, "north"),
			RateSouth:       floatField(record, "south"),
			RateEast:        floatField(record, "east"),
			RateWest:        floatField(record, "west"),
			CongestionKM:    floatField(record, "avg_congestion_km"),
		})
		row++
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no data rows")
	}
	return records, nil
}
