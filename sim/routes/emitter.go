// Serializes a spawn schedule into the engine's trip-description artifact.
// The artifact is written once per run and shared by both sessions, so the
// two controllers see byte-identical vehicle arrivals.

package routes

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/traffic-twin/traffic-twin/sim/demand"
)

// ErrWriteFailure indicates the trip artifact could not be created or written.
var ErrWriteFailure = errors.New("route artifact write failure")

// VehicleType is one kinematic class definition in the trip artifact.
//
// These values are comparison policy, not physics: both sessions must load
// the exact same profiles or the run is not a controlled experiment.
type VehicleType struct {
	ID       string `xml:"id,attr"`
	Accel    string `xml:"accel,attr"`
	Decel    string `xml:"decel,attr"`
	Sigma    string `xml:"sigma,attr"`
	Length   string `xml:"length,attr"`
	MaxSpeed string `xml:"maxSpeed,attr"`
	GUIShape string `xml:"guiShape,attr"`
	VClass   string `xml:"vClass,attr,omitempty"`
	Color    string `xml:"color,attr,omitempty"`
}

// VehicleTypes returns the fixed kinematic profile set, in emission order.
func VehicleTypes() []VehicleType {
	return []VehicleType{
		{ID: "car", Accel: "2.6", Decel: "4.5", Sigma: "0.5", Length: "4.5", MaxSpeed: "50", GUIShape: "passenger"},
		{ID: "motorcycle", Accel: "4.0", Decel: "6.0", Sigma: "0.5", Length: "2.0", MaxSpeed: "60", GUIShape: "motorcycle"},
		{ID: "bus", Accel: "1.2", Decel: "3.0", Sigma: "0.5", Length: "12.0", MaxSpeed: "30", GUIShape: "bus"},
		{ID: "truck", Accel: "1.0", Decel: "3.0", Sigma: "0.5", Length: "10.0", MaxSpeed: "25", GUIShape: "truck"},
		{ID: "emergency", Accel: "3.0", Decel: "5.0", Sigma: "0.3", Length: "5.5", MaxSpeed: "60", GUIShape: "emergency", VClass: "emergency", Color: "1,0,0"},
	}
}

// trip is one vehicle departure row. Depart is pre-formatted to one decimal
// so repeated emissions of the same schedule are byte-identical.
type trip struct {
	ID          string `xml:"id,attr"`
	Type        string `xml:"type,attr"`
	Depart      string `xml:"depart,attr"`
	From        string `xml:"from,attr"`
	To          string `xml:"to,attr"`
	DepartLane  string `xml:"departLane,attr"`
	DepartSpeed string `xml:"departSpeed,attr"`
}

// document is the full trip artifact.
type document struct {
	XMLName xml.Name      `xml:"routes"`
	XMLNS   string        `xml:"xmlns:xsi,attr"`
	Schema  string        `xml:"xsi:noNamespaceSchemaLocation,attr"`
	Comment xml.Comment   `xml:",comment"`
	Types   []VehicleType `xml:"vType"`
	Trips   []trip        `xml:"trip"`
}

// Emitter writes spawn schedules as engine trip artifacts.
type Emitter struct{}

// NewEmitter creates an Emitter.
func NewEmitter() *Emitter {
	return &Emitter{}
}

// Emit writes the spawn schedule to path, sorted ascending by spawn time and
// preceded by the fixed vehicle-type definitions. The annotation string is
// embedded as a comment for provenance (location, window, seed).
func (e *Emitter) Emit(spawns []demand.VehicleSpawn, path string, annotation string) error {
	sorted := make([]demand.VehicleSpawn, len(spawns))
	copy(sorted, spawns)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].OffsetSeconds < sorted[j].OffsetSeconds
	})

	doc := document{
		XMLNS:   "http://www.w3.org/2001/XMLSchema-instance",
		Schema:  "http://sumo.dlr.de/xsd/routes_file.xsd",
		Comment: xml.Comment(fmt.Sprintf(" %d trips | %s ", len(sorted), annotation)),
		Types:   VehicleTypes(),
		Trips:   make([]trip, 0, len(sorted)),
	}
	for _, s := range sorted {
		doc.Trips = append(doc.Trips, trip{
			ID:          s.ID,
			Type:        string(s.Class),
			Depart:      strconv.FormatFloat(s.OffsetSeconds, 'f', 1, 64),
			From:        s.Origin,
			To:          s.Destination,
			DepartLane:  "best",
			DepartSpeed: "max",
		})
	}

	body, err := xml.MarshalIndent(doc, "", "    ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: %v", ErrWriteFailure, err)
		}
	}
	content := []byte(xml.Header + string(body) + "\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}

	logrus.Infof("Route artifact written: %s (%d trips)", path, len(sorted))
	return nil
}
