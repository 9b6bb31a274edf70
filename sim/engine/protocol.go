// Typed surface of the engine's control protocol. The engine itself is an
// external black box; this package only defines the capability interface a
// binding must provide and the error taxonomy callers switch on.

package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies protocol failures. Recovery decisions switch on the
// kind, never on message text.
type ErrorKind int

const (
	// KindUnknown is an unclassified protocol failure.
	KindUnknown ErrorKind = iota
	// KindConnection covers transport-level failures: the control channel is
	// unusable and the session must be torn down.
	KindConnection
	// KindSessionActive means the engine reported an already-active session
	// for the requested label. A forced close plus one retry is allowed.
	KindSessionActive
	// KindCommand covers a rejected or malformed individual command; the
	// channel itself remains usable.
	KindCommand
	// KindTimeout means a request did not complete within its deadline.
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindSessionActive:
		return "session_active"
	case KindCommand:
		return "command"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ProtocolError is a classified control-protocol failure.
type ProtocolError struct {
	Kind ErrorKind
	Op   string // protocol operation that failed
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol %s error in %s: %v", e.Kind, e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind from an error chain. Non-protocol errors
// report KindUnknown.
func KindOf(err error) ErrorKind {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindUnknown
}

// IsConnectionError reports whether the error chain contains a
// connection-class protocol failure.
func IsConnectionError(err error) bool {
	return KindOf(err) == KindConnection
}

// ControlClient is the stateful request/response channel into one engine
// session. Implementations are not safe for concurrent use: the channel
// carries a single in-flight request, and callers must serialize access.
type ControlClient interface {
	// Open binds the channel to a labeled session. Returns a
	// KindSessionActive error if the engine already has a live session
	// under that label.
	Open(label string) error
	// Close ends the session and releases the channel.
	Close() error

	// Step advances simulated time by one engine tick.
	Step() error

	// SimTime returns the current simulated time in seconds.
	SimTime() (float64, error)

	// JunctionIDs lists the signal-controlled junctions.
	JunctionIDs() ([]string, error)
	// LaneIDs lists the network lanes (internal lanes excluded).
	LaneIDs() ([]string, error)

	// Per-lane reads.
	LaneOccupancy(lane string) (float64, error)   // percent, 0-100
	LaneHalting(lane string) (int, error)         // vehicles at standstill
	LaneMeanSpeed(lane string) (float64, error)   // m/s
	LaneLength(lane string) (float64, error)      // meters
	LaneWaitingTime(lane string) (float64, error) // accumulated seconds

	// Signal control.
	Phase(junction string) (int, error)
	SetPhase(junction string, phase int) error

	// AddVehicle injects a vehicle of the given type on a route.
	AddVehicle(id, typeID, origin, destination string) error
	// SetTypeSpeedFactor scales the speed profile of a vehicle type.
	SetTypeSpeedFactor(typeID string, factor float64) error

	// Aggregate counters.
	VehicleCount() (int, error)
	MinExpected() (int, error) // vehicles still expected to enter or running
	Departed() (int, error)
	Arrived() (int, error)
}
