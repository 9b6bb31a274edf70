// Newline-delimited JSON binding of the control protocol. The engine side is
// expected to run a small adapter translating these requests onto its native
// control channel; the wire shape stays engine-agnostic.

package engine

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// request is a single control command.
type request struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

// response mirrors a request by id. Exactly one of Result/Error is set.
type response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

// wireError carries the engine-side failure classification.
type wireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (w *wireError) kind() ErrorKind {
	switch w.Kind {
	case "session_active":
		return KindSessionActive
	case "command":
		return KindCommand
	case "timeout":
		return KindTimeout
	case "connection":
		return KindConnection
	default:
		return KindUnknown
	}
}

// jsonClient is the TCP ControlClient binding. One in-flight request at a
// time; the mutex only guards against accidental concurrent use, the
// protocol itself stays strictly request/response.
type jsonClient struct {
	mu      sync.Mutex
	conn    net.Conn
	scanner *bufio.Scanner
	nextID  int64
	timeout time.Duration
	broken  bool
}

// Dial opens a control channel to addr. connectTimeout bounds the TCP dial,
// requestTimeout bounds each subsequent request. Returns a connection-class
// ProtocolError when the engine endpoint is unreachable.
func Dial(addr string, connectTimeout, requestTimeout time.Duration) (ControlClient, error) {
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, &ProtocolError{Kind: KindConnection, Op: "dial", Err: err}
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &jsonClient{conn: conn, scanner: scanner, timeout: requestTimeout}, nil
}

// call sends one request and decodes the matching response into out.
//
// Any failure to read a well-formed matching response leaves the stream
// desynchronized (a late reply would pair with the wrong request), so the
// channel is marked broken and every later call fails connection-class.
// A lost tick is recoverable; a desynchronized channel is not.
func (c *jsonClient) call(method string, params map[string]any, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return &ProtocolError{Kind: KindConnection, Op: method, Err: fmt.Errorf("channel closed")}
	}
	if c.broken {
		return &ProtocolError{Kind: KindConnection, Op: method, Err: fmt.Errorf("channel broken by earlier failure")}
	}

	c.nextID++
	req := request{ID: c.nextID, Method: method, Params: params}
	payload, err := json.Marshal(req)
	if err != nil {
		return &ProtocolError{Kind: KindCommand, Op: method, Err: err}
	}

	deadline := time.Now().Add(c.timeout)
	if err := c.conn.SetDeadline(deadline); err != nil {
		c.broken = true
		return &ProtocolError{Kind: KindConnection, Op: method, Err: err}
	}
	if _, err := c.conn.Write(append(payload, '\n')); err != nil {
		c.broken = true
		return &ProtocolError{Kind: KindConnection, Op: method, Err: err}
	}

	if !c.scanner.Scan() {
		c.broken = true
		scanErr := c.scanner.Err()
		if scanErr == nil {
			scanErr = fmt.Errorf("channel closed by engine")
		}
		if nerr, ok := scanErr.(net.Error); ok && nerr.Timeout() {
			return &ProtocolError{Kind: KindTimeout, Op: method, Err: scanErr}
		}
		return &ProtocolError{Kind: KindConnection, Op: method, Err: scanErr}
	}

	var resp response
	if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
		c.broken = true
		return &ProtocolError{Kind: KindConnection, Op: method, Err: err}
	}
	if resp.ID != req.ID {
		c.broken = true
		return &ProtocolError{Kind: KindConnection, Op: method,
			Err: fmt.Errorf("response id %d does not match request id %d", resp.ID, req.ID)}
	}
	if resp.Error != nil {
		return &ProtocolError{Kind: resp.Error.kind(), Op: method,
			Err: fmt.Errorf("%s", resp.Error.Message)}
	}
	if out != nil {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			c.broken = true
			return &ProtocolError{Kind: KindConnection, Op: method, Err: err}
		}
	}
	return nil
}

func (c *jsonClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	// Best effort: tell the engine the session is over before dropping TCP.
	c.conn.SetDeadline(time.Now().Add(c.timeout))
	payload, _ := json.Marshal(request{ID: c.nextID + 1, Method: "close"})
	c.conn.Write(append(payload, '\n'))
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *jsonClient) Open(label string) error {
	return c.call("open", map[string]any{"label": label}, nil)
}

func (c *jsonClient) Step() error {
	return c.call("step", nil, nil)
}

func (c *jsonClient) SimTime() (float64, error) {
	var t float64
	err := c.call("sim_time", nil, &t)
	return t, err
}

func (c *jsonClient) JunctionIDs() ([]string, error) {
	var ids []string
	err := c.call("junction_ids", nil, &ids)
	return ids, err
}

func (c *jsonClient) LaneIDs() ([]string, error) {
	var ids []string
	err := c.call("lane_ids", nil, &ids)
	return ids, err
}

func (c *jsonClient) LaneOccupancy(lane string) (float64, error) {
	var v float64
	err := c.call("lane_occupancy", map[string]any{"lane": lane}, &v)
	return v, err
}

func (c *jsonClient) LaneHalting(lane string) (int, error) {
	var v int
	err := c.call("lane_halting", map[string]any{"lane": lane}, &v)
	return v, err
}

func (c *jsonClient) LaneMeanSpeed(lane string) (float64, error) {
	var v float64
	err := c.call("lane_mean_speed", map[string]any{"lane": lane}, &v)
	return v, err
}

func (c *jsonClient) LaneLength(lane string) (float64, error) {
	var v float64
	err := c.call("lane_length", map[string]any{"lane": lane}, &v)
	return v, err
}

func (c *jsonClient) LaneWaitingTime(lane string) (float64, error) {
	var v float64
	err := c.call("lane_waiting_time", map[string]any{"lane": lane}, &v)
	return v, err
}

func (c *jsonClient) Phase(junction string) (int, error) {
	var v int
	err := c.call("get_phase", map[string]any{"junction": junction}, &v)
	return v, err
}

func (c *jsonClient) SetPhase(junction string, phase int) error {
	return c.call("set_phase", map[string]any{"junction": junction, "phase": phase}, nil)
}

func (c *jsonClient) AddVehicle(id, typeID, origin, destination string) error {
	return c.call("add_vehicle", map[string]any{
		"id": id, "type": typeID, "origin": origin, "destination": destination,
	}, nil)
}

func (c *jsonClient) SetTypeSpeedFactor(typeID string, factor float64) error {
	return c.call("set_type_speed_factor", map[string]any{"type": typeID, "factor": factor}, nil)
}

func (c *jsonClient) VehicleCount() (int, error) {
	var v int
	err := c.call("vehicle_count", nil, &v)
	return v, err
}

func (c *jsonClient) MinExpected() (int, error) {
	var v int
	err := c.call("min_expected", nil, &v)
	return v, err
}

func (c *jsonClient) Departed() (int, error) {
	var v int
	err := c.call("departed_count", nil, &v)
	return v, err
}

func (c *jsonClient) Arrived() (int, error) {
	var v int
	err := c.call("arrived_count", nil, &v)
	return v, err
}
