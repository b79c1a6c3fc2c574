package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"kbotrt/core"
	"kbotrt/protocol"
)

// Message names the bus needs from the supervisor dictionary
const (
	cmdQuery     = "actuator_query"
	cmdCommand   = "actuator_command"
	cmdFeedback  = "actuator_feedback"
	cmdConfigure = "actuator_configure"
	cmdEnable    = "actuator_enable"
	cmdDisable   = "actuator_disable"

	respState  = "actuator_state"
	respResult = "actuator_result"
	respStatus = "actuator_status"
)

// actuator_state flag bits
const (
	flagOnline = 1 << iota
	flagPosition
	flagVelocity
	flagTorque
	flagTemperature
)

// actuator_command flag bits mark which optional setpoints are present
const (
	setVelocity = 1 << iota
	setTorque
)

// Status is a per-actuator outcome code reported by the supervisor
type Status uint8

const (
	StatusOK Status = iota
	StatusTimeout
	StatusFault
	StatusOffline
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTimeout:
		return "timeout"
	case StatusFault:
		return "fault"
	case StatusOffline:
		return "offline"
	case StatusRejected:
		return "rejected"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// StatusError is a non-OK per-actuator status
type StatusError struct {
	ID     core.ActuatorID
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("actuator %d: %s", e.ID, e.Status)
}

var errNoResponse = errors.New("no response from supervisor")

// DefaultResponseTimeout bounds how long one exchange waits for replies
const DefaultResponseTimeout = 10 * time.Millisecond

// Bus implements the actuator bus over a supervisor link. One exchange
// runs at a time.
type Bus struct {
	link    *Link
	timeout time.Duration

	mu sync.Mutex

	ids map[string]uint16
}

// NewBus checks the dictionary for every message the bus uses
func NewBus(link *Link, responseTimeout time.Duration) (*Bus, error) {
	dict := link.Dictionary()
	if dict == nil {
		return nil, ErrNotConnected
	}
	commands := []string{cmdQuery, cmdCommand, cmdFeedback, cmdConfigure, cmdEnable, cmdDisable}
	responses := []string{respState, respResult, respStatus}
	if err := dict.Require(commands, responses); err != nil {
		return nil, err
	}

	ids := make(map[string]uint16, len(responses))
	for _, r := range responses {
		ids[r], _ = dict.ResponseID(r)
	}

	if responseTimeout <= 0 {
		responseTimeout = DefaultResponseTimeout
	}
	return &Bus{link: link, timeout: responseTimeout, ids: ids}, nil
}

// GetActuatorsState queries ids and returns one state per actuator that
// answered. Actuators reported offline are included with Online false.
func (b *Bus) GetActuatorsState(ctx context.Context, ids []core.ActuatorID) ([]core.ActuatorState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.link.Discard()
	if err := b.link.Send(ctx, cmdQuery, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQBytes(out, idBytes(ids))
	}); err != nil {
		return nil, fmt.Errorf("failed to query actuators: %w", err)
	}

	want := make(map[core.ActuatorID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	states := make([]core.ActuatorState, 0, len(ids))
	err := b.collect(ctx, respState, len(ids), func(payload []byte) error {
		s, err := decodeState(payload)
		if err != nil {
			return err
		}
		if !want[s.ID] {
			return nil
		}
		delete(want, s.ID)
		states = append(states, s)
		return nil
	})
	if err != nil && !errors.Is(err, errNoResponse) {
		return nil, err
	}
	if len(want) > 0 {
		slog.Debug("actuators did not report state", "missing", len(want))
	}
	return states, nil
}

// CommandActuators sends one command per actuator and collects a result
// for each. Actuators without a reply get a failed result.
func (b *Bus) CommandActuators(ctx context.Context, cmds []core.ActuatorCommand) ([]core.ActuatorResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.link.Discard()
	results := make([]core.ActuatorResult, len(cmds))
	slot := make(map[core.ActuatorID]int, len(cmds))
	sent := 0

	for i, c := range cmds {
		results[i] = core.ActuatorResult{ID: c.ID, Err: errNoResponse}
		if err := b.link.Send(ctx, cmdCommand, func(out protocol.OutputBuffer) {
			encodeCommand(out, c)
		}); err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			results[i].Err = err
			continue
		}
		slot[c.ID] = i
		sent++
	}

	err := b.collect(ctx, respResult, sent, func(payload []byte) error {
		id, status, err := decodeStatus(payload)
		if err != nil {
			return err
		}
		i, ok := slot[id]
		if !ok {
			return nil
		}
		results[i] = statusResult(id, status)
		return nil
	})
	if err != nil && !errors.Is(err, errNoResponse) {
		return nil, err
	}
	return results, nil
}

// RequestFeedback asks the supervisor to refresh ids without waiting for data
func (b *Bus) RequestFeedback(ctx context.Context, ids []core.ActuatorID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.link.Send(ctx, cmdFeedback, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQBytes(out, idBytes(ids))
	})
}

// Configure sets gains and limits on one actuator
func (b *Bus) Configure(ctx context.Context, id core.ActuatorID, cfg core.ActuatorConfig) error {
	return b.statusExchange(ctx, cmdConfigure, id, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(id))
		protocol.EncodeMilli(out, cfg.Kp)
		protocol.EncodeMilli(out, cfg.Kd)
		protocol.EncodeMilli(out, cfg.MaxTorque)
		protocol.EncodeMilli(out, cfg.MaxVelocity)
		protocol.EncodeMilli(out, cfg.MaxCurrent)
	})
}

// Enable turns torque on for one actuator
func (b *Bus) Enable(ctx context.Context, id core.ActuatorID) error {
	return b.statusExchange(ctx, cmdEnable, id, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(id))
	})
}

// Disable turns torque off for one actuator
func (b *Bus) Disable(ctx context.Context, id core.ActuatorID) error {
	return b.statusExchange(ctx, cmdDisable, id, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(id))
	})
}

func (b *Bus) statusExchange(ctx context.Context, name string, id core.ActuatorID, args func(out protocol.OutputBuffer)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.link.Discard()
	if err := b.link.Send(ctx, name, args); err != nil {
		return fmt.Errorf("%s %d: %w", name, id, err)
	}

	var result error = errNoResponse
	err := b.collect(ctx, respStatus, 1, func(payload []byte) error {
		got, status, err := decodeStatus(payload)
		if err != nil {
			return err
		}
		if got == id {
			result = statusResult(id, status).Err
		}
		return nil
	})
	if err != nil && !errors.Is(err, errNoResponse) {
		return err
	}
	if result != nil {
		return fmt.Errorf("%s %d: %w", name, id, result)
	}
	return nil
}

// collect feeds up to n responses named want to handle, within the bus
// timeout. It returns errNoResponse when fewer than n arrive.
func (b *Bus) collect(ctx context.Context, want string, n int, handle func(payload []byte) error) error {
	if n == 0 {
		return nil
	}
	wantID := b.ids[want]

	rctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	for got := 0; got < n; {
		id, payload, err := b.link.Receive(rctx)
		if err != nil {
			if rctx.Err() != nil && ctx.Err() == nil {
				return fmt.Errorf("%w: %d of %d %s", errNoResponse, got, n, want)
			}
			return err
		}
		if id != wantID {
			slog.Debug("unexpected supervisor response", "want", want, "got", b.link.Dictionary().ResponseName(id))
			continue
		}
		if err := handle(payload); err != nil {
			return fmt.Errorf("failed to decode %s: %w", want, err)
		}
		got++
	}
	return nil
}

func statusResult(id core.ActuatorID, s Status) core.ActuatorResult {
	if s == StatusOK {
		return core.ActuatorResult{ID: id, Success: true}
	}
	return core.ActuatorResult{ID: id, Err: &StatusError{ID: id, Status: s}}
}

func idBytes(ids []core.ActuatorID) []byte {
	out := make([]byte, len(ids))
	for i, id := range ids {
		out[i] = byte(id)
	}
	return out
}

// encodeCommand writes id, flags, position, velocity, torque. Absent
// setpoints are sent as zero with their flag clear.
func encodeCommand(out protocol.OutputBuffer, c core.ActuatorCommand) {
	var flags uint32
	var vel, tq float64
	if c.Velocity != nil {
		flags |= setVelocity
		vel = *c.Velocity
	}
	if c.Torque != nil {
		flags |= setTorque
		tq = *c.Torque
	}
	protocol.EncodeVLQUint(out, uint32(c.ID))
	protocol.EncodeVLQUint(out, flags)
	protocol.EncodeMilli(out, c.Position)
	protocol.EncodeMilli(out, vel)
	protocol.EncodeMilli(out, tq)
}

// decodeState reads id, flags, position, velocity, torque, temperature
func decodeState(payload []byte) (core.ActuatorState, error) {
	id, err := protocol.DecodeVLQUint(&payload)
	if err != nil {
		return core.ActuatorState{}, err
	}
	flags, err := protocol.DecodeVLQUint(&payload)
	if err != nil {
		return core.ActuatorState{}, err
	}

	var vals [4]float64
	for i := range vals {
		if vals[i], err = protocol.DecodeMilli(&payload); err != nil {
			return core.ActuatorState{}, err
		}
	}

	s := core.ActuatorState{ID: core.ActuatorID(id), Online: flags&flagOnline != 0}
	if flags&flagPosition != 0 {
		s.Position = core.Float(vals[0])
	}
	if flags&flagVelocity != 0 {
		s.Velocity = core.Float(vals[1])
	}
	if flags&flagTorque != 0 {
		s.Torque = core.Float(vals[2])
	}
	if flags&flagTemperature != 0 {
		s.Temperature = core.Float(vals[3])
	}
	return s, nil
}

func decodeStatus(payload []byte) (core.ActuatorID, Status, error) {
	id, err := protocol.DecodeVLQUint(&payload)
	if err != nil {
		return 0, 0, err
	}
	status, err := protocol.DecodeVLQUint(&payload)
	if err != nil {
		return 0, 0, err
	}
	return core.ActuatorID(id), Status(status), nil
}
