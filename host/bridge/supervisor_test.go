package bridge

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kbotrt/core"
	"kbotrt/protocol"
)

func testDictionary() Dictionary {
	d := Dictionary{
		Version:       "kbot-supervisor-test",
		BuildVersions: "gcc: none",
		Config:        map[string]any{"CAN_BUSES": 4},
		Commands:      map[string]int{},
		Responses:     map[string]int{},
	}
	d.Commands["identify offset=%u count=%c"] = 1
	d.Commands["actuator_query ids=%*s"] = 10
	d.Commands["actuator_command id=%u flags=%c position=%i velocity=%i torque=%i"] = 11
	d.Commands["actuator_feedback ids=%*s"] = 12
	d.Commands["actuator_configure id=%u kp=%i kd=%i max_torque=%i max_velocity=%i max_current=%i"] = 13
	d.Commands["actuator_enable id=%u"] = 14
	d.Commands["actuator_disable id=%u"] = 15

	d.Responses["identify_response offset=%u data=%.*s"] = 0
	d.Responses["actuator_state id=%u flags=%c position=%i velocity=%i torque=%i temperature=%i"] = 20
	d.Responses["actuator_result id=%u status=%c"] = 21
	d.Responses["actuator_status id=%u status=%c"] = 22
	return d
}

// supervisor emulates the bus supervisor MCU on the far end of a pipe
type supervisor struct {
	conn net.Conn
	dict []byte

	mu        sync.Mutex
	positions map[core.ActuatorID]float64
	offline   map[core.ActuatorID]bool
	fault     map[core.ActuatorID]bool
	silent    map[core.ActuatorID]bool
	configs   map[core.ActuatorID]core.ActuatorConfig
	enabled   map[core.ActuatorID]bool
	feedback  int
	commands  []core.ActuatorCommand
}

func newSupervisor(t *testing.T, dict Dictionary, compress bool) (*supervisor, net.Conn) {
	t.Helper()
	raw, err := json.Marshal(dict)
	require.NoError(t, err)
	if compress {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		_, err := zw.Write(raw)
		require.NoError(t, err)
		require.NoError(t, zw.Close())
		raw = buf.Bytes()
	}

	host, dev := net.Pipe()
	s := &supervisor{
		conn:      dev,
		dict:      raw,
		positions: map[core.ActuatorID]float64{},
		offline:   map[core.ActuatorID]bool{},
		fault:     map[core.ActuatorID]bool{},
		silent:    map[core.ActuatorID]bool{},
		configs:   map[core.ActuatorID]core.ActuatorConfig{},
		enabled:   map[core.ActuatorID]bool{},
	}
	for _, id := range core.ActuatorIDs() {
		s.positions[id] = 0
	}
	go s.serve()
	t.Cleanup(func() { dev.Close() })
	return s, host
}

// connect starts a supervisor and returns a bus connected to it
func connect(t *testing.T) (*supervisor, *Bus) {
	t.Helper()
	sup, host := newSupervisor(t, testDictionary(), false)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	link, err := Connect(ctx, host)
	require.NoError(t, err)
	t.Cleanup(func() { link.Close() })

	bus, err := NewBus(link, 200*time.Millisecond)
	require.NoError(t, err)
	return sup, bus
}

func (s *supervisor) serve() {
	parser := protocol.NewParser()
	buf := make([]byte, 256)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			return
		}
		for _, msg := range parser.Feed(buf[:n]) {
			if !s.reply(protocol.NextSequence(msg.Sequence), nil) {
				return
			}
			if !s.handle(msg.Payload) {
				return
			}
		}
	}
}

func (s *supervisor) reply(seq uint8, payload []byte) bool {
	frame, err := protocol.EncodeFrame(seq, payload)
	if err != nil {
		return false
	}
	_, err = s.conn.Write(frame)
	return err == nil
}

func (s *supervisor) respond(id uint16, args func(out protocol.OutputBuffer)) bool {
	return s.reply(protocol.MessageDest, protocol.EncodeMessage(id, args))
}

func (s *supervisor) handle(payload []byte) bool {
	cmd, _ := protocol.DecodeVLQUint(&payload)
	u := func() uint32 {
		v, _ := protocol.DecodeVLQUint(&payload)
		return v
	}
	m := func() float64 {
		v, _ := protocol.DecodeMilli(&payload)
		return v
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd {
	case 1:
		offset, count := u(), u()
		end := min(int(offset+count), len(s.dict))
		chunk := s.dict[min(int(offset), end):end]
		return s.respond(0, func(out protocol.OutputBuffer) {
			protocol.EncodeVLQUint(out, offset)
			protocol.EncodeVLQBytes(out, chunk)
		})

	case 10:
		ids, _ := protocol.DecodeVLQBytes(&payload)
		for _, b := range ids {
			id := core.ActuatorID(b)
			pos, known := s.positions[id]
			if !known {
				continue
			}
			flags := uint32(flagOnline | flagPosition | flagVelocity | flagTorque | flagTemperature)
			if s.offline[id] {
				flags = 0
			}
			ok := s.respond(20, func(out protocol.OutputBuffer) {
				protocol.EncodeVLQUint(out, uint32(id))
				protocol.EncodeVLQUint(out, flags)
				protocol.EncodeMilli(out, pos)
				protocol.EncodeMilli(out, 0.25)
				protocol.EncodeMilli(out, -1.5)
				protocol.EncodeMilli(out, 38.5)
			})
			if !ok {
				return false
			}
		}

	case 11:
		id := core.ActuatorID(u())
		flags := u()
		c := core.ActuatorCommand{ID: id, Position: m()}
		vel, tq := m(), m()
		if flags&setVelocity != 0 {
			c.Velocity = core.Float(vel)
		}
		if flags&setTorque != 0 {
			c.Torque = core.Float(tq)
		}
		s.commands = append(s.commands, c)
		if s.silent[id] {
			return true
		}
		status := StatusOK
		if s.fault[id] {
			status = StatusFault
		} else {
			s.positions[id] = c.Position
		}
		return s.respond(21, func(out protocol.OutputBuffer) {
			protocol.EncodeVLQUint(out, uint32(id))
			protocol.EncodeVLQUint(out, uint32(status))
		})

	case 12:
		s.feedback++

	case 13, 14, 15:
		id := core.ActuatorID(u())
		switch cmd {
		case 13:
			s.configs[id] = core.ActuatorConfig{Kp: m(), Kd: m(), MaxTorque: m(), MaxVelocity: m(), MaxCurrent: m()}
		case 14:
			s.enabled[id] = true
		case 15:
			s.enabled[id] = false
		}
		status := StatusOK
		if s.fault[id] {
			status = StatusFault
		}
		return s.respond(22, func(out protocol.OutputBuffer) {
			protocol.EncodeVLQUint(out, uint32(id))
			protocol.EncodeVLQUint(out, uint32(status))
		})
	}
	return true
}

func (s *supervisor) set(f func(s *supervisor)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f(s)
}

func (s *supervisor) position(id core.ActuatorID) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[id]
}
