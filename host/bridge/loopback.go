package bridge

import (
	"context"
	"sync"

	"kbotrt/core"
)

// Loopback is an in-process bus for dry runs. Commanded positions are
// reported back as state; nothing moves.
type Loopback struct {
	mu        sync.Mutex
	positions map[core.ActuatorID]float64
	enabled   map[core.ActuatorID]bool
	configs   map[core.ActuatorID]core.ActuatorConfig
}

// NewLoopback starts every table actuator at its home angle, or zero
func NewLoopback() *Loopback {
	l := &Loopback{
		positions: make(map[core.ActuatorID]float64),
		enabled:   make(map[core.ActuatorID]bool),
		configs:   make(map[core.ActuatorID]core.ActuatorConfig),
	}
	for _, id := range core.ActuatorIDs() {
		l.positions[id], _ = core.HomeAngle(id)
	}
	return l
}

func (l *Loopback) GetActuatorsState(_ context.Context, ids []core.ActuatorID) ([]core.ActuatorState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]core.ActuatorState, 0, len(ids))
	for _, id := range ids {
		pos, ok := l.positions[id]
		if !ok {
			continue
		}
		out = append(out, core.ActuatorState{
			ID:       id,
			Position: core.Float(pos),
			Velocity: core.Float(0),
			Torque:   core.Float(0),
			Online:   true,
		})
	}
	return out, nil
}

func (l *Loopback) CommandActuators(_ context.Context, cmds []core.ActuatorCommand) ([]core.ActuatorResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	results := make([]core.ActuatorResult, len(cmds))
	for i, c := range cmds {
		if _, ok := l.positions[c.ID]; !ok {
			results[i] = core.ActuatorResult{ID: c.ID, Err: &StatusError{ID: c.ID, Status: StatusOffline}}
			continue
		}
		l.positions[c.ID] = c.Position
		results[i] = core.ActuatorResult{ID: c.ID, Success: true}
	}
	return results, nil
}

func (l *Loopback) RequestFeedback(context.Context, []core.ActuatorID) error {
	return nil
}

func (l *Loopback) Configure(_ context.Context, id core.ActuatorID, cfg core.ActuatorConfig) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.configs[id] = cfg
	return nil
}

func (l *Loopback) Enable(_ context.Context, id core.ActuatorID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled[id] = true
	return nil
}

func (l *Loopback) Disable(_ context.Context, id core.ActuatorID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled[id] = false
	return nil
}

// Enabled reports whether torque was last enabled on id
func (l *Loopback) Enabled(id core.ActuatorID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled[id]
}
