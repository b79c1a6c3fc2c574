package fusion

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"kbotrt/core"
)

// fakeBus is an in-memory actuator bus. Commanded positions become the
// reported positions unless oscillate is set.
type fakeBus struct {
	mu        sync.Mutex
	positions map[core.ActuatorID]float64
	velocity  map[core.ActuatorID]float64
	silent    map[core.ActuatorID]bool // report nothing
	failCmd   map[core.ActuatorID]bool
	configs   map[core.ActuatorID]core.ActuatorConfig
	enabled   map[core.ActuatorID]bool
	readErr   error

	// oscillate makes reads alternate between home+0.5 and home-0.5
	oscillate bool
	flip      bool

	stateReads    atomic.Int32
	commandCalls  atomic.Int32
	feedbackCalls atomic.Int32
	lastCommands  []core.ActuatorCommand
}

func newFakeBus() *fakeBus {
	b := &fakeBus{
		positions: map[core.ActuatorID]float64{},
		velocity:  map[core.ActuatorID]float64{},
		silent:    map[core.ActuatorID]bool{},
		failCmd:   map[core.ActuatorID]bool{},
		configs:   map[core.ActuatorID]core.ActuatorConfig{},
		enabled:   map[core.ActuatorID]bool{},
	}
	for _, id := range core.ActuatorIDs() {
		b.positions[id] = 0
		b.velocity[id] = 0
	}
	return b
}

func (b *fakeBus) GetActuatorsState(_ context.Context, ids []core.ActuatorID) ([]core.ActuatorState, error) {
	b.stateReads.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readErr != nil {
		return nil, b.readErr
	}
	b.flip = !b.flip

	out := make([]core.ActuatorState, 0, len(ids))
	for _, id := range ids {
		if b.silent[id] {
			continue
		}
		pos := b.positions[id]
		if b.oscillate {
			home, _ := core.HomeAngle(id)
			if b.flip {
				pos = home + 0.5
			} else {
				pos = home - 0.5
			}
		}
		out = append(out, core.ActuatorState{
			ID:       id,
			Position: core.Float(pos),
			Velocity: core.Float(b.velocity[id]),
			Online:   true,
		})
	}
	return out, nil
}

func (b *fakeBus) CommandActuators(_ context.Context, cmds []core.ActuatorCommand) ([]core.ActuatorResult, error) {
	b.commandCalls.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastCommands = append([]core.ActuatorCommand(nil), cmds...)

	results := make([]core.ActuatorResult, len(cmds))
	for i, c := range cmds {
		if b.failCmd[c.ID] {
			results[i] = core.ActuatorResult{ID: c.ID, Err: errors.New("actuator timeout")}
			continue
		}
		b.positions[c.ID] = c.Position
		results[i] = core.ActuatorResult{ID: c.ID, Success: true}
	}
	return results, nil
}

func (b *fakeBus) RequestFeedback(_ context.Context, _ []core.ActuatorID) error {
	b.feedbackCalls.Add(1)
	return nil
}

func (b *fakeBus) Configure(_ context.Context, id core.ActuatorID, cfg core.ActuatorConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.configs[id] = cfg
	return nil
}

func (b *fakeBus) Enable(_ context.Context, id core.ActuatorID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.configs[id]; !ok {
		return errors.New("enabled before configure")
	}
	b.enabled[id] = true
	return nil
}

func (b *fakeBus) Disable(_ context.Context, id core.ActuatorID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled[id] = false
	return nil
}

func (b *fakeBus) position(id core.ActuatorID) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.positions[id]
}

type fakeIMU struct {
	sample core.ImuSample
	err    error
	reads  atomic.Int32
}

func (f *fakeIMU) GetValues(context.Context) (core.ImuSample, error) {
	f.reads.Add(1)
	if f.err != nil {
		return core.ImuSample{}, f.err
	}
	return f.sample, nil
}
