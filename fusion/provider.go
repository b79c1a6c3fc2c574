// Package fusion turns actuator and IMU feedback into consistent per-tick
// policy inputs, and turns policy outputs into actuator commands.
package fusion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"kbotrt/core"
	"kbotrt/policy"
	"kbotrt/teleop"
)

// ActuatorBus is the physical actuator interface. Implementations serialize
// access internally; each call completes before the provider issues the next.
type ActuatorBus interface {
	GetActuatorsState(ctx context.Context, ids []core.ActuatorID) ([]core.ActuatorState, error)
	CommandActuators(ctx context.Context, cmds []core.ActuatorCommand) ([]core.ActuatorResult, error)
	RequestFeedback(ctx context.Context, ids []core.ActuatorID) error
	Configure(ctx context.Context, id core.ActuatorID, cfg core.ActuatorConfig) error
	Enable(ctx context.Context, id core.ActuatorID) error
	Disable(ctx context.Context, id core.ActuatorID) error
}

// IMUDriver returns one atomically produced IMU sample
type IMUDriver interface {
	GetValues(ctx context.Context) (core.ImuSample, error)
}

// HomingOptions tunes MoveToHome
type HomingOptions struct {
	Threshold     float64       // converged when every joint is closer than this (rad)
	MaxStep       float64       // largest correction per iteration (rad)
	Interval      time.Duration // pause between iterations
	MaxIterations int           // 0 means no cap
}

// DefaultHomingOptions returns the standard homing tuning
func DefaultHomingOptions() HomingOptions {
	return HomingOptions{
		Threshold: 0.1,
		MaxStep:   4 * math.Pi / 180,
		Interval:  20 * time.Millisecond,
	}
}

// Options configures a Provider
type Options struct {
	Homing HomingOptions
	Now    func() time.Time
}

// Provider is the sensor fusion and actuation facade
type Provider struct {
	bus    ActuatorBus
	imu    IMUDriver
	teleop *teleop.Channel
	opts   Options

	mu             sync.Mutex
	start          time.Time
	initialHeading *float64
	lastResults    []core.ActuatorResult
	failing        map[core.JointName]bool
}

// New creates a Provider. The teleop channel may be nil when operator
// input is disabled; the command vector then reads as zeros.
func New(bus ActuatorBus, imu IMUDriver, ch *teleop.Channel, opts Options) *Provider {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Homing.Threshold <= 0 {
		opts.Homing.Threshold = DefaultHomingOptions().Threshold
	}
	if opts.Homing.MaxStep <= 0 {
		opts.Homing.MaxStep = DefaultHomingOptions().MaxStep
	}
	if ch == nil {
		ch = teleop.NewChannel()
	}
	return &Provider{
		bus:    bus,
		imu:    imu,
		teleop: ch,
		opts:   opts,
		start:  opts.Now(),
	}
}

// Configure applies the static gain table to every actuator, then enables
// or disables torque. A missing table row is fatal; per-actuator bus
// failures are logged and skipped.
func (p *Provider) Configure(ctx context.Context, torqueEnabled bool, torqueScale float64) error {
	ids := core.ActuatorIDs()

	configs := make([]core.ActuatorConfig, len(ids))
	for i, id := range ids {
		cfg, err := core.GainsFor(id, torqueScale)
		if err != nil {
			return err
		}
		configs[i] = cfg
	}

	for i, id := range ids {
		if err := p.bus.Configure(ctx, id, configs[i]); err != nil {
			slog.Warn("failed to configure actuator", "actuator_id", id, "error", err)
		}
	}

	for _, id := range ids {
		var err error
		if torqueEnabled {
			err = p.bus.Enable(ctx, id)
		} else {
			err = p.bus.Disable(ctx, id)
		}
		if err != nil {
			slog.Warn("failed to set torque state", "actuator_id", id, "enabled", torqueEnabled, "error", err)
		}
	}

	slog.Info("actuators configured", "count", len(ids), "torque_enabled", torqueEnabled, "torque_scale", torqueScale)
	return nil
}

// ResetClock makes now the origin of the Time input and forgets the
// captured initial heading
func (p *Provider) ResetClock() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.start = p.opts.Now()
	p.initialHeading = nil
}

func (p *Provider) elapsed() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opts.Now().Sub(p.start)
}

// TriggerActuatorRead asks the bus to refresh feedback for every actuator.
// It returns no data; it only makes the next snapshot fresher.
func (p *Provider) TriggerActuatorRead(ctx context.Context) error {
	if err := p.bus.RequestFeedback(ctx, core.ActuatorIDs()); err != nil {
		return fmt.Errorf("failed to request feedback: %w", err)
	}
	return nil
}

// ActuatorPositions reads live positions for names, in order
func (p *Provider) ActuatorPositions(ctx context.Context, names []core.JointName) (core.Tensor, error) {
	ids, err := core.ResolveJoints(names)
	if err != nil {
		return nil, err
	}
	states, err := p.bus.GetActuatorsState(ctx, ids)
	if err != nil {
		return nil, &core.SnapshotError{Source: "actuators", Err: err}
	}
	return jointField("joint_angles", names, ids, alignStates(ids, states), positionOf)
}

// TakeAction sends one position command per joint. Unresolvable names and
// per-actuator bus failures are recorded as failed results without
// aborting the rest of the batch. If no name resolves the call fails.
func (p *Provider) TakeAction(ctx context.Context, action core.Tensor, meta policy.Metadata) ([]core.ActuatorResult, error) {
	names := meta.JointNames
	if len(names) != len(action) {
		return nil, fmt.Errorf("action has %d values for %d joints", len(action), len(names))
	}

	results := make([]core.ActuatorResult, len(names))
	cmds := make([]core.ActuatorCommand, 0, len(names))
	slots := make(map[core.ActuatorID]int, len(names))
	var firstErr error

	for i, name := range names {
		id, err := core.ActuatorIDFor(name)
		if err != nil {
			results[i] = core.ActuatorResult{Err: err}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		slots[id] = i
		results[i] = core.ActuatorResult{ID: id, Err: errors.New("no result reported")}
		cmds = append(cmds, core.ActuatorCommand{ID: id, Position: float64(action[i])})
	}

	if len(cmds) == 0 && len(names) > 0 {
		return nil, firstErr
	}

	busResults, err := p.bus.CommandActuators(ctx, cmds)
	if err != nil {
		return nil, fmt.Errorf("failed to command actuators: %w", err)
	}
	for _, r := range busResults {
		if i, ok := slots[r.ID]; ok {
			results[i] = r
		}
	}

	p.mu.Lock()
	p.lastResults = results
	p.logTransitions(names, results)
	p.mu.Unlock()

	return results, nil
}

// logTransitions logs an actuator only when it starts or stops failing.
// Callers hold p.mu.
func (p *Provider) logTransitions(names []core.JointName, results []core.ActuatorResult) {
	if p.failing == nil {
		p.failing = make(map[core.JointName]bool)
	}
	for i, r := range results {
		name := names[i]
		switch {
		case !r.Success && !p.failing[name]:
			p.failing[name] = true
			slog.Warn("actuator command failed", "joint", name, "actuator_id", r.ID, "error", r.Err)
		case r.Success && p.failing[name]:
			delete(p.failing, name)
			slog.Info("actuator command recovered", "joint", name, "actuator_id", r.ID)
		}
	}
}

// LastResults returns the per-actuator outcome of the most recent TakeAction
func (p *Provider) LastResults() []core.ActuatorResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]core.ActuatorResult, len(p.lastResults))
	copy(out, p.lastResults)
	return out
}

// alignStates orders states to match ids. Missing ids map to nil.
func alignStates(ids []core.ActuatorID, states []core.ActuatorState) []*core.ActuatorState {
	byID := make(map[core.ActuatorID]*core.ActuatorState, len(states))
	for i := range states {
		byID[states[i].ID] = &states[i]
	}
	out := make([]*core.ActuatorState, len(ids))
	for i, id := range ids {
		out[i] = byID[id]
	}
	return out
}

func positionOf(s *core.ActuatorState) *float64 { return s.Position }
func velocityOf(s *core.ActuatorState) *float64 { return s.Velocity }

// jointField extracts one optional field per joint, failing on the first gap
func jointField(field string, names []core.JointName, ids []core.ActuatorID, states []*core.ActuatorState, get func(*core.ActuatorState) *float64) (core.Tensor, error) {
	out := make(core.Tensor, len(ids))
	for i, s := range states {
		if s == nil {
			return nil, &core.FieldError{Field: field, Joint: names[i], ID: ids[i], Reason: "no feedback from actuator"}
		}
		v := get(s)
		if v == nil {
			return nil, &core.FieldError{Field: field, Joint: names[i], ID: ids[i], Reason: "value not reported"}
		}
		out[i] = float32(*v)
	}
	return out, nil
}
