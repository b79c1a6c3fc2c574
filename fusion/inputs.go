package fusion

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"kbotrt/core"
	"kbotrt/policy"
	"kbotrt/teleop"
)

// Snapshot is one consistent set of sensor readings. States are aligned
// with the requested ids; a nil entry means the actuator reported nothing.
type Snapshot struct {
	IDs      []core.ActuatorID
	States   []*core.ActuatorState
	IMU      core.ImuSample
	Elapsed  time.Duration
	Operator [teleop.NumFields]float32
}

// Snapshot issues one actuator-state read and one IMU read concurrently
// and combines them only after both complete.
func (p *Provider) Snapshot(ctx context.Context, names []core.JointName) (Snapshot, error) {
	ids, err := core.ResolveJoints(names)
	if err != nil {
		return Snapshot{}, err
	}
	return p.acquire(ctx, ids)
}

func (p *Provider) acquire(ctx context.Context, ids []core.ActuatorID) (Snapshot, error) {
	var (
		wg       sync.WaitGroup
		states   []core.ActuatorState
		sample   core.ImuSample
		stateErr error
		imuErr   error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		states, stateErr = p.bus.GetActuatorsState(ctx, ids)
	}()
	go func() {
		defer wg.Done()
		sample, imuErr = p.imu.GetValues(ctx)
	}()
	wg.Wait()

	if stateErr != nil {
		return Snapshot{}, &core.SnapshotError{Source: "actuators", Err: stateErr}
	}
	if imuErr != nil {
		return Snapshot{}, &core.SnapshotError{Source: "imu", Err: imuErr}
	}

	return Snapshot{
		IDs:      ids,
		States:   alignStates(ids, states),
		IMU:      sample,
		Elapsed:  p.elapsed(),
		Operator: p.teleop.Vector(),
	}, nil
}

// GetInputs resolves the policy's joints, takes one snapshot and derives
// every requested input from it. Any unavailable value fails the call.
func (p *Provider) GetInputs(ctx context.Context, kinds []policy.InputKind, meta policy.Metadata) (map[policy.InputKind]core.Tensor, error) {
	ids, err := core.ResolveJoints(meta.JointNames)
	if err != nil {
		return nil, err
	}

	snap, err := p.acquire(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make(map[policy.InputKind]core.Tensor, len(kinds))
	for _, k := range kinds {
		v, err := p.produce(k, snap, meta)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// produce derives one input kind from a snapshot
func (p *Provider) produce(k policy.InputKind, snap Snapshot, meta policy.Metadata) (core.Tensor, error) {
	switch k {
	case policy.JointAngles:
		return jointField("joint_angles", meta.JointNames, snap.IDs, snap.States, positionOf)
	case policy.JointAngularVelocities:
		return jointField("joint_angular_velocities", meta.JointNames, snap.IDs, snap.States, velocityOf)
	case policy.Accelerometer:
		a := snap.IMU.Accel
		return core.Tensor{float32(a.X), float32(a.Y), float32(a.Z)}, nil
	case policy.Gyroscope:
		g := snap.IMU.Gyro
		return core.Tensor{float32(g.X), float32(g.Y), float32(g.Z)}, nil
	case policy.ProjectedGravity:
		g := core.ProjectedGravity(snap.IMU.Orientation)
		return core.Tensor{float32(g.X), float32(g.Y), float32(g.Z)}, nil
	case policy.Quaternion:
		q := core.Normalize(snap.IMU.Orientation)
		return core.Tensor{float32(q.Real), float32(q.Imag), float32(q.Jmag), float32(q.Kmag)}, nil
	case policy.InitialHeading:
		return core.Tensor{float32(p.captureHeading(snap.IMU))}, nil
	case policy.Time:
		return core.Tensor{float32(snap.Elapsed.Seconds())}, nil
	case policy.Command:
		return OperatorVector(snap.Operator, meta.NumCommands)
	case policy.Carry:
		return nil, fmt.Errorf("carry is threaded through the policy step, not read from sensors")
	default:
		return nil, fmt.Errorf("unsupported input kind %v", k)
	}
}

// captureHeading returns the heading at the first snapshot after ResetClock
func (p *Provider) captureHeading(sample core.ImuSample) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialHeading == nil {
		h := core.Heading(sample.Orientation)
		p.initialHeading = &h
	}
	return *p.initialHeading
}

// OperatorVector lays out the teleop fields for a policy command input of
// the given width:
//
//	0: []
//	3: [vx, vy, yaw_rate]
//	6: [vx, vy, yaw_rate, height, roll, pitch]
//	7: [vx, vy, yaw_rate, yaw, height, roll, pitch]
//	8: [vx, vy, yaw_rate, yaw, height, roll, pitch, mode]
//
// Any other width is a configuration error.
func OperatorVector(v [teleop.NumFields]float32, width int) (core.Tensor, error) {
	var fields []teleop.Field
	switch width {
	case 0:
		return core.Tensor{}, nil
	case 3:
		fields = []teleop.Field{teleop.VelX, teleop.VelY, teleop.YawRate}
	case 6:
		fields = []teleop.Field{teleop.VelX, teleop.VelY, teleop.YawRate, teleop.Height, teleop.Roll, teleop.Pitch}
	case 7:
		fields = []teleop.Field{teleop.VelX, teleop.VelY, teleop.YawRate, teleop.Yaw, teleop.Height, teleop.Roll, teleop.Pitch}
	case 8:
		fields = []teleop.Field{teleop.VelX, teleop.VelY, teleop.YawRate, teleop.Yaw, teleop.Height, teleop.Roll, teleop.Pitch, teleop.Mode}
	default:
		return nil, &core.ConfigError{
			Subject: "command width " + strconv.Itoa(width),
			Err:     fmt.Errorf("supported widths are 0, 3, 6, 7 and 8"),
		}
	}

	out := make(core.Tensor, len(fields))
	for i, f := range fields {
		out[i] = v[f]
	}
	return out, nil
}
