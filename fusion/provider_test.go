package fusion

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"

	"kbotrt/core"
	"kbotrt/policy"
	"kbotrt/teleop"
)

var legJoints = []core.JointName{"dof_left_hip_pitch_04", "dof_left_knee_04", "dof_left_ankle_02"}

func newTestProvider(bus *fakeBus, imu *fakeIMU, ch *teleop.Channel) *Provider {
	opts := Options{Homing: DefaultHomingOptions()}
	opts.Homing.Interval = 0
	return New(bus, imu, ch, opts)
}

func levelIMU() *fakeIMU {
	return &fakeIMU{sample: core.ImuSample{
		Accel:       r3.Vector{Z: 9.81},
		Gyro:        r3.Vector{X: 0.1, Y: -0.2, Z: 0.3},
		Orientation: quat.Number{Real: 1},
	}}
}

func TestGetInputsReadsEachSourceOnce(t *testing.T) {
	bus := newFakeBus()
	imu := levelIMU()
	p := newTestProvider(bus, imu, nil)

	meta := policy.Metadata{JointNames: legJoints, NumCommands: 3}
	kinds := []policy.InputKind{
		policy.JointAngles,
		policy.JointAngularVelocities,
		policy.Accelerometer,
		policy.Gyroscope,
		policy.ProjectedGravity,
		policy.Quaternion,
		policy.InitialHeading,
		policy.Time,
		policy.Command,
	}

	inputs, err := p.GetInputs(context.Background(), kinds, meta)
	require.NoError(t, err)
	assert.Len(t, inputs, len(kinds))
	assert.Equal(t, int32(1), bus.stateReads.Load())
	assert.Equal(t, int32(1), imu.reads.Load())

	assert.Equal(t, core.Tensor{0, 0, -9.81}, inputs[policy.ProjectedGravity])
	assert.Equal(t, core.Tensor{0.1, -0.2, 0.3}, inputs[policy.Gyroscope])
	assert.Equal(t, core.Tensor{0, 0, 9.81}, inputs[policy.Accelerometer])
	assert.Equal(t, core.Tensor{1, 0, 0, 0}, inputs[policy.Quaternion])
	assert.Len(t, inputs[policy.JointAngles], 3)
	assert.Len(t, inputs[policy.Command], 3)
}

func TestGetInputsJointOrderFollowsMetadata(t *testing.T) {
	bus := newFakeBus()
	bus.positions[31] = 0.31
	bus.positions[34] = 0.34
	bus.positions[35] = 0.35
	p := newTestProvider(bus, levelIMU(), nil)

	reversed := []core.JointName{legJoints[2], legJoints[0], legJoints[1]}
	inputs, err := p.GetInputs(context.Background(), []policy.InputKind{policy.JointAngles}, policy.Metadata{JointNames: reversed})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.35, 0.31, 0.34}, inputs[policy.JointAngles], 1e-6)
}

func TestGetInputsUnknownJointFailsBeforeIO(t *testing.T) {
	bus := newFakeBus()
	imu := levelIMU()
	p := newTestProvider(bus, imu, nil)

	meta := policy.Metadata{JointNames: []core.JointName{"dof_left_knee_04", "dof_tail_00"}}
	_, err := p.GetInputs(context.Background(), []policy.InputKind{policy.JointAngles}, meta)
	assert.ErrorIs(t, err, core.ErrUnknownJoint)
	assert.Zero(t, bus.stateReads.Load())
	assert.Zero(t, imu.reads.Load())
}

func TestGetInputsMissingFeedbackIsFieldError(t *testing.T) {
	bus := newFakeBus()
	bus.silent[34] = true
	p := newTestProvider(bus, levelIMU(), nil)

	_, err := p.GetInputs(context.Background(), []policy.InputKind{policy.JointAngles}, policy.Metadata{JointNames: legJoints})
	var fieldErr *core.FieldError
	require.True(t, errors.As(err, &fieldErr))
	assert.Equal(t, "joint_angles", fieldErr.Field)
	assert.Equal(t, core.JointName("dof_left_knee_04"), fieldErr.Joint)
	assert.Equal(t, core.ActuatorID(34), fieldErr.ID)
}

func TestGetInputsSourceFailures(t *testing.T) {
	busErr := errors.New("can0 down")
	bus := newFakeBus()
	bus.readErr = busErr
	p := newTestProvider(bus, levelIMU(), nil)

	_, err := p.GetInputs(context.Background(), []policy.InputKind{policy.Gyroscope}, policy.Metadata{JointNames: legJoints})
	var snapErr *core.SnapshotError
	require.True(t, errors.As(err, &snapErr))
	assert.Equal(t, "actuators", snapErr.Source)
	assert.ErrorIs(t, err, busErr)

	imu := levelIMU()
	imu.err = core.ErrNoSample
	p = newTestProvider(newFakeBus(), imu, nil)
	_, err = p.GetInputs(context.Background(), []policy.InputKind{policy.JointAngles}, policy.Metadata{JointNames: legJoints})
	require.True(t, errors.As(err, &snapErr))
	assert.Equal(t, "imu", snapErr.Source)
	assert.ErrorIs(t, err, core.ErrNoSample)
}

func TestGetInputsRejectsCarry(t *testing.T) {
	p := newTestProvider(newFakeBus(), levelIMU(), nil)
	_, err := p.GetInputs(context.Background(), []policy.InputKind{policy.Carry}, policy.Metadata{JointNames: legJoints})
	assert.Error(t, err)
}

func TestEveryInputKindHasAProducer(t *testing.T) {
	p := newTestProvider(newFakeBus(), levelIMU(), nil)
	snap, err := p.Snapshot(context.Background(), legJoints)
	require.NoError(t, err)

	meta := policy.Metadata{JointNames: legJoints, NumCommands: 8}
	for _, k := range policy.AllInputKinds() {
		_, err := p.produce(k, snap, meta)
		if k == policy.Carry {
			assert.Error(t, err)
			continue
		}
		assert.NoError(t, err, k.String())
	}
}

func TestTimeAndInitialHeading(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }

	imu := levelIMU()
	yaw := 0.8
	imu.sample.Orientation = quat.Number{Real: math.Cos(yaw / 2), Kmag: math.Sin(yaw / 2)}
	p := New(newFakeBus(), imu, nil, Options{Now: clock})

	p.ResetClock()
	now = now.Add(1500 * time.Millisecond)

	kinds := []policy.InputKind{policy.Time, policy.InitialHeading}
	meta := policy.Metadata{JointNames: legJoints}
	inputs, err := p.GetInputs(context.Background(), kinds, meta)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, inputs[policy.Time][0], 1e-6)
	assert.InDelta(t, yaw, inputs[policy.InitialHeading][0], 1e-6)

	// Heading stays latched after the robot turns
	imu.sample.Orientation = quat.Number{Real: 1}
	inputs, err = p.GetInputs(context.Background(), kinds, meta)
	require.NoError(t, err)
	assert.InDelta(t, yaw, inputs[policy.InitialHeading][0], 1e-6)

	p.ResetClock()
	inputs, err = p.GetInputs(context.Background(), kinds, meta)
	require.NoError(t, err)
	assert.InDelta(t, 0, inputs[policy.InitialHeading][0], 1e-6)
	assert.InDelta(t, 0, inputs[policy.Time][0], 1e-6)
}

func TestOperatorVectorLayouts(t *testing.T) {
	ch := teleop.NewChannel()
	for f := teleop.VelX; f < teleop.NumFields; f++ {
		ch.Set(f, float32(f+1))
	}
	v := ch.Vector()

	testCases := []struct {
		width int
		want  core.Tensor
	}{
		{0, core.Tensor{}},
		{3, core.Tensor{1, 2, 3}},
		{6, core.Tensor{1, 2, 3, 5, 6, 7}},
		{7, core.Tensor{1, 2, 3, 4, 5, 6, 7}},
		{8, core.Tensor{1, 2, 3, 4, 5, 6, 7, 8}},
	}
	for _, tc := range testCases {
		got, err := OperatorVector(v, tc.width)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "width %d", tc.width)
	}

	_, err := OperatorVector(v, 5)
	var cfgErr *core.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestCommandInputReadsTeleop(t *testing.T) {
	ch := teleop.NewChannel()
	p := newTestProvider(newFakeBus(), levelIMU(), ch)
	meta := policy.Metadata{JointNames: legJoints, NumCommands: 3}

	ch.Set(teleop.VelX, 0.5)
	ch.Set(teleop.YawRate, -0.5)
	inputs, err := p.GetInputs(context.Background(), []policy.InputKind{policy.Command}, meta)
	require.NoError(t, err)
	assert.Equal(t, core.Tensor{0.5, 0, -0.5}, inputs[policy.Command])
}

func TestTakeActionBatchIsolation(t *testing.T) {
	bus := newFakeBus()
	bus.failCmd[34] = true
	p := newTestProvider(bus, levelIMU(), nil)

	results, err := p.TakeAction(context.Background(), core.Tensor{0.1, 0.2, 0.3}, policy.Metadata{JointNames: legJoints})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.Error(t, results[1].Err)
	assert.True(t, results[2].Success)

	assert.InDelta(t, 0.1, bus.position(31), 1e-6)
	assert.InDelta(t, 0.3, bus.position(35), 1e-6)
	assert.Equal(t, results, p.LastResults())

	for _, c := range bus.lastCommands {
		assert.Nil(t, c.Velocity)
		assert.Nil(t, c.Torque)
	}
}

func TestTakeActionLogsFailureTransitions(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	bus := newFakeBus()
	bus.failCmd[34] = true
	p := newTestProvider(bus, levelIMU(), nil)
	meta := policy.Metadata{JointNames: legJoints}
	act := func() {
		_, err := p.TakeAction(context.Background(), core.Tensor{0.1, 0.2, 0.3}, meta)
		require.NoError(t, err)
	}

	for range 5 {
		act()
	}
	assert.Equal(t, 1, strings.Count(buf.String(), "actuator command failed"))
	assert.False(t, p.LastResults()[1].Success)

	bus.mu.Lock()
	delete(bus.failCmd, 34)
	bus.mu.Unlock()
	act()
	act()
	assert.Equal(t, 1, strings.Count(buf.String(), "actuator command recovered"))

	bus.mu.Lock()
	bus.failCmd[34] = true
	bus.mu.Unlock()
	act()
	assert.Equal(t, 2, strings.Count(buf.String(), "actuator command failed"))
}

func TestTakeActionUnresolvedNames(t *testing.T) {
	bus := newFakeBus()
	p := newTestProvider(bus, levelIMU(), nil)

	meta := policy.Metadata{JointNames: []core.JointName{"dof_left_knee_04", "dof_tail_00"}}
	results, err := p.TakeAction(context.Background(), core.Tensor{0.4, 0.5}, meta)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.ErrorIs(t, results[1].Err, core.ErrUnknownJoint)

	meta = policy.Metadata{JointNames: []core.JointName{"dof_tail_00", "dof_fin_00"}}
	_, err = p.TakeAction(context.Background(), core.Tensor{0.4, 0.5}, meta)
	assert.ErrorIs(t, err, core.ErrUnknownJoint)
	assert.Equal(t, int32(1), bus.commandCalls.Load())
}

func TestTakeActionLengthMismatch(t *testing.T) {
	p := newTestProvider(newFakeBus(), levelIMU(), nil)
	_, err := p.TakeAction(context.Background(), core.Tensor{0.1}, policy.Metadata{JointNames: legJoints})
	assert.Error(t, err)
}

func TestActuatorPositions(t *testing.T) {
	bus := newFakeBus()
	bus.positions[34] = -0.7
	p := newTestProvider(bus, levelIMU(), nil)

	pos, err := p.ActuatorPositions(context.Background(), []core.JointName{"dof_left_knee_04"})
	require.NoError(t, err)
	assert.InDelta(t, -0.7, pos[0], 1e-6)

	bus.silent[34] = true
	_, err = p.ActuatorPositions(context.Background(), []core.JointName{"dof_left_knee_04"})
	var fieldErr *core.FieldError
	assert.True(t, errors.As(err, &fieldErr))
}

func TestTriggerActuatorRead(t *testing.T) {
	bus := newFakeBus()
	p := newTestProvider(bus, levelIMU(), nil)
	require.NoError(t, p.TriggerActuatorRead(context.Background()))
	assert.Equal(t, int32(1), bus.feedbackCalls.Load())
}

func TestConfigureAppliesGainsBeforeTorque(t *testing.T) {
	bus := newFakeBus()
	p := newTestProvider(bus, levelIMU(), nil)

	require.NoError(t, p.Configure(context.Background(), true, 0.5))
	for _, id := range core.ActuatorIDs() {
		want, err := core.GainsFor(id, 0.5)
		require.NoError(t, err)
		assert.Equal(t, want, bus.configs[id])
		assert.True(t, bus.enabled[id], "actuator %d", id)
	}

	require.NoError(t, p.Configure(context.Background(), false, 1))
	assert.False(t, bus.enabled[11])
}
