package core

import (
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// ActuatorState is the latest feedback of one actuator.
// Units: radians, rad/s, N*m, degrees Celsius. Nil means not reported.
type ActuatorState struct {
	ID          ActuatorID
	Position    *float64
	Velocity    *float64
	Torque      *float64
	Temperature *float64
	Online      bool
}

// ActuatorCommand is a position-mode command. Nil velocity/torque are sent as zero.
type ActuatorCommand struct {
	ID       ActuatorID
	Position float64
	Velocity *float64
	Torque   *float64
}

// ActuatorResult is the outcome of one command within a batch
type ActuatorResult struct {
	ID      ActuatorID
	Success bool
	Err     error
}

// ActuatorConfig holds gains and limits applied once before torque is enabled
type ActuatorConfig struct {
	Kp          float64
	Kd          float64
	MaxTorque   float64
	MaxVelocity float64
	MaxCurrent  float64
}

// ImuSample is one physical IMU reading. Accel is m/s^2, Gyro is rad/s,
// Orientation is the unit quaternion rotating body frame into world frame.
type ImuSample struct {
	Accel       r3.Vector
	Gyro        r3.Vector
	Orientation quat.Number
	Seq         uint64
	At          time.Time
}

// Tensor is a flat policy input or output vector
type Tensor []float32

// Carry is recurrent policy state. Only the model interprets it.
type Carry []float32

// Float returns a pointer to v, for optional state fields
func Float(v float64) *float64 {
	return &v
}
