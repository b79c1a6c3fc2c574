package core

import (
	"math"
	"strconv"
)

// ActuatorType is the actuator model family
type ActuatorType uint8

const (
	RobStride00 ActuatorType = iota
	RobStride02
	RobStride03
	RobStride04
)

func (t ActuatorType) String() string {
	switch t {
	case RobStride00:
		return "robstride_00"
	case RobStride02:
		return "robstride_02"
	case RobStride03:
		return "robstride_03"
	case RobStride04:
		return "robstride_04"
	default:
		return "unknown"
	}
}

// Proportional gains by actuator type
const (
	kp00    = 20.0
	kp02    = 40.0
	kp03    = 100.0
	kp04    = 150.0
	kpLarge = 200.0 // hip roll
)

// Soft torque limits (N*m) by actuator type
const (
	tau00 = 9.8
	tau02 = 11.9
	tau03 = 42.0
	tau04 = 84.0
)

// Limits shared by every actuator
const (
	DefaultMaxVelocity = 5.0  // rad/s
	DefaultMaxCurrent  = 10.0 // A
)

type gainRow struct {
	ID   ActuatorID
	Type ActuatorType
	Kp   float64
	Kd   float64
	Tau  float64
}

// Kd values are tuned per joint rather than per type.
var gainTable = [...]gainRow{
	{11, RobStride03, kp03, 8.284, tau03},
	{12, RobStride03, kp03, 8.257, tau03},
	{13, RobStride02, kp02, 0.945, tau02},
	{14, RobStride02, kp02, 1.266, tau02},
	{15, RobStride00, kp00, 0.295, tau00},
	{21, RobStride03, kp03, 8.284, tau03},
	{22, RobStride03, kp03, 8.257, tau03},
	{23, RobStride02, kp02, 0.945, tau02},
	{24, RobStride02, kp02, 1.266, tau02},
	{25, RobStride00, kp00, 0.295, tau00},
	{31, RobStride04, kp04, 24.722, tau04},
	{32, RobStride03, kpLarge, 26.387, tau03},
	{33, RobStride03, kp03, 3.419, tau03},
	{34, RobStride04, kp04, 8.654, tau04},
	{35, RobStride02, kp02, 0.99, tau02},
	{41, RobStride04, kp04, 24.722, tau04},
	{42, RobStride03, kpLarge, 26.387, tau03},
	{43, RobStride03, kp03, 3.419, tau03},
	{44, RobStride04, kp04, 8.654, tau04},
	{45, RobStride02, kp02, 0.99, tau02},
}

// GainsFor returns the startup configuration of an actuator, with the
// torque limit multiplied by torqueScale. A missing row is a configuration error.
func GainsFor(id ActuatorID, torqueScale float64) (ActuatorConfig, error) {
	for _, row := range gainTable {
		if row.ID == id {
			return ActuatorConfig{
				Kp:          row.Kp,
				Kd:          row.Kd,
				MaxTorque:   row.Tau * torqueScale,
				MaxVelocity: DefaultMaxVelocity,
				MaxCurrent:  DefaultMaxCurrent,
			}, nil
		}
	}
	return ActuatorConfig{}, &ConfigError{Subject: "actuator " + strconv.Itoa(int(id)), Err: ErrMissingGains}
}

// TypeOf returns the actuator family of id
func TypeOf(id ActuatorID) (ActuatorType, bool) {
	for _, row := range gainTable {
		if row.ID == id {
			return row.Type, true
		}
	}
	return 0, false
}

// HomeTarget is a joint's homing angle
type HomeTarget struct {
	ID    ActuatorID
	Angle float64 // radians
}

// homePose is a slightly crouched stance: hips and knees flexed so the
// feet stay under the torso, arms hanging with elbows bent.
var homePose = [...]HomeTarget{
	{11, 0},
	{12, deg(-10)},
	{13, 0},
	{14, deg(-90)},
	{15, 0},
	{21, 0},
	{22, deg(10)},
	{23, 0},
	{24, deg(90)},
	{25, 0},
	{31, deg(20)},
	{32, 0},
	{33, 0},
	{34, deg(-50)},
	{35, deg(30)},
	{41, deg(-20)},
	{42, 0},
	{43, 0},
	{44, deg(50)},
	{45, deg(-30)},
}

// HomePose returns a copy of the static home configuration
func HomePose() []HomeTarget {
	out := make([]HomeTarget, len(homePose))
	copy(out, homePose[:])
	return out
}

// HomeAngle returns the home angle of id
func HomeAngle(id ActuatorID) (float64, bool) {
	for _, h := range homePose {
		if h.ID == id {
			return h.Angle, true
		}
	}
	return 0, false
}

func deg(d float64) float64 {
	return d * math.Pi / 180
}
