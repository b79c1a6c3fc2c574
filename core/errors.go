package core

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownJoint       = errors.New("joint name not in actuator table")
	ErrMissingGains       = errors.New("no gain table row for actuator")
	ErrNoSample           = errors.New("no IMU sample available")
	ErrHomingNotConverged = errors.New("homing did not converge")
)

// ConfigError is a static configuration problem. These are fatal at startup.
type ConfigError struct {
	Subject string
	Err     error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s: %v", e.Subject, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// FieldError reports one snapshot field that could not be produced
type FieldError struct {
	Field  string
	Joint  JointName
	ID     ActuatorID
	Reason string
}

func (e *FieldError) Error() string {
	if e.Joint != "" {
		return fmt.Sprintf("%s not available for joint %s (id %d): %s", e.Field, e.Joint, e.ID, e.Reason)
	}
	return fmt.Sprintf("%s not available: %s", e.Field, e.Reason)
}

// SnapshotError wraps a failed actuator-state or IMU acquisition
type SnapshotError struct {
	Source string // "actuators" or "imu"
	Err    error
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("snapshot acquisition failed (%s): %v", e.Source, e.Err)
}

func (e *SnapshotError) Unwrap() error {
	return e.Err
}
