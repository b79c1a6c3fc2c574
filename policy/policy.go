// Package policy defines how the control loop drives a pretrained policy:
// the runner contract, the input kinds a policy may request, and the
// built-in models used for bring-up.
package policy

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"kbotrt/core"
)

// InputKind is one family of policy input. The set is closed: every kind
// has exactly one producer in the sensor fusion provider.
type InputKind int

const (
	JointAngles InputKind = iota
	JointAngularVelocities
	Accelerometer
	Gyroscope
	ProjectedGravity
	Time
	Command
	InitialHeading
	Quaternion
	Carry
	numInputKinds
)

var inputKindNames = [numInputKinds]string{
	"joint_angles",
	"joint_angular_velocities",
	"accelerometer",
	"gyroscope",
	"projected_gravity",
	"time",
	"command",
	"initial_heading",
	"quaternion",
	"carry",
}

func (k InputKind) String() string {
	if k < 0 || k >= numInputKinds {
		return fmt.Sprintf("input_kind(%d)", int(k))
	}
	return inputKindNames[k]
}

// ParseInputKind is the inverse of String
func ParseInputKind(s string) (InputKind, error) {
	for i, name := range inputKindNames {
		if name == s {
			return InputKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown input kind %q", s)
}

// AllInputKinds lists every kind in declaration order
func AllInputKinds() []InputKind {
	kinds := make([]InputKind, numInputKinds)
	for i := range kinds {
		kinds[i] = InputKind(i)
	}
	return kinds
}

// UnmarshalYAML accepts the kind's name
func (k *InputKind) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseInputKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Metadata describes a policy's interface. Output tensors index joints in
// JointNames order; NumCommands is the operator vector width.
type Metadata struct {
	JointNames  []core.JointName `yaml:"joint_names"`
	NumCommands int              `yaml:"num_commands"`
	Inputs      []InputKind      `yaml:"inputs"`
	CarrySize   int              `yaml:"carry_size"`
}

// Runner is what the control scheduler drives
type Runner interface {
	Metadata() Metadata
	Init(ctx context.Context) (core.Carry, error)
	Step(ctx context.Context, carry core.Carry) (core.Tensor, core.Carry, error)
	TakeAction(ctx context.Context, action core.Tensor) error
}

// InputProvider produces policy inputs and applies policy outputs
type InputProvider interface {
	GetInputs(ctx context.Context, kinds []InputKind, meta Metadata) (map[InputKind]core.Tensor, error)
	TakeAction(ctx context.Context, action core.Tensor, meta Metadata) ([]core.ActuatorResult, error)
}

// Model is a policy that maps inputs and carry to an action and the next carry
type Model interface {
	Metadata() Metadata
	Init() (core.Carry, error)
	Run(inputs map[InputKind]core.Tensor, carry core.Carry) (core.Tensor, core.Carry, error)
}
