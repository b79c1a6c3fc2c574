package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"kbotrt/core"
)

// ReplayModel plays back recorded joint targets, one frame per step.
// The carry holds the frame cursor.
type ReplayModel struct {
	meta   Metadata
	frames []core.Tensor
	loop   bool
}

type replayFile struct {
	Metadata `yaml:",inline"`
	Loop     bool        `yaml:"loop"`
	Frames   [][]float32 `yaml:"frames"`
}

// LoadReplay reads a replay file
func LoadReplay(path string) (*ReplayModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read replay file: %w", err)
	}
	return ParseReplay(data)
}

// ParseReplay decodes replay YAML and checks every frame's width
func ParseReplay(data []byte) (*ReplayModel, error) {
	var f replayFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse replay file: %w", err)
	}
	if len(f.JointNames) == 0 {
		return nil, fmt.Errorf("replay file declares no joints")
	}
	if len(f.Frames) == 0 {
		return nil, fmt.Errorf("replay file has no frames")
	}

	frames := make([]core.Tensor, len(f.Frames))
	for i, fr := range f.Frames {
		if len(fr) != len(f.JointNames) {
			return nil, fmt.Errorf("frame %d has %d values for %d joints", i, len(fr), len(f.JointNames))
		}
		frames[i] = core.Tensor(fr)
	}

	f.Metadata.CarrySize = 1
	return &ReplayModel{meta: f.Metadata, frames: frames, loop: f.Loop}, nil
}

func (m *ReplayModel) Metadata() Metadata {
	return m.meta
}

func (m *ReplayModel) Init() (core.Carry, error) {
	return core.Carry{0}, nil
}

// Run returns the frame under the cursor; past the end it holds the last
// frame, or wraps when looping.
func (m *ReplayModel) Run(_ map[InputKind]core.Tensor, carry core.Carry) (core.Tensor, core.Carry, error) {
	if len(carry) != 1 {
		return nil, nil, fmt.Errorf("replay carry has %d values, want 1", len(carry))
	}
	idx := int(carry[0])
	if idx < 0 {
		return nil, nil, fmt.Errorf("replay cursor %d is negative", idx)
	}

	n := len(m.frames)
	if m.loop {
		idx %= n
	} else if idx >= n {
		idx = n - 1
	}

	out := make(core.Tensor, len(m.frames[idx]))
	copy(out, m.frames[idx])
	return out, core.Carry{float32(idx + 1)}, nil
}

// HoldModel commands the home pose every step
type HoldModel struct {
	meta   Metadata
	target core.Tensor
}

// NewHoldModel builds a hold model over joints, which must all have a home angle
func NewHoldModel(joints []core.JointName) (*HoldModel, error) {
	ids, err := core.ResolveJoints(joints)
	if err != nil {
		return nil, err
	}
	target := make(core.Tensor, len(ids))
	for i, id := range ids {
		angle, ok := core.HomeAngle(id)
		if !ok {
			return nil, fmt.Errorf("joint %s has no home angle", joints[i])
		}
		target[i] = float32(angle)
	}
	return &HoldModel{
		meta: Metadata{
			JointNames: joints,
			Inputs:     []InputKind{JointAngles},
		},
		target: target,
	}, nil
}

func (m *HoldModel) Metadata() Metadata {
	return m.meta
}

func (m *HoldModel) Init() (core.Carry, error) {
	return core.Carry{}, nil
}

func (m *HoldModel) Run(_ map[InputKind]core.Tensor, carry core.Carry) (core.Tensor, core.Carry, error) {
	out := make(core.Tensor, len(m.target))
	copy(out, m.target)
	return out, carry, nil
}

// Load picks a built-in model for path: an empty path holds the home pose
// over every joint, a .yaml/.yml file is replayed. Other formats need an
// external inference engine.
func Load(path string) (Model, error) {
	if path == "" {
		return NewHoldModel(core.JointNames())
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadReplay(path)
	default:
		return nil, fmt.Errorf("unsupported model format %q", filepath.Ext(path))
	}
}
