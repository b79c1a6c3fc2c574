package core

import "strconv"

// JointName is the policy-facing name of a joint (e.g. "dof_left_knee_04")
type JointName string

// ActuatorID is the bus address of an actuator
type ActuatorID uint32

// jointEntry maps one joint to the actuator driving it
type jointEntry struct {
	Name JointName
	ID   ActuatorID
}

// jointTable is the fixed joint/actuator mapping for the 20-DoF robot.
// Ids are grouped by limb: 1x left arm, 2x right arm, 3x left leg, 4x right leg.
var jointTable = [...]jointEntry{
	{"dof_left_shoulder_pitch_03", 11},
	{"dof_left_shoulder_roll_03", 12},
	{"dof_left_shoulder_yaw_02", 13},
	{"dof_left_elbow_02", 14},
	{"dof_left_wrist_00", 15},
	{"dof_right_shoulder_pitch_03", 21},
	{"dof_right_shoulder_roll_03", 22},
	{"dof_right_shoulder_yaw_02", 23},
	{"dof_right_elbow_02", 24},
	{"dof_right_wrist_00", 25},
	{"dof_left_hip_pitch_04", 31},
	{"dof_left_hip_roll_03", 32},
	{"dof_left_hip_yaw_03", 33},
	{"dof_left_knee_04", 34},
	{"dof_left_ankle_02", 35},
	{"dof_right_hip_pitch_04", 41},
	{"dof_right_hip_roll_03", 42},
	{"dof_right_hip_yaw_03", 43},
	{"dof_right_knee_04", 44},
	{"dof_right_ankle_02", 45},
}

var (
	nameToID = make(map[JointName]ActuatorID, len(jointTable))
	idToName = make(map[ActuatorID]JointName, len(jointTable))
)

func init() {
	for _, e := range jointTable {
		nameToID[e.Name] = e.ID
		idToName[e.ID] = e.Name
	}
}

// ActuatorIDFor resolves a joint name to its actuator id.
// An unmapped name is a configuration error, never a default id.
func ActuatorIDFor(name JointName) (ActuatorID, error) {
	id, ok := nameToID[name]
	if !ok {
		return 0, &ConfigError{Subject: string(name), Err: ErrUnknownJoint}
	}
	return id, nil
}

// JointNameFor resolves an actuator id back to its joint name
func JointNameFor(id ActuatorID) (JointName, error) {
	name, ok := idToName[id]
	if !ok {
		return "", &ConfigError{Subject: "actuator " + strconv.Itoa(int(id)), Err: ErrUnknownJoint}
	}
	return name, nil
}

// ResolveJoints maps every name to an id, failing on the first unmapped name
func ResolveJoints(names []JointName) ([]ActuatorID, error) {
	ids := make([]ActuatorID, len(names))
	for i, name := range names {
		id, err := ActuatorIDFor(name)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

// ActuatorIDs returns every actuator id in table order
func ActuatorIDs() []ActuatorID {
	ids := make([]ActuatorID, len(jointTable))
	for i, e := range jointTable {
		ids[i] = e.ID
	}
	return ids
}

// JointNames returns every joint name in table order
func JointNames() []JointName {
	names := make([]JointName, len(jointTable))
	for i, e := range jointTable {
		names[i] = e.Name
	}
	return names
}
