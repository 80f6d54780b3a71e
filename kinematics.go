package traj_follower

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/spatialmath"
)

// Kinematics resolves world-frame poses for named links of the robot at a
// given joint configuration. It is the forward-kinematics boundary of the
// follower; the production implementation wraps an rdk kinematic model.
type Kinematics interface {
	// DoF returns the number of joints expected in a configuration.
	DoF() int

	// LinkPoses returns the world-frame pose of every requested link.
	// A configuration of the wrong length is a fatal error.
	LinkPoses(inputs []referenceframe.Input, links []string) (map[string]spatialmath.Pose, error)

	// EndEffectorPose returns the world-frame pose of the end effector.
	EndEffectorPose(inputs []referenceframe.Input) (spatialmath.Pose, error)
}

// loadKinematicsFile parses an rdk kinematics JSON description into a model,
// same as loading an embedded arm model.
func loadKinematicsFile(path, name string) (referenceframe.Model, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read kinematics file %s", path)
	}

	m := &referenceframe.ModelConfigJSON{
		OriginalFile: &referenceframe.ModelFile{
			Bytes:     raw,
			Extension: "json",
		},
	}
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal kinematics file %s", path)
	}

	return m.ParseConfig(name)
}

// modelKinematics adapts a referenceframe.Model to the Kinematics interface.
// Per-link poses come from the model's geometries, so every skeleton link
// must carry a geometry in the kinematics description. The base-to-world
// transform is composed into every reported pose, keeping both geometry
// modes in world frame.
type modelKinematics struct {
	model       referenceframe.Model
	worldToBase spatialmath.Pose
}

func newModelKinematics(model referenceframe.Model, worldToBase spatialmath.Pose) *modelKinematics {
	if worldToBase == nil {
		worldToBase = spatialmath.NewZeroPose()
	}
	return &modelKinematics{model: model, worldToBase: worldToBase}
}

func (mk *modelKinematics) DoF() int {
	return len(mk.model.DoF())
}

func (mk *modelKinematics) EndEffectorPose(inputs []referenceframe.Input) (spatialmath.Pose, error) {
	pose, err := referenceframe.ComputeOOBPosition(mk.model, inputs)
	if err != nil {
		return nil, err
	}
	return spatialmath.Compose(mk.worldToBase, pose), nil
}

func (mk *modelKinematics) LinkPoses(inputs []referenceframe.Input, links []string) (map[string]spatialmath.Pose, error) {
	gif, err := mk.model.Geometries(inputs)
	if err != nil {
		return nil, err
	}

	// Geometry labels are either bare link names or prefixed "model:link".
	byLink := make(map[string]spatialmath.Pose)
	for _, geom := range gif.Geometries() {
		label := geom.Label()
		if idx := strings.LastIndex(label, ":"); idx >= 0 {
			label = label[idx+1:]
		}
		byLink[label] = spatialmath.Compose(mk.worldToBase, geom.Pose())
	}

	poses := make(map[string]spatialmath.Pose, len(links))
	for _, link := range links {
		pose, ok := byLink[link]
		if !ok {
			return nil, errors.Errorf("link %q has no geometry in the kinematic model", link)
		}
		poses[link] = pose
	}
	return poses, nil
}
