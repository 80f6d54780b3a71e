package traj_follower

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/spatialmath"
)

var testSkeleton = []string{"base", "shoulder", "elbow", "wrist", "gripper"}

// fakeKinematics is a smooth planar chain: link i sits at the running sum of
// (cos, sin) over the first i+1 joints, lifted by a small per-link z offset.
// Periodic in every joint, which the step-bounding test exploits.
type fakeKinematics struct {
	dof   int
	links []string
}

func newFakeKinematics() *fakeKinematics {
	return &fakeKinematics{dof: 4, links: testSkeleton}
}

func (k *fakeKinematics) DoF() int { return k.dof }

func (k *fakeKinematics) linkPoint(q []float64, idx int) r3.Vector {
	var x, y float64
	for j := 0; j <= idx && j < len(q); j++ {
		x += math.Cos(q[j])
		y += math.Sin(q[j])
	}
	return r3.Vector{X: x, Y: y, Z: 0.05 * float64(idx)}
}

func (k *fakeKinematics) LinkPoses(inputs []referenceframe.Input, links []string) (map[string]spatialmath.Pose, error) {
	if len(inputs) != k.dof {
		return nil, errors.Errorf("configuration has %d joints, expected %d", len(inputs), k.dof)
	}
	q := []float64(inputs)
	poses := make(map[string]spatialmath.Pose, len(links))
	for _, link := range links {
		idx := -1
		for i, name := range k.links {
			if name == link {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, errors.Errorf("unknown link %q", link)
		}
		poses[link] = spatialmath.NewPoseFromPoint(k.linkPoint(q, idx))
	}
	return poses, nil
}

func (k *fakeKinematics) EndEffectorPose(inputs []referenceframe.Input) (spatialmath.Pose, error) {
	poses, err := k.LinkPoses(inputs, k.links[len(k.links)-1:])
	if err != nil {
		return nil, err
	}
	return poses[k.links[len(k.links)-1]], nil
}

// fakeClearanceField returns a fixed clearance, or delegates to fn when set.
type fakeClearanceField struct {
	value   float64
	fn      func(points []r3.Vector) float64
	updates int
}

func (f *fakeClearanceField) Clearance(points []r3.Vector) (float64, error) {
	if len(points) == 0 {
		return 0, errors.New("no points")
	}
	if f.fn != nil {
		return f.fn(points), nil
	}
	return f.value, nil
}

func (f *fakeClearanceField) Update(cloud pointcloud.PointCloud) error {
	f.updates++
	return nil
}

// recordingClamp captures the arguments it was called with and can rewrite
// the proposed configuration.
type recordingClamp struct {
	proposed []float64
	human    []float64
	rewrite  []float64
}

func (c *recordingClamp) Clamp(proposed, human []float64) ([]float64, error) {
	c.proposed = append([]float64(nil), proposed...)
	c.human = append([]float64(nil), human...)
	if c.rewrite != nil {
		return c.rewrite, nil
	}
	return proposed, nil
}

func testFollowerConfig() *FollowerConfig {
	return &FollowerConfig{
		Arm:            "arm1",
		KinematicsFile: "unused.json",
		LinkSkeleton:   testSkeleton,
	}
}

func newTestFollower(t *testing.T, field ClearanceField) (*Follower, *fakeKinematics, error) {
	t.Helper()
	kin := newFakeKinematics()
	cfg := testFollowerConfig()
	if _, _, err := cfg.Validate(""); err != nil {
		return nil, nil, err
	}
	f, err := NewFollowerFromParts(kin, field, nil, cfg, logging.NewTestLogger(t))
	return f, kin, err
}
