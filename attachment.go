package traj_follower

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
)

// attachmentState holds the single grasped object tracked by the follower:
// its sample points expressed in the grasp frame and the rigid offset from
// the end effector to that frame.
type attachmentState struct {
	nominal     []spatialmath.Pose
	graspOffset spatialmath.Pose
}

// newAttachmentState validates and stores a grasped object. Samples are given
// in world frame together with the transform taking world coordinates into
// the object's grasp frame; they are folded into grasp-frame nominal poses up
// front so extraction only pays for two pose compositions per sample.
func newAttachmentState(samples []r3.Vector, graspOffset, worldToObject spatialmath.Pose) (*attachmentState, error) {
	if len(samples) == 0 {
		return nil, errors.New("attachment requires a non-empty sample point set")
	}
	if graspOffset == nil {
		return nil, errors.New("attachment requires a rigid grasp offset transform")
	}
	if worldToObject == nil {
		worldToObject = spatialmath.NewZeroPose()
	}

	nominal := make([]spatialmath.Pose, 0, len(samples))
	for _, sample := range samples {
		nominal = append(nominal, spatialmath.Compose(worldToObject, spatialmath.NewPoseFromPoint(sample)))
	}
	return &attachmentState{nominal: nominal, graspOffset: graspOffset}, nil
}

func (a *attachmentState) active() bool {
	return a != nil && len(a.nominal) > 0
}

// worldPoints projects the stored samples through the current end effector
// pose and the grasp offset into world frame.
func (a *attachmentState) worldPoints(eePose spatialmath.Pose) []r3.Vector {
	grasp := spatialmath.Compose(eePose, a.graspOffset)
	points := make([]r3.Vector, 0, len(a.nominal))
	for _, n := range a.nominal {
		points = append(points, spatialmath.Compose(grasp, n).Point())
	}
	return points
}
