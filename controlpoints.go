package traj_follower

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/spatialmath"
)

// pointExtractor produces the control points of a configuration: a skeleton
// set (one point per named link) and a dense set used for clearance queries.
// The geometry mode is fixed at construction; the attachment is passed per
// call so extraction stays a pure function of its arguments.
type pointExtractor interface {
	extract(inputs []referenceframe.Input, attach *attachmentState) (skeleton, dense []r3.Vector, err error)
}

// skeletonExtractor derives control points from link origins alone: the dense
// set is the skeleton resampled along the point index axis to a fixed count.
// Cheap stand-in for mesh sampling when no control-point file is available.
type skeletonExtractor struct {
	kin   Kinematics
	links []string
	count int
}

func (se *skeletonExtractor) extract(inputs []referenceframe.Input, attach *attachmentState) ([]r3.Vector, []r3.Vector, error) {
	poses, err := se.kin.LinkPoses(inputs, se.links)
	if err != nil {
		return nil, nil, err
	}

	skeleton := make([]r3.Vector, 0, len(se.links))
	for _, link := range se.links {
		skeleton = append(skeleton, poses[link].Point())
	}
	dense := resamplePoints(skeleton, se.count)

	if attach.active() {
		eePose := poses[se.links[len(se.links)-1]]
		object := attach.worldPoints(eePose)
		skeleton = append(skeleton, object...)
		dense = append(dense, object...)
	}
	return skeleton, dense, nil
}

// meshExtractor places control points at fixed local-frame offsets on each
// link, the offsets having been sampled from the robot's meshes. In this mode
// the skeleton and dense sets are identical.
type meshExtractor struct {
	kin     Kinematics
	offsets *controlPointOffsets
	eeLink  string
}

func (me *meshExtractor) extract(inputs []referenceframe.Input, attach *attachmentState) ([]r3.Vector, []r3.Vector, error) {
	links := make([]string, 0, len(me.offsets.order)+1)
	links = append(links, me.offsets.order...)
	if _, ok := me.offsets.byLink[me.eeLink]; !ok {
		links = append(links, me.eeLink)
	}

	poses, err := me.kin.LinkPoses(inputs, links)
	if err != nil {
		return nil, nil, err
	}

	var dense []r3.Vector
	for _, link := range me.offsets.order {
		linkPose := poses[link]
		for _, offset := range me.offsets.byLink[link] {
			dense = append(dense, spatialmath.Compose(linkPose, offset).Point())
		}
	}

	if attach.active() {
		dense = append(dense, attach.worldPoints(poses[me.eeLink])...)
	}

	skeleton := make([]r3.Vector, len(dense))
	copy(skeleton, dense)
	return skeleton, dense, nil
}

// resamplePoints linearly interpolates an ordered point list to n entries,
// blending per coordinate across the point index (endpoints preserved).
func resamplePoints(points []r3.Vector, n int) []r3.Vector {
	if len(points) == 0 || n <= 0 {
		return nil
	}
	out := make([]r3.Vector, n)
	if len(points) == 1 {
		for i := range out {
			out[i] = points[0]
		}
		return out
	}
	if n == 1 {
		out[0] = points[0]
		return out
	}

	for i := 0; i < n; i++ {
		// Computed as one ratio so the last sample lands exactly on the
		// final point.
		t := float64(i*(len(points)-1)) / float64(n-1)
		lo := int(t)
		if lo >= len(points)-1 {
			out[i] = points[len(points)-1]
			continue
		}
		frac := t - float64(lo)
		a, b := points[lo], points[lo+1]
		out[i] = r3.Vector{
			X: a.X + frac*(b.X-a.X),
			Y: a.Y + frac*(b.Y-a.Y),
			Z: a.Z + frac*(b.Z-a.Z),
		}
	}
	return out
}

// newPointExtractor selects the geometry mode once: mesh-sampled offsets when
// a control-point description is available, skeleton interpolation otherwise.
func newPointExtractor(kin Kinematics, cfg *FollowerConfig, offsets *controlPointOffsets) (pointExtractor, error) {
	if len(cfg.LinkSkeleton) == 0 {
		return nil, errors.New("link skeleton must not be empty")
	}
	eeLink := cfg.LinkSkeleton[len(cfg.LinkSkeleton)-1]
	if offsets != nil {
		return &meshExtractor{kin: kin, offsets: offsets, eeLink: eeLink}, nil
	}
	count := cfg.ControlPointCount
	if count == 0 {
		count = defaultControlPoints
	}
	return &skeletonExtractor{kin: kin, links: cfg.LinkSkeleton, count: count}, nil
}
