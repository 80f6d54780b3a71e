package traj_follower

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/pointcloud"
)

// Clearance reported when no obstacle cloud has been supplied yet. Large
// enough that the repulsive term vanishes, finite so the potential stays
// well defined.
const unboundedClearance = 1e6

// ClearanceField is the obstacle-clearance boundary of the follower: given a
// batch of control points it reports a single clearance scalar for the
// configuration, and its stored obstacle representation can be replaced
// wholesale.
type ClearanceField interface {
	// Clearance returns the distance from the closest control point to the
	// obstacle set. More negative means deeper interpenetration once the
	// collision threshold has been subtracted by the caller.
	Clearance(points []r3.Vector) (float64, error)

	// Update replaces the stored obstacle representation. A nil or empty
	// cloud clears it.
	Update(cloud pointcloud.PointCloud) error
}

// kdClearanceField answers clearance queries with nearest-neighbor lookups
// against a KD-tree built over the obstacle cloud.
type kdClearanceField struct {
	tree *pointcloud.KDTree
}

func newKDClearanceField() *kdClearanceField {
	return &kdClearanceField{}
}

func (f *kdClearanceField) Update(cloud pointcloud.PointCloud) error {
	if cloud == nil || cloud.Size() == 0 {
		f.tree = nil
		return nil
	}
	f.tree = pointcloud.ToKDTree(cloud)
	return nil
}

func (f *kdClearanceField) Clearance(points []r3.Vector) (float64, error) {
	if len(points) == 0 {
		return 0, errors.New("clearance query requires at least one point")
	}
	if f.tree == nil {
		return unboundedClearance, nil
	}

	minDist := unboundedClearance
	for _, p := range points {
		_, _, dist, found := f.tree.NearestNeighbor(p)
		if !found {
			continue
		}
		if dist < minDist {
			minDist = dist
		}
	}
	return minDist, nil
}
