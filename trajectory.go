package traj_follower

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// trajectoryCache stores the reference trajectory resampled to a fixed
// waypoint count alongside the skeleton control points and clearance value of
// every waypoint. The three arrays are index-aligned and only ever rebuilt
// together, under the owning follower's lock.
type trajectoryCache struct {
	waypoints         [][]float64
	skeleton          [][]r3.Vector
	clearances        []float64
	considerObstacles bool
}

// resampleTrajectory linearly interpolates the waypoint sequence to exactly n
// waypoints, per coordinate along the waypoint index, endpoints preserved.
func resampleTrajectory(waypoints [][]float64, n int) ([][]float64, error) {
	if len(waypoints) == 0 {
		return nil, errors.New("trajectory must contain at least one waypoint")
	}
	dof := len(waypoints[0])
	for i, wp := range waypoints {
		if len(wp) != dof {
			return nil, errors.Errorf("waypoint %d has %d joints, expected %d", i, len(wp), dof)
		}
	}

	out := make([][]float64, n)
	if len(waypoints) == 1 {
		for i := range out {
			wp := make([]float64, dof)
			copy(wp, waypoints[0])
			out[i] = wp
		}
		return out, nil
	}

	for i := 0; i < n; i++ {
		// Computed as one ratio so the last sample lands exactly on the
		// final waypoint.
		t := float64(i*(len(waypoints)-1)) / float64(n-1)
		lo := int(t)
		wp := make([]float64, dof)
		if lo >= len(waypoints)-1 {
			copy(wp, waypoints[len(waypoints)-1])
		} else {
			frac := t - float64(lo)
			for j := 0; j < dof; j++ {
				wp[j] = waypoints[lo][j] + frac*(waypoints[lo+1][j]-waypoints[lo][j])
			}
		}
		out[i] = wp
	}
	return out, nil
}

// targetIndex finds the furthest waypoint whose cached skeleton points all lie
// within the deviation bound of the caller's current skeleton points. Scanning
// from the back favors progress along the trajectory over the nearest match.
func (tc *trajectoryCache) targetIndex(skeleton []r3.Vector, clearance float64) (int, bool) {
	bound := looseWaypointBound
	if tc.considerObstacles {
		bound = clearance + clearanceMargin
	}

	for i := len(tc.waypoints) - 1; i >= 0; i-- {
		if tc.withinBound(tc.skeleton[i], skeleton, bound) {
			return i, true
		}
	}
	return 0, false
}

func (tc *trajectoryCache) withinBound(cached, current []r3.Vector, bound float64) bool {
	if len(cached) != len(current) {
		return false
	}
	for j := range cached {
		if cached[j].Sub(current[j]).Norm() > bound {
			return false
		}
	}
	return true
}

// target returns the configuration of the selected waypoint, or the caller's
// own configuration when no waypoint qualifies (zero attractive pull).
func (tc *trajectoryCache) target(current []float64, skeleton []r3.Vector, clearance float64) []float64 {
	if idx, ok := tc.targetIndex(skeleton, clearance); ok {
		return tc.waypoints[idx]
	}
	return current
}

// equal reports whether two caches hold identical arrays; used by tests to
// check rebuild idempotence.
func (tc *trajectoryCache) equal(other *trajectoryCache) bool {
	if tc == nil || other == nil {
		return tc == other
	}
	if len(tc.waypoints) != len(other.waypoints) ||
		len(tc.skeleton) != len(other.skeleton) ||
		tc.considerObstacles != other.considerObstacles {
		return false
	}
	if !floats.Equal(tc.clearances, other.clearances) {
		return false
	}
	for i := range tc.waypoints {
		if !floats.Equal(tc.waypoints[i], other.waypoints[i]) {
			return false
		}
		if len(tc.skeleton[i]) != len(other.skeleton[i]) {
			return false
		}
		for j := range tc.skeleton[i] {
			if tc.skeleton[i][j] != other.skeleton[i][j] {
				return false
			}
		}
	}
	return true
}
