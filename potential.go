package traj_follower

import "gonum.org/v1/gonum/floats"

// Potential weights. The composite couples the two terms multiplicatively:
// the denominator blows the potential up as clearance goes negative while the
// +1 offsets keep it finite at exactly zero error or zero clearance.
const (
	attractiveWeight = 10.0
	repulsiveWeight  = 2.0
)

// attractivePotential is the squared joint-space distance to the target
// waypoint's configuration.
func attractivePotential(q, target []float64) float64 {
	d := floats.Distance(q, target, 2)
	return d * d
}

// compositePotential combines the attractive term with the clearance-derived
// repulsive term. With obstacle avoidance disabled it reduces to the weighted
// attractive term alone.
func compositePotential(attractive, clearance float64, considerObstacles bool) float64 {
	if !considerObstacles {
		return attractiveWeight * attractive
	}
	return (1.0 + attractiveWeight*attractive) / (1.0 + repulsiveWeight*clearance)
}
