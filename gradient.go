package traj_follower

import (
	"math"

	"github.com/pkg/errors"
)

// Step size for central differences. The potential is smooth in the joint
// angles away from target switches, so a small symmetric probe gives a good
// gradient estimate at two evaluations per joint.
const gradientStep = 1e-4

// centralGradient numerically differentiates a scalar potential with respect
// to the configuration via central differences per joint. This stands in for
// automatic differentiation through the kinematics and clearance collaborators.
// A non-finite potential or gradient entry is fatal; there is no fallback to
// a zero step.
func centralGradient(f func(q []float64) (float64, error), q []float64) ([]float64, error) {
	grad := make([]float64, len(q))
	probe := make([]float64, len(q))
	copy(probe, q)

	for i := range q {
		probe[i] = q[i] + gradientStep
		hi, err := f(probe)
		if err != nil {
			return nil, errors.Wrapf(err, "potential evaluation failed at joint %d (+)", i)
		}
		probe[i] = q[i] - gradientStep
		lo, err := f(probe)
		if err != nil {
			return nil, errors.Wrapf(err, "potential evaluation failed at joint %d (-)", i)
		}
		probe[i] = q[i]

		g := (hi - lo) / (2 * gradientStep)
		if math.IsNaN(g) || math.IsInf(g, 0) {
			return nil, errors.Errorf("non-finite potential gradient at joint %d", i)
		}
		grad[i] = g
	}
	return grad, nil
}

func allFinite(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
