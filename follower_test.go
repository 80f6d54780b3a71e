package traj_follower

import (
	"context"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/floats"
)

func TestSetTrajectory(t *testing.T) {
	field := &fakeClearanceField{value: 1}
	f, _, err := newTestFollower(t, field)
	require.NoError(t, err)

	waypoints := [][]float64{
		{0, 0, 0, 0},
		{0.5, 0.2, -0.1, 0.3},
		{1.0, 0.4, -0.2, 0.6},
	}

	t.Run("builds an index-aligned cache", func(t *testing.T) {
		require.NoError(t, f.SetTrajectory(waypoints, true))
		require.NotNil(t, f.traj)
		assert.Len(t, f.traj.waypoints, trajectorySamples)
		assert.Len(t, f.traj.skeleton, trajectorySamples)
		assert.Len(t, f.traj.clearances, trajectorySamples)
	})

	t.Run("is idempotent", func(t *testing.T) {
		require.NoError(t, f.SetTrajectory(waypoints, true))
		first := f.traj
		require.NoError(t, f.SetTrajectory(waypoints, true))
		assert.True(t, f.traj.equal(first), "identical inputs must yield identical caches")
	})

	t.Run("rejects waypoints with the wrong joint count", func(t *testing.T) {
		err := f.SetTrajectory([][]float64{{0, 0}}, true)
		assert.Error(t, err)
	})
}

func TestStepBounding(t *testing.T) {
	field := &fakeClearanceField{value: 1}
	f, _, err := newTestFollower(t, field)
	require.NoError(t, err)

	// The fake kinematics are 2*pi periodic per joint, so a goal one full
	// turn away has identical skeleton points: it qualifies as the target
	// while sitting far away in joint space, making the raw gradient huge.
	current := []float64{0.2, 0.4, -0.3, 1.0}
	goal := make([]float64, len(current))
	for i := range current {
		goal[i] = current[i] + 2*math.Pi
	}
	require.NoError(t, f.SetTrajectory([][]float64{current, goal}, false))

	next, err := f.Step(context.Background(), current, nil, 0.5)
	require.NoError(t, err)

	delta := make([]float64, len(current))
	floats.SubTo(delta, next, current)

	t.Run("displacement norm is capped at max joint speed", func(t *testing.T) {
		assert.InDelta(t, defaultMaxJointSpeed, floats.Norm(delta, 2), 1e-6)
	})

	t.Run("direction descends toward the goal", func(t *testing.T) {
		for i := range delta {
			assert.Greater(t, delta[i], 0.0, "joint %d should move toward the goal", i)
		}
	})
}

func TestStepSmallGradientNotRescaled(t *testing.T) {
	field := &fakeClearanceField{value: 1}
	f, _, err := newTestFollower(t, field)
	require.NoError(t, err)

	// Target barely away from the current configuration: the raw step stays
	// under the speed cap and must pass through unscaled.
	current := []float64{0, 0, 0, 0}
	goal := []float64{0.001, 0, 0, 0}
	require.NoError(t, f.SetTrajectory([][]float64{current, goal}, false))

	next, err := f.Step(context.Background(), current, nil, 0.5)
	require.NoError(t, err)

	delta := make([]float64, len(current))
	floats.SubTo(delta, next, current)
	assert.Less(t, floats.Norm(delta, 2), defaultMaxJointSpeed/10)
}

func TestStepErrors(t *testing.T) {
	t.Run("configuration dimensionality mismatch is fatal", func(t *testing.T) {
		f, _, err := newTestFollower(t, &fakeClearanceField{value: 1})
		require.NoError(t, err)
		_, err = f.Step(context.Background(), []float64{0, 0}, nil, 0.5)
		assert.Error(t, err)
	})

	t.Run("non-finite clearance makes differentiation fail", func(t *testing.T) {
		field := &fakeClearanceField{fn: func([]r3.Vector) float64 { return math.NaN() }}
		f, _, err := newTestFollower(t, field)
		require.NoError(t, err)
		require.NoError(t, f.SetTrajectory([][]float64{{0, 0, 0, 0}, {0.1, 0, 0, 0}}, true))

		_, err = f.Step(context.Background(), []float64{0, 0, 0, 0}, nil, 0.5)
		assert.Error(t, err)
	})

	t.Run("non-finite clamp output is rejected", func(t *testing.T) {
		f, _, err := newTestFollower(t, &fakeClearanceField{value: 1})
		require.NoError(t, err)
		f.SetClamp(&recordingClamp{rewrite: []float64{math.NaN(), 0, 0, 0}})

		_, err = f.Step(context.Background(), []float64{0, 0, 0, 0}, nil, 0.5)
		require.Error(t, err)
		assert.ErrorIs(t, err, errNonFiniteResult)
	})

	t.Run("cancelled context aborts the tick", func(t *testing.T) {
		f, _, err := newTestFollower(t, &fakeClearanceField{value: 1})
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = f.Step(ctx, []float64{0, 0, 0, 0}, nil, 0.5)
		assert.Error(t, err)
	})
}

func TestStepClampRouting(t *testing.T) {
	f, _, err := newTestFollower(t, &fakeClearanceField{value: 1})
	require.NoError(t, err)

	clamp := &recordingClamp{rewrite: []float64{0.1, 0.1, 0.1, 0.1}}
	f.SetClamp(clamp)

	human := []float64{0.7, -0.2, 0.5}
	next, err := f.Step(context.Background(), []float64{0, 0, 0, 0}, human, 0.5)
	require.NoError(t, err)

	assert.Equal(t, clamp.rewrite, next, "clamp output must be the final result")
	assert.Equal(t, human, clamp.human, "human configuration must be routed to the clamp")
	assert.Len(t, clamp.proposed, 4)
}

func TestAttachDetach(t *testing.T) {
	field := &fakeClearanceField{value: 1}
	f, _, err := newTestFollower(t, field)
	require.NoError(t, err)
	require.NoError(t, f.SetTrajectory([][]float64{{0, 0, 0, 0}, {0.2, 0, 0, 0}}, true))

	inputs := []referenceframe.Input([]float64{0, 0, 0, 0})
	baseSkeleton, baseDense, err := f.extractor.extract(inputs, f.attach)
	require.NoError(t, err)

	samples := []r3.Vector{{X: 0.01}, {Y: 0.01}}
	grasp := spatialmath.NewPoseFromPoint(r3.Vector{Z: 0.08})

	t.Run("attach augments control points and the cache", func(t *testing.T) {
		require.NoError(t, f.Attach(samples, grasp, spatialmath.NewZeroPose()))
		assert.True(t, f.Attached())

		skeleton, dense, err := f.extractor.extract(inputs, f.attach)
		require.NoError(t, err)
		assert.Len(t, skeleton, len(baseSkeleton)+2)
		assert.Len(t, dense, len(baseDense)+2)
		assert.Len(t, f.traj.skeleton[0], len(baseSkeleton)+2, "cache must be rebuilt with the attachment")
	})

	t.Run("second attach overwrites without error", func(t *testing.T) {
		require.NoError(t, f.Attach([]r3.Vector{{Z: 0.02}}, grasp, spatialmath.NewZeroPose()))
		skeleton, _, err := f.extractor.extract(inputs, f.attach)
		require.NoError(t, err)
		assert.Len(t, skeleton, len(baseSkeleton)+1)
	})

	t.Run("malformed attach leaves prior state unchanged", func(t *testing.T) {
		assert.Error(t, f.Attach(nil, grasp, spatialmath.NewZeroPose()))
		assert.Error(t, f.Attach(samples, nil, spatialmath.NewZeroPose()))
		assert.True(t, f.Attached())
	})

	t.Run("detach restores pre-attach counts", func(t *testing.T) {
		require.NoError(t, f.Detach())
		assert.False(t, f.Attached())

		skeleton, dense, err := f.extractor.extract(inputs, f.attach)
		require.NoError(t, err)
		assert.Len(t, skeleton, len(baseSkeleton))
		assert.Len(t, dense, len(baseDense))
		assert.Len(t, f.traj.skeleton[0], len(baseSkeleton))
	})
}

func TestObstacleStaleness(t *testing.T) {
	field := &fakeClearanceField{value: 1}
	f, _, err := newTestFollower(t, field)
	require.NoError(t, err)
	require.NoError(t, f.SetTrajectory([][]float64{{0, 0, 0, 0}, {0.2, 0, 0, 0}}, true))
	assert.InDelta(t, 1.0, f.traj.clearances[0], 1e-12)

	// Replacing the cloud leaves cached clearances stale until an explicit
	// recompute trigger runs.
	field.value = 2
	require.NoError(t, f.UpdateObstacles(nil))
	assert.Equal(t, 1, field.updates)
	assert.InDelta(t, 1.0, f.traj.clearances[0], 1e-12)

	require.NoError(t, f.Recompute())
	assert.InDelta(t, 2.0, f.traj.clearances[0], 1e-12)
}

func TestPotential(t *testing.T) {
	t.Run("on-trajectory configuration with zero attractive error", func(t *testing.T) {
		field := &fakeClearanceField{value: 0.3}
		f, _, err := newTestFollower(t, field)
		require.NoError(t, err)

		current := []float64{0.1, 0.2, 0.3, 0.4}
		require.NoError(t, f.SetTrajectory([][]float64{current}, true))

		u, err := f.Potential(current)
		require.NoError(t, err)
		clearance := 0.3 - defaultCollisionThreshold
		assert.InDelta(t, 1/(1+2*clearance), u, 1e-9)
	})

	t.Run("obstacle-free potential is exactly the weighted attractive term", func(t *testing.T) {
		field := &fakeClearanceField{value: 0.3}
		f, _, err := newTestFollower(t, field)
		require.NoError(t, err)

		current := []float64{0, 0, 0, 0}
		goal := make([]float64, 4)
		for i := range goal {
			goal[i] = current[i] + 2*math.Pi
		}
		require.NoError(t, f.SetTrajectory([][]float64{current, goal}, false))

		u, err := f.Potential(current)
		require.NoError(t, err)
		assert.InDelta(t, 10*attractivePotential(current, goal), u, 1e-9)
	})

	t.Run("collision threshold shifts the clearance", func(t *testing.T) {
		field := &fakeClearanceField{value: 0.3}
		f, _, err := newTestFollower(t, field)
		require.NoError(t, err)
		f.SetCollisionThreshold(0.3)

		current := []float64{0.1, 0.2, 0.3, 0.4}
		require.NoError(t, f.SetTrajectory([][]float64{current}, true))

		u, err := f.Potential(current)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, u, 1e-9, "zero clearance margin should give potential 1")
	})
}
