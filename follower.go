package traj_follower

import (
	"context"
	"os"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/floats"
)

var errNonFiniteResult = errors.New("computed configuration contains non-finite values")

// Follower drives a manipulator along a reference trajectory by descending an
// artificial potential field that couples trajectory attraction with obstacle
// clearance. Each Step proposes a single bounded joint-space displacement; no
// iterative solve, no lookahead.
//
// All mutable state (trajectory cache, attachment, obstacle cloud, collision
// threshold) lives behind one mutex, so ticks and recomputation triggers are
// exclusive, non-overlapping operations.
type Follower struct {
	mu     sync.Mutex
	logger logging.Logger

	kin       Kinematics
	extractor pointExtractor
	field     ClearanceField
	clamp     SafetyClamp

	traj               *trajectoryCache
	attach             *attachmentState
	collisionThreshold float64

	njoints       int
	controlGain   float64
	maxJointSpeed float64
}

// NewFollower builds a follower from its config: kinematic model from the
// configured file, KD-tree clearance field, and the geometry mode picked by
// the presence of the control-points file. A missing control-points file is
// not fatal; the follower falls back to skeleton interpolation.
func NewFollower(cfg *FollowerConfig, logger logging.Logger) (*Follower, error) {
	model, err := loadKinematicsFile(cfg.KinematicsFile, "follower_arm")
	if err != nil {
		return nil, errors.Wrap(err, "failed to load kinematic model")
	}
	kin := newModelKinematics(model, cfg.WorldToBase.Pose())

	var offsets *controlPointOffsets
	if cfg.ControlPointsFile != "" {
		offsets, err = loadControlPoints(cfg.ControlPointsFile, cfg.LinkSkeleton)
		if err != nil {
			if !os.IsNotExist(errors.Cause(err)) {
				return nil, err
			}
			logger.Warnf("control points file %s was not found, using skeleton interpolation", cfg.ControlPointsFile)
			offsets = nil
		}
	}

	return NewFollowerFromParts(kin, newKDClearanceField(), offsets, cfg, logger)
}

// NewFollowerFromParts wires a follower from explicit collaborators. Used by
// NewFollower and by tests that substitute fakes at the interface boundaries.
func NewFollowerFromParts(
	kin Kinematics,
	field ClearanceField,
	offsets *controlPointOffsets,
	cfg *FollowerConfig,
	logger logging.Logger,
) (*Follower, error) {
	extractor, err := newPointExtractor(kin, cfg, offsets)
	if err != nil {
		return nil, err
	}

	threshold := cfg.CollisionThreshold
	if threshold == 0 {
		threshold = defaultCollisionThreshold
	}
	gain := cfg.ControlGain
	if gain == 0 {
		gain = defaultControlGain
	}
	maxSpeed := cfg.MaxJointSpeed
	if maxSpeed == 0 {
		maxSpeed = defaultMaxJointSpeed
	}

	return &Follower{
		logger:             logger,
		kin:                kin,
		extractor:          extractor,
		field:              field,
		traj:               nil,
		collisionThreshold: threshold,
		njoints:            kin.DoF(),
		controlGain:        gain,
		maxJointSpeed:      maxSpeed,
	}, nil
}

// SetClamp installs the secondary safety clamp that every proposed
// configuration is routed through. A nil clamp disables routing.
func (f *Follower) SetClamp(clamp SafetyClamp) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clamp = clamp
}

// SetCollisionThreshold updates the bias subtracted from raw clearance.
func (f *Follower) SetCollisionThreshold(threshold float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collisionThreshold = threshold
}

// CollisionThreshold returns the current clearance bias.
func (f *Follower) CollisionThreshold() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.collisionThreshold
}

// Attached reports whether a grasped object is currently tracked.
func (f *Follower) Attached() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attach.active()
}

// SetTrajectory resamples the waypoint sequence to a fixed count and rebuilds
// the cached skeleton points and clearance values for every waypoint.
func (f *Follower) SetTrajectory(waypoints [][]float64, considerObstacles bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, wp := range waypoints {
		if len(wp) != f.njoints {
			return errors.Errorf("waypoint %d has %d joints, expected %d", i, len(wp), f.njoints)
		}
	}

	resampled, err := resampleTrajectory(waypoints, trajectorySamples)
	if err != nil {
		return err
	}

	cache := &trajectoryCache{waypoints: resampled, considerObstacles: considerObstacles}
	if err := f.populateCacheLocked(cache); err != nil {
		return err
	}
	f.traj = cache
	f.logger.Debugf("trajectory set: %d input waypoints resampled to %d, consider_obstacles=%v",
		len(waypoints), trajectorySamples, considerObstacles)
	return nil
}

// Recompute rebuilds the cached skeleton points and clearance values against
// the existing stored trajectory. This is the explicit recomputation trigger
// that must follow attachment or obstacle changes that should affect
// planning; obstacle-cloud replacement alone leaves cached clearances stale
// until it runs.
func (f *Follower) Recompute() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recomputeLocked()
}

func (f *Follower) recomputeLocked() error {
	if f.traj == nil {
		return nil
	}
	cache := &trajectoryCache{waypoints: f.traj.waypoints, considerObstacles: f.traj.considerObstacles}
	if err := f.populateCacheLocked(cache); err != nil {
		return err
	}
	f.traj = cache
	return nil
}

// populateCacheLocked fills the skeleton and clearance arrays for every
// waypoint. The cache is swapped in only after the whole pass succeeds, so a
// partial cache is never observable.
func (f *Follower) populateCacheLocked(cache *trajectoryCache) error {
	cache.skeleton = make([][]r3.Vector, len(cache.waypoints))
	cache.clearances = make([]float64, len(cache.waypoints))
	for i, wp := range cache.waypoints {
		skeleton, _, err := f.extractor.extract(wp, f.attach)
		if err != nil {
			return errors.Wrapf(err, "failed to extract control points for waypoint %d", i)
		}
		clearance, err := f.field.Clearance(skeleton)
		if err != nil {
			return errors.Wrapf(err, "failed to evaluate clearance for waypoint %d", i)
		}
		cache.skeleton[i] = skeleton
		cache.clearances[i] = clearance
	}
	return nil
}

// UpdateObstacles replaces the obstacle point cloud wholesale. Cached
// trajectory clearance values are NOT recomputed here; they stay stale until
// the next SetTrajectory, Attach, Detach, or Recompute call.
func (f *Follower) UpdateObstacles(cloud pointcloud.PointCloud) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.field.Update(cloud)
}

// Attach tracks a grasped object: samples in world frame, the rigid offset
// from the end effector to the grasp frame, and the transform taking world
// coordinates into the object's frame. Overwrites any prior attachment, then
// recomputes the trajectory cache. On validation failure the prior attachment
// is left unchanged.
func (f *Follower) Attach(samples []r3.Vector, graspOffset, worldToObject spatialmath.Pose) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	attach, err := newAttachmentState(samples, graspOffset, worldToObject)
	if err != nil {
		return err
	}
	f.attach = attach
	return f.recomputeLocked()
}

// Detach clears the tracked object and recomputes the trajectory cache.
func (f *Follower) Detach() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.attach = nil
	return f.recomputeLocked()
}

// EndEffectorPose computes the world-frame end effector pose at the given
// configuration.
func (f *Follower) EndEffectorPose(q []float64) (spatialmath.Pose, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(q) != f.njoints {
		return nil, errors.Errorf("configuration has %d joints, expected %d", len(q), f.njoints)
	}
	return f.kin.EndEffectorPose(q)
}

// Potential evaluates the scalar potential field at a configuration, with the
// target waypoint selected fresh.
func (f *Follower) Potential(q []float64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(q) != f.njoints {
		return 0, errors.Errorf("configuration has %d joints, expected %d", len(q), f.njoints)
	}
	return f.potentialLocked(q, nil)
}

// potentialLocked computes the potential at q. When target is nil the target
// waypoint is selected from the trajectory cache; a non-nil target is treated
// as a constant, which is how the gradient evaluation freezes the selection
// made at the center configuration.
func (f *Follower) potentialLocked(q, target []float64) (float64, error) {
	skeleton, dense, err := f.extractor.extract(q, f.attach)
	if err != nil {
		return 0, err
	}
	raw, err := f.field.Clearance(dense)
	if err != nil {
		return 0, err
	}
	clearance := raw - f.collisionThreshold

	if target == nil {
		target = f.targetLocked(q, skeleton, clearance)
	}
	return compositePotential(attractivePotential(q, target), clearance, f.considerObstaclesLocked()), nil
}

func (f *Follower) targetLocked(q []float64, skeleton []r3.Vector, clearance float64) []float64 {
	if f.traj == nil {
		return q
	}
	return f.traj.target(q, skeleton, clearance)
}

func (f *Follower) considerObstaclesLocked() bool {
	if f.traj == nil {
		return true
	}
	return f.traj.considerObstacles
}

// Step runs one control tick: evaluate the potential around the current
// configuration, descend its gradient, bound the displacement, and optionally
// route the candidate through the safety clamp. The returned configuration is
// guaranteed finite; any differentiation failure is fatal with no silent
// fallback to a zero step.
func (f *Follower) Step(ctx context.Context, current, human []float64, timeStep float64) ([]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(current) != f.njoints {
		return nil, errors.Errorf("configuration has %d joints, expected %d", len(current), f.njoints)
	}
	if timeStep <= 0 {
		timeStep = defaultTimeStep
	}

	// Select the target once at the current configuration; the waypoint
	// validity mask is not differentiable, so the selection is a constant of
	// the gradient like it is under reverse-mode autodiff.
	skeleton, dense, err := f.extractor.extract(current, f.attach)
	if err != nil {
		return nil, err
	}
	raw, err := f.field.Clearance(dense)
	if err != nil {
		return nil, err
	}
	target := f.targetLocked(current, skeleton, raw-f.collisionThreshold)

	grad, err := centralGradient(func(q []float64) (float64, error) {
		return f.potentialLocked(q, target)
	}, current)
	if err != nil {
		return nil, err
	}

	delta := make([]float64, f.njoints)
	copy(delta, grad)
	floats.Scale(-f.controlGain*timeStep, delta)
	if norm := floats.Norm(delta, 2); norm > f.maxJointSpeed {
		floats.Scale(f.maxJointSpeed/norm, delta)
	}

	next := make([]float64, f.njoints)
	floats.AddTo(next, current, delta)

	if f.clamp != nil {
		next, err = f.clamp.Clamp(next, human)
		if err != nil {
			return nil, errors.Wrap(err, "safety clamp failed")
		}
	}

	if !allFinite(next) {
		return nil, errNonFiniteResult
	}
	return next, nil
}
