package traj_follower

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"
)

// Controller tuning and geometry defaults. The gain/speed pair is deliberately
// conservative: the follower proposes position deltas, not velocities, so an
// overshoot here turns directly into joint motion.
const (
	trajectorySamples         = 500
	defaultControlPoints      = 70
	defaultCollisionThreshold = 0.01
	defaultControlGain        = 0.3
	defaultMaxJointSpeed      = 0.3
	defaultTimeStep           = 0.5
	defaultSyncRateHz         = 20

	// Waypoints qualify as reachable when every cached skeleton point lies
	// within the current clearance plus this margin. With obstacle avoidance
	// off, a fixed bound is used instead.
	clearanceMargin    = 0.05
	looseWaypointBound = 0.1
)

// PoseConfig is the JSON wire form of a rigid transform: translation plus an
// orientation vector in degrees, same convention as Viam frame configs.
type PoseConfig struct {
	X     float64 `json:"x,omitempty"`
	Y     float64 `json:"y,omitempty"`
	Z     float64 `json:"z,omitempty"`
	OX    float64 `json:"o_x,omitempty"`
	OY    float64 `json:"o_y,omitempty"`
	OZ    float64 `json:"o_z,omitempty"`
	Theta float64 `json:"theta,omitempty"`
}

// Pose converts the wire form into a spatialmath.Pose.
func (p *PoseConfig) Pose() spatialmath.Pose {
	if p == nil {
		return spatialmath.NewZeroPose()
	}
	if p.OX == 0 && p.OY == 0 && p.OZ == 0 {
		return spatialmath.NewPoseFromPoint(r3.Vector{X: p.X, Y: p.Y, Z: p.Z})
	}
	return spatialmath.NewPose(
		r3.Vector{X: p.X, Y: p.Y, Z: p.Z},
		&spatialmath.OrientationVectorDegrees{Theta: p.Theta, OX: p.OX, OY: p.OY, OZ: p.OZ},
	)
}

// FollowerConfig configures the potential-field trajectory follower service.
type FollowerConfig struct {
	// Resource dependencies
	Arm    string `json:"arm"`              // Required: arm to drive
	Camera string `json:"camera,omitempty"` // Optional: obstacle point cloud source

	// Robot description
	KinematicsFile    string      `json:"kinematics_file"`               // Required: rdk kinematics JSON
	LinkSkeleton      []string    `json:"link_skeleton"`                 // Required: ordered link names, end effector last
	ControlPointsFile string      `json:"control_points_file,omitempty"` // Optional: per-link control point offsets
	WorldToBase       *PoseConfig `json:"world_to_base,omitempty"`

	// Controller parameters
	ControlPointCount  int     `json:"control_point_count,omitempty"`
	CollisionThreshold float64 `json:"collision_threshold,omitempty"`
	ControlGain        float64 `json:"control_gain,omitempty"`
	MaxJointSpeed      float64 `json:"max_joint_speed,omitempty"`
	TimeStep           float64 `json:"time_step,omitempty"`
	SyncRate           int     `json:"sync_rate,omitempty"` // Follow loop rate in Hz
}

// Validate ensures all parts of the config are valid and fills in defaults.
func (cfg *FollowerConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Arm == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "arm")
	}
	if cfg.KinematicsFile == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "kinematics_file")
	}
	if len(cfg.LinkSkeleton) < 2 {
		return nil, nil, errors.Errorf("link_skeleton needs at least 2 links, got %d", len(cfg.LinkSkeleton))
	}

	// Set defaults
	if cfg.ControlPointCount == 0 {
		cfg.ControlPointCount = defaultControlPoints
	}
	if cfg.CollisionThreshold == 0 {
		cfg.CollisionThreshold = defaultCollisionThreshold
	}
	if cfg.ControlGain == 0 {
		cfg.ControlGain = defaultControlGain
	}
	if cfg.MaxJointSpeed == 0 {
		cfg.MaxJointSpeed = defaultMaxJointSpeed
	}
	if cfg.TimeStep == 0 {
		cfg.TimeStep = defaultTimeStep
	}
	if cfg.SyncRate == 0 {
		cfg.SyncRate = defaultSyncRateHz
	}

	// Validate ranges
	if cfg.ControlPointCount < len(cfg.LinkSkeleton) {
		return nil, nil, errors.Errorf("control_point_count must be at least the skeleton size %d, got %d",
			len(cfg.LinkSkeleton), cfg.ControlPointCount)
	}
	if cfg.ControlGain < 0 {
		return nil, nil, errors.Errorf("control_gain must be non-negative, got %v", cfg.ControlGain)
	}
	if cfg.MaxJointSpeed <= 0 {
		return nil, nil, errors.Errorf("max_joint_speed must be positive, got %v", cfg.MaxJointSpeed)
	}
	if cfg.SyncRate < 1 || cfg.SyncRate > 200 {
		return nil, nil, errors.Errorf("sync_rate must be between 1 and 200 Hz, got %d", cfg.SyncRate)
	}

	deps := []string{arm.Named(cfg.Arm).String()}
	var optional []string
	if cfg.Camera != "" {
		optional = append(optional, camera.Named(cfg.Camera).String())
	}
	return deps, optional, nil
}

// controlPointOffsets is the decoded control-point geometry description:
// ordered local-frame offsets keyed by link name.
type controlPointOffsets struct {
	byLink map[string][]spatialmath.Pose
	order  []string
}

// loadControlPoints reads a control-point geometry file mapping link names to
// lists of [x, y, z] offsets in the link's local frame. Links present in the
// skeleton keep skeleton order; any remaining links follow in name order.
func loadControlPoints(path string, skeleton []string) (*controlPointOffsets, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var parsed map[string][][3]float64
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, errors.Wrapf(err, "failed to parse control points file %s", path)
	}
	if len(parsed) == 0 {
		return nil, errors.Errorf("control points file %s defines no links", path)
	}

	byLink := make(map[string][]spatialmath.Pose, len(parsed))
	for link, offsets := range parsed {
		if len(offsets) == 0 {
			return nil, errors.Errorf("control points file %s has no offsets for link %q", path, link)
		}
		poses := make([]spatialmath.Pose, 0, len(offsets))
		for _, off := range offsets {
			poses = append(poses, spatialmath.NewPoseFromPoint(r3.Vector{X: off[0], Y: off[1], Z: off[2]}))
		}
		byLink[link] = poses
	}

	seen := make(map[string]bool, len(byLink))
	order := make([]string, 0, len(byLink))
	for _, link := range skeleton {
		if _, ok := byLink[link]; ok && !seen[link] {
			order = append(order, link)
			seen[link] = true
		}
	}
	var rest []string
	for link := range byLink {
		if !seen[link] {
			rest = append(rest, link)
		}
	}
	sort.Strings(rest)
	order = append(order, rest...)

	return &controlPointOffsets{byLink: byLink, order: order}, nil
}
