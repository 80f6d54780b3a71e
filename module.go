package traj_follower

import (
	"context"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	commonpb "go.viam.com/api/common/v1"
	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/generic"
	"go.viam.com/rdk/spatialmath"
)

// TrajectoryFollowerModel is the Viam model triplet of the follower service.
var TrajectoryFollowerModel = resource.NewModel("devrel", "motion", "trajectory-follower")

func init() {
	resource.RegisterService(generic.API, TrajectoryFollowerModel,
		resource.Registration[resource.Resource, *FollowerConfig]{
			Constructor: newFollowerService,
		},
	)
}

// followerService exposes the potential-field follower as a generic Viam
// service: trajectory, attachment and obstacle management plus single-tick
// stepping go through DoCommand, and a background runner can drive the
// configured arm continuously.
type followerService struct {
	resource.Named
	resource.AlwaysRebuild

	logger   logging.Logger
	cfg      *FollowerConfig
	follower *Follower
	runner   *Runner
	arm      arm.Arm
	camera   camera.Camera
}

func newFollowerService(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (resource.Resource, error) {
	cfg, err := resource.NativeConfig[*FollowerConfig](conf)
	if err != nil {
		return nil, err
	}

	follower, err := NewFollower(cfg, logger)
	if err != nil {
		return nil, err
	}

	robotArm, err := arm.FromDependencies(deps, cfg.Arm)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get arm %q", cfg.Arm)
	}

	var cam camera.Camera
	if cfg.Camera != "" {
		cam, err = camera.FromDependencies(deps, cfg.Camera)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to get camera %q", cfg.Camera)
		}
	}

	s := &followerService{
		Named:    conf.ResourceName().AsNamed(),
		logger:   logger,
		cfg:      cfg,
		follower: follower,
		runner:   NewRunner(follower, robotArm, cfg.SyncRate, cfg.TimeStep, logger),
		arm:      robotArm,
		camera:   cam,
	}
	logger.Infof("trajectory follower initialized for arm %q (%d joints)", cfg.Arm, follower.njoints)
	return s, nil
}

func (s *followerService) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	switch cmd["command"] {
	case "set_trajectory":
		waypoints, err := waypointsFromAny(cmd["waypoints"])
		if err != nil {
			return nil, err
		}
		consider := true
		if v, ok := cmd["consider_obstacles"].(bool); ok {
			consider = v
		}
		if err := s.follower.SetTrajectory(waypoints, consider); err != nil {
			return nil, err
		}
		return map[string]interface{}{"waypoints": trajectorySamples}, nil

	case "step":
		current, err := s.currentConfiguration(ctx, cmd["current"])
		if err != nil {
			return nil, err
		}
		var human []float64
		if cmd["human"] != nil {
			if human, err = floatsFromAny(cmd["human"]); err != nil {
				return nil, err
			}
		}
		timeStep := s.cfg.TimeStep
		if v, ok := cmd["time_step"].(float64); ok {
			timeStep = v
		}
		next, err := s.follower.Step(ctx, current, human, timeStep)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"target": next}, nil

	case "follow":
		s.runner.Start()
		return map[string]interface{}{"running": true}, nil

	case "stop_follow":
		s.runner.Stop()
		return map[string]interface{}{"running": false}, nil

	case "attach":
		samples, err := vectorsFromAny(cmd["points"])
		if err != nil {
			return nil, err
		}
		graspOffset, err := poseFromAny(cmd["grasp_offset"])
		if err != nil {
			return nil, err
		}
		worldToObject, err := poseFromAny(cmd["world_to_object"])
		if err != nil {
			return nil, err
		}
		if err := s.follower.Attach(samples, graspOffset, worldToObject); err != nil {
			return nil, err
		}
		return map[string]interface{}{"attached": true}, nil

	case "detach":
		if err := s.follower.Detach(); err != nil {
			return nil, err
		}
		return map[string]interface{}{"attached": false}, nil

	case "update_obstacles":
		if s.camera == nil {
			return nil, errors.New("no obstacle camera configured")
		}
		cloud, err := s.camera.NextPointCloud(ctx, nil)
		if err != nil {
			return nil, errors.Wrap(err, "failed to get obstacle point cloud")
		}
		if err := s.follower.UpdateObstacles(cloud); err != nil {
			return nil, err
		}
		// Cached trajectory clearances stay stale until an explicit recompute.
		if v, ok := cmd["recompute"].(bool); ok && v {
			if err := s.follower.Recompute(); err != nil {
				return nil, err
			}
		}
		return map[string]interface{}{"points": cloud.Size()}, nil

	case "recompute":
		if err := s.follower.Recompute(); err != nil {
			return nil, err
		}
		return map[string]interface{}{"recomputed": true}, nil

	case "set_collision_threshold":
		v, ok := cmd["value"].(float64)
		if !ok {
			return nil, errors.New("set_collision_threshold requires a numeric 'value'")
		}
		s.follower.SetCollisionThreshold(v)
		return map[string]interface{}{"collision_threshold": v}, nil

	case "end_position":
		current, err := s.currentConfiguration(ctx, cmd["current"])
		if err != nil {
			return nil, err
		}
		pose, err := s.follower.EndEffectorPose(current)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"pose": poseToMap(spatialmath.PoseToProtobuf(pose))}, nil

	default:
		return nil, errors.Errorf("unknown command: %v", cmd["command"])
	}
}

func (s *followerService) Close(ctx context.Context) error {
	s.runner.Stop()
	return nil
}

// currentConfiguration takes the configuration from the command when present,
// otherwise reads it off the arm.
func (s *followerService) currentConfiguration(ctx context.Context, raw interface{}) ([]float64, error) {
	if raw != nil {
		return floatsFromAny(raw)
	}
	positions, err := s.arm.JointPositions(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read joint positions")
	}
	q := make([]float64, len(positions))
	for i, p := range positions {
		q[i] = p
	}
	return q, nil
}

func floatsFromAny(raw interface{}) ([]float64, error) {
	list, ok := raw.([]interface{})
	if !ok {
		return nil, errors.Errorf("expected a list of numbers, got %T", raw)
	}
	out := make([]float64, len(list))
	for i, v := range list {
		f, ok := v.(float64)
		if !ok {
			return nil, errors.Errorf("expected a number at index %d, got %T", i, v)
		}
		out[i] = f
	}
	return out, nil
}

func waypointsFromAny(raw interface{}) ([][]float64, error) {
	list, ok := raw.([]interface{})
	if !ok {
		return nil, errors.Errorf("expected a list of waypoints, got %T", raw)
	}
	out := make([][]float64, len(list))
	for i, v := range list {
		wp, err := floatsFromAny(v)
		if err != nil {
			return nil, errors.Wrapf(err, "waypoint %d", i)
		}
		out[i] = wp
	}
	return out, nil
}

func vectorsFromAny(raw interface{}) ([]r3.Vector, error) {
	list, ok := raw.([]interface{})
	if !ok {
		return nil, errors.Errorf("expected a list of points, got %T", raw)
	}
	out := make([]r3.Vector, len(list))
	for i, v := range list {
		coords, err := floatsFromAny(v)
		if err != nil {
			return nil, errors.Wrapf(err, "point %d", i)
		}
		if len(coords) != 3 {
			return nil, errors.Errorf("point %d has %d coordinates, expected 3", i, len(coords))
		}
		out[i] = r3.Vector{X: coords[0], Y: coords[1], Z: coords[2]}
	}
	return out, nil
}

func poseFromAny(raw interface{}) (spatialmath.Pose, error) {
	if raw == nil {
		return spatialmath.NewZeroPose(), nil
	}
	fields, ok := raw.(map[string]interface{})
	if !ok {
		return nil, errors.Errorf("expected a pose object, got %T", raw)
	}
	num := func(key string) float64 {
		v, _ := fields[key].(float64)
		return v
	}
	pc := &PoseConfig{
		X: num("x"), Y: num("y"), Z: num("z"),
		OX: num("o_x"), OY: num("o_y"), OZ: num("o_z"), Theta: num("theta"),
	}
	return pc.Pose(), nil
}

func poseToMap(pose *commonpb.Pose) map[string]interface{} {
	return map[string]interface{}{
		"x": pose.X, "y": pose.Y, "z": pose.Z,
		"o_x": pose.OX, "o_y": pose.OY, "o_z": pose.OZ, "theta": pose.Theta,
	}
}
