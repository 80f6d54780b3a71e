package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/pointcloud"

	trajfollower "traj_follower"
)

// Offline scenario runner: load a kinematic model, a trajectory and an
// obstacle cloud, then print the configuration proposed by each control tick.
func main() {
	if err := realMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func realMain() error {
	kinematicsFile := flag.String("kinematics", "", "path to rdk kinematics JSON")
	controlPointsFile := flag.String("control-points", "", "optional control points JSON")
	trajectoryFile := flag.String("trajectory", "", "path to trajectory JSON ([][]float64, radians)")
	pcdFile := flag.String("pcd", "", "optional obstacle point cloud (PCD)")
	skeleton := flag.String("skeleton", "", "comma-separated ordered link names, end effector last")
	start := flag.String("start", "", "comma-separated start configuration (radians)")
	steps := flag.Int("steps", 100, "number of control ticks to run")
	timeStep := flag.Float64("time-step", 0.5, "control tick time step")
	ignoreObstacles := flag.Bool("ignore-obstacles", false, "disable obstacle avoidance")
	flag.Parse()

	if *kinematicsFile == "" || *trajectoryFile == "" || *skeleton == "" || *start == "" {
		flag.Usage()
		return fmt.Errorf("kinematics, trajectory, skeleton and start are required")
	}

	logger := logging.NewLogger("follower-cli")

	cfg := &trajfollower.FollowerConfig{
		Arm:               "offline",
		KinematicsFile:    *kinematicsFile,
		ControlPointsFile: *controlPointsFile,
		LinkSkeleton:      strings.Split(*skeleton, ","),
		TimeStep:          *timeStep,
	}
	if _, _, err := cfg.Validate(""); err != nil {
		return err
	}

	follower, err := trajfollower.NewFollower(cfg, logger)
	if err != nil {
		return err
	}

	if *pcdFile != "" {
		cloud, err := pointcloud.NewFromFile(*pcdFile, "")
		if err != nil {
			return err
		}
		if err := follower.UpdateObstacles(cloud); err != nil {
			return err
		}
		logger.Infof("loaded %d obstacle points from %s", cloud.Size(), *pcdFile)
	}

	waypoints, err := loadTrajectory(*trajectoryFile)
	if err != nil {
		return err
	}
	if err := follower.SetTrajectory(waypoints, !*ignoreObstacles); err != nil {
		return err
	}

	current, err := parseFloats(*start)
	if err != nil {
		return err
	}

	ctx := context.Background()
	for i := 0; i < *steps; i++ {
		next, err := follower.Step(ctx, current, nil, *timeStep)
		if err != nil {
			return fmt.Errorf("tick %d failed: %w", i, err)
		}
		fmt.Printf("%d: %v\n", i, next)
		current = next
	}
	return nil
}

func loadTrajectory(path string) ([][]float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var waypoints [][]float64
	if err := json.Unmarshal(raw, &waypoints); err != nil {
		return nil, fmt.Errorf("failed to parse trajectory %s: %w", path, err)
	}
	return waypoints, nil
}

func parseFloats(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	out := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
