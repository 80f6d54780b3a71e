package main

import (
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/generic"

	trajfollower "traj_follower"
)

func main() {
	module.ModularMain(
		resource.APIModel{API: generic.API, Model: trajfollower.TrajectoryFollowerModel},
	)
}
