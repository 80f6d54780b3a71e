package traj_follower

// SafetyClamp bounds a proposed configuration against a secondary constraint,
// such as proximity to a tracked human. Implementations must be pure: same
// inputs, same output, no retained state. The human configuration may be nil
// when no human is tracked.
type SafetyClamp interface {
	Clamp(proposed, human []float64) ([]float64, error)
}
