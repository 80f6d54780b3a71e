package traj_follower

import (
	"context"
	"sync"
	"time"

	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

// Runner drives an arm with the follower at a fixed rate: read joints, take
// one potential-field step, command the result. Per-tick failures are logged
// and skipped; the loop only exits on Stop or context cancellation.
type Runner struct {
	follower *Follower
	arm      arm.Arm
	logger   logging.Logger
	rateHz   int
	timeStep float64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRunner(follower *Follower, a arm.Arm, rateHz int, timeStep float64, logger logging.Logger) *Runner {
	if rateHz <= 0 {
		rateHz = defaultSyncRateHz
	}
	if timeStep <= 0 {
		timeStep = defaultTimeStep
	}
	return &Runner{
		follower: follower,
		arm:      a,
		logger:   logger,
		rateHz:   rateHz,
		timeStep: timeStep,
	}
}

// Start launches the follow loop. Starting a running runner is a no-op.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	done := make(chan struct{})
	r.done = done

	goutils.PanicCapturingGo(func() {
		defer close(done)
		r.loop(ctx)
	})
	r.logger.Infof("follow loop started at %d Hz", r.rateHz)
}

// Stop halts the follow loop and waits for the current tick to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.logger.Info("follow loop stopped")
}

// Running reports whether the follow loop is active.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

func (r *Runner) loop(ctx context.Context) {
	period := time.Second / time.Duration(r.rateHz)
	for goutils.SelectContextOrWait(ctx, period) {
		if err := r.tick(ctx); err != nil {
			r.logger.Debugf("follow tick failed: %v", err)
		}
	}
}

func (r *Runner) tick(ctx context.Context) error {
	positions, err := r.arm.JointPositions(ctx, nil)
	if err != nil {
		return err
	}
	current := positions

	next, err := r.follower.Step(ctx, current, nil, r.timeStep)
	if err != nil {
		return err
	}

	return r.arm.MoveToJointPositions(ctx, next, nil)
}
