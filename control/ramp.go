package control

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/w1xm/gs232_interface/gs232"
	"github.com/w1xm/gs232_interface/rotator"
)

type Outcome string

const (
	Completed Outcome = "completed"
	Cancelled Outcome = "cancelled"
)

// RampKind names the motion job holding the ramp slot.
type RampKind string

const (
	// TargetRamp walks to a target with the PI law.
	TargetRamp RampKind = "target"
	// ManualRamp drives one axis at a speed that builds up over
	// manualRampUp until it is stopped.
	ManualRamp RampKind = "manual"
	// SoftStop lets the rotor settle on its last step before stopping.
	SoftStop RampKind = "stop"
)

const (
	// envelopeFloor is the smallest fraction of the PI output applied near
	// the ends of travel.
	envelopeFloor = 0.15

	manualRampUp     = 2 * time.Second
	manualStartSpeed = 0.2
	softStopDelay    = time.Second
)

// RampInfo describes the active motion job.
type RampInfo struct {
	Kind      RampKind       `json:"kind"`
	Target    rotator.Target `json:"target"`
	Goal      rotator.Target `json:"goal"`
	Direction string         `json:"direction,omitempty"`
	Started   time.Time      `json:"started"`
	Ticks     int            `json:"ticks"`
}

type activeRamp struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	info RampInfo
}

func (r *activeRamp) update(f func(*RampInfo)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f(&r.info)
}

// ActiveRamp reports the motion job in progress, if any.
func (c *Core) ActiveRamp() (RampInfo, bool) {
	c.mu.Lock()
	r := c.ramp
	c.mu.Unlock()
	if r == nil {
		return RampInfo{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info, true
}

// cancelRamp stops the active job and waits for it to exit.
func (c *Core) cancelRamp() {
	c.rampMu.Lock()
	defer c.rampMu.Unlock()
	c.cancelRampLocked()
}

func (c *Core) cancelRampLocked() {
	c.mu.Lock()
	r := c.ramp
	c.mu.Unlock()
	if r == nil {
		return
	}
	r.cancel()
	<-r.done
}

type jobFunc func(ctx context.Context, r *activeRamp) (Outcome, error)

// startJob cancels any active job and runs loop in its place. The returned
// channel receives loop's error once the slot is released.
func (c *Core) startJob(ctx context.Context, info RampInfo, loop jobFunc) <-chan error {
	c.rampMu.Lock()
	c.cancelRampLocked()
	jctx, cancel := context.WithCancel(ctx)
	info.Started = c.clock.Now()
	r := &activeRamp{
		cancel: cancel,
		done:   make(chan struct{}),
		info:   info,
	}
	c.mu.Lock()
	c.ramp = r
	c.mu.Unlock()
	c.rampMu.Unlock()

	errc := make(chan error, 1)
	go func() {
		outcome, err := loop(jctx, r)
		c.mu.Lock()
		if c.ramp == r {
			c.ramp = nil
		}
		c.mu.Unlock()
		cancel()
		c.metrics.RampFinished(string(outcome))
		if err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warnf("%s ramp %s: %v", info.Kind, outcome, err)
		} else {
			c.log.Infof("%s ramp %s", info.Kind, outcome)
		}
		close(r.done)
		errc <- err
	}()
	return errc
}

func (c *Core) runRamp(ctx context.Context, target rotator.Target) error {
	err := <-c.startJob(ctx, RampInfo{Kind: TargetRamp, Target: target}, c.rampLoop)
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		return nil
	}
	return err
}

// rampWrite writes one step. Losing the link ends the job as cancelled
// rather than failed.
func (c *Core) rampWrite(cmd string) error {
	err := c.write(cmd)
	if err != nil && !c.connected() {
		return context.Canceled
	}
	return err
}

// rampLoop steps toward the target once per sample interval. Settings are
// read afresh on every tick; a mode switch re-plans the goal.
func (c *Core) rampLoop(ctx context.Context, r *activeRamp) (Outcome, error) {
	target := r.info.Target
	gen := c.store.ModeGeneration()
	goal, _ := plan(c.store.Snapshot(), target, c.currentStatus())
	r.update(func(i *RampInfo) { i.Goal = goal })

	var integral [2]float64
	for tick := 0; ; tick++ {
		if tick > 0 {
			select {
			case <-ctx.Done():
				return Cancelled, ctx.Err()
			case <-c.clock.After(c.store.Snapshot().Ramp.SampleInterval()):
			}
		}
		if err := ctx.Err(); err != nil {
			return Cancelled, err
		}
		s := c.store.Snapshot()
		st := c.currentStatus()
		if g := c.store.ModeGeneration(); g != gen {
			gen = g
			integral = [2]float64{}
			goal, _ = plan(s, target, st)
			r.update(func(i *RampInfo) { i.Goal = goal })
			c.log.Infof("rotation mode changed, ramp re-planned")
		}
		r.update(func(i *RampInfo) { i.Ticks++ })

		next, done := rampStep(s, goal, st, &integral)
		if err := c.rampWrite(command(s, next, st)); err != nil {
			return Cancelled, err
		}
		if done {
			return Completed, nil
		}
	}
}

// rampStep returns the next intermediate position toward goal. done means
// next is goal itself: every requested axis is within tolerance, or there
// is no feedback to ramp with.
//
// goal is already the routed representation of the target, so both axes
// travel linearly toward it and never cross the ends of the window.
func rampStep(s rotator.Settings, goal rotator.Target, st *rotator.Status, integral *[2]float64) (next rotator.Target, done bool) {
	if st == nil || (goal.Azimuth != nil && st.Azimuth == nil) || (goal.Elevation != nil && st.Elevation == nil) {
		return goal, true
	}
	rs := s.Ramp

	var errs [2]float64
	arrived := true
	if goal.Azimuth != nil {
		errs[rotator.Azimuth] = *goal.Azimuth - *st.Azimuth
		arrived = arrived && math.Abs(errs[rotator.Azimuth]) <= rs.ToleranceDeg
	}
	if goal.Elevation != nil {
		errs[rotator.Elevation] = *goal.Elevation - *st.Elevation
		arrived = arrived && math.Abs(errs[rotator.Elevation]) <= rs.ToleranceDeg
	}
	if arrived {
		return goal, true
	}

	dt := rs.SampleInterval().Seconds()
	output := func(a rotator.Axis) float64 {
		e := errs[a]
		integral[a] = clampf(integral[a]+e*dt, -rs.IntegralLimit, rs.IntegralLimit)
		out := clampf(rs.KP*e+rs.KI*integral[a], -rs.MaxStepDeg, rs.MaxStepDeg)
		out *= math.Max(envelopeFloor, math.Min(1, math.Abs(e)/(2*rs.MaxStepDeg)))
		// Never step less than the controller can resolve.
		if res := s.Resolution(a); math.Abs(out) < res {
			out = math.Copysign(math.Min(math.Abs(e), res), e)
		}
		return out
	}
	if goal.Azimuth != nil {
		min, max := s.AzimuthWindow()
		next.Azimuth = rotator.Deg(clampf(*st.Azimuth+output(rotator.Azimuth), min, max))
	}
	if goal.Elevation != nil {
		el := *st.Elevation + output(rotator.Elevation)
		next.Elevation = rotator.Deg(clampf(el, s.Limits.ElevationMin, s.Limits.ElevationMax))
	}
	return next, false
}

// startManualRamp drives cmd's axis until the job is cancelled.
func (c *Core) startManualRamp(cmd string) {
	c.startJob(context.Background(), RampInfo{Kind: ManualRamp, Direction: cmd}, func(ctx context.Context, r *activeRamp) (Outcome, error) {
		for tick := 0; ; tick++ {
			if tick > 0 {
				select {
				case <-ctx.Done():
					return Cancelled, nil
				case <-c.clock.After(c.store.Snapshot().Ramp.SampleInterval()):
				}
			}
			if ctx.Err() != nil {
				return Cancelled, nil
			}
			s := c.store.Snapshot()
			st := c.currentStatus()
			next, ok := manualStep(s, cmd, c.clock.Since(r.info.Started), st)
			if !ok {
				// Feedback went away; fall back to the controller's own
				// motion.
				return Cancelled, c.rampWrite(cmd)
			}
			r.update(func(i *RampInfo) {
				i.Goal = next
				i.Ticks++
			})
			if err := c.rampWrite(command(s, next, st)); err != nil {
				return Cancelled, err
			}
		}
	})
}

// manualStep returns the next position for a manual move that has run for
// elapsed. Speed starts at manualStartSpeed of the configured speed and
// builds up to all of it over manualRampUp.
func manualStep(s rotator.Settings, cmd string, elapsed time.Duration, st *rotator.Status) (rotator.Target, bool) {
	factor := 1.0
	if elapsed < manualRampUp {
		factor = manualStartSpeed + (1-manualStartSpeed)*elapsed.Seconds()/manualRampUp.Seconds()
	}
	dt := s.Ramp.SampleInterval().Seconds()
	sign := 1.0
	if cmd == gs232.CounterClockwise || cmd == gs232.Down {
		sign = -1
	}
	switch cmd {
	case gs232.Clockwise, gs232.CounterClockwise:
		if st == nil || st.Azimuth == nil {
			return rotator.Target{}, false
		}
		step := math.Max(s.Ramp.AzimuthSpeed*dt*factor, s.Resolution(rotator.Azimuth))
		min, max := s.AzimuthWindow()
		return rotator.Target{Azimuth: rotator.Deg(clampf(*st.Azimuth+sign*step, min, max))}, true
	case gs232.Up, gs232.Down:
		if st == nil || st.Elevation == nil {
			return rotator.Target{}, false
		}
		step := math.Max(s.Ramp.ElevationSpeed*dt*factor, s.Resolution(rotator.Elevation))
		el := clampf(*st.Elevation+sign*step, s.Limits.ElevationMin, s.Limits.ElevationMax)
		return rotator.Target{Elevation: rotator.Deg(el)}, true
	}
	return rotator.Target{}, false
}

// startSoftStop sends Stop after softStopDelay unless another move takes
// the slot first.
func (c *Core) startSoftStop() {
	c.startJob(context.Background(), RampInfo{Kind: SoftStop}, func(ctx context.Context, r *activeRamp) (Outcome, error) {
		select {
		case <-ctx.Done():
			return Cancelled, nil
		case <-c.clock.After(softStopDelay):
		}
		r.update(func(i *RampInfo) { i.Ticks++ })
		if err := c.rampWrite(gs232.Stop); err != nil {
			return Cancelled, err
		}
		return Completed, nil
	})
}

func clampf(v, min, max float64) float64 {
	return math.Max(min, math.Min(v, max))
}
