package sequencer

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/w1xm/gs232_interface/rotator"
)

const (
	DefaultTolerance      = 2.0
	DefaultArrivalTimeout = time.Minute
	DefaultCheckInterval  = 200 * time.Millisecond
	// maxLoopIterations bounds loops that repeat until stopped.
	maxLoopIterations = 100000
)

// Rotor is the part of the motion core a route drives.
type Rotor interface {
	MoveTo(ctx context.Context, target rotator.Target) error
	CurrentStatus() (rotator.Status, bool)
}

type Config struct {
	Clock  clock.Clock        `yaml:"-"`
	Logger *zap.SugaredLogger `yaml:"-"`
	// Tolerance, in degrees, within which a position counts as reached.
	Tolerance float64 `yaml:"tolerance"`
	// ArrivalTimeout is how long a position step waits for arrival before
	// moving on regardless.
	ArrivalTimeout time.Duration `yaml:"arrival_timeout"`
	CheckInterval  time.Duration `yaml:"check_interval"`
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
	if c.Tolerance <= 0 {
		c.Tolerance = DefaultTolerance
	}
	if c.ArrivalTimeout <= 0 {
		c.ArrivalTimeout = DefaultArrivalTimeout
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	return c
}

type EventType string

const (
	Started         EventType = "started"
	StepStarted     EventType = "step_started"
	StepCompleted   EventType = "step_completed"
	PositionReached EventType = "position_reached"
	PositionTimeout EventType = "position_timeout"
	WaitManual      EventType = "wait_manual"
	LoopIteration   EventType = "loop_iteration"
	Completed       EventType = "completed"
	Stopped         EventType = "stopped"
	Failed          EventType = "failed"
)

// Event reports the progress of a route.
type Event struct {
	Type      EventType `json:"type"`
	RouteID   string    `json:"route_id"`
	StepIndex int       `json:"step_index"`
	Step      *Step     `json:"step,omitempty"`
	Iteration int       `json:"iteration,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// State is a snapshot of the executor. StepIndex counts top-level steps.
type State struct {
	Executing  bool   `json:"executing"`
	RouteID    string `json:"route_id,omitempty"`
	RouteName  string `json:"route_name,omitempty"`
	StepIndex  int    `json:"step_index"`
	TotalSteps int    `json:"total_steps"`
	Waiting    bool   `json:"waiting,omitempty"`
}

type execution struct {
	cancel context.CancelFunc
	done   chan struct{}
	// resume is closed by Continue to end a manual wait.
	resume chan struct{}
}

// Executor runs at most one route at a time.
type Executor struct {
	rotor Rotor
	cfg   Config
	log   *zap.SugaredLogger

	mu    sync.Mutex
	run   *execution
	state State

	subMu   sync.Mutex
	nextSub int
	subs    map[int]func(Event)
}

var ErrBusy = errors.New("a route is already executing")

func NewExecutor(rotor Rotor, cfg Config) *Executor {
	cfg = cfg.withDefaults()
	return &Executor{rotor: rotor, cfg: cfg, log: cfg.Logger, subs: make(map[int]func(Event))}
}

// Subscribe registers f for progress events. The returned func removes it.
func (e *Executor) Subscribe(f func(Event)) func() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = f
	return func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		delete(e.subs, id)
	}
}

func (e *Executor) emit(ev Event) {
	e.mu.Lock()
	ev.RouteID = e.state.RouteID
	ev.StepIndex = e.state.StepIndex
	e.mu.Unlock()
	e.subMu.Lock()
	subs := make([]func(Event), 0, len(e.subs))
	for _, f := range e.subs {
		subs = append(subs, f)
	}
	e.subMu.Unlock()
	for _, f := range subs {
		f(ev)
	}
}

func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start runs route in the background.
func (e *Executor) Start(route Route) error {
	if err := route.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	if e.run != nil {
		e.mu.Unlock()
		return ErrBusy
	}
	ctx, cancel := context.WithCancel(context.Background())
	run := &execution{cancel: cancel, done: make(chan struct{})}
	e.run = run
	e.state = State{
		Executing:  true,
		RouteID:    route.ID,
		RouteName:  route.Name,
		TotalSteps: countSteps(route.Steps),
	}
	e.mu.Unlock()

	e.log.Infof("starting route %q", route.Name)
	go func() {
		defer close(run.done)
		e.emit(Event{Type: Started})
		err := e.runSteps(ctx, route.Steps, true)
		end := Event{Type: Completed}
		switch {
		case ctx.Err() != nil:
			end.Type = Stopped
		case err != nil:
			end = Event{Type: Failed, Error: err.Error()}
			e.log.Warnf("route %q: %v", route.Name, err)
		}
		e.log.Infof("route %q %s", route.Name, end.Type)
		e.emit(end)
		e.mu.Lock()
		e.run = nil
		e.state = State{}
		e.mu.Unlock()
		cancel()
	}()
	return nil
}

// Stop ends the running route, if any, and waits for it to finish.
func (e *Executor) Stop() {
	e.mu.Lock()
	run := e.run
	e.mu.Unlock()
	if run == nil {
		return
	}
	run.cancel()
	<-run.done
}

// Continue ends a manual wait. It reports whether one was in progress.
func (e *Executor) Continue() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run == nil || e.run.resume == nil {
		return false
	}
	close(e.run.resume)
	e.run.resume = nil
	e.state.Waiting = false
	return true
}

func (e *Executor) runSteps(ctx context.Context, steps []Step, top bool) error {
	for i := range steps {
		if ctx.Err() != nil {
			return nil
		}
		if top {
			e.mu.Lock()
			e.state.StepIndex = i
			e.mu.Unlock()
		}
		step := steps[i]
		e.emit(Event{Type: StepStarted, Step: &step})
		var err error
		switch step.Type {
		case Position:
			err = e.position(ctx, step)
		case Wait:
			err = e.wait(ctx, step)
		case Loop:
			err = e.loop(ctx, step)
		}
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		e.emit(Event{Type: StepCompleted, Step: &step})
	}
	return nil
}

func (e *Executor) position(ctx context.Context, step Step) error {
	target := rotator.Target{Azimuth: step.Azimuth, Elevation: step.Elevation}
	if err := e.rotor.MoveTo(ctx, target); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.Wrapf(err, "moving to %q", step.Name)
	}
	start := e.cfg.Clock.Now()
	for {
		if st, ok := e.rotor.CurrentStatus(); ok && e.arrived(target, st) {
			e.emit(Event{Type: PositionReached, Step: &step})
			return nil
		}
		if e.cfg.Clock.Since(start) > e.cfg.ArrivalTimeout {
			e.log.Warnf("position %q not reached within %v; continuing", step.Name, e.cfg.ArrivalTimeout)
			e.emit(Event{Type: PositionTimeout, Step: &step})
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-e.cfg.Clock.After(e.cfg.CheckInterval):
		}
	}
}

// arrived compares azimuths modulo a full turn, so 370 has reached 10.
func (e *Executor) arrived(target rotator.Target, st rotator.Status) bool {
	if target.Azimuth != nil {
		if st.Azimuth == nil || math.Abs(rotator.ShortestDelta(*target.Azimuth, *st.Azimuth, 360)) > e.cfg.Tolerance {
			return false
		}
	}
	if target.Elevation != nil {
		if st.Elevation == nil || math.Abs(*target.Elevation-*st.Elevation) > e.cfg.Tolerance {
			return false
		}
	}
	return true
}

func (e *Executor) wait(ctx context.Context, step Step) error {
	if step.DurationMs > 0 {
		select {
		case <-ctx.Done():
		case <-e.cfg.Clock.After(time.Duration(step.DurationMs) * time.Millisecond):
		}
		return nil
	}
	resume := make(chan struct{})
	e.mu.Lock()
	e.run.resume = resume
	e.state.Waiting = true
	e.mu.Unlock()
	e.emit(Event{Type: WaitManual, Step: &step})
	select {
	case <-ctx.Done():
	case <-resume:
	}
	e.mu.Lock()
	if e.run.resume == resume {
		e.run.resume = nil
		e.state.Waiting = false
	}
	e.mu.Unlock()
	return nil
}

func (e *Executor) loop(ctx context.Context, step Step) error {
	n := step.Iterations
	if n == 0 {
		n = maxLoopIterations
	}
	for i := 1; i <= n; i++ {
		if ctx.Err() != nil {
			return nil
		}
		e.emit(Event{Type: LoopIteration, Step: &step, Iteration: i})
		if err := e.runSteps(ctx, step.Steps, false); err != nil {
			return err
		}
	}
	if step.Iterations == 0 && ctx.Err() == nil {
		e.log.Warnf("loop %q stopped after %d iterations", step.Name, maxLoopIterations)
	}
	return nil
}
