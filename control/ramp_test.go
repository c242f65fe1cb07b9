package control

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/w1xm/gs232_interface/gs232/simulator"
	"github.com/w1xm/gs232_interface/internal/metrics"
	"github.com/w1xm/gs232_interface/rotator"
	"github.com/w1xm/gs232_interface/transport"
)

// tick advances mock until stop is called.
func tick(mock *clock.Mock, d time.Duration) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			mock.Add(d)
			time.Sleep(time.Millisecond)
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func rampSettings() rotator.Settings {
	s := rotator.DefaultSettings()
	s.Ramp.Enabled = true
	return s
}

func nextWrite(t *testing.T, f *fakeTransport) string {
	t.Helper()
	select {
	case cmd := <-f.written:
		return cmd
	case <-time.After(5 * time.Second):
		t.Fatalf("no write; have %q", f.Writes())
		return ""
	}
}

func moveAsync(c *Core, target rotator.Target) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- c.MoveTo(context.Background(), target) }()
	return errc
}

func TestRampCompletes(t *testing.T) {
	mock := clock.NewMock()
	f := newFake()
	f.echo = true
	store, err := rotator.NewStore(rampSettings())
	if err != nil {
		t.Fatal(err)
	}
	m, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	c, err := New(Config{Dialer: fakeDialer{"a": f}, Settings: store, Clock: mock, Metrics: m})
	if err != nil {
		t.Fatal(err)
	}
	connect(t, c, "a")
	f.emit("AZ=050")

	stop := tick(mock, 400*time.Millisecond)
	err = c.MoveTo(context.Background(), rotator.Target{Azimuth: rotator.Deg(100)})
	stop()
	if err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	// Full steps, then the envelope slows the approach down to the
	// resolution floor, and the goal itself once inside tolerance.
	want := []string{
		"M055", "M060", "M065", "M070", "M075", "M080", "M085", "M090", "M095",
		"M097", "M098", "M099", "M100",
	}
	if diff := cmp.Diff(f.Writes(), want); diff != "" {
		t.Errorf("writes: got(-)/want(+):\n%s", diff)
	}
	if _, ok := c.ActiveRamp(); ok {
		t.Errorf("ramp still active")
	}
	if got := testutil.ToFloat64(m.RampsTotal.WithLabelValues(string(Completed))); got != 1 {
		t.Errorf("completed ramps = %v", got)
	}
}

func TestRampCancelledByDisconnect(t *testing.T) {
	f := newFake()
	c := newCore(t, fakeDialer{"a": f}, rampSettings(), clock.NewMock())
	connect(t, c, "a")
	f.emit("AZ=000")

	errc := moveAsync(c, rotator.Target{Azimuth: rotator.Deg(100)})
	if cmd := nextWrite(t, f); cmd != "M005" {
		t.Fatalf("first step %q", cmd)
	}
	if info, ok := c.ActiveRamp(); !ok || *info.Goal.Azimuth != 100 || info.Ticks != 1 {
		t.Errorf("active ramp %+v, %v", info, ok)
	}
	c.Disconnect()
	if err := <-errc; err != nil {
		t.Errorf("MoveTo after Disconnect = %v", err)
	}
	if diff := cmp.Diff(f.Writes(), []string{"M005"}); diff != "" {
		t.Errorf("writes: got(-)/want(+):\n%s", diff)
	}
	if _, ok := c.ActiveRamp(); ok {
		t.Errorf("ramp still active")
	}
}

func TestRampCallerCancel(t *testing.T) {
	f := newFake()
	c := newCore(t, fakeDialer{"a": f}, rampSettings(), clock.NewMock())
	connect(t, c, "a")
	f.emit("AZ=000")

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.MoveTo(ctx, rotator.Target{Azimuth: rotator.Deg(100)}) }()
	nextWrite(t, f)
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("MoveTo = %v, want context.Canceled", err)
	}
}

func TestRampExclusive(t *testing.T) {
	mock := clock.NewMock()
	f := newFake()
	c := newCore(t, fakeDialer{"a": f}, rampSettings(), mock)
	connect(t, c, "a")
	f.emit("AZ=000")

	first := moveAsync(c, rotator.Target{Azimuth: rotator.Deg(100)})
	nextWrite(t, f)
	// North is an end stop, so 300 is reached clockwise.
	second := moveAsync(c, rotator.Target{Azimuth: rotator.Deg(300)})
	if err := <-first; err != nil {
		t.Errorf("superseded MoveTo = %v", err)
	}
	if cmd := nextWrite(t, f); cmd != "M005" {
		t.Errorf("second ramp first step %q", cmd)
	}
	c.StopMotion()
	if err := <-second; err != nil {
		t.Errorf("stopped MoveTo = %v", err)
	}
	// The stop follows once the rotor has settled.
	if info, ok := c.ActiveRamp(); !ok || info.Kind != SoftStop {
		t.Errorf("after StopMotion: %+v, %v", info, ok)
	}
	stop := tick(mock, 250*time.Millisecond)
	cmd := nextWrite(t, f)
	stop()
	if cmd != "S" {
		t.Errorf("stop command %q", cmd)
	}
	if diff := cmp.Diff(f.Writes(), []string{"M005", "M005", "S"}); diff != "" {
		t.Errorf("writes: got(-)/want(+):\n%s", diff)
	}
}

func TestRampWithoutFeedback(t *testing.T) {
	f := newFake()
	c := newCore(t, fakeDialer{"a": f}, rampSettings(), clock.NewMock())
	connect(t, c, "a")
	if err := c.MoveTo(context.Background(), rotator.Target{Azimuth: rotator.Deg(90)}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(f.Writes(), []string{"M090"}); diff != "" {
		t.Errorf("writes: got(-)/want(+):\n%s", diff)
	}
}

func TestRampWriteError(t *testing.T) {
	f := newFake()
	c := newCore(t, fakeDialer{"a": f}, rampSettings(), clock.NewMock())
	connect(t, c, "a")
	f.emit("AZ=000")
	boom := errors.New("boom")
	f.writeErr = boom
	if err := c.MoveTo(context.Background(), rotator.Target{Azimuth: rotator.Deg(90)}); !errors.Is(err, boom) {
		t.Errorf("MoveTo = %v, want %v", err, boom)
	}
	if _, ok := c.ActiveRamp(); ok {
		t.Errorf("ramp still active")
	}
}

func TestRampReplansOnModeChange(t *testing.T) {
	mock := clock.NewMock()
	f := newFake()
	c := newCore(t, fakeDialer{"a": f}, rampSettings(), mock)
	connect(t, c, "a")
	f.emit("AZ=350")

	// Unwinding through south in 360 mode.
	errc := moveAsync(c, rotator.Target{Azimuth: rotator.Deg(10)})
	if cmd := nextWrite(t, f); cmd != "M345" {
		t.Fatalf("first step %q", cmd)
	}
	if info, _ := c.ActiveRamp(); *info.Goal.Azimuth != 10 {
		t.Errorf("goal in 360 mode %v", *info.Goal.Azimuth)
	}
	if err := c.SetMode(rotator.Mode450); err != nil {
		t.Fatal(err)
	}
	if cmd := nextWrite(t, f); cmd != "P45" {
		t.Fatalf("mode command %q", cmd)
	}

	stop := tick(mock, 400*time.Millisecond)
	cmd := nextWrite(t, f)
	stop()
	if cmd != "M355" {
		t.Errorf("first step in 450 mode %q", cmd)
	}
	// 10 is now reachable as 370 without unwinding.
	if info, _ := c.ActiveRamp(); *info.Goal.Azimuth != 370 {
		t.Errorf("goal in 450 mode %v", *info.Goal.Azimuth)
	}
	c.StopMotion()
	if err := <-errc; err != nil {
		t.Errorf("MoveTo = %v", err)
	}
}

func TestRampStep(t *testing.T) {
	deg := rotator.Deg
	status := func(az, el *float64) *rotator.Status {
		return &rotator.Status{Azimuth: az, AzimuthRaw: az, Elevation: el, ElevationRaw: el}
	}
	coarse := rampSettings()
	coarse.Calibration.ElevationScale = 2
	mode450 := rampSettings()
	mode450.Mode = rotator.Mode450
	mode450.Limits.AzimuthMax = 450
	tests := []struct {
		name     string
		settings rotator.Settings
		goal     rotator.Target
		st       *rotator.Status
		want     rotator.Target
		wantDone bool
	}{
		{
			name:     "no feedback",
			goal:     rotator.Target{Azimuth: deg(100)},
			want:     rotator.Target{Azimuth: deg(100)},
			wantDone: true,
		},
		{
			name:     "missing elevation feedback",
			goal:     rotator.Target{Elevation: deg(30)},
			st:       status(deg(10), nil),
			want:     rotator.Target{Elevation: deg(30)},
			wantDone: true,
		},
		{
			name:     "within tolerance",
			goal:     rotator.Target{Azimuth: deg(100), Elevation: deg(20)},
			st:       status(deg(99), deg(21)),
			want:     rotator.Target{Azimuth: deg(100), Elevation: deg(20)},
			wantDone: true,
		},
		{
			name: "full step",
			goal: rotator.Target{Azimuth: deg(100)},
			st:   status(deg(50), nil),
			want: rotator.Target{Azimuth: deg(55)},
		},
		{
			name: "linear toward a goal across north",
			goal: rotator.Target{Azimuth: deg(300)},
			st:   status(deg(0), nil),
			want: rotator.Target{Azimuth: deg(5)},
		},
		{
			name: "linear down from the top of the window",
			goal: rotator.Target{Azimuth: deg(10)},
			st:   status(deg(350), nil),
			want: rotator.Target{Azimuth: deg(345)},
		},
		{
			name:     "linear past 360 in 450 mode",
			settings: mode450,
			goal:     rotator.Target{Azimuth: deg(440)},
			st:       status(deg(10), nil),
			want:     rotator.Target{Azimuth: deg(15)},
		},
		{
			name: "resolution floor",
			goal: rotator.Target{Elevation: deg(90)},
			st:   status(nil, deg(88)),
			want: rotator.Target{Elevation: deg(89)},
		},
		{
			name:     "coarse resolution floor",
			settings: coarse,
			goal:     rotator.Target{Elevation: deg(10)},
			st:       status(nil, deg(7)),
			want:     rotator.Target{Elevation: deg(9)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.settings
			if s.Mode == 0 {
				s = rampSettings()
			}
			var integral [2]float64
			got, done := rampStep(s, tt.goal, tt.st, &integral)
			if done != tt.wantDone {
				t.Errorf("done = %v, want %v", done, tt.wantDone)
			}
			if diff := cmp.Diff(got, tt.want, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
				t.Errorf("next: got(-)/want(+):\n%s", diff)
			}
		})
	}
}

func TestRampAcrossSeam(t *testing.T) {
	for _, tt := range []struct {
		name      string
		mode      rotator.Mode
		from, to  float64
		wantFinal float64
	}{
		{name: "360 mode unwinds through south", mode: rotator.Mode360, from: 350, to: 10, wantFinal: 10},
		{name: "450 mode over the top", mode: rotator.Mode450, from: 10, to: 440, wantFinal: 440},
		{name: "450 mode short way through 360", mode: rotator.Mode450, from: 350, to: 10, wantFinal: 370},
		{name: "no seam", mode: rotator.Mode360, from: 100, to: 200, wantFinal: 200},
	} {
		t.Run(tt.name, func(t *testing.T) {
			s := rampSettings()
			s.Mode = tt.mode
			s.Limits.AzimuthMax = float64(tt.mode)
			s.Ramp.SampleIntervalMs = 100
			s.Ramp.KP = 1
			s.Ramp.KI = 0
			s.Ramp.MaxStepDeg = 30
			store, err := rotator.NewStore(s)
			if err != nil {
				t.Fatal(err)
			}
			c, err := New(Config{
				Dialer: transport.Dialer{Simulator: simulator.Config{
					Tick:           20 * time.Millisecond,
					AzimuthSpeed:   1000,
					ElevationSpeed: 1000,
					Mode:           int(tt.mode),
					InitialAzimuth: tt.from,
				}},
				Settings: store,
			})
			if err != nil {
				t.Fatal(err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()
			if err := c.Connect(ctx, transport.SimulatorPort, 9600); err != nil {
				t.Fatal(err)
			}
			defer c.Disconnect()
			for {
				if _, ok := c.CurrentStatus(); ok {
					break
				}
				if ctx.Err() != nil {
					t.Fatal("no status from the simulator")
				}
				time.Sleep(5 * time.Millisecond)
			}

			if err := c.MoveTo(ctx, rotator.Target{Azimuth: rotator.Deg(tt.to)}); err != nil {
				t.Fatalf("MoveTo(%v) = %v", tt.to, err)
			}
			st, _ := c.CurrentStatus()
			if math.Abs(*st.Azimuth-tt.wantFinal) > s.Ramp.ToleranceDeg+1 {
				t.Errorf("ramp ended at %v, want %v", *st.Azimuth, tt.wantFinal)
			}
		})
	}
}

func TestRampEndsOnFault(t *testing.T) {
	mock := clock.NewMock()
	f := newFake()
	m, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	store, _ := rotator.NewStore(rampSettings())
	c, _ := New(Config{Dialer: fakeDialer{"a": f}, Settings: store, Clock: mock, Metrics: m})
	connect(t, c, "a")
	f.emit("AZ=000")

	errc := moveAsync(c, rotator.Target{Azimuth: rotator.Deg(100)})
	nextWrite(t, f)
	f.drop(errors.New("unplugged"))
	if err := <-errc; err != nil {
		t.Errorf("MoveTo after fault = %v", err)
	}
	if _, ok := c.ActiveRamp(); ok {
		t.Errorf("ramp still active")
	}
	mock.Add(time.Second)
	if diff := cmp.Diff(f.Writes(), []string{"M005"}); diff != "" {
		t.Errorf("writes: got(-)/want(+):\n%s", diff)
	}
	if got := testutil.ToFloat64(m.RampsTotal.WithLabelValues(string(Cancelled))); got != 1 {
		t.Errorf("cancelled ramps = %v", got)
	}
}

func TestRampEndsWhenLinkLostBetweenSteps(t *testing.T) {
	mock := clock.NewMock()
	f := newFake()
	c := newCore(t, fakeDialer{"a": f}, rampSettings(), mock)
	connect(t, c, "a")
	f.emit("AZ=000")

	errc := moveAsync(c, rotator.Target{Azimuth: rotator.Deg(100)})
	nextWrite(t, f)
	// Closed, with the error not yet reported.
	f.mu.Lock()
	f.open = false
	f.mu.Unlock()
	stop := tick(mock, 400*time.Millisecond)
	err := <-errc
	stop()
	if err != nil {
		t.Errorf("MoveTo after losing the link = %v", err)
	}
	if _, ok := c.ActiveRamp(); ok {
		t.Errorf("ramp still active")
	}
}

func TestManualRamp(t *testing.T) {
	mock := clock.NewMock()
	f := newFake()
	f.echo = true
	c := newCore(t, fakeDialer{"a": f}, rampSettings(), mock)
	connect(t, c, "a")
	f.emit("AZ=100 EL=010")

	if err := c.ControlAxis("right"); err != nil {
		t.Fatal(err)
	}
	// 4 degrees per second at a fifth of the speed is below the
	// resolution, so the first steps are a degree each.
	if cmd := nextWrite(t, f); cmd != "M101" {
		t.Errorf("first manual step %q", cmd)
	}
	info, ok := c.ActiveRamp()
	if !ok || info.Kind != ManualRamp || info.Direction != "R" || *info.Goal.Azimuth != 101 {
		t.Errorf("manual ramp %+v, %v", info, ok)
	}

	stop := tick(mock, 100*time.Millisecond)
	for i := 0; i < 8; i++ {
		nextWrite(t, f)
	}
	stop()
	st, _ := c.CurrentStatus()
	if *st.Azimuth <= 105 || *st.Elevation != 10 {
		t.Errorf("after manual steps at %v/%v", *st.Azimuth, *st.Elevation)
	}

	if err := c.StopMotion(); err != nil {
		t.Fatal(err)
	}
	if info, ok := c.ActiveRamp(); !ok || info.Kind != SoftStop {
		t.Errorf("after StopMotion: %+v, %v", info, ok)
	}
	for len(f.written) > 0 {
		<-f.written
	}
	before := len(f.Writes())
	stop = tick(mock, 250*time.Millisecond)
	cmd := nextWrite(t, f)
	stop()
	if cmd != "S" {
		t.Errorf("soft stop wrote %q", cmd)
	}
	if got := f.Writes()[before:]; len(got) != 1 {
		t.Errorf("writes after StopMotion %q", got)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := c.ActiveRamp(); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("soft stop still active")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestManualRampWithoutFeedback(t *testing.T) {
	f := newFake()
	c := newCore(t, fakeDialer{"a": f}, rampSettings(), clock.NewMock())
	connect(t, c, "a")
	c.ControlAxis("left")
	c.StopMotion()
	if diff := cmp.Diff(f.Writes(), []string{"L", "S"}); diff != "" {
		t.Errorf("writes: got(-)/want(+):\n%s", diff)
	}
}

func TestManualRampSupersededByMove(t *testing.T) {
	f := newFake()
	c := newCore(t, fakeDialer{"a": f}, rampSettings(), clock.NewMock())
	connect(t, c, "a")
	f.emit("AZ=100")
	c.ControlAxis("left")
	if cmd := nextWrite(t, f); cmd != "M099" {
		t.Errorf("first manual step %q", cmd)
	}
	errc := moveAsync(c, rotator.Target{Azimuth: rotator.Deg(200)})
	if cmd := nextWrite(t, f); cmd != "M105" {
		t.Errorf("ramp step %q", cmd)
	}
	if info, ok := c.ActiveRamp(); !ok || info.Kind != TargetRamp {
		t.Errorf("active job %+v, %v", info, ok)
	}
	c.Disconnect()
	if err := <-errc; err != nil {
		t.Errorf("MoveTo = %v", err)
	}
}

func TestManualStep(t *testing.T) {
	deg := rotator.Deg
	s := rampSettings()
	s.Ramp.SampleIntervalMs = 500
	s.Ramp.AzimuthSpeed = 20
	s.Ramp.ElevationSpeed = 10
	at := &rotator.Status{Azimuth: deg(100), Elevation: deg(45)}
	for _, tt := range []struct {
		name    string
		cmd     string
		elapsed time.Duration
		st      *rotator.Status
		want    rotator.Target
		wantOK  bool
	}{
		{name: "starts slowly", cmd: "R", st: at, want: rotator.Target{Azimuth: deg(102)}, wantOK: true},
		{name: "half way up", cmd: "L", elapsed: time.Second, st: at, want: rotator.Target{Azimuth: deg(94)}, wantOK: true},
		{name: "full speed", cmd: "U", elapsed: 5 * time.Second, st: at, want: rotator.Target{Elevation: deg(50)}, wantOK: true},
		{name: "clamped at the end stop", cmd: "L", elapsed: 5 * time.Second, st: &rotator.Status{Azimuth: deg(4)}, want: rotator.Target{Azimuth: deg(0)}, wantOK: true},
		{name: "clamped at the horizon", cmd: "D", elapsed: 5 * time.Second, st: &rotator.Status{Elevation: deg(2)}, want: rotator.Target{Elevation: deg(0)}, wantOK: true},
		{name: "no feedback", cmd: "R"},
		{name: "no azimuth feedback", cmd: "R", st: &rotator.Status{Elevation: deg(10)}},
		{name: "not an axis", cmd: "S", st: at},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := manualStep(s, tt.cmd, tt.elapsed, tt.st)
			if ok != tt.wantOK {
				t.Errorf("ok = %v, want %v", ok, tt.wantOK)
			}
			if diff := cmp.Diff(got, tt.want, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
				t.Errorf("next: got(-)/want(+):\n%s", diff)
			}
		})
	}
}
