package control

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/w1xm/gs232_interface/internal/metrics"
	"github.com/w1xm/gs232_interface/rotator"
	"github.com/w1xm/gs232_interface/transport"
)

// seqDialer hands out its transports in turn, repeating the last one.
type seqDialer struct {
	mu    sync.Mutex
	fakes []*fakeTransport
	dials int
}

func (d *seqDialer) Dial(port string, baud int) (transport.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f := d.fakes[min(d.dials, len(d.fakes)-1)]
	d.dials++
	return f, nil
}

func (d *seqDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func newReconnectingCore(t *testing.T, d *seqDialer, mock *clock.Mock, healthTimeout time.Duration, rc ReconnectConfig) (*Core, *metrics.Collector) {
	t.Helper()
	store, err := rotator.NewStore(rotator.DefaultSettings())
	if err != nil {
		t.Fatal(err)
	}
	m, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	rc.Enabled = true
	c, err := New(Config{
		Dialer:        d,
		Settings:      store,
		Clock:         mock,
		Metrics:       m,
		HealthTimeout: healthTimeout,
		Reconnect:     rc,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Disconnect() })
	return c, m
}

// advanceUntil moves mock forward in small steps until cond holds.
func advanceUntil(t *testing.T, mock *clock.Mock, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		mock.Add(100 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}
}

func TestReconnectAfterFault(t *testing.T) {
	mock := clock.NewMock()
	first, busy, second := newFake(), newFake(), newFake()
	busy.openErr = errors.New("port busy")
	d := &seqDialer{fakes: []*fakeTransport{first, busy, second}}
	c, m := newReconnectingCore(t, d, mock, time.Hour, ReconnectConfig{BaseDelay: time.Second, MaxDelay: 4 * time.Second})
	connect(t, c, "a")

	first.drop(errors.New("unplugged"))
	if h := c.Health(); h.Connected || !h.Reconnect.Reconnecting || h.Reconnect.Port != "a" {
		t.Errorf("health after fault %+v", h)
	}

	advanceUntil(t, mock, "second attempt", func() bool {
		r := c.Health().Reconnect
		return r.Attempt == 2 && r.LastError != ""
	})
	r := c.Health().Reconnect
	if !r.Reconnecting || r.LastError != "port busy" || r.NextRetry.IsZero() {
		t.Errorf("status after a failed attempt %+v", r)
	}

	advanceUntil(t, mock, "reconnected", func() bool {
		return c.Health().Connected && testutil.ToFloat64(m.ReconnectsTotal.WithLabelValues("ok")) == 1
	})
	h := c.Health()
	if diff := cmp.Diff(h.Reconnect, ReconnectStatus{}); diff != "" {
		t.Errorf("reconnect status after success: got(-)/want(+):\n%s", diff)
	}
	if h.Port != "a" || d.Dials() != 3 {
		t.Errorf("health %+v after %d dials", h, d.Dials())
	}
	if got := testutil.ToFloat64(m.ReconnectsTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed reconnects = %v", got)
	}
	if err := c.StopMotion(); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(second.Writes(), []string{"S"}); diff != "" {
		t.Errorf("writes on the new link: got(-)/want(+):\n%s", diff)
	}
}

func TestReconnectGivesUp(t *testing.T) {
	mock := clock.NewMock()
	first, busy := newFake(), newFake()
	busy.openErr = errors.New("port busy")
	d := &seqDialer{fakes: []*fakeTransport{first, busy}}
	c, _ := newReconnectingCore(t, d, mock, time.Hour, ReconnectConfig{BaseDelay: time.Second, MaxAttempts: 2})
	connect(t, c, "a")

	first.drop(errors.New("unplugged"))
	advanceUntil(t, mock, "giving up", func() bool {
		return strings.HasPrefix(c.Health().Reconnect.LastError, "gave up")
	})
	want := ReconnectStatus{Port: "a", Attempt: 2, MaxAttempts: 2, LastError: "gave up after 2 attempts"}
	if diff := cmp.Diff(c.Health().Reconnect, want); diff != "" {
		t.Errorf("reconnect status: got(-)/want(+):\n%s", diff)
	}
	mock.Add(time.Minute)
	if got := d.Dials(); got != 3 {
		t.Errorf("dialled %d times", got)
	}

	// A manual connect clears the failure.
	busy.mu.Lock()
	busy.openErr = nil
	busy.mu.Unlock()
	connect(t, c, "a")
	if diff := cmp.Diff(c.Health().Reconnect, ReconnectStatus{}); diff != "" {
		t.Errorf("reconnect status after Connect: got(-)/want(+):\n%s", diff)
	}
}

func TestReconnectCancelledByDisconnect(t *testing.T) {
	mock := clock.NewMock()
	first := newFake()
	d := &seqDialer{fakes: []*fakeTransport{first}}
	c, _ := newReconnectingCore(t, d, mock, time.Hour, ReconnectConfig{BaseDelay: time.Second})
	connect(t, c, "a")

	first.drop(errors.New("unplugged"))
	if !c.Health().Reconnect.Reconnecting {
		t.Fatalf("not reconnecting after fault")
	}
	c.Disconnect()
	if diff := cmp.Diff(c.Health().Reconnect, ReconnectStatus{}); diff != "" {
		t.Errorf("reconnect status after Disconnect: got(-)/want(+):\n%s", diff)
	}
	for i := 0; i < 50; i++ {
		mock.Add(time.Second)
		time.Sleep(time.Millisecond)
	}
	if c.Health().Connected || d.Dials() != 1 {
		t.Errorf("reconnected after Disconnect: %+v, %d dials", c.Health(), d.Dials())
	}
}

func TestReconnectDisabled(t *testing.T) {
	f := newFake()
	c := newCore(t, fakeDialer{"a": f}, rotator.DefaultSettings(), clock.NewMock())
	connect(t, c, "a")
	f.drop(errors.New("unplugged"))
	if h := c.Health(); h.Connected || h.Reconnect.Reconnecting {
		t.Errorf("health %+v", h)
	}
}

func TestWatchdogForcesReconnect(t *testing.T) {
	mock := clock.NewMock()
	first, second := newFake(), newFake()
	d := &seqDialer{fakes: []*fakeTransport{first, second}}
	c, _ := newReconnectingCore(t, d, mock, 2*time.Second, ReconnectConfig{BaseDelay: time.Second})
	errc := make(chan error, 10)
	c.SubscribeErrors(func(err error) { errc <- err })
	connect(t, c, "a")
	first.emit("AZ=010")

	advanceUntil(t, mock, "reconnect after silence", func() bool {
		return d.Dials() == 2 && c.Health().Connected
	})
	select {
	case err := <-errc:
		if !strings.Contains(err.Error(), "no data received") {
			t.Errorf("reported %v", err)
		}
	default:
		t.Errorf("silence not reported")
	}
	first.mu.Lock()
	closed := first.closed
	first.mu.Unlock()
	if first.IsOpen() || closed != 1 {
		t.Errorf("silent link still open")
	}
	// The new link is watched too.
	second.emit("AZ=010")
	if !c.Health().Healthy {
		t.Errorf("unhealthy after data on the new link")
	}
}

func TestReconnectDelay(t *testing.T) {
	rc := ReconnectConfig{BaseDelay: time.Second, MaxDelay: 4 * time.Second}
	var got []time.Duration
	for attempt := 1; attempt <= 5; attempt++ {
		got = append(got, rc.delay(attempt))
	}
	want := []time.Duration{time.Second, 1500 * time.Millisecond, 2250 * time.Millisecond, 3375 * time.Millisecond, 4 * time.Second}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("delays: got(-)/want(+):\n%s", diff)
	}

	for _, tt := range []struct {
		in, want ReconnectConfig
	}{
		{ReconnectConfig{}, ReconnectConfig{BaseDelay: DefaultReconnectDelay, MaxDelay: DefaultReconnectMaxDelay}},
		{ReconnectConfig{BaseDelay: time.Minute}, ReconnectConfig{BaseDelay: time.Minute, MaxDelay: time.Minute}},
		{ReconnectConfig{BaseDelay: 2 * time.Second, MaxDelay: time.Minute, MaxAttempts: 3}, ReconnectConfig{BaseDelay: 2 * time.Second, MaxDelay: time.Minute, MaxAttempts: 3}},
	} {
		if diff := cmp.Diff(tt.in.withDefaults(), tt.want); diff != "" {
			t.Errorf("withDefaults(%+v): got(-)/want(+):\n%s", tt.in, diff)
		}
	}
}
