// Package control is the motion control core. It owns the controller
// connection, routes and ramps moves, and republishes controller status to
// subscribers.
package control

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/w1xm/gs232_interface/gs232"
	"github.com/w1xm/gs232_interface/internal/metrics"
	"github.com/w1xm/gs232_interface/rotator"
	"github.com/w1xm/gs232_interface/transport"
)

const DefaultHealthTimeout = 6 * time.Second

// Dialer builds a transport for a port descriptor; transport.Dialer is the
// production implementation.
type Dialer interface {
	Dial(port string, baud int) (transport.Transport, error)
}

type Config struct {
	Dialer   Dialer
	Settings *rotator.Store
	Clock    clock.Clock
	Logger   *zap.SugaredLogger
	Metrics  *metrics.Collector
	// HealthTimeout is how recently a line must have arrived for the link
	// to count as healthy.
	HealthTimeout time.Duration
	ListPorts     func() ([]transport.PortInfo, error)
	// Reconnect, when enabled, reopens a link that fails on its own or
	// stays silent for longer than HealthTimeout.
	Reconnect ReconnectConfig
}

type Health struct {
	Connected bool            `json:"connected"`
	Healthy   bool            `json:"healthy"`
	Port      string          `json:"port,omitempty"`
	LastSeen  time.Time       `json:"last_seen,omitempty"`
	Reconnect ReconnectStatus `json:"reconnect"`
}

// Core implements rotator.Rotator on top of exactly one transport at a time.
//
// Status and error subscribers are called from the transport's reader; they
// must not call Connect or Disconnect.
type Core struct {
	dialer        Dialer
	store         *rotator.Store
	clock         clock.Clock
	log           *zap.SugaredLogger
	metrics       *metrics.Collector
	healthTimeout time.Duration
	listPorts     func() ([]transport.PortInfo, error)
	reconnectCfg  ReconnectConfig

	// opMu serializes Connect and Disconnect.
	opMu sync.Mutex
	// dispatchMu orders event delivery against transport swaps.
	dispatchMu sync.Mutex
	// rampMu serializes starting and cancelling ramps.
	rampMu sync.Mutex

	mu       sync.Mutex
	conn     transport.Transport
	port     string
	baud     int
	status   *rotator.Status
	lastSeen time.Time
	poll     *time.Duration
	ramp     *activeRamp

	// recon is the running reconnect loop; watchStop ends the silence
	// watchdog of the current link.
	recon     *reconnector
	reconnect ReconnectStatus
	watchStop chan struct{}

	subMu   sync.Mutex
	nextSub int
	subs    map[int]rotator.StatusCallback
	errSubs map[int]func(error)
}

var _ rotator.Rotator = (*Core)(nil)

func New(cfg Config) (*Core, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Settings == nil {
		store, err := rotator.NewStore(rotator.DefaultSettings())
		if err != nil {
			return nil, err
		}
		cfg.Settings = store
	}
	if cfg.Dialer == nil {
		cfg.Dialer = transport.Dialer{Options: transport.Options{Logger: cfg.Logger, Clock: cfg.Clock}}
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultHealthTimeout
	}
	if cfg.ListPorts == nil {
		cfg.ListPorts = transport.ListPorts
	}
	return &Core{
		dialer:        cfg.Dialer,
		store:         cfg.Settings,
		clock:         cfg.Clock,
		log:           cfg.Logger,
		metrics:       cfg.Metrics,
		healthTimeout: cfg.HealthTimeout,
		listPorts:     cfg.ListPorts,
		reconnectCfg:  cfg.Reconnect.withDefaults(),
		subs:          make(map[int]rotator.StatusCallback),
		errSubs:       make(map[int]func(error)),
	}, nil
}

func (c *Core) ListPorts() ([]transport.PortInfo, error) {
	ports, err := c.listPorts()
	if err != nil {
		c.log.Warnf("listing ports: %v", err)
	}
	return ports, err
}

// Connect opens port, closing any previous connection first. Connecting to
// the port that is already open is a no-op.
func (c *Core) Connect(ctx context.Context, port string, baud int) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	same := c.conn != nil && c.conn.IsOpen() && c.port == port && c.baud == baud
	c.mu.Unlock()
	if same {
		return nil
	}
	c.stopReconnect()
	c.cancelRamp()
	return c.open(ctx, port, baud)
}

// open replaces the current link with a new one to port. The caller holds
// opMu.
func (c *Core) open(ctx context.Context, port string, baud int) error {
	c.closeCurrent()

	t, err := c.dialer.Dial(port, baud)
	if err != nil {
		return err
	}
	t.OnData(func(line string) { c.handleLine(t, line) })
	t.OnError(func(err error) { c.handleError(t, err) })

	c.dispatchMu.Lock()
	c.mu.Lock()
	c.conn, c.port, c.baud = t, port, baud
	c.status, c.lastSeen = nil, time.Time{}
	poll := c.poll
	c.mu.Unlock()
	c.dispatchMu.Unlock()

	if err := t.Open(ctx); err != nil {
		c.detach(t)
		t.Close()
		c.log.Warnf("opening %q: %v", port, err)
		return err
	}
	if p, ok := t.(poller); ok && poll != nil {
		p.SetPollInterval(*poll)
	}
	c.metrics.SetConnected(true)
	c.log.Infof("connected to %q", port)
	c.startWatchdog(t)
	return nil
}

// Disconnect cancels any ramp and closes the connection. It is safe to call
// when not connected.
func (c *Core) Disconnect() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.stopReconnect()
	c.cancelRamp()
	c.closeCurrent()
	return nil
}

// detach forgets t if it is current, so that none of its events are
// delivered any more.
func (c *Core) detach(t transport.Transport) transport.Transport {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || (t != nil && c.conn != t) {
		return nil
	}
	old := c.conn
	c.conn, c.port, c.baud = nil, "", 0
	c.status = nil
	if c.watchStop != nil {
		close(c.watchStop)
		c.watchStop = nil
	}
	return old
}

func (c *Core) closeCurrent() {
	old := c.detach(nil)
	if old == nil {
		return
	}
	if err := old.Close(); err != nil {
		c.log.Warnf("closing connection: %v", err)
	}
	c.metrics.SetConnected(false)
	c.log.Infof("disconnected")
}

type poller interface {
	SetPollInterval(time.Duration)
}

// SetPollInterval changes how often the controller is polled for its
// position, now and for later connections. Transports that report on their
// own ignore it.
func (c *Core) SetPollInterval(d time.Duration) {
	c.mu.Lock()
	c.poll = &d
	t := c.conn
	c.mu.Unlock()
	if p, ok := t.(poller); ok {
		p.SetPollInterval(d)
	}
}

func (c *Core) handleLine(t transport.Transport, line string) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	settings := c.store.Snapshot()
	c.mu.Lock()
	if c.conn != t {
		c.mu.Unlock()
		return
	}
	st := rotator.NewStatus(settings, gs232.ParseStatus(line), c.clock.Now())
	c.lastSeen = st.Timestamp
	if st.AzimuthRaw != nil || st.ElevationRaw != nil {
		if prev := c.status; prev != nil {
			// Partial reports carry the other axis forward.
			if st.AzimuthRaw == nil && prev.AzimuthRaw != nil {
				st.AzimuthRaw = prev.AzimuthRaw
				st.Azimuth = rotator.Deg(settings.ToCalibrated(*prev.AzimuthRaw, rotator.Azimuth))
			}
			if st.ElevationRaw == nil && prev.ElevationRaw != nil {
				st.ElevationRaw = prev.ElevationRaw
				st.Elevation = rotator.Deg(settings.ToCalibrated(*prev.ElevationRaw, rotator.Elevation))
			}
		}
		current := st
		c.status = &current
	}
	c.mu.Unlock()

	c.metrics.LineParsed(st.Azimuth, st.Elevation)
	c.subMu.Lock()
	subs := make([]rotator.StatusCallback, 0, len(c.subs))
	for _, f := range c.subs {
		subs = append(subs, f)
	}
	c.subMu.Unlock()
	for _, f := range subs {
		f(st)
	}
}

// handleError reports a fault of t, ends any motion job and, when enabled,
// starts reconnecting.
func (c *Core) handleError(t transport.Transport, err error) {
	if !c.publishError(t, err) {
		return
	}
	c.cancelRamp()
	c.startReconnect(t)
}

func (c *Core) publishError(t transport.Transport, err error) bool {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	c.mu.Lock()
	current := c.conn == t
	c.mu.Unlock()
	if !current {
		return false
	}
	c.log.Warnf("connection error: %v", err)
	c.metrics.SetConnected(false)
	c.subMu.Lock()
	subs := make([]func(error), 0, len(c.errSubs))
	for _, f := range c.errSubs {
		subs = append(subs, f)
	}
	c.subMu.Unlock()
	for _, f := range subs {
		f(err)
	}
	return true
}

// Subscribe registers f for every status line. The returned func removes it.
func (c *Core) Subscribe(f rotator.StatusCallback) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = f
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subs, id)
	}
}

// SubscribeErrors registers f for transport faults.
func (c *Core) SubscribeErrors(f func(error)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.errSubs[id] = f
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.errSubs, id)
	}
}

// CurrentStatus returns the last position report.
func (c *Core) CurrentStatus() (rotator.Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == nil {
		return rotator.Status{}, false
	}
	return *c.status, true
}

func (c *Core) currentStatus() *rotator.Status {
	if st, ok := c.CurrentStatus(); ok {
		return &st
	}
	return nil
}

func (c *Core) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := Health{
		Connected: c.conn != nil && c.conn.IsOpen(),
		Port:      c.port,
		LastSeen:  c.lastSeen,
		Reconnect: c.reconnect,
	}
	h.Healthy = h.Connected && !c.lastSeen.IsZero() && c.clock.Since(c.lastSeen) <= c.healthTimeout
	return h
}

func (c *Core) Settings() rotator.Settings {
	return c.store.Snapshot()
}

// Store returns the live settings.
func (c *Core) Store() *rotator.Store {
	return c.store
}

func (c *Core) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.IsOpen()
}

func (c *Core) write(cmd string) error {
	c.mu.Lock()
	t := c.conn
	c.mu.Unlock()
	if t == nil || !t.IsOpen() {
		return rotator.ErrNotConnected
	}
	err := t.WriteCommand(cmd)
	c.metrics.CommandWritten(err)
	if err != nil {
		c.log.Warnf("writing %q: %v", cmd, err)
	}
	return err
}

// SendRawCommand writes text to the controller unchanged apart from
// termination.
func (c *Core) SendRawCommand(text string) error {
	cmd := strings.TrimSpace(text)
	if cmd == "" {
		return &rotator.ConfigurationError{Field: "command", Reason: "must not be empty"}
	}
	return c.write(cmd)
}

// MoveTo moves to a calibrated target. Without ramping it returns once the
// command is written; with ramping it returns when the ramp ends. A ramp
// cancelled by Disconnect, StopMotion or another move is not an error.
func (c *Core) MoveTo(ctx context.Context, target rotator.Target) error {
	if target.Empty() {
		return &rotator.ConfigurationError{Field: "target", Reason: "needs an azimuth or elevation"}
	}
	if !c.connected() {
		return rotator.ErrNotConnected
	}
	s := c.store.Snapshot()
	if s.Ramp.Enabled {
		return c.runRamp(ctx, target)
	}
	c.cancelRamp()
	st := c.currentStatus()
	goal, route := plan(s, target, st)
	if route != nil {
		c.log.Infof("azimuth %v -> %.1f (%s %.1f, travel %.1f)", fmtDeg(st, rotator.Azimuth), route.Target, route.Direction, route.Delta, route.Travel)
	}
	return c.write(command(s, goal, st))
}

// MoveToRaw moves to raw controller degrees, bypassing calibration and
// routing.
func (c *Core) MoveToRaw(target rotator.Target) error {
	if target.Empty() {
		return &rotator.ConfigurationError{Field: "target", Reason: "needs an azimuth or elevation"}
	}
	c.cancelRamp()
	s := c.store.Snapshot()
	var az, el *int
	if target.Azimuth != nil {
		v := round(math.Max(0, math.Min(*target.Azimuth, float64(s.Mode))))
		az = &v
	}
	if target.Elevation != nil {
		v := round(math.Max(0, math.Min(*target.Elevation, 90)))
		el = &v
	}
	return c.write(encode(az, el, c.currentStatus()))
}

// ControlAxis starts or stops manual motion; direction is left, right, up,
// down, stop or a protocol letter. With ramping enabled and position
// feedback, motion starts slowly and is driven by position steps in the
// background until another command takes over.
func (c *Core) ControlAxis(direction string) error {
	cmd, ok := gs232.ParseDirection(direction)
	if !ok {
		return &rotator.ConfigurationError{Field: "direction", Reason: fmt.Sprintf("unknown direction %q", direction)}
	}
	if !c.connected() {
		return rotator.ErrNotConnected
	}
	if c.store.Snapshot().Ramp.Enabled {
		if _, ok := manualStep(c.store.Snapshot(), cmd, 0, c.currentStatus()); ok {
			c.startManualRamp(cmd)
			return nil
		}
	}
	c.cancelRamp()
	return c.write(cmd)
}

// StopMotion cancels any motion job and stops both axes. With ramping
// enabled and a known position it stops softly: Stop follows once the rotor
// has had softStopDelay to settle on its last step.
func (c *Core) StopMotion() error {
	if !c.connected() {
		c.cancelRamp()
		return nil
	}
	if c.store.Snapshot().Ramp.Enabled && c.currentStatus() != nil {
		c.startSoftStop()
		return nil
	}
	c.cancelRamp()
	return c.write(gs232.Stop)
}

// SetMode switches the rotation mode, adjusting the azimuth limit, and tells
// the controller when connected. A running ramp re-plans on its next tick.
func (c *Core) SetMode(m rotator.Mode) error {
	if err := c.store.SetMode(m); err != nil {
		return err
	}
	c.log.Infof("rotation mode %d", m)
	if !c.connected() {
		return nil
	}
	return c.write(m.Command())
}

// plan resolves target against the current status into calibrated goals.
func plan(s rotator.Settings, target rotator.Target, st *rotator.Status) (rotator.Target, *rotator.Route) {
	var goal rotator.Target
	var route *rotator.Route
	if target.Azimuth != nil {
		var cur, curRaw *float64
		if st != nil {
			cur, curRaw = st.Azimuth, st.AzimuthRaw
		}
		r := s.RouteAzimuth(*target.Azimuth, cur, curRaw)
		goal.Azimuth = rotator.Deg(r.Target)
		route = &r
	}
	if target.Elevation != nil {
		el := math.Max(s.Limits.ElevationMin, math.Min(*target.Elevation, s.Limits.ElevationMax))
		goal.Elevation = rotator.Deg(el)
	}
	return goal, route
}

// command encodes a calibrated position.
func command(s rotator.Settings, pos rotator.Target, st *rotator.Status) string {
	var az, el *int
	if pos.Azimuth != nil {
		var cur, curRaw *float64
		if st != nil {
			cur, curRaw = st.Azimuth, st.AzimuthRaw
		}
		v := round(s.RawAzimuth(*pos.Azimuth, cur, curRaw))
		az = &v
	}
	if pos.Elevation != nil {
		v := round(s.ToRaw(*pos.Elevation, rotator.Elevation))
		el = &v
	}
	return encode(az, el, st)
}

// encode picks M, or W when elevation moves. An elevation-only move keeps
// the current raw azimuth, or 0 when it is unknown.
func encode(az, el *int, st *rotator.Status) string {
	if el == nil {
		return gs232.MoveAzimuth(*az)
	}
	if az == nil {
		v := 0
		if st != nil && st.AzimuthRaw != nil {
			v = round(*st.AzimuthRaw)
		}
		az = &v
	}
	return gs232.MoveTo(*az, *el)
}

func round(v float64) int {
	return int(math.Round(v))
}

func fmtDeg(st *rotator.Status, a rotator.Axis) string {
	if st == nil {
		return "?"
	}
	v := st.Azimuth
	if a == rotator.Elevation {
		v = st.Elevation
	}
	if v == nil {
		return "?"
	}
	return fmt.Sprintf("%.1f", *v)
}
