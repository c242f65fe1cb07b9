// Package simulator emulates a GS-232B controller and its rotor on the far
// side of an in-memory pipe.
package simulator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/w1xm/gs232_interface/gs232"
)

const (
	// DefaultTick is how often the simulated rotor moves and reports.
	DefaultTick = 500 * time.Millisecond
	// Degrees per second.
	DefaultAzimuthSpeed   = 4
	DefaultElevationSpeed = 2
)

// Config describes the simulated rotor. Limits are in raw controller
// degrees; a zero AzimuthMax follows the rotation mode.
type Config struct {
	Tick           time.Duration `yaml:"tick"`
	AzimuthSpeed   float64       `yaml:"azimuth_speed"`
	ElevationSpeed float64       `yaml:"elevation_speed"`
	Mode           int           `yaml:"mode"`

	AzimuthMin   float64 `yaml:"azimuth_min"`
	AzimuthMax   float64 `yaml:"azimuth_max"`
	ElevationMin float64 `yaml:"elevation_min"`
	ElevationMax float64 `yaml:"elevation_max"`

	InitialAzimuth   float64 `yaml:"initial_azimuth"`
	InitialElevation float64 `yaml:"initial_elevation"`

	Clock  clock.Clock        `yaml:"-"`
	Logger *zap.SugaredLogger `yaml:"-"`
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.AzimuthSpeed <= 0 {
		c.AzimuthSpeed = DefaultAzimuthSpeed
	}
	if c.ElevationSpeed <= 0 {
		c.ElevationSpeed = DefaultElevationSpeed
	}
	if c.Mode != 450 {
		c.Mode = 360
	}
	if c.ElevationMax <= c.ElevationMin {
		c.ElevationMax = 90
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
	return c
}

// axis is one simulated drive.
type axis struct {
	pos      float64
	dir      int
	target   float64
	seeking  bool
	min, max float64
	speed    float64
}

func (a *axis) stop() {
	a.dir = 0
	a.seeking = false
}

func (a *axis) seek(target float64) {
	a.target = math.Max(a.min, math.Min(a.max, target))
	a.seeking = true
	a.dir = 0
}

func (a *axis) run(dir int) {
	a.dir = dir
	a.seeking = false
}

func (a *axis) step(dt time.Duration) {
	move := a.speed * dt.Seconds()
	switch {
	case a.seeking:
		delta := a.target - a.pos
		if math.Abs(delta) <= move {
			a.pos = a.target
			a.seeking = false
		} else {
			a.pos += math.Copysign(move, delta)
		}
	case a.dir != 0:
		a.pos += float64(a.dir) * move
	}
	if a.pos <= a.min {
		a.pos = a.min
		if a.dir < 0 {
			a.dir = 0
		}
	} else if a.pos >= a.max {
		a.pos = a.max
		if a.dir > 0 {
			a.dir = 0
		}
	}
}

func (a *axis) report() int {
	return int(math.Round(a.pos))
}

type Simulator struct {
	conn   io.ReadWriteCloser
	cfg    Config
	log    *zap.SugaredLogger
	mu     sync.Mutex
	mode   int
	az, el axis
}

// New returns a simulator and the controller end of the pipe it listens on.
func New(cfg Config) (*Simulator, net.Conn) {
	cfg = cfg.withDefaults()
	a, b := net.Pipe()
	s := &Simulator{
		conn: a,
		cfg:  cfg,
		log:  cfg.Logger,
		mode: cfg.Mode,
		az: axis{
			pos:   cfg.InitialAzimuth,
			min:   cfg.AzimuthMin,
			speed: cfg.AzimuthSpeed,
		},
		el: axis{
			pos:   cfg.InitialElevation,
			min:   cfg.ElevationMin,
			max:   cfg.ElevationMax,
			speed: cfg.ElevationSpeed,
		},
	}
	s.setMode(cfg.Mode)
	return s, b
}

func (s *Simulator) setMode(mode int) {
	s.mode = mode
	s.az.max = float64(mode)
	if s.cfg.AzimuthMax > 0 && s.cfg.AzimuthMax < s.az.max {
		s.az.max = s.cfg.AzimuthMax
	}
	if s.az.pos > s.az.max {
		s.az.pos = s.az.max
	}
	if s.az.seeking && s.az.target > s.az.max {
		s.az.target = s.az.max
	}
}

func (s *Simulator) position() string {
	return fmt.Sprintf("AZ=%03d EL=%03d", s.az.report(), s.el.report())
}

var cmdRE = regexp.MustCompile(`^([A-Z]+)\s*([0-9]*)\s*([0-9]*)$`)

// parseInput applies one command and returns the controller's reply, if any.
func (s *Simulator) parseInput(input string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	input = strings.ToUpper(strings.TrimSpace(input))
	parts := cmdRE.FindStringSubmatch(input)
	if parts == nil {
		return "", fmt.Errorf("unrecognized command %q", input)
	}
	cmd, args := parts[1], []float64{}
	for _, p := range parts[2:] {
		if p == "" {
			continue
		}
		v, err := strconv.Atoi(p)
		if err != nil {
			return "", err
		}
		args = append(args, float64(v))
	}
	switch {
	case cmd == "R":
		s.az.run(1)
	case cmd == "L":
		s.az.run(-1)
	case cmd == "A":
		s.az.stop()
	case cmd == "U":
		s.el.run(1)
	case cmd == "D":
		s.el.run(-1)
	case cmd == "E":
		s.el.stop()
	case cmd == "S":
		s.az.stop()
		s.el.stop()
	case cmd == "C" && len(args) == 0:
		return fmt.Sprintf("AZ=%03d", s.az.report()), nil
	case cmd == "C" && len(args) == 1 && args[0] == 2:
		return s.position(), nil
	case cmd == "B":
		return fmt.Sprintf("EL=%03d", s.el.report()), nil
	case cmd == "P" && len(args) == 1 && (args[0] == 36 || args[0] == 45):
		s.setMode(int(args[0]) * 10)
	case cmd == "M" && len(args) == 1:
		s.az.seek(args[0])
	case cmd == "W" && len(args) == 2:
		s.az.seek(args[0])
		s.el.seek(args[1])
	default:
		return "", fmt.Errorf("unknown command %q", input)
	}
	return "", nil
}

// step advances the rotor by dt and returns the position report.
func (s *Simulator) step(dt time.Duration) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.az.step(dt)
	s.el.step(dt)
	return s.position()
}

// Mode returns the active rotation mode.
func (s *Simulator) Mode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

var errClosed = errors.New("controller connection closed")

// Run serves the pipe until ctx is canceled or the other end is closed.
func (s *Simulator) Run(ctx context.Context) error {
	defer s.conn.Close()
	t := s.cfg.Clock.Ticker(s.cfg.Tick)
	defer t.Stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return s.conn.Close()
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
			}
			if err := s.send(s.step(s.cfg.Tick)); err != nil {
				return err
			}
		}
	})
	g.Go(s.reader)
	return g.Wait()
}

func (s *Simulator) reader() error {
	scanner := bufio.NewScanner(s.conn)
	scanner.Split(scanLines)
	for scanner.Scan() {
		input := scanner.Text()
		s.log.Debugf("srv->sim: %s", input)
		reply, err := s.parseInput(input)
		if err != nil {
			s.log.Debugf("parsing %q: %v", input, err)
			continue
		}
		if reply != "" {
			if err := s.send(reply); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "reading port")
	}
	return errClosed
}

func (s *Simulator) send(line string) error {
	s.log.Debugf("sim->srv: %s", line)
	_, err := io.WriteString(s.conn, line+gs232.Terminator)
	return err
}

// scanLines splits on CR, which is all a GS-232B host sends.
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	for i, b := range data {
		if b == '\r' || b == '\n' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
