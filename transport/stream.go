package transport

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/w1xm/gs232_interface/gs232"
	"github.com/w1xm/gs232_interface/rotator"
)

// idlePoll is how long the poller sleeps while polling is disabled.
const idlePoll = time.Second

var errStreamClosed = errors.New("controller closed the connection")

// stream drives a controller over a byte stream.
type stream struct {
	lifecycle
	opts Options
	name string

	connMu sync.Mutex
	conn   io.ReadWriteCloser
	// wmu serializes writes from callers and the poller.
	wmu sync.Mutex

	pollMu sync.Mutex
	poll   time.Duration
}

func (s *stream) init(name string, poll time.Duration, opts Options) {
	s.opts = opts.withDefaults()
	s.log = s.opts.Logger
	s.name = name
	s.poll = poll
}

// SetPollInterval changes how often the controller is asked for its
// position. Zero disables polling.
func (s *stream) SetPollInterval(d time.Duration) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	s.poll = d
}

func (s *stream) PollInterval() time.Duration {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	return s.poll
}

// serve starts reading from conn, plus any extra goroutines.
func (s *stream) serve(conn io.ReadWriteCloser, extra ...func(ctx context.Context) error) {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	closer := func() error {
		s.connMu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.connMu.Unlock()
		if err := conn.Close(); err != nil {
			s.log.Warnf("closing %q: %v", s.name, err)
			return err
		}
		return nil
	}
	fns := append([]func(context.Context) error{
		func(context.Context) error { return s.read(conn) },
		s.poller,
	}, extra...)
	s.start(closer, fns...)
}

func (s *stream) read(conn io.Reader) error {
	scanner := bufio.NewScanner(conn)
	scanner.Split(ScanLines)
	for scanner.Scan() {
		line := scanner.Text()
		s.log.Debugf("%s->srv: %s", s.name, line)
		s.emitData(line)
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "reading %q", s.name)
	}
	return errStreamClosed
}

func (s *stream) poller(ctx context.Context) error {
	for {
		d := s.PollInterval()
		wait := d
		if wait <= 0 {
			wait = idlePoll
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.opts.Clock.After(wait):
		}
		if d <= 0 {
			continue
		}
		if err := s.WriteCommand(gs232.StatusQuery); err != nil {
			return err
		}
	}
}

// WriteCommand sends one terminated command line.
func (s *stream) WriteCommand(cmd string) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil || !s.IsOpen() {
		return rotator.ErrNotConnected
	}
	line := gs232.Terminate(cmd)
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.log.Debugf("srv->%s: %s", s.name, line[:len(line)-1])
	if _, err := io.WriteString(conn, line); err != nil {
		return errors.Wrapf(err, "writing to %q", s.name)
	}
	return nil
}
