// Package transport connects the motion core to a GS-232B controller: a
// serial port, a remote rotord instance that owns the port, or a simulated
// rotor.
package transport

import (
	"context"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Transport is an exclusive link to one controller.
//
// Open closes any link the transport already holds before opening a new
// one. Close is idempotent and never fails. Data listeners receive one line
// per controller response, without its terminator.
type Transport interface {
	Open(ctx context.Context) error
	Close() error
	IsOpen() bool
	WriteCommand(cmd string) error
	OnData(func(line string))
	OnError(func(err error))
}

// Options are shared by all transports.
type Options struct {
	Logger *zap.SugaredLogger
	Clock  clock.Clock
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

func isTerminator(b byte) bool {
	return b == '\r' || b == '\n'
}

// ScanLines is a bufio.SplitFunc that splits on CR or LF and drops empty
// lines.
func ScanLines(data []byte, atEOF bool) (int, []byte, error) {
	start := 0
	for start < len(data) && isTerminator(data[start]) {
		start++
	}
	for i := start; i < len(data); i++ {
		if isTerminator(data[i]) {
			return i + 1, data[start:i], nil
		}
	}
	if atEOF && len(data) > start {
		return len(data), data[start:], nil
	}
	return start, nil, nil
}

type listeners struct {
	mu   sync.Mutex
	data []func(string)
	errs []func(error)
}

func (l *listeners) OnData(f func(line string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.data = append(l.data, f)
}

func (l *listeners) OnError(f func(err error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, f)
}

func (l *listeners) emitData(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	l.mu.Lock()
	fs := append([]func(string){}, l.data...)
	l.mu.Unlock()
	for _, f := range fs {
		f(line)
	}
}

func (l *listeners) emitError(err error) {
	l.mu.Lock()
	fs := append([]func(error){}, l.errs...)
	l.mu.Unlock()
	for _, f := range fs {
		f(err)
	}
}

// session is one open period of a transport.
type session struct {
	cancel context.CancelFunc
	done   chan struct{}
	closer func() error
}

// lifecycle runs the goroutines of at most one session.
type lifecycle struct {
	listeners
	log *zap.SugaredLogger

	mu  sync.Mutex
	cur *session
}

func (l *lifecycle) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cur != nil
}

// start runs fns until one fails or the session is closed. A session that
// fails on its own is cleared before its error reaches the error listeners,
// so listeners may call Close or Open.
func (l *lifecycle) start(closer func() error, fns ...func(ctx context.Context) error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{cancel: cancel, done: make(chan struct{}), closer: closer}
	l.mu.Lock()
	l.cur = s
	l.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		fn := fn
		g.Go(func() error { return fn(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		if closer != nil {
			return closer()
		}
		return nil
	})
	go func() {
		err := g.Wait()
		closed := ctx.Err() != nil
		l.mu.Lock()
		if l.cur == s {
			l.cur = nil
		}
		l.mu.Unlock()
		cancel()
		close(s.done)
		if !closed {
			l.emitError(err)
		}
	}()
}

// Close stops the current session and waits for its goroutines.
func (l *lifecycle) Close() error {
	l.mu.Lock()
	s := l.cur
	l.cur = nil
	l.mu.Unlock()
	if s == nil {
		return nil
	}
	s.cancel()
	<-s.done
	return nil
}
