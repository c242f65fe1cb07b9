package control

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/w1xm/gs232_interface/transport"
)

const (
	DefaultReconnectDelay    = time.Second
	DefaultReconnectMaxDelay = 30 * time.Second
	reconnectBackoff         = 1.5
)

// ReconnectConfig controls automatic reconnection. Attempt n waits
// BaseDelay*1.5^(n-1), capped at MaxDelay.
type ReconnectConfig struct {
	Enabled   bool          `yaml:"enabled"`
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
	// MaxAttempts of zero retries until Connect or Disconnect.
	MaxAttempts int `yaml:"max_attempts"`
}

func (r ReconnectConfig) withDefaults() ReconnectConfig {
	if r.BaseDelay <= 0 {
		r.BaseDelay = DefaultReconnectDelay
	}
	if r.MaxDelay < r.BaseDelay {
		r.MaxDelay = DefaultReconnectMaxDelay
		if r.MaxDelay < r.BaseDelay {
			r.MaxDelay = r.BaseDelay
		}
	}
	return r
}

func (r ReconnectConfig) delay(attempt int) time.Duration {
	d := float64(r.BaseDelay) * math.Pow(reconnectBackoff, float64(attempt-1))
	if d > float64(r.MaxDelay) {
		return r.MaxDelay
	}
	return time.Duration(d)
}

// ReconnectStatus is the state of the reconnect loop; the zero value means
// none is running.
type ReconnectStatus struct {
	Reconnecting bool      `json:"reconnecting"`
	Port         string    `json:"port,omitempty"`
	Attempt      int       `json:"attempt,omitempty"`
	MaxAttempts  int       `json:"max_attempts,omitempty"`
	NextRetry    time.Time `json:"next_retry,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

type reconnector struct {
	cancel context.CancelFunc
}

var errReconnectSuperseded = errors.New("reconnect superseded")

// startReconnect begins reopening the port t was connected to, unless t is
// no longer current or a loop is already running.
func (c *Core) startReconnect(t transport.Transport) {
	if !c.reconnectCfg.Enabled {
		return
	}
	c.mu.Lock()
	if c.conn != t || c.recon != nil || c.port == "" {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &reconnector{cancel: cancel}
	c.recon = r
	port, baud := c.port, c.baud
	c.reconnect = ReconnectStatus{Reconnecting: true, Port: port, MaxAttempts: c.reconnectCfg.MaxAttempts}
	c.mu.Unlock()
	go c.reconnectLoop(ctx, r, port, baud)
}

// stopReconnect cancels any reconnect loop. Callers hold opMu, so a loop
// that is between attempts can never open a link afterwards.
func (c *Core) stopReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recon != nil {
		c.recon.cancel()
		c.recon = nil
	}
	c.reconnect = ReconnectStatus{}
}

func (c *Core) setReconnect(r *reconnector, f func(*ReconnectStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recon == r {
		f(&c.reconnect)
	}
}

func (c *Core) reconnectLoop(ctx context.Context, r *reconnector, port string, baud int) {
	cfg := c.reconnectCfg
	for attempt := 1; ; attempt++ {
		if cfg.MaxAttempts > 0 && attempt > cfg.MaxAttempts {
			c.log.Warnf("giving up reconnecting to %q after %d attempts", port, cfg.MaxAttempts)
			c.mu.Lock()
			if c.recon == r {
				// The status stays up until the next Connect or Disconnect.
				c.recon = nil
				c.reconnect.Reconnecting = false
				c.reconnect.NextRetry = time.Time{}
				c.reconnect.LastError = fmt.Sprintf("gave up after %d attempts", cfg.MaxAttempts)
			}
			c.mu.Unlock()
			return
		}
		delay := cfg.delay(attempt)
		c.setReconnect(r, func(s *ReconnectStatus) {
			s.Attempt = attempt
			s.NextRetry = c.clock.Now().Add(delay)
		})
		c.log.Infof("reconnect attempt %d to %q in %v", attempt, port, delay)
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(delay):
		}

		err := c.reopen(ctx, r, port, baud)
		c.metrics.ReconnectAttempt(err)
		switch {
		case err == nil:
			c.log.Infof("reconnected to %q", port)
			return
		case errors.Is(err, errReconnectSuperseded):
			return
		}
		c.log.Warnf("reconnecting to %q: %v", port, err)
		c.setReconnect(r, func(s *ReconnectStatus) {
			s.NextRetry = time.Time{}
			s.LastError = err.Error()
		})
	}
}

func (c *Core) reopen(ctx context.Context, r *reconnector, port string, baud int) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	current := c.recon == r
	c.mu.Unlock()
	if !current || ctx.Err() != nil {
		return errReconnectSuperseded
	}
	if err := c.open(ctx, port, baud); err != nil {
		return err
	}
	c.mu.Lock()
	c.recon = nil
	c.reconnect = ReconnectStatus{}
	t := c.conn
	c.mu.Unlock()
	// The new link may have failed before the loop was cleared.
	if t != nil && !t.IsOpen() {
		c.startReconnect(t)
	}
	return nil
}

// startWatchdog treats t as failed once no line has arrived for the health
// timeout. It only runs when reconnecting is enabled.
func (c *Core) startWatchdog(t transport.Transport) {
	if !c.reconnectCfg.Enabled {
		return
	}
	stop := make(chan struct{})
	c.mu.Lock()
	if c.conn != t {
		c.mu.Unlock()
		return
	}
	c.watchStop = stop
	opened := c.clock.Now()
	c.mu.Unlock()

	interval := c.healthTimeout / 2
	go func() {
		ticker := c.clock.Ticker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			c.mu.Lock()
			current := c.conn == t
			last := c.lastSeen
			c.mu.Unlock()
			if !current || !t.IsOpen() {
				return
			}
			if last.IsZero() {
				last = opened
			}
			if silent := c.clock.Since(last); silent > c.healthTimeout {
				t.Close()
				c.handleError(t, errors.Errorf("no data received for %v", silent))
				return
			}
		}
	}()
}
