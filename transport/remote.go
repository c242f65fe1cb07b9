package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/w1xm/gs232_interface/rotator"
)

// Wire types of the rotord HTTP API, shared with its server.
type (
	ConnectRequest struct {
		Port string `json:"port"`
		Baud int    `json:"baud,omitempty"`
	}
	CommandRequest struct {
		Command string `json:"command"`
	}
	// Response is the body of every mutating call.
	Response struct {
		Error string `json:"error,omitempty"`
	}
	RemoteStatus struct {
		Connected bool            `json:"connected"`
		Status    *rotator.Status `json:"status,omitempty"`
	}
)

const (
	DefaultRemotePoll = 500 * time.Millisecond

	ConnectPath    = "/api/rotor/connect"
	DisconnectPath = "/api/rotor/disconnect"
	CommandPath    = "/api/rotor/command"
	StatusPath     = "/api/rotor/status"
)

var errRemoteDisconnected = errors.New("remote controller disconnected")

type RemoteConfig struct {
	// BaseURL is the rotord root, e.g. http://shack:8502.
	BaseURL string
	// Port and Baud are opened on the remote side.
	Port         string
	Baud         int
	PollInterval time.Duration
	Client       *http.Client
}

// Remote drives a controller attached to another rotord over its HTTP API.
// Status is polled and replayed as controller lines.
type Remote struct {
	lifecycle
	opts Options
	cfg  RemoteConfig
}

func NewRemote(cfg RemoteConfig, opts Options) *Remote {
	opts = opts.withDefaults()
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultRemotePoll
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 5 * time.Second}
	}
	r := &Remote{opts: opts, cfg: cfg}
	r.log = opts.Logger
	return r
}

func (r *Remote) post(ctx context.Context, path string, body interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.cfg.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var response Response
	if err := json.Unmarshal(data, &response); err != nil && resp.StatusCode == http.StatusOK {
		return errors.Wrapf(err, "decoding %s response", path)
	}
	if response.Error != "" {
		return errors.New(response.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status code: %s\n%s", resp.Status, string(data))
	}
	return nil
}

func (r *Remote) status(ctx context.Context) (RemoteStatus, error) {
	var status RemoteStatus
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.BaseURL+StatusPath, nil)
	if err != nil {
		return status, err
	}
	resp, err := r.cfg.Client.Do(req)
	if err != nil {
		return status, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return status, fmt.Errorf("bad status code: %s", resp.Status)
	}
	err = json.NewDecoder(resp.Body).Decode(&status)
	return status, err
}

func (r *Remote) Open(ctx context.Context) error {
	r.Close()
	if err := r.post(ctx, ConnectPath, ConnectRequest{Port: r.cfg.Port, Baud: r.cfg.Baud}); err != nil {
		return &rotator.ConnectionError{Port: r.cfg.BaseURL, Err: err}
	}
	r.log.Infof("opened %q on %s", r.cfg.Port, r.cfg.BaseURL)
	r.start(nil, r.poll)
	return nil
}

// poll replays every new status the remote reports.
func (r *Remote) poll(ctx context.Context) error {
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.opts.Clock.After(r.cfg.PollInterval):
		}
		status, err := r.status(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Warnf("polling %s: %v", r.cfg.BaseURL, err)
			continue
		}
		if !status.Connected {
			return errRemoteDisconnected
		}
		if s := status.Status; s != nil && !s.Timestamp.Equal(last) {
			last = s.Timestamp
			r.emitData(s.Raw)
		}
	}
}

// Close releases the remote port, best effort.
func (r *Remote) Close() error {
	if !r.IsOpen() {
		return nil
	}
	r.lifecycle.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.post(ctx, DisconnectPath, struct{}{}); err != nil {
		r.log.Warnf("disconnecting %s: %v", r.cfg.BaseURL, err)
	}
	return nil
}

func (r *Remote) WriteCommand(cmd string) error {
	if !r.IsOpen() {
		return rotator.ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Client.Timeout+time.Second)
	defer cancel()
	cmd = strings.TrimRight(cmd, "\r\n")
	r.log.Debugf("srv->%s: %s", r.cfg.BaseURL, cmd)
	return errors.Wrapf(r.post(ctx, CommandPath, CommandRequest{Command: cmd}), "writing to %s", r.cfg.BaseURL)
}
