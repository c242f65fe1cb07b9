package transport

import (
	"net/url"
	"strings"
	"time"

	"github.com/w1xm/gs232_interface/gs232/simulator"
	"github.com/w1xm/gs232_interface/rotator"
)

// Dialer builds the transport a port descriptor names.
//
// "sim", "simulator" and SIMULATOR select the simulated rotor.
// "http://host:port?port=/dev/ttyUSB0" selects a remote rotord driving
// /dev/ttyUSB0. Anything else is a local serial device.
type Dialer struct {
	Options   Options
	Simulator simulator.Config

	// PollInterval applies to serial ports, RemotePollInterval to remote
	// rotord instances.
	PollInterval       time.Duration
	RemotePollInterval time.Duration
}

func IsSimulator(port string) bool {
	switch strings.ToLower(strings.TrimSpace(port)) {
	case "sim", "simulator":
		return true
	}
	return false
}

func (d Dialer) Dial(port string, baud int) (Transport, error) {
	port = strings.TrimSpace(port)
	switch {
	case port == "":
		return nil, &rotator.ConfigurationError{Field: "port", Reason: "must not be empty"}
	case IsSimulator(port):
		return NewSimulation(d.Simulator, d.Options), nil
	case strings.HasPrefix(port, "http://"), strings.HasPrefix(port, "https://"):
		u, err := url.Parse(port)
		if err != nil {
			return nil, &rotator.ConfigurationError{Field: "port", Reason: err.Error()}
		}
		q := u.Query()
		remotePort := q.Get("port")
		if remotePort == "" {
			return nil, &rotator.ConfigurationError{Field: "port", Reason: "remote descriptor needs ?port="}
		}
		u.RawQuery = ""
		return NewRemote(RemoteConfig{
			BaseURL:      u.String(),
			Port:         remotePort,
			Baud:         baud,
			PollInterval: d.RemotePollInterval,
		}, d.Options), nil
	}
	poll := d.PollInterval
	if poll == 0 {
		poll = DefaultPollInterval
	}
	return NewSerial(SerialConfig{Port: port, Baud: baud, PollInterval: poll}, d.Options), nil
}
