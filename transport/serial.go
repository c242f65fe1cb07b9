package transport

import (
	"context"
	"io"
	"time"

	"github.com/tarm/serial"
	"go.bug.st/serial/enumerator"

	"github.com/w1xm/gs232_interface/rotator"
)

const (
	DefaultBaud         = 9600
	DefaultPollInterval = 500 * time.Millisecond
)

// openPort opens a serial device. It's a variable so tests can replace the
// hardware.
var openPort = func(c *serial.Config) (io.ReadWriteCloser, error) {
	return serial.OpenPort(c)
}

type SerialConfig struct {
	Port string
	Baud int
	// PollInterval is how often C2 is sent; zero disables polling.
	PollInterval time.Duration
}

// Serial talks to a controller on a local serial port at 8N1.
type Serial struct {
	stream
	cfg SerialConfig
}

func NewSerial(cfg SerialConfig, opts Options) *Serial {
	if cfg.Baud <= 0 {
		cfg.Baud = DefaultBaud
	}
	s := &Serial{cfg: cfg}
	s.init(cfg.Port, cfg.PollInterval, opts)
	return s
}

func (s *Serial) Open(ctx context.Context) error {
	s.Close()
	if err := ctx.Err(); err != nil {
		return &rotator.ConnectionError{Port: s.cfg.Port, Err: err}
	}
	port, err := openPort(&serial.Config{
		Name:     s.cfg.Port,
		Baud:     s.cfg.Baud,
		Size:     8,
		Parity:   serial.ParityNone,
		StopBits: serial.Stop1,
	})
	if err != nil {
		return &rotator.ConnectionError{Port: s.cfg.Port, Err: err}
	}
	s.log.Infof("opened %q at %d baud", s.cfg.Port, s.cfg.Baud)
	s.serve(port)
	return nil
}

// PortInfo describes a serial port found on the host.
type PortInfo struct {
	Path         string `json:"path"`
	FriendlyName string `json:"friendly_name"`
	Description  string `json:"description"`
	HWID         string `json:"hwid"`
}

var listPorts = enumerator.GetDetailedPortsList

// ListPorts enumerates the host's serial ports. The simulated rotor is
// always listed last.
func ListPorts() ([]PortInfo, error) {
	details, err := listPorts()
	if err != nil {
		return nil, err
	}
	var ports []PortInfo
	for _, d := range details {
		p := PortInfo{Path: d.Name, FriendlyName: d.Name, Description: "n/a", HWID: "n/a"}
		if d.Product != "" {
			p.FriendlyName = d.Name + " - " + d.Product
			p.Description = d.Product
		}
		if d.IsUSB {
			p.HWID = "USB VID:PID=" + d.VID + ":" + d.PID
			if d.SerialNumber != "" {
				p.HWID += " SER=" + d.SerialNumber
			}
		}
		ports = append(ports, p)
	}
	ports = append(ports, PortInfo{
		Path:         SimulatorPort,
		FriendlyName: "Simulated rotor",
		Description:  "Built-in GS-232B simulator",
		HWID:         "SIMULATOR",
	})
	return ports, nil
}
