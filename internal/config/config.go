// Package config loads the rotord configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/w1xm/gs232_interface/control"
	"github.com/w1xm/gs232_interface/gs232/simulator"
	"github.com/w1xm/gs232_interface/rotator"
	"github.com/w1xm/gs232_interface/sequencer"
	"github.com/w1xm/gs232_interface/transport"
)

type Config struct {
	Rotor     rotator.Settings `yaml:"rotor"`
	Serial    SerialConfig     `yaml:"serial"`
	Remote    RemoteConfig     `yaml:"remote"`
	Simulator simulator.Config `yaml:"simulator"`
	Server    ServerConfig     `yaml:"server"`
	// Reconnect applies to serial and remote links.
	Reconnect control.ReconnectConfig `yaml:"reconnect"`
	Routes    RoutesConfig            `yaml:"routes"`
}

type RoutesConfig struct {
	// File holds the saved routes. Empty keeps them in memory.
	File     string           `yaml:"file"`
	Executor sequencer.Config `yaml:",inline"`
}

type SerialConfig struct {
	// Port is opened at startup when set.
	Port         string        `yaml:"port"`
	Baud         int           `yaml:"baud"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type RemoteConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type ServerConfig struct {
	Addr          string        `yaml:"addr"`
	RotctldAddr   string        `yaml:"rotctld_addr"`
	StaticDir     string        `yaml:"static_dir"`
	HealthTimeout time.Duration `yaml:"health_timeout"`
	// Latitude of the station, for equatorial targets.
	Latitude float64 `yaml:"latitude"`
}

func Default() Config {
	return Config{
		Rotor: rotator.DefaultSettings(),
		Serial: SerialConfig{
			Baud:         transport.DefaultBaud,
			PollInterval: transport.DefaultPollInterval,
		},
		Remote: RemoteConfig{PollInterval: transport.DefaultRemotePoll},
		Simulator: simulator.Config{
			Tick:           simulator.DefaultTick,
			AzimuthSpeed:   simulator.DefaultAzimuthSpeed,
			ElevationSpeed: simulator.DefaultElevationSpeed,
			Mode:           360,
			ElevationMax:   90,
		},
		Server: ServerConfig{
			Addr:          ":8502",
			RotctldAddr:   ":4533",
			HealthTimeout: control.DefaultHealthTimeout,
		},
		Reconnect: control.ReconnectConfig{
			Enabled:   true,
			BaseDelay: control.DefaultReconnectDelay,
			MaxDelay:  control.DefaultReconnectMaxDelay,
		},
		Routes: RoutesConfig{
			File: "routes.json",
			Executor: sequencer.Config{
				Tolerance:      sequencer.DefaultTolerance,
				ArrivalTimeout: sequencer.DefaultArrivalTimeout,
				CheckInterval:  sequencer.DefaultCheckInterval,
			},
		},
	}
}

// Load reads path over the defaults. An empty path or a missing file yields
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.Rotor.Ramp = cfg.Rotor.Ramp.Bounded()
	if err := cfg.Rotor.Validate(); err != nil {
		return Config{}, err
	}
	if cfg.Serial.Baud <= 0 {
		cfg.Serial.Baud = transport.DefaultBaud
	}
	if cfg.Remote.PollInterval <= 0 {
		cfg.Remote.PollInterval = transport.DefaultRemotePoll
	}
	if cfg.Server.HealthTimeout <= 0 {
		cfg.Server.HealthTimeout = control.DefaultHealthTimeout
	}
	if cfg.Reconnect.MaxAttempts < 0 {
		return Config{}, fmt.Errorf("parsing %s: reconnect.max_attempts must not be negative", path)
	}
	if cfg.Routes.Executor.Tolerance < 0 {
		return Config{}, &rotator.ConfigurationError{Field: "routes.tolerance", Reason: "must not be negative"}
	}
	return cfg, nil
}
