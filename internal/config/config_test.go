package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/w1xm/gs232_interface/control"
	"github.com/w1xm/gs232_interface/gs232/simulator"
	"github.com/w1xm/gs232_interface/rotator"
	"github.com/w1xm/gs232_interface/sequencer"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rotord.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	for _, path := range []string{"", filepath.Join(t.TempDir(), "absent.yaml")} {
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load(%q) error: %v", path, err)
		}
		if diff := cmp.Diff(cfg, Default(), cmpopts.IgnoreFields(simulator.Config{}, "Clock", "Logger")); diff != "" {
			t.Errorf("Load(%q): got(-)/want(+):\n%s", path, diff)
		}
	}
}

func TestLoad_Overlay(t *testing.T) {
	path := writeTempConfig(t, `
rotor:
  mode: 450
  calibration:
    azimuth_offset: 12.5
  limits:
    azimuth_max: 450
  ramp:
    enabled: true
    kp: 9
    sample_interval_ms: 250
serial:
  port: /dev/ttyUSB0
  poll_interval: 1s
server:
  addr: ":9000"
reconnect:
  base_delay: 2s
  max_attempts: 5
routes:
  file: /var/lib/rotord/routes.json
  arrival_timeout: 90s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	r := cfg.Rotor
	if r.Mode != rotator.Mode450 || r.Limits.AzimuthMax != 450 || r.Calibration.AzimuthOffset != 12.5 {
		t.Errorf("rotor settings %+v", r)
	}
	// Unset fields keep their defaults.
	if r.Calibration.AzimuthScale != 1 || r.Limits.ElevationMax != 90 || r.Ramp.KI != 0.05 {
		t.Errorf("defaults lost: %+v", r)
	}
	if !r.Ramp.Enabled || r.Ramp.KP != 5 || r.Ramp.SampleIntervalMs != 250 {
		t.Errorf("ramp %+v", r.Ramp)
	}
	if cfg.Serial.Port != "/dev/ttyUSB0" || cfg.Serial.PollInterval != time.Second || cfg.Serial.Baud != 9600 {
		t.Errorf("serial %+v", cfg.Serial)
	}
	if cfg.Server.Addr != ":9000" || cfg.Server.RotctldAddr != ":4533" {
		t.Errorf("server %+v", cfg.Server)
	}
	want := control.ReconnectConfig{Enabled: true, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 5}
	if diff := cmp.Diff(cfg.Reconnect, want); diff != "" {
		t.Errorf("reconnect: got(-)/want(+):\n%s", diff)
	}
	wantRoutes := RoutesConfig{
		File: "/var/lib/rotord/routes.json",
		Executor: sequencer.Config{
			Tolerance:      sequencer.DefaultTolerance,
			ArrivalTimeout: 90 * time.Second,
			CheckInterval:  sequencer.DefaultCheckInterval,
		},
	}
	if diff := cmp.Diff(cfg.Routes, wantRoutes); diff != "" {
		t.Errorf("routes: got(-)/want(+):\n%s", diff)
	}
}

func TestLoad_Invalid(t *testing.T) {
	for _, contents := range []string{
		"rotor:\n  calibration:\n    azimuth_scale: 0\n",
		"rotor:\n  limits:\n    elevation_min: 50\n    elevation_max: 10\n",
		"rotor:\n  mode: 400\n",
		"routes:\n  tolerance: -1\n",
	} {
		_, err := Load(writeTempConfig(t, contents))
		var cerr *rotator.ConfigurationError
		if !errors.As(err, &cerr) {
			t.Errorf("Load(%q) = %v, want ConfigurationError", contents, err)
		}
	}
	if _, err := Load(writeTempConfig(t, "rotor: [")); err == nil {
		t.Errorf("Load(bad yaml) succeeded")
	}
}
