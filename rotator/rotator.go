// Package rotator holds the rotor data model, the calibration pipeline and
// the azimuth wraparound router.
package rotator

import (
	"context"
	"time"

	"github.com/w1xm/gs232_interface/gs232"
)

type Axis int

const (
	Azimuth Axis = iota
	Elevation
)

func (a Axis) String() string {
	if a == Elevation {
		return "elevation"
	}
	return "azimuth"
}

// Mode is the azimuth rotation range of the controller in degrees.
type Mode int

const (
	Mode360 Mode = 360
	Mode450 Mode = 450
)

func (m Mode) Valid() bool {
	return m == Mode360 || m == Mode450
}

// Command returns the protocol command selecting m.
func (m Mode) Command() string {
	if m == Mode450 {
		return gs232.Mode450
	}
	return gs232.Mode360
}

// Status is one decoded controller report. A nil field was not present in
// the line.
type Status struct {
	Raw       string    `json:"raw"`
	Timestamp time.Time `json:"timestamp"`

	AzimuthRaw   *float64 `json:"azimuth_raw,omitempty"`
	ElevationRaw *float64 `json:"elevation_raw,omitempty"`
	Azimuth      *float64 `json:"azimuth,omitempty"`
	Elevation    *float64 `json:"elevation,omitempty"`
}

// NewStatus calibrates a parsed reading with s.
func NewStatus(s Settings, r gs232.Reading, at time.Time) Status {
	st := Status{Raw: r.Line, Timestamp: at}
	if r.HasAzimuth {
		raw := float64(r.Azimuth)
		st.AzimuthRaw = Deg(raw)
		st.Azimuth = Deg(s.ToCalibrated(raw, Azimuth))
	}
	if r.HasElevation {
		raw := float64(r.Elevation)
		st.ElevationRaw = Deg(raw)
		st.Elevation = Deg(s.ToCalibrated(raw, Elevation))
	}
	return st
}

// Deg returns a pointer to v, for optional angles.
func Deg(v float64) *float64 {
	return &v
}

// Target is a requested position; nil axes are left alone.
type Target struct {
	Azimuth   *float64 `json:"az,omitempty"`
	Elevation *float64 `json:"el,omitempty"`
}

func (t Target) Empty() bool {
	return t.Azimuth == nil && t.Elevation == nil
}

type StatusCallback func(status Status)

// Rotator is the motion capability front ends drive.
type Rotator interface {
	MoveTo(ctx context.Context, target Target) error
	StopMotion() error
	CurrentStatus() (Status, bool)
	Settings() Settings
}
