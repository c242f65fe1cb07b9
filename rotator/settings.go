package rotator

import (
	"math"
	"time"

	"go.uber.org/multierr"
)

// Calibration maps raw controller degrees to physical degrees:
// calibrated = raw*scale + offset.
type Calibration struct {
	AzimuthOffset   float64 `yaml:"azimuth_offset" json:"azimuth_offset"`
	ElevationOffset float64 `yaml:"elevation_offset" json:"elevation_offset"`
	AzimuthScale    float64 `yaml:"azimuth_scale" json:"azimuth_scale"`
	ElevationScale  float64 `yaml:"elevation_scale" json:"elevation_scale"`
}

// Limits are the soft limits, in calibrated degrees.
type Limits struct {
	AzimuthMin   float64 `yaml:"azimuth_min" json:"azimuth_min"`
	AzimuthMax   float64 `yaml:"azimuth_max" json:"azimuth_max"`
	ElevationMin float64 `yaml:"elevation_min" json:"elevation_min"`
	ElevationMax float64 `yaml:"elevation_max" json:"elevation_max"`
}

// RampSettings tune the PI ramp controller.
type RampSettings struct {
	Enabled          bool    `yaml:"enabled" json:"enabled"`
	KP               float64 `yaml:"kp" json:"kp"`
	KI               float64 `yaml:"ki" json:"ki"`
	SampleIntervalMs int     `yaml:"sample_interval_ms" json:"sample_interval_ms"`
	MaxStepDeg       float64 `yaml:"max_step_deg" json:"max_step_deg"`
	ToleranceDeg     float64 `yaml:"tolerance_deg" json:"tolerance_deg"`
	IntegralLimit    float64 `yaml:"integral_limit" json:"integral_limit"`
	// Manual moves build up to these speeds, in degrees per second.
	AzimuthSpeed   float64 `yaml:"azimuth_speed" json:"azimuth_speed"`
	ElevationSpeed float64 `yaml:"elevation_speed" json:"elevation_speed"`
}

func clamp(v, min, max float64) float64 {
	return math.Max(min, math.Min(v, max))
}

// Bounded returns r with every numeric field forced into its sane range.
func (r RampSettings) Bounded() RampSettings {
	r.KP = clamp(r.KP, 0, 5)
	r.KI = clamp(r.KI, 0, 5)
	if r.SampleIntervalMs < 100 {
		r.SampleIntervalMs = 100
	} else if r.SampleIntervalMs > 2000 {
		r.SampleIntervalMs = 2000
	}
	r.MaxStepDeg = clamp(r.MaxStepDeg, 0.5, 90)
	r.ToleranceDeg = clamp(r.ToleranceDeg, 0.1, 10)
	r.IntegralLimit = clamp(r.IntegralLimit, 0, 1000)
	r.AzimuthSpeed = clamp(r.AzimuthSpeed, 0.1, 90)
	r.ElevationSpeed = clamp(r.ElevationSpeed, 0.1, 90)
	return r
}

func (r RampSettings) SampleInterval() time.Duration {
	return time.Duration(r.SampleIntervalMs) * time.Millisecond
}

type Settings struct {
	Calibration Calibration  `yaml:"calibration" json:"calibration"`
	Limits      Limits       `yaml:"limits" json:"limits"`
	Ramp        RampSettings `yaml:"ramp" json:"ramp"`
	Mode        Mode         `yaml:"mode" json:"mode"`
}

func DefaultSettings() Settings {
	return Settings{
		Calibration: Calibration{AzimuthScale: 1, ElevationScale: 1},
		Limits:      Limits{AzimuthMax: 360, ElevationMax: 90},
		Ramp: RampSettings{
			KP:               0.4,
			KI:               0.05,
			SampleIntervalMs: 400,
			MaxStepDeg:       5,
			ToleranceDeg:     1.5,
			IntegralLimit:    20,
			AzimuthSpeed:     4,
			ElevationSpeed:   2,
		},
		Mode: Mode360,
	}
}

func (c Calibration) Validate() error {
	var err error
	if c.AzimuthScale == 0 {
		err = multierr.Append(err, configErrorf("azimuth_scale", "must be non-zero"))
	}
	if c.ElevationScale == 0 {
		err = multierr.Append(err, configErrorf("elevation_scale", "must be non-zero"))
	}
	return err
}

func (l Limits) Validate() error {
	var err error
	if l.AzimuthMin > l.AzimuthMax {
		err = multierr.Append(err, configErrorf("azimuth_max", "%v is below azimuth_min %v", l.AzimuthMax, l.AzimuthMin))
	}
	if l.ElevationMin > l.ElevationMax {
		err = multierr.Append(err, configErrorf("elevation_max", "%v is below elevation_min %v", l.ElevationMax, l.ElevationMin))
	}
	return err
}

// Validate reports every invalid field; each error is a *ConfigurationError.
func (s Settings) Validate() error {
	err := multierr.Combine(s.Calibration.Validate(), s.Limits.Validate())
	if !s.Mode.Valid() {
		err = multierr.Append(err, configErrorf("mode", "%d is not 360 or 450", s.Mode))
	}
	return err
}

func (s Settings) axis(a Axis) (offset, scale, min, max float64) {
	if a == Elevation {
		return s.Calibration.ElevationOffset, s.Calibration.ElevationScale, s.Limits.ElevationMin, s.Limits.ElevationMax
	}
	min, max = s.AzimuthWindow()
	return s.Calibration.AzimuthOffset, s.Calibration.AzimuthScale, min, max
}

// ToCalibrated converts a raw reading to calibrated degrees within the soft
// limits.
func (s Settings) ToCalibrated(raw float64, a Axis) float64 {
	offset, scale, min, max := s.axis(a)
	return clamp(raw*scale+offset, min, max)
}

// ToRaw converts calibrated degrees to a raw command value. Azimuth is only
// clamped to the controller's range; resolve wraparound with RouteAzimuth
// first.
func (s Settings) ToRaw(calibrated float64, a Axis) float64 {
	offset, scale, _, _ := s.axis(a)
	if scale == 0 {
		scale = 1
	}
	raw := (calibrated - offset) / scale
	if a == Elevation {
		return clamp(raw, 0, math.Max(s.Limits.ElevationMax, 90))
	}
	return clamp(raw, 0, float64(s.Mode))
}

// Resolution is the calibrated size of one raw degree on the axis.
func (s Settings) Resolution(a Axis) float64 {
	_, scale, _, _ := s.axis(a)
	if scale == 0 {
		return 1
	}
	return math.Abs(scale)
}
