package rotator

import "math"

type Direction string

const (
	Clockwise        Direction = "CW"
	CounterClockwise Direction = "CCW"
	Hold             Direction = "HOLD"
	// Unknown is reported when there is no current position to route from.
	Unknown Direction = "UNKNOWN"
)

const (
	holdEpsilon = 1e-6
	tieEpsilon  = 1e-9
)

// Route is the resolved path to an azimuth target.
type Route struct {
	// Target is the calibrated azimuth to command.
	Target float64 `json:"target"`
	// Raw is the raw command value for Target, on the current winding.
	Raw       float64   `json:"raw"`
	Delta     float64   `json:"delta"`
	Distance  float64   `json:"distance"`
	Direction Direction `json:"direction"`
	// Travel is Target minus the current azimuth: the signed distance the
	// rotor actually turns between its end stops.
	Travel float64 `json:"travel"`
}

// ShortestDelta returns target-current wrapped into [-period/2, period/2].
func ShortestDelta(target, current, period float64) float64 {
	delta := target - current
	if period <= 0 {
		return delta
	}
	delta = math.Mod(delta, period)
	if delta > period/2 {
		delta -= period
	} else if delta < -period/2 {
		delta += period
	}
	return delta
}

func direction(delta float64) Direction {
	switch {
	case delta > holdEpsilon:
		return Clockwise
	case delta < -holdEpsilon:
		return CounterClockwise
	}
	return Hold
}

// AzimuthWindow returns the reachable calibrated azimuth range: the soft
// limits, with the maximum capped at the rotation mode.
func (s Settings) AzimuthWindow() (min, max float64) {
	min, max = s.Limits.AzimuthMin, s.Limits.AzimuthMax
	if mode := float64(s.Mode); mode > 0 && max > mode {
		max = mode
	}
	if min > max {
		min = max
	}
	return min, max
}

// period is the azimuth wraparound period.
func (s Settings) period() float64 {
	if s.Mode.Valid() {
		return float64(s.Mode)
	}
	return float64(Mode360)
}

// fullTurn separates two azimuths that point the same way.
const fullTurn = 360

// representations returns v and its one-turn shifts that fall inside
// [min, max]. v itself is always first.
func representations(v, min, max float64) []float64 {
	out := []float64{v}
	for _, c := range []float64{v + fullTurn, v - fullTurn} {
		if c >= min && c <= max {
			out = append(out, c)
		}
	}
	return out
}

// RouteAzimuth picks the representation of target reachable with the least
// travel from current. current and currentRaw may be nil when the position
// is unknown.
func (s Settings) RouteAzimuth(target float64, current, currentRaw *float64) Route {
	min, max := s.AzimuthWindow()
	target = clamp(target, min, max)
	if current == nil {
		return Route{Target: target, Raw: s.RawAzimuth(target, nil, nil), Direction: Unknown}
	}

	period := s.period()
	best := Route{Distance: math.Inf(1)}
	for _, t := range representations(target, min, max) {
		for _, c := range representations(*current, min, max) {
			delta := ShortestDelta(t, c, period)
			if d := math.Abs(delta); d < best.Distance-tieEpsilon {
				best = Route{Target: t, Delta: delta, Distance: d}
			}
		}
	}
	best.Direction = direction(best.Delta)
	best.Travel = best.Target - *current
	best.Raw = s.RawAzimuth(best.Target, current, currentRaw)
	return best
}

// RawAzimuth converts a calibrated azimuth to a raw command, moving it by
// whole turns to the winding nearest the current raw position when the
// offset pushes it outside the controller's range.
func (s Settings) RawAzimuth(target float64, current, currentRaw *float64) float64 {
	scale := s.Calibration.scale(Azimuth)
	raw := (target - s.Calibration.AzimuthOffset) / scale
	ideal := raw
	if current != nil && currentRaw != nil {
		ideal = *currentRaw + (target-*current)/scale
	}
	limit := float64(s.Mode)
	best, dist := raw, math.Inf(1)
	for _, k := range []float64{0, 1, -1} {
		c := raw + k*fullTurn
		if c < 0 || c > limit {
			continue
		}
		if d := math.Abs(c - ideal); d < dist-tieEpsilon {
			best, dist = c, d
		}
	}
	if math.IsInf(dist, 1) {
		return clamp(raw, 0, limit)
	}
	return best
}

func (c Calibration) scale(a Axis) float64 {
	scale := c.AzimuthScale
	if a == Elevation {
		scale = c.ElevationScale
	}
	if scale == 0 {
		return 1
	}
	return scale
}
