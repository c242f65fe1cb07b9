package rotator

import "math"

func deg2rad(x float64) float64 {
	return x * math.Pi / 180
}

func rad2deg(x float64) float64 {
	return x * 180 / math.Pi
}

// Horizontal converts an hour angle and declination to azimuth (from north
// through east) and elevation, for an observer at latitude. All angles are
// in degrees.
//
// Algorithm from https://metacpan.org/dist/Astro-Montenbruck/source/lib/Astro/Montenbruck/CoCo.pm
func Horizontal(hourAngle, declination, latitude float64) (az, el float64) {
	x, y, phi := deg2rad(hourAngle), deg2rad(declination), deg2rad(latitude)
	sx, sy, sphi := math.Sin(x), math.Sin(y), math.Sin(phi)
	cx, cy, cphi := math.Cos(x), math.Cos(y), math.Cos(phi)

	sq := clamp(sy*sphi+cy*cphi*cx, -1, 1)
	q := math.Asin(sq)
	d := cphi * math.Cos(q)
	if math.Abs(d) < 1e-6 {
		// At the zenith or a pole azimuth is undefined.
		return 0, rad2deg(q)
	}
	cp := clamp((sy-sphi*sq)/d, -1, 1)
	p := math.Acos(cp)
	if sx > 0 {
		p = 2*math.Pi - p
	}
	return rad2deg(p), rad2deg(q)
}

// EquatorialTarget is a target given in equatorial coordinates.
type EquatorialTarget struct {
	HourAngle   float64 `json:"ha"`
	Declination float64 `json:"dec"`
}

// Target returns the horizontal target for an observer at latitude.
func (e EquatorialTarget) Target(latitude float64) Target {
	az, el := Horizontal(e.HourAngle, e.Declination, latitude)
	return Target{Azimuth: Deg(az), Elevation: Deg(el)}
}
