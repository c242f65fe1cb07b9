// Package gs232 encodes and decodes the Yaesu GS-232B rotor controller
// protocol.
//
// Commands are single ASCII lines terminated by a carriage return. Numeric
// fields are three digit, zero padded degrees. Position reports come back as
// "AZ=ddd", "EL=ddd" or "AZ=ddd EL=ddd".
package gs232

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Terminator ends every command line sent to the controller.
const Terminator = "\r"

const (
	Clockwise        = "R"
	CounterClockwise = "L"
	AzimuthStop      = "A"
	Up               = "U"
	Down             = "D"
	ElevationStop    = "E"
	Stop             = "S"

	// AzimuthQuery returns "AZ=ddd".
	AzimuthQuery = "C"
	// StatusQuery returns "AZ=ddd EL=ddd".
	StatusQuery = "C2"
	// ElevationQuery returns "EL=ddd".
	ElevationQuery = "B"

	Mode360 = "P36"
	Mode450 = "P45"

	moveAzimuth = "M"
	moveBoth    = "W"
)

// directions maps the abstract manual directions used by front ends, and the
// protocol letters themselves, to protocol commands.
var directions = map[string]string{
	"left":  CounterClockwise,
	"right": Clockwise,
	"up":    Up,
	"down":  Down,
	"stop":  Stop,

	CounterClockwise: CounterClockwise,
	Clockwise:        Clockwise,
	Up:               Up,
	Down:             Down,
	AzimuthStop:      AzimuthStop,
	ElevationStop:    ElevationStop,
	Stop:             Stop,
}

// ParseDirection returns the protocol command for a manual direction.
func ParseDirection(direction string) (string, bool) {
	d := strings.TrimSpace(direction)
	if len(d) == 1 {
		d = strings.ToUpper(d)
	}
	if cmd, ok := directions[d]; ok {
		return cmd, true
	}
	cmd, ok := directions[strings.ToLower(d)]
	return cmd, ok
}

// field formats a degree value as exactly three digits.
func field(v int) string {
	if v < 0 {
		v = 0
	} else if v > 999 {
		v = 999
	}
	return fmt.Sprintf("%03d", v)
}

// Encode builds a command line without its terminator, e.g. Encode("W", 180,
// 45) returns "W180 045".
func Encode(name string, args ...int) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = field(a)
	}
	return strings.ToUpper(strings.TrimSpace(name)) + strings.Join(parts, " ")
}

// MoveAzimuth returns the "Maaa" command.
func MoveAzimuth(az int) string {
	return Encode(moveAzimuth, az)
}

// MoveTo returns the combined "Waaa eee" command.
func MoveTo(az, el int) string {
	return Encode(moveBoth, az, el)
}

// Terminate uppercases cmd and makes sure it ends with exactly one
// terminator.
func Terminate(cmd string) string {
	return strings.ToUpper(strings.TrimRight(cmd, "\r\n")) + Terminator
}

var (
	azRE = regexp.MustCompile(`(?i)AZ\s*=\s*(\d+)`)
	elRE = regexp.MustCompile(`(?i)EL\s*=\s*(\d+)`)
)

// Reading is one decoded controller response. Lines without a recognised
// field only carry Line.
type Reading struct {
	Line string

	Azimuth      int
	HasAzimuth   bool
	Elevation    int
	HasElevation bool
}

func match(re *regexp.Regexp, line string) (int, bool) {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return v, true
}

// ParseStatus decodes a response line. It never fails; garbage simply yields
// a Reading with no position fields.
func ParseStatus(line string) Reading {
	r := Reading{Line: strings.TrimSpace(line)}
	r.Azimuth, r.HasAzimuth = match(azRE, r.Line)
	r.Elevation, r.HasElevation = match(elRE, r.Line)
	return r
}
