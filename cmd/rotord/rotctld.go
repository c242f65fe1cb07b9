package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/w1xm/gs232_interface/rotator"
)

// hamlib result codes.
const (
	rprtOK      = 0
	rprtInvalid = -22
	rprtIO      = -5
)

func (s *Server) ListenRotctld(ctx context.Context, addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		s.log.Info("shutdown; closing rotctld socket")
		ln.Close()
	}()
	go func() {
		for ctx.Err() == nil {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warnf("failed to accept: %v", err)
				}
				continue
			}
			go s.handleRotctld(conn)
		}
	}()
	return ln.Addr(), nil
}

func rprt(err error) int {
	if err == nil {
		return rprtOK
	}
	var cerr *rotator.ConfigurationError
	if errors.As(err, &cerr) {
		return rprtInvalid
	}
	return rprtIO
}

func (s *Server) handleRotctld(conn net.Conn) {
	defer conn.Close()
	s.log.Infof("accepted connection from %v", conn.RemoteAddr())
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		// Two forms of command: single character, or "+\" followed by command name.
		cmd := strings.TrimSpace(scanner.Text())
		var args []string
		var extended bool
		if len(cmd) == 0 {
			continue
		} else if len(cmd) > 2 && cmd[0:2] == `+\` {
			extended = true
			parts := strings.Fields(cmd[2:])
			cmd = parts[0]
			args = parts[1:]
			fmt.Fprintf(conn, "%s:\n", cmd)
		} else if len(cmd) > 1 && cmd[0] == '\\' {
			parts := strings.Fields(cmd[1:])
			cmd = parts[0]
			args = parts[1:]
		} else {
			// Space after command is optional.
			args = strings.Fields(cmd[1:])
			cmd = cmd[0:1]
		}
		s.log.Debugf("%v command: %q args: %#v", conn.RemoteAddr(), cmd, args)
		code := s.rotctldCommand(conn, cmd, args, &extended)
		if extended || code != rprtOK {
			fmt.Fprintf(conn, "RPRT %d\n", code)
		}
	}
	if err := scanner.Err(); err != nil {
		s.log.Warnf("reading from %v: %v", conn.RemoteAddr(), err)
	}
}

// rotctldCommand runs one command and returns its result code. Commands
// that only acknowledge set *extended so RPRT is always printed.
func (s *Server) rotctldCommand(conn net.Conn, cmd string, args []string, extended *bool) int {
	switch cmd {
	case "1", "dump_caps":
		settings := s.core.Settings()
		min, max := settings.AzimuthWindow()
		fmt.Fprintf(conn, `Model name: GS-232B
Mfg name: Yaesu
Rot type: Az-El
Min Azimuth: %.2f
Max Azimuth: %.2f
Min Elevation: %.2f
Max Elevation: %.2f
Can set Position: Y
Can get Position: Y
Can Stop: Y
Can Park: N
Can Reset: N
Can Move: Y
Can get Info: Y
`, min, max, settings.Limits.ElevationMin, settings.Limits.ElevationMax)
		return rprtOK
	case "_", "get_info":
		fmt.Fprintf(conn, "%s\n", s.core.Health().Port)
		return rprtOK
	case "S", "stop":
		*extended = true
		return rprt(s.core.StopMotion())
	case "P", "set_pos":
		*extended = true
		if len(args) != 2 {
			return rprtInvalid
		}
		az, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return rprtInvalid
		}
		el, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return rprtInvalid
		}
		if az < 0 {
			az += 360
		}
		return rprt(s.moveTo(rotator.Target{Azimuth: &az, Elevation: &el}))
	case "M", "move":
		*extended = true
		if len(args) != 2 {
			return rprtInvalid
		}
		dir, err := strconv.Atoi(args[0])
		if err != nil {
			return rprtInvalid
		}
		// The controller runs at its own speed; the requested one is
		// accepted and ignored.
		if _, err := strconv.Atoi(args[1]); err != nil {
			return rprtInvalid
		}
		directions := map[int]string{2: "up", 4: "down", 8: "left", 16: "right"}
		d, ok := directions[dir]
		if !ok {
			return rprtInvalid
		}
		return rprt(s.core.ControlAxis(d))
	case "p", "get_pos":
		st, ok := s.core.CurrentStatus()
		if !ok || st.Azimuth == nil || st.Elevation == nil {
			return rprtIO
		}
		if *extended {
			fmt.Fprintf(conn, "Azimuth: %.6f\nElevation: %.6f\n", *st.Azimuth, *st.Elevation)
		} else {
			fmt.Fprintf(conn, "%.6f\n%.6f\n", *st.Azimuth, *st.Elevation)
		}
		return rprtOK
	}
	return rprtInvalid
}
