package simulator

import (
	"bufio"
	"context"
	"io"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
)

func TestParseInput(t *testing.T) {
	s, conn := New(Config{InitialAzimuth: 123, InitialElevation: 7})
	defer conn.Close()
	for _, test := range []struct {
		input, reply string
		err          bool
	}{
		{"C2", "AZ=123 EL=007", false},
		{"c", "AZ=123", false},
		{"B", "EL=007", false},
		{"M200", "", false},
		{"W100 020", "", false},
		{"S", "", false},
		{"P45", "", false},
		{"X", "", true},
		{"W100", "", true},
		{"", "", true},
	} {
		reply, err := s.parseInput(test.input)
		if (err != nil) != test.err {
			t.Errorf("parseInput(%q) error = %v", test.input, err)
		}
		if reply != test.reply {
			t.Errorf("parseInput(%q) = %q, want %q", test.input, reply, test.reply)
		}
	}
	if s.Mode() != 450 {
		t.Errorf("mode = %d after P45", s.Mode())
	}
}

func TestStep(t *testing.T) {
	s, conn := New(Config{AzimuthSpeed: 10, ElevationSpeed: 10})
	defer conn.Close()

	var got []string
	s.parseInput("W015 005")
	for i := 0; i < 3; i++ {
		got = append(got, s.step(time.Second))
	}
	s.parseInput("L")
	got = append(got, s.step(10*time.Second))
	s.parseInput("U")
	s.parseInput("A")
	got = append(got, s.step(20*time.Second))
	s.parseInput("S")
	got = append(got, s.step(time.Second))

	want := []string{
		"AZ=010 EL=005",
		"AZ=015 EL=005",
		"AZ=015 EL=005",
		// Stops at the lower limit.
		"AZ=000 EL=005",
		"AZ=000 EL=090",
		"AZ=000 EL=090",
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("unexpected positions: got(-)/want(+):\n%s", diff)
	}
}

func TestModeLimits(t *testing.T) {
	s, conn := New(Config{AzimuthSpeed: 100, InitialAzimuth: 350})
	defer conn.Close()

	s.parseInput("M440")
	if got := s.step(time.Second); got != "AZ=360 EL=000" {
		t.Errorf("360 mode: %s", got)
	}
	s.parseInput("P45")
	s.parseInput("M440")
	if got := s.step(time.Second); got != "AZ=440 EL=000" {
		t.Errorf("450 mode: %s", got)
	}
	s.parseInput("P36")
	if got := s.step(time.Second); got != "AZ=360 EL=000" {
		t.Errorf("back to 360 mode: %s", got)
	}
}

func TestRun(t *testing.T) {
	mock := clock.NewMock()
	s, conn := New(Config{Clock: mock})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	r := bufio.NewReader(conn)
	readLine := func() string {
		line, err := r.ReadString('\r')
		if err != nil {
			t.Fatalf("reading: %v", err)
		}
		return line
	}

	io.WriteString(conn, "W090 010\r")
	io.WriteString(conn, "C2\r")
	if got := readLine(); got != "AZ=000 EL=000\r" {
		t.Errorf("C2 reply = %q", got)
	}
	mock.Add(DefaultTick)
	if got := readLine(); got != "AZ=002 EL=001\r" {
		t.Errorf("tick report = %q", got)
	}

	cancel()
	conn.Close()
	if err := <-errc; err == nil {
		t.Errorf("Run returned nil after cancel")
	}
}
