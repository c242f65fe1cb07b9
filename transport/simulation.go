package transport

import (
	"context"

	"github.com/w1xm/gs232_interface/gs232/simulator"
	"github.com/w1xm/gs232_interface/rotator"
)

// SimulatorPort is the port descriptor that selects the simulated rotor.
const SimulatorPort = "SIMULATOR"

// Simulation drives an in-process simulated rotor. It reports on every
// simulator tick, so it does not poll.
type Simulation struct {
	stream
	cfg simulator.Config
	sim *simulator.Simulator
}

func NewSimulation(cfg simulator.Config, opts Options) *Simulation {
	s := &Simulation{cfg: cfg}
	s.init("sim", 0, opts)
	if s.cfg.Clock == nil {
		s.cfg.Clock = s.opts.Clock
	}
	if s.cfg.Logger == nil {
		s.cfg.Logger = s.opts.Logger.Named("simulator")
	}
	return s
}

func (s *Simulation) Open(ctx context.Context) error {
	s.Close()
	if err := ctx.Err(); err != nil {
		return &rotator.ConnectionError{Port: SimulatorPort, Err: err}
	}
	sim, conn := simulator.New(s.cfg)
	s.sim = sim
	s.log.Infof("opened simulated rotor")
	s.serve(conn, sim.Run)
	return nil
}
