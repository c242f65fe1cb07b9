// Command rotord drives a GS-232B rotor controller and serves it over HTTP,
// a WebSocket status stream and the hamlib rotctld protocol.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/w1xm/gs232_interface/control"
	"github.com/w1xm/gs232_interface/internal/config"
	"github.com/w1xm/gs232_interface/internal/logging"
	"github.com/w1xm/gs232_interface/internal/metrics"
	"github.com/w1xm/gs232_interface/rotator"
	"github.com/w1xm/gs232_interface/sequencer"
	"github.com/w1xm/gs232_interface/transport"
)

var (
	configPath  = flag.String("config", "", "YAML configuration file")
	addr        = flag.String("addr", "", "HTTP listen address (overrides the config file)")
	rotctldAddr = flag.String("rotctld_addr", "", "rotctld listen address (overrides the config file)")
	staticDir   = flag.String("static_dir", "", "directory containing static files")
	serialPort  = flag.String("serial", "", "port to connect at startup: a serial device, sim, or http://host:port?port=dev")
	baud        = flag.Int("baud", 0, "serial baud rate")
	debug       = flag.Bool("debug", false, "debug logging")
)

func main() {
	flag.Parse()
	log := logging.New("rotord", *debug)
	defer log.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *rotctldAddr != "" {
		cfg.Server.RotctldAddr = *rotctldAddr
	}
	if *staticDir != "" {
		cfg.Server.StaticDir = *staticDir
	}
	if *serialPort != "" {
		cfg.Serial.Port = *serialPort
	}
	if *baud > 0 {
		cfg.Serial.Baud = *baud
	}

	store, err := rotator.NewStore(cfg.Rotor)
	if err != nil {
		log.Fatalf("settings: %v", err)
	}
	m, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatalf("metrics: %v", err)
	}
	opts := transport.Options{Logger: log.Named("transport")}
	sim := cfg.Simulator
	sim.Logger = log.Named("simulator")
	core, err := control.New(control.Config{
		Dialer: transport.Dialer{
			Options:            opts,
			Simulator:          sim,
			PollInterval:       cfg.Serial.PollInterval,
			RemotePollInterval: cfg.Remote.PollInterval,
		},
		Settings:      store,
		Logger:        log.Named("control"),
		Metrics:       m,
		HealthTimeout: cfg.Server.HealthTimeout,
		Reconnect:     cfg.Reconnect,
	})
	if err != nil {
		log.Fatalf("control: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Serial.Port != "" {
		if err := core.Connect(ctx, cfg.Serial.Port, cfg.Serial.Baud); err != nil {
			log.Warnf("connecting to %q: %v", cfg.Serial.Port, err)
		}
	}

	s := NewServer(core, log.Named("server"), m, cfg.Serial.Baud)
	s.Latitude = cfg.Server.Latitude

	routes, err := sequencer.OpenStore(cfg.Routes.File)
	if err != nil {
		log.Fatalf("routes: %v", err)
	}
	execCfg := cfg.Routes.Executor
	execCfg.Logger = log.Named("routes")
	exec := sequencer.NewExecutor(core, execCfg)
	s.AttachRoutes(routes, exec)

	if cfg.Server.RotctldAddr != "" {
		a, err := s.ListenRotctld(ctx, cfg.Server.RotctldAddr)
		if err != nil {
			log.Fatalf("rotctld: %v", err)
		}
		log.Infof("rotctld listening on %v", a)
	}

	srv := &http.Server{
		Handler:      s.Router(cfg.Server.StaticDir),
		Addr:         cfg.Server.Addr,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Infof("listening on %s", cfg.Server.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
	exec.Stop()
	core.Disconnect()
}
