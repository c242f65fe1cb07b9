package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/w1xm/gs232_interface/control"
	"github.com/w1xm/gs232_interface/internal/metrics"
	"github.com/w1xm/gs232_interface/rotator"
	"github.com/w1xm/gs232_interface/sequencer"
	"github.com/w1xm/gs232_interface/transport"
)

type Server struct {
	core        *control.Core
	log         *zap.SugaredLogger
	metrics     *metrics.Collector
	defaultBaud int
	// Latitude resolves equatorial targets.
	Latitude float64

	// seq counts status changes; socket writers wait on statusCond for it
	// to move.
	statusMu   sync.RWMutex
	statusCond *sync.Cond
	seq        uint64

	routes *sequencer.Store
	exec   *sequencer.Executor

	routeMu   sync.Mutex
	lastRoute *sequencer.Event
}

func NewServer(core *control.Core, log *zap.SugaredLogger, m *metrics.Collector, defaultBaud int) *Server {
	s := &Server{core: core, log: log, metrics: m, defaultBaud: defaultBaud}
	s.statusCond = sync.NewCond(s.statusMu.RLocker())
	core.Subscribe(s.statusCallback)
	core.SubscribeErrors(func(err error) {
		s.log.Warnf("rotor: %v", err)
		s.broadcast()
	})
	return s
}

// AttachRoutes serves the saved routes in store and runs them on exec.
func (s *Server) AttachRoutes(store *sequencer.Store, exec *sequencer.Executor) {
	s.routes, s.exec = store, exec
	exec.Subscribe(func(ev sequencer.Event) {
		s.log.Debugf("route %s: %s step %d", ev.RouteID, ev.Type, ev.StepIndex)
		s.routeMu.Lock()
		s.lastRoute = &ev
		s.routeMu.Unlock()
		s.broadcast()
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StatusResponse is returned by the status endpoint and streamed on the
// status socket. Its connected and status fields are what transport.Remote
// polls for.
type StatusResponse struct {
	transport.RemoteStatus
	Health   control.Health    `json:"health"`
	Ramp     *control.RampInfo `json:"ramp,omitempty"`
	Settings rotator.Settings  `json:"settings"`
	Route    *RouteStatus      `json:"route,omitempty"`
}

// RouteStatus is the route executor's state and its latest event.
type RouteStatus struct {
	sequencer.State
	LastEvent *sequencer.Event `json:"last_event,omitempty"`
}

func (s *Server) currentStatus() StatusResponse {
	resp := StatusResponse{
		Health:   s.core.Health(),
		Settings: s.core.Settings(),
	}
	resp.Connected = resp.Health.Connected
	if st, ok := s.core.CurrentStatus(); ok {
		resp.Status = &st
	}
	if r, ok := s.core.ActiveRamp(); ok {
		resp.Ramp = &r
	}
	if s.exec != nil {
		rs := s.routeStatus()
		resp.Route = &rs
	}
	return resp
}

func (s *Server) Router(staticDir string) *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/rotor/status", s.StatusHandler).Methods(http.MethodGet)
	api.HandleFunc("/rotor/ports", s.PortsHandler).Methods(http.MethodGet)
	api.HandleFunc("/rotor/connect", s.ConnectHandler).Methods(http.MethodPost)
	api.HandleFunc("/rotor/disconnect", s.DisconnectHandler).Methods(http.MethodPost)
	api.HandleFunc("/rotor/command", s.CommandHandler).Methods(http.MethodPost)
	api.HandleFunc("/rotor/target", s.TargetHandler).Methods(http.MethodPost)
	api.HandleFunc("/rotor/target_raw", s.RawTargetHandler).Methods(http.MethodPost)
	api.HandleFunc("/rotor/target_equatorial", s.EquatorialTargetHandler).Methods(http.MethodPost)
	api.HandleFunc("/rotor/manual", s.ManualHandler).Methods(http.MethodPost)
	api.HandleFunc("/rotor/stop", s.StopHandler).Methods(http.MethodPost)
	api.HandleFunc("/rotor/mode", s.ModeHandler).Methods(http.MethodPost)
	api.HandleFunc("/rotor/poll", s.PollHandler).Methods(http.MethodPost)
	api.HandleFunc("/settings", s.SettingsHandler).Methods(http.MethodGet)
	api.HandleFunc("/settings", s.UpdateSettingsHandler).Methods(http.MethodPost)
	if s.routes != nil {
		api.HandleFunc("/routes", s.ListRoutesHandler).Methods(http.MethodGet)
		api.HandleFunc("/routes", s.AddRouteHandler).Methods(http.MethodPost)
		api.HandleFunc("/routes/state", s.RouteStateHandler).Methods(http.MethodGet)
		api.HandleFunc("/routes/stop", s.StopRouteHandler).Methods(http.MethodPost)
		api.HandleFunc("/routes/continue", s.ContinueRouteHandler).Methods(http.MethodPost)
		api.HandleFunc("/routes/{id}", s.GetRouteHandler).Methods(http.MethodGet)
		api.HandleFunc("/routes/{id}", s.UpdateRouteHandler).Methods(http.MethodPut)
		api.HandleFunc("/routes/{id}", s.DeleteRouteHandler).Methods(http.MethodDelete)
		api.HandleFunc("/routes/{id}/start", s.StartRouteHandler).Methods(http.MethodPost)
	}
	api.HandleFunc("/ws", s.StatusSocketHandler)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	if staticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(staticDir)))
	}
	return r
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func errorCode(err error) int {
	var cerr *rotator.ConfigurationError
	var connErr *rotator.ConnectionError
	switch {
	case errors.As(err, &cerr):
		return http.StatusBadRequest
	case errors.Is(err, rotator.ErrNotConnected):
		return http.StatusConflict
	case errors.As(err, &connErr):
		return http.StatusBadGateway
	case errors.Is(err, sequencer.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sequencer.ErrBusy):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// respond reports the outcome of a mutating call.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		s.log.Warnf("%s: %v", r.URL.Path, err)
		writeJSON(w, errorCode(err), transport.Response{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, transport.Response{})
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &rotator.ConfigurationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.currentStatus())
}

func (s *Server) PortsHandler(w http.ResponseWriter, r *http.Request) {
	ports, err := s.core.ListPorts()
	if err != nil {
		s.respond(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ports)
}

func (s *Server) ConnectHandler(w http.ResponseWriter, r *http.Request) {
	var req transport.ConnectRequest
	if err := decode(r, &req); err != nil {
		s.respond(w, r, err)
		return
	}
	if req.Baud == 0 {
		req.Baud = s.defaultBaud
	}
	s.respond(w, r, s.core.Connect(r.Context(), req.Port, req.Baud))
}

func (s *Server) DisconnectHandler(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, s.core.Disconnect())
}

func (s *Server) CommandHandler(w http.ResponseWriter, r *http.Request) {
	var req transport.CommandRequest
	if err := decode(r, &req); err != nil {
		s.respond(w, r, err)
		return
	}
	s.respond(w, r, s.core.SendRawCommand(req.Command))
}

// moveTo starts a move. A ramped move outlives the request, so it runs in
// the background once the rotor is known to be connected.
func (s *Server) moveTo(target rotator.Target) error {
	if !s.core.Settings().Ramp.Enabled {
		return s.core.MoveTo(context.Background(), target)
	}
	if target.Empty() {
		return &rotator.ConfigurationError{Field: "target", Reason: "needs an azimuth or elevation"}
	}
	if !s.core.Health().Connected {
		return rotator.ErrNotConnected
	}
	go func() {
		if err := s.core.MoveTo(context.Background(), target); err != nil {
			s.log.Warnf("ramp to %+v: %v", target, err)
		}
	}()
	return nil
}

func (s *Server) TargetHandler(w http.ResponseWriter, r *http.Request) {
	var target rotator.Target
	if err := decode(r, &target); err != nil {
		s.respond(w, r, err)
		return
	}
	s.respond(w, r, s.moveTo(target))
}

func (s *Server) RawTargetHandler(w http.ResponseWriter, r *http.Request) {
	var target rotator.Target
	if err := decode(r, &target); err != nil {
		s.respond(w, r, err)
		return
	}
	s.respond(w, r, s.core.MoveToRaw(target))
}

func (s *Server) EquatorialTargetHandler(w http.ResponseWriter, r *http.Request) {
	var target rotator.EquatorialTarget
	if err := decode(r, &target); err != nil {
		s.respond(w, r, err)
		return
	}
	s.respond(w, r, s.moveTo(target.Target(s.Latitude)))
}

type ManualRequest struct {
	Direction string `json:"direction"`
}

func (s *Server) ManualHandler(w http.ResponseWriter, r *http.Request) {
	var req ManualRequest
	if err := decode(r, &req); err != nil {
		s.respond(w, r, err)
		return
	}
	s.respond(w, r, s.core.ControlAxis(req.Direction))
}

func (s *Server) StopHandler(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, s.core.StopMotion())
}

type ModeRequest struct {
	Mode rotator.Mode `json:"mode"`
}

func (s *Server) ModeHandler(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if err := decode(r, &req); err != nil {
		s.respond(w, r, err)
		return
	}
	s.respond(w, r, s.core.SetMode(req.Mode))
}

type PollRequest struct {
	IntervalMs int `json:"interval_ms"`
}

func (s *Server) PollHandler(w http.ResponseWriter, r *http.Request) {
	var req PollRequest
	if err := decode(r, &req); err != nil {
		s.respond(w, r, err)
		return
	}
	if req.IntervalMs < 0 {
		s.respond(w, r, &rotator.ConfigurationError{Field: "interval_ms", Reason: "must not be negative"})
		return
	}
	s.core.SetPollInterval(time.Duration(req.IntervalMs) * time.Millisecond)
	s.respond(w, r, nil)
}

func (s *Server) SettingsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Settings())
}

// SettingsRequest replaces the sections that are present.
type SettingsRequest struct {
	Calibration *rotator.Calibration  `json:"calibration"`
	Limits      *rotator.Limits       `json:"limits"`
	Ramp        *rotator.RampSettings `json:"ramp"`
}

func (s *Server) UpdateSettingsHandler(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if err := decode(r, &req); err != nil {
		s.respond(w, r, err)
		return
	}
	store := s.core.Store()
	if req.Calibration != nil {
		if err := store.SetCalibration(*req.Calibration); err != nil {
			s.respond(w, r, err)
			return
		}
	}
	if req.Limits != nil {
		if err := store.SetLimits(*req.Limits); err != nil {
			s.respond(w, r, err)
			return
		}
	}
	if req.Ramp != nil {
		store.SetRamp(*req.Ramp)
	}
	writeJSON(w, http.StatusOK, store.Snapshot())
}

func (s *Server) routeStatus() RouteStatus {
	rs := RouteStatus{State: s.exec.State()}
	s.routeMu.Lock()
	rs.LastEvent = s.lastRoute
	s.routeMu.Unlock()
	return rs
}

func (s *Server) ListRoutesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.routes.List())
}

func (s *Server) AddRouteHandler(w http.ResponseWriter, r *http.Request) {
	var route sequencer.Route
	if err := decode(r, &route); err != nil {
		s.respond(w, r, err)
		return
	}
	if err := s.routes.Add(route); err != nil {
		s.respond(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, route)
}

func (s *Server) GetRouteHandler(w http.ResponseWriter, r *http.Request) {
	route, err := s.routes.Get(mux.Vars(r)["id"])
	if err != nil {
		s.respond(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (s *Server) UpdateRouteHandler(w http.ResponseWriter, r *http.Request) {
	var route sequencer.Route
	if err := decode(r, &route); err != nil {
		s.respond(w, r, err)
		return
	}
	s.respond(w, r, s.routes.Update(mux.Vars(r)["id"], route))
}

func (s *Server) DeleteRouteHandler(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, s.routes.Delete(mux.Vars(r)["id"]))
}

func (s *Server) StartRouteHandler(w http.ResponseWriter, r *http.Request) {
	route, err := s.routes.Get(mux.Vars(r)["id"])
	if err != nil {
		s.respond(w, r, err)
		return
	}
	if !s.core.Health().Connected {
		s.respond(w, r, rotator.ErrNotConnected)
		return
	}
	s.respond(w, r, s.exec.Start(route))
}

func (s *Server) StopRouteHandler(w http.ResponseWriter, r *http.Request) {
	s.exec.Stop()
	s.respond(w, r, s.core.StopMotion())
}

func (s *Server) ContinueRouteHandler(w http.ResponseWriter, r *http.Request) {
	if !s.exec.Continue() {
		s.respond(w, r, &rotator.ConfigurationError{Field: "route", Reason: "not waiting"})
		return
	}
	s.respond(w, r, nil)
}

func (s *Server) RouteStateHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.routeStatus())
}

// SocketCommand is a control message received on the status socket.
type SocketCommand struct {
	Command   string   `json:"command"`
	Azimuth   *float64 `json:"az"`
	Elevation *float64 `json:"el"`
	Direction string   `json:"direction"`
	Text      string   `json:"text"`
}

func (s *Server) handleSocketCommand(msg SocketCommand) error {
	target := rotator.Target{Azimuth: msg.Azimuth, Elevation: msg.Elevation}
	switch msg.Command {
	case "set_target":
		return s.moveTo(target)
	case "set_target_raw":
		return s.core.MoveToRaw(target)
	case "manual":
		return s.core.ControlAxis(msg.Direction)
	case "command":
		return s.core.SendRawCommand(msg.Text)
	case "stop":
		return s.core.StopMotion()
	}
	return &rotator.ConfigurationError{Field: "command", Reason: "unknown command " + msg.Command}
}

func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("upgrading %v: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	// Read and process incoming messages
	go func() {
		defer cancel()
		for {
			var msg SocketCommand
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if err := s.handleSocketCommand(msg); err != nil {
				s.log.Warnf("socket command %q: %v", msg.Command, err)
			}
		}
	}()
	go func() {
		<-ctx.Done()
		// Wake the writer below.
		s.statusMu.Lock()
		s.statusCond.Broadcast()
		s.statusMu.Unlock()
	}()

	s.statusMu.RLock()
	seq := s.seq
	s.statusMu.RUnlock()
	for {
		if err := conn.WriteJSON(s.currentStatus()); err != nil {
			s.log.Debugf("writing to %v: %v", r.RemoteAddr, err)
			return
		}
		s.statusMu.RLock()
		for s.seq == seq && ctx.Err() == nil {
			s.statusCond.Wait()
		}
		seq = s.seq
		s.statusMu.RUnlock()
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Server) broadcast() {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.seq++
	s.statusCond.Broadcast()
}

func (s *Server) statusCallback(rotator.Status) {
	s.broadcast()
}
