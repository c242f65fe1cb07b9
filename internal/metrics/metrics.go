// Package metrics exposes Prometheus metrics for the rotor core.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the rotor metrics. A nil *Collector records nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	CommandsTotal    prometheus.Counter
	CommandErrors    prometheus.Counter
	LinesTotal       *prometheus.CounterVec
	RampsTotal       *prometheus.CounterVec
	ReconnectsTotal  *prometheus.CounterVec
	Connected        prometheus.Gauge
	AzimuthDegrees   prometheus.Gauge
	ElevationDegrees prometheus.Gauge
}

// New registers the rotor metrics against reg, reusing collectors that are
// already registered.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &Collector{gatherer: gatherer}
	var err error

	if c.CommandsTotal, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rotor_commands_total",
		Help: "Commands written to the rotor controller.",
	}), "rotor_commands_total"); err != nil {
		return nil, err
	}
	if c.CommandErrors, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rotor_command_errors_total",
		Help: "Commands that could not be written to the rotor controller.",
	}), "rotor_command_errors_total"); err != nil {
		return nil, err
	}
	if c.LinesTotal, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rotor_status_lines_total",
		Help: "Lines received from the rotor controller, by whether they carried a position.",
	}, []string{"kind"}), "rotor_status_lines_total"); err != nil {
		return nil, err
	}
	if c.RampsTotal, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rotor_ramps_total",
		Help: "Finished ramp moves, by outcome.",
	}, []string{"outcome"}), "rotor_ramps_total"); err != nil {
		return nil, err
	}
	if c.ReconnectsTotal, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rotor_reconnects_total",
		Help: "Reconnect attempts, by result.",
	}, []string{"result"}), "rotor_reconnects_total"); err != nil {
		return nil, err
	}
	if c.Connected, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rotor_connected",
		Help: "1 while a controller connection is open.",
	}), "rotor_connected"); err != nil {
		return nil, err
	}
	if c.AzimuthDegrees, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rotor_azimuth_degrees",
		Help: "Last reported calibrated azimuth.",
	}), "rotor_azimuth_degrees"); err != nil {
		return nil, err
	}
	if c.ElevationDegrees, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rotor_elevation_degrees",
		Help: "Last reported calibrated elevation.",
	}), "rotor_elevation_degrees"); err != nil {
		return nil, err
	}
	return c, nil
}

// Handler serves the collector's registry.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) CommandWritten(err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.CommandErrors.Inc()
		return
	}
	c.CommandsTotal.Inc()
}

// LineParsed records a received line and the position it carried, if any.
func (c *Collector) LineParsed(az, el *float64) {
	if c == nil {
		return
	}
	if az == nil && el == nil {
		c.LinesTotal.WithLabelValues("other").Inc()
		return
	}
	c.LinesTotal.WithLabelValues("position").Inc()
	if az != nil {
		c.AzimuthDegrees.Set(*az)
	}
	if el != nil {
		c.ElevationDegrees.Set(*el)
	}
}

func (c *Collector) RampFinished(outcome string) {
	if c == nil {
		return
	}
	c.RampsTotal.WithLabelValues(outcome).Inc()
}

// ReconnectAttempt records one attempt to reopen a failed link.
func (c *Collector) ReconnectAttempt(err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.ReconnectsTotal.WithLabelValues("failed").Inc()
		return
	}
	c.ReconnectsTotal.WithLabelValues("ok").Inc()
}

func (c *Collector) SetConnected(connected bool) {
	if c == nil {
		return
	}
	if connected {
		c.Connected.Set(1)
	} else {
		c.Connected.Set(0)
	}
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
