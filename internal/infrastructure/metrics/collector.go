package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nerrad567/bambubridge/internal/infrastructure/config"
	"github.com/nerrad567/bambubridge/internal/printer"
)

const defaultNamespace = "bambubridge"

// Buckets for connect and action latencies. Printer round trips range from a
// few milliseconds on a warm session to the full connect timeout.
var durationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

var allStates = []printer.State{
	printer.StateDisconnected,
	printer.StateConnecting,
	printer.StateConnected,
	printer.StateFailed,
}

// Collector owns the gateway's Prometheus metrics and implements
// printer.Observer.
//
// Metrics:
//   - printer_connect_attempts_total{printer,outcome}
//   - printer_connect_duration_seconds{printer}
//   - printer_actions_total{printer,action,outcome,kind}
//   - printer_action_duration_seconds{printer,action}
//   - printer_state{printer,state} (1 for the current state)
//   - printer_reports_total{printer}
//   - http_requests_total{method,route,status}
//   - http_request_duration_seconds{method,route}
type Collector struct {
	enabled  bool
	registry *prometheus.Registry

	connectAttempts *prometheus.CounterVec
	connectDuration *prometheus.HistogramVec
	actions         *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec
	state           *prometheus.GaugeVec
	reports         *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

var _ printer.Observer = (*Collector)(nil)

// NewCollector creates and registers the metrics. A nil registry gets a
// fresh one; Go runtime and process collectors are added to it.
func NewCollector(cfg config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	ns := cfg.Namespace
	if ns == "" {
		ns = defaultNamespace
	}

	c := &Collector{
		enabled:  cfg.Enabled,
		registry: registry,

		connectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "printer_connect_attempts_total",
				Help:      "Printer connection attempts by outcome",
			},
			[]string{"printer", "outcome"},
		),
		connectDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "printer_connect_duration_seconds",
				Help:      "Time spent establishing a printer connection",
				Buckets:   durationBuckets,
			},
			[]string{"printer"},
		),
		actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "printer_actions_total",
				Help:      "Dispatched printer actions by outcome and error kind",
			},
			[]string{"printer", "action", "outcome", "kind"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "printer_action_duration_seconds",
				Help:      "Printer action latency including any lazy connect",
				Buckets:   durationBuckets,
			},
			[]string{"printer", "action"},
		),
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "printer_state",
				Help:      "Current connection state (1 for the active state)",
			},
			[]string{"printer", "state"},
		),
		reports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "printer_reports_total",
				Help:      "Status reports received from printers",
			},
			[]string{"printer"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route pattern and status",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by route pattern",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	registry.MustRegister(
		c.connectAttempts,
		c.connectDuration,
		c.actions,
		c.actionDuration,
		c.state,
		c.reports,
		c.httpRequests,
		c.httpDuration,
	)

	return c
}

// Registry returns the registry the metrics are registered with.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// InitPrinters seeds the state gauge so every configured printer is visible
// as disconnected before its first connection.
func (c *Collector) InitPrinters(names []string) {
	if !c.enabled {
		return
	}
	for _, name := range names {
		c.setState(name, printer.StateDisconnected)
	}
}

// ConnectFinished records a connection attempt.
func (c *Collector) ConnectFinished(name string, took time.Duration, err error) {
	if !c.enabled {
		return
	}
	c.connectAttempts.WithLabelValues(name, outcome(err)).Inc()
	c.connectDuration.WithLabelValues(name).Observe(took.Seconds())
}

// ActionFinished records a dispatched action.
func (c *Collector) ActionFinished(name string, action printer.Action, took time.Duration, err error) {
	if !c.enabled {
		return
	}
	kind := ""
	if err != nil {
		kind = printer.KindOf(err).String()
	}
	c.actions.WithLabelValues(name, string(action), outcome(err), kind).Inc()
	c.actionDuration.WithLabelValues(name, string(action)).Observe(took.Seconds())
}

// StateChanged moves the state gauge.
func (c *Collector) StateChanged(name string, _, to printer.State) {
	if !c.enabled {
		return
	}
	c.setState(name, to)
}

// Report counts a received status report.
func (c *Collector) Report(name string, _ map[string]any) {
	if !c.enabled {
		return
	}
	c.reports.WithLabelValues(name).Inc()
}

// ObserveHTTP records one served request. route is the router pattern, not
// the raw path.
func (c *Collector) ObserveHTTP(method, route string, status int, took time.Duration) {
	if !c.enabled {
		return
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(took.Seconds())
}

func (c *Collector) setState(name string, current printer.State) {
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1
		}
		c.state.WithLabelValues(name, string(s)).Set(v)
	}
}

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
