package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/embuer/embuer/internal/update"
)

type Metrics struct {
	registry        *prometheus.Registry
	transitions     *prometheus.CounterVec
	phase           *prometheus.GaugeVec
	installRequests *prometheus.CounterVec
	confirmations   *prometheus.CounterVec
	watchers        prometheus.Gauge
	watchersEvicted prometheus.Counter
	requestDuration *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	promFactory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		transitions: promFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "embuer_state_transitions_total",
				Help: "Update state machine phase changes labelled by source and destination phase",
			},
			[]string{"from", "to"},
		),
		phase: promFactory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "embuer_phase",
				Help: "1 for the current update phase, 0 for all others",
			},
			[]string{"phase"},
		),
		installRequests: promFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "embuer_install_requests_total",
				Help: "Install requests labelled by source kind and result",
			},
			[]string{"source", "result"},
		),
		confirmations: promFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "embuer_confirmations_total",
				Help: "Resolved confirmation episodes labelled by decision",
			},
			[]string{"decision"},
		),
		watchers: promFactory.NewGauge(prometheus.GaugeOpts{
			Name: "embuer_watchers_count",
			Help: "Current number of status watchers",
		}),
		watchersEvicted: promFactory.NewCounter(prometheus.CounterOpts{
			Name: "embuer_watchers_evicted_total",
			Help: "Watchers dropped because they could not keep up",
		}),
		requestDuration: promFactory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "embuer_api_request_duration_seconds",
				Help:    "Duration of API requests",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "path", "status"},
		),
	}
}

// Instrument hooks the collectors into a machine, its hub and a service.
func (m *Metrics) Instrument(svc *update.Service) {
	machine := svc.Machine()
	m.setPhase(machine.Status().Phase)
	machine.SetTransitionHook(func(from, to update.Phase) {
		m.transitions.WithLabelValues(from.String(), to.String()).Inc()
		m.setPhase(to)
	})

	hub := machine.Hub()
	var (
		mu      sync.Mutex
		evicted uint64
	)
	hub.SetCountHook(func(n int) {
		m.watchers.Set(float64(n))
		mu.Lock()
		defer mu.Unlock()
		if ev := hub.Evicted(); ev > evicted {
			m.watchersEvicted.Add(float64(ev - evicted))
			evicted = ev
		}
	})

	svc.SetHooks(update.Hooks{
		Request: func(kind update.SourceKind, err error) {
			m.installRequests.WithLabelValues(kind.String(), requestResult(err)).Inc()
		},
		Confirm: func(accept bool) {
			decision := "rejected"
			if accept {
				decision = "accepted"
			}
			m.confirmations.WithLabelValues(decision).Inc()
		},
	})
}

func (m *Metrics) setPhase(current update.Phase) {
	for _, p := range update.Phases() {
		v := 0.0
		if p == current {
			v = 1
		}
		m.phase.WithLabelValues(p.String()).Set(v)
	}
}

func requestResult(err error) string {
	switch {
	case err == nil:
		return "queued"
	case errors.Is(err, update.ErrBusy):
		return "busy"
	case errors.Is(err, update.ErrInvalidArgument):
		return "invalid_argument"
	default:
		return "error"
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

type responseInterceptor struct {
	http.ResponseWriter
	status int
}

func (w *responseInterceptor) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrade through the interceptor.
func (w *responseInterceptor) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.status = http.StatusSwitchingProtocols
	return http.NewResponseController(w.ResponseWriter).Hijack()
}

func (w *responseInterceptor) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Middleware records request durations. The path label is the matched
// route pattern, so it stays bounded.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		interceptor := &responseInterceptor{ResponseWriter: w, status: http.StatusOK}

		start := time.Now()
		next.ServeHTTP(interceptor, r)
		duration := time.Since(start)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		m.requestDuration.With(prometheus.Labels{
			"method": r.Method,
			"path":   path,
			"status": strconv.Itoa(interceptor.status),
		}).Observe(duration.Seconds())
	})
}
