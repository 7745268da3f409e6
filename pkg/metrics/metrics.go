// Package metrics exposes the collector's self-monitoring counters in the
// prometheus text format.
//
// All Monitor methods accept a nil receiver, so components can be built
// without metrics in tests.
package metrics

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gatotray"

var sampleBuckets = []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

// Monitor owns one registry and the collectors in it.
type Monitor struct {
	reg *prometheus.Registry

	samplesTotal      prometheus.Counter
	sampleErrorsTotal prometheus.Counter
	processesTracked  prometheus.Gauge
	clientsActive     prometheus.Gauge
	commandsTotal     *prometheus.CounterVec
	sampleDuration    prometheus.Histogram
}

// New builds a Monitor on a fresh registry that also carries the Go runtime
// and process collectors.
func New() *Monitor {
	m := &Monitor{
		reg: prometheus.NewRegistry(),
		samplesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_total",
			Help:      "Sampling passes completed",
		}),
		sampleErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sample_errors_total",
			Help:      "Sampling passes that could not read the system counters",
		}),
		processesTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "processes_tracked",
			Help:      "Processes in the sampling table",
		}),
		clientsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_active",
			Help:      "Connected protocol clients",
		}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Protocol commands handled",
		}, []string{"command"}),
		sampleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sample_duration_seconds",
			Help:      "Sampling pass duration seconds",
			Buckets:   sampleBuckets,
		}),
	}
	m.reg.MustRegister(
		m.samplesTotal,
		m.sampleErrorsTotal,
		m.processesTracked,
		m.clientsActive,
		m.commandsTotal,
		m.sampleDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Monitor) Registry() *prometheus.Registry { return m.reg }

// ObserveSample records one finished pass that started at start.
func (m *Monitor) ObserveSample(start time.Time, tracked int) {
	if m == nil {
		return
	}
	m.samplesTotal.Inc()
	m.processesTracked.Set(float64(tracked))
	m.sampleDuration.Observe(time.Since(start).Seconds())
}

// IncSampleError counts a pass that could not read the system counters.
func (m *Monitor) IncSampleError() {
	if m == nil {
		return
	}
	m.sampleErrorsTotal.Inc()
}

// ClientConnected marks an accepted client.
func (m *Monitor) ClientConnected() {
	if m == nil {
		return
	}
	m.clientsActive.Inc()
}

// ClientDisconnected marks a closed client.
func (m *Monitor) ClientDisconnected() {
	if m == nil {
		return
	}
	m.clientsActive.Dec()
}

// IncCommand counts one dispatched protocol command by name.
func (m *Monitor) IncCommand(command string) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(command).Inc()
}

// Handler serves the registry.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Monitor) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen metrics on %s", addr)
	}
	return m.serve(ctx, ln, logger)
}

func (m *Monitor) serve(ctx context.Context, ln net.Listener, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "serve metrics")
	}
	return nil
}
