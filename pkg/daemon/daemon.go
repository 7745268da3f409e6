//go:build linux

// Package daemon ties the sampler, the snapshot cache and the socket server
// together and runs them until shutdown.
package daemon

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ja7ad/gatocollector/pkg/cache"
	"github.com/ja7ad/gatocollector/pkg/config"
	"github.com/ja7ad/gatocollector/pkg/metrics"
	"github.com/ja7ad/gatocollector/pkg/server"
	"github.com/ja7ad/gatocollector/pkg/system/proc"
	"github.com/ja7ad/gatocollector/pkg/top"
)

// State is the daemon lifecycle.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "idle"
	}
}

// Daemon owns every long-lived resource of the collector.
type Daemon struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Monitor
	now     func() time.Time

	sampler *proc.Sampler
	cache   *cache.Cache
	srv     *server.Server

	state      atomic.Int32
	sampleWarn rate.Sometimes
	writeWarn  rate.Sometimes
}

// Option customises New.
type Option func(*Daemon)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option { return func(d *Daemon) { d.logger = l } }

// WithMetrics records into m.
func WithMetrics(m *metrics.Monitor) Option { return func(d *Daemon) { d.metrics = m } }

// WithClock replaces time.Now for snapshot timestamps.
func WithClock(now func() time.Time) Option { return func(d *Daemon) { d.now = now } }

// New opens the cache and binds the socket. Either failure is fatal and is
// returned wrapped; nothing is left open in that case.
func New(cfg config.Config, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Daemon{
		cfg:        cfg,
		logger:     slog.Default(),
		now:        time.Now,
		sampleWarn: rate.Sometimes{First: 1, Interval: time.Minute},
		writeWarn:  rate.Sometimes{First: 1, Interval: time.Minute},
	}
	for _, o := range opts {
		o(d)
	}
	if cfg.MetricsAddr != "" && d.metrics == nil {
		d.metrics = metrics.New()
	}

	c, err := cache.Open(cfg.CacheFile, cfg.Slots, d.logger)
	if err != nil {
		return nil, errors.Wrap(err, "open snapshot cache")
	}
	srv, err := server.Listen(cfg.Socket, c, server.Options{
		MaxClients: cfg.MaxClients,
		Logger:     d.logger,
		Metrics:    d.metrics,
	})
	if err != nil {
		_ = c.Close()
		return nil, errors.Wrap(err, "start socket server")
	}

	d.cache = c
	d.srv = srv
	d.sampler = proc.NewSampler(proc.NewFS(cfg.ProcRoot), d.logger)
	return d, nil
}

// State returns the current lifecycle state.
func (d *Daemon) State() State { return State(d.state.Load()) }

// Cache returns the snapshot cache.
func (d *Daemon) Cache() *cache.Cache { return d.cache }

// Server returns the socket server.
func (d *Daemon) Server() *server.Server { return d.srv }

// Tick runs one sample, builds the snapshot and writes it to the cache.
//
// A failed sample is logged and the snapshot is built from the table as the
// previous pass left it; only a cache write failure is returned. Tick must
// not be called while Run is active.
func (d *Daemon) Tick() (top.Snapshot, error) {
	start := time.Now()
	ps, err := d.sampler.Sample()
	if err != nil {
		d.metrics.IncSampleError()
		d.sampleWarn.Do(func() { d.logger.Warn("sample error", "err", err) })
	} else {
		d.metrics.ObserveSample(start, d.sampler.Table().Len())
	}

	snap := top.Build(d.sampler.Table().Records(), ps.Total, d.now())
	if err := d.cache.Write(snap); err != nil {
		return snap, errors.Wrap(err, "write snapshot")
	}
	return snap, nil
}

// Run samples every configured interval, serves clients and, when configured,
// metrics, until ctx is done. The first sample is taken immediately.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return errors.Errorf("daemon: cannot run while %s", d.State())
	}
	d.logger.Info("collector daemon started",
		"socket", d.cfg.Socket, "cache", d.cfg.CacheFile, "interval", d.cfg.Interval, "slots", d.cfg.Slots)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.srv.Serve(gctx) })
	if d.cfg.MetricsAddr != "" {
		g.Go(func() error { return d.metrics.Serve(gctx, d.cfg.MetricsAddr, d.logger) })
	}
	g.Go(func() error {
		d.loop(gctx)
		return nil
	})

	err := g.Wait()
	d.state.Store(int32(StateStopping))
	d.logger.Info("collector daemon shutting down")
	return err
}

func (d *Daemon) loop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := d.Tick(); err != nil {
			d.writeWarn.Do(func() { d.logger.Warn("tick error", "err", err) })
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close disconnects clients, releases the socket name and flushes and
// unmaps the cache.
func (d *Daemon) Close() error {
	d.state.Store(int32(StateStopping))
	err := d.srv.Close()
	if cerr := d.cache.Close(); err == nil {
		err = cerr
	}
	return err
}
