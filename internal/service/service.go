// Package service builds the configured monitor set with its shared
// collaborators and owns their lifecycle.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"metricwatch/internal/api"
	"metricwatch/internal/broadcast"
	"metricwatch/internal/config"
	"metricwatch/internal/model"
	"metricwatch/internal/monitor"
	"metricwatch/internal/remediation"
	"metricwatch/internal/scheduler"
	"metricwatch/internal/storage"
	"metricwatch/internal/telemetry"
)

var (
	_ monitor.HistorySource = (*storage.Store)(nil)
	_ monitor.SampleSink    = (*storage.Recorder)(nil)
)

// Service owns one monitor per enabled kind plus the API in front of them.
type Service struct {
	cfg      *config.Config
	store    *storage.Store
	recorder *storage.Recorder
	metrics  *telemetry.Metrics
	monitors map[model.Kind]*monitor.Monitor
	hubs     map[model.Kind]*broadcast.Hub
	closers  []func()
	logger   zerolog.Logger
}

// Options carry collaborators that tests or commands may replace.
type Options struct {
	// Store enables persistence; nil runs everything in memory.
	Store *storage.Store
	// Clock drives every monitor; nil uses the wall clock.
	Clock scheduler.Clock
}

// New builds the monitor set described by cfg.
func New(cfg *config.Config, opts Options, logger zerolog.Logger) (*Service, error) {
	s := &Service{
		cfg:      cfg,
		store:    opts.Store,
		metrics:  telemetry.New(),
		monitors: make(map[model.Kind]*monitor.Monitor),
		hubs:     make(map[model.Kind]*broadcast.Hub),
		logger:   logger.With().Str("component", "service").Logger(),
	}

	notifier, closeNotifier, err := NewNotifier(cfg.Alerting, logger)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, closeNotifier)

	var target remediation.Target
	if cfg.Remediation.TargetURL != "" {
		target = remediation.NewHTTPTarget(cfg.Remediation.TargetURL, cfg.Remediation.Token, cfg.Remediation.Timeout, logger)
	}

	deps := monitor.Deps{
		Notifier: notifier,
		Target:   target,
		Metrics:  s.metrics,
		Clock:    opts.Clock,
		Logger:   logger,
	}
	if s.store != nil {
		deps.Store = s.store
		deps.History = s.store
		if cfg.Database.RecordSamples {
			s.recorder = storage.NewRecorder(s.store, storage.RecorderOptions{
				Buffer:        cfg.Database.SampleBuffer,
				BatchSize:     cfg.Database.SampleBatchSize,
				FlushInterval: cfg.Database.SampleFlushInterval,
			}, s.metrics, logger)
			deps.Samples = s.recorder
		}
	}

	for _, kind := range model.Kinds() {
		if !cfg.Enabled(kind) {
			s.logger.Info().Str("monitor", string(kind)).Msg("monitor disabled")
			continue
		}
		settings, err := cfg.MonitorSettings(kind)
		if err != nil {
			s.Close()
			return nil, err
		}
		m, err := monitor.New(settings, deps)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("build %s monitor: %w", kind, err)
		}
		s.monitors[kind] = m
		s.hubs[kind] = broadcast.NewHub(m, cfg.Server.WSBuffer, s.metrics, logger)
	}
	if len(s.monitors) == 0 {
		s.Close()
		return nil, errors.New("no monitors enabled")
	}
	return s, nil
}

// Monitor returns the monitor for kind.
func (s *Service) Monitor(kind model.Kind) (*monitor.Monitor, bool) {
	m, ok := s.monitors[kind]
	return m, ok
}

// Metrics exposes the shared metrics registry.
func (s *Service) Metrics() *telemetry.Metrics {
	return s.metrics
}

// Handler builds the API router over the service. base parents monitors
// started through the API.
func (s *Service) Handler(base context.Context) http.Handler {
	opts := api.Options{
		Monitors: make(map[model.Kind]api.Monitor, len(s.monitors)),
		Streams:  make(map[model.Kind]http.Handler, len(s.hubs)),
		Metrics:  s.metrics.Handler(),
		Base:     base,
	}
	for kind, m := range s.monitors {
		opts.Monitors[kind] = m
	}
	for kind, hub := range s.hubs {
		opts.Streams[kind] = hub
	}
	if s.store != nil {
		opts.Alerts = s.store
		opts.Database = s.store
	}
	return api.NewHandler(opts, s.logger).Router()
}

// Run starts every monitor, the API server and the retention job, and blocks
// until ctx is cancelled or one of them fails.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for kind, m := range s.monitors {
		if err := m.Start(gctx); err != nil {
			return fmt.Errorf("start %s monitor: %w", kind, err)
		}
	}

	srv := api.NewServer(s.cfg.Server.Addr, s.Handler(gctx), s.cfg.Server.ReadTimeout, s.cfg.Server.WriteTimeout)
	g.Go(func() error {
		return api.Serve(gctx, srv, s.cfg.Server.ShutdownTimeout, s.logger)
	})

	if s.store != nil && s.cfg.Database.Retention > 0 {
		retention := scheduler.New(scheduler.Options{Interval: time.Hour, CycleTimeout: 5 * time.Minute}, s.logger)
		g.Go(func() error {
			return retention.Run(gctx, s.pruneHistory)
		})
	}

	monitors := make([]string, 0, len(s.monitors))
	for kind := range s.monitors {
		monitors = append(monitors, string(kind))
	}
	s.logger.Info().Strs("monitors", monitors).Bool("persistence", s.store != nil).Msg("service started")

	err := g.Wait()
	for _, m := range s.monitors {
		m.Stop()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Service) pruneHistory(ctx context.Context, at time.Time) error {
	cutoff := at.Add(-s.cfg.Database.Retention)
	alerts, err := s.store.DeleteAlertsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	samples, err := s.store.DeleteSamplesBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	s.logger.Info().Time("cutoff", cutoff).Int64("alerts", alerts).Int64("samples", samples).Msg("pruned history")
	return nil
}

// Close releases every monitor and drains pending deliveries and samples.
func (s *Service) Close() {
	for _, hub := range s.hubs {
		hub.Close()
	}
	for _, m := range s.monitors {
		m.Cleanup()
	}
	if s.recorder != nil {
		s.recorder.Close()
	}
	for _, fn := range s.closers {
		fn()
	}
	s.closers = nil
}
