// Package api serves the admin and ingestion HTTP API: threshold
// configuration, observation ingest, state queries, monitor lifecycle and the
// real-time stream.
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"metricwatch/internal/model"
	"metricwatch/internal/monitor"
	"metricwatch/internal/snapshot"
	"metricwatch/internal/storage"
	"metricwatch/internal/threshold"
)

// Monitor is the part of a monitor instance the API drives.
type Monitor interface {
	Kind() model.Kind
	Ingest(obs model.Observation) (snapshot.Snapshot, error)
	SetThreshold(metricKey string, t threshold.Threshold) error
	DeleteThreshold(metricKey string)
	GetThresholds() map[string]threshold.Threshold
	GetSnapshot(entityID, metric string) (snapshot.Snapshot, bool)
	Snapshots() []snapshot.Snapshot
	EntitySnapshots(entityID string) []snapshot.Snapshot
	GetStatistics(entityID string) (monitor.Statistics, bool)
	PendingDeliveries() int
	Start(ctx context.Context) error
	Stop()
	Running() bool
}

var _ Monitor = (*monitor.Monitor)(nil)

// AlertQuerier reads persisted alerts.
type AlertQuerier interface {
	QueryAlerts(ctx context.Context, filter storage.AlertFilter) ([]storage.AlertRecord, error)
}

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options wire the router. Monitors is required; every other field is optional.
type Options struct {
	Monitors map[model.Kind]Monitor
	Streams  map[model.Kind]http.Handler
	Alerts   AlertQuerier
	Metrics  http.Handler
	// Database is checked by /healthz.
	Database Pinger
	// Base parents monitors started through the API so they outlive the request.
	Base context.Context
}

// Handler manages HTTP request handlers.
type Handler struct {
	opts   Options
	logger zerolog.Logger
}

// NewHandler creates the API handler.
func NewHandler(opts Options, logger zerolog.Logger) *Handler {
	if opts.Base == nil {
		opts.Base = context.Background()
	}
	return &Handler{
		opts:   opts,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// Router builds the route table.
func (h *Handler) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(h.recoverer, h.accessLog)

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/monitors", h.ListMonitors).Methods(http.MethodGet)
	v1.HandleFunc("/monitors/{kind}/thresholds", h.GetThresholds).Methods(http.MethodGet)
	v1.HandleFunc("/monitors/{kind}/thresholds/{metric}", h.SetThreshold).Methods(http.MethodPut)
	v1.HandleFunc("/monitors/{kind}/thresholds/{metric}", h.DeleteThreshold).Methods(http.MethodDelete)
	v1.HandleFunc("/monitors/{kind}/observations", h.RecordObservations).Methods(http.MethodPost)
	v1.HandleFunc("/monitors/{kind}/snapshots", h.ListSnapshots).Methods(http.MethodGet)
	v1.HandleFunc("/monitors/{kind}/snapshots/{entity}/{metric}", h.GetSnapshot).Methods(http.MethodGet)
	v1.HandleFunc("/monitors/{kind}/entities/{entity}/statistics", h.GetStatistics).Methods(http.MethodGet)
	v1.HandleFunc("/monitors/{kind}/start", h.StartMonitor).Methods(http.MethodPost)
	v1.HandleFunc("/monitors/{kind}/stop", h.StopMonitor).Methods(http.MethodPost)
	v1.HandleFunc("/alerts", h.ListAlerts).Methods(http.MethodGet)

	router.HandleFunc("/ws/{kind}", h.Stream).Methods(http.MethodGet)
	if h.opts.Metrics != nil {
		router.Handle("/metrics", h.opts.Metrics).Methods(http.MethodGet)
	}
	router.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)
	return router
}

// NewServer wraps the router in an http.Server.
func NewServer(addr string, handler http.Handler, readTimeout, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
	}
}

// Serve runs srv until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration, logger zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown api server: %w", err)
	}
	logger.Info().Msg("api stopped")
	return nil
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		event := h.logger.Debug()
		if rec.status >= http.StatusInternalServerError {
			event = h.logger.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(started)).
			Msg("request")
	})
}

func (h *Handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panicked")
				respondError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status. Hijack is forwarded so the
// websocket upgrade still works behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}
