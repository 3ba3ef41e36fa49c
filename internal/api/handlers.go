package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"metricwatch/internal/model"
	"metricwatch/internal/monitor"
	"metricwatch/internal/snapshot"
	"metricwatch/internal/storage"
	"metricwatch/internal/threshold"
)

const (
	maxBodyBytes      = 1 << 20
	healthPingTimeout = 2 * time.Second
)

// MonitorStatus is one entry of GET /monitors.
type MonitorStatus struct {
	Kind              model.Kind `json:"kind"`
	Running           bool       `json:"running"`
	TrackedKeys       int        `json:"tracked_keys"`
	PendingDeliveries int        `json:"pending_deliveries"`
}

// ThresholdRequest is the body of a threshold update. Both bounds are
// required.
type ThresholdRequest struct {
	Warning  *float64 `json:"warning"`
	Critical *float64 `json:"critical"`
}

// ObservationRequest is the wire form of one observation.
type ObservationRequest struct {
	EntityID  string          `json:"entity_id"`
	Metric    string          `json:"metric"`
	Value     float64         `json:"value"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// IngestResult reports a batch ingest. Snapshots are in request order;
// rejected entries are listed under Errors by index.
type IngestResult struct {
	Accepted  int                 `json:"accepted"`
	Snapshots []snapshot.Snapshot `json:"snapshots"`
	Errors    map[int]string      `json:"errors,omitempty"`
}

// ListMonitors handles GET /api/v1/monitors
func (h *Handler) ListMonitors(w http.ResponseWriter, r *http.Request) {
	out := make([]MonitorStatus, 0, len(h.opts.Monitors))
	for _, kind := range model.Kinds() {
		m, ok := h.opts.Monitors[kind]
		if !ok {
			continue
		}
		out = append(out, MonitorStatus{
			Kind:              kind,
			Running:           m.Running(),
			TrackedKeys:       len(m.Snapshots()),
			PendingDeliveries: m.PendingDeliveries(),
		})
	}
	respondJSON(w, http.StatusOK, out)
}

// GetThresholds handles GET /api/v1/monitors/{kind}/thresholds
func (h *Handler) GetThresholds(w http.ResponseWriter, r *http.Request) {
	m, ok := h.monitorFor(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, m.GetThresholds())
}

// SetThreshold handles PUT /api/v1/monitors/{kind}/thresholds/{metric}
func (h *Handler) SetThreshold(w http.ResponseWriter, r *http.Request) {
	m, ok := h.monitorFor(w, r)
	if !ok {
		return
	}
	metric := threshold.NormalizeKey(mux.Vars(r)["metric"])

	var req ThresholdRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Warning == nil || req.Critical == nil {
		respondError(w, http.StatusBadRequest, "warning and critical are required")
		return
	}
	t := threshold.Threshold{Warning: *req.Warning, Critical: *req.Critical}
	if err := m.SetThreshold(metric, t); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]threshold.Threshold{metric: t})
}

// DeleteThreshold handles DELETE /api/v1/monitors/{kind}/thresholds/{metric}
func (h *Handler) DeleteThreshold(w http.ResponseWriter, r *http.Request) {
	m, ok := h.monitorFor(w, r)
	if !ok {
		return
	}
	m.DeleteThreshold(mux.Vars(r)["metric"])
	w.WriteHeader(http.StatusNoContent)
}

// RecordObservations handles POST /api/v1/monitors/{kind}/observations. The
// body is a single observation object or an array of them.
func (h *Handler) RecordObservations(w http.ResponseWriter, r *http.Request) {
	m, ok := h.monitorFor(w, r)
	if !ok {
		return
	}

	reqs, err := decodeObservations(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	kind := m.Kind()
	result := IngestResult{Snapshots: make([]snapshot.Snapshot, 0, len(reqs))}
	for i, req := range reqs {
		snap, err := ingestOne(m, kind, req)
		if err != nil {
			if errors.Is(err, monitor.ErrClosed) {
				respondError(w, http.StatusServiceUnavailable, err.Error())
				return
			}
			if result.Errors == nil {
				result.Errors = make(map[int]string)
			}
			result.Errors[i] = err.Error()
			continue
		}
		result.Accepted++
		result.Snapshots = append(result.Snapshots, snap)
	}

	status := http.StatusAccepted
	if result.Accepted == 0 {
		status = http.StatusBadRequest
	}
	respondJSON(w, status, result)
}

func ingestOne(m Monitor, kind model.Kind, req ObservationRequest) (snapshot.Snapshot, error) {
	payload, err := model.DecodePayload(kind, req.Payload)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	obs := model.Observation{
		Kind:     kind,
		EntityID: req.EntityID,
		Metric:   req.Metric,
		Value:    req.Value,
		Metadata: req.Metadata,
		Payload:  payload,
	}
	if req.Timestamp != nil {
		obs.Timestamp = *req.Timestamp
	}
	return m.Ingest(obs)
}

// ListSnapshots handles GET /api/v1/monitors/{kind}/snapshots[?entity_id=]
func (h *Handler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	m, ok := h.monitorFor(w, r)
	if !ok {
		return
	}
	var snaps []snapshot.Snapshot
	if entityID := r.URL.Query().Get("entity_id"); entityID != "" {
		snaps = m.EntitySnapshots(entityID)
	} else {
		snaps = m.Snapshots()
	}
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].EntityID != snaps[j].EntityID {
			return snaps[i].EntityID < snaps[j].EntityID
		}
		return snaps[i].Metric < snaps[j].Metric
	})
	respondJSON(w, http.StatusOK, snaps)
}

// GetSnapshot handles GET /api/v1/monitors/{kind}/snapshots/{entity}/{metric}
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	m, ok := h.monitorFor(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	snap, found := m.GetSnapshot(vars["entity"], vars["metric"])
	if !found {
		respondError(w, http.StatusNotFound, "no snapshot for "+vars["entity"]+"/"+vars["metric"])
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// GetStatistics handles GET /api/v1/monitors/{kind}/entities/{entity}/statistics
func (h *Handler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	m, ok := h.monitorFor(w, r)
	if !ok {
		return
	}
	entityID := mux.Vars(r)["entity"]
	stats, found := m.GetStatistics(entityID)
	if !found {
		respondError(w, http.StatusNotFound, "no pattern for "+entityID)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// StartMonitor handles POST /api/v1/monitors/{kind}/start
func (h *Handler) StartMonitor(w http.ResponseWriter, r *http.Request) {
	m, ok := h.monitorFor(w, r)
	if !ok {
		return
	}
	if err := m.Start(h.opts.Base); err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"kind": m.Kind(), "running": m.Running()})
}

// StopMonitor handles POST /api/v1/monitors/{kind}/stop
func (h *Handler) StopMonitor(w http.ResponseWriter, r *http.Request) {
	m, ok := h.monitorFor(w, r)
	if !ok {
		return
	}
	m.Stop()
	respondJSON(w, http.StatusOK, map[string]any{"kind": m.Kind(), "running": m.Running()})
}

// ListAlerts handles GET /api/v1/alerts?monitor=&entity_id=&type=&since=&limit=
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	if h.opts.Alerts == nil {
		respondError(w, http.StatusServiceUnavailable, "alert history requires a database")
		return
	}

	q := r.URL.Query()
	filter := storage.AlertFilter{
		Monitor:  q.Get("monitor"),
		EntityID: q.Get("entity_id"),
		Type:     q.Get("type"),
		Limit:    50,
	}
	if filter.Monitor != "" {
		kind, err := model.ParseKind(filter.Monitor)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Monitor = string(kind)
	}
	if v := q.Get("since"); v != "" {
		since, err := parseSince(v, time.Now())
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Since = since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 || limit > 1000 {
			respondError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		filter.Limit = limit
	}

	alerts, err := h.opts.Alerts.QueryAlerts(r.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to query alerts")
		respondError(w, http.StatusInternalServerError, "failed to query alerts")
		return
	}
	respondJSON(w, http.StatusOK, alerts)
}

// Stream handles GET /ws/{kind}
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	kind, err := model.ParseKind(mux.Vars(r)["kind"])
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	stream, ok := h.opts.Streams[kind]
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Sprintf("no stream for %s", kind))
		return
	}
	stream.ServeHTTP(w, r)
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	running := make(map[model.Kind]bool, len(h.opts.Monitors))
	for kind, m := range h.opts.Monitors {
		running[kind] = m.Running()
	}
	body := map[string]any{"status": "ok", "monitors": running}
	status := http.StatusOK
	if h.opts.Database != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		defer cancel()
		if err := h.opts.Database.Ping(ctx); err != nil {
			h.logger.Warn().Err(err).Msg("database health check failed")
			body["status"] = "degraded"
			body["database"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			body["database"] = "ok"
		}
	}
	respondJSON(w, status, body)
}

func (h *Handler) monitorFor(w http.ResponseWriter, r *http.Request) (Monitor, bool) {
	kind, err := model.ParseKind(mux.Vars(r)["kind"])
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	m, ok := h.opts.Monitors[kind]
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Sprintf("monitor %s is not enabled", kind))
		return nil, false
	}
	return m, true
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func decodeObservations(r *http.Request) ([]ObservationRequest, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("request body is empty")
	}

	if body[0] == '[' {
		var reqs []ObservationRequest
		if err := json.Unmarshal(body, &reqs); err != nil {
			return nil, fmt.Errorf("invalid request body: %w", err)
		}
		if len(reqs) == 0 {
			return nil, fmt.Errorf("no observations in request")
		}
		return reqs, nil
	}

	var req ObservationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	return []ObservationRequest{req}, nil
}

// parseSince accepts an RFC 3339 instant or a duration back from now.
func parseSince(v string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("since must be an RFC 3339 time or a duration such as 24h")
	}
	return t, nil
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
