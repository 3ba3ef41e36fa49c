package storage

import (
	"encoding/json"
	"time"
)

// AlertRecord is a persisted alert, kept for auditing and for the risk
// scorer's prior-alert history.
type AlertRecord struct {
	ID        string
	Monitor   string
	Type      string
	EntityID  string
	Severity  string
	Payload   json.RawMessage
	AlertTS   time.Time
	CreatedAt time.Time
}

// AlertFilter narrows QueryAlerts. Zero fields do not filter.
type AlertFilter struct {
	Monitor  string
	EntityID string
	Type     string
	Since    time.Time
	Limit    int
}

// MetricSample is one recorded observation.
type MetricSample struct {
	Monitor    string
	EntityID   string
	Metric     string
	Value      float64
	Trend      float64
	Metadata   json.RawMessage
	ObservedAt time.Time
}

// SampleFilter selects a time range of samples. Monitor, EntityID and Metric
// are optional.
type SampleFilter struct {
	Monitor  string
	EntityID string
	Metric   string
	From     time.Time
	To       time.Time
}
