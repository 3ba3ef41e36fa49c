package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"metricwatch/internal/alerting"
	"metricwatch/internal/config"
	"metricwatch/internal/model"
	"metricwatch/internal/snapshot"
)

func TestBuildAlertQuery(t *testing.T) {
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	query, args := buildAlertQuery(AlertFilter{Monitor: "payments", EntityID: "user-1", Since: since, Limit: 20})

	for _, want := range []string{"monitor = $1", "entity_id = $2", "alert_ts >= $3", "LIMIT $4", "ORDER BY alert_ts DESC"} {
		if !strings.Contains(query, want) {
			t.Fatalf("query missing %q:\n%s", want, query)
		}
	}
	if len(args) != 4 || args[0] != "payments" || args[3] != 20 {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestBuildAlertQueryWithoutFilter(t *testing.T) {
	query, args := buildAlertQuery(AlertFilter{})
	if strings.Contains(query, "WHERE") || strings.Contains(query, "LIMIT") {
		t.Fatalf("unexpected predicates:\n%s", query)
	}
	if len(args) != 0 {
		t.Fatalf("expected no args, got %v", args)
	}
}

func TestBuildSampleQuery(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	query, args := buildSampleQuery(SampleFilter{Metric: "cpu", From: from, To: from.Add(time.Hour)})

	for _, want := range []string{"metric = $1", "observed_at >= $2", "observed_at < $3", "ORDER BY observed_at"} {
		if !strings.Contains(query, want) {
			t.Fatalf("query missing %q:\n%s", want, query)
		}
	}
	if len(args) != 3 {
		t.Fatalf("expected 3 args, got %v", args)
	}
}

func TestUnconfiguredStore(t *testing.T) {
	var s *Store
	ctx := context.Background()

	if err := s.CreateAlert(ctx, alerting.Alert{ID: "a"}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := s.CountAlertsByEntity(ctx, "payments", time.Now()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if err := NewStore(nil).InsertSamples(ctx, nil); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if err := s.Ping(ctx); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	s.Close()
}

func TestNewPoolRequiresDSN(t *testing.T) {
	if _, err := NewPool(context.Background(), config.DatabaseConfig{}, "metricwatch"); err == nil {
		t.Fatal("expected error without dsn")
	}
	if _, err := NewPool(context.Background(), config.DatabaseConfig{DSN: "://bad"}, "metricwatch"); err == nil {
		t.Fatal("expected error for malformed dsn")
	}
}

type memoryWriter struct {
	mu      sync.Mutex
	samples []MetricSample
	batches int
	err     error
}

func (w *memoryWriter) InsertSamples(_ context.Context, samples []MetricSample) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.batches++
	if w.err != nil {
		return w.err
	}
	w.samples = append(w.samples, samples...)
	return nil
}

func (w *memoryWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.samples)
}

func testSnapshot(i int) snapshot.Snapshot {
	return snapshot.Snapshot{
		EntityID:  "api",
		Metric:    "cpu",
		Value:     float64(i),
		Timestamp: time.Unix(1700000000+int64(i), 0).UTC(),
		Metadata:  map[string]any{"host": "a"},
	}
}

func TestRecorderFlushesOnClose(t *testing.T) {
	w := &memoryWriter{}
	r := NewRecorder(w, RecorderOptions{BatchSize: 4, FlushInterval: time.Hour}, nil, zerolog.Nop())

	for i := 0; i < 10; i++ {
		r.Record(model.KindHealth, testSnapshot(i))
	}
	r.Close()
	r.Close()

	if got := w.count(); got != 10 {
		t.Fatalf("expected 10 samples, got %d", got)
	}
	first := w.samples[0]
	if first.Monitor != "health" || first.Metric != "cpu" || string(first.Metadata) != `{"host":"a"}` {
		t.Fatalf("unexpected sample %+v", first)
	}
	if w.samples[9].Value != 9 {
		t.Fatalf("samples out of order: %+v", w.samples[9])
	}
}

func TestRecorderFlushesOnInterval(t *testing.T) {
	w := &memoryWriter{}
	r := NewRecorder(w, RecorderOptions{BatchSize: 100, FlushInterval: 10 * time.Millisecond}, nil, zerolog.Nop())
	defer r.Close()

	r.Record(model.KindHealth, testSnapshot(1))

	deadline := time.Now().Add(2 * time.Second)
	for w.count() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("sample not flushed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRecorderDropsAfterClose(t *testing.T) {
	w := &memoryWriter{}
	r := NewRecorder(w, RecorderOptions{}, nil, zerolog.Nop())
	r.Close()

	r.Record(model.KindHealth, testSnapshot(1))
	if got := w.count(); got != 0 {
		t.Fatalf("expected no samples after close, got %d", got)
	}
}

func TestRecorderSurvivesWriteErrors(t *testing.T) {
	w := &memoryWriter{err: errors.New("db down")}
	r := NewRecorder(w, RecorderOptions{BatchSize: 1, FlushInterval: time.Hour}, nil, zerolog.Nop())

	r.Record(model.KindHealth, testSnapshot(1))
	r.Record(model.KindHealth, testSnapshot(2))
	r.Close()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.batches != 2 {
		t.Fatalf("expected 2 write attempts, got %d", w.batches)
	}
}
