package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"metricwatch/internal/model"
	"metricwatch/internal/snapshot"
	"metricwatch/internal/telemetry"
)

// SampleWriter is the write half of SampleStore.
type SampleWriter interface {
	InsertSamples(ctx context.Context, samples []MetricSample) error
}

// RecorderOptions tune the sample recorder.
type RecorderOptions struct {
	Buffer        int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

func (o RecorderOptions) withDefaults() RecorderOptions {
	if o.Buffer <= 0 {
		o.Buffer = 4096
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 256
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 2 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

// Recorder writes snapshots to the durable store in the background. Record
// never blocks; samples arriving while the buffer is full are dropped.
type Recorder struct {
	writer  SampleWriter
	opts    RecorderOptions
	metrics *telemetry.Metrics
	logger  zerolog.Logger

	queue chan MetricSample

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	once   sync.Once
}

// NewRecorder starts a recorder flushing into writer.
func NewRecorder(writer SampleWriter, opts RecorderOptions, metrics *telemetry.Metrics, logger zerolog.Logger) *Recorder {
	opts = opts.withDefaults()
	r := &Recorder{
		writer:  writer,
		opts:    opts,
		metrics: metrics,
		logger:  logger.With().Str("component", "sample_recorder").Logger(),
		queue:   make(chan MetricSample, opts.Buffer),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// Record queues snap for persistence.
func (r *Recorder) Record(monitor model.Kind, snap snapshot.Snapshot) {
	sample := MetricSample{
		Monitor:    string(monitor),
		EntityID:   snap.EntityID,
		Metric:     snap.Metric,
		Value:      snap.Value,
		Trend:      snap.Trend,
		ObservedAt: snap.Timestamp,
	}
	if len(snap.Metadata) > 0 {
		if raw, err := json.Marshal(snap.Metadata); err == nil {
			sample.Metadata = raw
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.metrics.SamplesRecorded("dropped", 1)
		return
	}
	select {
	case r.queue <- sample:
	default:
		r.metrics.SamplesRecorded("dropped", 1)
		r.logger.Warn().Str("monitor", sample.Monitor).Str("entity_id", sample.EntityID).Msg("sample buffer full; dropping sample")
	}
}

// Close flushes queued samples and stops the recorder.
func (r *Recorder) Close() {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
		<-r.done
	})
}

func (r *Recorder) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]MetricSample, 0, r.opts.BatchSize)
	for {
		select {
		case sample, ok := <-r.queue:
			if !ok {
				r.flush(batch)
				return
			}
			batch = append(batch, sample)
			if len(batch) >= r.opts.BatchSize {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (r *Recorder) flush(batch []MetricSample) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
	defer cancel()

	if err := r.writer.InsertSamples(ctx, batch); err != nil {
		r.metrics.SamplesRecorded("failed", len(batch))
		r.logger.Error().Err(err).Int("samples", len(batch)).Msg("failed to persist metric samples")
		return
	}
	r.metrics.SamplesRecorded("written", len(batch))
}
