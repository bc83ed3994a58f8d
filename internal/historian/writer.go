package historian

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/plantlink/plantlink/internal/monitoring"
)

// Store persists batches. Each call is one transaction with conflict-ignore
// semantics, so redelivered messages do not double-insert.
type Store interface {
	InsertTelemetry(ctx context.Context, recs []TelemetryRecord) error
	InsertEvents(ctx context.Context, recs []EventRecord) error
	InsertQuality(ctx context.Context, recs []QualityRecord) error
}

// WriterConfig bounds the three family queues and their flush cadence.
type WriterConfig struct {
	BatchSize    int
	BatchTimeout time.Duration
	QueueSize    int
}

func (c WriterConfig) withDefaults() WriterConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 5 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	return c
}

// FlushFunc observes each successful flush; the ingestor hooks the audit
// chain here. A nil hook is skipped.
type FlushFunc func(family Family, count int)

// Writer owns the three bounded queues and worker loops between the
// normalizer and the database. Enqueue blocks when a queue is full; that
// back-pressure slows the bus fetch loops, which delays acknowledgement and
// preserves at-least-once delivery while the database catches up.
type Writer struct {
	store   Store
	cfg     WriterConfig
	logger  zerolog.Logger
	onFlush FlushFunc

	telemetry chan TelemetryRecord
	events    chan EventRecord
	quality   chan QualityRecord

	wg sync.WaitGroup
}

// NewWriter builds a Writer; Start launches the worker loops.
func NewWriter(store Store, cfg WriterConfig, onFlush FlushFunc, logger zerolog.Logger) *Writer {
	cfg = cfg.withDefaults()
	return &Writer{
		store:     store,
		cfg:       cfg,
		logger:    logger.With().Str("component", "writer").Logger(),
		onFlush:   onFlush,
		telemetry: make(chan TelemetryRecord, cfg.QueueSize),
		events:    make(chan EventRecord, cfg.QueueSize),
		quality:   make(chan QualityRecord, cfg.QueueSize),
	}
}

// Start launches the three family loops. They run until ctx is cancelled,
// then flush whatever is queued and exit.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(3)
	go func() {
		defer w.wg.Done()
		runBatcher(ctx, w, FamilyTelemetry, w.telemetry, w.store.InsertTelemetry)
	}()
	go func() {
		defer w.wg.Done()
		runBatcher(ctx, w, FamilyEvent, w.events, w.store.InsertEvents)
	}()
	go func() {
		defer w.wg.Done()
		runBatcher(ctx, w, FamilyQuality, w.quality, w.store.InsertQuality)
	}()
}

// Wait blocks until every loop has flushed and returned.
func (w *Writer) Wait() {
	w.wg.Wait()
}

// EnqueueTelemetry blocks until the record is queued or ctx is cancelled.
func (w *Writer) EnqueueTelemetry(ctx context.Context, rec TelemetryRecord) error {
	select {
	case w.telemetry <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueEvent blocks until the record is queued or ctx is cancelled.
func (w *Writer) EnqueueEvent(ctx context.Context, rec EventRecord) error {
	select {
	case w.events <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueQuality blocks until the record is queued or ctx is cancelled.
func (w *Writer) EnqueueQuality(ctx context.Context, rec QualityRecord) error {
	select {
	case w.quality <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runBatcher accumulates records until the batch fills or the timer fires,
// then flushes. On cancellation it drains what is already queued and does a
// final flush.
func runBatcher[T any](ctx context.Context, w *Writer, family Family, ch <-chan T, insert func(context.Context, []T) error) {
	batch := make([]T, 0, w.cfg.BatchSize)
	timer := time.NewTimer(w.cfg.BatchTimeout)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		flushBatch(w, family, batch, insert)
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-ch:
			batch = append(batch, rec)
			if len(batch) >= w.cfg.BatchSize {
				flush()
				resetTimer(timer, w.cfg.BatchTimeout)
			}
		case <-timer.C:
			flush()
			timer.Reset(w.cfg.BatchTimeout)
		case <-ctx.Done():
			for {
				select {
				case rec := <-ch:
					batch = append(batch, rec)
					if len(batch) >= w.cfg.BatchSize {
						flush()
					}
					continue
				default:
				}
				break
			}
			flush()
			return
		}
	}
}

// flushBatch writes one transaction, retrying once with the same payload.
// A second failure drops the batch: the bus retains the authoritative copy,
// so availability wins here and the loss is surfaced in metrics.
func flushBatch[T any](w *Writer, family Family, batch []T, insert func(context.Context, []T) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	monitoring.HistorianBatchSize.WithLabelValues(string(family)).Observe(float64(len(batch)))

	err := insert(ctx, batch)
	if err != nil {
		w.logger.Warn().Err(err).Str("family", string(family)).Int("records", len(batch)).
			Msg("Batch insert failed, retrying once")
		err = insert(ctx, batch)
	}
	if err != nil {
		monitoring.HistorianBatchesDropped.WithLabelValues(string(family)).Inc()
		monitoring.HistorianRecordsDropped.WithLabelValues(string(family)).Add(float64(len(batch)))
		w.logger.Error().Err(err).Str("family", string(family)).Int("records", len(batch)).
			Msg("Batch dropped after retry")
		return
	}
	if w.onFlush != nil {
		w.onFlush(family, len(batch))
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
