package historian

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore writes record batches to the time-series database. Inserts are
// conflict-ignore on the table's natural key, so bus redeliveries are
// harmless.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore opens a connection pool against connString.
func NewPGStore(ctx context.Context, connString string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("open historian pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping historian database: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

// Pool exposes the underlying pool so the audit store can share it.
func (s *PGStore) Pool() *pgxpool.Pool { return s.pool }

// Close releases the pool.
func (s *PGStore) Close() { s.pool.Close() }

func (s *PGStore) InsertTelemetry(ctx context.Context, recs []TelemetryRecord) error {
	batch := &pgx.Batch{}
	for _, r := range recs {
		batch.Queue(`
			INSERT INTO telemetry (
				time, device_id, line_id, batch_id,
				metric_name, value, unit, quality_code, checksum
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT DO NOTHING`,
			r.Time, r.DeviceID, emptyNull(r.LineID), emptyNull(r.BatchID),
			r.MetricName, r.Value, emptyNull(r.Unit), r.QualityCode, r.Checksum,
		)
	}
	return s.sendBatch(ctx, batch)
}

func (s *PGStore) InsertEvents(ctx context.Context, recs []EventRecord) error {
	batch := &pgx.Batch{}
	for _, r := range recs {
		batch.Queue(`
			INSERT INTO events (
				id, time, device_id, line_id, batch_id,
				event_type, severity, payload,
				correlation_id, causation_id, checksum
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			ON CONFLICT DO NOTHING`,
			r.ID, r.Time, r.DeviceID, emptyNull(r.LineID), emptyNull(r.BatchID),
			r.EventType, emptyNull(r.Severity), rawOrNil(r.Payload),
			emptyNull(r.CorrelationID), emptyNull(r.CausationID), r.Checksum,
		)
	}
	return s.sendBatch(ctx, batch)
}

func (s *PGStore) InsertQuality(ctx context.Context, recs []QualityRecord) error {
	batch := &pgx.Batch{}
	for _, r := range recs {
		batch.Queue(`
			INSERT INTO quality_inspections (
				id, time, device_id, line_id, batch_id,
				product_id, result, defect_type, measurements, image_ref, checksum
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			ON CONFLICT DO NOTHING`,
			r.ID, r.Time, r.DeviceID, emptyNull(r.LineID), emptyNull(r.BatchID),
			emptyNull(r.ProductID), string(r.Result), emptyNull(r.DefectType),
			rawOrNil(r.Measurements), emptyNull(r.ImageRef), r.Checksum,
		)
	}
	return s.sendBatch(ctx, batch)
}

// sendBatch runs all queued inserts in one transaction: the whole batch
// lands or none of it does, which keeps the single-retry semantics simple.
func (s *PGStore) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func emptyNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func rawOrNil(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
