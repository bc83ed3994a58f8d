package audit

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists the chain in the append-only audit_log table. The table
// carries a trigger that rejects UPDATE and DELETE, so immutability holds
// even against direct SQL access.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wraps an existing connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Append(ctx context.Context, e *Entry) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO audit_log (
			timestamp, user_id, device_id, action, resource_type, resource_id,
			old_value, new_value, reason, metadata, checksum, previous_hash
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING id`,
		e.Timestamp, nullable(e.UserID), nullable(e.DeviceID), string(e.Action),
		e.ResourceType, nullable(e.ResourceID), rawOrNil(e.OldValue), rawOrNil(e.NewValue),
		nullable(e.Reason), rawOrNil(e.Metadata), e.Checksum, e.PreviousHash,
	).Scan(&id)
	return id, err
}

func (s *PGStore) TailChecksum(ctx context.Context) (string, error) {
	var sum string
	err := s.pool.QueryRow(ctx,
		`SELECT checksum FROM audit_log ORDER BY id DESC LIMIT 1`).Scan(&sum)
	if errors.Is(err, pgx.ErrNoRows) {
		return Genesis, nil
	}
	if err != nil {
		return "", err
	}
	return sum, nil
}

func (s *PGStore) Scan(ctx context.Context, from, to int64, fn func(*Entry) error) error {
	query := `
		SELECT id, timestamp, COALESCE(user_id,''), COALESCE(device_id,''),
		       action, resource_type, COALESCE(resource_id,''),
		       old_value, new_value, COALESCE(reason,''), metadata,
		       checksum, previous_hash
		FROM audit_log
		WHERE ($1 = 0 OR id >= $1) AND ($2 = 0 OR id <= $2)
		ORDER BY id ASC`
	rows, err := s.pool.Query(ctx, query, from, to)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var e Entry
		var action string
		if err := rows.Scan(
			&e.ID, &e.Timestamp, &e.UserID, &e.DeviceID,
			&action, &e.ResourceType, &e.ResourceID,
			&e.OldValue, &e.NewValue, &e.Reason, &e.Metadata,
			&e.Checksum, &e.PreviousHash,
		); err != nil {
			return err
		}
		e.Action = Action(action)
		if err := fn(&e); err != nil {
			return err
		}
	}
	return rows.Err()
}

func nullable(s string) any {
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

// MemoryStore is the in-process Store used by tests and by gateways running
// without a historian database. Entries are kept in insertion order.
type MemoryStore struct {
	mu      sync.Mutex
	entries []*Entry
}

// NewMemoryStore creates an empty in-memory log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, e *Entry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *e
	stored.ID = int64(len(s.entries)) + 1
	s.entries = append(s.entries, &stored)
	return stored.ID, nil
}

func (s *MemoryStore) TailChecksum(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return Genesis, nil
	}
	return s.entries[len(s.entries)-1].Checksum, nil
}

func (s *MemoryStore) Scan(_ context.Context, from, to int64, fn func(*Entry) error) error {
	s.mu.Lock()
	snapshot := make([]*Entry, len(s.entries))
	copy(snapshot, s.entries)
	s.mu.Unlock()

	for _, e := range snapshot {
		if from != 0 && e.ID < from {
			continue
		}
		if to != 0 && e.ID > to {
			continue
		}
		copied := *e
		if err := fn(&copied); err != nil {
			return err
		}
	}
	return nil
}

// Tamper overwrites a stored entry's new_value in place, bypassing the
// chain. Test hook for exercising Verify; no production caller.
func (s *MemoryStore) Tamper(id int64, newValue []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ID == id {
			e.NewValue = newValue
			return
		}
	}
}
