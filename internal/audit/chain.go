// Package audit implements the tamper-evident ingestion log. Entries form a
// hash chain: each entry's checksum covers its content plus the previous
// entry's checksum, so any mutation of history breaks verification at the
// altered entry and every entry after it.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/plantlink/plantlink/internal/monitoring"
)

// Genesis is the previous_hash of the first entry in an empty chain.
const Genesis = "GENESIS"

// Action is the audited verb.
type Action string

const (
	ActionCreate  Action = "CREATE"
	ActionRead    Action = "READ"
	ActionUpdate  Action = "UPDATE"
	ActionDelete  Action = "DELETE"
	ActionExport  Action = "EXPORT"
	ActionIngest  Action = "INGEST"
	ActionArchive Action = "ARCHIVE"
)

// Entry is one audit record. ID is assigned by persistence, monotonically.
type Entry struct {
	ID           int64
	Timestamp    time.Time
	UserID       string
	DeviceID     string
	Action       Action
	ResourceType string
	ResourceID   string
	OldValue     json.RawMessage
	NewValue     json.RawMessage
	Reason       string
	Metadata     json.RawMessage
	Checksum     string
	PreviousHash string
}

// Record is the caller-facing shape of one append.
type Record struct {
	Action       Action
	ResourceType string
	ResourceID   string
	UserID       string
	DeviceID     string
	OldValue     any
	NewValue     any
	Reason       string
	Metadata     any
}

// Store persists entries. Implementations must reject updates and deletes;
// the chain only ever appends and reads.
type Store interface {
	// Append persists the entry and returns its assigned id.
	Append(ctx context.Context, e *Entry) (int64, error)
	// TailChecksum returns the checksum of the highest-id entry, or
	// Genesis when the log is empty.
	TailChecksum(ctx context.Context) (string, error)
	// Scan streams entries in ascending id order within [from, to];
	// zero bounds mean unbounded.
	Scan(ctx context.Context, from, to int64, fn func(*Entry) error) error
}

// Chain is the single-writer append head. One process-wide mutex serializes
// appends; last_hash is loaded lazily from the store tail and then cached.
type Chain struct {
	store  Store
	logger zerolog.Logger

	mu       sync.Mutex
	lastHash string
	loaded   bool
}

// NewChain builds an append head over the store.
func NewChain(store Store, logger zerolog.Logger) *Chain {
	return &Chain{
		store:  store,
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

// Append builds, seals, and persists one entry. Persistence failure leaves
// last_hash untouched and propagates: integrity beats availability here, so
// callers must treat a failed append as a failed operation.
func (c *Chain) Append(ctx context.Context, rec Record) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		tail, err := c.store.TailChecksum(ctx)
		if err != nil {
			return nil, fmt.Errorf("load audit tail: %w", err)
		}
		c.lastHash = tail
		c.loaded = true
	}

	e := &Entry{
		Timestamp:    time.Now().UTC(),
		UserID:       rec.UserID,
		DeviceID:     rec.DeviceID,
		Action:       rec.Action,
		ResourceType: rec.ResourceType,
		ResourceID:   rec.ResourceID,
		Reason:       rec.Reason,
		PreviousHash: c.lastHash,
	}
	var err error
	if e.OldValue, err = marshalValue(rec.OldValue); err != nil {
		return nil, fmt.Errorf("audit old_value: %w", err)
	}
	if e.NewValue, err = marshalValue(rec.NewValue); err != nil {
		return nil, fmt.Errorf("audit new_value: %w", err)
	}
	if e.Metadata, err = marshalValue(rec.Metadata); err != nil {
		return nil, fmt.Errorf("audit metadata: %w", err)
	}
	e.Checksum = checksum(e)

	id, err := c.store.Append(ctx, e)
	if err != nil {
		monitoring.AuditAppendFailures.Inc()
		return nil, fmt.Errorf("persist audit entry: %w", err)
	}
	e.ID = id
	c.lastHash = e.Checksum
	monitoring.AuditAppends.Inc()
	return e, nil
}

func marshalValue(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// checksumBody is the canonical checksum input: UTF-8 JSON, no whitespace,
// keys in this fixed order. Changing the order or the set of fields breaks
// verification of every existing chain.
type checksumBody struct {
	Timestamp    string          `json:"timestamp"`
	Action       Action          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Actor        string          `json:"actor"`
	Old          json.RawMessage `json:"old"`
	New          json.RawMessage `json:"new"`
	Reason       string          `json:"reason"`
	PreviousHash string          `json:"previous_hash"`
}

func checksum(e *Entry) string {
	body := checksumBody{
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Actor:        actor(e),
		Old:          e.OldValue,
		New:          e.NewValue,
		Reason:       e.Reason,
		PreviousHash: e.PreviousHash,
	}
	data, _ := json.Marshal(body)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func actor(e *Entry) string {
	switch {
	case e.UserID != "" && e.DeviceID != "":
		return e.UserID + "/" + e.DeviceID
	case e.UserID != "":
		return e.UserID
	default:
		return e.DeviceID
	}
}

// FindingKind classifies one verification failure.
type FindingKind string

const (
	// FindingChainBreak: previous_hash does not equal the prior entry's
	// stored checksum.
	FindingChainBreak FindingKind = "chain_break"
	// FindingChecksumMismatch: the entry's stored checksum does not match
	// its recomputed content hash.
	FindingChecksumMismatch FindingKind = "checksum_mismatch"
)

// Finding is one verification failure at one entry.
type Finding struct {
	EntryID int64
	Kind    FindingKind
	Detail  string
}

// Verify walks entries in ascending id order and reports every integrity
// failure. Zero bounds scan the whole log. Verify never mutates state.
func (c *Chain) Verify(ctx context.Context, from, to int64) ([]Finding, error) {
	var findings []Finding
	prior := Genesis
	first := true

	err := c.store.Scan(ctx, from, to, func(e *Entry) error {
		// A bounded scan cannot check the first entry's link to its
		// predecessor; start the chain from its own claim.
		if first && from > 1 {
			prior = e.PreviousHash
		}
		first = false

		if e.PreviousHash != prior {
			findings = append(findings, Finding{
				EntryID: e.ID,
				Kind:    FindingChainBreak,
				Detail:  fmt.Sprintf("previous_hash %.12s does not match prior checksum %.12s", e.PreviousHash, prior),
			})
		}
		recomputed := checksum(e)
		if recomputed != e.Checksum {
			findings = append(findings, Finding{
				EntryID: e.ID,
				Kind:    FindingChecksumMismatch,
				Detail:  fmt.Sprintf("stored checksum %.12s, recomputed %.12s", e.Checksum, recomputed),
			})
		}
		// Link against the recomputed checksum: a tampered entry then also
		// breaks the chain at its successor, which is what pins down where
		// the mutation happened.
		prior = recomputed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return findings, nil
}
