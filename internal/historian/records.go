// Package historian consumes stored bus messages, normalizes them into
// typed rows, and writes them to the time-series database in batches. The
// bus remains the authoritative record; this layer tolerates bounded loss
// under persistent database failure.
package historian

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Family partitions records by destination table.
type Family string

const (
	FamilyTelemetry Family = "telemetry"
	FamilyEvent     Family = "event"
	FamilyQuality   Family = "quality"
)

// TelemetryRecord is one metric sample.
type TelemetryRecord struct {
	Time        time.Time
	DeviceID    string
	LineID      string
	BatchID     string
	MetricName  string
	Value       float64
	Unit        string
	QualityCode int
	Checksum    string
}

// Seal computes the integrity checksum over the identity-bearing fields.
func (r *TelemetryRecord) Seal() {
	r.Checksum = seal(
		r.Time.UTC().Format(time.RFC3339Nano),
		r.DeviceID,
		r.MetricName,
		strconv.FormatFloat(r.Value, 'g', -1, 64),
	)
}

// EventRecord is one discrete machine or process event.
type EventRecord struct {
	ID            string
	Time          time.Time
	DeviceID      string
	LineID        string
	BatchID       string
	EventType     string
	Severity      string
	Payload       json.RawMessage
	CorrelationID string
	CausationID   string
	Checksum      string
}

func (r *EventRecord) Seal() {
	r.Checksum = seal(
		r.Time.UTC().Format(time.RFC3339Nano),
		r.DeviceID,
		r.EventType,
		r.BatchID,
	)
}

// QualityResult is the inspection outcome.
type QualityResult string

const (
	ResultPass   QualityResult = "pass"
	ResultFail   QualityResult = "fail"
	ResultReview QualityResult = "review"
)

// Valid reports whether the result is inside the enumeration.
func (q QualityResult) Valid() bool {
	return q == ResultPass || q == ResultFail || q == ResultReview
}

// QualityRecord is one inspection outcome.
type QualityRecord struct {
	ID           string
	Time         time.Time
	DeviceID     string
	LineID       string
	BatchID      string
	ProductID    string
	Result       QualityResult
	DefectType   string
	Measurements json.RawMessage
	ImageRef     string
	Checksum     string
}

func (r *QualityRecord) Seal() {
	r.Checksum = seal(
		r.Time.UTC().Format(time.RFC3339Nano),
		r.DeviceID,
		r.BatchID,
		string(r.Result),
	)
}

// seal hashes the fixed field subset with an unambiguous separator so field
// boundaries cannot be shifted without changing the digest.
func seal(fields ...string) string {
	h := sha256.New()
	for _, f := range fields {
		fmt.Fprintf(h, "%d:%s|", len(f), f)
	}
	return hex.EncodeToString(h.Sum(nil))
}
