package historian

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/plantlink/plantlink/internal/bus"
	"github.com/plantlink/plantlink/internal/monitoring"
	"github.com/plantlink/plantlink/internal/protocol"
	"github.com/plantlink/plantlink/internal/subject"
)

// Normalizer decodes raw bus payloads into typed records. It is stateless;
// one instance serves every consumer loop.
type Normalizer struct {
	logger zerolog.Logger
}

// NewNormalizer builds a Normalizer.
func NewNormalizer(logger zerolog.Logger) *Normalizer {
	return &Normalizer{logger: logger.With().Str("component", "normalizer").Logger()}
}

// telemetryPayload tolerates both the flat single-metric shape and the
// multi-metric shape the device SDKs emit.
type telemetryPayload struct {
	DeviceID  string   `json:"deviceId"`
	LineID    string   `json:"lineId"`
	BatchID   string   `json:"batchId"`
	Timestamp string   `json:"timestamp"`
	Metric    string   `json:"metric"`
	Value     *float64 `json:"value"`
	Unit      string   `json:"unit"`
	Quality   int      `json:"quality"`

	Metrics []metricEntry `json:"metrics"`
}

type metricEntry struct {
	Name    string   `json:"name"`
	Value   *float64 `json:"value"`
	Unit    string   `json:"unit"`
	Quality int      `json:"quality"`
}

// NormalizeTelemetry decodes one telemetry message into one or more rows.
func (n *Normalizer) NormalizeTelemetry(m *bus.Message) ([]TelemetryRecord, error) {
	var p telemetryPayload
	if err := json.Unmarshal(m.Data, &p); err != nil {
		monitoring.HistorianDecodeFailures.WithLabelValues(string(FamilyTelemetry)).Inc()
		return nil, fmt.Errorf("telemetry payload: %w", err)
	}

	base := TelemetryRecord{
		Time:     n.recordTime(p.Timestamp, m),
		DeviceID: deviceID(p.DeviceID, m),
		LineID:   lineID(p.LineID, m.Subject),
		BatchID:  p.BatchID,
	}

	var out []TelemetryRecord
	if len(p.Metrics) > 0 {
		for _, me := range p.Metrics {
			if me.Name == "" || me.Value == nil {
				monitoring.HistorianDecodeFailures.WithLabelValues(string(FamilyTelemetry)).Inc()
				return nil, fmt.Errorf("metric entry missing name or value on %s", m.Subject)
			}
			r := base
			r.MetricName = me.Name
			r.Value = *me.Value
			r.Unit = me.Unit
			r.QualityCode = me.Quality
			r.Seal()
			out = append(out, r)
		}
	} else {
		if p.Value == nil {
			monitoring.HistorianDecodeFailures.WithLabelValues(string(FamilyTelemetry)).Inc()
			return nil, fmt.Errorf("telemetry on %s carries no value", m.Subject)
		}
		r := base
		r.MetricName = p.Metric
		if r.MetricName == "" {
			// Flat payloads often leave the metric to the subject's last
			// segment, e.g. telemetry.sensor-001.temp.
			r.MetricName = lastSegment(m.Subject)
		}
		r.Value = *p.Value
		r.Unit = p.Unit
		r.QualityCode = p.Quality
		r.Seal()
		out = append(out, r)
	}

	monitoring.HistorianRecords.WithLabelValues(string(FamilyTelemetry)).Add(float64(len(out)))
	return out, nil
}

type eventPayload struct {
	DeviceID      string          `json:"deviceId"`
	LineID        string          `json:"lineId"`
	BatchID       string          `json:"batchId"`
	Timestamp     string          `json:"timestamp"`
	EventType     string          `json:"eventType"`
	Severity      string          `json:"severity"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlationId"`
	CausationID   string          `json:"causationId"`
}

// NormalizeEvent decodes one event or alert message.
func (n *Normalizer) NormalizeEvent(m *bus.Message) (*EventRecord, error) {
	var p eventPayload
	if err := json.Unmarshal(m.Data, &p); err != nil {
		monitoring.HistorianDecodeFailures.WithLabelValues(string(FamilyEvent)).Inc()
		return nil, fmt.Errorf("event payload: %w", err)
	}
	if p.EventType == "" {
		monitoring.HistorianDecodeFailures.WithLabelValues(string(FamilyEvent)).Inc()
		return nil, fmt.Errorf("event on %s carries no eventType", m.Subject)
	}

	r := &EventRecord{
		ID:            uuid.NewString(),
		Time:          n.recordTime(p.Timestamp, m),
		DeviceID:      deviceID(p.DeviceID, m),
		LineID:        lineID(p.LineID, m.Subject),
		BatchID:       p.BatchID,
		EventType:     p.EventType,
		Severity:      p.Severity,
		Payload:       p.Payload,
		CorrelationID: p.CorrelationID,
		CausationID:   p.CausationID,
	}
	r.Seal()
	monitoring.HistorianRecords.WithLabelValues(string(FamilyEvent)).Inc()
	return r, nil
}

type qualityPayload struct {
	DeviceID     string          `json:"deviceId"`
	LineID       string          `json:"lineId"`
	BatchID      string          `json:"batchId"`
	Timestamp    string          `json:"timestamp"`
	ProductID    string          `json:"productId"`
	Result       string          `json:"result"`
	DefectType   string          `json:"defectType"`
	Measurements json.RawMessage `json:"measurements"`
	ImageRef     string          `json:"imageRef"`
}

// NormalizeQuality decodes one inspection message.
func (n *Normalizer) NormalizeQuality(m *bus.Message) (*QualityRecord, error) {
	var p qualityPayload
	if err := json.Unmarshal(m.Data, &p); err != nil {
		monitoring.HistorianDecodeFailures.WithLabelValues(string(FamilyQuality)).Inc()
		return nil, fmt.Errorf("quality payload: %w", err)
	}
	result := QualityResult(p.Result)
	if !result.Valid() {
		monitoring.HistorianDecodeFailures.WithLabelValues(string(FamilyQuality)).Inc()
		return nil, fmt.Errorf("quality on %s has result %q, want pass|fail|review", m.Subject, p.Result)
	}

	r := &QualityRecord{
		ID:           uuid.NewString(),
		Time:         n.recordTime(p.Timestamp, m),
		DeviceID:     deviceID(p.DeviceID, m),
		LineID:       lineID(p.LineID, m.Subject),
		BatchID:      p.BatchID,
		ProductID:    p.ProductID,
		Result:       result,
		DefectType:   p.DefectType,
		Measurements: p.Measurements,
		ImageRef:     p.ImageRef,
	}
	r.Seal()
	monitoring.HistorianRecords.WithLabelValues(string(FamilyQuality)).Inc()
	return r, nil
}

// recordTime prefers the payload timestamp, falling back to the bus storage
// timestamp, which always exists.
func (n *Normalizer) recordTime(payloadTS string, m *bus.Message) time.Time {
	if payloadTS != "" {
		if t, err := time.Parse(time.RFC3339, payloadTS); err == nil {
			return t.UTC()
		}
		if t, err := time.Parse("2006-01-02T15:04:05Z", payloadTS); err == nil {
			return t.UTC()
		}
		n.logger.Debug().Str("timestamp", payloadTS).Str("subject", m.Subject).
			Msg("Unparseable payload timestamp, using bus timestamp")
	}
	return m.Timestamp.UTC()
}

// deviceID prefers the payload's own claim, then the gateway-stamped header.
func deviceID(payloadID string, m *bus.Message) string {
	if payloadID != "" {
		return payloadID
	}
	return m.Header[protocol.HeaderDeviceID]
}

// lineID recovers the line from "factory.<line>.…" subjects when the
// payload does not carry one.
func lineID(payloadLine, subj string) string {
	if payloadLine != "" {
		return payloadLine
	}
	if subject.Segment(subj, 0) == "factory" {
		return subject.Segment(subj, 1)
	}
	return ""
}

func lastSegment(subj string) string {
	for i := 0; ; i++ {
		if subject.Segment(subj, i+1) == "" {
			return subject.Segment(subj, i)
		}
	}
}
