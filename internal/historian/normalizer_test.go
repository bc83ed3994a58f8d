package historian

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantlink/plantlink/internal/bus"
	"github.com/plantlink/plantlink/internal/protocol"
)

var busTime = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func telemetryMsg(subj, payload string) *bus.Message {
	return bus.NewLocalMessage(subj, []byte(payload), 1, busTime)
}

func TestNormalizeFlatTelemetry(t *testing.T) {
	n := NewNormalizer(zerolog.Nop())
	m := telemetryMsg("factory.line1.telemetry.temp",
		`{"deviceId":"sensor-001","metric":"temperature","value":23.5,"unit":"C","quality":192,"timestamp":"2026-03-14T09:29:55Z"}`)

	recs, err := n.NormalizeTelemetry(m)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	r := recs[0]
	assert.Equal(t, "sensor-001", r.DeviceID)
	assert.Equal(t, "line1", r.LineID, "line recovered from factory.<line> subject")
	assert.Equal(t, "temperature", r.MetricName)
	assert.Equal(t, 23.5, r.Value)
	assert.Equal(t, "C", r.Unit)
	assert.Equal(t, 192, r.QualityCode)
	assert.Equal(t, time.Date(2026, 3, 14, 9, 29, 55, 0, time.UTC), r.Time)
	assert.Len(t, r.Checksum, 64)
}

func TestNormalizeMultiMetricTelemetry(t *testing.T) {
	n := NewNormalizer(zerolog.Nop())
	m := telemetryMsg("factory.line2.telemetry.conveyor",
		`{"deviceId":"conveyor-7","metrics":[
			{"name":"speed","value":1.25,"unit":"m/s"},
			{"name":"load","value":340,"unit":"kg","quality":128}
		]}`)

	recs, err := n.NormalizeTelemetry(m)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "speed", recs[0].MetricName)
	assert.Equal(t, "load", recs[1].MetricName)
	assert.Equal(t, 340.0, recs[1].Value)
	for _, r := range recs {
		assert.Equal(t, "conveyor-7", r.DeviceID)
		assert.Equal(t, "line2", r.LineID)
		assert.Equal(t, busTime, r.Time, "no payload timestamp falls back to bus timestamp")
	}
	assert.NotEqual(t, recs[0].Checksum, recs[1].Checksum)
}

func TestMetricNameFallsBackToSubjectTail(t *testing.T) {
	n := NewNormalizer(zerolog.Nop())
	m := telemetryMsg("telemetry.sensor-001.temp", `{"value":23.5}`)

	recs, err := n.NormalizeTelemetry(m)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "temp", recs[0].MetricName)
	assert.Empty(t, recs[0].LineID, "non-factory subject yields no line")
}

func TestDeviceIDFallsBackToGatewayHeader(t *testing.T) {
	n := NewNormalizer(zerolog.Nop())
	m := telemetryMsg("telemetry.sensor-001.temp", `{"value":1}`)
	m.Header = map[string]string{protocol.HeaderDeviceID: "sensor-001"}

	recs, err := n.NormalizeTelemetry(m)
	require.NoError(t, err)
	assert.Equal(t, "sensor-001", recs[0].DeviceID)
}

func TestTelemetryWithoutValueFails(t *testing.T) {
	n := NewNormalizer(zerolog.Nop())
	for _, payload := range []string{
		`{"metric":"temp"}`,
		`{"metrics":[{"name":"temp"}]}`,
		`not json`,
	} {
		_, err := n.NormalizeTelemetry(telemetryMsg("telemetry.s.temp", payload))
		assert.Error(t, err, payload)
	}
}

func TestNormalizeEvent(t *testing.T) {
	n := NewNormalizer(zerolog.Nop())
	m := telemetryMsg("factory.line1.alerts.estop",
		`{"eventType":"emergency_stop","severity":"critical","payload":{"button":"B4"},"correlationId":"c-1"}`)
	m.Header = map[string]string{protocol.HeaderDeviceID: "estop-line1"}

	rec, err := n.NormalizeEvent(m)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "emergency_stop", rec.EventType)
	assert.Equal(t, "critical", rec.Severity)
	assert.Equal(t, "estop-line1", rec.DeviceID)
	assert.Equal(t, "line1", rec.LineID)
	assert.Equal(t, "c-1", rec.CorrelationID)
	assert.JSONEq(t, `{"button":"B4"}`, string(rec.Payload))
	assert.Len(t, rec.Checksum, 64)

	_, err = n.NormalizeEvent(telemetryMsg("factory.line1.alerts.x", `{"severity":"low"}`))
	assert.Error(t, err, "eventType is required")
}

func TestNormalizeQuality(t *testing.T) {
	n := NewNormalizer(zerolog.Nop())
	m := telemetryMsg("factory.line3.quality.vision",
		`{"deviceId":"vision-2","productId":"P-100","result":"fail","defectType":"scratch","measurements":{"depth_mm":0.4},"batchId":"B-7"}`)

	rec, err := n.NormalizeQuality(m)
	require.NoError(t, err)
	assert.Equal(t, ResultFail, rec.Result)
	assert.Equal(t, "P-100", rec.ProductID)
	assert.Equal(t, "scratch", rec.DefectType)
	assert.Equal(t, "B-7", rec.BatchID)
	assert.Equal(t, "line3", rec.LineID)

	for _, bad := range []string{`{"result":"maybe"}`, `{"productId":"P-1"}`} {
		_, err := n.NormalizeQuality(telemetryMsg("factory.line3.quality.vision", bad))
		assert.Error(t, err, bad)
	}
}

func TestChecksumIsDeterministicOverSealedFields(t *testing.T) {
	r1 := TelemetryRecord{Time: busTime, DeviceID: "d", MetricName: "m", Value: 1.5}
	r2 := r1
	r1.Seal()
	r2.Seal()
	assert.Equal(t, r1.Checksum, r2.Checksum)

	// Unit is outside the sealed subset; value is inside.
	r3 := TelemetryRecord{Time: busTime, DeviceID: "d", MetricName: "m", Value: 1.5, Unit: "C"}
	r3.Seal()
	assert.Equal(t, r1.Checksum, r3.Checksum)

	r4 := TelemetryRecord{Time: busTime, DeviceID: "d", MetricName: "m", Value: 2.5}
	r4.Seal()
	assert.NotEqual(t, r1.Checksum, r4.Checksum)
}
