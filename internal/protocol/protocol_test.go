package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEncode(t *testing.T) {
	raw := []byte(`{"type":0,"subject":"telemetry.sensor-001.temp","payload":{"value":23.5},"correlationId":"abc"}`)
	f, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, FramePublish, f.Type)
	assert.Equal(t, "telemetry.sensor-001.temp", f.Subject)
	assert.Equal(t, "abc", f.CorrelationID)

	out, err := Encode(f)
	require.NoError(t, err)
	// Encode stamps a timestamp when the sender set none.
	assert.Contains(t, string(out), `"timestamp"`)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte(`{"type":`))
	assert.Error(t, err)
}

func TestFrameTypeValid(t *testing.T) {
	assert.True(t, FramePublish.Valid())
	assert.True(t, FramePong.Valid())
	assert.False(t, FrameType(11).Valid())
	assert.False(t, FrameType(-1).Valid())
}

func TestValidatorPayloadBoundary(t *testing.T) {
	v := NewValidator(64)

	// `{"v":"…"}` carries 8 bytes of framing around the x run.
	exact := json.RawMessage(`{"v":"` + strings.Repeat("x", 56) + `"}`)
	require.Len(t, []byte(exact), 64)
	over := json.RawMessage(`{"v":"` + strings.Repeat("x", 57) + `"}`)
	require.Len(t, []byte(over), 65)

	err := v.Validate(&Frame{Type: FramePublish, Subject: "a.b", Payload: exact})
	assert.NoError(t, err, "payload of exactly the limit is accepted")

	err = v.Validate(&Frame{Type: FramePublish, Subject: "a.b", Payload: over})
	require.Error(t, err, "one byte over the limit is rejected")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, CodePayloadTooLarge, verr.Code)
}

func TestValidatorSubjectRules(t *testing.T) {
	v := NewValidator(1024)

	tests := []struct {
		name     string
		frame    Frame
		wantCode string
	}{
		{"publish needs subject", Frame{Type: FramePublish}, CodeInvalidSubject},
		{"subscribe needs subject", Frame{Type: FrameSubscribe}, CodeInvalidSubject},
		{"unsubscribe needs subject", Frame{Type: FrameUnsubscribe}, CodeInvalidSubject},
		{"publish rejects wildcard", Frame{Type: FramePublish, Subject: "telemetry.*"}, CodeInvalidSubject},
		{"publish rejects bad chars", Frame{Type: FramePublish, Subject: "telemetry.a b"}, CodeInvalidSubject},
		{"subscribe allows wildcard", Frame{Type: FrameSubscribe, Subject: "commands.sensor-001.>"}, ""},
		{"publish ok", Frame{Type: FramePublish, Subject: "telemetry.sensor-001.temp"}, ""},
		{"ping exempt", Frame{Type: FramePing}, ""},
		{"pong exempt", Frame{Type: FramePong}, ""},
		{"auth exempt", Frame{Type: FrameAuth}, ""},
		{"unknown type", Frame{Type: FrameType(42)}, CodeMalformedFrame},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(&tt.frame)
			if tt.wantCode == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantCode, verr.Code)
		})
	}
}

func TestValidatorLongSubject(t *testing.T) {
	v := NewValidator(1024)
	long := "a." + strings.Repeat("b", 300)
	err := v.Validate(&Frame{Type: FramePublish, Subject: long})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, CodeInvalidSubject, verr.Code)
}

func TestNewErrorFrame(t *testing.T) {
	f := NewError(CodeRateLimited, "too many messages")
	assert.Equal(t, FrameError, f.Type)

	var p ErrorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	assert.Equal(t, CodeRateLimited, p.Code)
	assert.Equal(t, "too many messages", p.Error)
}
