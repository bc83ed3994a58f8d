// Package protocol implements the JSON wire frame exchanged with device
// clients. The frame layout is the contract shared with the device SDKs:
//
//	{
//	  "type": <int>,                // FrameType enum value
//	  "subject": "<dotted>",        // optional
//	  "payload": <any>,             // optional
//	  "correlationId": "<string>",  // optional, request/reply
//	  "timestamp": "<ISO8601 UTC>", // stamped by sender
//	  "deviceId": "<string>"        // stamped by the gateway on inbound PUBLISH
//	}
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// FrameType is the wire tag of a frame. Values are fixed by the device SDK
// and must never be renumbered.
type FrameType int

const (
	FramePublish     FrameType = 0
	FrameSubscribe   FrameType = 1
	FrameUnsubscribe FrameType = 2
	FrameDelivered   FrameType = 3
	FrameRequest     FrameType = 4
	FrameReply       FrameType = 5
	FrameAck         FrameType = 6
	FrameError       FrameType = 7
	FrameAuth        FrameType = 8
	FramePing        FrameType = 9
	FramePong        FrameType = 10
)

// String returns the protocol name of the frame type.
func (t FrameType) String() string {
	switch t {
	case FramePublish:
		return "PUBLISH"
	case FrameSubscribe:
		return "SUBSCRIBE"
	case FrameUnsubscribe:
		return "UNSUBSCRIBE"
	case FrameDelivered:
		return "DELIVERED"
	case FrameRequest:
		return "REQUEST"
	case FrameReply:
		return "REPLY"
	case FrameAck:
		return "ACK"
	case FrameError:
		return "ERROR"
	case FrameAuth:
		return "AUTH"
	case FramePing:
		return "PING"
	case FramePong:
		return "PONG"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(t))
	}
}

// Valid reports whether t is inside the protocol enumeration.
func (t FrameType) Valid() bool {
	return t >= FramePublish && t <= FramePong
}

// Frame is one wire unit. Payload is kept raw so the gateway never has to
// understand device payloads it only forwards.
type Frame struct {
	Type          FrameType       `json:"type"`
	Subject       string          `json:"subject,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Timestamp     string          `json:"timestamp,omitempty"`
	DeviceID      string          `json:"deviceId,omitempty"`
}

// Timestamp format matches the device SDK serializer (ISO 8601, UTC, seconds).
const timestampLayout = "2006-01-02T15:04:05Z"

// Now returns the current time formatted for the wire.
func Now() string {
	return time.Now().UTC().Format(timestampLayout)
}

// Encode serializes the frame, stamping a timestamp when the sender set none.
// The device SDK serializer always emits one, so the gateway does too.
func Encode(f *Frame) ([]byte, error) {
	if f.Timestamp == "" {
		f.Timestamp = Now()
	}
	return json.Marshal(f)
}

// Decode parses a wire frame. It only checks JSON shape; semantic checks
// (subject syntax, payload size, type range) belong to the Validator.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	return &f, nil
}

// AuthRequest is the payload of an inbound AUTH frame.
type AuthRequest struct {
	Token string `json:"token"`
}

// AuthResponse is the payload of the AUTH response frame.
type AuthResponse struct {
	Success  bool   `json:"success"`
	ClientID string `json:"clientId,omitempty"`
	Role     string `json:"role,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ErrorPayload is the payload of an ERROR frame. Code is the machine-readable
// short kind; Error is for humans.
type ErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// SubscriptionAck is the payload of the ACK frame answering SUBSCRIBE and
// UNSUBSCRIBE, echoing what was acted on.
type SubscriptionAck struct {
	Subject        string `json:"subject"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
}

// NewError builds an ERROR frame with the given short kind.
func NewError(code, msg string) *Frame {
	payload, _ := json.Marshal(ErrorPayload{Error: msg, Code: code})
	return &Frame{Type: FrameError, Payload: payload}
}

// NewAck builds the ACK frame answering SUBSCRIBE/UNSUBSCRIBE.
func NewAck(subject, subscriptionID string) *Frame {
	payload, _ := json.Marshal(SubscriptionAck{Subject: subject, SubscriptionID: subscriptionID})
	return &Frame{Type: FrameAck, Subject: subject, Payload: payload}
}

// NewAuthResponse builds the AUTH response frame.
func NewAuthResponse(resp AuthResponse) *Frame {
	payload, _ := json.Marshal(resp)
	return &Frame{Type: FrameAuth, Payload: payload}
}

// NewDelivered wraps a bus payload into a DELIVERED frame for one device.
func NewDelivered(subject string, payload []byte, ts time.Time) *Frame {
	return &Frame{
		Type:      FrameDelivered,
		Subject:   subject,
		Payload:   json.RawMessage(payload),
		Timestamp: ts.UTC().Format(timestampLayout),
	}
}
