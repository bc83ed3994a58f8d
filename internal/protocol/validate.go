package protocol

import (
	"fmt"

	"github.com/plantlink/plantlink/internal/subject"
)

// ValidationError carries the short error kind for the ERROR frame alongside
// the human-readable message.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Validator bounds inbound frames before they reach dispatch.
type Validator struct {
	// MaxMessageSize caps the serialized payload in bytes.
	MaxMessageSize int
}

// NewValidator returns a Validator with the configured payload cap.
func NewValidator(maxMessageSize int) *Validator {
	return &Validator{MaxMessageSize: maxMessageSize}
}

// Validate checks type range, payload size, and subject syntax.
// PING, PONG, and AUTH are exempt from subject checks.
func (v *Validator) Validate(f *Frame) error {
	if !f.Type.Valid() {
		return invalid(CodeMalformedFrame, "unknown frame type %d", int(f.Type))
	}

	if v.MaxMessageSize > 0 && len(f.Payload) > v.MaxMessageSize {
		return invalid(CodePayloadTooLarge,
			"payload is %d bytes, limit is %d", len(f.Payload), v.MaxMessageSize)
	}

	switch f.Type {
	case FramePing, FramePong, FrameAuth:
		return nil
	case FramePublish, FrameRequest, FrameReply:
		if f.Subject == "" {
			return invalid(CodeInvalidSubject, "%s frame requires a subject", f.Type)
		}
		if len(f.Subject) > subject.MaxLength {
			return invalid(CodeInvalidSubject, "subject exceeds %d characters", subject.MaxLength)
		}
		if !subject.Valid(f.Subject) {
			return invalid(CodeInvalidSubject, "invalid subject %q", f.Subject)
		}
	case FrameSubscribe, FrameUnsubscribe:
		if f.Subject == "" {
			return invalid(CodeInvalidSubject, "%s frame requires a subject", f.Type)
		}
		if len(f.Subject) > subject.MaxLength {
			return invalid(CodeInvalidSubject, "subject exceeds %d characters", subject.MaxLength)
		}
		// Subscriptions may carry wildcard patterns.
		if !subject.ValidPattern(f.Subject) {
			return invalid(CodeInvalidSubject, "invalid subject pattern %q", f.Subject)
		}
	default:
		// DELIVERED, ACK, ERROR are server-to-client only; a client sending
		// them is a protocol violation handled by dispatch, not the validator.
	}
	return nil
}
