package session

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/plantlink/plantlink/internal/bus"
	"github.com/plantlink/plantlink/internal/protocol"
)

// Header names on stored records and the reply-subject convention live in
// the protocol package; aliased here for the dispatch paths that stamp them.
const (
	HeaderDeviceID      = protocol.HeaderDeviceID
	HeaderPublishedAt   = protocol.HeaderPublishedAt
	HeaderCorrelationID = protocol.HeaderCorrelationID
	HeaderReplyTo       = protocol.HeaderReplyTo
	ReplySubjectPrefix  = protocol.ReplySubjectPrefix
)

func jsonUnmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(data, v)
}

// dispatch routes one validated, rate-limited frame. Returns false when the
// session must stop reading.
func (s *Session) dispatch(f *protocol.Frame) bool {
	switch f.Type {
	case protocol.FramePing:
		// Answered synchronously so device liveness probes stay cheap.
		s.sendFrame(&protocol.Frame{Type: protocol.FramePong, CorrelationID: f.CorrelationID})
		return true
	case protocol.FramePong:
		// Liveness already recorded by the receive loop.
		return true
	case protocol.FramePublish:
		s.handlePublish(f, nil)
		return true
	case protocol.FrameRequest:
		s.handlePublish(f, map[string]string{
			HeaderReplyTo: ReplySubjectPrefix + s.clientCtx.ClientID(),
		})
		return true
	case protocol.FrameReply:
		// A REPLY is a publish onto the originator's reply subject; the
		// originator receives it as DELIVERED on its own subscription.
		s.handlePublish(f, nil)
		return true
	case protocol.FrameSubscribe:
		s.handleSubscribe(f)
		return true
	case protocol.FrameUnsubscribe:
		s.handleUnsubscribe(f)
		return true
	default:
		// AUTH after auth, DELIVERED or ACK from a client: protocol misuse.
		s.sendError(protocol.CodeInvalidMessageType, f.Type.String()+" is not valid on an authenticated session")
		return true
	}
}

// handlePublish is the shared path for PUBLISH, REQUEST, and REPLY. The
// gateway stamps the device id and a server timestamp, then stores the
// payload on the bus with the correlation id as dedup key when present.
func (s *Session) handlePublish(f *protocol.Frame, extraHeaders map[string]string) {
	if !s.clientCtx.CanPublish(f.Subject) {
		s.sendError(protocol.CodeNotAuthorized, "publish to "+f.Subject+" is not allowed for this device")
		return
	}

	headers := map[string]string{
		HeaderDeviceID:    s.clientCtx.ClientID(),
		HeaderPublishedAt: protocol.Now(),
	}
	if f.CorrelationID != "" {
		headers[HeaderCorrelationID] = f.CorrelationID
	}
	for k, v := range extraHeaders {
		headers[k] = v
	}

	result, err := s.bus.Publish(s.ctx, f.Subject, f.Payload, bus.PublishOptions{
		Headers: headers,
		DedupID: f.CorrelationID,
	})
	if err != nil {
		if bus.IsTransient(err) {
			s.sendError(protocol.CodeBusUnavailable, "bus unavailable, publish not stored")
		} else {
			s.sendError(protocol.CodePublishFailed, "publish rejected: "+err.Error())
		}
		return
	}

	s.logger.Debug().
		Str("subject", f.Subject).
		Str("stream", result.Stream).
		Uint64("sequence", result.Sequence).
		Bool("duplicate", result.Duplicate).
		Msg("Published")
}

// subscribeOptions is the optional SUBSCRIBE payload.
type subscribeOptions struct {
	Replay *replayRequest `json:"replay,omitempty"`
}

type replayRequest struct {
	Mode     string `json:"mode"`
	Sequence uint64 `json:"sequence,omitempty"`
	Time     string `json:"time,omitempty"`
}

func (r *replayRequest) toOptions() (*bus.ReplayOptions, error) {
	if r == nil {
		return nil, nil
	}
	opts := &bus.ReplayOptions{Mode: r.Mode, Sequence: r.Sequence}
	if r.Time != "" {
		t, err := time.Parse(time.RFC3339, r.Time)
		if err != nil {
			return nil, errors.New("replay time must be RFC 3339")
		}
		opts.Time = t
	}
	return opts, nil
}

func (s *Session) handleSubscribe(f *protocol.Frame) {
	if !s.clientCtx.CanSubscribe(f.Subject) {
		s.sendError(protocol.CodeNotAuthorized, "subscribe to "+f.Subject+" is not allowed for this device")
		return
	}

	s.mu.Lock()
	existing, already := s.subs[f.Subject]
	s.mu.Unlock()
	if already {
		s.sendFrame(protocol.NewAck(f.Subject, existing))
		return
	}

	var opts subscribeOptions
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &opts); err != nil {
			s.sendError(protocol.CodeMalformedFrame, "SUBSCRIBE payload is not valid")
			return
		}
	}
	replay, err := opts.Replay.toOptions()
	if err != nil {
		s.sendError(protocol.CodeMalformedFrame, err.Error())
		return
	}

	sub, err := s.bus.SubscribeDevice(s.clientCtx.ClientID(), f.Subject, s.deliverHandler(f.Subject), replay)
	if err != nil {
		if errors.Is(err, bus.ErrNoStreamForSubject) {
			s.sendError(protocol.CodeNoStreamForSubject, "no stream captures "+f.Subject)
			return
		}
		s.sendError(protocol.CodeInternalError, "subscription failed")
		s.logger.Error().Err(err).Str("subject", f.Subject).Msg("Subscribe failed")
		s.beginDrain(CloseInternal, protocol.CodeInternalError)
		return
	}

	s.mu.Lock()
	s.subs[f.Subject] = sub.ID
	s.mu.Unlock()

	s.logger.Info().Str("subject", f.Subject).Str("subscription_id", sub.ID).Msg("Subscribed")
	s.sendFrame(protocol.NewAck(f.Subject, sub.ID))
}

// deliverHandler turns bus deliveries into DELIVERED frames. The enqueue
// happens before the adapter acknowledges (nil return here drives the ack),
// so deliveries are at-least-once to the buffer; between buffer and socket
// the drop-oldest policy applies and drops are visible in metrics.
func (s *Session) deliverHandler(subj string) bus.Handler {
	return func(m *bus.Message) error {
		frame := protocol.NewDelivered(m.Subject, m.Data, m.Timestamp)
		if cid, ok := m.Header[HeaderCorrelationID]; ok {
			frame.CorrelationID = cid
		}
		if dev, ok := m.Header[HeaderDeviceID]; ok {
			frame.DeviceID = dev
		}
		if !s.sendFrame(frame) {
			// Session draining; leave the message unacknowledged so the
			// next session for this device receives it.
			return errors.New("session draining")
		}
		return nil
	}
}

func (s *Session) handleUnsubscribe(f *protocol.Frame) {
	s.mu.Lock()
	id, ok := s.subs[f.Subject]
	if ok {
		delete(s.subs, f.Subject)
	}
	s.mu.Unlock()

	// Unknown subject acks with no effect: UNSUBSCRIBE is idempotent.
	if ok {
		if err := s.bus.Unsubscribe(id, true); err != nil {
			s.logger.Warn().Err(err).Str("subscription_id", id).Msg("Unsubscribe failed")
		} else {
			s.logger.Info().Str("subject", f.Subject).Str("subscription_id", id).Msg("Unsubscribed")
		}
	}
	s.sendFrame(protocol.NewAck(f.Subject, id))
}
