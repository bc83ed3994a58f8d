// Package session owns one duplex device connection end to end: handshake,
// authentication, the receive/send loop pair, dispatch, and teardown. A
// session is a scope; leaving it releases the transport, both loops, every
// subscription, and the outbound buffer exactly once.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/plantlink/plantlink/internal/auth"
	"github.com/plantlink/plantlink/internal/bus"
	"github.com/plantlink/plantlink/internal/limits"
	"github.com/plantlink/plantlink/internal/monitoring"
	"github.com/plantlink/plantlink/internal/protocol"
	"github.com/plantlink/plantlink/internal/registry"
)

// State is the session lifecycle position.
type State int32

const (
	StateAccepted State = iota
	StateAwaitingAuth
	StateAuthenticated
	StateActive
	StateIdle
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "ACCEPTED"
	case StateAwaitingAuth:
		return "AWAITING_AUTH"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateActive:
		return "ACTIVE"
	case StateIdle:
		return "IDLE"
	case StateDraining:
		return "DRAINING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Bus is the slice of the bus adapter a session uses. Narrow on purpose so
// dispatch tests can substitute a fake.
type Bus interface {
	Publish(ctx context.Context, subj string, data []byte, opts bus.PublishOptions) (*bus.PublishResult, error)
	SubscribeDevice(deviceID, subj string, handler bus.Handler, replay *bus.ReplayOptions) (*bus.Subscription, error)
	Unsubscribe(id string, deleteConsumer bool) error
}

// Config bounds one session's resources and timers.
type Config struct {
	MaxMessageSize     int
	RateLimitPerSecond int
	OutgoingBufferSize int
	AuthTimeout        time.Duration
	PingInterval       time.Duration
	PingTimeout        time.Duration
	DrainWindow        time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
	if c.RateLimitPerSecond <= 0 {
		c.RateLimitPerSecond = 100
	}
	if c.OutgoingBufferSize <= 0 {
		c.OutgoingBufferSize = 256
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.DrainWindow <= 0 {
		c.DrainWindow = 10 * time.Second
	}
	return c
}

// Session is one live device connection.
type Session struct {
	id        string
	cfg       Config
	transport Transport
	bus       Bus
	verifier  *auth.Verifier
	validator *protocol.Validator
	limiter   *limits.MessageRateLimiter
	registry  *registry.Registry
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state     atomic.Int32
	clientCtx *auth.ClientContext
	buffer    *registry.OutboundBuffer

	mu   sync.Mutex
	subs map[string]string // subject pattern → subscription id

	drainOnce sync.Once
	closeCode int
	closeWhy  string
	awaitPong atomic.Bool
	sendDone  chan struct{}
	done      chan struct{}
}

// NewSession wires a session around an accepted transport. Run drives it.
func NewSession(t Transport, b Bus, v *auth.Verifier, lim *limits.MessageRateLimiter, reg *registry.Registry, cfg Config, logger zerolog.Logger) *Session {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        uuid.NewString(),
		cfg:       cfg,
		transport: t,
		bus:       b,
		verifier:  v,
		validator: protocol.NewValidator(cfg.MaxMessageSize),
		limiter:   lim,
		registry:  reg,
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[string]string),
		closeCode: CloseNormal,
		sendDone:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.logger = logger.With().Str("session_id", s.id).Logger()
	return s
}

// State returns the current lifecycle position.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// ClientID returns the authenticated device id, or empty before auth.
func (s *Session) ClientID() string {
	if s.clientCtx == nil {
		return ""
	}
	return s.clientCtx.ClientID()
}

// Open implements registry.Handle.
func (s *Session) Open() bool { return s.State() != StateClosed }

// Evict implements registry.Handle: a newer session claimed this device id.
// Sends a distinguished ERROR before the normal closure so the older client
// can tell replacement from a network fault. Must not block.
func (s *Session) Evict(code string) {
	monitoring.SessionsEvicted.Inc()
	s.sendFrame(protocol.NewError(code, "connection replaced by a newer session for this device"))
	s.beginDrain(CloseNormal, code)
}

// Shutdown drains the session and waits for teardown to finish, bounded by
// the drain window. Used by the supervisor on process exit.
func (s *Session) Shutdown(reason string) {
	s.beginDrain(CloseNormal, reason)
	select {
	case <-s.done:
	case <-time.After(s.cfg.DrainWindow):
		s.transport.Close(s.closeCode, s.closeWhy)
	}
}

// Run owns the session from handshake to CLOSED. handshakeToken is the
// bearer credential carried on the upgrade request, empty when the client
// must send an AUTH frame.
func (s *Session) Run(handshakeToken string) {
	defer monitoring.RecoverPanic(s.logger, "session.Run", map[string]any{"session_id": s.id})
	defer close(s.done)
	defer s.teardown()

	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsCurrent.Inc()
	defer monitoring.ConnectionsCurrent.Dec()

	s.setState(StateAccepted)
	if !s.authenticate(handshakeToken) {
		return
	}

	go s.sendLoop()
	s.receiveLoop()
}

// authenticate moves the session to AUTHENTICATED or closes it. The 30s
// (configurable) deadline covers both the handshake credential path and the
// first-frame AUTH path.
func (s *Session) authenticate(handshakeToken string) bool {
	deadline := time.Now().Add(s.cfg.AuthTimeout)
	s.transport.SetReadDeadline(deadline)

	token := handshakeToken
	if token == "" {
		s.setState(StateAwaitingAuth)
		var ok bool
		if token, ok = s.awaitAuthFrame(); !ok {
			return false
		}
	}

	ctx, err := s.verifier.Verify(token)
	if err != nil {
		code := protocol.CodeTokenInvalid
		if f, ok := err.(*auth.Failure); ok && f.Kind == auth.FailureExpired {
			code = protocol.CodeTokenExpired
		}
		s.writeDirect(protocol.NewAuthResponse(protocol.AuthResponse{Success: false, Error: code}))
		s.logger.Warn().Err(err).Msg("Authentication failed")
		s.beginDrain(ClosePolicy, code)
		return false
	}

	s.clientCtx = ctx
	s.logger = s.logger.With().Str("client_id", ctx.ClientID()).Str("role", ctx.Role()).Logger()
	s.buffer = registry.NewOutboundBuffer(s.cfg.OutgoingBufferSize)
	s.registry.Register(ctx, s)

	s.setState(StateAuthenticated)
	s.sendFrame(protocol.NewAuthResponse(protocol.AuthResponse{
		Success:  true,
		ClientID: ctx.ClientID(),
		Role:     ctx.Role(),
	}))
	s.setState(StateActive)
	s.logger.Info().Msg("Session authenticated")
	return true
}

// awaitAuthFrame reads until an AUTH frame arrives or the deadline expires.
// Any other frame type before authentication is a protocol violation.
func (s *Session) awaitAuthFrame() (string, bool) {
	raw, err := s.transport.ReadFrame()
	if err != nil {
		if isTimeout(err) {
			s.writeDirect(protocol.NewError(protocol.CodeAuthTimeout, "no AUTH frame within the authentication deadline"))
			s.beginDrain(ClosePolicy, protocol.CodeAuthTimeout)
		} else {
			s.beginDrain(CloseNormal, "transport closed before auth")
		}
		return "", false
	}

	f, err := protocol.Decode(raw)
	if err != nil || f.Type != protocol.FrameAuth {
		s.writeDirect(protocol.NewError(protocol.CodeTokenRequired, "first frame must be AUTH"))
		s.beginDrain(ClosePolicy, protocol.CodeTokenRequired)
		return "", false
	}

	var req protocol.AuthRequest
	if err := jsonUnmarshal(f.Payload, &req); err != nil || req.Token == "" {
		s.writeDirect(protocol.NewError(protocol.CodeTokenRequired, "AUTH payload must carry a token"))
		s.beginDrain(ClosePolicy, protocol.CodeTokenRequired)
		return "", false
	}
	return req.Token, true
}

// receiveLoop pulls frames one at a time. Frames are processed strictly in
// order; two PUBLISH operations from the same client never interleave. Idle
// detection rides the read deadline: expiry without a pending ping sends
// one, expiry with a pending ping drains.
func (s *Session) receiveLoop() {
	s.transport.SetReadDeadline(time.Now().Add(s.cfg.PingInterval))

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		raw, err := s.transport.ReadFrame()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if isTimeout(err) {
				if s.awaitPong.CompareAndSwap(false, true) {
					s.setState(StateIdle)
					s.sendFrame(&protocol.Frame{Type: protocol.FramePing})
					s.transport.SetReadDeadline(time.Now().Add(s.cfg.PingTimeout))
					continue
				}
				s.logger.Info().Msg("Idle session did not answer ping")
				s.beginDrain(CloseNormal, "ping timeout")
				return
			}
			s.beginDrain(CloseNormal, "transport read failed")
			return
		}

		s.awaitPong.Store(false)
		s.setState(StateActive)
		s.transport.SetReadDeadline(time.Now().Add(s.cfg.PingInterval))

		if !s.processFrame(raw) {
			return
		}
	}
}

// processFrame runs the per-frame pipeline: expiry, decode, validate, rate
// limit, dispatch. Returns false when the session must stop reading.
func (s *Session) processFrame(raw []byte) bool {
	if s.clientCtx.Expired() {
		s.sendError(protocol.CodeTokenExpired, "token expired mid-session")
		s.beginDrain(ClosePolicy, protocol.CodeTokenExpired)
		return false
	}

	f, err := protocol.Decode(raw)
	if err != nil {
		s.sendError(protocol.CodeMalformedFrame, err.Error())
		return true
	}
	monitoring.FramesReceived.WithLabelValues(f.Type.String()).Inc()

	if err := s.validator.Validate(f); err != nil {
		ve, ok := err.(*protocol.ValidationError)
		if !ok {
			s.sendError(protocol.CodeMalformedFrame, err.Error())
			return true
		}
		s.sendError(ve.Code, ve.Message)
		return true
	}

	// PING/PONG keep the link alive and are never rate-limited.
	if f.Type != protocol.FramePing && f.Type != protocol.FramePong {
		if !s.limiter.TryAcquire(s.clientCtx.ClientID()) {
			monitoring.RateLimitedFrames.Inc()
			s.sendError(protocol.CodeRateLimited, "message rate limit exceeded")
			return true
		}
	}

	return s.dispatch(f)
}

// sendLoop drains the outbound buffer onto the socket until the buffer is
// closed, then flushes what is already queued.
func (s *Session) sendLoop() {
	defer monitoring.RecoverPanic(s.logger, "session.sendLoop", map[string]any{"session_id": s.id})
	defer close(s.sendDone)

	for frame := range s.buffer.Dequeue() {
		if err := s.transport.WriteFrame(frame); err != nil {
			s.logger.Debug().Err(err).Msg("Transport write failed")
			s.beginDrain(CloseNormal, "transport write failed")
			return
		}
	}
}

// sendFrame encodes and enqueues one outbound frame. Drop-oldest means the
// enqueue itself cannot fail on an open buffer; a false return means the
// session is already draining.
func (s *Session) sendFrame(f *protocol.Frame) bool {
	data, err := protocol.Encode(f)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode outbound frame")
		return false
	}
	if s.buffer == nil {
		// Pre-auth: no buffer or send loop yet, write synchronously.
		return s.transport.WriteFrame(data) == nil
	}
	ok, _ := s.buffer.Enqueue(data)
	if ok {
		monitoring.FramesSent.WithLabelValues(f.Type.String()).Inc()
	}
	return ok
}

func (s *Session) sendError(code, msg string) {
	monitoring.FrameErrors.WithLabelValues(code).Inc()
	s.sendFrame(protocol.NewError(code, msg))
}

// writeDirect bypasses the buffer for pre-auth replies, where the send loop
// is not running yet.
func (s *Session) writeDirect(f *protocol.Frame) {
	if data, err := protocol.Encode(f); err == nil {
		s.transport.WriteFrame(data)
	}
}

// beginDrain records the closure reason once and cancels both loops. The
// actual resource release happens in teardown when Run unwinds.
func (s *Session) beginDrain(code int, why string) {
	s.drainOnce.Do(func() {
		s.closeCode = code
		s.closeWhy = why
		s.setState(StateDraining)
		s.cancel()
		// Unblock a receive loop parked on the socket.
		s.transport.SetReadDeadline(time.Now())
	})
}

// teardown releases everything the session owns, exactly once: every
// subscription with its dedicated consumer, the outbound buffer (flushed
// within the drain window), the registry entry, and the transport.
func (s *Session) teardown() {
	s.beginDrain(CloseNormal, "session ended")

	s.mu.Lock()
	subIDs := make([]string, 0, len(s.subs))
	for _, id := range s.subs {
		subIDs = append(subIDs, id)
	}
	s.subs = make(map[string]string)
	s.mu.Unlock()

	for _, id := range subIDs {
		if err := s.bus.Unsubscribe(id, true); err != nil {
			s.logger.Warn().Err(err).Str("subscription_id", id).Msg("Unsubscribe during teardown failed")
		}
	}

	if s.buffer != nil {
		s.buffer.Close()
		select {
		case <-s.sendDone:
		case <-time.After(s.cfg.DrainWindow):
			s.logger.Warn().Msg("Send loop did not drain within the window")
		}
	}

	if s.clientCtx != nil {
		s.registry.Remove(s.clientCtx.ClientID(), s)
		s.limiter.Reset(s.clientCtx.ClientID())
	}

	s.transport.Close(s.closeCode, s.closeWhy)
	s.setState(StateClosed)
	s.logger.Info().Str("reason", s.closeWhy).Int("code", s.closeCode).Msg("Session closed")
}
