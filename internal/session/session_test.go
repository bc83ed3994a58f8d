package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantlink/plantlink/internal/auth"
	"github.com/plantlink/plantlink/internal/bus"
	"github.com/plantlink/plantlink/internal/limits"
	"github.com/plantlink/plantlink/internal/protocol"
	"github.com/plantlink/plantlink/internal/registry"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "read deadline exceeded" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// fakeTransport is an in-memory Transport: tests feed frames into in and
// inspect everything the session wrote.
type fakeTransport struct {
	in   chan []byte
	dlCh chan struct{}

	mu        sync.Mutex
	out       []*protocol.Frame
	deadline  time.Time
	closed    bool
	closeCode int

	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:   make(chan []byte, 16),
		dlCh: make(chan struct{}, 1),
	}
}

func (t *fakeTransport) feed(f *protocol.Frame) {
	data, _ := protocol.Encode(f)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.in <- data
}

// ReadFrame blocks like a socket read but re-arms whenever SetReadDeadline
// moves the deadline, so a deadline set in the past wakes a parked read.
func (t *fakeTransport) ReadFrame() ([]byte, error) {
	for {
		t.mu.Lock()
		dl := t.deadline
		t.mu.Unlock()

		var timer *time.Timer
		var expired <-chan time.Time
		if !dl.IsZero() {
			d := time.Until(dl)
			if d <= 0 {
				return nil, timeoutErr{}
			}
			timer = time.NewTimer(d)
			expired = timer.C
		}
		select {
		case b, ok := <-t.in:
			if timer != nil {
				timer.Stop()
			}
			if !ok {
				return nil, io.EOF
			}
			return b, nil
		case <-expired:
			return nil, timeoutErr{}
		case <-t.dlCh:
			if timer != nil {
				timer.Stop()
			}
		}
	}
}

func (t *fakeTransport) WriteFrame(data []byte) error {
	f, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("transport closed")
	}
	t.out = append(t.out, f)
	return nil
}

func (t *fakeTransport) SetReadDeadline(deadline time.Time) error {
	t.mu.Lock()
	t.deadline = deadline
	t.mu.Unlock()
	select {
	case t.dlCh <- struct{}{}:
	default:
	}
	return nil
}

func (t *fakeTransport) Close(code int, _ string) error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.closeCode = code
		t.mu.Unlock()
		close(t.in)
	})
	return nil
}

// waitFor polls until a written frame satisfies pred or the timeout passes.
func (t *fakeTransport) waitFor(tb testing.TB, pred func(*protocol.Frame) bool) *protocol.Frame {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		t.mu.Lock()
		for _, f := range t.out {
			if pred(f) {
				t.mu.Unlock()
				return f
			}
		}
		t.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	tb.Fatal("expected frame never written")
	return nil
}

func (t *fakeTransport) errorCode(f *protocol.Frame) string {
	var p protocol.ErrorPayload
	json.Unmarshal(f.Payload, &p)
	return p.Code
}

type publishedRecord struct {
	subject string
	data    []byte
	opts    bus.PublishOptions
}

// fakeBus records publishes and captures subscription handlers.
type fakeBus struct {
	mu            sync.Mutex
	published     []publishedRecord
	handlers      map[string]bus.Handler
	unsubscribed  []string
	publishErr    error
	subscribeErr  error
	nextSubNumber int
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string]bus.Handler)}
}

func (b *fakeBus) Publish(_ context.Context, subj string, data []byte, opts bus.PublishOptions) (*bus.PublishResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return &bus.PublishResult{Err: b.publishErr}, b.publishErr
	}
	b.published = append(b.published, publishedRecord{subject: subj, data: data, opts: opts})
	return &bus.PublishResult{Success: true, Stream: "TEST", Sequence: uint64(len(b.published))}, nil
}

func (b *fakeBus) SubscribeDevice(deviceID, subj string, handler bus.Handler, _ *bus.ReplayOptions) (*bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribeErr != nil {
		return nil, b.subscribeErr
	}
	b.nextSubNumber++
	id := deviceID + "-sub-" + subj
	b.handlers[id] = handler
	return &bus.Subscription{ID: id, StreamName: "TEST", SubjectPattern: subj, ClientID: deviceID}, nil
}

func (b *fakeBus) Unsubscribe(id string, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribed = append(b.unsubscribed, id)
	delete(b.handlers, id)
	return nil
}

func (b *fakeBus) handler(id string) bus.Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handlers[id]
}

func (b *fakeBus) publishCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

type harness struct {
	sess     *Session
	ft       *fakeTransport
	fb       *fakeBus
	verifier *auth.Verifier
	reg      *registry.Registry
	lim      *limits.MessageRateLimiter
	done     chan struct{}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		ft:       newFakeTransport(),
		fb:       newFakeBus(),
		verifier: auth.NewVerifier("test-secret", "plantlink", "", 0),
		reg:      registry.New(),
		done:     make(chan struct{}),
	}
	rate := cfg.RateLimitPerSecond
	if rate <= 0 {
		rate = 1000
	}
	h.lim = limits.NewMessageRateLimiter(rate, zerolog.Nop())
	t.Cleanup(h.lim.Stop)

	h.sess = NewSession(h.ft, h.fb, h.verifier, h.lim, h.reg, cfg, zerolog.Nop())
	return h
}

func (h *harness) run(handshakeToken string) {
	go func() {
		h.sess.Run(handshakeToken)
		close(h.done)
	}()
}

func (h *harness) token(t *testing.T, clientID, role string, pub, sub []string) string {
	t.Helper()
	tok, err := h.verifier.Generate(clientID, role, pub, sub, time.Hour)
	require.NoError(t, err)
	return tok
}

func (h *harness) authenticate(t *testing.T, clientID string, pub, sub []string) {
	t.Helper()
	payload, _ := json.Marshal(protocol.AuthRequest{Token: h.token(t, clientID, "sensor", pub, sub)})
	h.ft.feed(&protocol.Frame{Type: protocol.FrameAuth, Payload: payload})

	resp := h.ft.waitFor(t, func(f *protocol.Frame) bool { return f.Type == protocol.FrameAuth })
	var ar protocol.AuthResponse
	require.NoError(t, json.Unmarshal(resp.Payload, &ar))
	require.True(t, ar.Success)
	assert.Equal(t, clientID, ar.ClientID)
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(3 * time.Second):
		t.Fatal("session did not terminate")
	}
}

func testConfig() Config {
	return Config{
		MaxMessageSize:     4096,
		RateLimitPerSecond: 1000,
		OutgoingBufferSize: 32,
		AuthTimeout:        500 * time.Millisecond,
		PingInterval:       time.Hour,
		PingTimeout:        time.Hour,
		DrainWindow:        time.Second,
	}
}

func TestAuthFrameThenPublish(t *testing.T) {
	h := newHarness(t, testConfig())
	h.run("")
	h.authenticate(t, "sensor-001", []string{"telemetry.>"}, []string{"commands.sensor-001.>"})

	h.ft.feed(&protocol.Frame{
		Type:    protocol.FramePublish,
		Subject: "telemetry.sensor-001.temp",
		Payload: json.RawMessage(`{"value":23.5}`),
	})

	require.Eventually(t, func() bool { return h.fb.publishCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	h.fb.mu.Lock()
	rec := h.fb.published[0]
	h.fb.mu.Unlock()
	assert.Equal(t, "telemetry.sensor-001.temp", rec.subject)
	assert.JSONEq(t, `{"value":23.5}`, string(rec.data))
	assert.Equal(t, "sensor-001", rec.opts.Headers[HeaderDeviceID])
	assert.NotEmpty(t, rec.opts.Headers[HeaderPublishedAt])

	h.ft.Close(CloseNormal, "test over")
	h.waitDone(t)
	assert.Equal(t, StateClosed, h.sess.State())
}

func TestHandshakeBearerSkipsAuthFrame(t *testing.T) {
	h := newHarness(t, testConfig())
	h.run(h.token(t, "sensor-002", "sensor", []string{"telemetry.>"}, nil))

	resp := h.ft.waitFor(t, func(f *protocol.Frame) bool { return f.Type == protocol.FrameAuth })
	var ar protocol.AuthResponse
	require.NoError(t, json.Unmarshal(resp.Payload, &ar))
	assert.True(t, ar.Success)
	assert.Equal(t, "sensor-002", ar.ClientID)

	h.ft.Close(CloseNormal, "test over")
	h.waitDone(t)
}

func TestUnauthorizedPublishLeavesSessionOpen(t *testing.T) {
	h := newHarness(t, testConfig())
	h.run("")
	h.authenticate(t, "sensor-001", []string{"telemetry.>"}, nil)

	h.ft.feed(&protocol.Frame{
		Type:    protocol.FramePublish,
		Subject: "admin.system.restart",
		Payload: json.RawMessage(`{}`),
	})

	errFrame := h.ft.waitFor(t, func(f *protocol.Frame) bool { return f.Type == protocol.FrameError })
	assert.Equal(t, protocol.CodeNotAuthorized, h.ft.errorCode(errFrame))
	assert.Zero(t, h.fb.publishCount(), "denied publish must not reach the bus")

	// Session is still usable afterwards.
	h.ft.feed(&protocol.Frame{
		Type:    protocol.FramePublish,
		Subject: "telemetry.sensor-001.temp",
		Payload: json.RawMessage(`{"value":1}`),
	})
	require.Eventually(t, func() bool { return h.fb.publishCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	h.ft.Close(CloseNormal, "test over")
	h.waitDone(t)
}

func TestFirstFrameMustBeAuth(t *testing.T) {
	h := newHarness(t, testConfig())
	h.run("")

	h.ft.feed(&protocol.Frame{Type: protocol.FramePublish, Subject: "telemetry.x.y"})

	errFrame := h.ft.waitFor(t, func(f *protocol.Frame) bool { return f.Type == protocol.FrameError })
	assert.Equal(t, protocol.CodeTokenRequired, h.ft.errorCode(errFrame))
	h.waitDone(t)
	assert.Equal(t, ClosePolicy, h.ft.closeCode)
}

func TestAuthTimeoutCloses(t *testing.T) {
	cfg := testConfig()
	cfg.AuthTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)
	h.run("")

	errFrame := h.ft.waitFor(t, func(f *protocol.Frame) bool { return f.Type == protocol.FrameError })
	assert.Equal(t, protocol.CodeAuthTimeout, h.ft.errorCode(errFrame))
	h.waitDone(t)
	assert.Equal(t, ClosePolicy, h.ft.closeCode)
}

func TestBadTokenCloses(t *testing.T) {
	h := newHarness(t, testConfig())
	h.run("not-a-token")

	resp := h.ft.waitFor(t, func(f *protocol.Frame) bool { return f.Type == protocol.FrameAuth })
	var ar protocol.AuthResponse
	require.NoError(t, json.Unmarshal(resp.Payload, &ar))
	assert.False(t, ar.Success)
	h.waitDone(t)
	assert.Equal(t, ClosePolicy, h.ft.closeCode)
}

func TestSubscribeDeliverUnsubscribe(t *testing.T) {
	h := newHarness(t, testConfig())
	h.run("")
	h.authenticate(t, "sensor-001", nil, []string{"commands.sensor-001.>"})

	h.ft.feed(&protocol.Frame{Type: protocol.FrameSubscribe, Subject: "commands.sensor-001.>"})
	ack := h.ft.waitFor(t, func(f *protocol.Frame) bool { return f.Type == protocol.FrameAck })
	var sa protocol.SubscriptionAck
	require.NoError(t, json.Unmarshal(ack.Payload, &sa))
	assert.Equal(t, "commands.sensor-001.>", sa.Subject)
	require.NotEmpty(t, sa.SubscriptionID)

	handler := h.fb.handler(sa.SubscriptionID)
	require.NotNil(t, handler)

	// Deliveries flow through the outbound buffer onto the socket in
	// stream-sequence order.
	for i, subj := range []string{
		"commands.sensor-001.restart",
		"commands.sensor-001.calibrate",
		"commands.sensor-001.config.update",
	} {
		m := bus.NewLocalMessage(subj, []byte(`{}`), uint64(i+1), time.Now())
		require.NoError(t, handler(m))
	}

	h.ft.waitFor(t, func(f *protocol.Frame) bool {
		return f.Type == protocol.FrameDelivered && f.Subject == "commands.sensor-001.config.update"
	})
	h.ft.mu.Lock()
	var delivered []string
	for _, f := range h.ft.out {
		if f.Type == protocol.FrameDelivered {
			delivered = append(delivered, f.Subject)
		}
	}
	h.ft.mu.Unlock()
	assert.Equal(t, []string{
		"commands.sensor-001.restart",
		"commands.sensor-001.calibrate",
		"commands.sensor-001.config.update",
	}, delivered)

	h.ft.feed(&protocol.Frame{Type: protocol.FrameUnsubscribe, Subject: "commands.sensor-001.>"})
	h.ft.waitFor(t, func(f *protocol.Frame) bool {
		return f.Type == protocol.FrameAck && f.Subject == "commands.sensor-001.>" && f != ack
	})
	h.fb.mu.Lock()
	unsubs := append([]string(nil), h.fb.unsubscribed...)
	h.fb.mu.Unlock()
	assert.Contains(t, unsubs, sa.SubscriptionID)

	h.ft.Close(CloseNormal, "test over")
	h.waitDone(t)
}

func TestSubscribeDeniedByAllowList(t *testing.T) {
	h := newHarness(t, testConfig())
	h.run("")
	h.authenticate(t, "sensor-001", nil, []string{"commands.sensor-001.>"})

	h.ft.feed(&protocol.Frame{Type: protocol.FrameSubscribe, Subject: "commands.sensor-002.>"})
	errFrame := h.ft.waitFor(t, func(f *protocol.Frame) bool { return f.Type == protocol.FrameError })
	assert.Equal(t, protocol.CodeNotAuthorized, h.ft.errorCode(errFrame))

	h.ft.Close(CloseNormal, "test over")
	h.waitDone(t)
}

func TestNoStreamForSubject(t *testing.T) {
	h := newHarness(t, testConfig())
	h.fb.subscribeErr = bus.ErrNoStreamForSubject
	h.run("")
	h.authenticate(t, "sensor-001", nil, []string{"unrouted.>"})

	h.ft.feed(&protocol.Frame{Type: protocol.FrameSubscribe, Subject: "unrouted.topic"})
	errFrame := h.ft.waitFor(t, func(f *protocol.Frame) bool { return f.Type == protocol.FrameError })
	assert.Equal(t, protocol.CodeNoStreamForSubject, h.ft.errorCode(errFrame))

	h.ft.Close(CloseNormal, "test over")
	h.waitDone(t)
}

func TestRateLimitedPublishes(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitPerSecond = 5
	h := newHarness(t, cfg)
	h.run("")
	h.authenticate(t, "sensor-001", []string{"telemetry.>"}, nil)

	for i := 0; i < 8; i++ {
		h.ft.feed(&protocol.Frame{
			Type:    protocol.FramePublish,
			Subject: "telemetry.sensor-001.temp",
			Payload: json.RawMessage(`{"value":1}`),
		})
	}

	errFrame := h.ft.waitFor(t, func(f *protocol.Frame) bool { return f.Type == protocol.FrameError })
	assert.Equal(t, protocol.CodeRateLimited, h.ft.errorCode(errFrame))
	require.Eventually(t, func() bool { return h.fb.publishCount() == 5 }, 2*time.Second, 5*time.Millisecond)

	// The session survives rate limiting.
	assert.NotEqual(t, StateClosed, h.sess.State())
	h.ft.Close(CloseNormal, "test over")
	h.waitDone(t)
}

func TestPingAnsweredWithPong(t *testing.T) {
	h := newHarness(t, testConfig())
	h.run("")
	h.authenticate(t, "sensor-001", nil, nil)

	h.ft.feed(&protocol.Frame{Type: protocol.FramePing, CorrelationID: "p-1"})
	pong := h.ft.waitFor(t, func(f *protocol.Frame) bool { return f.Type == protocol.FramePong })
	assert.Equal(t, "p-1", pong.CorrelationID)

	h.ft.Close(CloseNormal, "test over")
	h.waitDone(t)
}

func TestIdlePingThenTimeoutDrains(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = 50 * time.Millisecond
	cfg.PingTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)
	h.run("")
	h.authenticate(t, "sensor-001", nil, nil)

	h.ft.waitFor(t, func(f *protocol.Frame) bool { return f.Type == protocol.FramePing })
	h.waitDone(t)
	assert.Equal(t, CloseNormal, h.ft.closeCode)
}

func TestEvictionSendsDistinguishedError(t *testing.T) {
	reg := registry.New()

	first := newHarness(t, testConfig())
	first.reg = reg
	first.sess = NewSession(first.ft, first.fb, first.verifier, first.lim, reg, testConfig(), zerolog.Nop())
	first.run("")
	first.authenticate(t, "sensor-001", []string{"telemetry.>"}, nil)

	second := newHarness(t, testConfig())
	second.verifier = first.verifier
	second.sess = NewSession(second.ft, second.fb, first.verifier, second.lim, reg, testConfig(), zerolog.Nop())
	second.run("")
	second.authenticate(t, "sensor-001", []string{"telemetry.>"}, nil)

	errFrame := first.ft.waitFor(t, func(f *protocol.Frame) bool { return f.Type == protocol.FrameError })
	assert.Equal(t, protocol.CodeReplacedByNewerSession, first.ft.errorCode(errFrame))
	first.waitDone(t)
	assert.Equal(t, CloseNormal, first.ft.closeCode)

	// The newer session owns the registration.
	assert.Same(t, second.sess, reg.Handle("sensor-001"))

	second.ft.Close(CloseNormal, "test over")
	second.waitDone(t)
	assert.Equal(t, 0, reg.Count())
}

// A drain begun while the reader is parked must wake it: beginDrain moves
// the read deadline into the past instead of closing the socket under the
// reader, and the transport has to honor that mid-read.
func TestReadDeadlineChangeWakesParkedRead(t *testing.T) {
	ft := newFakeTransport()

	errs := make(chan error, 1)
	go func() {
		_, err := ft.ReadFrame()
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond) // let the read park
	require.NoError(t, ft.SetReadDeadline(time.Now()))

	select {
	case err := <-errs:
		te, ok := err.(interface{ Timeout() bool })
		require.True(t, ok, "expected a timeout error, got %v", err)
		assert.True(t, te.Timeout())
	case <-time.After(time.Second):
		t.Fatal("parked read not woken by deadline change")
	}
}

func TestExpiredTokenMidSessionDrains(t *testing.T) {
	// NumericDate rounds expiries to jwt.TimePrecision (a whole second by
	// default); keep milliseconds so a sub-second TTL is not born expired.
	prev := jwt.TimePrecision
	jwt.TimePrecision = time.Millisecond
	t.Cleanup(func() { jwt.TimePrecision = prev })

	h := newHarness(t, testConfig())
	// Short-lived token: valid at auth, expired by the next frame.
	tok, err := h.verifier.Generate("sensor-001", "sensor", []string{"telemetry.>"}, nil, 150*time.Millisecond)
	require.NoError(t, err)
	h.run(tok)
	h.ft.waitFor(t, func(f *protocol.Frame) bool { return f.Type == protocol.FrameAuth })

	time.Sleep(200 * time.Millisecond)
	h.ft.feed(&protocol.Frame{
		Type:    protocol.FramePublish,
		Subject: "telemetry.sensor-001.temp",
		Payload: json.RawMessage(`{"value":1}`),
	})

	errFrame := h.ft.waitFor(t, func(f *protocol.Frame) bool { return f.Type == protocol.FrameError })
	assert.Equal(t, protocol.CodeTokenExpired, h.ft.errorCode(errFrame))
	h.waitDone(t)
	assert.Equal(t, ClosePolicy, h.ft.closeCode)
}

func TestInvalidMessageTypeInSession(t *testing.T) {
	h := newHarness(t, testConfig())
	h.run("")
	h.authenticate(t, "sensor-001", nil, nil)

	h.ft.feed(&protocol.Frame{Type: protocol.FrameDelivered, Subject: "commands.x.y"})
	errFrame := h.ft.waitFor(t, func(f *protocol.Frame) bool { return f.Type == protocol.FrameError })
	assert.Equal(t, protocol.CodeInvalidMessageType, h.ft.errorCode(errFrame))

	h.ft.Close(CloseNormal, "test over")
	h.waitDone(t)
}

func TestRequestCarriesReplyToHeader(t *testing.T) {
	h := newHarness(t, testConfig())
	h.run("")
	h.authenticate(t, "sensor-001", []string{"factory.>"}, nil)

	h.ft.feed(&protocol.Frame{
		Type:          protocol.FrameRequest,
		Subject:       "factory.line-1.status",
		Payload:       json.RawMessage(`{}`),
		CorrelationID: "req-42",
	})

	require.Eventually(t, func() bool { return h.fb.publishCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	h.fb.mu.Lock()
	rec := h.fb.published[0]
	h.fb.mu.Unlock()
	assert.Equal(t, ReplySubjectPrefix+"sensor-001", rec.opts.Headers[HeaderReplyTo])
	assert.Equal(t, "req-42", rec.opts.Headers[HeaderCorrelationID])
	assert.Equal(t, "req-42", rec.opts.DedupID)

	h.ft.Close(CloseNormal, "test over")
	h.waitDone(t)
}
