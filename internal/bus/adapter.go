// Package bus is the typed facade over the durable publish/subscribe log.
// It owns stream and consumer provisioning, publishing with deduplication
// and retry, batched fetching, replayed subscriptions, and the
// acknowledgement family.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/plantlink/plantlink/internal/monitoring"
	"github.com/plantlink/plantlink/internal/subject"
)

// ErrNoStreamForSubject is returned when no configured or adopted stream
// captures the requested subject.
var ErrNoStreamForSubject = errors.New("no stream for subject")

type adoptedStream struct {
	name     string
	subjects []string
}

// Adapter is the durable bus facade. One Adapter is shared by every session
// and by the historian consumers; the underlying connection is thread-safe.
type Adapter struct {
	cfg    Config
	logger zerolog.Logger

	nc *nats.Conn
	js nats.JetStreamContext

	mu       sync.RWMutex
	subs     map[string]*Subscription
	shared   map[string]*sharedGroup
	pullSubs map[string]*nats.Subscription
	adopted  []adoptedStream

	defaults ConsumerDefaults
	retry    RetryPolicy
}

// New builds an Adapter; call Initialize before use.
func New(cfg Config, logger zerolog.Logger) *Adapter {
	retry := cfg.Topology.PublishRetry
	if retry.InitialDelay == 0 && retry.MaxRetries == 0 {
		retry = DefaultRetryPolicy()
	}
	return &Adapter{
		cfg:      cfg,
		logger:   logger.With().Str("component", "bus").Logger(),
		subs:     make(map[string]*Subscription),
		shared:   make(map[string]*sharedGroup),
		pullSubs: make(map[string]*nats.Subscription),
		defaults: cfg.Topology.DefaultConsumer.withFallbacks(),
		retry:    retry,
	}
}

// Initialize connects to the bus and provisions the configured streams and
// consumers. Idempotent: existing streams are adopted, existing consumers
// reused.
func (a *Adapter) Initialize(ctx context.Context) error {
	if err := a.connect(); err != nil {
		return err
	}

	for _, sc := range a.cfg.Topology.Streams {
		if _, err := a.EnsureStream(sc); err != nil {
			return fmt.Errorf("ensure stream %s: %w", sc.Name, err)
		}
	}
	for _, cc := range a.cfg.Topology.Consumers {
		if _, err := a.GetOrCreateConsumer(cc); err != nil {
			return fmt.Errorf("ensure consumer %s on %s: %w", cc.Name, cc.Stream, err)
		}
	}

	a.adoptExistingStreams()
	a.logger.Info().
		Int("streams", len(a.cfg.Topology.Streams)).
		Int("consumers", len(a.cfg.Topology.Consumers)).
		Msg("Bus adapter initialized")
	return nil
}

func (a *Adapter) connect() error {
	opts := []nats.Option{
		nats.Name(a.cfg.ClientName),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(a.cfg.MaxReconnects),
		nats.ReconnectWait(a.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			monitoring.BusConnected.Set(0)
			if err != nil {
				a.logger.Warn().Err(err).Msg("Bus disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			monitoring.BusConnected.Set(1)
			monitoring.BusReconnects.Inc()
			a.logger.Info().Str("url", nc.ConnectedUrl()).Msg("Bus reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			a.logger.Warn().Err(err).Msg("Bus async error")
		}),
	}
	if a.cfg.MaxReconnects == 0 {
		opts = append(opts, nats.MaxReconnects(-1))
	}
	if a.cfg.ReconnectWait == 0 {
		opts = append(opts, nats.ReconnectWait(2*time.Second))
	}

	nc, err := nats.Connect(a.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("connect to bus at %s: %w", a.cfg.URL, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return fmt.Errorf("open stream context: %w", err)
	}

	a.nc = nc
	a.js = js
	monitoring.BusConnected.Set(1)
	a.logger.Info().Str("url", a.cfg.URL).Msg("Bus connected")
	return nil
}

func (a *Adapter) adoptExistingStreams() {
	var adopted []adoptedStream
	for info := range a.js.Streams() {
		if info == nil {
			continue
		}
		adopted = append(adopted, adoptedStream{
			name:     info.Config.Name,
			subjects: info.Config.Subjects,
		})
	}
	a.mu.Lock()
	a.adopted = adopted
	a.mu.Unlock()
}

// Ready reports whether the bus connection is up.
func (a *Adapter) Ready() bool {
	return a.nc != nil && a.nc.IsConnected()
}

// Close stops all subscription loops and drains the connection, flushing
// in-flight publishes before the socket goes away.
func (a *Adapter) Close() {
	a.mu.Lock()
	subs := make([]*Subscription, 0, len(a.subs))
	for _, s := range a.subs {
		subs = append(subs, s)
	}
	a.mu.Unlock()

	for _, s := range subs {
		_ = a.Unsubscribe(s.ID, false)
	}
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.nc.Close()
		}
	}
	monitoring.BusConnected.Set(0)
}

// EnsureStream creates the stream or adopts an existing one. A stream that
// exists under the same name with a different subject set is used as-is
// after a warning; redefinition is a configuration concern, not a failure.
func (a *Adapter) EnsureStream(sc StreamConfig) (*nats.StreamInfo, error) {
	want, err := sc.natsConfig()
	if err != nil {
		return nil, err
	}

	info, err := a.js.StreamInfo(sc.Name)
	if err == nil {
		if !equalSubjects(info.Config.Subjects, sc.Subjects) {
			a.logger.Warn().
				Str("stream", sc.Name).
				Strs("configured", sc.Subjects).
				Strs("existing", info.Config.Subjects).
				Msg("Stream exists with different subjects, adopting as-is")
		}
		return info, nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return nil, err
	}

	info, err = a.js.AddStream(want)
	if err != nil {
		return nil, err
	}
	a.logger.Info().Str("stream", sc.Name).Strs("subjects", sc.Subjects).Msg("Stream created")
	return info, nil
}

// DeleteStream removes the stream. Returns false without error when it did
// not exist.
func (a *Adapter) DeleteStream(name string) (bool, error) {
	err := a.js.DeleteStream(name)
	if errors.Is(err, nats.ErrStreamNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// purgeResponse is the stream purge reply from the bus management API.
type purgeResponse struct {
	Error *struct {
		Code        int    `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
	Success bool   `json:"success"`
	Purged  uint64 `json:"purged"`
}

// PurgeStream removes stored messages, optionally only those matching the
// filter subject, and returns how many were purged. The filtered form goes
// through the raw management API because the typed client only exposes
// whole-stream purges.
func (a *Adapter) PurgeStream(ctx context.Context, name, filter string) (uint64, error) {
	req := struct {
		Filter string `json:"filter,omitempty"`
	}{Filter: filter}
	body, err := json.Marshal(req)
	if err != nil {
		return 0, err
	}

	msg, err := a.nc.RequestWithContext(ctx, "$JS.API.STREAM.PURGE."+name, body)
	if err != nil {
		return 0, fmt.Errorf("purge stream %s: %w", name, err)
	}

	var resp purgeResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return 0, fmt.Errorf("purge stream %s: decode response: %w", name, err)
	}
	if resp.Error != nil {
		return 0, fmt.Errorf("purge stream %s: %s", name, resp.Error.Description)
	}
	return resp.Purged, nil
}

// ResolveStream returns the first stream whose subject set captures s.
// Configured streams are consulted in declaration order, then streams
// adopted from the bus at Initialize.
func (a *Adapter) ResolveStream(s string) (string, bool) {
	for _, sc := range a.cfg.Topology.Streams {
		if subject.Allowed(sc.Subjects, s) {
			return sc.Name, true
		}
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, ad := range a.adopted {
		if subject.Allowed(ad.subjects, s) {
			return ad.name, true
		}
	}
	return "", false
}

// StreamNames lists configured plus adopted stream names for the admin
// surface.
func (a *Adapter) StreamNames() []string {
	seen := map[string]bool{}
	var out []string
	for _, sc := range a.cfg.Topology.Streams {
		if !seen[sc.Name] {
			seen[sc.Name] = true
			out = append(out, sc.Name)
		}
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, ad := range a.adopted {
		if !seen[ad.name] {
			seen[ad.name] = true
			out = append(out, ad.name)
		}
	}
	return out
}

// StreamInfo fetches live stream state for the admin surface.
func (a *Adapter) StreamInfo(name string) (*nats.StreamInfo, error) {
	return a.js.StreamInfo(name)
}

func equalSubjects(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if !set[s] {
			return false
		}
	}
	return true
}
