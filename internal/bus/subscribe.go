package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Handler processes one delivery. A nil return acknowledges the message; an
// error triggers a negative acknowledgement with the configured delay, so
// the bus redelivers.
type Handler func(*Message) error

// Replay modes select where a new subscription starts reading the stream.
const (
	ReplayAll            = "all"
	ReplayNew            = "new"
	ReplayLast           = "last"
	ReplayLastPerSubject = "last_per_subject"
	ReplayFromSequence   = "from_sequence"
	ReplayFromTime       = "from_time"
	// ReplayResume reuses a deterministic durable cursor so a reconnecting
	// client continues from its last acknowledged message.
	ReplayResume = "resume_from_last_ack"
)

// ReplayOptions position a new subscription within the stream's history.
type ReplayOptions struct {
	Mode     string
	Sequence uint64
	Time     time.Time
}

func (r ReplayOptions) deliverPolicy() (string, error) {
	switch r.Mode {
	case "", ReplayNew:
		return "new", nil
	case ReplayAll, ReplayResume:
		return "all", nil
	case ReplayLast:
		return "last", nil
	case ReplayLastPerSubject:
		return "last_per_subject", nil
	case ReplayFromSequence:
		if r.Sequence == 0 {
			return "", errors.New("replay from_sequence requires a sequence")
		}
		return "by_sequence", nil
	case ReplayFromTime:
		if r.Time.IsZero() {
			return "", errors.New("replay from_time requires a timestamp")
		}
		return "by_time", nil
	default:
		return "", fmt.Errorf("unknown replay mode %q", r.Mode)
	}
}

// Subscription is one live fetch loop bound to a durable consumer.
type Subscription struct {
	ID             string
	StreamName     string
	ConsumerName   string
	SubjectPattern string
	ClientID       string

	// dedicated consumers are deleted on Unsubscribe(id, true); shared
	// ones survive for the remaining members of their fanout group.
	dedicated bool
	shared    *sharedGroup

	active atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
}

// Active reports whether the fetch loop is still running.
func (s *Subscription) Active() bool { return s.active.Load() }

// Subscribe starts a background loop that fetches from the named durable
// consumer and hands each message to handler. Acknowledgement is owned by
// the loop: ack on nil, nak with the configured delay on error.
func (a *Adapter) Subscribe(stream, consumer string, handler Handler) (*Subscription, error) {
	if ok, err := a.consumerExists(stream, consumer); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("consumer %s not found on stream %s", consumer, stream)
	}
	return a.startLoop(stream, consumer, "", "", false, handler), nil
}

// SubscribeWithReplay creates a dedicated consumer positioned by the replay
// options and starts a fetch loop on it. namePrefix scopes the durable name,
// typically to the owning client.
func (a *Adapter) SubscribeWithReplay(stream, subj, namePrefix string, replay ReplayOptions, handler Handler, clientID string) (*Subscription, error) {
	deliver, err := replay.deliverPolicy()
	if err != nil {
		return nil, err
	}

	name := sanitizeName(namePrefix) + "-" + sanitizeName(subj)
	if replay.Mode == ReplayResume {
		// Deterministic name: the durable cursor carries the resume point
		// across reconnects. Bind when it already exists.
		exists, err := a.consumerExists(stream, name)
		if err != nil {
			return nil, err
		}
		if !exists {
			if _, err := a.CreateConsumer(a.replayConsumer(name, stream, subj, deliver, replay)); err != nil {
				return nil, err
			}
		}
	} else {
		// Fresh cursor per subscription so replays do not interfere.
		name = name + "-" + uuid.NewString()[:8]
		if _, err := a.CreateConsumer(a.replayConsumer(name, stream, subj, deliver, replay)); err != nil {
			return nil, err
		}
	}

	return a.startLoop(stream, name, subj, clientID, true, handler), nil
}

func (a *Adapter) replayConsumer(name, stream, subj, deliver string, replay ReplayOptions) ConsumerConfig {
	cc := ConsumerConfig{
		Name:          name,
		Stream:        stream,
		FilterSubject: subj,
		DeliverPolicy: deliver,
		StartSequence: replay.Sequence,
	}
	if !replay.Time.IsZero() {
		t := replay.Time
		cc.StartTime = &t
	}
	return cc
}

// SubscribeDevice routes a device subscription to the stream capturing subj.
// Without replay options the subscription joins a shared fanout consumer for
// (stream, subject), so many observers ride one cursor; any replay option
// forces a dedicated consumer because the cursor position is per-caller.
func (a *Adapter) SubscribeDevice(deviceID, subj string, handler Handler, replay *ReplayOptions) (*Subscription, error) {
	stream, ok := a.ResolveStream(subj)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoStreamForSubject, subj)
	}

	if replay != nil {
		return a.SubscribeWithReplay(stream, subj, deviceID, *replay, handler, deviceID)
	}
	return a.joinSharedGroup(stream, subj, deviceID, handler)
}

// Unsubscribe stops the fetch loop and optionally deletes the underlying
// consumer. Idempotent: unknown or already-stopped IDs succeed with no
// effect. Shared-group members never delete the group consumer; the group
// itself is torn down when its last member leaves.
func (a *Adapter) Unsubscribe(id string, deleteConsumer bool) error {
	a.mu.Lock()
	sub, ok := a.subs[id]
	if ok {
		delete(a.subs, id)
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}

	if sub.shared != nil {
		a.leaveSharedGroup(sub)
		return nil
	}

	sub.active.Store(false)
	sub.cancel()
	<-sub.done

	if deleteConsumer && sub.dedicated {
		if _, err := a.DeleteConsumer(sub.StreamName, sub.ConsumerName); err != nil {
			a.logger.Warn().Err(err).
				Str("stream", sub.StreamName).
				Str("consumer", sub.ConsumerName).
				Msg("Failed to delete consumer on unsubscribe")
			return err
		}
	}
	return nil
}

// startLoop registers the subscription and spawns its fetch loop.
func (a *Adapter) startLoop(stream, consumer, subj, clientID string, dedicated bool, handler Handler) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		ID:             uuid.NewString(),
		StreamName:     stream,
		ConsumerName:   consumer,
		SubjectPattern: subj,
		ClientID:       clientID,
		dedicated:      dedicated,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	sub.active.Store(true)

	a.mu.Lock()
	a.subs[sub.ID] = sub
	a.mu.Unlock()

	go a.fetchLoop(ctx, sub, handler)
	return sub
}

func (a *Adapter) fetchLoop(ctx context.Context, sub *Subscription, handler Handler) {
	defer close(sub.done)
	log := a.logger.With().
		Str("stream", sub.StreamName).
		Str("consumer", sub.ConsumerName).
		Logger()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := a.Fetch(sub.StreamName, sub.ConsumerName, a.defaults.DefaultBatchSize, a.defaults.FetchTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("Fetch failed, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(a.defaults.NakDelay):
			}
			continue
		}

		for _, m := range msgs {
			if ctx.Err() != nil {
				// Loop is draining; leave the rest unacknowledged so the
				// bus redelivers them to the next cursor holder.
				return
			}
			if err := handler(m); err != nil {
				log.Debug().Err(err).Str("subject", m.Subject).Uint64("seq", m.StreamSeq).Msg("Handler failed, requesting redelivery")
				_ = m.Nak(a.defaults.NakDelay)
				continue
			}
			_ = m.Ack()
		}
	}
}

// sharedGroup is one consumer fanned out to several observers. The group
// loop owns the real acknowledgement: every member handler runs against a
// local copy, and the message is acked only when all of them succeed. One
// failing member naks for the entire group, so members that already handled
// the message see it again on redelivery; attaching to a shared group means
// at-least-once delivery, not exactly-once.
type sharedGroup struct {
	key      string
	stream   string
	subject  string
	consumer string

	mu       sync.Mutex
	handlers map[string]Handler

	cancel context.CancelFunc
	done   chan struct{}
}

func (a *Adapter) joinSharedGroup(stream, subj, deviceID string, handler Handler) (*Subscription, error) {
	key := stream + "/" + subj

	a.mu.Lock()
	g, ok := a.shared[key]
	a.mu.Unlock()

	if !ok {
		name := "shared-" + sanitizeName(subj)
		if _, err := a.GetOrCreateConsumer(ConsumerConfig{
			Name:          name,
			Stream:        stream,
			FilterSubject: subj,
			DeliverPolicy: "new",
		}); err != nil {
			return nil, err
		}

		ctx, cancel := context.WithCancel(context.Background())
		g = &sharedGroup{
			key:      key,
			stream:   stream,
			subject:  subj,
			consumer: name,
			handlers: make(map[string]Handler),
			cancel:   cancel,
			done:     make(chan struct{}),
		}

		a.mu.Lock()
		if existing, raced := a.shared[key]; raced {
			cancel()
			g = existing
		} else {
			a.shared[key] = g
			go a.sharedLoop(ctx, g)
		}
		a.mu.Unlock()
	}

	sub := &Subscription{
		ID:             uuid.NewString(),
		StreamName:     stream,
		ConsumerName:   g.consumer,
		SubjectPattern: subj,
		ClientID:       deviceID,
		shared:         g,
	}
	sub.active.Store(true)

	g.mu.Lock()
	g.handlers[sub.ID] = handler
	g.mu.Unlock()

	a.mu.Lock()
	a.subs[sub.ID] = sub
	a.mu.Unlock()
	return sub, nil
}

func (a *Adapter) leaveSharedGroup(sub *Subscription) {
	g := sub.shared
	sub.active.Store(false)

	g.mu.Lock()
	delete(g.handlers, sub.ID)
	empty := len(g.handlers) == 0
	g.mu.Unlock()

	if !empty {
		return
	}

	a.mu.Lock()
	if cur, ok := a.shared[g.key]; ok && cur == g {
		delete(a.shared, g.key)
	}
	a.mu.Unlock()

	g.cancel()
	<-g.done
}

func (a *Adapter) sharedLoop(ctx context.Context, g *sharedGroup) {
	defer close(g.done)
	log := a.logger.With().Str("stream", g.stream).Str("consumer", g.consumer).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := a.Fetch(g.stream, g.consumer, a.defaults.DefaultBatchSize, a.defaults.FetchTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("Shared fetch failed, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(a.defaults.NakDelay):
			}
			continue
		}

		for _, m := range msgs {
			if ctx.Err() != nil {
				return
			}

			g.mu.Lock()
			handlers := make([]Handler, 0, len(g.handlers))
			for _, h := range g.handlers {
				handlers = append(handlers, h)
			}
			g.mu.Unlock()

			// One shared ack for all members: if any handler fails the
			// whole delivery is naked and every member sees it again.
			failed := false
			local := NewLocalMessage(m.Subject, m.Data, m.StreamSeq, m.Timestamp)
			local.Header = m.Header
			local.ConsumerSeq = m.ConsumerSeq
			local.DeliveryCount = m.DeliveryCount
			for _, h := range handlers {
				if err := h(local); err != nil {
					failed = true
				}
			}
			if failed {
				_ = m.Nak(a.defaults.NakDelay)
				continue
			}
			_ = m.Ack()
		}
	}
}
