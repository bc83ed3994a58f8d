package bus

import (
	"errors"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/plantlink/plantlink/internal/monitoring"
)

// CreateConsumer provisions a durable consumer on its stream. Fails when a
// consumer with the same name already exists with a different configuration.
func (a *Adapter) CreateConsumer(cc ConsumerConfig) (*nats.ConsumerInfo, error) {
	want, err := cc.natsConfig()
	if err != nil {
		return nil, err
	}
	info, err := a.js.AddConsumer(cc.Stream, want)
	if err != nil {
		return nil, err
	}
	a.logger.Info().
		Str("stream", cc.Stream).
		Str("consumer", cc.Name).
		Str("filter", cc.FilterSubject).
		Msg("Consumer created")
	return info, nil
}

// GetOrCreateConsumer reuses an existing durable consumer by name, creating
// it when absent. The existing consumer's configuration wins; drift between
// declared and live config is logged, not corrected.
func (a *Adapter) GetOrCreateConsumer(cc ConsumerConfig) (*nats.ConsumerInfo, error) {
	info, err := a.js.ConsumerInfo(cc.Stream, cc.Name)
	if err == nil {
		if cc.FilterSubject != "" && info.Config.FilterSubject != cc.FilterSubject {
			a.logger.Warn().
				Str("consumer", cc.Name).
				Str("configured", cc.FilterSubject).
				Str("existing", info.Config.FilterSubject).
				Msg("Consumer exists with different filter, reusing as-is")
		}
		return info, nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return nil, err
	}
	return a.CreateConsumer(cc)
}

// consumerExists reports whether the durable consumer is already present.
func (a *Adapter) consumerExists(stream, name string) (bool, error) {
	_, err := a.js.ConsumerInfo(stream, name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, nats.ErrConsumerNotFound) {
		return false, nil
	}
	return false, err
}

// DeleteConsumer removes the durable consumer, dropping its cursor. Returns
// false without error when it did not exist.
func (a *Adapter) DeleteConsumer(stream, name string) (bool, error) {
	a.mu.Lock()
	key := stream + "/" + name
	if ps, ok := a.pullSubs[key]; ok {
		delete(a.pullSubs, key)
		_ = ps.Unsubscribe()
	}
	a.mu.Unlock()

	err := a.js.DeleteConsumer(stream, name)
	if errors.Is(err, nats.ErrConsumerNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Fetch pulls up to batch messages from the durable consumer, waiting at most
// timeout for the first one. An empty batch on timeout is a normal outcome,
// not an error. The pull subscription is cached per (stream, consumer) so
// repeated fetches reuse one inbox.
func (a *Adapter) Fetch(stream, consumer string, batch int, timeout time.Duration) ([]*Message, error) {
	if batch <= 0 {
		batch = a.defaults.DefaultBatchSize
	}
	if timeout <= 0 {
		timeout = a.defaults.FetchTimeout
	}

	sub, err := a.pullSubscription(stream, consumer)
	if err != nil {
		return nil, err
	}

	raw, err := sub.Fetch(batch, nats.MaxWait(timeout))
	if err != nil {
		if fetchEmpty(err) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]*Message, 0, len(raw))
	for _, rm := range raw {
		m, err := newMessage(rm)
		if err != nil {
			a.logger.Warn().Err(err).Str("subject", rm.Subject).Msg("Skipping message without delivery metadata")
			continue
		}
		out = append(out, m)
	}
	monitoring.BusMessagesFetched.WithLabelValues(stream).Add(float64(len(out)))
	return out, nil
}

// fetchEmpty reports whether a pull Fetch error only means the wait elapsed
// with nothing pending; the classic pull API surfaces that as ErrTimeout.
func fetchEmpty(err error) bool {
	return errors.Is(err, nats.ErrTimeout)
}

func (a *Adapter) pullSubscription(stream, consumer string) (*nats.Subscription, error) {
	key := stream + "/" + consumer

	a.mu.RLock()
	sub, ok := a.pullSubs[key]
	a.mu.RUnlock()
	if ok && sub.IsValid() {
		return sub, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if sub, ok := a.pullSubs[key]; ok && sub.IsValid() {
		return sub, nil
	}
	sub, err := a.js.PullSubscribe("", "", nats.Bind(stream, consumer))
	if err != nil {
		return nil, err
	}
	a.pullSubs[key] = sub
	return sub, nil
}
