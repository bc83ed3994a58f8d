package bus

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/plantlink/plantlink/internal/monitoring"
)

// PublishOptions modify a single publish.
type PublishOptions struct {
	Headers map[string]string
	// DedupID suppresses duplicate storage inside the bus's dedup window.
	DedupID string
	// Retry overrides the configured policy for this publish.
	Retry *RetryPolicy
}

// PublishResult reports the outcome of a publish, including how many
// retries the transient-error path consumed.
type PublishResult struct {
	Success   bool
	Stream    string
	Sequence  uint64
	Duplicate bool
	Retries   int
	Err       error
}

// Publish stores one message on the bus. Transient errors (no responders,
// server timeout) are retried per policy with exponential backoff and
// optional jitter; permanent errors return immediately. On exhausted
// retries the result carries the last transient error.
func (a *Adapter) Publish(ctx context.Context, subj string, data []byte, opts PublishOptions) (*PublishResult, error) {
	retry := a.retry
	if opts.Retry != nil {
		retry = *opts.Retry
	}

	msg := &nats.Msg{Subject: subj, Data: data}
	if len(opts.Headers) > 0 {
		msg.Header = nats.Header{}
		for k, v := range opts.Headers {
			msg.Header.Set(k, v)
		}
	}

	pubOpts := []nats.PubOpt{nats.Context(ctx)}
	if opts.DedupID != "" {
		pubOpts = append(pubOpts, nats.MsgId(opts.DedupID))
	}

	result := &PublishResult{}
	for attempt := 0; ; attempt++ {
		ack, err := a.js.PublishMsg(msg, pubOpts...)
		if err == nil {
			result.Success = true
			result.Stream = ack.Stream
			result.Sequence = ack.Sequence
			result.Duplicate = ack.Duplicate
			if ack.Duplicate {
				monitoring.BusPublishes.WithLabelValues("duplicate").Inc()
			} else {
				monitoring.BusPublishes.WithLabelValues("ok").Inc()
			}
			return result, nil
		}

		if !transientPublishError(err) {
			monitoring.BusPublishes.WithLabelValues("permanent_failure").Inc()
			result.Err = err
			return result, err
		}
		if attempt >= retry.MaxRetries {
			monitoring.BusPublishes.WithLabelValues("transient_failure").Inc()
			result.Err = err
			a.logger.Warn().Err(err).Str("subject", subj).Int("retries", result.Retries).
				Msg("Publish failed after retries")
			return result, err
		}

		result.Retries++
		monitoring.BusPublishRetries.Inc()

		delay := retry.Delay(attempt + 1)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.Err = ctx.Err()
			return result, ctx.Err()
		case <-timer.C:
		}
	}
}

// IsTransient reports whether a publish failure was transient (retried and
// exhausted) rather than permanent. Sessions use it to pick the error kind
// surfaced to the device.
func IsTransient(err error) bool {
	return transientPublishError(err)
}

// transientPublishError reports whether the publish failure is worth a
// retry: the stream had no responders or the request timed out. Everything
// else (bad subject, oversized message, closed connection misuse) is
// permanent from the adapter's point of view.
func transientPublishError(err error) bool {
	return errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrNoResponders) ||
		errors.Is(err, nats.ErrNoStreamResponse) ||
		errors.Is(err, context.DeadlineExceeded)
}
