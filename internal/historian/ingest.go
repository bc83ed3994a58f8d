package historian

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/plantlink/plantlink/internal/audit"
	"github.com/plantlink/plantlink/internal/bus"
)

// DataType selects the normalizer path for one configured consumer.
type DataType string

const (
	DataTelemetry DataType = "telemetry"
	DataEvent     DataType = "event"
	DataAlert     DataType = "alert"
	DataQuality   DataType = "quality_inspection"
)

// ConsumerSpec is one configured historian consumer.
type ConsumerSpec struct {
	Name          string   `yaml:"name"`
	Stream        string   `yaml:"stream"`
	FilterSubject string   `yaml:"filter_subject"`
	DataType      DataType `yaml:"data_type"`
	Enabled       bool     `yaml:"enabled"`
}

// Ingestor wires the configured bus consumers through the normalizer into
// the writer, with each flushed batch recorded on the audit chain.
type Ingestor struct {
	adapter    *bus.Adapter
	normalizer *Normalizer
	writer     *Writer
	chain      *audit.Chain
	logger     zerolog.Logger

	consumers []ConsumerSpec
	subs      []*bus.Subscription
	cancel    context.CancelFunc
}

// NewIngestor builds the ingestion pipeline. chain may be nil when audit
// logging is disabled.
func NewIngestor(adapter *bus.Adapter, store Store, chain *audit.Chain, consumers []ConsumerSpec, wcfg WriterConfig, logger zerolog.Logger) *Ingestor {
	ing := &Ingestor{
		adapter:    adapter,
		normalizer: NewNormalizer(logger),
		chain:      chain,
		logger:     logger.With().Str("component", "ingestor").Logger(),
		consumers:  consumers,
	}
	ing.writer = NewWriter(store, wcfg, ing.auditFlush, logger)
	return ing
}

// auditFlush records each successful batch on the chain. Append failures
// are logged, not fatal to ingestion: the rows are already persisted and
// the gap itself is evidence in the chain's sequence.
func (i *Ingestor) auditFlush(family Family, count int) {
	if i.chain == nil {
		return
	}
	_, err := i.chain.Append(context.Background(), audit.Record{
		Action:       audit.ActionIngest,
		ResourceType: string(family),
		DeviceID:     "historian",
		NewValue:     map[string]int{"records": count},
	})
	if err != nil {
		i.logger.Error().Err(err).Str("family", string(family)).Msg("Audit append for flushed batch failed")
	}
}

// Start provisions the configured consumers and launches one fetch loop per
// enabled consumer plus the three writer loops.
func (i *Ingestor) Start(ctx context.Context) error {
	ctx, i.cancel = context.WithCancel(ctx)
	i.writer.Start(ctx)

	for _, spec := range i.consumers {
		if !spec.Enabled {
			i.logger.Info().Str("consumer", spec.Name).Msg("Consumer disabled, skipping")
			continue
		}
		handler, err := i.handlerFor(ctx, spec.DataType)
		if err != nil {
			return fmt.Errorf("consumer %s: %w", spec.Name, err)
		}
		if _, err := i.adapter.GetOrCreateConsumer(bus.ConsumerConfig{
			Name:          spec.Name,
			Stream:        spec.Stream,
			FilterSubject: spec.FilterSubject,
		}); err != nil {
			return fmt.Errorf("provision consumer %s: %w", spec.Name, err)
		}
		sub, err := i.adapter.Subscribe(spec.Stream, spec.Name, handler)
		if err != nil {
			return fmt.Errorf("subscribe consumer %s: %w", spec.Name, err)
		}
		i.subs = append(i.subs, sub)
		i.logger.Info().
			Str("consumer", spec.Name).
			Str("stream", spec.Stream).
			Str("filter", spec.FilterSubject).
			Str("data_type", string(spec.DataType)).
			Msg("Ingestion consumer started")
	}
	return nil
}

// handlerFor returns the per-message pipeline for one data type. A handler
// error leaves the message unacknowledged for redelivery; decode failures
// are terminal for that message and must not wedge the consumer, so they
// acknowledge by returning nil after counting the failure.
func (i *Ingestor) handlerFor(ctx context.Context, dt DataType) (bus.Handler, error) {
	switch dt {
	case DataTelemetry:
		return func(m *bus.Message) error {
			recs, err := i.normalizer.NormalizeTelemetry(m)
			if err != nil {
				i.logger.Warn().Err(err).Str("subject", m.Subject).Msg("Dropping undecodable telemetry")
				return nil
			}
			for _, r := range recs {
				if err := i.writer.EnqueueTelemetry(ctx, r); err != nil {
					return err
				}
			}
			return nil
		}, nil
	case DataEvent, DataAlert:
		return func(m *bus.Message) error {
			rec, err := i.normalizer.NormalizeEvent(m)
			if err != nil {
				i.logger.Warn().Err(err).Str("subject", m.Subject).Msg("Dropping undecodable event")
				return nil
			}
			return i.writer.EnqueueEvent(ctx, *rec)
		}, nil
	case DataQuality:
		return func(m *bus.Message) error {
			rec, err := i.normalizer.NormalizeQuality(m)
			if err != nil {
				i.logger.Warn().Err(err).Str("subject", m.Subject).Msg("Dropping undecodable inspection")
				return nil
			}
			return i.writer.EnqueueQuality(ctx, *rec)
		}, nil
	default:
		return nil, fmt.Errorf("unknown data type %q", dt)
	}
}

// Stop tears down the fetch loops, then waits for the writers to flush.
func (i *Ingestor) Stop() {
	for _, sub := range i.subs {
		if err := i.adapter.Unsubscribe(sub.ID, false); err != nil {
			i.logger.Warn().Err(err).Str("subscription_id", sub.ID).Msg("Unsubscribe failed")
		}
	}
	if i.cancel != nil {
		i.cancel()
	}
	i.writer.Wait()
}
