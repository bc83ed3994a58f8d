package bus

import (
	"time"

	"github.com/nats-io/nats.go"

	"github.com/plantlink/plantlink/internal/monitoring"
)

// Message is one delivery from a durable consumer. The acknowledgement
// family drives redelivery: Ack is final success, Nak requests redelivery
// after an optional delay, InProgress extends the ack deadline, Terminate is
// final failure that must never be redelivered.
type Message struct {
	Subject       string
	Data          []byte
	Header        map[string]string
	StreamSeq     uint64
	ConsumerSeq   uint64
	Timestamp     time.Time
	DeliveryCount int
	Stream        string
	Consumer      string

	ack        func() error
	nak        func(delay time.Duration) error
	inProgress func() error
	term       func() error
}

func newMessage(raw *nats.Msg) (*Message, error) {
	meta, err := raw.Metadata()
	if err != nil {
		return nil, err
	}

	var headers map[string]string
	if len(raw.Header) > 0 {
		headers = make(map[string]string, len(raw.Header))
		for k := range raw.Header {
			headers[k] = raw.Header.Get(k)
		}
	}

	return &Message{
		Subject:       raw.Subject,
		Data:          raw.Data,
		Header:        headers,
		StreamSeq:     meta.Sequence.Stream,
		ConsumerSeq:   meta.Sequence.Consumer,
		Timestamp:     meta.Timestamp,
		DeliveryCount: int(meta.NumDelivered),
		Stream:        meta.Stream,
		Consumer:      meta.Consumer,
		ack:           func() error { return raw.Ack() },
		nak: func(delay time.Duration) error {
			if delay > 0 {
				return raw.NakWithDelay(delay)
			}
			return raw.Nak()
		},
		inProgress: func() error { return raw.InProgress() },
		term:       func() error { return raw.Term() },
	}, nil
}

// NewLocalMessage builds a Message with no-op acknowledgements. Used by
// tests and by in-process fanout where the group loop owns the real ack.
func NewLocalMessage(subject string, data []byte, streamSeq uint64, ts time.Time) *Message {
	noop := func() error { return nil }
	return &Message{
		Subject:    subject,
		Data:       data,
		StreamSeq:  streamSeq,
		Timestamp:  ts,
		ack:        noop,
		nak:        func(time.Duration) error { return nil },
		inProgress: noop,
		term:       noop,
	}
}

// Ack marks the delivery as processed.
func (m *Message) Ack() error {
	monitoring.BusAcks.WithLabelValues("ack").Inc()
	return m.ack()
}

// Nak asks the bus to redeliver, after delay when positive.
func (m *Message) Nak(delay time.Duration) error {
	monitoring.BusAcks.WithLabelValues("nak").Inc()
	return m.nak(delay)
}

// InProgress extends the ack deadline for slow handlers.
func (m *Message) InProgress() error {
	monitoring.BusAcks.WithLabelValues("in_progress").Inc()
	return m.inProgress()
}

// Terminate rejects the delivery permanently; the bus stops redelivering.
func (m *Message) Terminate() error {
	monitoring.BusAcks.WithLabelValues("term").Inc()
	return m.term()
}
