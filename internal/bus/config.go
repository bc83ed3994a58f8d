package bus

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// StreamConfig declares one durable log partition. Field vocabulary follows
// the bus's own stream options so operators can translate documentation 1:1.
type StreamConfig struct {
	Name            string        `yaml:"name"`
	Subjects        []string      `yaml:"subjects"`
	Retention       string        `yaml:"retention"` // limits | interest | work_queue
	Storage         string        `yaml:"storage"`   // file | memory
	MaxAge          time.Duration `yaml:"max_age"`
	MaxMessages     int64         `yaml:"max_messages"`
	MaxBytes        int64         `yaml:"max_bytes"`
	MaxMessageSize  int32         `yaml:"max_message_size"`
	Replicas        int           `yaml:"replicas"`
	Discard         string        `yaml:"discard"` // old | new
	DenyDelete      bool          `yaml:"deny_delete"`
	DenyPurge       bool          `yaml:"deny_purge"`
	AllowDirect     bool          `yaml:"allow_direct"`
	AllowRollup     bool          `yaml:"allow_rollup"`
	Description     string        `yaml:"description"`
	DuplicateWindow time.Duration `yaml:"duplicate_window"`
}

func (c StreamConfig) natsConfig() (*nats.StreamConfig, error) {
	out := &nats.StreamConfig{
		Name:        c.Name,
		Subjects:    c.Subjects,
		MaxAge:      c.MaxAge,
		MaxMsgs:     c.MaxMessages,
		MaxBytes:    c.MaxBytes,
		MaxMsgSize:  c.MaxMessageSize,
		Replicas:    c.Replicas,
		DenyDelete:  c.DenyDelete,
		DenyPurge:   c.DenyPurge,
		AllowDirect: c.AllowDirect,
		AllowRollup: c.AllowRollup,
		Description: c.Description,
		Duplicates:  c.DuplicateWindow,
	}
	if out.Replicas == 0 {
		out.Replicas = 1
	}

	switch c.Retention {
	case "", "limits":
		out.Retention = nats.LimitsPolicy
	case "interest":
		out.Retention = nats.InterestPolicy
	case "work_queue":
		out.Retention = nats.WorkQueuePolicy
	default:
		return nil, fmt.Errorf("stream %s: unknown retention %q", c.Name, c.Retention)
	}

	switch c.Storage {
	case "", "file":
		out.Storage = nats.FileStorage
	case "memory":
		out.Storage = nats.MemoryStorage
	default:
		return nil, fmt.Errorf("stream %s: unknown storage %q", c.Name, c.Storage)
	}

	switch c.Discard {
	case "", "old":
		out.Discard = nats.DiscardOld
	case "new":
		out.Discard = nats.DiscardNew
	default:
		return nil, fmt.Errorf("stream %s: unknown discard policy %q", c.Name, c.Discard)
	}
	return out, nil
}

// ConsumerConfig declares one durable cursor on a stream.
type ConsumerConfig struct {
	Name          string        `yaml:"name"`
	Stream        string        `yaml:"stream"`
	FilterSubject string        `yaml:"filter_subject"`
	AckPolicy     string        `yaml:"ack_policy"` // none | all | explicit
	AckWait       time.Duration `yaml:"ack_wait"`
	MaxDeliver    int           `yaml:"max_deliver"`
	MaxAckPending int           `yaml:"max_ack_pending"`
	DeliverPolicy string        `yaml:"deliver_policy"` // all | new | last | last_per_subject | by_sequence | by_time
	StartSequence uint64        `yaml:"start_sequence"`
	StartTime     *time.Time    `yaml:"start_time"`
	ReplayPolicy  string        `yaml:"replay_policy"` // instant | original
	Type          string        `yaml:"type"`          // pull | push

	// Push-only options.
	DeliverSubject string        `yaml:"deliver_subject"`
	DeliverGroup   string        `yaml:"deliver_group"`
	IdleHeartbeat  time.Duration `yaml:"idle_heartbeat"`
	FlowControl    bool          `yaml:"flow_control"`
}

func (c ConsumerConfig) natsConfig() (*nats.ConsumerConfig, error) {
	out := &nats.ConsumerConfig{
		Durable:       c.Name,
		FilterSubject: c.FilterSubject,
		AckWait:       c.AckWait,
		MaxDeliver:    c.MaxDeliver,
		MaxAckPending: c.MaxAckPending,
	}

	switch c.AckPolicy {
	case "", "explicit":
		out.AckPolicy = nats.AckExplicitPolicy
	case "none":
		out.AckPolicy = nats.AckNonePolicy
	case "all":
		out.AckPolicy = nats.AckAllPolicy
	default:
		return nil, fmt.Errorf("consumer %s: unknown ack policy %q", c.Name, c.AckPolicy)
	}

	switch c.DeliverPolicy {
	case "", "all":
		out.DeliverPolicy = nats.DeliverAllPolicy
	case "new":
		out.DeliverPolicy = nats.DeliverNewPolicy
	case "last":
		out.DeliverPolicy = nats.DeliverLastPolicy
	case "last_per_subject":
		out.DeliverPolicy = nats.DeliverLastPerSubjectPolicy
	case "by_sequence":
		out.DeliverPolicy = nats.DeliverByStartSequencePolicy
		out.OptStartSeq = c.StartSequence
	case "by_time":
		out.DeliverPolicy = nats.DeliverByStartTimePolicy
		out.OptStartTime = c.StartTime
	default:
		return nil, fmt.Errorf("consumer %s: unknown deliver policy %q", c.Name, c.DeliverPolicy)
	}

	switch c.ReplayPolicy {
	case "", "instant":
		out.ReplayPolicy = nats.ReplayInstantPolicy
	case "original":
		out.ReplayPolicy = nats.ReplayOriginalPolicy
	default:
		return nil, fmt.Errorf("consumer %s: unknown replay policy %q", c.Name, c.ReplayPolicy)
	}

	switch c.Type {
	case "", "pull":
		// Pull consumers carry no deliver subject.
	case "push":
		out.DeliverSubject = c.DeliverSubject
		out.DeliverGroup = c.DeliverGroup
		out.Heartbeat = c.IdleHeartbeat
		out.FlowControl = c.FlowControl
	default:
		return nil, fmt.Errorf("consumer %s: unknown type %q", c.Name, c.Type)
	}
	return out, nil
}

// RetryPolicy drives publish retries for transient bus errors.
type RetryPolicy struct {
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxRetries        int           `yaml:"max_retries"`
	AddJitter         bool          `yaml:"add_jitter"`
}

// DefaultRetryPolicy is used when the topology file does not override it.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		MaxRetries:        3,
		AddJitter:         true,
	}
}

// Delay returns the backoff before retry attempt (1-based), capped at
// MaxDelay, with optional ±25% jitter.
func (r RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(r.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= r.BackoffMultiplier
	}
	if max := float64(r.MaxDelay); r.MaxDelay > 0 && d > max {
		d = max
	}
	if r.AddJitter {
		// ±25%
		d *= 0.75 + rand.Float64()*0.5
	}
	return time.Duration(d)
}

// ConsumerDefaults bound the shared fetch loop parameters.
type ConsumerDefaults struct {
	DefaultBatchSize int           `yaml:"default_batch_size"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`
	NakDelay         time.Duration `yaml:"nak_delay"`
}

func (d ConsumerDefaults) withFallbacks() ConsumerDefaults {
	if d.DefaultBatchSize <= 0 {
		d.DefaultBatchSize = 20
	}
	if d.FetchTimeout <= 0 {
		d.FetchTimeout = 2 * time.Second
	}
	if d.NakDelay <= 0 {
		d.NakDelay = time.Second
	}
	return d
}

// Topology is the full bus declaration loaded from the topology file.
type Topology struct {
	Streams         []StreamConfig   `yaml:"streams"`
	Consumers       []ConsumerConfig `yaml:"consumers"`
	DefaultConsumer ConsumerDefaults `yaml:"default_consumer"`
	PublishRetry    RetryPolicy      `yaml:"publish_retry"`
}

// Config is everything the adapter needs to run.
type Config struct {
	URL        string
	ClientName string

	ReconnectWait time.Duration
	MaxReconnects int

	Topology Topology
}

// sanitizeName turns a subject into a token legal inside a durable consumer
// name (no dots, wildcards, or spaces).
func sanitizeName(s string) string {
	r := strings.NewReplacer(".", "-", "*", "any", ">", "all", " ", "_")
	return r.Replace(s)
}
