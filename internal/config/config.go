// Package config loads the recognized option set: process settings from the
// environment (with .env support for local runs) and the bus topology from a
// YAML file. Unknown topology keys warn instead of failing so operators can
// forward-declare options for newer builds.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/plantlink/plantlink/internal/bus"
	"github.com/plantlink/plantlink/internal/historian"
)

// Gateway is the session-edge process configuration.
type Gateway struct {
	ListenAddr string `env:"GATEWAY_LISTEN_ADDR" envDefault:":8080"`
	AdminAddr  string `env:"GATEWAY_ADMIN_ADDR" envDefault:":9090"`

	MaxMessageSize               int `env:"GATEWAY_MAX_MESSAGE_SIZE" envDefault:"65536"`
	MessageRateLimitPerSecond    int `env:"GATEWAY_MESSAGE_RATE_LIMIT_PER_SECOND" envDefault:"100"`
	OutgoingBufferSize           int `env:"GATEWAY_OUTGOING_BUFFER_SIZE" envDefault:"256"`
	AuthenticationTimeoutSeconds int `env:"GATEWAY_AUTHENTICATION_TIMEOUT_SECONDS" envDefault:"30"`
	PingIntervalSeconds          int `env:"GATEWAY_PING_INTERVAL_SECONDS" envDefault:"30"`
	PingTimeoutSeconds           int `env:"GATEWAY_PING_TIMEOUT_SECONDS" envDefault:"10"`
	DrainWindowSeconds           int `env:"GATEWAY_DRAIN_WINDOW_SECONDS" envDefault:"10"`

	JWTSecret   string        `env:"GATEWAY_JWT_SECRET"`
	JWTIssuer   string        `env:"GATEWAY_JWT_ISSUER" envDefault:"plantlink"`
	JWTAudience string        `env:"GATEWAY_JWT_AUDIENCE"`
	JWTLeeway   time.Duration `env:"GATEWAY_JWT_LEEWAY" envDefault:"30s"`

	BusURL           string        `env:"BUS_URL" envDefault:"nats://127.0.0.1:4222"`
	BusClientName    string        `env:"BUS_CLIENT_NAME" envDefault:"plantlink-gateway"`
	BusReconnectWait time.Duration `env:"BUS_RECONNECT_WAIT" envDefault:"2s"`
	BusMaxReconnects int           `env:"BUS_MAX_RECONNECTS" envDefault:"-1"`
	TopologyFile     string        `env:"BUS_TOPOLOGY_FILE" envDefault:"topology.yaml"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Validate catches settings the process cannot run with.
func (g *Gateway) Validate() error {
	if g.JWTSecret == "" {
		return errors.New("GATEWAY_JWT_SECRET must be set")
	}
	if g.MaxMessageSize <= 0 {
		return errors.New("GATEWAY_MAX_MESSAGE_SIZE must be positive")
	}
	if g.MessageRateLimitPerSecond <= 0 {
		return errors.New("GATEWAY_MESSAGE_RATE_LIMIT_PER_SECOND must be positive")
	}
	return nil
}

// Historian is the ingestion process configuration.
type Historian struct {
	DBConnectionString    string `env:"HISTORIAN_DB_URL"`
	BatchSize             int    `env:"HISTORIAN_BATCH_SIZE" envDefault:"100"`
	BatchTimeoutMS        int    `env:"HISTORIAN_BATCH_TIMEOUT_MS" envDefault:"5000"`
	WriterQueueSize       int    `env:"HISTORIAN_WRITER_QUEUE_SIZE" envDefault:"1024"`
	EnableAuditLogging    bool   `env:"HISTORIAN_ENABLE_AUDIT_LOGGING" envDefault:"true"`
	EnableIntegrityChecks bool   `env:"HISTORIAN_ENABLE_INTEGRITY_CHECKS" envDefault:"true"`
	AdminAddr             string `env:"HISTORIAN_ADMIN_ADDR" envDefault:":9091"`

	BusURL           string        `env:"BUS_URL" envDefault:"nats://127.0.0.1:4222"`
	BusClientName    string        `env:"BUS_CLIENT_NAME" envDefault:"plantlink-historian"`
	BusReconnectWait time.Duration `env:"BUS_RECONNECT_WAIT" envDefault:"2s"`
	BusMaxReconnects int           `env:"BUS_MAX_RECONNECTS" envDefault:"-1"`
	TopologyFile     string        `env:"BUS_TOPOLOGY_FILE" envDefault:"topology.yaml"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

func (h *Historian) Validate() error {
	if h.DBConnectionString == "" {
		return errors.New("HISTORIAN_DB_URL must be set")
	}
	return nil
}

// LoadGateway populates Gateway from .env (when present) and the process
// environment.
func LoadGateway() (*Gateway, error) {
	_ = godotenv.Load()
	cfg := &Gateway{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse gateway environment: %w", err)
	}
	return cfg, nil
}

// LoadHistorian populates Historian the same way.
func LoadHistorian() (*Historian, error) {
	_ = godotenv.Load()
	cfg := &Historian{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse historian environment: %w", err)
	}
	return cfg, nil
}

// Topology is the full declarative file: bus streams and consumers plus the
// historian's consumer bindings.
type Topology struct {
	Bus       bus.Topology `yaml:",inline"`
	Historian struct {
		Consumers []historian.ConsumerSpec `yaml:"consumers"`
	} `yaml:"historian"`
}

// LoadTopology reads and decodes the topology file. Unknown keys are
// reported once at warn level, then ignored.
func LoadTopology(path string, logger zerolog.Logger) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology file: %w", err)
	}
	return ParseTopology(data, logger)
}

// ParseTopology decodes topology YAML from memory.
func ParseTopology(data []byte, logger zerolog.Logger) (*Topology, error) {
	// Strict pass only to surface unknown keys; the lenient pass is the
	// one whose result is used.
	strict := yaml.NewDecoder(bytes.NewReader(data))
	strict.KnownFields(true)
	var probe Topology
	if err := strict.Decode(&probe); err != nil && !errors.Is(err, io.EOF) {
		logger.Warn().Err(err).Msg("Topology file has unrecognized keys, ignoring them")
	}

	var topo Topology
	if err := yaml.Unmarshal(data, &topo); err != nil {
		return nil, fmt.Errorf("decode topology file: %w", err)
	}
	if err := validateTopology(&topo); err != nil {
		return nil, err
	}
	return &topo, nil
}

func validateTopology(t *Topology) error {
	names := map[string]bool{}
	for _, sc := range t.Bus.Streams {
		if sc.Name == "" {
			return errors.New("topology: stream without a name")
		}
		if names[sc.Name] {
			return fmt.Errorf("topology: duplicate stream %s", sc.Name)
		}
		names[sc.Name] = true
		if len(sc.Subjects) == 0 {
			return fmt.Errorf("topology: stream %s captures no subjects", sc.Name)
		}
	}
	for _, cc := range t.Bus.Consumers {
		if cc.Name == "" || cc.Stream == "" {
			return errors.New("topology: consumer requires name and stream")
		}
		if !names[cc.Stream] {
			return fmt.Errorf("topology: consumer %s references undeclared stream %s", cc.Name, cc.Stream)
		}
	}
	for _, hc := range t.Historian.Consumers {
		if hc.Name == "" || hc.Stream == "" {
			return errors.New("topology: historian consumer requires name and stream")
		}
		if !names[hc.Stream] {
			return fmt.Errorf("topology: historian consumer %s references undeclared stream %s", hc.Name, hc.Stream)
		}
	}
	return nil
}
