package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied when the configuration document omits a field.
const (
	DefaultHealthPort      = 8000
	DefaultHandlerTimeout  = 30 * time.Second
	DefaultDrainGrace      = 20 * time.Second
	DefaultPrefetchCount   = 1
	DefaultRedeliveryLimit = 3
)

// Duration is a time.Duration that unmarshals from TOML strings like
// "30s" or "2m".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// QueueBinding names a service's primary queue and its paired
// dead-letter queue. Both are declared durable at startup.
type QueueBinding struct {
	Queue           string `toml:"queue"`
	DeadLetterQueue string `toml:"dead_letter_queue"`
}

// ServiceConfig is the per-service configuration document, read once
// at construction and never reloaded.
type ServiceConfig struct {
	ServiceName     string        `toml:"service_name"`
	HealthPort      int           `toml:"health_port"`
	Consume         *QueueBinding `toml:"consume"`
	PublishQueues   []string      `toml:"publish_queues"`
	HandlerTimeout  Duration      `toml:"handler_timeout"`
	DrainGrace      Duration      `toml:"drain_grace"`
	PrefetchCount   int           `toml:"prefetch_count"`
	RedeliveryLimit int           `toml:"redelivery_limit"`
}

// Load reads and validates a service configuration document. Any
// problem is fatal: a service must not start on a config it cannot
// trust.
func Load(path string) (*ServiceConfig, error) {
	var cfg ServiceConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, &Error{Path: path, Err: err}
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	return &cfg, nil
}

func (c *ServiceConfig) applyDefaults() {
	if c.HealthPort == 0 {
		c.HealthPort = DefaultHealthPort
	}
	if c.HandlerTimeout == 0 {
		c.HandlerTimeout = Duration(DefaultHandlerTimeout)
	}
	if c.DrainGrace == 0 {
		c.DrainGrace = Duration(DefaultDrainGrace)
	}
	if c.PrefetchCount == 0 {
		c.PrefetchCount = DefaultPrefetchCount
	}
	if c.RedeliveryLimit == 0 {
		c.RedeliveryLimit = DefaultRedeliveryLimit
	}
	if c.Consume != nil && c.Consume.DeadLetterQueue == "" && c.Consume.Queue != "" {
		c.Consume.DeadLetterQueue = c.Consume.Queue + ".dlq"
	}
}

func (c *ServiceConfig) validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("service_name must not be empty")
	}
	if c.HealthPort < 1 || c.HealthPort > 65535 {
		return fmt.Errorf("health_port %d outside valid TCP range 1-65535", c.HealthPort)
	}
	if c.Consume != nil {
		if strings.TrimSpace(c.Consume.Queue) == "" {
			return fmt.Errorf("consume.queue must not be empty")
		}
		if c.Consume.Queue == c.Consume.DeadLetterQueue {
			return fmt.Errorf("consume.queue and consume.dead_letter_queue must differ")
		}
	}
	if c.HandlerTimeout <= 0 {
		return fmt.Errorf("handler_timeout must be positive")
	}
	if c.DrainGrace <= 0 {
		return fmt.Errorf("drain_grace must be positive")
	}
	if c.PrefetchCount < 1 {
		return fmt.Errorf("prefetch_count must be at least 1")
	}
	if c.RedeliveryLimit < 1 {
		return fmt.Errorf("redelivery_limit must be at least 1")
	}
	return nil
}

// Broker holds the connection coordinates for the message broker,
// supplied by the launcher through environment variables.
type Broker struct {
	Host     string
	Port     int
	User     string
	Password string
}

// BrokerFromEnv reads RABBITMQ_HOST, RABBITMQ_PORT, RABBITMQ_USER and
// RABBITMQ_PASS, falling back to the standard local defaults.
func BrokerFromEnv() (Broker, error) {
	b := Broker{
		Host:     envOr("RABBITMQ_HOST", "localhost"),
		User:     envOr("RABBITMQ_USER", "guest"),
		Password: envOr("RABBITMQ_PASS", "guest"),
	}

	portStr := envOr("RABBITMQ_PORT", "5672")
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Broker{}, &Error{Err: fmt.Errorf("RABBITMQ_PORT %q is not a valid port", portStr)}
	}
	b.Port = port
	return b, nil
}

// URL renders the AMQP connection URL.
func (b Broker) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/",
		url.QueryEscape(b.User), url.QueryEscape(b.Password), b.Host, b.Port)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
