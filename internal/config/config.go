// Package config loads the delayq process configuration from a file and
// DELAYQ_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jdiitm/delayq/internal/delay"
	"github.com/jdiitm/delayq/internal/dispatcher"
	"github.com/jdiitm/delayq/internal/idempotency"
)

const envPrefix = "DELAYQ"

const (
	BrokerKafka  = "kafka"
	BrokerMemory = "memory"
)

type Config struct {
	// DeploymentMode "production" enables extra safety checks at startup.
	DeploymentMode string             `mapstructure:"deployment_mode"`
	Log            LogConfig          `mapstructure:"log"`
	Broker         BrokerConfig       `mapstructure:"broker"`
	Delays         []TopicDelay       `mapstructure:"delays"`
	Subscriptions  []Subscription     `mapstructure:"subscriptions"`
	Poll           PollConfig         `mapstructure:"poll"`
	ShutdownGrace  time.Duration      `mapstructure:"shutdown_grace"`
	MetricsAddr    string             `mapstructure:"metrics_addr"`
	Health         HealthConfig       `mapstructure:"health"`
	Telemetry      TelemetryConfig    `mapstructure:"telemetry"`
	Idempotency    idempotency.Config `mapstructure:"idempotency"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type BrokerConfig struct {
	Kind         string        `mapstructure:"kind"`
	Brokers      []string      `mapstructure:"brokers"`
	Partitions   int           `mapstructure:"partitions"`
	FetchMaxWait time.Duration `mapstructure:"fetch_max_wait"`
}

// TopicDelay is kept as a list entry rather than a map key so topic names
// containing dots or upper case survive viper's key handling.
type TopicDelay struct {
	Topic string        `mapstructure:"topic"`
	Delay time.Duration `mapstructure:"delay"`
}

type Subscription struct {
	Name        string      `mapstructure:"name"`
	Topic       string      `mapstructure:"topic"`
	GroupID     string      `mapstructure:"group_id"`
	ClientID    string      `mapstructure:"client_id"`
	Concurrency int         `mapstructure:"concurrency"`
	AutoStartup *bool       `mapstructure:"auto_startup"`
	Async       AsyncConfig `mapstructure:"async"`
	// ForwardTo republishes due records to another topic; empty logs them.
	ForwardTo string `mapstructure:"forward_to"`
}

type AsyncConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	CoreWorkers   int           `mapstructure:"core_workers"`
	MaxWorkers    int           `mapstructure:"max_workers"`
	QueueCapacity int           `mapstructure:"queue_capacity"`
	KeepAlive     time.Duration `mapstructure:"keep_alive"`
	Rejection     string        `mapstructure:"rejection"`
}

type PollConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxWaiting int           `mapstructure:"max_waiting"`
	Rate       float64       `mapstructure:"rate"`
	Burst      int           `mapstructure:"burst"`
}

type HealthConfig struct {
	Threshold time.Duration `mapstructure:"threshold"`
}

type TelemetryConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// Load reads path (any format viper understands) over the defaults, then
// applies DELAYQ_* overrides, e.g. DELAYQ_BROKER_KIND=memory. An empty path
// loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("deployment_mode", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("broker.kind", BrokerKafka)
	v.SetDefault("broker.brokers", []string{"localhost:9092"})
	v.SetDefault("broker.partitions", 4)
	v.SetDefault("broker.fetch_max_wait", 500*time.Millisecond)

	v.SetDefault("poll.timeout", time.Second)
	v.SetDefault("poll.max_waiting", 10000)
	v.SetDefault("poll.rate", 0)
	v.SetDefault("poll.burst", 1)

	v.SetDefault("shutdown_grace", 30*time.Second)
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("health.threshold", 45*time.Second)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "")

	v.SetDefault("idempotency.store", "none")
	v.SetDefault("idempotency.redis_url", "")
	v.SetDefault("idempotency.capacity", 10000)
	v.SetDefault("idempotency.ttl", 168*time.Hour)
}

// Validate fails fast on anything that would otherwise surface only once
// records start flowing.
func (c *Config) Validate() error {
	switch c.Broker.Kind {
	case BrokerKafka:
		if len(c.Broker.Brokers) == 0 {
			return errors.New("broker.brokers required when broker.kind=kafka")
		}
	case BrokerMemory:
		if c.Broker.Partitions < 1 {
			return errors.New("broker.partitions must be positive")
		}
	default:
		return fmt.Errorf("unknown broker.kind %q", c.Broker.Kind)
	}

	delays, err := c.delayMap()
	if err != nil {
		return err
	}

	names := make(map[string]struct{}, len(c.Subscriptions))
	for i, s := range c.Subscriptions {
		if s.Topic == "" {
			return fmt.Errorf("subscriptions[%d]: topic required", i)
		}
		if s.GroupID == "" {
			return fmt.Errorf("subscriptions[%d] (%s): group_id required", i, s.Topic)
		}
		if _, err := delays.Resolve(s.Topic); err != nil {
			return fmt.Errorf("subscriptions[%d]: %w", i, err)
		}
		if s.ForwardTo != "" {
			if _, err := delays.Resolve(s.ForwardTo); err != nil {
				return fmt.Errorf("subscriptions[%d] (%s): forward_to: %w", i, s.Topic, err)
			}
		}
		if _, err := dispatcher.ParseRejectionPolicy(s.Async.Rejection); err != nil {
			return fmt.Errorf("subscriptions[%d] (%s): %w", i, s.Topic, err)
		}
		if s.Concurrency < 0 {
			return fmt.Errorf("subscriptions[%d] (%s): negative concurrency", i, s.Topic)
		}
		name := s.ContainerName()
		if _, dup := names[name]; dup {
			return fmt.Errorf("subscriptions[%d]: duplicate container name %q", i, name)
		}
		names[name] = struct{}{}
	}

	if c.Poll.Timeout <= 0 {
		return errors.New("poll.timeout must be positive")
	}
	if c.Poll.Rate < 0 {
		return errors.New("poll.rate must not be negative")
	}
	return nil
}

// DelayMap returns the configured topic delays.
func (c *Config) DelayMap() delay.Delays {
	d, _ := c.delayMap()
	return d
}

func (c *Config) delayMap() (delay.Delays, error) {
	d := make(delay.Delays, len(c.Delays))
	for _, td := range c.Delays {
		if _, dup := d[td.Topic]; dup {
			return nil, fmt.Errorf("delay for topic %q configured twice", td.Topic)
		}
		d[td.Topic] = td.Delay
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("delays: %w", err)
	}
	return d, nil
}

// ContainerName defaults to "<topic>/<group_id>".
func (s Subscription) ContainerName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Topic + "/" + s.GroupID
}

// AutoStart defaults to true when auto_startup is not set.
func (s Subscription) AutoStart() bool {
	return s.AutoStartup == nil || *s.AutoStartup
}

// Dispatch converts the async section into a pool configuration.
// Validate has already checked the rejection policy.
func (s Subscription) Dispatch() dispatcher.Config {
	cfg := dispatcher.DefaultConfig()
	cfg.Async = s.Async.Enabled
	if s.Async.CoreWorkers > 0 {
		cfg.CoreWorkers = s.Async.CoreWorkers
	}
	if s.Async.MaxWorkers > 0 {
		cfg.MaxWorkers = s.Async.MaxWorkers
	}
	if s.Async.QueueCapacity > 0 {
		cfg.QueueCapacity = s.Async.QueueCapacity
	}
	if s.Async.KeepAlive > 0 {
		cfg.KeepAlive = s.Async.KeepAlive
	}
	cfg.Rejection, _ = dispatcher.ParseRejectionPolicy(s.Async.Rejection)
	return cfg
}
