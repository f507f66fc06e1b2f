/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// ConfigPathEnv overrides the default config file location.
const ConfigPathEnv = "MAIL_DISPATCH_CONFIG_PATH"

// Kafka configures the mail-events subscription.
type Kafka struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"groupID"`
	// Consumers is the number of consumer loops sharing the group. Kafka
	// assigns partitions across them.
	Consumers int `yaml:"consumers"`
	MinBytes  int `yaml:"minBytes"`
	MaxBytes  int `yaml:"maxBytes"`
	// MaxWait bounds how long a fetch waits for MinBytes.
	MaxWait time.Duration `yaml:"maxWait"`
	// CommitInterval is how often resolved offsets are flushed to the broker.
	CommitInterval time.Duration `yaml:"commitInterval"`
	// StartOffset applies when the group has no committed offset: "first" or "last".
	StartOffset string        `yaml:"startOffset"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
	TLS         KafkaTLS      `yaml:"tls"`
	SASL        KafkaSASL     `yaml:"sasl"`
}

// KafkaTLS holds TLS settings for broker connections.
type KafkaTLS struct {
	Enabled            bool   `yaml:"enabled"`
	CAFile             string `yaml:"caFile"`
	CertFile           string `yaml:"certFile"`
	KeyFile            string `yaml:"keyFile"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
}

// KafkaSASL holds SASL settings for broker connections.
type KafkaSASL struct {
	// Mechanism is one of PLAIN, SCRAM-SHA-256, SCRAM-SHA-512. Empty disables SASL.
	Mechanism string `yaml:"mechanism"`
	Username  string `yaml:"username"`
	// PasswordEnv names the environment variable holding the SASL password.
	PasswordEnv string `yaml:"passwordEnv"`
}

// DeadLetter configures where unprocessable events end up.
type DeadLetter struct {
	// Backend is "kafka" or "file".
	Backend string `yaml:"backend"`
	Topic   string `yaml:"topic"`
	// Brokers defaults to Kafka.Brokers.
	Brokers          []string      `yaml:"brokers"`
	Directory        string        `yaml:"directory"`
	WriteTimeout     time.Duration `yaml:"writeTimeout"`
	RequiredAcks     int           `yaml:"requiredAcks"`
	CompressionCodec string        `yaml:"compressionCodec"`
}

// Credentials selects the secret provider for relay credentials.
type Credentials struct {
	// Provider is "env", "keyring" or "none".
	Provider       string `yaml:"provider"`
	UserEnv        string `yaml:"userEnv"`
	PasswordEnv    string `yaml:"passwordEnv"`
	KeyringService string `yaml:"keyringService"`
	KeyringUser    string `yaml:"keyringUser"`
}

// DKIM enables signing when Selector and PrivateKeyPath are set.
type DKIM struct {
	Selector       string `yaml:"selector"`
	Domain         string `yaml:"domain"`
	PrivateKeyPath string `yaml:"privateKeyPath"`
}

// Enabled reports whether DKIM signing is configured.
func (d DKIM) Enabled() bool {
	return d.Selector != "" || d.PrivateKeyPath != ""
}

// SMTP configures the relay transport.
type SMTP struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	SenderAddress string `yaml:"senderAddress"`
	SenderName    string `yaml:"senderName"`
	// SSL forces implicit TLS. Port 465 implies it.
	SSL                bool   `yaml:"ssl"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
	LocalName          string `yaml:"localName"`
	// PoolSize bounds open relay connections across all workers.
	PoolSize    int           `yaml:"poolSize"`
	SendTimeout time.Duration `yaml:"sendTimeout"`
	IdleTimeout time.Duration `yaml:"idleTimeout"`
	// RateLimit is the maximum messages per second handed to the relay. Zero disables it.
	RateLimit   float64     `yaml:"rateLimit"`
	RateBurst   int         `yaml:"rateBurst"`
	Credentials Credentials `yaml:"credentials"`
	DKIM        DKIM        `yaml:"dkim"`
}

// Dispatch configures the worker pool and retry policy.
type Dispatch struct {
	MaxConcurrentSends int           `yaml:"maxConcurrentSends"`
	QueueSize          int           `yaml:"queueSize"`
	MaxRetries         int           `yaml:"maxRetries"`
	BaseBackoff        time.Duration `yaml:"baseBackoff"`
	BackoffMultiplier  float64       `yaml:"backoffMultiplier"`
	MaxBackoff         time.Duration `yaml:"maxBackoff"`
	// Jitter is the +/- fraction applied to each backoff, in [0,1).
	Jitter            float64       `yaml:"jitter"`
	SchedulerInterval time.Duration `yaml:"schedulerInterval"`
}

// Idempotency configures the duplicate-suppression store.
type Idempotency struct {
	// Backend is "memory" or "redis".
	Backend   string `yaml:"backend"`
	RedisURL  string `yaml:"redisURL"`
	KeyPrefix string `yaml:"keyPrefix"`
	// Retention must cover the broker's maximum redelivery window.
	Retention        time.Duration `yaml:"retention"`
	ReservationTTL   time.Duration `yaml:"reservationTTL"`
	EvictionInterval time.Duration `yaml:"evictionInterval"`
}

// Templates selects the template catalog.
type Templates struct {
	// Catalog is a directory containing catalog.yaml. Empty uses the embedded catalog.
	Catalog string `yaml:"catalog"`
}

// Telemetry configures OpenTelemetry tracing.
type Telemetry struct {
	Enabled bool `yaml:"enabled"`
	// Exporter is "otlp", "stdout" or "none".
	Exporter string `yaml:"exporter"`
	// Endpoint is the OTLP gRPC collector address, e.g. "otel-collector:4317".
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"samplingRate"`
}

// Server configures the operational HTTP endpoint.
type Server struct {
	ListenAddress string `yaml:"listenAddress"`
}

type Config struct {
	Kafka        Kafka         `yaml:"kafka"`
	DeadLetter   DeadLetter    `yaml:"deadLetter"`
	SMTP         SMTP          `yaml:"smtp"`
	Dispatch     Dispatch      `yaml:"dispatch"`
	Idempotency  Idempotency   `yaml:"idempotency"`
	Templates    Templates     `yaml:"templates"`
	Server       Server        `yaml:"server"`
	Telemetry    Telemetry     `yaml:"telemetry"`
	DrainTimeout time.Duration `yaml:"drainTimeout"`
}

// Load loads the configuration from a file path.
// If configPath is empty, MAIL_DISPATCH_CONFIG_PATH is used, then "./config.yaml".
// Defaults are applied to the result.
func Load(configPath ...string) (Config, error) {
	var path string

	switch {
	case len(configPath) > 0 && configPath[0] != "":
		path = configPath[0]
	case os.Getenv(ConfigPathEnv) != "":
		path = os.Getenv(ConfigPathEnv)
	default:
		path = "./config.yaml"
	}

	var config Config

	content, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("trying to open mail-dispatch config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(content, &config); err != nil {
		return config, fmt.Errorf("error unmarshaling YAML %s: %w", path, err)
	}
	config.Defaults()
	return config, nil
}

// Defaults fills every unset field with its default.
func (c *Config) Defaults() {
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "mail-events"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "mail-group"
	}
	if c.Kafka.Consumers <= 0 {
		c.Kafka.Consumers = 1
	}
	if c.Kafka.MinBytes <= 0 {
		c.Kafka.MinBytes = 1
	}
	if c.Kafka.MaxBytes <= 0 {
		c.Kafka.MaxBytes = 10e6
	}
	if c.Kafka.MaxWait <= 0 {
		c.Kafka.MaxWait = 500 * time.Millisecond
	}
	if c.Kafka.CommitInterval <= 0 {
		c.Kafka.CommitInterval = time.Second
	}
	if c.Kafka.StartOffset == "" {
		c.Kafka.StartOffset = "first"
	}
	if c.Kafka.DialTimeout <= 0 {
		c.Kafka.DialTimeout = 10 * time.Second
	}

	if c.DeadLetter.Backend == "" {
		c.DeadLetter.Backend = "kafka"
	}
	if c.DeadLetter.Topic == "" {
		c.DeadLetter.Topic = c.Kafka.Topic + "-dlq"
	}
	if len(c.DeadLetter.Brokers) == 0 {
		c.DeadLetter.Brokers = c.Kafka.Brokers
	}
	if c.DeadLetter.Directory == "" {
		c.DeadLetter.Directory = "./dead-letter"
	}
	if c.DeadLetter.WriteTimeout <= 0 {
		c.DeadLetter.WriteTimeout = 10 * time.Second
	}

	if c.SMTP.Host == "" {
		c.SMTP.Host = "smtp.zoho.com"
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	if c.SMTP.SenderName == "" {
		c.SMTP.SenderName = "MatchApp"
	}
	if c.SMTP.PoolSize <= 0 {
		c.SMTP.PoolSize = 4
	}
	if c.SMTP.SendTimeout <= 0 {
		c.SMTP.SendTimeout = 30 * time.Second
	}
	if c.SMTP.IdleTimeout <= 0 {
		c.SMTP.IdleTimeout = 30 * time.Second
	}
	if c.SMTP.RateLimit > 0 && c.SMTP.RateBurst <= 0 {
		c.SMTP.RateBurst = 1
	}
	if c.SMTP.Credentials.Provider == "" {
		c.SMTP.Credentials.Provider = "env"
	}

	if c.Dispatch.MaxConcurrentSends <= 0 {
		c.Dispatch.MaxConcurrentSends = 8
	}
	if c.Dispatch.QueueSize <= 0 {
		c.Dispatch.QueueSize = 1000
	}
	if c.Dispatch.MaxRetries <= 0 {
		c.Dispatch.MaxRetries = 5
	}
	if c.Dispatch.BaseBackoff <= 0 {
		c.Dispatch.BaseBackoff = time.Second
	}
	if c.Dispatch.BackoffMultiplier < 1 {
		c.Dispatch.BackoffMultiplier = 2
	}
	if c.Dispatch.MaxBackoff <= 0 {
		c.Dispatch.MaxBackoff = 5 * time.Minute
	}
	if c.Dispatch.SchedulerInterval <= 0 {
		c.Dispatch.SchedulerInterval = 50 * time.Millisecond
	}

	if c.Idempotency.Backend == "" {
		c.Idempotency.Backend = "memory"
	}
	if c.Idempotency.KeyPrefix == "" {
		c.Idempotency.KeyPrefix = "mail-dispatch:idem:"
	}
	if c.Idempotency.Retention <= 0 {
		c.Idempotency.Retention = 7 * 24 * time.Hour
	}
	if c.Idempotency.ReservationTTL <= 0 {
		c.Idempotency.ReservationTTL = 10 * time.Minute
	}
	if c.Idempotency.EvictionInterval <= 0 {
		c.Idempotency.EvictionInterval = time.Minute
	}

	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = "otlp"
	}
	if c.Telemetry.SamplingRate == 0 {
		c.Telemetry.SamplingRate = 1.0
	}

	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":8080"
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
}

// Validate reports every problem with the configuration at once.
func (c Config) Validate() error {
	var errs []error

	if c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required"))
	}
	if c.Kafka.GroupID == "" {
		errs = append(errs, errors.New("kafka.groupID is required"))
	}
	switch c.Kafka.StartOffset {
	case "first", "last":
	default:
		errs = append(errs, fmt.Errorf("kafka.startOffset must be first or last, got %q", c.Kafka.StartOffset))
	}
	switch strings.ToUpper(c.Kafka.SASL.Mechanism) {
	case "", "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512":
	default:
		errs = append(errs, fmt.Errorf("kafka.sasl.mechanism %q is not supported", c.Kafka.SASL.Mechanism))
	}

	switch c.DeadLetter.Backend {
	case "kafka":
		if c.DeadLetter.Topic == c.Kafka.Topic {
			errs = append(errs, errors.New("deadLetter.topic must differ from kafka.topic"))
		}
	case "file":
		if c.DeadLetter.Directory == "" {
			errs = append(errs, errors.New("deadLetter.directory is required for the file backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("deadLetter.backend must be kafka or file, got %q", c.DeadLetter.Backend))
	}

	if c.SMTP.Host == "" {
		errs = append(errs, errors.New("smtp.host is required"))
	}
	if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("smtp.port %d is out of range", c.SMTP.Port))
	}
	if c.SMTP.SenderAddress == "" {
		errs = append(errs, errors.New("smtp.senderAddress is required"))
	}

	if c.Dispatch.Jitter < 0 || c.Dispatch.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("dispatch.jitter must be in [0,1), got %v", c.Dispatch.Jitter))
	}
	if c.Dispatch.MaxBackoff < c.Dispatch.BaseBackoff {
		errs = append(errs, errors.New("dispatch.maxBackoff must be >= dispatch.baseBackoff"))
	}

	// A reservation is refreshed before every send attempt, so it has to outlive
	// one send plus the longest wait for the next attempt.
	if window := c.SMTP.SendTimeout + time.Duration(float64(c.Dispatch.MaxBackoff)*(1+c.Dispatch.Jitter)); c.Idempotency.ReservationTTL <= window {
		errs = append(errs, fmt.Errorf("idempotency.reservationTTL %s must exceed smtp.sendTimeout plus the jittered dispatch.maxBackoff (%s)",
			c.Idempotency.ReservationTTL, window))
	}

	switch c.Idempotency.Backend {
	case "memory":
	case "redis":
		if c.Idempotency.RedisURL == "" {
			errs = append(errs, errors.New("idempotency.redisURL is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("idempotency.backend must be memory or redis, got %q", c.Idempotency.Backend))
	}

	if c.Telemetry.Enabled {
		switch c.Telemetry.Exporter {
		case "otlp":
			if c.Telemetry.Endpoint == "" {
				errs = append(errs, errors.New("telemetry.endpoint is required for the otlp exporter"))
			}
		case "stdout", "none":
		default:
			errs = append(errs, fmt.Errorf("telemetry.exporter must be otlp, stdout or none, got %q", c.Telemetry.Exporter))
		}
	}

	return errors.Join(errs...)
}
