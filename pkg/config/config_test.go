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

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telekom/mail-dispatch/pkg/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
kafka:
  brokers: ["kafka-0:9092", "kafka-1:9092"]
  consumers: 3
  sasl:
    mechanism: SCRAM-SHA-512
    username: mail
    passwordEnv: KAFKA_PASSWORD
smtp:
  host: smtp.example.com
  port: 465
  senderAddress: dev@matchapp.fr
  poolSize: 2
  sendTimeout: 5s
dispatch:
  maxConcurrentSends: 16
  maxRetries: 3
  baseBackoff: 250ms
  maxBackoff: 10s
  jitter: 0.1
drainTimeout: 45s
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"kafka-0:9092", "kafka-1:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 3, cfg.Kafka.Consumers)
	assert.Equal(t, "SCRAM-SHA-512", cfg.Kafka.SASL.Mechanism)
	assert.Equal(t, "smtp.example.com", cfg.SMTP.Host)
	assert.Equal(t, 465, cfg.SMTP.Port)
	assert.Equal(t, 5*time.Second, cfg.SMTP.SendTimeout)
	assert.Equal(t, 16, cfg.Dispatch.MaxConcurrentSends)
	assert.Equal(t, 250*time.Millisecond, cfg.Dispatch.BaseBackoff)
	assert.Equal(t, 45*time.Second, cfg.DrainTimeout)

	// Defaults applied to unset fields.
	assert.Equal(t, "mail-events", cfg.Kafka.Topic)
	assert.Equal(t, "mail-group", cfg.Kafka.GroupID)
	assert.Equal(t, "mail-events-dlq", cfg.DeadLetter.Topic)
	assert.Equal(t, cfg.Kafka.Brokers, cfg.DeadLetter.Brokers)
	assert.Equal(t, "memory", cfg.Idempotency.Backend)
	assert.Equal(t, 2.0, cfg.Dispatch.BackoffMultiplier)

	assert.NoError(t, cfg.Validate())
}

func TestLoad_FromEnvironment(t *testing.T) {
	path := writeConfig(t, "smtp:\n  senderAddress: dev@matchapp.fr\n")
	t.Setenv(config.ConfigPathEnv, path)

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "dev@matchapp.fr", cfg.SMTP.SenderAddress)
}

func TestLoad_Errors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := writeConfig(t, "kafka: [not, a, map")
	_, err = config.Load(path)
	assert.Error(t, err)
}

func TestDefaults(t *testing.T) {
	var cfg config.Config
	cfg.Defaults()

	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "smtp.zoho.com", cfg.SMTP.Host)
	assert.Equal(t, 587, cfg.SMTP.Port)
	assert.Equal(t, 4, cfg.SMTP.PoolSize)
	assert.Equal(t, "env", cfg.SMTP.Credentials.Provider)
	assert.Equal(t, 8, cfg.Dispatch.MaxConcurrentSends)
	assert.Equal(t, 5, cfg.Dispatch.MaxRetries)
	assert.Equal(t, 50*time.Millisecond, cfg.Dispatch.SchedulerInterval)
	assert.Equal(t, 30*time.Second, cfg.DrainTimeout)
	assert.False(t, cfg.SMTP.InsecureSkipVerify, "insecureSkipVerify must default to false")
	assert.False(t, cfg.Kafka.TLS.InsecureSkipVerify, "kafka tls insecureSkipVerify must default to false")
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 1.0, cfg.Telemetry.SamplingRate)
}

func TestValidate(t *testing.T) {
	valid := func() config.Config {
		var cfg config.Config
		cfg.SMTP.SenderAddress = "dev@matchapp.fr"
		cfg.Defaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{"valid", func(c *config.Config) {}, ""},
		{"missing sender", func(c *config.Config) { c.SMTP.SenderAddress = "" }, "smtp.senderAddress"},
		{"bad port", func(c *config.Config) { c.SMTP.Port = 70000 }, "smtp.port"},
		{"bad jitter", func(c *config.Config) { c.Dispatch.Jitter = 1.5 }, "dispatch.jitter"},
		{"backoff cap below base", func(c *config.Config) { c.Dispatch.MaxBackoff = time.Millisecond }, "dispatch.maxBackoff"},
		{"dlq equals source topic", func(c *config.Config) { c.DeadLetter.Topic = c.Kafka.Topic }, "deadLetter.topic"},
		{"unknown dlq backend", func(c *config.Config) { c.DeadLetter.Backend = "s3" }, "deadLetter.backend"},
		{"reservation shorter than a retry wait", func(c *config.Config) { c.Idempotency.ReservationTTL = 5 * time.Minute }, "idempotency.reservationTTL"},
		{"reservation shorter than a send", func(c *config.Config) {
			c.Dispatch.MaxBackoff, c.Idempotency.ReservationTTL = 10*time.Second, 30*time.Second
		}, "idempotency.reservationTTL"},
		{"reservation covers send and backoff", func(c *config.Config) {
			c.Dispatch.MaxBackoff, c.Idempotency.ReservationTTL = time.Minute, 2*time.Minute
		}, ""},
		{"redis without url", func(c *config.Config) { c.Idempotency.Backend = "redis" }, "idempotency.redisURL"},
		{"unknown sasl", func(c *config.Config) { c.Kafka.SASL.Mechanism = "GSSAPI" }, "kafka.sasl.mechanism"},
		{"bad start offset", func(c *config.Config) { c.Kafka.StartOffset = "middle" }, "kafka.startOffset"},
		{"otlp without endpoint", func(c *config.Config) { c.Telemetry.Enabled = true }, "telemetry.endpoint"},
		{"unknown exporter", func(c *config.Config) { c.Telemetry.Enabled, c.Telemetry.Exporter = true, "zipkin" }, "telemetry.exporter"},
		{"disabled telemetry ignores exporter", func(c *config.Config) { c.Telemetry.Exporter = "zipkin" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	var cfg config.Config
	cfg.Defaults()
	cfg.SMTP.Port = -1
	cfg.Dispatch.Jitter = 2

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp.senderAddress")
	assert.Contains(t, err.Error(), "smtp.port")
	assert.Contains(t, err.Error(), "dispatch.jitter")
}
