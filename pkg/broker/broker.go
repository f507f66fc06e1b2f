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

// Package broker builds Kafka connection settings shared by the event
// consumer and the dead-letter writer.
package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"github.com/telekom/mail-dispatch/pkg/config"
)

// ErrTopicNotFound is returned by VerifyTopic when the broker has no partitions for the topic.
var ErrTopicNotFound = errors.New("kafka topic not found")

// TLSConfig loads the CA bundle and client key pair named in cfg. It returns
// nil when TLS is disabled.
func TLSConfig(cfg config.KafkaTLS) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // Configurable for testing
	}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA bundle %s: %w", cfg.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

var scramAlgorithms = map[string]scram.Algorithm{
	"SCRAM-SHA-256": scram.SHA256,
	"SCRAM-SHA-512": scram.SHA512,
}

// SASLMechanism builds the mechanism named in cfg, reading the password from
// cfg.PasswordEnv. It returns nil when SASL is disabled.
func SASLMechanism(cfg config.KafkaSASL) (sasl.Mechanism, error) {
	if cfg.Mechanism == "" {
		return nil, nil
	}
	var password string
	if cfg.PasswordEnv != "" {
		password = os.Getenv(cfg.PasswordEnv)
	}

	name := strings.ToUpper(cfg.Mechanism)
	if name == "PLAIN" {
		return plain.Mechanism{Username: cfg.Username, Password: password}, nil
	}
	algo, ok := scramAlgorithms[name]
	if !ok {
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", cfg.Mechanism)
	}
	mechanism, err := scram.Mechanism(algo, cfg.Username, password)
	if err != nil {
		return nil, fmt.Errorf("creating %s mechanism: %w", name, err)
	}
	return mechanism, nil
}

// security resolves the TLS and SASL settings shared by readers and writers.
func security(cfg config.Kafka) (*tls.Config, sasl.Mechanism, error) {
	tlsConfig, err := TLSConfig(cfg.TLS)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka TLS: %w", err)
	}
	mechanism, err := SASLMechanism(cfg.SASL)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka SASL: %w", err)
	}
	return tlsConfig, mechanism, nil
}

// Transport returns the writer transport for cfg.
func Transport(cfg config.Kafka) (*kafka.Transport, error) {
	tlsConfig, mechanism, err := security(cfg)
	if err != nil {
		return nil, err
	}
	return &kafka.Transport{TLS: tlsConfig, SASL: mechanism, DialTimeout: cfg.DialTimeout}, nil
}

// Dialer returns the reader dialer for cfg.
func Dialer(cfg config.Kafka) (*kafka.Dialer, error) {
	tlsConfig, mechanism, err := security(cfg)
	if err != nil {
		return nil, err
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &kafka.Dialer{Timeout: timeout, DualStack: true, TLS: tlsConfig, SASLMechanism: mechanism}, nil
}

// VerifyTopic connects to the first reachable broker and checks that topic
// has at least one partition.
func VerifyTopic(ctx context.Context, dialer *kafka.Dialer, brokers []string, topic string) error {
	if len(brokers) == 0 {
		return fmt.Errorf("at least one Kafka broker is required")
	}

	var errs []error
	for _, addr := range brokers {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
			continue
		}
		partitions, err := conn.ReadPartitions(topic)
		_ = conn.Close()
		if err != nil {
			if errors.Is(err, kafka.UnknownTopicOrPartition) {
				return fmt.Errorf("%w: %s", ErrTopicNotFound, topic)
			}
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
			continue
		}
		if len(partitions) == 0 {
			return fmt.Errorf("%w: %s", ErrTopicNotFound, topic)
		}
		return nil
	}
	return fmt.Errorf("no Kafka broker reachable: %w", errors.Join(errs...))
}

// ClassifyError categorizes Kafka errors for metrics and logging.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}

	var kerr kafka.Error
	if errors.As(err, &kerr) {
		switch kerr {
		case kafka.SASLAuthenticationFailed, kafka.UnsupportedSASLMechanism, kafka.IllegalSASLState:
			return "auth"
		case kafka.TopicAuthorizationFailed, kafka.GroupAuthorizationFailed, kafka.ClusterAuthorizationFailed:
			return "authorization"
		case kafka.UnknownTopicOrPartition, kafka.InvalidTopic:
			return "topic"
		case kafka.LeaderNotAvailable, kafka.NotLeaderForPartition, kafka.BrokerNotAvailable:
			return "broker"
		case kafka.RequestTimedOut:
			return "timeout"
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return "timeout"
		}
		return "network"
	}

	msg := err.Error()
	for _, m := range messageClasses {
		for _, needle := range m.needles {
			if strings.Contains(msg, needle) {
				return m.class
			}
		}
	}
	return "other"
}

// messageClasses classifies errors that carry no typed cause, in priority order.
var messageClasses = []struct {
	class   string
	needles []string
}{
	{"auth", []string{"SASL", "authentication"}},
	{"authorization", []string{"authorization", "ACL"}},
	{"timeout", []string{"timeout", "timed out"}},
	{"network", []string{"connection refused", "no such host"}},
	{"broker", []string{"broker", "leader"}},
	{"topic", []string{"topic"}},
	{"tls", []string{"TLS", "certificate"}},
}
