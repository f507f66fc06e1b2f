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

package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/telekom/mail-dispatch/pkg/broker"
	"github.com/telekom/mail-dispatch/pkg/config"
	"github.com/telekom/mail-dispatch/pkg/metrics"
	"github.com/telekom/mail-dispatch/pkg/telemetry"
)

// messageWriter is the part of kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Stats() kafka.WriterStats
	Close() error
}

// KafkaSink writes dead-letter records to a Kafka topic.
type KafkaSink struct {
	name   string
	topic  string
	writer messageWriter
	logger *zap.Logger
	mu     sync.Mutex
	closed bool

	messagesWritten atomic.Int64
	messagesFailed  atomic.Int64
	lastError       atomic.Value // stores error
	lastErrorTime   atomic.Value // stores time.Time
}

var _ Sink = (*KafkaSink)(nil)

// NewKafkaSink creates a synchronous writer for cfg.Topic. Connection
// security is taken from the consumer's Kafka settings.
func NewKafkaSink(cfg config.DeadLetter, kafkaCfg config.Kafka, logger *zap.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("dead-letter topic is required")
	}

	transport, err := broker.Transport(kafkaCfg)
	if err != nil {
		logger.Error("failed to build Kafka transport", zap.Error(err), zap.Strings("brokers", cfg.Brokers))
		return nil, err
	}

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}

	requiredAcks := cfg.RequiredAcks
	if requiredAcks == 0 {
		requiredAcks = -1 // Default to all replicas
	}

	var compression kafka.Compression
	switch cfg.CompressionCodec {
	case "", "none":
	case "gzip":
		compression = kafka.Gzip
	case "snappy":
		compression = kafka.Snappy
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	default:
		logger.Warn("unknown compression codec, sending uncompressed",
			zap.String("codec", cfg.CompressionCodec))
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: writeTimeout,
		RequiredAcks: kafka.RequiredAcks(requiredAcks),
		Compression:  compression,
		Transport:    transport,
	}

	logger.Info("Kafka dead-letter sink created",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
		zap.Bool("tls_enabled", kafkaCfg.TLS.Enabled),
		zap.Bool("sasl_enabled", kafkaCfg.SASL.Mechanism != ""))

	return newKafkaSink(cfg.Topic, writer, logger), nil
}

func newKafkaSink(topic string, w messageWriter, logger *zap.Logger) *KafkaSink {
	return &KafkaSink{
		name:   "kafka",
		topic:  topic,
		writer: w,
		logger: logger.Named("kafka-dead-letter"),
	}
}

// Write blocks until the broker acknowledges the record.
func (s *KafkaSink) Write(ctx context.Context, rec Record) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		metrics.DeadLetterErrors.WithLabelValues(s.name, "closed").Inc()
		return fmt.Errorf("kafka dead-letter sink is closed")
	}
	s.mu.Unlock()

	start := time.Now()

	value, err := json.Marshal(rec)
	if err != nil {
		metrics.DeadLetterErrors.WithLabelValues(s.name, "serialization").Inc()
		s.messagesFailed.Add(1)
		return fmt.Errorf("failed to marshal dead-letter record: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(rec.key()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "classification", Value: []byte(rec.Classification)},
			{Key: "event-id", Value: []byte(rec.EventID)},
			{Key: "source-topic", Value: []byte(rec.Source.Topic)},
			{Key: "source-partition", Value: []byte(strconv.Itoa(rec.Source.Partition))},
			{Key: "source-offset", Value: []byte(strconv.FormatInt(rec.Source.Offset, 10))},
			{Key: "failed-at", Value: []byte(rec.FailedAt.Format(time.RFC3339))},
		},
	}
	if rec.Reason != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "reason", Value: []byte(rec.Reason)})
	}
	telemetry.Inject(ctx, &msg.Headers)

	err = s.writer.WriteMessages(ctx, msg)
	duration := time.Since(start)
	metrics.DeadLetterLatency.WithLabelValues(s.name).Observe(duration.Seconds())

	if err != nil {
		errorType := broker.ClassifyError(err)
		metrics.DeadLetterErrors.WithLabelValues(s.name, errorType).Inc()
		s.messagesFailed.Add(1)
		s.lastError.Store(err)
		s.lastErrorTime.Store(time.Now())

		s.logger.Warn("failed to write dead-letter record",
			zap.Error(err),
			zap.String("error_type", errorType),
			zap.Duration("duration", duration),
			zap.String("event_id", rec.EventID),
			zap.String("classification", string(rec.Classification)))
		return fmt.Errorf("failed to write to Kafka (%s): %w", errorType, err)
	}

	s.messagesWritten.Add(1)
	metrics.DeadLettered.WithLabelValues(s.name, string(rec.Classification)).Inc()
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.logger.Info("closing Kafka dead-letter sink",
		zap.String("topic", s.topic),
		zap.Int64("messages_written", s.messagesWritten.Load()),
		zap.Int64("messages_failed", s.messagesFailed.Load()))

	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka writer: %w", err)
	}
	return nil
}

func (s *KafkaSink) Name() string {
	return s.name
}

// Stats returns writer statistics.
func (s *KafkaSink) Stats() kafka.WriterStats {
	return s.writer.Stats()
}

// LastError returns the last error encountered and when it occurred.
func (s *KafkaSink) LastError() (time.Time, error) {
	err, _ := s.lastError.Load().(error)
	t, _ := s.lastErrorTime.Load().(time.Time)
	return t, err
}

// MessageStats returns message statistics for monitoring.
func (s *KafkaSink) MessageStats() (written, failed int64) {
	return s.messagesWritten.Load(), s.messagesFailed.Load()
}
