// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/telekom/mail-dispatch/pkg/broker"
	"github.com/telekom/mail-dispatch/pkg/config"
)

// Source is a poll/acknowledge interface over a broker subscription.
type Source interface {
	// Fetch blocks until the next message is available or ctx is done.
	Fetch(ctx context.Context) (kafka.Message, error)
	// Commit marks msgs, and everything before them on their partitions, as consumed.
	Commit(ctx context.Context, msgs ...kafka.Message) error
	Topic() string
	Close() error
}

// KafkaSource reads a topic as a member of a consumer group with explicit commits.
type KafkaSource struct {
	reader *kafka.Reader
	topic  string
}

// NewKafkaSource joins cfg.GroupID on cfg.Topic.
func NewKafkaSource(cfg config.Kafka, logger *zap.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	dialer, err := broker.Dialer(cfg)
	if err != nil {
		return nil, err
	}

	startOffset := kafka.FirstOffset
	if cfg.StartOffset == "last" {
		startOffset = kafka.LastOffset
	}

	log := logger.Named("kafka-reader").Sugar()
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		Dialer:      dialer,
		MinBytes:    cfg.MinBytes,
		MaxBytes:    cfg.MaxBytes,
		MaxWait:     cfg.MaxWait,
		StartOffset: startOffset,
		// Commits are issued by the offset tracker only.
		CommitInterval: 0,
		ErrorLogger:    kafka.LoggerFunc(log.Errorf),
	})

	return &KafkaSource{reader: reader, topic: cfg.Topic}, nil
}

func (s *KafkaSource) Fetch(ctx context.Context) (kafka.Message, error) {
	return s.reader.FetchMessage(ctx)
}

func (s *KafkaSource) Commit(ctx context.Context, msgs ...kafka.Message) error {
	return s.reader.CommitMessages(ctx, msgs...)
}

func (s *KafkaSource) Topic() string { return s.topic }

func (s *KafkaSource) Close() error {
	return s.reader.Close()
}

// Verify checks that the brokers are reachable and the topic exists.
func Verify(ctx context.Context, cfg config.Kafka) error {
	dialer, err := broker.Dialer(cfg)
	if err != nil {
		return err
	}
	return broker.VerifyTopic(ctx, dialer, cfg.Brokers, cfg.Topic)
}
