// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

// Package consumer polls mail events from the broker, hands them to the
// dispatcher and commits offsets once events are resolved.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/telekom/mail-dispatch/pkg/backoff"
	"github.com/telekom/mail-dispatch/pkg/deadletter"
	"github.com/telekom/mail-dispatch/pkg/dispatch"
	"github.com/telekom/mail-dispatch/pkg/event"
	"github.com/telekom/mail-dispatch/pkg/metrics"
	"github.com/telekom/mail-dispatch/pkg/telemetry"
)

var tracer = otel.Tracer("github.com/telekom/mail-dispatch/pkg/consumer")

// Submitter accepts events for delivery.
type Submitter interface {
	Submit(ctx context.Context, job dispatch.Job) error
}

// Options tune a Consumer.
type Options struct {
	// CommitInterval is how often resolved offsets are flushed.
	CommitInterval time.Duration
	// Retry paces dead-letter writes of malformed messages.
	Retry backoff.Policy
	// Name identifies the consumer loop in logs.
	Name string
}

// Consumer runs one poll loop over a Source.
type Consumer struct {
	source    Source
	submitter Submitter
	sink      deadletter.Sink
	tracker   *tracker
	opts      Options
	log       *zap.SugaredLogger

	running   atomic.Bool
	flushOnce sync.Once
	flushStop chan struct{}
	flushDone chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New creates a Consumer. Run starts it; Close flushes and releases it.
func New(source Source, submitter Submitter, sink deadletter.Sink, opts Options, log *zap.SugaredLogger) *Consumer {
	if opts.CommitInterval <= 0 {
		opts.CommitInterval = time.Second
	}
	if opts.Retry.Base <= 0 {
		opts.Retry = backoff.Policy{Base: 100 * time.Millisecond, Multiplier: 2, Max: 10 * time.Second}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if opts.Name != "" {
		log = log.With("consumer", opts.Name)
	}
	return &Consumer{
		source:    source,
		submitter: submitter,
		sink:      sink,
		tracker:   newTracker(),
		opts:      opts,
		log:       log,
		flushStop: make(chan struct{}),
		flushDone: make(chan struct{}),
	}
}

// Running reports whether the poll loop is active.
func (c *Consumer) Running() bool {
	return c.running.Load()
}

// Run polls until ctx is cancelled. Messages still unresolved when Run
// returns stay uncommitted and are redelivered after a restart.
func (c *Consumer) Run(ctx context.Context) error {
	c.flushOnce.Do(func() { go c.flushLoop() })
	c.running.Store(true)
	defer c.running.Store(false)

	topic := c.source.Topic()
	c.log.Infow("Consumer started", "topic", topic)
	for {
		msg, err := c.source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				c.log.Infow("Consumer stopped polling", "topic", topic, "unresolved", c.tracker.outstanding())
				return nil
			}
			return fmt.Errorf("fetching from %s: %w", topic, err)
		}
		metrics.EventsReceived.WithLabelValues(topic).Inc()
		c.tracker.track(msg)
		metrics.UncommittedEvents.WithLabelValues(topic).Set(float64(c.tracker.outstanding()))

		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil || errors.Is(err, dispatch.ErrStopped) {
				c.log.Infow("Consumer stopped polling", "topic", topic, "unresolved", c.tracker.outstanding())
				return nil
			}
			return err
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	ctx, span := tracer.Start(telemetry.Extract(ctx, msg.Headers), "mail.receive",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", msg.Topic),
			attribute.Int("messaging.kafka.partition", msg.Partition),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		))
	defer span.End()

	src := deadletter.Source{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset}
	fallback := msg.Time
	if fallback.IsZero() {
		fallback = time.Now()
	}

	ev, err := event.Decode(msg.Value, fallback)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return c.quarantine(ctx, msg, src, ev, err)
	}
	span.SetAttributes(attribute.String("mail.event_id", ev.EventID))

	return c.submitter.Submit(ctx, dispatch.Job{
		Event:  ev,
		Source: src,
		Trace:  span.SpanContext(),
		Done: func(res dispatch.Result) {
			if !res.Status.Terminal() {
				c.log.Debugw("Leaving event unacknowledged", "eventId", res.EventID, "status", res.Status.String(),
					"partition", msg.Partition, "offset", msg.Offset)
				return
			}
			c.Acknowledge(msg)
		},
	})
}

// quarantine dead-letters a message that failed decoding or validation and
// acknowledges it. The write is retried until it succeeds or ctx is done.
func (c *Consumer) quarantine(ctx context.Context, msg kafka.Message, src deadletter.Source, ev event.MailEvent, cause error) error {
	reason := "decode"
	if errors.Is(cause, event.ErrInvalid) {
		reason = "invalid"
	}
	metrics.EventsMalformed.WithLabelValues(reason).Inc()

	rec := deadletter.NewRecord(deadletter.Malformed, cause.Error(), src)
	rec.Raw = msg.Value
	if reason == "invalid" {
		rec.EventID = ev.EventID
		rec.Event = &ev
	}

	c.log.Warnw("Quarantining malformed event", "reason", reason, "error", cause.Error(),
		"partition", msg.Partition, "offset", msg.Offset, "eventId", rec.EventID)

	for attempt := 1; ; attempt++ {
		err := c.sink.Write(ctx, rec)
		if err == nil {
			c.Acknowledge(msg)
			return nil
		}
		delay := c.opts.Retry.Delay(attempt)
		c.log.Errorw("Failed to dead-letter malformed event, retrying", "error", err.Error(),
			"attempt", attempt, "retryIn", delay, "offset", msg.Offset)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Acknowledge marks msg resolved. It is committed once every earlier
// message on its partition is resolved too.
func (c *Consumer) Acknowledge(msg kafka.Message) {
	c.tracker.resolve(msg)
	metrics.EventsAcknowledged.WithLabelValues(c.source.Topic()).Inc()
}

func (c *Consumer) flushLoop() {
	defer close(c.flushDone)
	ticker := time.NewTicker(c.opts.CommitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.flushStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.CommitInterval*5)
			_ = c.Flush(ctx)
			cancel()
		}
	}
}

// Flush commits every partition that advanced since the last flush.
func (c *Consumer) Flush(ctx context.Context) error {
	msgs := c.tracker.ready()
	topic := c.source.Topic()
	metrics.UncommittedEvents.WithLabelValues(topic).Set(float64(c.tracker.outstanding()))
	if len(msgs) == 0 {
		return nil
	}
	if err := c.source.Commit(ctx, msgs...); err != nil {
		c.tracker.restore(msgs)
		metrics.OffsetCommits.WithLabelValues(topic, "error").Inc()
		c.log.Warnw("Offset commit failed", "topic", topic, "partitions", len(msgs), "error", err.Error())
		return fmt.Errorf("committing offsets on %s: %w", topic, err)
	}
	metrics.OffsetCommits.WithLabelValues(topic, "success").Inc()
	if ce := c.log.Desugar().Check(zap.DebugLevel, "Committed offsets"); ce != nil {
		fields := make([]zap.Field, 0, len(msgs))
		for _, m := range msgs {
			fields = append(fields, zap.Int64("partition_"+strconv.Itoa(m.Partition), m.Offset))
		}
		ce.Write(fields...)
	}
	return nil
}

// Close stops periodic commits, flushes what is resolved and closes the
// source. Call it after the dispatcher has drained.
func (c *Consumer) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.flushOnce.Do(func() { close(c.flushDone) })
		close(c.flushStop)
		<-c.flushDone
		flushErr := c.Flush(ctx)
		if unresolved := c.tracker.outstanding(); unresolved > 0 {
			c.log.Warnw("Closing consumer with unacknowledged events", "unresolved", unresolved)
		}
		c.closeErr = errors.Join(flushErr, c.source.Close())
	})
	return c.closeErr
}
