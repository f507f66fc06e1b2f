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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zaptest"

	"github.com/telekom/mail-dispatch/pkg/config"
	"github.com/telekom/mail-dispatch/pkg/event"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	closed   int
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Stats() kafka.WriterStats { return kafka.WriterStats{} }

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed++
	return nil
}

func testRecord() Record {
	rec := NewRecord(Permanent, "550 no such user", Source{Topic: "mail-events", Partition: 2, Offset: 41})
	rec.EventID = "evt-1"
	rec.Reason = ReasonRejected
	rec.Event = &event.MailEvent{EventID: "evt-1", RecipientAddress: "user@example.com", TemplateID: "welcome"}
	rec.Attempts = []Attempt{{Number: 1, At: time.Now().UTC(), Outcome: "permanent", Reason: "recipient", Code: 550}}
	return rec
}

func TestNewRecord(t *testing.T) {
	a := NewRecord(Malformed, "bad json", Source{})
	b := NewRecord(Malformed, "bad json", Source{})
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.FailedAt.IsZero())
	assert.Equal(t, a.ID, a.key(), "records without an event id are keyed by their own id")
}

func TestRecord_JSONFieldNames(t *testing.T) {
	data, err := json.Marshal(testRecord())
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	for _, k := range []string{"id", "eventId", "event", "classification", "reason", "finalError", "attempts", "source", "failedAt"} {
		assert.Contains(t, m, k)
	}
	assert.NotContains(t, m, "raw")
	assert.Equal(t, "permanent", m["classification"])
	assert.Equal(t, "rejected", m["reason"])

	data, err = json.Marshal(NewRecord(Malformed, "bad json", Source{}))
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"reason"`)
}

func TestKafkaSink_Write(t *testing.T) {
	w := &fakeWriter{}
	sink := newKafkaSink("mail-events-dlq", w, zaptest.NewLogger(t))

	rec := testRecord()
	require.NoError(t, sink.Write(context.Background(), rec))

	require.Len(t, w.messages, 1)
	msg := w.messages[0]
	assert.Equal(t, "evt-1", string(msg.Key))

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "permanent", headers["classification"])
	assert.Equal(t, "rejected", headers["reason"])
	assert.Equal(t, "mail-events", headers["source-topic"])
	assert.Equal(t, "2", headers["source-partition"])
	assert.Equal(t, "41", headers["source-offset"])

	var decoded Record
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, rec.ID, decoded.ID)
	assert.Equal(t, rec.Source, decoded.Source)

	written, failed := sink.MessageStats()
	assert.Equal(t, int64(1), written)
	assert.Equal(t, int64(0), failed)
}

func TestKafkaSink_WriteCarriesTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x0a, 0xf7, 0x65, 0x19},
		SpanID:     trace.SpanID{0x00, 0xf0, 0x67, 0xaa},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	w := &fakeWriter{}
	sink := newKafkaSink("dlq", w, zaptest.NewLogger(t))
	require.NoError(t, sink.Write(ctx, testRecord()))

	require.Len(t, w.messages, 1)
	var traceparent string
	for _, h := range w.messages[0].Headers {
		if h.Key == "traceparent" {
			traceparent = string(h.Value)
		}
	}
	assert.Equal(t, "00-"+sc.TraceID().String()+"-"+sc.SpanID().String()+"-01", traceparent)
}

func TestKafkaSink_WriteError(t *testing.T) {
	w := &fakeWriter{err: kafka.LeaderNotAvailable}
	sink := newKafkaSink("dlq", w, zaptest.NewLogger(t))

	err := sink.Write(context.Background(), testRecord())
	require.Error(t, err)
	assert.ErrorIs(t, err, kafka.LeaderNotAvailable)
	assert.Contains(t, err.Error(), "(broker)")

	at, lastErr := sink.LastError()
	assert.Error(t, lastErr)
	assert.False(t, at.IsZero())
}

func TestKafkaSink_WriteAfterClose(t *testing.T) {
	w := &fakeWriter{}
	sink := newKafkaSink("dlq", w, zaptest.NewLogger(t))

	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
	assert.Equal(t, 1, w.closed)

	assert.Error(t, sink.Write(context.Background(), testRecord()))
	assert.Empty(t, w.messages)
}

func TestNewKafkaSink_Validation(t *testing.T) {
	logger := zaptest.NewLogger(t)

	_, err := NewKafkaSink(config.DeadLetter{Topic: "dlq"}, config.Kafka{}, logger)
	assert.Error(t, err)

	_, err = NewKafkaSink(config.DeadLetter{Brokers: []string{"localhost:9092"}}, config.Kafka{}, logger)
	assert.Error(t, err)

	_, err = NewKafkaSink(config.DeadLetter{Brokers: []string{"localhost:9092"}, Topic: "dlq"},
		config.Kafka{SASL: config.KafkaSASL{Mechanism: "OAUTH"}}, logger)
	assert.Error(t, err)

	sink, err := NewKafkaSink(config.DeadLetter{Brokers: []string{"localhost:9092"}, Topic: "dlq", CompressionCodec: "zstd"}, config.Kafka{}, logger)
	require.NoError(t, err)
	assert.Equal(t, "kafka", sink.Name())
	require.NoError(t, sink.Close())
}

func TestFileSink_Write(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dlq")
	sink, err := NewFileSink(dir)
	require.NoError(t, err)

	day := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	sink.now = func() time.Time { return day }

	require.NoError(t, sink.Write(context.Background(), testRecord()))
	malformed := NewRecord(Malformed, "invalid JSON", Source{Topic: "mail-events", Offset: 7})
	malformed.Raw = []byte("{not json")
	require.NoError(t, sink.Write(context.Background(), malformed))

	sink.now = func() time.Time { return day.Add(2 * time.Hour) }
	require.NoError(t, sink.Write(context.Background(), testRecord()))

	first := readLines(t, filepath.Join(dir, "dead-letter-2026-03-01.jsonl"))
	require.Len(t, first, 2)
	var got Record
	require.NoError(t, json.Unmarshal([]byte(first[1]), &got))
	assert.Equal(t, Malformed, got.Classification)
	assert.Equal(t, []byte("{not json"), got.Raw)

	assert.Len(t, readLines(t, filepath.Join(dir, "dead-letter-2026-03-02.jsonl")), 1)
}

func TestFileSink_CancelledContext(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sink.Write(ctx, testRecord()), context.Canceled)
}

func TestMemorySink(t *testing.T) {
	sink := NewMemorySink()
	boom := errors.New("sink down")

	sink.FailWith(func(Record) error { return boom })
	assert.ErrorIs(t, sink.Write(context.Background(), testRecord()), boom)
	assert.Empty(t, sink.Records())

	sink.FailWith(nil)
	require.NoError(t, sink.Write(context.Background(), testRecord()))
	assert.Len(t, sink.Records(), 1)
}

func TestNew(t *testing.T) {
	cfg := config.Config{}
	cfg.DeadLetter.Backend = "file"
	cfg.DeadLetter.Directory = t.TempDir()
	sink, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "file", sink.Name())

	cfg.DeadLetter.Backend = "s3"
	_, err = New(cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}
