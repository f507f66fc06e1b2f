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

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/telekom/mail-dispatch/pkg/config"
	"github.com/telekom/mail-dispatch/pkg/consumer"
	"github.com/telekom/mail-dispatch/pkg/deadletter"
	"github.com/telekom/mail-dispatch/pkg/dispatch"
	"github.com/telekom/mail-dispatch/pkg/idempotency"
	"github.com/telekom/mail-dispatch/pkg/mail"
)

type chanSource struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed int64
	closed    bool
}

func newChanSource() *chanSource {
	return &chanSource{msgs: make(chan kafka.Message, 64), committed: -1}
}

func (s *chanSource) Fetch(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-s.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (s *chanSource) Commit(_ context.Context, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.committed = m.Offset
	}
	return nil
}

func (s *chanSource) Topic() string { return "mail-events" }

func (s *chanSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *chanSource) lastCommitted() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

type recordingTransport struct {
	block bool

	mu   sync.Mutex
	sent []mail.Envelope
}

func (t *recordingTransport) Send(ctx context.Context, env mail.Envelope) mail.Outcome {
	if t.block {
		<-ctx.Done()
		return mail.Transient("cancelled", ctx.Err())
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, env)
	return mail.Succeeded()
}

func (t *recordingTransport) envelopes() []mail.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]mail.Envelope(nil), t.sent...)
}

func testConfig() config.Config {
	cfg := config.Config{}
	cfg.SMTP.SenderAddress = "noreply@matchapp.test"
	cfg.Server.ListenAddress = "127.0.0.1:0"
	cfg.Kafka.CommitInterval = 5 * time.Millisecond
	cfg.Dispatch.BaseBackoff = time.Millisecond
	cfg.Dispatch.MaxBackoff = 10 * time.Millisecond
	cfg.Dispatch.SchedulerInterval = 2 * time.Millisecond
	cfg.DrainTimeout = 2 * time.Second
	cfg.Defaults()
	return cfg
}

func assemble(t *testing.T, cfg config.Config, transport mail.Transport, src consumer.Source) (*Service, *deadletter.MemorySink) {
	t.Helper()
	renderer, err := NewRenderer(cfg.Templates)
	require.NoError(t, err)
	store := idempotency.NewMemoryStore(time.Hour, time.Minute, time.Minute)
	sink := deadletter.NewMemorySink()
	svc := Assemble(cfg, Components{
		Renderer:  renderer,
		Transport: transport,
		Store:     store,
		Sink:      sink,
		Sources:   []consumer.Source{src},
		Closers:   []func() error{store.Close, sink.Close},
	}, zaptest.NewLogger(t), false)
	return svc, sink
}

func welcomeEvent(offset int64, id string) kafka.Message {
	return kafka.Message{
		Topic:  "mail-events",
		Offset: offset,
		Time:   time.Now(),
		Value:  []byte(fmt.Sprintf(`{"eventId":%q,"recipientAddress":"Ada@Example.com","templateId":"welcome","templateData":{"name":"Ada"}}`, id)),
	}
}

func TestService_RunAndDrain(t *testing.T) {
	src := newChanSource()
	transport := &recordingTransport{}
	svc, sink := assemble(t, testConfig(), transport, src)

	src.msgs <- welcomeEvent(0, "evt-1")
	src.msgs <- kafka.Message{Topic: "mail-events", Offset: 1, Value: []byte("{")}
	src.msgs <- welcomeEvent(2, "evt-1")
	src.msgs <- kafka.Message{Topic: "mail-events", Offset: 3, Value: []byte(`{"eventId":"evt-2","recipientAddress":"a@b.c","templateId":"missing"}`)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool { return src.lastCommitted() == 3 }, 5*time.Second, 5*time.Millisecond)

	envs := transport.envelopes()
	require.Len(t, envs, 1, "the redelivered event is suppressed")
	assert.Equal(t, "Ada@example.com", envs[0].To)
	assert.Equal(t, "Welcome to MatchApp", envs[0].Subject)
	assert.Contains(t, envs[0].Body, "Ada")

	records := sink.Records()
	require.Len(t, records, 2)
	assert.Equal(t, deadletter.Malformed, records[0].Classification)
	assert.Equal(t, deadletter.Permanent, records[1].Classification)
	assert.Equal(t, "evt-2", records[1].EventID)

	cancel()
	err := <-done
	require.NoError(t, err)
	assert.Equal(t, ExitOK, ExitCode(err))
	assert.True(t, src.closed)
}

func TestService_DrainTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.DrainTimeout = 50 * time.Millisecond
	src := newChanSource()
	svc, _ := assemble(t, cfg, &recordingTransport{block: true}, src)

	src.msgs <- welcomeEvent(0, "evt-stuck")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
	require.ErrorIs(t, err, dispatch.ErrDrainTimeout)
	assert.Equal(t, ExitDrainTimeout, ExitCode(err))
	assert.Equal(t, int64(-1), src.lastCommitted())
}

func TestNew_StartupFailures(t *testing.T) {
	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig()
		cfg.SMTP.SenderAddress = ""
		_, err := New(context.Background(), cfg, zaptest.NewLogger(t), false)
		require.Error(t, err)
		assert.Equal(t, ExitConfig, ExitCode(err))
	})

	t.Run("missing credentials", func(t *testing.T) {
		cfg := testConfig()
		cfg.SMTP.Credentials = config.Credentials{Provider: "env", UserEnv: "MAIL_DISPATCH_TEST_UNSET_USER", PasswordEnv: "MAIL_DISPATCH_TEST_UNSET_PASS"}
		_, err := New(context.Background(), cfg, zaptest.NewLogger(t), false)
		require.Error(t, err)
		assert.Equal(t, ExitTransport, ExitCode(err))
	})

	t.Run("broker unreachable", func(t *testing.T) {
		cfg := testConfig()
		cfg.SMTP.Credentials = config.Credentials{Provider: "none"}
		cfg.Kafka.Brokers = []string{"127.0.0.1:1"}
		cfg.Kafka.DialTimeout = 500 * time.Millisecond
		_, err := New(context.Background(), cfg, zaptest.NewLogger(t), false)
		require.Error(t, err)
		assert.Equal(t, ExitBroker, ExitCode(err))
		var se *StartupError
		require.ErrorAs(t, err, &se)
	})
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: ExitOK},
		{name: "startup error", err: &StartupError{Code: ExitTransport, Err: errors.New("x")}, want: ExitTransport},
		{name: "wrapped startup error", err: fmt.Errorf("boot: %w", &StartupError{Code: ExitBroker, Err: errors.New("x")}), want: ExitBroker},
		{name: "drain timeout", err: fmt.Errorf("%w: %w", dispatch.ErrDrainTimeout, context.DeadlineExceeded), want: ExitDrainTimeout},
		{name: "consumer failure", err: fmt.Errorf("%w: boom", ErrConsumerFailed), want: ExitBroker},
		{name: "other", err: errors.New("boom"), want: ExitConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}
