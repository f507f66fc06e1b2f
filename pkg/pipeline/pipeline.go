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

// Package pipeline builds the dispatch service from its configuration and
// runs it until shutdown.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/telekom/mail-dispatch/pkg/api"
	"github.com/telekom/mail-dispatch/pkg/backoff"
	"github.com/telekom/mail-dispatch/pkg/config"
	"github.com/telekom/mail-dispatch/pkg/consumer"
	"github.com/telekom/mail-dispatch/pkg/credentials"
	"github.com/telekom/mail-dispatch/pkg/deadletter"
	"github.com/telekom/mail-dispatch/pkg/dispatch"
	"github.com/telekom/mail-dispatch/pkg/idempotency"
	"github.com/telekom/mail-dispatch/pkg/mail"
	"github.com/telekom/mail-dispatch/pkg/render"
	"github.com/telekom/mail-dispatch/pkg/version"
)

// Process exit codes.
const (
	ExitOK = iota
	ExitConfig
	ExitTransport
	ExitBroker
	ExitDrainTimeout
)

// closeTimeout bounds the final offset flush and resource cleanup.
const closeTimeout = 10 * time.Second

// ErrConsumerFailed wraps a poll loop failure after startup.
var ErrConsumerFailed = errors.New("consumer failed")

// StartupError is a failure to bring the service up. Code is the process
// exit code.
type StartupError struct {
	Code int
	Err  error
}

func (e *StartupError) Error() string {
	return e.Err.Error()
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

func startupError(code int, format string, args ...any) error {
	return &StartupError{Code: code, Err: fmt.Errorf(format, args...)}
}

// ExitCode maps the result of New or Run to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var se *StartupError
	if errors.As(err, &se) {
		return se.Code
	}
	if errors.Is(err, ErrConsumerFailed) {
		return ExitBroker
	}
	if errors.Is(err, dispatch.ErrDrainTimeout) {
		return ExitDrainTimeout
	}
	return ExitConfig
}

// Components are the collaborators the service is assembled from. Tests
// supply fakes; New builds the real ones.
type Components struct {
	Renderer  dispatch.Renderer
	Transport mail.Transport
	Store     idempotency.Store
	Sink      deadletter.Sink
	Sources   []consumer.Source
	// Closers run after the drain, in order.
	Closers []func() error
}

// Service is the wired dispatch pipeline.
type Service struct {
	cfg        config.Config
	log        *zap.SugaredLogger
	components Components
	dispatcher *dispatch.Dispatcher
	consumers  []*consumer.Consumer
	server     *api.Server
}

// New validates cfg and builds every component. Failures are *StartupError.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, debug bool) (*Service, error) {
	log := logger.Sugar()
	if err := cfg.Validate(); err != nil {
		return nil, &StartupError{Code: ExitConfig, Err: fmt.Errorf("invalid configuration: %w", err)}
	}

	var comps Components
	fail := func(err error) (*Service, error) {
		closeAll(log, comps.Closers)
		return nil, err
	}

	renderer, err := NewRenderer(cfg.Templates)
	if err != nil {
		return fail(startupError(ExitConfig, "loading templates: %w", err))
	}
	comps.Renderer = renderer

	provider, err := credentials.New(cfg.SMTP.Credentials)
	if err != nil {
		return fail(startupError(ExitConfig, "credentials provider: %w", err))
	}
	creds, err := provider.Credentials(ctx)
	if err != nil {
		return fail(startupError(ExitTransport, "resolving SMTP credentials: %w", err))
	}
	client, err := mail.NewClient(cfg.SMTP, creds, logger.Named("mail").Sugar())
	if err != nil {
		return fail(startupError(ExitTransport, "building SMTP transport: %w", err))
	}
	comps.Transport = client
	comps.Closers = append(comps.Closers, client.Close)

	verifyCtx, cancel := context.WithTimeout(ctx, cfg.Kafka.DialTimeout)
	err = consumer.Verify(verifyCtx, cfg.Kafka)
	cancel()
	if err != nil {
		return fail(startupError(ExitBroker, "subscribing to %s: %w", cfg.Kafka.Topic, err))
	}

	store, err := idempotency.New(ctx, cfg.Idempotency, logger.Named("idempotency").Sugar())
	if err != nil {
		return fail(startupError(ExitBroker, "opening idempotency store: %w", err))
	}
	comps.Store = store
	comps.Closers = append(comps.Closers, store.Close)

	sink, err := deadletter.New(cfg, logger.Named("deadletter"))
	if err != nil {
		return fail(startupError(ExitBroker, "opening dead-letter sink: %w", err))
	}
	comps.Sink = sink
	comps.Closers = append(comps.Closers, sink.Close)

	for i := 0; i < cfg.Kafka.Consumers; i++ {
		src, err := consumer.NewKafkaSource(cfg.Kafka, logger.Named("consumer"))
		if err != nil {
			return fail(startupError(ExitBroker, "creating consumer %d: %w", i, err))
		}
		comps.Sources = append(comps.Sources, src)
	}

	return Assemble(cfg, comps, logger, debug), nil
}

// NewRenderer loads the configured catalog or the embedded default.
func NewRenderer(cfg config.Templates) (*render.Renderer, error) {
	if cfg.Catalog != "" {
		return render.FromDir(cfg.Catalog)
	}
	return render.Default()
}

// Assemble wires already constructed components into a Service.
func Assemble(cfg config.Config, comps Components, logger *zap.Logger, debug bool) *Service {
	log := logger.Sugar()
	s := &Service{
		cfg:        cfg,
		log:        log,
		components: comps,
		dispatcher: dispatch.New(cfg.Dispatch, comps.Renderer, comps.Transport, comps.Store, comps.Sink, logger.Named("dispatch").Sugar()),
	}
	retry := backoff.Policy{Base: cfg.Dispatch.BaseBackoff, Multiplier: cfg.Dispatch.BackoffMultiplier, Max: cfg.Dispatch.MaxBackoff}
	for i, src := range comps.Sources {
		s.consumers = append(s.consumers, consumer.New(src, s.dispatcher, comps.Sink, consumer.Options{
			CommitInterval: cfg.Kafka.CommitInterval,
			Retry:          retry,
			Name:           fmt.Sprintf("%s-%d", cfg.Kafka.GroupID, i),
		}, logger.Named("consumer").Sugar()))
	}
	s.server = api.NewServer(logger.Named("http"), cfg.Server, debug, api.Check{Name: "consumers", Check: s.consumersRunning})
	return s
}

// Server returns the ops HTTP server.
func (s *Service) Server() *api.Server {
	return s.server
}

func (s *Service) consumersRunning(context.Context) error {
	running := 0
	for _, c := range s.consumers {
		if c.Running() {
			running++
		}
	}
	if running < len(s.consumers) {
		return fmt.Errorf("%d of %d consumers running", running, len(s.consumers))
	}
	return nil
}

// Run starts the pipeline and blocks until ctx is cancelled or a consumer
// fails. It then drains for at most the configured drain timeout. The
// returned error wraps dispatch.ErrDrainTimeout when events were abandoned.
func (s *Service) Run(ctx context.Context) error {
	s.log.Infow("Starting mail dispatch",
		"version", version.Version,
		"topic", s.cfg.Kafka.Topic,
		"group", s.cfg.Kafka.GroupID,
		"consumers", len(s.consumers),
		"relay", fmt.Sprintf("%s:%d", s.cfg.SMTP.Host, s.cfg.SMTP.Port),
		"deadLetter", s.components.Sink.Name())

	s.dispatcher.Start()

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	serverErr := make(chan error, 1)
	go func() {
		if err := s.server.Listen(); err != nil {
			s.log.Errorw("Ops server failed, shutting down", "error", err.Error())
			serverErr <- err
			stopRun()
		}
	}()

	group, groupCtx := errgroup.WithContext(runCtx)
	for _, c := range s.consumers {
		group.Go(func() error { return c.Run(groupCtx) })
	}
	var runErr error
	if err := group.Wait(); err != nil {
		s.log.Errorw("Consumer failed, shutting down", "error", err.Error())
		runErr = fmt.Errorf("%w: %w", ErrConsumerFailed, err)
	}

	s.server.SetDraining()
	s.log.Infow("Draining in-flight events", "timeout", s.cfg.DrainTimeout)
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.DrainTimeout)
	drainErr := s.dispatcher.Stop(drainCtx)
	cancel()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	for _, c := range s.consumers {
		if err := c.Close(closeCtx); err != nil {
			s.log.Warnw("Error closing consumer", "error", err.Error())
		}
	}
	closeAll(s.log, s.components.Closers)
	if err := s.server.Shutdown(closeCtx); err != nil {
		s.log.Warnw("Error shutting down ops server", "error", err.Error())
	}
	select {
	case err := <-serverErr:
		if err != nil && runErr == nil {
			runErr = fmt.Errorf("ops server: %w", err)
		}
	default:
	}

	if drainErr != nil {
		s.log.Warnw("Shutdown finished with unacknowledged events; they will be redelivered", "error", drainErr.Error())
		return errors.Join(drainErr, runErr)
	}
	if runErr != nil {
		return runErr
	}
	s.log.Info("Mail dispatch stopped cleanly")
	return nil
}

func closeAll(log *zap.SugaredLogger, closers []func() error) {
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Warnw("Error releasing resource", "error", err.Error())
		}
	}
}
