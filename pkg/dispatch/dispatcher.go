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

// Package dispatch fans mail events out to a fixed pool of send workers,
// retrying transient failures with backoff and dead-lettering the rest.
package dispatch

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/telekom/mail-dispatch/pkg/backoff"
	"github.com/telekom/mail-dispatch/pkg/config"
	"github.com/telekom/mail-dispatch/pkg/deadletter"
	"github.com/telekom/mail-dispatch/pkg/event"
	"github.com/telekom/mail-dispatch/pkg/idempotency"
	"github.com/telekom/mail-dispatch/pkg/mail"
	"github.com/telekom/mail-dispatch/pkg/metrics"
	"github.com/telekom/mail-dispatch/pkg/render"
)

var (
	// ErrStopped is returned by Submit once Stop has been called.
	ErrStopped = errors.New("dispatcher stopped")
	// ErrDrainTimeout is returned by Stop when unresolved events had to be abandoned.
	ErrDrainTimeout = errors.New("drain timeout exceeded")
	// ErrAlreadyFailed is the Result error of an event recorded as failed earlier.
	ErrAlreadyFailed = errors.New("event already failed permanently")
)

var tracer = otel.Tracer("github.com/telekom/mail-dispatch/pkg/dispatch")

// storeTimeout bounds idempotency writes that must outlive the work context.
const storeTimeout = 5 * time.Second

// Status is the final state of a submitted job.
type Status int

const (
	StatusSent Status = iota
	// StatusDuplicate means the event was sent earlier and no send was attempted.
	StatusDuplicate
	// StatusFailed means the event was dead-lettered, now or earlier.
	StatusFailed
	// StatusAbandoned means shutdown interrupted the job. The source event
	// must not be acknowledged.
	StatusAbandoned
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusDuplicate:
		return "duplicate"
	case StatusFailed:
		return "failed"
	case StatusAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Terminal reports whether the source event may be acknowledged.
func (s Status) Terminal() bool {
	return s != StatusAbandoned
}

// Result is handed to Job.Done exactly once.
type Result struct {
	EventID  string
	Status   Status
	Attempts int
	Err      error
}

// Job is one event submitted for delivery.
type Job struct {
	Event  event.MailEvent
	Source deadletter.Source
	// Trace, when valid, is the parent of the send spans.
	Trace trace.SpanContext
	// Done is called from a worker goroutine once the job is resolved. It
	// must not block.
	Done func(Result)
}

// Renderer turns a template id and data into a message.
type Renderer interface {
	Render(id string, data map[string]any) (render.Message, error)
}

type stage int

const (
	stageCheck stage = iota
	stageSend
	stagePark
)

func (s stage) String() string {
	switch s {
	case stageCheck:
		return "check"
	case stageSend:
		return "send"
	case stagePark:
		return "park"
	default:
		return "unknown"
	}
}

// item is the in-flight state of one job.
type item struct {
	job      Job
	// owner identifies this copy of the event to the idempotency store.
	owner    string
	stage    stage
	attempts int
	panics   int
	history  []deadletter.Attempt
	reserved bool
	class    deadletter.Classification
	reason   string
	finalErr error
	readyAt  time.Time
	index    int
}

func (it *item) eventID() string { return it.job.Event.EventID }

// Dispatcher runs the reserve, render, send and record sequence for
// submitted jobs on a fixed number of workers.
type Dispatcher struct {
	cfg       config.Dispatch
	policy    backoff.Policy
	renderer  Renderer
	transport mail.Transport
	store     idempotency.Store
	sink      deadletter.Sink
	log       *zap.SugaredLogger
	now       func() time.Time

	// capacity bounds the jobs held by the dispatcher, queued, retrying or
	// being worked. ready has the same capacity, so pushes never block.
	capacity *semaphore.Weighted
	ready    chan *item

	mu      sync.Mutex
	retries retryHeap
	stopped bool
	closed  bool
	pending sync.WaitGroup

	intakeCtx  context.Context
	stopIntake context.CancelFunc
	workCtx    context.Context
	cancelWork context.CancelFunc
	group      *errgroup.Group
	startOnce  sync.Once
	stopOnce   sync.Once
	stopErr    error
}

// New creates a Dispatcher. Call Start before submitting.
func New(cfg config.Dispatch, renderer Renderer, transport mail.Transport, store idempotency.Store, sink deadletter.Sink, log *zap.SugaredLogger) *Dispatcher {
	if cfg.MaxConcurrentSends <= 0 {
		cfg.MaxConcurrentSends = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.MaxConcurrentSends
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.SchedulerInterval <= 0 {
		cfg.SchedulerInterval = 50 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	intakeCtx, stopIntake := context.WithCancel(context.Background())
	workCtx, cancelWork := context.WithCancel(context.Background())

	d := &Dispatcher{
		cfg:        cfg,
		policy:     backoff.FromConfig(cfg),
		renderer:   renderer,
		transport:  transport,
		store:      store,
		sink:       sink,
		log:        log,
		now:        time.Now,
		capacity:   semaphore.NewWeighted(int64(cfg.QueueSize)),
		ready:      make(chan *item, cfg.QueueSize),
		intakeCtx:  intakeCtx,
		stopIntake: stopIntake,
		workCtx:    workCtx,
		cancelWork: cancelWork,
	}
	heap.Init(&d.retries)
	return d
}

// Start launches the workers and the retry scheduler.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		d.log.Infow("Starting dispatcher",
			"workers", d.cfg.MaxConcurrentSends,
			"queueSize", d.cfg.QueueSize,
			"maxRetries", d.cfg.MaxRetries,
			"baseBackoff", d.cfg.BaseBackoff,
			"maxBackoff", d.cfg.MaxBackoff)

		d.group = &errgroup.Group{}
		for i := 0; i < d.cfg.MaxConcurrentSends; i++ {
			d.group.Go(d.worker)
		}
		d.group.Go(d.scheduler)
	})
}

// Submit hands job to the dispatcher. It blocks while the dispatcher is at
// capacity. On a nil return job.Done will be called exactly once; on error
// it is never called.
func (d *Dispatcher) Submit(ctx context.Context, job Job) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrStopped
	}
	d.pending.Add(1)
	d.mu.Unlock()

	acquireCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(d.intakeCtx, cancel)
	err := d.capacity.Acquire(acquireCtx, 1)
	stop()
	cancel()
	if err != nil {
		d.pending.Done()
		if d.intakeCtx.Err() != nil {
			return ErrStopped
		}
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.capacity.Release(1)
		d.pending.Done()
		return ErrStopped
	}
	d.ready <- &item{job: job, owner: uuid.NewString(), stage: stageCheck, index: -1}
	metrics.DispatchQueueDepth.Set(float64(len(d.ready)))
	return nil
}

// Stop stops intake and drains until every job is resolved or ctx expires.
// Jobs still unresolved then are abandoned: in-flight sends are cancelled,
// reservations released and Done called with StatusAbandoned. Stop returns
// ErrDrainTimeout when anything was abandoned.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() {
		d.stopErr = d.stop(ctx)
	})
	return d.stopErr
}

func (d *Dispatcher) stop(ctx context.Context) error {
	d.log.Info("Stopping dispatcher")
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.stopIntake()

	drained := make(chan struct{})
	go func() {
		d.pending.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = fmt.Errorf("%w: %w", ErrDrainTimeout, ctx.Err())
	}

	d.cancelWork()
	if d.group != nil {
		_ = d.group.Wait()
	}

	d.mu.Lock()
	d.closed = true
	leftover := d.retries.drain()
drainReady:
	for {
		select {
		case it := <-d.ready:
			leftover = append(leftover, it)
		default:
			break drainReady
		}
	}
	metrics.RetriesPending.Set(0)
	metrics.DispatchQueueDepth.Set(0)
	d.mu.Unlock()

	for _, it := range leftover {
		d.abandon(it)
	}
	<-drained

	if err != nil {
		d.log.Warnw("Dispatcher drain timed out, unresolved events abandoned", "abandoned", len(leftover))
		return err
	}
	d.log.Info("Dispatcher stopped gracefully")
	return nil
}

func (d *Dispatcher) worker() error {
	for {
		select {
		case <-d.workCtx.Done():
			return nil
		case it := <-d.ready:
			metrics.DispatchQueueDepth.Set(float64(len(d.ready)))
			d.process(it)
		}
	}
}

// scheduler moves due retries back onto the ready queue.
func (d *Dispatcher) scheduler() error {
	ticker := time.NewTicker(d.cfg.SchedulerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.workCtx.Done():
			return nil
		case <-ticker.C:
			d.releaseDue()
		}
	}
}

func (d *Dispatcher) releaseDue() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, it := range d.retries.popDue(d.now()) {
		d.ready <- it
	}
	metrics.RetriesPending.Set(float64(d.retries.Len()))
	metrics.DispatchQueueDepth.Set(float64(len(d.ready)))
}

func (d *Dispatcher) process(it *item) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic during %s: %v", it.stage, r)
			d.log.Errorw("Recovered panic in dispatch worker", "eventId", it.eventID(), "stage", it.stage.String(), "panic", r)
			it.panics++
			if it.stage != stagePark && it.panics >= d.cfg.MaxRetries {
				it.stage, it.class, it.reason, it.finalErr = stagePark, deadletter.Permanent, deadletter.ReasonRetriesExhausted, err
			}
			d.schedule(it, d.policy.Delay(it.panics))
		}
	}()

	switch it.stage {
	case stageCheck:
		d.check(it)
	case stageSend:
		d.send(it)
	case stagePark:
		d.park(it)
	}
}

func (d *Dispatcher) check(it *item) {
	res, err := d.store.CheckAndReserve(d.workCtx, it.eventID(), it.owner)
	if err != nil {
		if d.workCtx.Err() != nil {
			d.abandon(it)
			return
		}
		metrics.IdempotencyErrors.WithLabelValues("reserve").Inc()
		d.log.Warnw("Idempotency check failed, retrying", "eventId", it.eventID(), "error", err)
		d.schedule(it, d.cfg.BaseBackoff)
		return
	}

	switch res {
	case idempotency.Reserved:
		it.reserved = true
		it.stage = stageSend
		d.send(it)
	case idempotency.AlreadySent:
		metrics.DuplicatesSuppressed.WithLabelValues(string(idempotency.StatusSent)).Inc()
		d.log.Infow("Suppressed duplicate of sent event", "eventId", it.eventID())
		d.finish(it, StatusDuplicate, nil)
	case idempotency.AlreadyFailed:
		metrics.DuplicatesSuppressed.WithLabelValues(string(idempotency.StatusFailed)).Inc()
		d.log.Infow("Suppressed duplicate of failed event", "eventId", it.eventID())
		d.finish(it, StatusFailed, ErrAlreadyFailed)
	case idempotency.InFlight:
		d.log.Debugw("Event reserved elsewhere, re-checking later", "eventId", it.eventID())
		d.schedule(it, d.cfg.BaseBackoff)
	}
}

func (d *Dispatcher) send(it *item) {
	ev := it.job.Event

	if !d.refresh(it) {
		return
	}

	msg, err := d.renderer.Render(ev.TemplateID, ev.TemplateData)
	if err != nil {
		it.history = append(it.history, deadletter.Attempt{
			Number:  it.attempts + 1,
			At:      d.now().UTC(),
			Outcome: mail.PermanentFailure.String(),
			Reason:  "render",
			Error:   err.Error(),
		})
		d.log.Warnw("Failed to render event, dead-lettering", "eventId", ev.EventID, "templateId", ev.TemplateID, "error", err)
		d.toPark(it, deadletter.Permanent, deadletter.ReasonRender, err)
		return
	}

	it.attempts++
	ctx := d.workCtx
	if it.job.Trace.IsValid() {
		ctx = trace.ContextWithSpanContext(ctx, it.job.Trace)
	}
	ctx, span := tracer.Start(ctx, "mail.send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("mail.event_id", ev.EventID),
			attribute.String("mail.template_id", ev.TemplateID),
			attribute.Int("mail.attempt", it.attempts),
		))
	outcome := d.transport.Send(ctx, mail.Envelope{
		EventID:     ev.EventID,
		To:          ev.RecipientAddress,
		Subject:     msg.Subject,
		Body:        msg.Body,
		ContentType: msg.ContentType,
	})

	at := deadletter.Attempt{
		Number:  it.attempts,
		At:      d.now().UTC(),
		Outcome: outcome.Kind.String(),
		Reason:  outcome.Reason,
		Code:    outcome.Code,
	}
	if outcome.Err != nil {
		at.Error = outcome.Err.Error()
	}
	it.history = append(it.history, at)

	span.SetAttributes(attribute.String("mail.outcome", outcome.Kind.String()))
	if outcome.Code != 0 {
		span.SetAttributes(attribute.Int("smtp.code", outcome.Code))
	}
	if outcome.Kind != mail.Sent {
		span.SetStatus(codes.Error, outcome.String())
	}
	span.End()

	switch outcome.Kind {
	case mail.Sent:
		if err := d.record(it.eventID(), idempotency.StatusSent); err != nil {
			d.log.Errorw("Mail sent but recording it failed; a redelivery may send again",
				"eventId", ev.EventID, "error", err)
		}
		d.log.Infow("Mail sent", "eventId", ev.EventID, "templateId", ev.TemplateID, "attempt", it.attempts)
		d.finish(it, StatusSent, nil)
	case mail.PermanentFailure:
		d.log.Warnw("Permanent delivery failure", "eventId", ev.EventID, "attempt", it.attempts, "outcome", outcome.String())
		d.toPark(it, deadletter.Permanent, deadletter.ReasonRejected, errors.New(outcome.String()))
	default:
		d.transient(it, outcome)
	}
}

func (d *Dispatcher) transient(it *item, outcome mail.Outcome) {
	if d.workCtx.Err() != nil {
		d.abandon(it)
		return
	}
	if it.attempts < d.cfg.MaxRetries {
		delay := d.policy.Delay(it.attempts)
		d.log.Warnw("Transient delivery failure, scheduling retry",
			"eventId", it.eventID(),
			"attempt", it.attempts,
			"maxRetries", d.cfg.MaxRetries,
			"retryIn", delay.String(),
			"outcome", outcome.String())
		d.schedule(it, delay)
		return
	}
	d.log.Warnw("Retries exhausted, dead-lettering", "eventId", it.eventID(), "attempts", it.attempts, "outcome", outcome.String())
	d.toPark(it, deadletter.Permanent, deadletter.ReasonRetriesExhausted, errors.New(outcome.String()))
}

// refresh extends the reservation ahead of a send attempt. It reports false
// when the attempt must not happen; the item has then been rescheduled or
// abandoned.
func (d *Dispatcher) refresh(it *item) bool {
	err := d.store.Refresh(d.workCtx, it.eventID(), it.owner)
	switch {
	case err == nil:
		return true
	case d.workCtx.Err() != nil:
		d.abandon(it)
	case errors.Is(err, idempotency.ErrReservationLost):
		metrics.ReservationsLost.Inc()
		d.log.Warnw("Reservation lapsed before send, re-checking", "eventId", it.eventID(), "attempts", it.attempts)
		it.reserved = false
		it.stage = stageCheck
		d.schedule(it, d.cfg.BaseBackoff)
	default:
		metrics.IdempotencyErrors.WithLabelValues("refresh").Inc()
		d.log.Warnw("Reservation refresh failed, delaying send", "eventId", it.eventID(), "error", err)
		d.schedule(it, d.cfg.BaseBackoff)
	}
	return false
}

func (d *Dispatcher) toPark(it *item, class deadletter.Classification, reason string, err error) {
	it.stage = stagePark
	it.class = class
	it.reason = reason
	it.finalErr = err
	d.park(it)
}

func (d *Dispatcher) park(it *item) {
	ev := it.job.Event
	rec := deadletter.NewRecord(it.class, it.finalErr.Error(), it.job.Source)
	rec.EventID = ev.EventID
	rec.Reason = it.reason
	rec.Event = &ev
	rec.Attempts = append([]deadletter.Attempt(nil), it.history...)

	ctx := d.workCtx
	if it.job.Trace.IsValid() {
		ctx = trace.ContextWithSpanContext(ctx, it.job.Trace)
	}
	if err := d.sink.Write(ctx, rec); err != nil {
		if d.workCtx.Err() != nil {
			d.abandon(it)
			return
		}
		d.log.Errorw("Dead-letter write failed, retrying", "eventId", ev.EventID, "sink", d.sink.Name(), "error", err)
		d.schedule(it, d.policy.Delay(1))
		return
	}

	if err := d.record(ev.EventID, idempotency.StatusFailed); err != nil {
		d.log.Errorw("Dead-lettered event but recording failure failed", "eventId", ev.EventID, "error", err)
	}
	d.log.Infow("Event dead-lettered", "eventId", ev.EventID, "classification", string(it.class), "reason", it.reason, "attempts", it.attempts)
	d.finish(it, StatusFailed, it.finalErr)
}

// record writes a final status. It is not bound to the work context so a
// completed send is still recorded during shutdown.
func (d *Dispatcher) record(eventID string, status idempotency.Status) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(d.workCtx), storeTimeout)
	defer cancel()
	if err := d.store.Record(ctx, eventID, status); err != nil {
		metrics.IdempotencyErrors.WithLabelValues("record").Inc()
		return err
	}
	return nil
}

func (d *Dispatcher) schedule(it *item, delay time.Duration) {
	it.readyAt = d.now().Add(delay)
	metrics.RetriesScheduled.WithLabelValues(it.stage.String()).Inc()

	d.mu.Lock()
	heap.Push(&d.retries, it)
	metrics.RetriesPending.Set(float64(d.retries.Len()))
	d.mu.Unlock()
}

func (d *Dispatcher) abandon(it *item) {
	if it.reserved {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := d.store.Release(ctx, it.eventID(), it.owner); err != nil {
			metrics.IdempotencyErrors.WithLabelValues("release").Inc()
			d.log.Warnw("Failed to release reservation of abandoned event", "eventId", it.eventID(), "error", err)
		}
		cancel()
	}
	d.log.Infow("Abandoned event during shutdown", "eventId", it.eventID(), "stage", it.stage.String(), "attempts", it.attempts)
	d.finish(it, StatusAbandoned, context.Canceled)
}

func (d *Dispatcher) finish(it *item, status Status, err error) {
	metrics.DispatchResults.WithLabelValues(status.String()).Inc()
	if it.job.Done != nil {
		it.job.Done(Result{
			EventID:  it.eventID(),
			Status:   status,
			Attempts: it.attempts,
			Err:      err,
		})
	}
	d.capacity.Release(1)
	d.pending.Done()
}
