// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package mail

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"gopkg.in/gomail.v2"

	"github.com/telekom/mail-dispatch/pkg/metrics"
)

var errPoolClosed = errors.New("connection pool is closed")

type pooledConn struct {
	sc       gomail.SendCloser
	lastUsed time.Time
}

// pool bounds the number of relay connections open at once. A caller holds a
// slot from acquire until release or abandon.
type pool struct {
	host        string
	dial        func() (gomail.SendCloser, error)
	slots       *semaphore.Weighted
	idle        chan *pooledConn
	idleTimeout time.Duration
	closed      atomic.Bool
	now         func() time.Time
}

func newPool(host string, size int, idleTimeout time.Duration, dial func() (gomail.SendCloser, error)) *pool {
	return &pool{
		host:        host,
		dial:        dial,
		slots:       semaphore.NewWeighted(int64(size)),
		idle:        make(chan *pooledConn, size),
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
}

// acquire waits for a free slot, then reuses an idle connection or dials a new one.
func (p *pool) acquire(ctx context.Context) (*pooledConn, error) {
	if p.closed.Load() {
		return nil, errPoolClosed
	}
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	for {
		select {
		case c := <-p.idle:
			metrics.MailPoolIdleConnections.WithLabelValues(p.host).Set(float64(len(p.idle)))
			if p.idleTimeout > 0 && p.now().Sub(c.lastUsed) > p.idleTimeout {
				closeAsync(c)
				continue
			}
			return c, nil
		default:
		}

		sc, err := p.dial()
		if err != nil {
			metrics.MailDials.WithLabelValues(p.host, "error").Inc()
			p.slots.Release(1)
			return nil, err
		}
		metrics.MailDials.WithLabelValues(p.host, "success").Inc()
		return &pooledConn{sc: sc, lastUsed: p.now()}, nil
	}
}

// release returns the slot. Healthy connections go back to the idle set,
// anything else is closed.
func (p *pool) release(c *pooledConn, healthy bool) {
	defer p.slots.Release(1)

	if !healthy || p.closed.Load() {
		closeAsync(c)
		return
	}
	c.lastUsed = p.now()
	select {
	case p.idle <- c:
		metrics.MailPoolIdleConnections.WithLabelValues(p.host).Set(float64(len(p.idle)))
	default:
		closeAsync(c)
	}
}

// abandon waits for the send goroutine owning c to report on done, then
// closes c and returns its slot.
func (p *pool) abandon(c *pooledConn, done <-chan error) {
	defer p.slots.Release(1)
	metrics.MailAbandonedConnections.WithLabelValues(p.host).Inc()
	defer metrics.MailAbandonedConnections.WithLabelValues(p.host).Dec()

	<-done
	_ = c.sc.Close()
}

func (p *pool) close() {
	if p.closed.Swap(true) {
		return
	}
	for {
		select {
		case c := <-p.idle:
			_ = c.sc.Close()
		default:
			metrics.MailPoolIdleConnections.WithLabelValues(p.host).Set(0)
			return
		}
	}
}

// closeAsync sends QUIT without blocking the caller on an unresponsive relay.
func closeAsync(c *pooledConn) {
	go func() { _ = c.sc.Close() }()
}
