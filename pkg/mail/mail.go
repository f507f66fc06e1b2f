// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/gomail.v2"

	"github.com/telekom/mail-dispatch/pkg/config"
	"github.com/telekom/mail-dispatch/pkg/credentials"
	"github.com/telekom/mail-dispatch/pkg/event"
	"github.com/telekom/mail-dispatch/pkg/metrics"
)

// Envelope is one rendered message addressed to a single recipient.
type Envelope struct {
	EventID     string
	To          string
	Subject     string
	Body        string
	ContentType string
}

// Transport delivers one envelope and classifies the result.
type Transport interface {
	Send(ctx context.Context, env Envelope) Outcome
}

// Client is the SMTP relay transport. It is safe for concurrent use.
type Client struct {
	host          string
	port          int
	senderAddress string
	senderName    string
	sendTimeout   time.Duration
	pool          *pool
	limiter       *rate.Limiter
	signer        *Signer
	log           *zap.SugaredLogger
}

var _ Transport = (*Client)(nil)

// NewClient validates cfg and builds a Client. No connection is opened until
// the first Send.
func NewClient(cfg config.SMTP, creds credentials.Credentials, log *zap.SugaredLogger) (*Client, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Host == "" || cfg.Port <= 0 {
		return nil, fmt.Errorf("smtp host and port are required")
	}
	if err := event.ValidateAddress(cfg.SenderAddress); err != nil {
		return nil, fmt.Errorf("smtp sender address: %w", err)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 1
	}

	signer, err := NewSigner(cfg.DKIM)
	if err != nil {
		return nil, err
	}

	log.Infow("Initializing SMTP client",
		"host", cfg.Host,
		"port", cfg.Port,
		"user", creds.Username,
		"poolSize", poolSize,
		"sendTimeout", cfg.SendTimeout,
		"dkim", signer != nil)
	if cfg.InsecureSkipVerify {
		log.Warnw("InsecureSkipVerify is enabled for SMTP TLS connections", "host", cfg.Host)
	}

	base := gomail.NewDialer(cfg.Host, cfg.Port, creds.Username, creds.Password)
	base.SSL = cfg.SSL || cfg.Port == 465
	base.LocalName = cfg.LocalName
	base.TLSConfig = &tls.Config{
		ServerName:         cfg.Host,
		InsecureSkipVerify: cfg.InsecureSkipVerify, // #nosec G402 -- opt-in via config
		MinVersion:         tls.VersionTLS12,
	}
	dial := func() (gomail.SendCloser, error) {
		// Dial caches the negotiated auth mechanism on the dialer, so each
		// connection gets its own copy.
		d := *base
		return d.Dial()
	}

	c := &Client{
		host:          cfg.Host,
		port:          cfg.Port,
		senderAddress: cfg.SenderAddress,
		senderName:    cfg.SenderName,
		sendTimeout:   cfg.SendTimeout,
		pool:          newPool(cfg.Host, poolSize, cfg.IdleTimeout, dial),
		signer:        signer,
		log:           log,
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	return c, nil
}

func (c *Client) Host() string { return c.host }
func (c *Client) Port() int    { return c.port }

// Send makes exactly one delivery attempt, bounded by the configured send
// timeout and by ctx.
func (c *Client) Send(ctx context.Context, env Envelope) Outcome {
	if c.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.sendTimeout)
		defer cancel()
	}

	start := time.Now()
	outcome := c.send(ctx, env)
	metrics.MailSendDuration.WithLabelValues(c.host).Observe(time.Since(start).Seconds())
	metrics.MailSendAttempts.WithLabelValues(c.host, outcome.Kind.String()).Inc()

	if outcome.Kind != Sent {
		c.log.Debugw("SMTP send attempt failed",
			"eventId", env.EventID,
			"outcome", outcome.Kind.String(),
			"reason", outcome.Reason,
			"code", outcome.Code,
			"error", outcome.Err)
	}
	return outcome
}

func (c *Client) send(ctx context.Context, env Envelope) Outcome {
	payload, err := c.payload(env)
	if err != nil {
		return Permanent("message", err)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Transient("rate_limited", err)
		}
	}

	conn, err := c.pool.acquire(ctx)
	if err != nil {
		if errors.Is(err, errPoolClosed) {
			return Transient("closed", err)
		}
		return Classify(err)
	}

	inFlight := metrics.MailSendsInFlight.WithLabelValues(c.host)
	inFlight.Inc()
	defer inFlight.Dec()

	done := make(chan error, 1)
	go func() {
		done <- conn.sc.Send(c.senderAddress, []string{env.To}, payload)
	}()

	select {
	case err := <-done:
		c.pool.release(conn, err == nil)
		return Classify(err)
	case <-ctx.Done():
		// The relay state is unknown. The connection keeps its slot until
		// the send goroutine returns, so a stalled relay cannot make the
		// pool dial past its size.
		c.log.Warnw("SMTP send timed out, holding connection until the relay answers",
			"eventId", env.EventID, "host", c.host)
		go c.pool.abandon(conn, done)
		return Transient("timeout", ctx.Err())
	}
}

func (c *Client) payload(env Envelope) (io.WriterTo, error) {
	if err := event.ValidateAddress(env.To); err != nil {
		return nil, err
	}

	msg := gomail.NewMessage()
	msg.SetAddressHeader("From", c.senderAddress, c.senderName)
	msg.SetHeader("To", env.To)
	msg.SetHeader("Subject", env.Subject)
	if env.EventID != "" {
		msg.SetHeader("Message-ID", messageID(env.EventID, c.senderAddress))
		msg.SetHeader("X-Mail-Event-ID", env.EventID)
	}
	contentType := env.ContentType
	if contentType == "" {
		contentType = "text/html"
	}
	msg.SetBody(contentType, env.Body)

	if c.signer == nil {
		return msg, nil
	}

	var raw bytes.Buffer
	if _, err := msg.WriteTo(&raw); err != nil {
		return nil, fmt.Errorf("serializing message: %w", err)
	}
	signed, err := c.signer.Sign(raw.Bytes(), c.senderAddress)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(signed), nil
}

// Close drops idle connections. In-flight sends finish on their own connection.
func (c *Client) Close() error {
	c.pool.close()
	return nil
}

// messageID derives a stable Message-ID so relays and recipients can detect
// redelivered copies of the same event.
func messageID(eventID, sender string) string {
	local := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, eventID)
	domain := event.Domain(sender)
	if domain == "" {
		domain = "localhost"
	}
	return "<" + local + "@" + domain + ">"
}
