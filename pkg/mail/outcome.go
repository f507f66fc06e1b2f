// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
)

// Kind is the delivery outcome class of a single send attempt.
type Kind int

const (
	Sent Kind = iota
	TransientFailure
	PermanentFailure
)

func (k Kind) String() string {
	switch k {
	case Sent:
		return "sent"
	case TransientFailure:
		return "transient"
	case PermanentFailure:
		return "permanent"
	default:
		return "unknown"
	}
}

// Outcome is the result of one send attempt.
type Outcome struct {
	Kind Kind
	// Reason is a short machine-friendly label, e.g. "smtp_4xx", "auth", "timeout".
	Reason string
	// Code is the SMTP reply code, when the relay answered with one.
	Code int
	Err  error
}

// Succeeded returns the Sent outcome.
func Succeeded() Outcome {
	return Outcome{Kind: Sent}
}

// Transient returns a TransientFailure outcome.
func Transient(reason string, err error) Outcome {
	return Outcome{Kind: TransientFailure, Reason: reason, Err: err}
}

// Permanent returns a PermanentFailure outcome.
func Permanent(reason string, err error) Outcome {
	return Outcome{Kind: PermanentFailure, Reason: reason, Err: err}
}

func (o Outcome) String() string {
	if o.Kind == Sent {
		return "sent"
	}
	s := o.Kind.String() + "(" + o.Reason
	if o.Code != 0 {
		s += fmt.Sprintf(" %d", o.Code)
	}
	s += ")"
	if o.Err != nil {
		s += ": " + o.Err.Error()
	}
	return s
}

// Classify maps an error returned while dialing or sending to an Outcome.
// SMTP 4xx replies and network-level failures are transient; SMTP 5xx
// replies and authentication refusals are permanent. Unknown errors are
// treated as transient so the retry budget bounds them.
func Classify(err error) Outcome {
	if err == nil {
		return Succeeded()
	}

	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		o := Outcome{Code: tpErr.Code, Err: err}
		switch {
		case tpErr.Code >= 400 && tpErr.Code < 500:
			o.Kind, o.Reason = TransientFailure, "smtp_4xx"
		case tpErr.Code == 530 || tpErr.Code == 534 || tpErr.Code == 535:
			o.Kind, o.Reason = PermanentFailure, "auth"
		case tpErr.Code == 501 || tpErr.Code == 550 || tpErr.Code == 551 || tpErr.Code == 553:
			o.Kind, o.Reason = PermanentFailure, "recipient"
		case tpErr.Code >= 500:
			o.Kind, o.Reason = PermanentFailure, "smtp_5xx"
		default:
			o.Kind, o.Reason = TransientFailure, "smtp_unexpected"
		}
		return o
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Transient("timeout", err)
	}
	if errors.Is(err, context.Canceled) {
		return Transient("cancelled", err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Transient("connection_closed", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Transient("timeout", err)
		}
		return Transient("network", err)
	}

	var certErr *tls.CertificateVerificationError
	var headerErr tls.RecordHeaderError
	if errors.As(err, &certErr) || errors.As(err, &headerErr) {
		return Transient("tls", err)
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "unencrypted connection"),
		strings.Contains(msg, "wrong host name"),
		strings.Contains(msg, "unsupported auth"):
		return Permanent("auth", err)
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "no such host"):
		return Transient("network", err)
	default:
		return Transient("unknown", err)
	}
}
