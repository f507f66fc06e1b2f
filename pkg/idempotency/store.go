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

// Package idempotency remembers which events reached a terminal state so a
// redelivered event is not mailed twice.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/telekom/mail-dispatch/pkg/config"
)

// Status is the terminal state recorded for an event.
type Status string

const (
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

// Reservation is the result of CheckAndReserve.
type Reservation int

const (
	// Reserved means the caller now owns the event and must Record or Release it.
	Reserved Reservation = iota
	AlreadySent
	AlreadyFailed
	// InFlight means another worker or instance holds an unexpired reservation.
	InFlight
)

func (r Reservation) String() string {
	switch r {
	case Reserved:
		return "reserved"
	case AlreadySent:
		return "already_sent"
	case AlreadyFailed:
		return "already_failed"
	case InFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidStatus is returned by Record for anything but StatusSent or StatusFailed.
	ErrInvalidStatus = errors.New("invalid idempotency status")
	// ErrReservationLost is returned by Refresh when owner no longer holds the
	// reservation: it expired and was taken over, or the event was recorded.
	ErrReservationLost = errors.New("reservation lost")
)

// Store is a shared record of event outcomes.
//
// CheckAndReserve is atomic: concurrent callers for the same event id see
// exactly one Reserved. A reservation belongs to the owner that took it and
// lapses after the reservation TTL unless the owner refreshes it. Record
// overwrites any reservation, and records are kept for the configured
// retention.
type Store interface {
	CheckAndReserve(ctx context.Context, eventID, owner string) (Reservation, error)
	// Refresh restarts the TTL of owner's reservation, or returns
	// ErrReservationLost.
	Refresh(ctx context.Context, eventID, owner string) error
	Record(ctx context.Context, eventID string, status Status) error
	// Release drops owner's reservation without recording an outcome. It is a
	// no-op when owner does not hold it.
	Release(ctx context.Context, eventID, owner string) error
	Close() error
}

// New opens the store selected by cfg.Backend.
func New(ctx context.Context, cfg config.Idempotency, log *zap.SugaredLogger) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(cfg.Retention, cfg.ReservationTTL, cfg.EvictionInterval), nil
	case "redis":
		client, err := Open(ctx, cfg.RedisURL, 3, 2*time.Second)
		if err != nil {
			return nil, err
		}
		log.Infow("Connected idempotency store to redis", "keyPrefix", cfg.KeyPrefix, "retention", cfg.Retention)
		return NewRedisStore(client, cfg.KeyPrefix, cfg.Retention, cfg.ReservationTTL), nil
	default:
		return nil, fmt.Errorf("unknown idempotency backend %q", cfg.Backend)
	}
}

func validStatus(s Status) error {
	if s != StatusSent && s != StatusFailed {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return nil
}
