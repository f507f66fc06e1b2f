// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

// Package backoff computes retry delays.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/telekom/mail-dispatch/pkg/config"
)

// Policy is an exponential backoff with an upper bound and optional jitter.
type Policy struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	// Jitter spreads each delay uniformly over [d*(1-Jitter), d*(1+Jitter)].
	Jitter float64

	// rnd returns a value in [0,1). Tests replace it.
	rnd func() float64
}

// FromConfig builds the retry policy of the dispatcher.
func FromConfig(cfg config.Dispatch) Policy {
	return Policy{
		Base:       cfg.BaseBackoff,
		Multiplier: cfg.BackoffMultiplier,
		Max:        cfg.MaxBackoff,
		Jitter:     cfg.Jitter,
	}
}

// Delay returns the wait before retry number attempt, counting from 1.
// It grows as Base*Multiplier^(attempt-1) and never exceeds Max.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.Base) * math.Pow(mult, float64(attempt-1))
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}

	if p.Jitter > 0 {
		j := math.Min(p.Jitter, 1)
		r := rand.Float64
		if p.rnd != nil {
			r = p.rnd
		}
		d *= 1 - j + 2*j*r()
		if p.Max > 0 && d > float64(p.Max) {
			d = float64(p.Max)
		}
	}

	if d <= 0 || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.Max
	}
	return time.Duration(d)
}
