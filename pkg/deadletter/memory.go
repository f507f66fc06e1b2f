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
	"context"
	"sync"

	"github.com/telekom/mail-dispatch/pkg/metrics"
)

// MemorySink keeps records in memory. An optional fail hook lets callers
// simulate an unavailable sink.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
	fail    func(Record) error
}

var _ Sink = (*MemorySink)(nil)

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// FailWith makes Write return the result of fn while it is non-nil.
func (s *MemorySink) FailWith(fn func(Record) error) {
	s.mu.Lock()
	s.fail = fn
	s.mu.Unlock()
}

func (s *MemorySink) Write(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		if err := s.fail(rec); err != nil {
			metrics.DeadLetterErrors.WithLabelValues(s.Name(), "injected").Inc()
			return err
		}
	}
	s.records = append(s.records, rec)
	metrics.DeadLettered.WithLabelValues(s.Name(), string(rec.Classification)).Inc()
	return nil
}

// Records returns a copy of everything written so far.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

func (s *MemorySink) Name() string { return "memory" }

func (s *MemorySink) Close() error { return nil }
