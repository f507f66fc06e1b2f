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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/telekom/mail-dispatch/pkg/metrics"
)

// FileSink appends records as JSON lines to one file per UTC day,
// e.g. dead-letter-2026-01-31.jsonl.
type FileSink struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

var _ Sink = (*FileSink)(nil)

func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("dead-letter directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create dead-letter directory: %w", err)
	}
	return &FileSink{dir: dir, now: time.Now}, nil
}

// Write appends rec and syncs the file before returning.
func (s *FileSink) Write(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()

	line, err := json.Marshal(rec)
	if err != nil {
		metrics.DeadLetterErrors.WithLabelValues(s.Name(), "serialization").Inc()
		return fmt.Errorf("failed to marshal dead-letter record: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.append(line); err != nil {
		metrics.DeadLetterErrors.WithLabelValues(s.Name(), "io").Inc()
		return err
	}
	metrics.DeadLetterLatency.WithLabelValues(s.Name()).Observe(time.Since(start).Seconds())
	metrics.DeadLettered.WithLabelValues(s.Name(), string(rec.Classification)).Inc()
	return nil
}

func (s *FileSink) append(line []byte) error {
	f, err := os.OpenFile(s.path(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open dead-letter file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("write dead-letter file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync dead-letter file: %w", err)
	}
	return f.Close()
}

func (s *FileSink) path() string {
	return filepath.Join(s.dir, "dead-letter-"+s.now().UTC().Format("2006-01-02")+".jsonl")
}

func (s *FileSink) Name() string { return "file" }

func (s *FileSink) Close() error { return nil }
