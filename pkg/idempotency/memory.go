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

package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	reserved bool
	owner    string
	status   Status
	expires  time.Time
}

// MemoryStore is a process-local Store. Records do not survive a restart.
type MemoryStore struct {
	mu             sync.Mutex
	entries        map[string]memoryEntry
	retention      time.Duration
	reservationTTL time.Duration
	now            func() time.Time
	done           chan struct{}
	stopOnce       sync.Once
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore starts a store that evicts expired entries every
// evictionInterval.
func NewMemoryStore(retention, reservationTTL, evictionInterval time.Duration) *MemoryStore {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if reservationTTL <= 0 {
		reservationTTL = 10 * time.Minute
	}
	if evictionInterval <= 0 {
		evictionInterval = time.Minute
	}

	s := &MemoryStore{
		entries:        make(map[string]memoryEntry),
		retention:      retention,
		reservationTTL: reservationTTL,
		now:            time.Now,
		done:           make(chan struct{}),
	}
	go s.cleanup(evictionInterval)
	return s
}

func (s *MemoryStore) CheckAndReserve(_ context.Context, eventID, owner string) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[eventID]; ok && now.Before(e.expires) {
		switch {
		case e.reserved:
			return InFlight, nil
		case e.status == StatusSent:
			return AlreadySent, nil
		case e.status == StatusFailed:
			return AlreadyFailed, nil
		}
	}

	s.entries[eventID] = memoryEntry{reserved: true, owner: owner, expires: now.Add(s.reservationTTL)}
	return Reserved, nil
}

// Refresh extends owner's reservation. A lapsed reservation nobody else took
// over is still owner's and is extended too.
func (s *MemoryStore) Refresh(_ context.Context, eventID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[eventID]
	if !ok || !e.reserved || e.owner != owner {
		return ErrReservationLost
	}
	e.expires = s.now().Add(s.reservationTTL)
	s.entries[eventID] = e
	return nil
}

func (s *MemoryStore) Record(_ context.Context, eventID string, status Status) error {
	if err := validStatus(status); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[eventID] = memoryEntry{status: status, expires: s.now().Add(s.retention)}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, eventID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[eventID]; ok && e.reserved && e.owner == owner {
		delete(s.entries, eventID)
	}
	return nil
}

// Close stops the eviction goroutine.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.done) })
	return nil
}

// Len returns the number of tracked entries, expired ones included until evicted.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

func (s *MemoryStore) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, id)
		}
	}
}
