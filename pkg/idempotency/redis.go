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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrEmptyRedisURL       = errors.New("idempotency: redis URL is empty")
	ErrRedisConnectFailed  = errors.New("idempotency: failed to connect to redis")
	errReservationVanished = errors.New("idempotency: reservation state changed concurrently")
)

const reservedPrefix = "reserved:"

// releaseScript deletes the key only while it still carries the owner's reservation.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript restarts the TTL only while the key carries the owner's reservation.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisStore shares outcomes across instances through Redis.
//
// A reservation is "reserved:<owner>" stored with SET NX and the reservation
// TTL, so a crashed holder frees the key on its own. Records replace it with
// the status and the retention TTL.
type RedisStore struct {
	client         redis.UniversalClient
	prefix         string
	retention      time.Duration
	reservationTTL time.Duration
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client redis.UniversalClient, prefix string, retention, reservationTTL time.Duration) *RedisStore {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if reservationTTL <= 0 {
		reservationTTL = 10 * time.Minute
	}
	return &RedisStore{
		client:         client,
		prefix:         prefix,
		retention:      retention,
		reservationTTL: reservationTTL,
	}
}

// Open connects to url (redis:// or rediss://), retrying with a growing pause.
func Open(ctx context.Context, url string, attempts int, interval time.Duration) (redis.UniversalClient, error) {
	if url == "" {
		return nil, ErrEmptyRedisURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("idempotency: parse redis URL: %w", err)
	}

	attempts = max(attempts, 1)
	var lastErr error
	for i := range attempts {
		client := redis.NewClient(opts)
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			return client, nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrRedisConnectFailed, ctx.Err())
		case <-time.After(time.Duration(i+1) * interval):
		}
	}
	return nil, errors.Join(ErrRedisConnectFailed, lastErr)
}

func (s *RedisStore) key(eventID string) string {
	return s.prefix + eventID
}

func (s *RedisStore) CheckAndReserve(ctx context.Context, eventID, owner string) (Reservation, error) {
	key := s.key(eventID)
	token := reservedPrefix + owner

	// The key can expire between SET NX and GET; a few rounds settle it.
	for range 3 {
		ok, err := s.client.SetNX(ctx, key, token, s.reservationTTL).Result()
		if err != nil {
			return 0, fmt.Errorf("reserve %s: %w", eventID, err)
		}
		if ok {
			return Reserved, nil
		}

		val, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", eventID, err)
		}

		switch {
		case val == string(StatusSent):
			return AlreadySent, nil
		case val == string(StatusFailed):
			return AlreadyFailed, nil
		case strings.HasPrefix(val, reservedPrefix):
			return InFlight, nil
		default:
			return 0, fmt.Errorf("unexpected idempotency value %q for %s", val, eventID)
		}
	}
	return 0, errReservationVanished
}

func (s *RedisStore) Record(ctx context.Context, eventID string, status Status) error {
	if err := validStatus(status); err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(eventID), string(status), s.retention).Err(); err != nil {
		return fmt.Errorf("record %s as %s: %w", eventID, status, err)
	}
	return nil
}

func (s *RedisStore) Refresh(ctx context.Context, eventID, owner string) error {
	n, err := refreshScript.Run(ctx, s.client, []string{s.key(eventID)}, reservedPrefix+owner, s.reservationTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh %s: %w", eventID, err)
	}
	if n == 0 {
		return ErrReservationLost
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, eventID, owner string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.key(eventID)}, reservedPrefix+owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release %s: %w", eventID, err)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping reports whether Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
