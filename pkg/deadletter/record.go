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

// Package deadletter persists events that could not be delivered so operators
// can inspect and replay them.
package deadletter

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/telekom/mail-dispatch/pkg/event"
)

// Classification says why an event ended up dead-lettered.
type Classification string

const (
	// Permanent means the event will never be delivered. Reason refines it.
	Permanent Classification = "permanent"
	// Malformed means the payload could not be decoded or validated.
	Malformed Classification = "malformed"
)

// Reasons refining a Permanent classification.
const (
	ReasonRejected         = "rejected"
	ReasonRender           = "render"
	ReasonRetriesExhausted = "retries_exhausted"
)

// Attempt is one send attempt in a record's history.
type Attempt struct {
	Number  int       `json:"number"`
	At      time.Time `json:"at"`
	Outcome string    `json:"outcome"`
	Reason  string    `json:"reason,omitempty"`
	Code    int       `json:"code,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// Source locates the original broker message.
type Source struct {
	Topic     string `json:"topic"`
	Partition int    `json:"partition"`
	Offset    int64  `json:"offset"`
}

// Record is a dead-lettered event with its failure context.
type Record struct {
	ID             string           `json:"id"`
	EventID        string           `json:"eventId,omitempty"`
	Event          *event.MailEvent `json:"event,omitempty"`
	Raw            []byte           `json:"raw,omitempty"`
	Classification Classification   `json:"classification"`
	Reason         string           `json:"reason,omitempty"`
	FinalError     string           `json:"finalError"`
	Attempts       []Attempt        `json:"attempts,omitempty"`
	Source         Source           `json:"source"`
	FailedAt       time.Time        `json:"failedAt"`
}

// NewRecord stamps a record with a fresh id and the current time.
func NewRecord(class Classification, finalErr string, src Source) Record {
	return Record{
		ID:             uuid.NewString(),
		Classification: class,
		FinalError:     finalErr,
		Source:         src,
		FailedAt:       time.Now().UTC(),
	}
}

// key partitions records of the same event together.
func (r Record) key() string {
	if r.EventID != "" {
		return r.EventID
	}
	return r.ID
}

// Sink stores dead-letter records. A nil error means the record is durable.
type Sink interface {
	Write(ctx context.Context, rec Record) error
	Name() string
	Close() error
}
