// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"time"
)

var (
	// ErrMalformed is returned when a raw payload cannot be decoded.
	ErrMalformed = errors.New("malformed event")
	// ErrInvalid is returned when a decoded event fails validation.
	ErrInvalid = errors.New("invalid event")
)

// MailEvent is a request to send one transactional email.
type MailEvent struct {
	EventID          string         `json:"eventId"`
	RecipientAddress string         `json:"recipientAddress"`
	TemplateID       string         `json:"templateId"`
	TemplateData     map[string]any `json:"templateData,omitempty"`
	EnqueuedAt       time.Time      `json:"enqueuedAt"`
}

// Decode parses a raw broker payload into a MailEvent and validates it.
// fallbackTime is used for EnqueuedAt when the payload does not carry one.
// Returned errors wrap ErrMalformed or ErrInvalid.
func Decode(raw []byte, fallbackTime time.Time) (MailEvent, error) {
	var ev MailEvent
	if len(bytes.TrimSpace(raw)) == 0 {
		return ev, fmt.Errorf("%w: empty payload", ErrMalformed)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&ev); err != nil {
		return MailEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return MailEvent{}, fmt.Errorf("%w: unexpected data after the event object", ErrMalformed)
	}

	if ev.EnqueuedAt.IsZero() {
		ev.EnqueuedAt = fallbackTime.UTC()
	}

	if err := ev.Validate(); err != nil {
		return ev, err
	}
	ev.RecipientAddress = normalizeAddress(ev.RecipientAddress)
	return ev, nil
}

// Validate checks the invariants every event must satisfy before dispatch.
func (e MailEvent) Validate() error {
	var problems []string

	if strings.TrimSpace(e.EventID) == "" {
		problems = append(problems, "eventId is required")
	}
	if strings.TrimSpace(e.TemplateID) == "" {
		problems = append(problems, "templateId is required")
	}
	if err := ValidateAddress(e.RecipientAddress); err != nil {
		problems = append(problems, err.Error())
	}
	for key, value := range e.TemplateData {
		if !isScalar(value) {
			problems = append(problems, fmt.Sprintf("templateData.%s must be a string, number or bool", key))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// ValidateAddress reports whether addr is a single bare email address.
func ValidateAddress(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return errors.New("recipientAddress is required")
	}
	if strings.ContainsAny(addr, "\r\n") {
		return errors.New("recipientAddress contains a line break")
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return fmt.Errorf("recipientAddress %q is malformed: %v", addr, err)
	}
	if parsed.Name != "" || !strings.EqualFold(parsed.Address, strings.Trim(addr, "<>")) {
		return fmt.Errorf("recipientAddress %q must be a bare address", addr)
	}
	at := strings.LastIndex(parsed.Address, "@")
	if at <= 0 || at == len(parsed.Address)-1 {
		return fmt.Errorf("recipientAddress %q is missing a domain", addr)
	}
	return nil
}

// Domain returns the domain part of a validated address, lower-cased.
func Domain(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at == -1 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSuffix(addr[at+1:], "."))
}

// normalizeAddress lower-cases only the domain. The local part is
// case-sensitive for the receiving server.
func normalizeAddress(addr string) string {
	addr = strings.Trim(strings.TrimSpace(addr), "<>")
	at := strings.LastIndex(addr, "@")
	if at == -1 {
		return addr
	}
	return addr[:at+1] + strings.ToLower(addr[at+1:])
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool, json.Number, float64, float32, int, int64, int32, nil:
		return true
	default:
		return false
	}
}
