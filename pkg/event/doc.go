// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

// Package event defines the MailEvent consumed from the mail-events topic and
// the decoding and validation rules applied before an event may enter the
// dispatch pipeline.
package event
