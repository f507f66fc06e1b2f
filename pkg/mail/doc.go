// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

// Package mail delivers rendered messages through an SMTP relay. It keeps a
// bounded pool of relay connections, applies an optional send rate limit and
// DKIM signature, and classifies every attempt as sent, transient or
// permanent.
package mail
