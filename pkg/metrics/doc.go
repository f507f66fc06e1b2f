// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

// Package metrics defines Prometheus metrics for the mail dispatch pipeline,
// covering event consumption, offset commits, relay sends, retries, duplicate
// suppression and dead-lettering.
package metrics
