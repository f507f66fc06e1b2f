// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

// Package cli defines the mail-dispatch command tree: serve, render and version.
package cli
