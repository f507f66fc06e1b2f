// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDispatchMetricsExistAndIncrement(t *testing.T) {
	// Use a test label to avoid colliding with other tests
	lbl := "test-host"

	MailSendAttempts.WithLabelValues(lbl, "sent").Inc()
	if v := testutil.ToFloat64(MailSendAttempts.WithLabelValues(lbl, "sent")); v < 1 {
		t.Fatalf("expected MailSendAttempts >= 1, got %v", v)
	}

	DeadLettered.WithLabelValues("test-sink", "malformed").Add(2)
	if v := testutil.ToFloat64(DeadLettered.WithLabelValues("test-sink", "malformed")); v < 2 {
		t.Fatalf("expected DeadLettered >= 2, got %v", v)
	}

	DuplicatesSuppressed.WithLabelValues("sent").Inc()
	if v := testutil.ToFloat64(DuplicatesSuppressed.WithLabelValues("sent")); v < 1 {
		t.Fatalf("expected DuplicatesSuppressed >= 1, got %v", v)
	}
}

func TestOffsetCommitsLabelCardinality(t *testing.T) {
	OffsetCommits.Reset()
	defer OffsetCommits.Reset()
	labels := []string{"mail-events", "success"}
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("OffsetCommits panicked with labels %v: %v", labels, r)
		}
	}()

	OffsetCommits.WithLabelValues(labels...).Inc()
	if v := testutil.ToFloat64(OffsetCommits.WithLabelValues(labels...)); v != 1 {
		t.Fatalf("expected metric value 1 after increment, got %v", v)
	}
}

func TestMetricsHandlerServesRegisteredMetrics(t *testing.T) {
	DispatchQueueDepth.Set(3)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "maildispatch_queue_depth 3") {
		t.Fatalf("expected queue depth gauge in output")
	}
}
