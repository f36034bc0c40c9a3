package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSyncMetrics_Creation(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewSyncMetrics(registry)

	assert.NotNil(t, m.SessionsActive)
	assert.NotNil(t, m.ItemsSynced)
	assert.NotNil(t, m.Rejections)
	assert.NotNil(t, m.TierEscalations)
}

func TestSyncMetrics_Counters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewSyncMetrics(registry)

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))

	m.Synced(3)
	m.Synced(0)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ItemsSynced))

	m.Skipped("Duplicate content detected")
	m.Skipped("Duplicate content detected")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ItemsSkipped.WithLabelValues("Duplicate content detected")))

	m.Rejected("SecurityViolation")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Rejections.WithLabelValues("SecurityViolation")))

	m.ConnectFailed(true)
	m.ConnectFailed(false)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConnectionFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TierEscalations))
}

func TestSyncMetrics_NilSafe(t *testing.T) {
	var m *SyncMetrics
	assert.NotPanics(t, func() {
		m.SessionOpened()
		m.Message("sync_request", "in")
		m.Synced(1)
		m.ConnectFailed(true)
		m.Exhausted()
	})
}

func TestHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewSyncMetrics(registry)
	m.RequestTimedOut()

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	Handler(registry).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "friendsync_request_timeouts_total 1") {
		t.Error("Response should contain request timeout counter")
	}
}
