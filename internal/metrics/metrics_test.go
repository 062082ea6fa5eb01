// ABOUTME: Tests for Prometheus instrumentation wiring
// ABOUTME: Verifies isolated registries and the exposition handler

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IsolatedRegistries(t *testing.T) {
	// Two instances must not collide on registration
	a := New(nil)
	b := New(nil)

	a.LockAttempts.WithLabelValues("acquired").Inc()

	assert.InDelta(t, 1, testutil.ToFloat64(a.LockAttempts.WithLabelValues("acquired")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(b.LockAttempts.WithLabelValues("acquired")), 0)
}

func TestHandler_ExposesCounters(t *testing.T) {
	m := New(nil)
	m.AlertsOpened.WithLabelValues("vip_customer", "urgent").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `handoff_gateway_alerts_opened_total{priority="urgent",type="vip_customer"} 1`), body)
}

func TestNewWithRuntime(t *testing.T) {
	m := NewWithRuntime()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
