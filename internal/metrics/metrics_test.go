package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.ObserveRule("client_created", "success", false, 20*time.Millisecond)
	c.ObserveRule("client_created", "success", false, 10*time.Millisecond)
	c.ObserveRule("client_created", "partial", true, time.Millisecond)
	c.ObserveAction("send_email", "skipped")
	c.IncScheduled()
	c.IncRateLimitDrop("")
	c.IncRateLimitDrop("/api/automation/webhooks")
	c.IncEntityEvent("Client", "update")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.ruleExecutions.WithLabelValues("client_created", "success", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ruleExecutions.WithLabelValues("client_created", "partial", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.actionResults.WithLabelValues("send_email", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.scheduled))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rateLimitDrops.WithLabelValues("global")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.entityEvents.WithLabelValues("Client", "update")))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ObserveRule("t", "success", false, time.Second)
		c.ObserveAction("a", "success")
		c.IncScheduled()
		c.IncRateLimitDrop("x")
		c.IncEntityEvent("Client", "create")
	})
}

func TestHandlerExposesSeries(t *testing.T) {
	c := New(nil)
	c.ObserveAction("create_task", "success")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `crmflow_action_results_total{action="create_task",outcome="success"} 1`))
	assert.Contains(t, body, "go_goroutines")
}
