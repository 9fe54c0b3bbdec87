package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.LiveEvent("insert", "applied")
		m.HistoryFetch("ok")
		m.Send("confirmed")
		m.GapRecovery("ok")
		m.ChannelOpened()
		m.ChannelClosed()
		m.Subscribed()
		m.Unsubscribed()
		m.Published("insert")
		m.HTTPRequest("/health", "GET", 200)
		m.WSConnected()
		m.WSDisconnected()
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestCollectors(t *testing.T) {
	m := New()

	m.LiveEvent("insert", "applied")
	m.LiveEvent("insert", "applied")
	m.LiveEvent("update", "ignored")
	m.ChannelOpened()
	m.ChannelOpened()
	m.ChannelClosed()
	m.HTTPRequest("/api/messages/:id", "PATCH", 404)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.liveEvents.WithLabelValues("insert", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.liveEvents.WithLabelValues("update", "ignored")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.openChannels))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("/api/messages/:id", "PATCH", "404")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `wirechat_sync_live_events_total{op="insert",result="applied"} 2`)
	assert.Contains(t, string(body), "wirechat_sync_open_channels 1")
}

func TestNewUsesPrivateRegistry(t *testing.T) {
	assert.NotPanics(t, func() {
		New()
		New()
	})
}
