package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			var total float64
			for _, m := range mf.GetMetric() {
				if m.GetCounter() != nil {
					total += m.GetCounter().GetValue()
				}
				if m.GetGauge() != nil {
					total += m.GetGauge().GetValue()
				}
			}
			return total
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestCollector_CountsBroadcastsPerFamily(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordBroadcast("cards")
	c.RecordBroadcast("cards")
	c.RecordBroadcast("cursor-broadcast")

	assert.Equal(t, 3.0, gatherValue(t, reg, "noter_broadcasts_total"))
}

func TestCollector_QuotaRejectionsByCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordQuotaRejection("CARDS_RATE_LIMIT")
	c.RecordQuotaRejection("BOARDS_RATE_LIMIT")

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "noter_quota_rejections_total" {
			assert.Len(t, mf.GetMetric(), 2, "one series per rejection code")
		}
	}
}

func TestCollector_ConnectionGaugeBalances(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ConnectionOpened("cards")
	c.ConnectionOpened("cards")
	c.ConnectionClosed("cards")

	assert.Equal(t, 1.0, gatherValue(t, reg, "noter_open_connections"))
}

func TestCollector_StoreLatencyObserved(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordStoreLatency("card_create", 100*time.Millisecond)
	c.RecordStoreLatency("card_create", 2*time.Second)

	families, err := reg.Gather()
	require.NoError(t, err)
	found := false
	for _, mf := range families {
		if mf.GetName() == "noter_store_write_latency_seconds" {
			found = true
			h := mf.GetMetric()[0].GetHistogram()
			assert.Equal(t, uint64(2), h.GetSampleCount())
			assert.InDelta(t, 2.1, h.GetSampleSum(), 0.01)
		}
	}
	require.True(t, found)
}

func TestHandler_ServesPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordBroadcast("cards")
	c.RecordReconnectAttempt()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, req)

	resp := w.Result()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "noter_broadcasts_total")
	assert.Contains(t, string(body), "noter_reconnect_attempts_total")
}

func TestNop_SatisfiesRecorder(t *testing.T) {
	var _ Recorder = Nop{}
	var _ Recorder = NewCollector(prometheus.NewRegistry())
}
