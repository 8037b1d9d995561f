package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"imconnect/node/internal/protocol"
	"imconnect/node/internal/retry"
	"imconnect/node/internal/strategy"
)

func TestObserversFeedCounters(t *testing.T) {
	m := New()

	m.Routed(strategy.OutcomeLocal)
	m.Routed(strategy.OutcomeOffline)
	m.Routed(strategy.OutcomeOffline)
	m.AckSeen(protocol.AckStatusRead)
	m.Withdrawn()
	m.Tracked(retry.KindServerAck)
	m.Retried(retry.KindClientAck)
	m.Abandoned(retry.KindClientAck)
	m.GroupPushed(3, 1)

	require.Equal(t, 1.0, testutil.ToFloat64(m.routed.WithLabelValues(strategy.OutcomeLocal.String())))
	require.Equal(t, 2.0, testutil.ToFloat64(m.routed.WithLabelValues(strategy.OutcomeOffline.String())))
	require.Equal(t, 1.0, testutil.ToFloat64(m.acks.WithLabelValues("read")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.withdrawals))
	require.Equal(t, 1.0, testutil.ToFloat64(m.retryEvents.WithLabelValues("client_ack", "abandoned")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.groupPushes.WithLabelValues("delivered")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.groupPushes.WithLabelValues("failed")))
}

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	m := New()
	m.Connections.Set(5)
	m.GaugeFunc("worker_pending", "Queued handler tasks.", func() float64 { return 7 })

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	text := string(body)
	require.True(t, strings.Contains(text, "imconnect_connections 5"), text)
	require.True(t, strings.Contains(text, "imconnect_worker_pending 7"), text)
	require.True(t, strings.Contains(text, "go_goroutines"), text)
}
