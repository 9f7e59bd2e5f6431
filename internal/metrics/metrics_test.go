package metrics_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"randomtalk/backend/internal/metrics"
	"randomtalk/backend/pkg/logger"
)

func TestCallMetrics_Counters(t *testing.T) {
	m := metrics.New()

	m.CallStarted("random")
	m.CallStarted("random")
	m.CallStarted("targeted")
	m.CallConnected()
	m.ClaimConflict()
	m.CandidateRelayed()
	m.PacketReceived()
	m.CallEnded("hangup", 42*time.Second)
	m.CallEnded("unanswered", 0)
	m.SetOnline(7)

	expected := `
# HELP randomtalk_calls_started_total Calls started, by kind
# TYPE randomtalk_calls_started_total counter
randomtalk_calls_started_total{kind="random"} 2
randomtalk_calls_started_total{kind="targeted"} 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "randomtalk_calls_started_total"))

	n, err := testutil.GatherAndCount(m.Registry(), "randomtalk_call_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `randomtalk_calls_ended_total{reason="unanswered"} 1`)
	assert.Contains(t, body, "randomtalk_online_users 7")
	assert.Contains(t, body, "randomtalk_call_duration_seconds_count 1")
	assert.Contains(t, body, "randomtalk_rtp_packets_received_total 1")
}

type fixedCounter int

func (c fixedCounter) CountOnline(context.Context) (int, error) { return int(c), nil }

func TestCallMetrics_PollOnline(t *testing.T) {
	m := metrics.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.PollOnline(ctx, fixedCounter(3), time.Hour, logger.Discard())
		close(done)
	}()

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		return strings.Contains(rec.Body.String(), "randomtalk_online_users 3")
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
