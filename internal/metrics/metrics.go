// Package metrics exposes call and presence counters to Prometheus.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CallMetrics implements call.Observer.
type CallMetrics struct {
	registry *prometheus.Registry

	started    *prometheus.CounterVec
	connected  prometheus.Counter
	ended      *prometheus.CounterVec
	duration   prometheus.Histogram
	conflicts  prometheus.Counter
	candidates prometheus.Counter
	packets    prometheus.Counter
	online     prometheus.Gauge
}

func New() *CallMetrics {
	m := &CallMetrics{
		registry: prometheus.NewRegistry(),
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "randomtalk_calls_started_total",
			Help: "Calls started, by kind",
		}, []string{"kind"}),
		connected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "randomtalk_calls_connected_total",
			Help: "Calls whose media connection reached connected",
		}),
		ended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "randomtalk_calls_ended_total",
			Help: "Calls ended, by reason",
		}, []string{"reason"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "randomtalk_call_duration_seconds",
			Help:    "Duration of connected calls",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "randomtalk_room_claim_conflicts_total",
			Help: "Room claims lost to another joiner",
		}),
		candidates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "randomtalk_ice_candidates_relayed_total",
			Help: "Local ICE candidates written to the rendezvous store",
		}),
		packets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "randomtalk_rtp_packets_received_total",
			Help: "RTP packets received from peers",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "randomtalk_online_users",
			Help: "Users flagged online and seen recently",
		}),
	}
	m.registry.MustRegister(
		m.started, m.connected, m.ended, m.duration,
		m.conflicts, m.candidates, m.packets, m.online,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *CallMetrics) CallStarted(kind string) { m.started.WithLabelValues(kind).Inc() }
func (m *CallMetrics) CallConnected()          { m.connected.Inc() }
func (m *CallMetrics) ClaimConflict()          { m.conflicts.Inc() }
func (m *CallMetrics) CandidateRelayed()       { m.candidates.Inc() }

// PacketReceived is wired to the media endpoint's packet observer.
func (m *CallMetrics) PacketReceived() { m.packets.Inc() }

// CallEnded counts the end reason. Only connected calls feed the duration
// histogram.
func (m *CallMetrics) CallEnded(reason string, d time.Duration) {
	m.ended.WithLabelValues(reason).Inc()
	if d > 0 {
		m.duration.Observe(d.Seconds())
	}
}

func (m *CallMetrics) SetOnline(n int) { m.online.Set(float64(n)) }

// Registry exposes the collectors, mainly for tests.
func (m *CallMetrics) Registry() *prometheus.Registry { return m.registry }

func (m *CallMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// OnlineCounter reports the current number of online users.
type OnlineCounter interface {
	CountOnline(ctx context.Context) (int, error)
}

// PollOnline refreshes the online gauge every interval until ctx ends.
func (m *CallMetrics) PollOnline(ctx context.Context, src OnlineCounter, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := src.CountOnline(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("online count failed", "error", err)
		} else {
			m.SetOnline(n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
