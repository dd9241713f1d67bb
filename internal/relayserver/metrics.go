package relayserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	clients      prometheus.Gauge
	sessions     prometheus.Gauge
	frames       *prometheus.CounterVec
	buffered     prometheus.Counter
	replayed     prometheus.Counter
	parseErrors  prometheus.Counter
	sweptFrames  prometheus.Counter
	sessionStart *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		clients: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_clients_connected",
			Help: "Clients with an attached relay link",
		}),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_upstream_sessions",
			Help: "Open upstream service sessions",
		}),
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_frames_total",
			Help: "Application frames relayed, by direction",
		}, []string{"direction"}),
		buffered: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_buffered_total",
			Help: "Upstream frames written to the replay buffer",
		}),
		replayed: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_replayed_total",
			Help: "Buffered frames delivered by a replay",
		}),
		parseErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_parse_errors_total",
			Help: "Client frames that could not be handled",
		}),
		sweptFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_expired_total",
			Help: "Buffered frames removed by the retention sweep",
		}),
		sessionStart: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_session_starts_total",
			Help: "SESSION_START requests, by outcome",
		}, []string{"outcome"}),
	}
}
