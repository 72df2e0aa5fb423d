package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narrator_http_requests_total",
		Help: "Total HTTP requests processed by the narrator",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "narrator_http_request_duration_seconds",
		Help:    "HTTP request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	eventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narrator_events_received_total",
		Help: "Source events received over HTTP by outcome",
	}, []string{"result"})

	responsesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narrator_responses_total",
		Help: "Listener responses by delivery outcome",
	}, []string{"result"})

	streamSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "narrator_stream_subscribers",
		Help: "Observers connected to the live stream",
	}, []string{"transport"})
)
