package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FrameCacheEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maskscrub_frame_cache_events_total",
		Help: "Frame cache lookups and decode outcomes, by event",
	}, []string{"event"})

	MaskCacheWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maskscrub_mask_cache_writes_total",
		Help: "Mask cache writes, by source and whether they were applied or discarded as stale",
	}, []string{"source", "result"})

	PrefetchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maskscrub_prefetch_requests_total",
		Help: "Mask prefetch requests, by result",
	}, []string{"result"})

	PrefetchInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "maskscrub_prefetch_inflight",
		Help: "Mask prefetch requests currently outstanding",
	})

	BackendRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "maskscrub_backend_request_duration_seconds",
		Help:    "Latency of remote model calls",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"op"})

	ClickSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maskscrub_click_sessions_total",
		Help: "Click round trips, by terminal state",
	}, []string{"state"})
)
