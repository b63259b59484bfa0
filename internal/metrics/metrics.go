package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TicksReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketfeed_ticks_received_total",
		Help: "Raw ticks received from upstream, by source (stream, poll, simulation).",
	}, []string{"source"})

	TicksDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketfeed_ticks_dropped_total",
		Help: "Raw ticks dropped because the normalizer channel was full.",
	})

	TicksRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketfeed_ticks_rejected_total",
		Help: "Ticks rejected by the normalizer.",
	})

	MalformedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketfeed_malformed_frames_total",
		Help: "Upstream frames that could not be decoded.",
	})

	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketfeed_reconnect_attempts_total",
		Help: "Streaming reconnect attempts.",
	})

	RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketfeed_rate_limited_total",
		Help: "Poll cycles aborted by an upstream rate-limit response.",
	})

	BatchesEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketfeed_batches_emitted_total",
		Help: "Aggregated batches pushed to the fan-out.",
	})

	BatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "marketfeed_batch_instruments",
		Help:    "Number of changed instruments per emitted batch.",
		Buckets: prometheus.LinearBuckets(1, 2, 10),
	})

	SubscriberFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketfeed_subscriber_failures_total",
		Help: "Subscriber callbacks that returned an error or panicked.",
	})

	SubscriberDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketfeed_subscriber_drops_total",
		Help: "Batches dropped because a subscriber queue was full.",
	})

	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketfeed_subscribers",
		Help: "Current number of fan-out subscribers.",
	})

	CandleRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketfeed_candle_requests_total",
		Help: "Historical candle requests, by provider that served them.",
	}, []string{"provider"})
)

var registerOnce sync.Once

// InitMetrics 注册所有指标，重复调用是安全的
func InitMetrics(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			TicksReceived,
			TicksDropped,
			TicksRejected,
			MalformedFrames,
			Reconnects,
			RateLimited,
			BatchesEmitted,
			BatchSize,
			SubscriberFailures,
			SubscriberDrops,
			Subscribers,
			CandleRequests,
		)
	})
}
