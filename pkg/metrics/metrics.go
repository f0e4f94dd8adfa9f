package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	QueuedRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldsync_queued_requests",
			Help: "Number of writes waiting in the durable queue",
		},
	)

	EnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_enqueued_total",
			Help: "Total number of enqueue attempts by result",
		},
		[]string{"result"},
	)

	CoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldsync_coalesced_checkpoints_total",
			Help: "Total number of superseded autosave checkpoints dropped before sync",
		},
	)

	// Replay metrics
	ReplayAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_replay_attempts_total",
			Help: "Total number of queued request replays by result",
		},
		[]string{"result"},
	)

	ReplayDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fieldsync_replay_pass_duration_seconds",
			Help:    "Duration of one replay pass over the queue",
			Buckets: prometheus.DefBuckets,
		},
	)

	SyncTriggersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_sync_triggers_total",
			Help: "Total number of replay passes by trigger source",
		},
		[]string{"source"},
	)

	// Interceptor metrics
	InterceptedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_intercepted_requests_total",
			Help: "Total number of intercepted requests by class and outcome",
		},
		[]string{"class", "outcome"},
	)

	CacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldsync_cache_entries",
			Help: "Number of cache entries in the active generation",
		},
	)

	NetworkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fieldsync_network_request_duration_seconds",
			Help:    "Duration of requests sent to the network",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"class"},
	)

	// Session metrics
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_inspection_transitions_total",
			Help: "Total number of inspection status transitions by result",
		},
		[]string{"event", "result"},
	)

	AutosavesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_autosaves_total",
			Help: "Total number of autosave checkpoints by reason",
		},
		[]string{"reason"},
	)

	// Event bus metrics
	EventsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_events_emitted_total",
			Help: "Total number of bus emissions by event name",
		},
		[]string{"event"},
	)

	HandlerPanicsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_event_handler_panics_total",
			Help: "Total number of recovered event handler panics",
		},
		[]string{"event"},
	)

	Online = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldsync_backend_online",
			Help: "Whether the backend was reachable at the last probe (1 = online)",
		},
	)
)

func init() {
	prometheus.MustRegister(QueuedRequests)
	prometheus.MustRegister(EnqueuedTotal)
	prometheus.MustRegister(CoalescedTotal)
	prometheus.MustRegister(ReplayAttemptsTotal)
	prometheus.MustRegister(ReplayDuration)
	prometheus.MustRegister(SyncTriggersTotal)
	prometheus.MustRegister(InterceptedTotal)
	prometheus.MustRegister(CacheEntries)
	prometheus.MustRegister(NetworkDuration)
	prometheus.MustRegister(TransitionsTotal)
	prometheus.MustRegister(AutosavesTotal)
	prometheus.MustRegister(EventsEmittedTotal)
	prometheus.MustRegister(HandlerPanicsTotal)
	prometheus.MustRegister(Online)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for histogram observations
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed seconds on a histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed seconds on a labelled histogram
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
