package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	eventsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_events_consumed_total",
			Help: "Domain events consumed from the transport by event type.",
		},
		[]string{"event_type"},
	)
	eventsDeduped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "automation_events_deduped_total",
			Help: "Redelivered events short-circuited before rule evaluation.",
		},
	)
	eventsDeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_events_deadlettered_total",
			Help: "Events routed to the dead-letter topic by reason.",
		},
		[]string{"reason"},
	)
	rulesMatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_rules_matched_total",
			Help: "Rule condition evaluations by outcome.",
		},
		[]string{"outcome"},
	)
	actionsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_actions_total",
			Help: "Dispatched actions by type and status.",
		},
		[]string{"action_type", "status"},
	)
	actionRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_action_retries_total",
			Help: "Action execution retries by action type.",
		},
		[]string{"action_type"},
	)
	dispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "automation_dispatch_duration_seconds",
			Help:    "Full rule dispatch latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	ledgerConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "automation_ledger_conflicts_total",
			Help: "Duplicate (rule, event) deliveries resolved by the ledger.",
		},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
	notifierRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifier_requests_total",
			Help: "Notification service calls by outcome.",
		},
		[]string{"outcome"},
	)
	notifierLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notifier_request_duration_seconds",
			Help:    "Notification service call latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	indexedRules = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "automation_indexed_rules",
			Help: "Event-trigger rules currently held by the in-memory index.",
		},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency,
		eventsConsumed, eventsDeduped, eventsDeadLettered,
		rulesMatched, actionsExecuted, actionRetries, dispatchLatency,
		ledgerConflicts, influxWriteFailures,
		notifierRequests, notifierLatency,
		kafkaConsumerLag, asynqQueueDepth, indexedRules,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func IncEventConsumed(eventType string) {
	eventsConsumed.WithLabelValues(eventType).Inc()
}

func IncEventDeduped() {
	eventsDeduped.Inc()
}

func IncEventDeadLettered(reason string) {
	eventsDeadLettered.WithLabelValues(reason).Inc()
}

func IncRuleMatched(outcome string) {
	rulesMatched.WithLabelValues(outcome).Inc()
}

func IncActionStatus(actionType string, status string) {
	actionsExecuted.WithLabelValues(actionType, status).Inc()
}

func IncActionRetry(actionType string) {
	actionRetries.WithLabelValues(actionType).Inc()
}

func ObserveDispatchLatency(d time.Duration) {
	dispatchLatency.Observe(d.Seconds())
}

func IncLedgerConflict() {
	ledgerConflicts.Inc()
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func IncNotifierRequest(outcome string) {
	notifierRequests.WithLabelValues(outcome).Inc()
}

func ObserveNotifierLatency(d time.Duration) {
	notifierLatency.Observe(d.Seconds())
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

func SetIndexedRules(n int) {
	indexedRules.Set(float64(n))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
