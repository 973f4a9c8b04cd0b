package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sync_http_requests_total",
			Help: "Total number of control API requests processed.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_sync_http_request_duration_seconds",
			Help:    "Control API request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	transportState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_sync_transport_state",
			Help: "Current transport state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting).",
		},
		[]string{"transport"},
	)
	transportEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sync_transport_events_total",
			Help: "Total number of transport lifecycle events.",
		},
		[]string{"transport", "event"},
	)
	subscriptionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_sync_subscriptions_active",
			Help: "Number of live network subscriptions held by the registry.",
		},
		[]string{"kind"},
	)
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sync_messages_total",
			Help: "Messages merged into open conversations.",
		},
		[]string{"source", "result"},
	)
	parseFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sync_parse_failures_total",
			Help: "Inbound payloads dropped because they could not be decoded.",
		},
		[]string{"channel"},
	)
	historyFetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sync_history_fetch_total",
			Help: "Backward history page fetches by outcome.",
		},
		[]string{"kind", "result"},
	)
	historyFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_sync_history_fetch_duration_seconds",
			Help:    "History page fetch latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	unreadMessages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_sync_unread_messages",
			Help: "Sum of unread counts across private conversations.",
		},
	)
	readReceiptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_sync_read_receipts_total",
			Help: "Read receipts emitted.",
		},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_sync_amqp_publish_errors_total",
			Help: "Total number of AMQP lifecycle event publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		transportState,
		transportEventsTotal,
		subscriptionsActive,
		messagesTotal,
		parseFailuresTotal,
		historyFetchTotal,
		historyFetchDuration,
		unreadMessages,
		readReceiptsTotal,
		amqpPublishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func SetTransportState(transport string, state int) {
	transportState.WithLabelValues(transport).Set(float64(state))
}

func IncTransportEvent(transport, event string) {
	transportEventsTotal.WithLabelValues(transport, event).Inc()
}

func IncSubscriptions(kind string) {
	subscriptionsActive.WithLabelValues(kind).Inc()
}

func DecSubscriptions(kind string) {
	subscriptionsActive.WithLabelValues(kind).Dec()
}

func ObserveMessage(source, result string) {
	messagesTotal.WithLabelValues(source, result).Inc()
}

func IncParseFailure(channel string) {
	parseFailuresTotal.WithLabelValues(channel).Inc()
}

func ObserveHistoryFetch(kind, result string, took time.Duration) {
	historyFetchTotal.WithLabelValues(kind, result).Inc()
	historyFetchDuration.WithLabelValues(kind).Observe(took.Seconds())
}

func SetUnreadTotal(n int) {
	unreadMessages.Set(float64(n))
}

func IncReadReceipt() {
	readReceiptsTotal.Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
