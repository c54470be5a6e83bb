// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Broker metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_events_published_total",
			Help: "Total events published to the broker",
		},
		[]string{"kind"},
	)

	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_events_delivered_total",
			Help: "Total events handed to subscriber callbacks",
		},
		[]string{"kind"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_events_dropped_total",
			Help: "Total events not enqueued for a matching subscriber",
		},
		[]string{"kind", "reason"}, // "queue_full" or "closed"
	)

	CallbackFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_callback_failures_total",
			Help: "Total subscriber callbacks or predicates that failed or panicked",
		},
		[]string{"kind"},
	)

	ActiveSubscriptions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "roomchat_active_subscriptions",
			Help: "Currently registered broker subscriptions",
		},
		[]string{"kind"},
	)

	SubscriberEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_subscriber_evictions_total",
			Help: "Total subscribers evicted because their queue overflowed",
		},
		[]string{"kind"},
	)

	// Session and typing metrics
	SessionsOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_sessions_opened_total",
			Help: "Total subscription sessions opened",
		},
		[]string{"kind"},
	)

	SessionsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_sessions_rejected_total",
			Help: "Total subscription sessions refused as forbidden",
		},
	)

	TypingUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomchat_typing_users",
			Help: "Users currently marked as typing",
		},
	)

	TypingExpirations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_typing_expirations_total",
			Help: "Total typing indicators cleared by the sweep",
		},
	)

	// Chat metrics
	MessagesPosted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_messages_posted_total",
			Help: "Total messages posted",
		},
		[]string{"room"},
	)

	// Transport metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomchat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomchat_websocket_connections",
			Help: "Currently open WebSocket connections",
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_rate_limit_hits_total",
			Help: "Total inbound WebSocket frames discarded by the rate limiter",
		},
	)
)
