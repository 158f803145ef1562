// Package metrics exposes the gateway's prometheus collectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docgate_http_requests_total",
		Help: "HTTP requests handled, by route and status code.",
	}, []string{"method", "route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docgate_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	remoteCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docgate_rag_calls_total",
		Help: "Calls to the RAG engine by operation and outcome.",
	}, []string{"op", "outcome"})

	remoteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docgate_rag_call_duration_seconds",
		Help:    "RAG engine call latency by operation.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"op"})

	chatStreams = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docgate_chat_streams_total",
		Help: "Chat stream invocations by terminal state.",
	}, []string{"outcome"})

	chatStreamBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docgate_chat_stream_bytes_total",
		Help: "Bytes forwarded from the RAG engine to chat clients.",
	})
)

// Remote call outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeRemoteError = "remote_error"
	OutcomeUnavailable = "unavailable"
)

// Chat stream terminal states.
const (
	StreamCompleted = "completed"
	StreamNoContent = "completed_empty"
	StreamFailed    = "failed"
	StreamCancelled = "cancelled"
)

func ObserveRemoteCall(op, outcome string, elapsed time.Duration) {
	remoteCalls.WithLabelValues(op, outcome).Inc()
	remoteDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func ObserveChatStream(outcome string) {
	chatStreams.WithLabelValues(outcome).Inc()
}

func AddStreamBytes(n int) {
	chatStreamBytes.Add(float64(n))
}

// GinMiddleware records every request against its route template.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
