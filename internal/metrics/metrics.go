package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Current number of authenticated websocket connections",
	})
	WsSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_subscriptions",
		Help: "Current number of topic subscriptions across all connections",
	})
	MessagesDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_dispatched_total",
		Help: "Messages persisted and published, by room kind",
	}, []string{"kind"})
	SendsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_sends_rejected_total",
		Help: "Send attempts rejected before persistence, by error code",
	}, []string{"code"})
	FramesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_ws_frames_rejected_total",
		Help: "Inbound frames rejected, by frame type and error code",
	}, []string{"frame", "code"})
	CredentialValidations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_credential_validations_total",
		Help: "Access credential validations, by result",
	}, []string{"result"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(WsConnections, WsSubscriptions, MessagesDispatched, SendsRejected,
		FramesRejected, CredentialValidations, HttpRequestsTotal, HttpRequestDuration)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
