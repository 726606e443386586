package middleware

import (
	"mime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// routeUnmatched labels requests no route claimed, so scanners probing
// random paths cannot blow up series counts.
const routeUnmatched = "unmatched"

// Caller classes used as the "caller" label.
const (
	callerStaff     = "staff"
	callerCustomer  = "customer"
	callerAnonymous = "anonymous"
)

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests, by method, route, status and caller class.",
		},
		[]string{"method", "route", "status", "caller"},
	)

	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency. WebSocket streams are not observed.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_inflight",
			Help: "HTTP requests currently being served.",
		},
	)

	httpRespSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "http_response_size_bytes",
			Help: "HTTP response bodies in bytes.",
			Buckets: []float64{
				200, 500, 1 << 10, 5 << 10, 25 << 10,
				100 << 10, 500 << 10, 1 << 20, 5 << 20,
			},
		},
		[]string{"method", "route"},
	)

	// httpUploadSize sees declared multipart sizes: chat attachments and
	// order files.
	httpUploadSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "http_upload_size_bytes",
			Help: "Declared size of multipart upload requests.",
			Buckets: []float64{
				10 << 10, 100 << 10, 1 << 20, 5 << 20,
				20 << 20, 50 << 20, 100 << 20,
			},
		},
		[]string{"route"},
	)

	httpRateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_rate_limited_total",
			Help: "Requests rejected by the rate limiter, by caller class.",
		},
		[]string{"caller"},
	)
)

func init() {
	prometheus.MustRegister(httpReqs, httpLat, httpInflight, httpRespSize, httpUploadSize, httpRateLimited)
}

// callerClass reads the identity Authenticate left on c.
func callerClass(c *gin.Context) string {
	switch {
	case UserID(c) == "":
		return callerAnonymous
	case IsAdmin(c):
		return callerStaff
	default:
		return callerCustomer
	}
}

func isMultipart(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "multipart/form-data"
}

// Metrics instruments every request. Mount /metrics with promhttp next to it.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		upgraded := c.IsWebsocket()
		httpInflight.Inc()
		defer httpInflight.Dec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = routeUnmatched
		}
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		httpReqs.WithLabelValues(method, route, status, callerClass(c)).Inc()
		if upgraded {
			return
		}
		httpLat.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		if size := c.Writer.Size(); size >= 0 {
			httpRespSize.WithLabelValues(method, route).Observe(float64(size))
		}
		if c.Request.ContentLength > 0 && isMultipart(c.GetHeader("Content-Type")) {
			httpUploadSize.WithLabelValues(route).Observe(float64(c.Request.ContentLength))
		}
	}
}
