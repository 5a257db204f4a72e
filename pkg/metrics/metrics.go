package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/notifyhub/notifyhub/internal/common/config"
)

// Metrics holds the prometheus registry and the instruments of the fanout
// engine.
type Metrics struct {
	registry  *prometheus.Registry
	namespace string

	httpReqCnt *prometheus.CounterVec
	httpDur    *prometheus.HistogramVec

	publishCnt  *prometheus.CounterVec
	publishDur  *prometheus.HistogramVec
	fanoutSize  prometheus.Histogram
	deliveryCnt *prometheus.CounterVec

	cleanupRuns    prometheus.Counter
	cleanupEvicted prometheus.Counter
}

// New builds a registry with process/Go collectors and the engine
// instruments registered.
func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	r := prometheus.NewRegistry()
	// Register standard process and Go collectors
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	httpReqCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "http_requests_total"}, []string{"method", "route", "status"})
	httpDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "http_request_duration_seconds", Buckets: buckets}, []string{"method", "route", "status"})
	r.MustRegister(httpReqCnt, httpDur)

	publishCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "publish_total"}, []string{"status"})
	publishDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "publish_duration_seconds", Buckets: buckets}, []string{"status"})
	fanoutSize := prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: ns, Name: "publish_fanout_size", Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000}})
	deliveryCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "deliveries_total"}, []string{"result"})
	r.MustRegister(publishCnt, publishDur, fanoutSize, deliveryCnt)

	cleanupRuns := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "cleanup_runs_total"})
	cleanupEvicted := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "cleanup_evicted_sessions_total"})
	r.MustRegister(cleanupRuns, cleanupEvicted)

	return &Metrics{
		registry:       r,
		namespace:      ns,
		httpReqCnt:     httpReqCnt,
		httpDur:        httpDur,
		publishCnt:     publishCnt,
		publishDur:     publishDur,
		fanoutSize:     fanoutSize,
		deliveryCnt:    deliveryCnt,
		cleanupRuns:    cleanupRuns,
		cleanupEvicted: cleanupEvicted,
	}
}

// PublishDone records one publish call with its fanout size.
func (m *Metrics) PublishDone(status string, fanout int, since time.Time) {
	m.publishCnt.WithLabelValues(status).Inc()
	m.publishDur.WithLabelValues(status).Observe(time.Since(since).Seconds())
	m.fanoutSize.Observe(float64(fanout))
}

// Deliveries records transport outcomes.
func (m *Metrics) Deliveries(success, failure int) {
	if success > 0 {
		m.deliveryCnt.WithLabelValues("success").Add(float64(success))
	}
	if failure > 0 {
		m.deliveryCnt.WithLabelValues("failure").Add(float64(failure))
	}
}

// CleanupRun records one cleanup sweep and the sessions it evicted.
func (m *Metrics) CleanupRun(evicted int) {
	m.cleanupRuns.Inc()
	m.cleanupEvicted.Add(float64(evicted))
}

// GinMiddleware instruments HTTP requests by route template.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.httpReqCnt.WithLabelValues(c.Request.Method, route, status).Inc()
		m.httpDur.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the registry for the /metrics endpoint.
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
