package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/workmesh/relay/internal/common/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the process-wide Prometheus registry. A nil *Metrics is valid
// and records nothing, so instrumented components never need nil checks at
// call sites.
type Metrics struct {
	registry *prometheus.Registry

	httpReqCnt *prometheus.CounterVec
	httpDur    *prometheus.HistogramVec

	sseConns      *prometheus.GaugeVec
	eventsRouted  *prometheus.CounterVec
	eventsDropped *prometheus.CounterVec

	rpcCnt     *prometheus.CounterVec
	rpcDur     *prometheus.HistogramVec
	reconnects *prometheus.CounterVec
}

func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	httpReqCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "http_requests_total"}, []string{"method", "route", "status"})
	httpDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "http_request_duration_seconds", Buckets: cfg.Buckets}, []string{"method", "route", "status"})
	r.MustRegister(httpReqCnt, httpDur)

	sseConns := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "sse_connections"}, []string{"tenant"})
	eventsRouted := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "chat_events_routed_total"}, []string{"state"})
	eventsDropped := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "chat_events_dropped_total"}, []string{"reason"})
	r.MustRegister(sseConns, eventsRouted, eventsDropped)

	rpcCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "gateway_rpc_total"}, []string{"method", "status"})
	rpcDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "gateway_rpc_duration_seconds", Buckets: cfg.Buckets}, []string{"method"})
	reconnects := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "gateway_reconnects_total"}, []string{"tenant"})
	r.MustRegister(rpcCnt, rpcDur, reconnects)

	return &Metrics{
		registry:      r,
		httpReqCnt:    httpReqCnt,
		httpDur:       httpDur,
		sseConns:      sseConns,
		eventsRouted:  eventsRouted,
		eventsDropped: eventsDropped,
		rpcCnt:        rpcCnt,
		rpcDur:        rpcDur,
		reconnects:    reconnects,
	}
}

func (m *Metrics) SSEOpened(tenant string) {
	if m == nil {
		return
	}
	m.sseConns.WithLabelValues(tenant).Inc()
}

func (m *Metrics) SSEClosed(tenant string) {
	if m == nil {
		return
	}
	m.sseConns.WithLabelValues(tenant).Dec()
}

func (m *Metrics) EventRouted(state string) {
	if m == nil {
		return
	}
	m.eventsRouted.WithLabelValues(state).Inc()
}

func (m *Metrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RPCDone(method, status string, since time.Time) {
	if m == nil {
		return
	}
	m.rpcCnt.WithLabelValues(method, status).Inc()
	m.rpcDur.WithLabelValues(method).Observe(time.Since(since).Seconds())
}

func (m *Metrics) Reconnect(tenant string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(tenant).Inc()
}

// Middleware records basic HTTP metrics per gin route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		m.httpReqCnt.WithLabelValues(c.Request.Method, route, status).Inc()
		m.httpDur.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
