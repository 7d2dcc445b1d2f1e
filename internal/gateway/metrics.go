package gateway

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// httpMetrics are the gateway's Prometheus series. Each server owns its
// registry so tests can run several side by side.
type httpMetrics struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rateLimited     prometheus.Counter
	wsConnections   *prometheus.GaugeVec
}

func newHTTPMetrics(lanes LaneStats) *httpMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)
	m := &httpMetrics{
		registry: reg,
		requestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consultd_http_requests_total",
				Help: "Gateway requests by route and status code",
			},
			[]string{"route", "code"},
		),
		requestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "consultd_http_request_duration_seconds",
				Help:    "Gateway request latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "consultd_http_rate_limited_total",
			Help: "Requests rejected by the per-client rate limiter",
		}),
		wsConnections: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "consultd_ws_connections",
				Help: "Open websocket connections by kind",
			},
			[]string{"kind"},
		),
	}
	if lanes != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "consultd_lanes_active",
			Help: "Channel lanes with queued or running work",
		}, func() float64 { return float64(lanes.Active()) })
	}
	return m
}

func (m *httpMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *httpMetrics) observe(route string, code int, elapsed time.Duration) {
	m.requestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// statusRecorder captures the response code. Unwrap and Hijack keep
// websocket upgrades working through it.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.code == 0 {
		r.code = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.code == 0 {
		r.code = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if r.code == 0 {
		r.code = http.StatusSwitchingProtocols
	}
	return hj.Hijack()
}

func (r *statusRecorder) status() int {
	if r.code == 0 {
		return http.StatusOK
	}
	return r.code
}
