package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"duplex-rpc/message"
)

// Metrics holds the Prometheus collectors fed by its Middleware.
type Metrics struct {
	Requests *prometheus.CounterVec   // by service, method, code
	Duration *prometheus.HistogramVec // by service, method
	InFlight prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duplex_rpc",
			Name:      "requests_total",
			Help:      "Invoke requests served, by outcome.",
		}, []string{"service", "method", "code"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "duplex_rpc",
			Name:      "request_duration_seconds",
			Help:      "Time spent serving invoke requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "method"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "duplex_rpc",
			Name:      "requests_in_flight",
			Help:      "Invoke requests currently being served.",
		}),
	}
	for _, c := range []prometheus.Collector{m.Requests, m.Duration, m.InFlight} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Middleware records one observation per call. Successful calls are counted
// under code "ok".
func (m *Metrics) Middleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			m.InFlight.Inc()
			start := time.Now()
			rep := next(ctx, req)
			m.InFlight.Dec()

			svc, method := service(req)
			code := "ok"
			if rep.Failed() {
				code = rep.Reply.Error.Code.String()
			}
			m.Requests.WithLabelValues(svc, method, code).Inc()
			m.Duration.WithLabelValues(svc, method).Observe(time.Since(start).Seconds())
			return rep
		}
	}
}
