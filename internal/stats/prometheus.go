package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// RegisterMetrics exposes the collector's counters on a registry. Counter
// values are read lazily at scrape time.
func RegisterMetrics(reg prometheus.Registerer, c *Collector) {
	reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "gtpsim_sessions_created_total",
			Help: "Total number of UE sessions created",
		}, func() float64 { return float64(c.sessionsCreated.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "gtpsim_sessions_in_flight",
			Help: "Number of UE sessions currently executing their scenario",
		}, func() float64 { return float64(c.sessions.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "gtpsim_sessions_succeeded_total",
			Help: "Total number of UE sessions that completed their scenario",
		}, func() float64 { return float64(c.sessionsSucc.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "gtpsim_sessions_failed_total",
			Help: "Total number of UE sessions aborted on error or retry exhaustion",
		}, func() float64 { return float64(c.sessionsFail.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "gtpsim_dead_calls_total",
			Help: "Total number of sessions that entered the dead-call grace period",
		}, func() float64 { return float64(c.deadCalls.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "gtpsim_unexpected_datagrams_total",
			Help: "Total number of datagrams the dispatcher dropped as unroutable",
		}, func() float64 { return float64(c.unexpected.Load()) }),
	)
}

// ServeMetrics starts the Prometheus HTTP endpoint in a goroutine.
func ServeMetrics(addr string, c *Collector) {
	reg := prometheus.NewRegistry()
	RegisterMetrics(reg, c)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	go func() {
		log.WithField("addr", addr).Info("Serving Prometheus metrics")
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.WithError(err).Warn("Metrics endpoint stopped")
		}
	}()
}
