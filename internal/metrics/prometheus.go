// Package metrics exposes the module's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	// CheckTotal counts authorization checks by resulting status code.
	CheckTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authz_checks_total",
		Help: "Total number of authorization checks, by result code.",
	}, []string{"code"})

	// IdPExchangeTotal counts token endpoint calls by grant type and result.
	IdPExchangeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authz_idp_exchanges_total",
		Help: "Total number of token endpoint calls, by grant type and result.",
	}, []string{"grant_type", "result"})

	// IdPExchangeDuration observes token endpoint call latency.
	IdPExchangeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "authz_idp_exchange_duration_seconds",
		Help:    "Latency of token endpoint calls, by grant type.",
		Buckets: prometheus.DefBuckets,
	}, []string{"grant_type"})
)

// Register registers the module's metrics with the given registerer. It
// should be called once at application startup.
func Register(reg prometheus.Registerer) {
	if reg == nil {
		log.Error().Msg("Prometheus registry is nil, cannot register metrics")
		return
	}
	for _, c := range []prometheus.Collector{CheckTotal, IdPExchangeTotal, IdPExchangeDuration} {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Msg("Failed to register metric")
		}
	}
	log.Info().Msg("Prometheus metrics registered.")
}
