// Package metrics exposes the pipeline's Prometheus metrics:
//
//   - autoclose_triggers_total{strategy,side}    – trigger messages published
//   - autoclose_executions_total{result}         – pipeline outcomes (executed|retrying|failed|stale)
//   - autoclose_rechecks_total{outcome}          – retry rechecks (reset|republished|failed)
//   - autoclose_broker_reconnects_total          – broker reconnect attempts
//   - autoclose_candles_total                    – finalized candles published
//
// Registered in init() and served at /metrics by cmd/worker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Triggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoclose_triggers_total",
			Help: "Trigger messages published, by strategy and trigger side",
		},
		[]string{"strategy", "side"},
	)

	Executions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoclose_executions_total",
			Help: "Execution pipeline outcomes",
		},
		[]string{"result"}, // executed | retrying | failed | stale | rejected
	)

	Rechecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoclose_rechecks_total",
			Help: "Delayed retry rechecks by outcome",
		},
		[]string{"outcome"}, // reset | republished | failed
	)

	BrokerReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "autoclose_broker_reconnects_total",
			Help: "Broker reconnect attempts",
		},
	)

	Candles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "autoclose_candles_total",
			Help: "Finalized candles published",
		},
	)
)

func init() {
	prometheus.MustRegister(Triggers, Executions, Rechecks, BrokerReconnects, Candles)
}

// Handler serves the default registry in Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
