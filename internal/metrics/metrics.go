// Package metrics holds the service's prometheus collectors on a private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	Postbacks        *prometheus.CounterVec
	PostbackDuration *prometheus.HistogramVec
	LedgerOps        *prometheus.CounterVec
	EscrowOps        *prometheus.CounterVec
	FraudVerdicts    *prometheus.CounterVec
	Unverified       *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Postbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "earn",
			Name:      "postbacks_total",
			Help:      "Provider postbacks by outcome.",
		}, []string{"provider", "outcome"}),
		PostbackDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "earn",
			Name:      "postback_duration_seconds",
			Help:      "Postback processing latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		LedgerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "earn",
			Name:      "ledger_operations_total",
			Help:      "Ledger credit and debit operations.",
		}, []string{"op", "result"}),
		EscrowOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "earn",
			Name:      "escrow_operations_total",
			Help:      "Escrow hold, release and refund operations.",
		}, []string{"op", "result"}),
		FraudVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "earn",
			Name:      "fraud_verdicts_total",
			Help:      "Fraud gate verdicts by action.",
		}, []string{"action"}),
		Unverified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "earn",
			Name:      "postbacks_unverified_total",
			Help:      "Postbacks accepted without provider verification.",
		}, []string{"provider"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Postbacks,
		m.PostbackDuration,
		m.LedgerOps,
		m.EscrowOps,
		m.FraudVerdicts,
		m.Unverified,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Result labels an operation outcome.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
