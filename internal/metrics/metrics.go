// Package metrics exports RequestMetrics and Health Tracker state as
// Prometheus gauges/counters (A4), wired into the gateway binary's
// /metrics endpoint via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/council-proxy/core/internal/models"
)

// Registry owns every council-proxy metric and is registered once at
// startup against a prometheus.Registerer.
type Registry struct {
	providerStatus  *prometheus.GaugeVec
	providerLatency *prometheus.GaugeVec
	providerSuccess *prometheus.GaugeVec
	requestCost     *prometheus.CounterVec
	memberTokens    *prometheus.CounterVec
	requestsTotal   prometheus.Counter
	requestFailures *prometheus.CounterVec
}

// New builds a Registry and registers every collector against reg.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		providerStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "council_provider_status",
			Help: "Health Tracker status per provider: 0=healthy 1=degraded 2=disabled.",
		}, []string{"provider"}),
		providerLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "council_provider_avg_latency_ms",
			Help: "Rolling average provider latency in milliseconds.",
		}, []string{"provider"}),
		providerSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "council_provider_success_rate",
			Help: "Rolling success rate in [0,1] over the Health Tracker window.",
		}, []string{"provider"}),
		requestCost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "council_request_cost_usd_total",
			Help: "Cumulative USD cost attributed per council member.",
		}, []string{"member"}),
		memberTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "council_member_tokens_total",
			Help: "Cumulative prompt+completion tokens attributed per council member.",
		}, []string{"member"}),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "council_requests_total",
			Help: "Total processRequest invocations.",
		}),
		requestFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "council_request_failures_total",
			Help: "Total processRequest failures by error kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(m.providerStatus, m.providerLatency, m.providerSuccess,
		m.requestCost, m.memberTokens, m.requestsTotal, m.requestFailures)
	return m
}

func statusValue(status models.HealthStatus) float64 {
	switch status {
	case models.StatusHealthy:
		return 0
	case models.StatusDegraded:
		return 1
	case models.StatusDisabled:
		return 2
	default:
		return -1
	}
}

// ObserveHealth mirrors one Health Tracker snapshot into the gauges.
func (m *Registry) ObserveHealth(h models.ProviderHealth) {
	m.providerStatus.WithLabelValues(h.ProviderID).Set(statusValue(h.Status))
	m.providerLatency.WithLabelValues(h.ProviderID).Set(float64(h.AvgLatency.Milliseconds()))
	m.providerSuccess.WithLabelValues(h.ProviderID).Set(h.SuccessRate)
}

// ObserveRequest records one processRequest outcome.
func (m *Registry) ObserveRequest(metrics *models.RequestMetrics, failureKind models.ErrorKind) {
	m.requestsTotal.Inc()
	if failureKind != "" {
		m.requestFailures.WithLabelValues(string(failureKind)).Inc()
		return
	}
	if metrics == nil {
		return
	}
	for member, mm := range metrics.MemberTokens {
		m.requestCost.WithLabelValues(member).Add(mm.Cost)
		m.memberTokens.WithLabelValues(member).Add(float64(mm.PromptTokens + mm.CompletionTokens))
	}
}
