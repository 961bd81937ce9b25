// Package observability exposes Prometheus instrumentation for the accounting
// core. Hosts scrape the default registry; engines record through the shared
// singletons.
package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type issuanceMetrics struct {
	issues      *prometheus.CounterVec
	redeems     *prometheus.CounterVec
	feeAccruals *prometheus.CounterVec
}

var (
	issuanceMetricsOnce sync.Once
	issuanceRegistry    *issuanceMetrics
)

// Issuance returns the metrics registry tracking issuance lifecycle events.
func Issuance() *issuanceMetrics {
	issuanceMetricsOnce.Do(func() {
		issuanceRegistry = &issuanceMetrics{
			issues: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "matrix",
				Subsystem: "issuance",
				Name:      "issues_total",
				Help:      "Count of completed issuances segmented by token.",
			}, []string{"token"}),
			redeems: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "matrix",
				Subsystem: "issuance",
				Name:      "redeems_total",
				Help:      "Count of completed redemptions segmented by token.",
			}, []string{"token"}),
			feeAccruals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "matrix",
				Subsystem: "fees",
				Name:      "accruals_total",
				Help:      "Count of nonzero streaming fee actualizations segmented by token.",
			}, []string{"token"}),
		}
		prometheus.MustRegister(issuanceRegistry.issues, issuanceRegistry.redeems, issuanceRegistry.feeAccruals)
	})
	return issuanceRegistry
}

func normalizeToken(token string) string {
	normalized := strings.TrimSpace(strings.ToLower(token))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// RecordIssue increments the issuance counter for the token.
func (m *issuanceMetrics) RecordIssue(token string) {
	if m == nil {
		return
	}
	m.issues.WithLabelValues(normalizeToken(token)).Inc()
}

// RecordRedeem increments the redemption counter for the token.
func (m *issuanceMetrics) RecordRedeem(token string) {
	if m == nil {
		return
	}
	m.redeems.WithLabelValues(normalizeToken(token)).Inc()
}

// RecordFeeActualization increments the fee accrual counter for the token.
func (m *issuanceMetrics) RecordFeeActualization(token string) {
	if m == nil {
		return
	}
	m.feeAccruals.WithLabelValues(normalizeToken(token)).Inc()
}
