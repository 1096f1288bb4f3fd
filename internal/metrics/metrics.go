// Package metrics exposes Prometheus instrumentation for the license
// service. Collectors register on the default registry and are served
// from /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ValidationsTotal counts license validation attempts by outcome kind
	// (valid, expired, revoked, hardware_mismatch, bad_format, unknown).
	ValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dlnkd",
		Name:      "license_validations_total",
		Help:      "License validation attempts by outcome.",
	}, []string{"outcome"})

	// LoginsTotal counts login attempts by outcome (success, invalid,
	// locked).
	LoginsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dlnkd",
		Name:      "logins_total",
		Help:      "Login attempts by outcome.",
	}, []string{"outcome"})

	// LockoutsTotal counts accounts entering the lockout window.
	LockoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dlnkd",
		Name:      "lockouts_total",
		Help:      "Accounts locked after repeated failed logins.",
	})

	// LicensesIssuedTotal counts issued licenses by type.
	LicensesIssuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dlnkd",
		Name:      "licenses_issued_total",
		Help:      "Licenses issued by type.",
	}, []string{"type"})

	// RateLimitedTotal counts requests rejected by the rate gate.
	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dlnkd",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by rate limiting.",
	})

	// AuditQueueDepth tracks the audit recorder backlog.
	AuditQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dlnkd",
		Name:      "audit_queue_depth",
		Help:      "Events waiting in the audit queue.",
	})

	// AuditDroppedTotal tracks audit events lost to backpressure.
	AuditDroppedTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dlnkd",
		Name:      "audit_dropped_total",
		Help:      "Audit events lost to queue overflow or persist failure.",
	})

	// HTTPRequestsTotal counts handled HTTP requests.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dlnkd",
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status class.",
	}, []string{"route", "status"})
)
