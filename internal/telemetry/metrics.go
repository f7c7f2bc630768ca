package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the prometheus instruments for the identity and
// access-control layer. Construct one per process with NewMetrics and
// pass it by handle; tests use their own registry to avoid collisions.
type Metrics struct {
	AuthAttempts           *prometheus.CounterVec
	AuthzDenials           *prometheus.CounterVec
	AuditAppends           *prometheus.CounterVec
	AuditIntegrityFailures prometheus.Counter
	ServiceKeyUses         prometheus.Counter
	RateLimited            prometheus.Counter
}

// NewMetrics registers all instruments against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AuthAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ugoite_auth_attempts_total",
			Help: "Authentication attempts by method and result code (ok on success).",
		}, []string{"method", "code"}),
		AuthzDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ugoite_authz_denials_total",
			Help: "Authorization denials by action.",
		}, []string{"action"}),
		AuditAppends: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ugoite_audit_events_appended_total",
			Help: "Audit events appended by outcome.",
		}, []string{"outcome"}),
		AuditIntegrityFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "ugoite_audit_integrity_failures_total",
			Help: "Audit chain verification failures.",
		}),
		ServiceKeyUses: factory.NewCounter(prometheus.CounterOpts{
			Name: "ugoite_service_key_uses_total",
			Help: "Successful service-account API key authentications.",
		}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "ugoite_rate_limited_requests_total",
			Help: "Requests rejected by the rate limiter.",
		}),
	}
}
