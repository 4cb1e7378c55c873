// Package metrics provides observability for the authentication service.
package metrics

import (
	"net/http"
	"time"
)

// Metrics records the service's operational signals.
type Metrics interface {
	// Authentication
	RecordLogin(outcome string) // success, invalid_credentials, locked, mfa_required, mfa_failed
	RecordTokenIssued(tokenType string)
	RecordTokenValidation(result string, duration time.Duration) // ok, expired, revoked, invalid
	RecordRefreshReplay()

	// Authorization
	RecordPermissionCheck(effect string, duration time.Duration) // allow, deny
	RecordCacheHit()
	RecordCacheMiss()

	// Key management
	RecordKeyRotation()

	// Edge
	RecordRateLimited(route string)
	RecordAuditDropped()

	// HTTP handler for Prometheus scraping
	HTTPHandler() http.Handler
}

// NoOp is a no-op implementation for tests and disabled monitoring.
type NoOp struct{}

// NewNoOp creates a no-op metrics instance.
func NewNoOp() *NoOp { return &NoOp{} }

func (n *NoOp) RecordLogin(string)                          {}
func (n *NoOp) RecordTokenIssued(string)                    {}
func (n *NoOp) RecordTokenValidation(string, time.Duration) {}
func (n *NoOp) RecordRefreshReplay()                        {}
func (n *NoOp) RecordPermissionCheck(string, time.Duration) {}
func (n *NoOp) RecordCacheHit()                             {}
func (n *NoOp) RecordCacheMiss()                            {}
func (n *NoOp) RecordKeyRotation()                          {}
func (n *NoOp) RecordRateLimited(string)                    {}
func (n *NoOp) RecordAuditDropped()                         {}

// HTTPHandler returns a no-op handler.
func (n *NoOp) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("# NoOp metrics - monitoring disabled\n"))
	})
}
