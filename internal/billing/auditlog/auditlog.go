// Package auditlog derives who performed an administrative billing change
// from the HTTP request and builds the audit row for it.
package auditlog

import (
	"net"
	"net/http"
	"strings"

	"github.com/rcourtman/membership-billing/internal/billing/store"
)

// ClientIP returns the best-effort originating client address.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		return strings.Trim(rip, "[]")
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

var actorHeaders = []string{"X-Actor-ID", "X-User-ID", "X-Admin-User"}

// Actor returns the operator identifier supplied by the admin front end,
// or "admin-key" when the request was authenticated by key alone.
func Actor(r *http.Request) string {
	if r == nil {
		return ""
	}
	for _, h := range actorHeaders {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			return v
		}
	}
	return "admin-key"
}

// Entry builds an audit row for action attributed to the request's actor.
func Entry(r *http.Request, action store.AuditAction, organizationID, customerID, previousCustomerID, detail string) *store.AuditEntry {
	return &store.AuditEntry{
		Action:             action,
		OrganizationID:     organizationID,
		CustomerID:         customerID,
		PreviousCustomerID: previousCustomerID,
		Actor:              Actor(r),
		ClientIP:           ClientIP(r),
		Detail:             detail,
	}
}
