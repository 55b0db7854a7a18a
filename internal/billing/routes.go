package billing

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcourtman/membership-billing/internal/billing/admin"
	"github.com/rcourtman/membership-billing/internal/billing/conflicts"
	"github.com/rcourtman/membership-billing/internal/billing/linker"
	"github.com/rcourtman/membership-billing/internal/billing/store"
	"github.com/rcourtman/membership-billing/internal/billing/webhook"
	"github.com/rcourtman/membership-billing/internal/logging"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config      *Config
	Store       *store.Store
	Linker      *linker.Linker
	Webhook     *webhook.Handler
	Detector    *conflicts.Detector
	Resolver    *conflicts.Resolver
	RateLimiter *RateLimiter // nil uses the configured webhook limits
	Version     string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	adminAuth := func(next http.Handler) http.Handler {
		return admin.AdminKeyMiddleware(deps.Config.AdminKey, next)
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("GET /healthz", admin.HandleHealthz)
	mux.HandleFunc("GET /readyz", admin.HandleReadyz(deps.Store))

	// Status and metrics are private by default.
	statusHandler := http.HandlerFunc(admin.HandleStatus(deps.Store, deps.Version))
	if deps.Config.PublicStatus {
		mux.Handle("GET /status", statusHandler)
	} else {
		mux.Handle("GET /status", adminAuth(statusHandler))
	}

	metricsHandler := promhttp.Handler()
	if deps.Config.PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", adminAuth(metricsHandler))
	}

	// Provider webhook (signature-authenticated)
	limiter := deps.RateLimiter
	if limiter == nil {
		limiter = NewRateLimiter(deps.Config.WebhookRateLimit, deps.Config.WebhookBurst)
	}
	mux.Handle("/api/billing/webhook", limiter.Middleware(deps.Webhook))

	// Admin API (key-authenticated)
	mux.Handle("/admin/billing/organizations/{organization_id}", adminAuth(admin.HandleGetOrganization(deps.Store)))
	mux.Handle("/admin/billing/organizations/{organization_id}/link", adminAuth(admin.HandleLink(deps.Linker)))
	mux.Handle("/admin/billing/organizations/{organization_id}/pending-agreement", adminAuth(admin.HandleSetPendingAgreement(deps.Store)))
	mux.Handle("/admin/billing/conflicts", adminAuth(admin.HandleListConflicts(deps.Detector)))
	mux.Handle("/admin/billing/mismatches", adminAuth(admin.HandleListMismatches(deps.Detector)))
	mux.Handle("/admin/billing/conflicts/resolve", adminAuth(admin.HandleResolveConflict(deps.Resolver)))
}

// NewHandler returns the service's root handler with request-id logging.
func NewHandler(deps *Deps) http.Handler {
	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)
	return logging.Middleware(mux)
}
