// Package admin serves the operator endpoints of the billing service.
package admin

import (
	"net/http"

	"github.com/rcourtman/membership-billing/internal/billing/bmetrics"
	"github.com/rcourtman/membership-billing/internal/billing/store"
)

type statusResponse struct {
	Version            string           `json:"version"`
	TotalOrganizations int              `json:"total_organizations"`
	ByStatus           map[string]int   `json:"by_status"`
	RevenueByCurrency  map[string]int64 `json:"revenue_by_currency"`
}

// HandleHealthz returns 200 "ok" unconditionally (liveness probe).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that checks database connectivity (readiness probe).
func HandleReadyz(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if st == nil || st.Ping(r.Context()) != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// HandleStatus returns a handler that reports organizations by subscription
// status and net ledger revenue per currency.
func HandleStatus(st *store.Store, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := st.CountOrganizationsByStatus(r.Context())
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		// Opportunistically sync gauges on status calls (in addition to the background updater).
		bmetrics.SetOrganizationsByStatus(counts)

		revenue, err := st.RevenueTotals(r.Context())
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		total := 0
		for _, c := range counts {
			total += c
		}
		writeJSON(w, http.StatusOK, statusResponse{
			Version:            version,
			TotalOrganizations: total,
			ByStatus:           counts,
			RevenueByCurrency:  revenue,
		})
	}
}
