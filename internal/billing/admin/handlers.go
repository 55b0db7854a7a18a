package admin

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rcourtman/membership-billing/internal/billing/auditlog"
	"github.com/rcourtman/membership-billing/internal/billing/conflicts"
	"github.com/rcourtman/membership-billing/internal/billing/linker"
	"github.com/rcourtman/membership-billing/internal/billing/store"
	billingerrors "github.com/rcourtman/membership-billing/internal/errors"
	"github.com/rs/zerolog/log"
)

const maxRequestBody = 64 * 1024

var validate = validator.New()

type errorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// AdminKeyMiddleware returns middleware that requires a valid admin API key.
func AdminKeyMiddleware(adminKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if key == "" {
			// Also check Authorization: Bearer <key>
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		if key == "" || adminKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Code: "unauthorized"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

type organizationResponse struct {
	Organization *store.Organization          `json:"organization"`
	Invoices     []*store.Invoice             `json:"invoices"`
	Audit        []*store.AuditEntry          `json:"audit"`
	Acceptances  []*store.AgreementAcceptance `json:"agreement_acceptances"`
}

// HandleGetOrganization returns the billing projection of an organization
// with its cached invoices, audit trail and agreement acceptances.
func HandleGetOrganization(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ctx := r.Context()
		orgID := r.PathValue("organization_id")
		org, err := st.GetOrganization(ctx, orgID)
		if err != nil {
			writeError(w, err)
			return
		}
		if org == nil {
			writeError(w, billingerrors.New(billingerrors.KindNotFound, "get_organization", "organization "+orgID+" does not exist"))
			return
		}

		resp := organizationResponse{Organization: org}
		if resp.Invoices, err = st.ListInvoicesByOrganization(ctx, org.ID); err != nil {
			writeError(w, err)
			return
		}
		if resp.Audit, err = st.ListAudit(ctx, org.ID); err != nil {
			writeError(w, err)
			return
		}
		if resp.Acceptances, err = st.ListAgreementAcceptances(ctx, org.ID); err != nil {
			writeError(w, err)
			return
		}
		if resp.Invoices == nil {
			resp.Invoices = []*store.Invoice{}
		}
		if resp.Audit == nil {
			resp.Audit = []*store.AuditEntry{}
		}
		if resp.Acceptances == nil {
			resp.Acceptances = []*store.AgreementAcceptance{}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type linkRequest struct {
	CustomerID string `json:"customer_id" validate:"required,max=128"`
	Force      bool   `json:"force"`
	Reason     string `json:"reason" validate:"max=500"`
}

type unlinkRequest struct {
	ClearProviderTag bool   `json:"clear_provider_tag"`
	Reason           string `json:"reason" validate:"max=500"`
}

type unlinkResponse struct {
	OrganizationID     string   `json:"organization_id"`
	PreviousCustomerID string   `json:"previous_customer_id,omitempty"`
	Warnings           []string `json:"warnings,omitempty"`
}

// HandleLink links (POST) or unlinks (DELETE) an organization's customer.
func HandleLink(l *linker.Linker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID := r.PathValue("organization_id")
		switch r.Method {
		case http.MethodPost:
			var req linkRequest
			if err := decodeJSON(w, r, &req, false); err != nil {
				writeError(w, err)
				return
			}
			res, err := l.Link(r.Context(), orgID, strings.TrimSpace(req.CustomerID), linker.LinkOptions{
				Force: req.Force, Actor: actorOf(r), Reason: req.Reason,
			})
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, res)

		case http.MethodDelete:
			var req unlinkRequest
			if err := decodeJSON(w, r, &req, true); err != nil {
				writeError(w, err)
				return
			}
			previous, warnings, err := l.Unlink(r.Context(), orgID, linker.UnlinkOptions{
				ClearProviderTag: req.ClearProviderTag, Actor: actorOf(r), Reason: req.Reason,
			})
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, unlinkResponse{OrganizationID: orgID, PreviousCustomerID: previous, Warnings: warnings})

		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

type pendingAgreementRequest struct {
	Version string `json:"version" validate:"required,max=64"`
}

// HandleSetPendingAgreement stores the agreement version a subscriber saw
// at checkout; it takes precedence over the published version when the
// subscription is created.
func HandleSetPendingAgreement(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		orgID := r.PathValue("organization_id")
		var req pendingAgreementRequest
		if err := decodeJSON(w, r, &req, false); err != nil {
			writeError(w, err)
			return
		}
		org, err := st.GetOrganization(r.Context(), orgID)
		if err != nil {
			writeError(w, err)
			return
		}
		if org == nil {
			writeError(w, billingerrors.New(billingerrors.KindNotFound, "set_pending_agreement", "organization "+orgID+" does not exist"))
			return
		}
		if err := st.SetPendingAgreementVersion(r.Context(), org.ID, req.Version); err != nil {
			writeError(w, err)
			return
		}
		entry := auditlog.Entry(r, store.AuditActionPendingAgreement, org.ID, org.StripeCustomerID, "", "pending agreement version "+req.Version)
		if err := st.InsertAudit(r.Context(), entry); err != nil {
			log.Error().Err(err).Str("organization_id", org.ID).Msg("Failed to write billing audit entry")
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleListConflicts returns registry conflicts.
func HandleListConflicts(d *conflicts.Detector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		report, err := d.Scan(r.Context(), false)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"conflicts": report.Registry,
			"count":     len(report.Registry),
		})
	}
}

// HandleListMismatches returns mismatches with activity and suggestions.
func HandleListMismatches(d *conflicts.Detector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		report, err := d.Scan(r.Context(), true)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"mismatches": report.Mismatches,
			"count":      len(report.Mismatches),
		})
	}
}

// HandleResolveConflict applies an operator resolution.
func HandleResolveConflict(res *conflicts.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req conflicts.Request
		if err := decodeJSON(w, r, &req, false); err != nil {
			writeError(w, err)
			return
		}
		result, err := res.Resolve(r.Context(), req, actorOf(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func actorOf(r *http.Request) linker.Actor {
	return linker.Actor{ID: auditlog.Actor(r), ClientIP: auditlog.ClientIP(r)}
}

// decodeJSON reads a bounded JSON body into dst and validates it. An empty
// body is accepted when optional is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	const op = "decode_request"
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			return billingerrors.New(billingerrors.KindInvalidInput, op, "invalid JSON body: "+err.Error())
		}
	}
	if v, ok := dst.(interface{ Validate() error }); ok {
		return v.Validate()
	}
	if err := validate.Struct(dst); err != nil {
		return billingerrors.New(billingerrors.KindInvalidInput, op, err.Error())
	}
	return nil
}

func writeError(w http.ResponseWriter, err error) {
	status := billingerrors.HTTPStatus(err)
	if status < http.StatusBadRequest {
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", status).Msg("Admin billing request failed")
	}
	writeJSON(w, status, errorResponse{
		Error:  http.StatusText(status),
		Code:   billingerrors.Code(err),
		Detail: billingerrors.Detail(err),
	})
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("billing.admin: encode response")
	}
}
