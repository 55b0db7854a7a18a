package store

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// SubscriptionStatusActive is the projected status granting membership.
const SubscriptionStatusActive = "active"

// Terminal subscription statuses. A subscription never leaves them.
const (
	SubscriptionStatusCanceled          = "canceled"
	SubscriptionStatusIncompleteExpired = "incomplete_expired"
)

// Organization is the billing identity of a tenant. Empty strings and nil
// pointers represent unset (NULL) columns.
type Organization struct {
	ID                           string     `json:"id"`
	Name                         string     `json:"name"`
	StripeCustomerID             string     `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID         string     `json:"stripe_subscription_id,omitempty"`
	SubscriptionStatus           string     `json:"subscription_status,omitempty"`
	SubscriptionProductID        string     `json:"subscription_product_id,omitempty"`
	SubscriptionProductName      string     `json:"subscription_product_name,omitempty"`
	SubscriptionAmount           *int64     `json:"subscription_amount,omitempty"`
	SubscriptionCurrency         string     `json:"subscription_currency,omitempty"`
	SubscriptionCurrentPeriodEnd *time.Time `json:"subscription_current_period_end,omitempty"`
	SubscriptionCanceledAt       *time.Time `json:"subscription_canceled_at,omitempty"`
	SubscriptionEventAt          *time.Time `json:"subscription_event_at,omitempty"`
	AgreementSignedAt            *time.Time `json:"agreement_signed_at,omitempty"`
	AgreementVersion             string     `json:"agreement_version,omitempty"`
	PendingAgreementVersion      string     `json:"pending_agreement_version,omitempty"`
	CreatedAt                    time.Time  `json:"created_at"`
	UpdatedAt                    time.Time  `json:"updated_at"`
}

// SubscriptionSnapshot is the denormalized subscription state projected onto
// an organization.
type SubscriptionSnapshot struct {
	SubscriptionID   string
	Status           string
	ProductID        string
	ProductName      string
	Amount           *int64
	Currency         string
	CurrentPeriodEnd *time.Time
	CanceledAt       *time.Time
	// EventAt is the provider-side creation time of the event carrying the
	// snapshot; older snapshots never overwrite newer ones.
	EventAt time.Time
	// EventRank orders snapshots sharing the same EventAt second
	// (created < updated < deleted).
	EventRank int
}

// Invoice is a local mirror of a provider invoice.
type Invoice struct {
	StripeInvoiceID  string     `json:"stripe_invoice_id"`
	OrganizationID   string     `json:"organization_id,omitempty"`
	StripeCustomerID string     `json:"stripe_customer_id"`
	Status           string     `json:"status"`
	AmountDue        int64      `json:"amount_due"`
	AmountPaid       int64      `json:"amount_paid"`
	Currency         string     `json:"currency"`
	Description      string     `json:"description"`
	HostedInvoiceURL string     `json:"hosted_invoice_url"`
	InvoicePDF       string     `json:"invoice_pdf"`
	DueDate          *time.Time `json:"due_date,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// RevenueEventType distinguishes ledger rows.
type RevenueEventType string

const (
	RevenueEventPayment RevenueEventType = "payment"
	RevenueEventRefund  RevenueEventType = "refund"
)

// RevenueEvent is an append-only ledger row. Amount is signed: refunds are
// negative.
type RevenueEvent struct {
	ID               string           `json:"id"`
	OrganizationID   string           `json:"organization_id,omitempty"`
	StripeCustomerID string           `json:"stripe_customer_id"`
	StripeExternalID string           `json:"stripe_external_id"`
	EventType        RevenueEventType `json:"event_type"`
	Amount           int64            `json:"amount"`
	Currency         string           `json:"currency"`
	Description      string           `json:"description"`
	OccurredAt       time.Time        `json:"occurred_at"`
	CreatedAt        time.Time        `json:"created_at"`
}

// AgreementAcceptance is an immutable record of a legal agreement accepted
// on behalf of an organization.
type AgreementAcceptance struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	UserEmail        string    `json:"user_email"`
	AgreementType    string    `json:"agreement_type"`
	AgreementVersion string    `json:"agreement_version"`
	OrganizationID   string    `json:"organization_id"`
	AcceptedAt       time.Time `json:"accepted_at"`
}

// AuditAction names an operator or system action recorded in billing_audit.
type AuditAction string

const (
	AuditActionLink             AuditAction = "link"
	AuditActionForceLink        AuditAction = "force_link"
	AuditActionUnlink           AuditAction = "unlink"
	AuditActionMetadataUpdate   AuditAction = "metadata_update"
	AuditActionDeleteCustomer   AuditAction = "delete_customer"
	AuditActionPendingAgreement AuditAction = "pending_agreement"
)

// AuditEntry records who changed a billing link and why.
type AuditEntry struct {
	ID                 string      `json:"id"`
	Action             AuditAction `json:"action"`
	OrganizationID     string      `json:"organization_id"`
	CustomerID         string      `json:"customer_id"`
	PreviousCustomerID string      `json:"previous_customer_id,omitempty"`
	Actor              string      `json:"actor,omitempty"`
	ClientIP           string      `json:"client_ip,omitempty"`
	Detail             string      `json:"detail,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
}

// NewID returns a lexically sortable identifier for ledger, acceptance and
// audit rows.
func NewID() string {
	return ulid.Make().String()
}
