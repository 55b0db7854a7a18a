// Package provider is the narrow boundary to the external billing provider.
// Callers see small domain structs; only this package touches the SDK.
package provider

import (
	"context"
	"iter"
	"strings"
	"time"
)

// OrganizationMetadataKey is the customer metadata tag that names the local
// organization a provider customer belongs to.
const OrganizationMetadataKey = "organization_id"

// Customer is a provider-side billing identity.
type Customer struct {
	ID       string
	Email    string
	Name     string
	Metadata map[string]string
	Deleted  bool
	Created  time.Time
}

// OrganizationID returns the organization named by the customer's metadata
// tag, or "".
func (c *Customer) OrganizationID() string {
	if c == nil || c.Metadata == nil {
		return ""
	}
	return strings.TrimSpace(c.Metadata[OrganizationMetadataKey])
}

// Subscription is the subset of a provider subscription used for activity
// signals.
type Subscription struct {
	ID         string
	CustomerID string
	Status     string
	Metadata   map[string]string
}

// Live reports whether the subscription still represents an ongoing
// financial relationship.
func (s *Subscription) Live() bool {
	switch s.Status {
	case "active", "trialing", "past_due", "unpaid":
		return true
	default:
		return false
	}
}

// Invoice is the subset of a provider invoice used for activity signals.
type Invoice struct {
	ID         string
	CustomerID string
	Status     string
	AmountDue  int64
	AmountPaid int64
	Currency   string
}

// Product is a provider product.
type Product struct {
	ID       string
	Name     string
	Metadata map[string]string
}

// Provider is the billing provider API surface the reconciliation engine
// depends on. List methods are lazy: pages are fetched as the sequence is
// consumed and iteration stops at the first error.
type Provider interface {
	GetCustomer(ctx context.Context, customerID string) (*Customer, error)
	// UpdateCustomerMetadata merges metadata into the customer; an empty
	// value removes the key.
	UpdateCustomerMetadata(ctx context.Context, customerID string, metadata map[string]string) error
	DeleteCustomer(ctx context.Context, customerID string) error
	ListCustomers(ctx context.Context) iter.Seq2[*Customer, error]
	ListSubscriptions(ctx context.Context, customerID string) iter.Seq2[*Subscription, error]
	ListInvoices(ctx context.Context, customerID string) iter.Seq2[*Invoice, error]
	UpdateSubscriptionMetadata(ctx context.Context, subscriptionID string, metadata map[string]string) error
	GetProduct(ctx context.Context, productID string) (*Product, error)
}
