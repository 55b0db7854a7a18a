package provider

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"time"

	billingerrors "github.com/rcourtman/membership-billing/internal/errors"
	stripe "github.com/stripe/stripe-go/v82"
	"golang.org/x/time/rate"
)

const (
	listPageSize             = 100
	defaultRequestsPerSecond = 20
)

// StripeProvider implements Provider on top of a single injected
// *stripe.Client. Every request, and every list page, waits on a shared
// token bucket so bulk scans stay under the provider's rate limits.
type StripeProvider struct {
	client  *stripe.Client
	limiter *rate.Limiter
}

// NewStripeClient constructs the SDK client used by StripeProvider.
func NewStripeClient(apiKey string) *stripe.Client {
	return stripe.NewClient(apiKey)
}

// NewStripeProvider wraps client with a limiter allowing requestsPerSecond.
func NewStripeProvider(client *stripe.Client, requestsPerSecond float64) *StripeProvider {
	if requestsPerSecond <= 0 {
		requestsPerSecond = defaultRequestsPerSecond
	}
	burst := int(requestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &StripeProvider{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
	}
}

func (p *StripeProvider) wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("provider rate limiter: %w", err)
	}
	return nil
}

// GetCustomer retrieves a customer. Unknown ids map to ErrNotFound.
func (p *StripeProvider) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	c, err := p.client.V1Customers.Retrieve(ctx, customerID, nil)
	if err != nil {
		return nil, mapStripeError("get customer", customerID, err)
	}
	return customerFromStripe(c), nil
}

// UpdateCustomerMetadata merges metadata into the customer.
func (p *StripeProvider) UpdateCustomerMetadata(ctx context.Context, customerID string, metadata map[string]string) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	params := &stripe.CustomerUpdateParams{}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	if _, err := p.client.V1Customers.Update(ctx, customerID, params); err != nil {
		return mapStripeError("update customer metadata", customerID, err)
	}
	return nil
}

// DeleteCustomer permanently deletes the customer in the provider.
func (p *StripeProvider) DeleteCustomer(ctx context.Context, customerID string) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	if _, err := p.client.V1Customers.Delete(ctx, customerID, nil); err != nil {
		return mapStripeError("delete customer", customerID, err)
	}
	return nil
}

// ListCustomers lazily enumerates all customers.
func (p *StripeProvider) ListCustomers(ctx context.Context) iter.Seq2[*Customer, error] {
	params := &stripe.CustomerListParams{}
	params.Limit = stripe.Int64(listPageSize)
	return paced(ctx, p.limiter, iter.Seq2[*stripe.Customer, error](p.client.V1Customers.List(ctx, params)), customerFromStripe, "list customers")
}

// ListSubscriptions lazily enumerates every subscription of a customer,
// including canceled ones.
func (p *StripeProvider) ListSubscriptions(ctx context.Context, customerID string) iter.Seq2[*Subscription, error] {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Limit = stripe.Int64(listPageSize)
	return paced(ctx, p.limiter, iter.Seq2[*stripe.Subscription, error](p.client.V1Subscriptions.List(ctx, params)), subscriptionFromStripe, "list subscriptions")
}

// ListInvoices lazily enumerates the invoices of a customer.
func (p *StripeProvider) ListInvoices(ctx context.Context, customerID string) iter.Seq2[*Invoice, error] {
	params := &stripe.InvoiceListParams{
		Customer: stripe.String(customerID),
	}
	params.Limit = stripe.Int64(listPageSize)
	return paced(ctx, p.limiter, iter.Seq2[*stripe.Invoice, error](p.client.V1Invoices.List(ctx, params)), invoiceFromStripe, "list invoices")
}

// UpdateSubscriptionMetadata merges metadata into a subscription.
func (p *StripeProvider) UpdateSubscriptionMetadata(ctx context.Context, subscriptionID string, metadata map[string]string) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	params := &stripe.SubscriptionUpdateParams{}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	if _, err := p.client.V1Subscriptions.Update(ctx, subscriptionID, params); err != nil {
		return mapStripeError("update subscription metadata", subscriptionID, err)
	}
	return nil
}

// GetProduct retrieves a product.
func (p *StripeProvider) GetProduct(ctx context.Context, productID string) (*Product, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	prod, err := p.client.V1Products.Retrieve(ctx, productID, nil)
	if err != nil {
		return nil, mapStripeError("get product", productID, err)
	}
	return &Product{ID: prod.ID, Name: prod.Name, Metadata: prod.Metadata}, nil
}

// paced adapts an SDK auto-paginating sequence: it waits on the limiter
// before the first item and before each subsequent page boundary.
func paced[S any, T any](ctx context.Context, limiter *rate.Limiter, seq iter.Seq2[S, error], convert func(S) T, op string) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		if err := limiter.Wait(ctx); err != nil {
			yield(zero, fmt.Errorf("%s: provider rate limiter: %w", op, err))
			return
		}
		n := 0
		for item, err := range seq {
			if err != nil {
				yield(zero, mapStripeError(op, "", err))
				return
			}
			n++
			if n%listPageSize == 0 {
				if err := limiter.Wait(ctx); err != nil {
					yield(zero, fmt.Errorf("%s: provider rate limiter: %w", op, err))
					return
				}
			}
			if !yield(convert(item), nil) {
				return
			}
		}
	}
}

func mapStripeError(op, id string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.Code == stripe.ErrorCodeResourceMissing || stripeErr.HTTPStatusCode == http.StatusNotFound {
			return billingerrors.Wrap(billingerrors.KindNotFound, op, fmt.Errorf("%s %s: %w", op, id, err))
		}
	}
	if id == "" {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s %s: %w", op, id, err)
}

func customerFromStripe(c *stripe.Customer) *Customer {
	if c == nil {
		return nil
	}
	return &Customer{
		ID:       c.ID,
		Email:    c.Email,
		Name:     c.Name,
		Metadata: c.Metadata,
		Deleted:  c.Deleted,
		Created:  time.Unix(c.Created, 0).UTC(),
	}
}

func subscriptionFromStripe(s *stripe.Subscription) *Subscription {
	if s == nil {
		return nil
	}
	out := &Subscription{ID: s.ID, Status: string(s.Status), Metadata: s.Metadata}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	return out
}

func invoiceFromStripe(inv *stripe.Invoice) *Invoice {
	if inv == nil {
		return nil
	}
	out := &Invoice{
		ID:         inv.ID,
		Status:     string(inv.Status),
		AmountDue:  inv.AmountDue,
		AmountPaid: inv.AmountPaid,
		Currency:   string(inv.Currency),
	}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	return out
}
