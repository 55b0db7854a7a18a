// Package providertest provides an in-memory provider.Provider for tests.
package providertest

import (
	"context"
	"iter"
	"maps"
	"slices"
	"sync"

	"github.com/rcourtman/membership-billing/internal/billing/provider"
	billingerrors "github.com/rcourtman/membership-billing/internal/errors"
)

// Fake is a concurrency-safe in-memory provider. Customers are listed in
// insertion order.
type Fake struct {
	mu            sync.Mutex
	order         []string
	customers     map[string]*provider.Customer
	subscriptions map[string][]*provider.Subscription
	invoices      map[string][]*provider.Invoice
	products      map[string]*provider.Product

	// Calls counts method invocations by name.
	Calls map[string]int
	// FailOn makes the named method return the mapped error.
	FailOn map[string]error
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		customers:     make(map[string]*provider.Customer),
		subscriptions: make(map[string][]*provider.Subscription),
		invoices:      make(map[string][]*provider.Invoice),
		products:      make(map[string]*provider.Product),
		Calls:         make(map[string]int),
		FailOn:        make(map[string]error),
	}
}

// AddCustomer registers a customer tagged with orgID ("" for untagged).
func (f *Fake) AddCustomer(id, email, orgID string) *provider.Customer {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &provider.Customer{ID: id, Email: email, Metadata: map[string]string{}}
	if orgID != "" {
		c.Metadata[provider.OrganizationMetadataKey] = orgID
	}
	if _, ok := f.customers[id]; !ok {
		f.order = append(f.order, id)
	}
	f.customers[id] = c
	return c
}

// AddSubscription attaches a subscription to a customer.
func (f *Fake) AddSubscription(customerID, subscriptionID, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions[customerID] = append(f.subscriptions[customerID], &provider.Subscription{
		ID:         subscriptionID,
		CustomerID: customerID,
		Status:     status,
		Metadata:   map[string]string{},
	})
}

// AddInvoice attaches an invoice to a customer.
func (f *Fake) AddInvoice(customerID, invoiceID, status string, amountPaid int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoices[customerID] = append(f.invoices[customerID], &provider.Invoice{
		ID:         invoiceID,
		CustomerID: customerID,
		Status:     status,
		AmountDue:  amountPaid,
		AmountPaid: amountPaid,
		Currency:   "usd",
	})
}

// AddProduct registers a product.
func (f *Fake) AddProduct(id, name string, metadata map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.products[id] = &provider.Product{ID: id, Name: name, Metadata: metadata}
}

// Customer returns a copy of the stored customer, or nil.
func (f *Fake) Customer(id string) *provider.Customer {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.customers[id]
	if !ok {
		return nil
	}
	return cloneCustomer(c)
}

// SubscriptionMetadata returns the metadata of a subscription, or nil.
func (f *Fake) SubscriptionMetadata(subscriptionID string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, subs := range f.subscriptions {
		for _, s := range subs {
			if s.ID == subscriptionID {
				return maps.Clone(s.Metadata)
			}
		}
	}
	return nil
}

// CallCount returns how often method was invoked.
func (f *Fake) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[method]
}

func (f *Fake) enter(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls[method]++
	return f.FailOn[method]
}

func notFound(op, id string) error {
	return billingerrors.New(billingerrors.KindNotFound, op, "no such object: "+id)
}

func (f *Fake) GetCustomer(_ context.Context, customerID string) (*provider.Customer, error) {
	if err := f.enter("GetCustomer"); err != nil {
		return nil, err
	}
	if c := f.Customer(customerID); c != nil {
		return c, nil
	}
	return nil, notFound("get customer", customerID)
}

func (f *Fake) UpdateCustomerMetadata(_ context.Context, customerID string, metadata map[string]string) error {
	if err := f.enter("UpdateCustomerMetadata"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.customers[customerID]
	if !ok || c.Deleted {
		return notFound("update customer metadata", customerID)
	}
	applyMetadata(c.Metadata, metadata)
	return nil
}

func (f *Fake) DeleteCustomer(_ context.Context, customerID string) error {
	if err := f.enter("DeleteCustomer"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.customers[customerID]
	if !ok || c.Deleted {
		return notFound("delete customer", customerID)
	}
	c.Deleted = true
	return nil
}

func (f *Fake) ListCustomers(_ context.Context) iter.Seq2[*provider.Customer, error] {
	return func(yield func(*provider.Customer, error) bool) {
		if err := f.enter("ListCustomers"); err != nil {
			yield(nil, err)
			return
		}
		f.mu.Lock()
		var snapshot []*provider.Customer
		for _, id := range f.order {
			if c := f.customers[id]; !c.Deleted {
				snapshot = append(snapshot, cloneCustomer(c))
			}
		}
		f.mu.Unlock()
		for _, c := range snapshot {
			if !yield(c, nil) {
				return
			}
		}
	}
}

func (f *Fake) ListSubscriptions(_ context.Context, customerID string) iter.Seq2[*provider.Subscription, error] {
	return func(yield func(*provider.Subscription, error) bool) {
		if err := f.enter("ListSubscriptions"); err != nil {
			yield(nil, err)
			return
		}
		f.mu.Lock()
		subs := slices.Clone(f.subscriptions[customerID])
		f.mu.Unlock()
		for _, s := range subs {
			cp := *s
			if !yield(&cp, nil) {
				return
			}
		}
	}
}

func (f *Fake) ListInvoices(_ context.Context, customerID string) iter.Seq2[*provider.Invoice, error] {
	return func(yield func(*provider.Invoice, error) bool) {
		if err := f.enter("ListInvoices"); err != nil {
			yield(nil, err)
			return
		}
		f.mu.Lock()
		invs := slices.Clone(f.invoices[customerID])
		f.mu.Unlock()
		for _, inv := range invs {
			cp := *inv
			if !yield(&cp, nil) {
				return
			}
		}
	}
}

func (f *Fake) UpdateSubscriptionMetadata(_ context.Context, subscriptionID string, metadata map[string]string) error {
	if err := f.enter("UpdateSubscriptionMetadata"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, subs := range f.subscriptions {
		for _, s := range subs {
			if s.ID == subscriptionID {
				applyMetadata(s.Metadata, metadata)
				return nil
			}
		}
	}
	return notFound("update subscription metadata", subscriptionID)
}

func (f *Fake) GetProduct(_ context.Context, productID string) (*provider.Product, error) {
	if err := f.enter("GetProduct"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[productID]
	if !ok {
		return nil, notFound("get product", productID)
	}
	cp := *p
	cp.Metadata = maps.Clone(p.Metadata)
	return &cp, nil
}

func applyMetadata(dst, src map[string]string) {
	for k, v := range src {
		if v == "" {
			delete(dst, k)
			continue
		}
		dst[k] = v
	}
}

func cloneCustomer(c *provider.Customer) *provider.Customer {
	cp := *c
	cp.Metadata = maps.Clone(c.Metadata)
	if cp.Metadata == nil {
		cp.Metadata = map[string]string{}
	}
	return &cp
}

var _ provider.Provider = (*Fake)(nil)
