package events

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// ExpandableID decodes a provider reference that is either a bare id
// string or an expanded object carrying an "id" field.
type ExpandableID string

func (e *ExpandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = ExpandableID(strings.TrimSpace(s))
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = ExpandableID(strings.TrimSpace(obj.ID))
	return nil
}

func (e ExpandableID) String() string { return string(e) }

// Price is the subset of a provider price carried on subscription items and
// invoice lines.
type Price struct {
	ID         string            `json:"id"`
	Product    ExpandableID      `json:"product"`
	Nickname   string            `json:"nickname"`
	UnitAmount *int64            `json:"unit_amount"`
	Currency   string            `json:"currency"`
	Metadata   map[string]string `json:"metadata"`
}

// SubscriptionItem is one line of a subscription.
type SubscriptionItem struct {
	ID               string `json:"id"`
	Price            Price  `json:"price"`
	Quantity         int64  `json:"quantity"`
	CurrentPeriodEnd int64  `json:"current_period_end"`
}

// Subscription is a minimal representation of a provider subscription.
type Subscription struct {
	ID                string            `json:"id"`
	Customer          ExpandableID      `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	CanceledAt        int64             `json:"canceled_at"`
	EndedAt           int64             `json:"ended_at"`
	Created           int64             `json:"created"`
	Metadata          map[string]string `json:"metadata"`
	Items             struct {
		Data []SubscriptionItem `json:"data"`
	} `json:"items"`
}

// PrimaryPrice returns the price of the first subscription item.
func (s *Subscription) PrimaryPrice() *Price {
	if len(s.Items.Data) == 0 {
		return nil
	}
	return &s.Items.Data[0].Price
}

// PeriodEnd returns the current period end, read from the subscription or,
// on newer API versions, from its first item.
func (s *Subscription) PeriodEnd() *time.Time {
	end := s.CurrentPeriodEnd
	if end == 0 {
		for _, item := range s.Items.Data {
			if item.CurrentPeriodEnd > end {
				end = item.CurrentPeriodEnd
			}
		}
	}
	return unixPtr(end)
}

// CanceledTime returns when the subscription was canceled, if it was.
func (s *Subscription) CanceledTime() *time.Time {
	if s.CanceledAt != 0 {
		return unixPtr(s.CanceledAt)
	}
	return unixPtr(s.EndedAt)
}

// Period is a start/end pair in unix seconds.
type Period struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// InvoiceLine is one line of an invoice.
type InvoiceLine struct {
	ID          string `json:"id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
	Period      Period `json:"period"`
	Price       *Price `json:"price"`
	Pricing     *struct {
		PriceDetails *struct {
			Price   ExpandableID `json:"price"`
			Product ExpandableID `json:"product"`
		} `json:"price_details"`
	} `json:"pricing"`
	Metadata map[string]string `json:"metadata"`
}

// ProductID returns the product billed on the line.
func (l *InvoiceLine) ProductID() string {
	if l.Price != nil && l.Price.Product != "" {
		return l.Price.Product.String()
	}
	if l.Pricing != nil && l.Pricing.PriceDetails != nil {
		return l.Pricing.PriceDetails.Product.String()
	}
	return ""
}

// Invoice is a minimal representation of a provider invoice.
type Invoice struct {
	ID               string            `json:"id"`
	Customer         ExpandableID      `json:"customer"`
	CustomerEmail    string            `json:"customer_email"`
	Status           string            `json:"status"`
	AmountDue        int64             `json:"amount_due"`
	AmountPaid       int64             `json:"amount_paid"`
	Currency         string            `json:"currency"`
	Description      string            `json:"description"`
	HostedInvoiceURL string            `json:"hosted_invoice_url"`
	InvoicePDF       string            `json:"invoice_pdf"`
	DueDate          int64             `json:"due_date"`
	Created          int64             `json:"created"`
	Metadata         map[string]string `json:"metadata"`
	Subscription     ExpandableID      `json:"subscription"`
	Parent           *struct {
		SubscriptionDetails *struct {
			Subscription ExpandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []InvoiceLine `json:"data"`
	} `json:"lines"`
}

// SubscriptionID returns the subscription the invoice belongs to, or "" for
// a one-off invoice. Both the legacy top-level field and the newer parent
// details are consulted.
func (inv *Invoice) SubscriptionID() string {
	if inv.Subscription != "" {
		return inv.Subscription.String()
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return inv.Parent.SubscriptionDetails.Subscription.String()
	}
	return ""
}

// DueTime returns the due date, if any.
func (inv *Invoice) DueTime() *time.Time { return unixPtr(inv.DueDate) }

// Charge is a minimal representation of a provider charge.
type Charge struct {
	ID             string            `json:"id"`
	Customer       ExpandableID      `json:"customer"`
	Invoice        ExpandableID      `json:"invoice"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	Description    string            `json:"description"`
	Refunded       bool              `json:"refunded"`
	Created        int64             `json:"created"`
	Metadata       map[string]string `json:"metadata"`
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
