// Package events decodes provider webhook envelopes into a closed set of
// event variants. Every handled type has its own variant; anything else
// decodes to Unhandled.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	billingerrors "github.com/rcourtman/membership-billing/internal/errors"
	stripe "github.com/stripe/stripe-go/v82"
)

// Envelope holds the fields common to every delivery.
type Envelope struct {
	ID       string
	Type     string
	Created  time.Time
	Livemode bool
}

// Event is one of the variants below.
type Event interface {
	Meta() Envelope
	sealed()
}

// SubscriptionAction distinguishes subscription lifecycle events.
type SubscriptionAction string

const (
	SubscriptionCreated SubscriptionAction = "created"
	SubscriptionUpdated SubscriptionAction = "updated"
	SubscriptionDeleted SubscriptionAction = "deleted"
)

// InvoiceAction distinguishes invoice lifecycle events.
type InvoiceAction string

const (
	InvoiceCreated   InvoiceAction = "created"
	InvoiceUpdated   InvoiceAction = "updated"
	InvoiceFinalized InvoiceAction = "finalized"
	InvoiceVoided    InvoiceAction = "voided"
)

type (
	// SubscriptionChanged is customer.subscription.{created,updated,deleted}.
	SubscriptionChanged struct {
		Envelope
		Action       SubscriptionAction
		Subscription Subscription
	}

	// InvoiceChanged is invoice.{created,updated,finalized,voided}.
	InvoiceChanged struct {
		Envelope
		Action  InvoiceAction
		Invoice Invoice
	}

	// PaymentSucceeded is invoice.paid or invoice.payment_succeeded.
	PaymentSucceeded struct {
		Envelope
		Invoice Invoice
	}

	// PaymentFailed is invoice.payment_failed.
	PaymentFailed struct {
		Envelope
		Invoice Invoice
	}

	// ChargeRefunded is charge.refunded.
	ChargeRefunded struct {
		Envelope
		Charge Charge
	}

	// Unhandled is any other event type.
	Unhandled struct {
		Envelope
	}
)

func (e Envelope) Meta() Envelope { return e }

func (SubscriptionChanged) sealed() {}
func (InvoiceChanged) sealed()      {}
func (PaymentSucceeded) sealed()    {}
func (PaymentFailed) sealed()       {}
func (ChargeRefunded) sealed()      {}
func (Unhandled) sealed()           {}

// Decode maps a provider envelope onto its variant. A handled type whose
// object fails to decode is a PayloadInvalid error.
func Decode(ev *stripe.Event) (Event, error) {
	if ev == nil {
		return nil, billingerrors.New(billingerrors.KindPayloadInvalid, "decode_event", "empty event")
	}
	env := Envelope{
		ID:       ev.ID,
		Type:     string(ev.Type),
		Livemode: ev.Livemode,
	}
	if ev.Created > 0 {
		env.Created = time.Unix(ev.Created, 0).UTC()
	}

	var raw json.RawMessage
	if ev.Data != nil {
		raw = ev.Data.Raw
	}

	switch env.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub Subscription
		if err := decodeObject(env, raw, &sub); err != nil {
			return nil, err
		}
		if sub.ID == "" || sub.Customer == "" {
			return nil, payloadInvalid(env, "subscription is missing id or customer")
		}
		action := SubscriptionAction(strings.TrimPrefix(env.Type, "customer.subscription."))
		return SubscriptionChanged{Envelope: env, Action: action, Subscription: sub}, nil

	case "invoice.created", "invoice.updated", "invoice.finalized", "invoice.voided":
		var inv Invoice
		if err := decodeInvoice(env, raw, &inv); err != nil {
			return nil, err
		}
		action := InvoiceAction(strings.TrimPrefix(env.Type, "invoice."))
		return InvoiceChanged{Envelope: env, Action: action, Invoice: inv}, nil

	case "invoice.paid", "invoice.payment_succeeded":
		var inv Invoice
		if err := decodeInvoice(env, raw, &inv); err != nil {
			return nil, err
		}
		return PaymentSucceeded{Envelope: env, Invoice: inv}, nil

	case "invoice.payment_failed":
		var inv Invoice
		if err := decodeInvoice(env, raw, &inv); err != nil {
			return nil, err
		}
		return PaymentFailed{Envelope: env, Invoice: inv}, nil

	case "charge.refunded":
		var ch Charge
		if err := decodeObject(env, raw, &ch); err != nil {
			return nil, err
		}
		if ch.ID == "" {
			return nil, payloadInvalid(env, "charge is missing id")
		}
		return ChargeRefunded{Envelope: env, Charge: ch}, nil

	default:
		return Unhandled{Envelope: env}, nil
	}
}

func decodeInvoice(env Envelope, raw json.RawMessage, inv *Invoice) error {
	if err := decodeObject(env, raw, inv); err != nil {
		return err
	}
	if inv.ID == "" {
		return payloadInvalid(env, "invoice is missing id")
	}
	return nil
}

func decodeObject(env Envelope, raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return payloadInvalid(env, "event has no data object")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return billingerrors.Wrap(billingerrors.KindPayloadInvalid, "decode_event", fmt.Errorf("decode %s: %w", env.Type, err))
	}
	return nil
}

func payloadInvalid(env Envelope, detail string) error {
	return billingerrors.New(billingerrors.KindPayloadInvalid, "decode_event", fmt.Sprintf("%s %s: %s", env.Type, env.ID, detail))
}
