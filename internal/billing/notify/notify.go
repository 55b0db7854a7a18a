// Package notify sends operator notifications about billing events. Delivery
// is fire-and-forget: a failure is logged and never reaches the webhook.
package notify

import (
	"context"
	"fmt"

	"github.com/rcourtman/membership-billing/internal/billing/background"
	"github.com/rs/zerolog/log"
)

// Kind names a notification.
type Kind string

const (
	KindNewSubscription       Kind = "new_subscription"
	KindPaymentSucceeded      Kind = "payment_succeeded"
	KindPaymentFailed         Kind = "payment_failed"
	KindSubscriptionCancelled Kind = "subscription_cancelled"
)

// Event carries the facts rendered into a notification.
type Event struct {
	Kind             Kind
	OrganizationID   string
	OrganizationName string
	CustomerID       string
	ProductName      string
	Amount           int64
	Currency         string
	// ReferenceID is the provider invoice or subscription id.
	ReferenceID string
}

// Notifier accepts events without blocking the caller.
type Notifier interface {
	Notify(ev Event)
}

// Submitter schedules a best-effort task.
type Submitter interface {
	Submit(name string, fn background.Task) bool
}

// Dispatcher renders events and hands delivery to a background Submitter.
type Dispatcher struct {
	sender    Sender
	submitter Submitter
	from      string
	to        string
}

// NewDispatcher creates a Dispatcher sending from -> to. With an empty
// recipient every event is dropped at debug level.
func NewDispatcher(sender Sender, submitter Submitter, from, to string) *Dispatcher {
	return &Dispatcher{sender: sender, submitter: submitter, from: from, to: to}
}

// Notify schedules delivery of ev.
func (d *Dispatcher) Notify(ev Event) {
	if d == nil || d.to == "" {
		log.Debug().Str("kind", string(ev.Kind)).Str("organization_id", ev.OrganizationID).Msg("No notification recipient configured, skipping")
		return
	}
	d.submitter.Submit("notify:"+string(ev.Kind), func(ctx context.Context) error {
		return d.deliver(ctx, ev)
	})
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) error {
	subject, html, text, err := Render(ev)
	if err != nil {
		return err
	}
	if err := d.sender.Send(ctx, Message{
		From:     d.from,
		To:       d.to,
		Subject:  subject,
		HTML:     html,
		Text:     text,
		Tag:      string(ev.Kind),
		Metadata: map[string]string{"organization_id": ev.OrganizationID},
	}); err != nil {
		return fmt.Errorf("send %s notification: %w", ev.Kind, err)
	}
	log.Info().
		Str("kind", string(ev.Kind)).
		Str("organization_id", ev.OrganizationID).
		Msg("Billing notification sent")
	return nil
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(Event) {}
