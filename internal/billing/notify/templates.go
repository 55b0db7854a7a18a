package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
)

var eventTemplate = template.Must(template.New("billing_event").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; margin: 0; padding: 24px; background-color: #f5f5f5;">
<table role="presentation" style="max-width: 520px; margin: 0 auto; background: #ffffff; border-radius: 8px; padding: 24px;">
<tr><td>
<h1 style="margin: 0 0 16px; font-size: 20px; color: #1a1a1a;">{{.Title}}</h1>
<table role="presentation" style="font-size: 14px; color: #333;">
<tr><td style="padding: 2px 12px 2px 0; color: #666;">Organization</td><td>{{.OrganizationLabel}}</td></tr>
{{if .CustomerID}}<tr><td style="padding: 2px 12px 2px 0; color: #666;">Customer</td><td>{{.CustomerID}}</td></tr>{{end}}
{{if .ProductName}}<tr><td style="padding: 2px 12px 2px 0; color: #666;">Product</td><td>{{.ProductName}}</td></tr>{{end}}
{{if .AmountLabel}}<tr><td style="padding: 2px 12px 2px 0; color: #666;">Amount</td><td>{{.AmountLabel}}</td></tr>{{end}}
{{if .ReferenceID}}<tr><td style="padding: 2px 12px 2px 0; color: #666;">Reference</td><td>{{.ReferenceID}}</td></tr>{{end}}
</table>
</td></tr>
</table>
</body>
</html>`))

type eventView struct {
	Event
	Title             string
	OrganizationLabel string
	AmountLabel       string
}

func (k Kind) title() string {
	switch k {
	case KindNewSubscription:
		return "New membership subscription"
	case KindPaymentSucceeded:
		return "Payment received"
	case KindPaymentFailed:
		return "Payment failed"
	case KindSubscriptionCancelled:
		return "Subscription cancelled"
	default:
		return "Billing event"
	}
}

// FormatAmount renders a minor-unit amount as "12.34 USD".
func FormatAmount(amount int64, currency string) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, amount/100, amount%100, strings.ToUpper(currency))
}

// Render produces the subject and bodies for ev.
func Render(ev Event) (subject, html, text string, err error) {
	view := eventView{Event: ev, Title: ev.Kind.title(), OrganizationLabel: ev.OrganizationID}
	if ev.OrganizationName != "" {
		view.OrganizationLabel = fmt.Sprintf("%s (%s)", ev.OrganizationName, ev.OrganizationID)
	}
	if ev.Currency != "" {
		view.AmountLabel = FormatAmount(ev.Amount, ev.Currency)
	}

	var buf bytes.Buffer
	if err := eventTemplate.Execute(&buf, view); err != nil {
		return "", "", "", fmt.Errorf("render billing event template: %w", err)
	}

	subject = fmt.Sprintf("[billing] %s: %s", view.Title, view.OrganizationLabel)

	var tb strings.Builder
	fmt.Fprintf(&tb, "%s\n\nOrganization: %s\n", view.Title, view.OrganizationLabel)
	if ev.CustomerID != "" {
		fmt.Fprintf(&tb, "Customer: %s\n", ev.CustomerID)
	}
	if ev.ProductName != "" {
		fmt.Fprintf(&tb, "Product: %s\n", ev.ProductName)
	}
	if view.AmountLabel != "" {
		fmt.Fprintf(&tb, "Amount: %s\n", view.AmountLabel)
	}
	if ev.ReferenceID != "" {
		fmt.Fprintf(&tb, "Reference: %s\n", ev.ReferenceID)
	}
	return subject, buf.String(), tb.String(), nil
}
