// Package webhook receives provider deliveries, verifies them and routes the
// decoded event to the reconciliation components.
package webhook

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rcourtman/membership-billing/internal/billing/agreement"
	"github.com/rcourtman/membership-billing/internal/billing/bmetrics"
	"github.com/rcourtman/membership-billing/internal/billing/events"
	"github.com/rcourtman/membership-billing/internal/billing/ledger"
	"github.com/rcourtman/membership-billing/internal/billing/projector"
	billingerrors "github.com/rcourtman/membership-billing/internal/errors"
	"github.com/rcourtman/membership-billing/internal/logging"
	"github.com/rs/zerolog/log"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const (
	bodyLimit       = 1024 * 1024 // 1 MiB
	signatureHeader = "Stripe-Signature"
)

// DefaultTolerance is the accepted age of a signed delivery.
const DefaultTolerance = 5 * time.Minute

type errorResponse struct {
	Error string `json:"error"`
}

type receivedResponse struct {
	Received bool `json:"received"`
}

// Handler is the provider webhook endpoint.
type Handler struct {
	secret    string
	tolerance time.Duration
	projector *projector.Projector
	ledger    *ledger.Ledger
	recorder  *agreement.Recorder
}

// NewHandler creates a webhook handler. An empty secret enables development
// mode, in which deliveries are accepted unsigned. recorder may be nil.
func NewHandler(secret string, tolerance time.Duration, p *projector.Projector, l *ledger.Ledger, r *agreement.Recorder) *Handler {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if strings.TrimSpace(secret) == "" {
		log.Warn().Msg("Webhook secret not configured; accepting unsigned deliveries (development mode)")
	}
	return &Handler{secret: strings.TrimSpace(secret), tolerance: tolerance, projector: p, ledger: l, recorder: r}
}

// ServeHTTP verifies the delivery and dispatches the event.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		bmetrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		bmetrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, errorResponse{Error: "method not allowed"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "failed to read request body"})
		return
	}

	event, err := h.verify(payload, r.Header.Get(signatureHeader))
	if err != nil {
		status = billingerrors.HTTPStatus(err)
		logging.FromContext(r.Context()).Warn().Err(err).Int("status", status).Msg("Rejected webhook delivery")
		writeJSON(w, status, errorResponse{Error: billingerrors.Detail(err)})
		return
	}

	decoded, err := events.Decode(event)
	if err != nil {
		status = http.StatusBadRequest
		eventType = string(event.Type)
		log.Warn().Err(err).Str("event_id", event.ID).Str("type", eventType).Msg("Webhook payload invalid")
		writeJSON(w, status, errorResponse{Error: billingerrors.Detail(err)})
		return
	}
	if _, unhandled := decoded.(events.Unhandled); unhandled {
		eventType = "unhandled"
	} else {
		eventType = string(event.Type)
	}

	if err := h.Dispatch(r.Context(), decoded); err != nil {
		logging.FromContext(r.Context()).Error().Err(err).
			Str("event_id", event.ID).
			Str("type", string(event.Type)).
			Str("code", billingerrors.Code(err)).
			Msg("Webhook processing failed")
		status = http.StatusInternalServerError
		writeJSON(w, status, errorResponse{Error: "processing failed"})
		return
	}

	writeJSON(w, http.StatusOK, receivedResponse{Received: true})
}

// verify checks the signature (or, in development mode, only parses the
// body) and returns the envelope. Missing or malformed signature headers
// are PayloadInvalid; a wrong or expired signature is SignatureInvalid.
func (h *Handler) verify(payload []byte, sigHeader string) (*stripe.Event, error) {
	const op = "verify_webhook"
	if h.secret == "" {
		var event stripe.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, billingerrors.New(billingerrors.KindPayloadInvalid, op, "malformed event body")
		}
		return &event, nil
	}

	if strings.TrimSpace(sigHeader) == "" {
		return nil, billingerrors.New(billingerrors.KindPayloadInvalid, op, "missing Stripe signature")
	}
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		Tolerance:                h.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		switch {
		case stderrors.Is(err, webhook.ErrNoValidSignature):
			return nil, billingerrors.New(billingerrors.KindSignatureInvalid, op, "invalid Stripe signature")
		case stderrors.Is(err, webhook.ErrTooOld):
			return nil, billingerrors.New(billingerrors.KindSignatureInvalid, op, "Stripe signature timestamp outside tolerance")
		case stderrors.Is(err, webhook.ErrNotSigned), stderrors.Is(err, webhook.ErrInvalidHeader):
			return nil, billingerrors.New(billingerrors.KindPayloadInvalid, op, "malformed Stripe signature header")
		default:
			return nil, billingerrors.New(billingerrors.KindPayloadInvalid, op, "malformed event body")
		}
	}
	return &event, nil
}

// Dispatch routes a decoded event. A returned error means the provider
// should redeliver.
func (h *Handler) Dispatch(ctx context.Context, ev events.Event) error {
	switch e := ev.(type) {
	case events.SubscriptionChanged:
		res, err := h.projector.Apply(ctx, e)
		if err != nil {
			return err
		}
		if e.Action == events.SubscriptionCreated && res.Organization != nil && h.recorder != nil {
			if _, err := h.recorder.RecordSubscriptionStart(ctx, res.Organization, e); err != nil {
				return err
			}
		}
		return nil
	case events.InvoiceChanged:
		return h.ledger.InvoiceChanged(ctx, e)
	case events.PaymentSucceeded:
		return h.ledger.PaymentSucceeded(ctx, e)
	case events.PaymentFailed:
		return h.ledger.PaymentFailed(ctx, e)
	case events.ChargeRefunded:
		return h.ledger.ChargeRefunded(ctx, e)
	default:
		meta := ev.Meta()
		log.Info().
			Str("type", meta.Type).
			Str("event_id", meta.ID).
			Msg("Webhook ignored (unhandled type)")
		return nil
	}
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("billing.webhook: encode response")
	}
}
