package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/harumakino16/setlink/internal/billing/reconcile"
)

const maxWebhookBody = 256 * 1024

// EventVerifier checks a webhook signature over the raw payload.
type EventVerifier interface {
	VerifyEvent(payload []byte, sigHeader string) (stripe.Event, error)
}

type WebhookHandler struct {
	verifier   EventVerifier
	reconciler *reconcile.Reconciler
	logger     *slog.Logger
}

func NewWebhookHandler(verifier EventVerifier, rec *reconcile.Reconciler, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		verifier:   verifier,
		reconciler: rec,
		logger:     logger,
	}
}

// HandleStripeWebhook verifies and applies one Stripe event delivery. The
// signature is checked against the raw body before anything is parsed.
// Unattributable and unknown events are acknowledged so Stripe stops
// redelivering them; store failures return 500 so it retries.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, KindValidation, "failed to read request body")
		return
	}
	if len(body) > maxWebhookBody {
		// Reject outright rather than truncating, which would surface as a
		// misleading signature failure.
		h.logger.Warn("webhook body exceeds size cap", "limit", maxWebhookBody)
		writeError(w, http.StatusRequestEntityTooLarge, KindValidation, "request body too large")
		return
	}

	event, err := h.verifier.VerifyEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("webhook signature verification failed", "error", err)
		writeError(w, http.StatusBadRequest, KindSignature, "signature verification failed")
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		h.applyCheckoutCompleted(w, event)
	case "customer.subscription.updated":
		h.applySubscriptionUpdated(w, event)
	case "customer.subscription.deleted":
		h.applySubscriptionDeleted(w, event)
	default:
		// Unknown kinds are acknowledged without error so Stripe's
		// redelivery policy does not retry them forever.
		h.ack(w)
	}
}

func (h *WebhookHandler) applyCheckoutCompleted(w http.ResponseWriter, event stripe.Event) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		h.logger.Error("unmarshal checkout session", "event_id", event.ID, "error", err)
		h.ack(w)
		return
	}

	uid := sess.Metadata["uid"]
	if uid == "" {
		h.logger.Error("checkout session missing uid metadata", "event_id", event.ID)
		h.ack(w)
		return
	}

	h.apply(w, event, reconcile.Event{
		Kind:       reconcile.CheckoutCompleted,
		UserID:     uid,
		OccurredAt: time.Unix(event.Created, 0).UTC(),
	})
}

func (h *WebhookHandler) applySubscriptionUpdated(w http.ResponseWriter, event stripe.Event) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		h.logger.Error("unmarshal subscription", "event_id", event.ID, "error", err)
		h.ack(w)
		return
	}

	uid := sub.Metadata["uid"]
	if uid == "" {
		// Updates without attribution cannot be applied; log the anomaly and
		// acknowledge so the event is not redelivered.
		h.logger.Warn("subscription update missing uid metadata", "event_id", event.ID, "subscription", sub.ID)
		h.ack(w)
		return
	}

	ev := reconcile.Event{
		Kind:              reconcile.SubscriptionUpdated,
		UserID:            uid,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		OccurredAt:        time.Unix(event.Created, 0).UTC(),
	}
	if sub.CancelAt > 0 {
		ev.CancelAt = time.Unix(sub.CancelAt, 0).UTC()
	}
	h.apply(w, event, ev)
}

func (h *WebhookHandler) applySubscriptionDeleted(w http.ResponseWriter, event stripe.Event) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		h.logger.Error("unmarshal subscription", "event_id", event.ID, "error", err)
		h.ack(w)
		return
	}

	uid := sub.Metadata["uid"]
	if uid == "" {
		h.logger.Error("subscription deletion missing uid metadata, cannot attribute",
			"event_id", event.ID, "subscription", sub.ID)
		h.ack(w)
		return
	}

	h.apply(w, event, reconcile.Event{
		Kind:       reconcile.SubscriptionDeleted,
		UserID:     uid,
		OccurredAt: time.Unix(event.Created, 0).UTC(),
	})
}

func (h *WebhookHandler) apply(w http.ResponseWriter, event stripe.Event, ev reconcile.Event) {
	if err := h.reconciler.Apply(ev); err != nil {
		if errors.Is(err, reconcile.ErrUnknownUser) {
			h.logger.Error("billing event for unknown user", "event_id", event.ID, "uid", ev.UserID)
			h.ack(w)
			return
		}
		h.logger.Error("apply billing event", "event_id", event.ID, "uid", ev.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, KindInternal, "failed to apply event")
		return
	}
	h.ack(w)
}

func (h *WebhookHandler) ack(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
