package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	billingstripe "github.com/harumakino16/setlink/internal/billing/stripe"
	"github.com/harumakino16/setlink/internal/billing/store"
)

type SubscriptionHandler struct {
	gateway      billingstripe.Gateway
	entitlements *store.EntitlementStore
	logger       *slog.Logger
}

func NewSubscriptionHandler(gw billingstripe.Gateway, es *store.EntitlementStore, logger *slog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{
		gateway:      gw,
		entitlements: es,
		logger:       logger,
	}
}

// customerID resolves the request's uid to a billing customer reference,
// writing the error response itself when resolution fails.
func (h *SubscriptionHandler) customerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req struct {
		UID string `json:"uid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, KindValidation, "invalid request body")
		return "", false
	}
	if req.UID == "" {
		writeError(w, http.StatusBadRequest, KindValidation, "uid is required")
		return "", false
	}

	ent, err := h.entitlements.GetByUserID(req.UID)
	if err != nil {
		h.logger.Error("load entitlement", "uid", req.UID, "error", err)
		writeError(w, http.StatusInternalServerError, KindInternal, "failed to load entitlement")
		return "", false
	}
	if ent == nil {
		writeError(w, http.StatusNotFound, KindNotFound, "no entitlement for user")
		return "", false
	}
	if ent.StripeCustomerID == nil || *ent.StripeCustomerID == "" {
		writeError(w, http.StatusNotFound, KindNotFound, "no billing customer for user")
		return "", false
	}
	return *ent.StripeCustomerID, true
}

// Cancel schedules the user's subscription to lapse at period end. It only
// requests the change from Stripe; the entitlement is updated later when the
// confirming webhook arrives.
func (h *SubscriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.customerID(w, r)
	if !ok {
		return
	}

	sub, err := h.gateway.FindSubscription(r.Context(), customerID, "active")
	if err != nil {
		h.logger.Error("find active subscription", "customer", customerID, "error", err)
		writeError(w, http.StatusBadGateway, KindGateway, "failed to query subscriptions")
		return
	}
	if sub == nil {
		sub, err = h.gateway.FindSubscription(r.Context(), customerID, "trialing")
		if err != nil {
			h.logger.Error("find trialing subscription", "customer", customerID, "error", err)
			writeError(w, http.StatusBadGateway, KindGateway, "failed to query subscriptions")
			return
		}
	}
	if sub == nil {
		writeError(w, http.StatusNotFound, KindNotFound, "no cancellable subscription")
		return
	}

	updated, err := h.gateway.CancelAtPeriodEnd(r.Context(), sub.ID)
	if err != nil {
		h.logger.Error("cancel at period end", "subscription", sub.ID, "error", err)
		writeError(w, http.StatusBadGateway, KindGateway, "failed to schedule cancellation")
		return
	}

	cancelAt := updated.CancelAt
	if cancelAt.IsZero() {
		cancelAt = updated.CurrentPeriodEnd
	}
	var cancelAtMillis *int64
	if !cancelAt.IsZero() {
		cancelAtMillis = epochMillis(&cancelAt)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":  "cancellation scheduled at period end",
		"cancelAt": cancelAtMillis,
	})
}

// Status reports when, if ever, the user's plan will lapse. Read-only.
func (h *SubscriptionHandler) Status(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.customerID(w, r)
	if !ok {
		return
	}

	sub, err := h.gateway.FindSubscription(r.Context(), customerID, "all")
	if err != nil {
		h.logger.Error("find subscription", "customer", customerID, "error", err)
		writeError(w, http.StatusBadGateway, KindGateway, "failed to query subscriptions")
		return
	}
	if sub == nil {
		writeJSON(w, http.StatusOK, map[string]string{"message": "no subscription found"})
		return
	}

	var cancelAtMillis *int64
	if sub.CancelAtPeriodEnd && !sub.CancelAt.IsZero() {
		at := sub.CancelAt
		cancelAtMillis = epochMillis(&at)
	}

	writeJSON(w, http.StatusOK, map[string]any{"cancelAt": cancelAtMillis})
}
