package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	billingstripe "github.com/harumakino16/setlink/internal/billing/stripe"
	"github.com/harumakino16/setlink/internal/billing/store"
)

type CheckoutHandler struct {
	gateway      billingstripe.Gateway
	entitlements *store.EntitlementStore
	trialDays    int64
	logger       *slog.Logger
}

func NewCheckoutHandler(gw billingstripe.Gateway, es *store.EntitlementStore, trialDays int64, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		gateway:      gw,
		entitlements: es,
		trialDays:    trialDays,
		logger:       logger,
	}
}

// CreateCheckoutSession starts a subscription checkout for the user. The
// entitlement itself is untouched here apart from the durable customer
// reference; the plan changes only once the webhook confirms payment.
func (h *CheckoutHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UID       string `json:"uid"`
		ReturnURL string `json:"returnUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, KindValidation, "invalid request body")
		return
	}
	if req.UID == "" {
		writeError(w, http.StatusBadRequest, KindValidation, "uid is required")
		return
	}

	ent, err := h.entitlements.GetByUserID(req.UID)
	if err != nil {
		h.logger.Error("load entitlement", "uid", req.UID, "error", err)
		writeError(w, http.StatusInternalServerError, KindInternal, "failed to load entitlement")
		return
	}
	if ent == nil {
		writeError(w, http.StatusNotFound, KindNotFound, "no entitlement for user")
		return
	}

	customerID := ""
	if ent.StripeCustomerID != nil {
		customerID = *ent.StripeCustomerID
	}
	if customerID == "" {
		created, err := h.gateway.CreateCustomer(r.Context(), ent.Email, ent.DisplayName, ent.UserID)
		if err != nil {
			h.logger.Error("create stripe customer", "uid", req.UID, "error", err)
			writeError(w, http.StatusBadGateway, KindGateway, "failed to prepare billing customer")
			return
		}
		// Persist before the session references it; a lost claim race means
		// another writer's reference is already durable, so use that one.
		customerID, err = h.entitlements.ClaimStripeCustomerID(ent.UserID, created)
		if err != nil {
			h.logger.Error("persist stripe customer id", "uid", req.UID, "error", err)
			writeError(w, http.StatusInternalServerError, KindInternal, "failed to persist billing customer")
			return
		}
		if customerID != created {
			h.logger.Warn("discarded duplicate stripe customer", "uid", req.UID, "created", created, "kept", customerID)
		}
	}

	trialDays := int64(0)
	if !ent.HasUsedTrial {
		trialDays = h.trialDays
	}

	id, url, err := h.gateway.CreateCheckoutSession(r.Context(), billingstripe.CheckoutParams{
		CustomerID: customerID,
		UserID:     ent.UserID,
		TrialDays:  trialDays,
		SuccessURL: req.ReturnURL,
		CancelURL:  req.ReturnURL,
	})
	if err != nil {
		h.logger.Error("create checkout session", "uid", req.UID, "error", err)
		writeError(w, http.StatusBadGateway, KindGateway, "failed to create checkout session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": id, "url": url})
}
