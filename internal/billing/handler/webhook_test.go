package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/harumakino16/setlink/internal/billing/model"
	"github.com/harumakino16/setlink/internal/billing/reconcile"
	billingstripe "github.com/harumakino16/setlink/internal/billing/stripe"
	"github.com/harumakino16/setlink/internal/billing/store"
)

const testWebhookSecret = "whsec_test_123"

func setupWebhookTest(t *testing.T) (*WebhookHandler, *store.EntitlementStore) {
	t.Helper()
	es, _ := setupHandlerStore(t)
	verifier := billingstripe.NewClient(billingstripe.Config{WebhookSecret: testWebhookSecret})
	rec := reconcile.New(es, nil, nil, slog.Default())
	return NewWebhookHandler(verifier, rec, slog.Default()), es
}

func signedRequest(t *testing.T, secret, payload string) *http.Request {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func eventPayload(eventType string, created int64, object string) string {
	return fmt.Sprintf(`{"id":"evt_1","type":%q,"created":%d,"data":{"object":%s}}`, eventType, created, object)
}

func deliver(t *testing.T, h *WebhookHandler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.HandleStripeWebhook(rec, req)
	return rec
}

func assertAcked(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp struct {
		Received bool `json:"received"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Received {
		t.Error("response did not acknowledge receipt")
	}
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	h, es := setupWebhookTest(t)
	es.Create("user_1", "alice@example.com", "Alice")

	payload := eventPayload("checkout.session.completed", time.Now().Unix(),
		`{"id":"cs_1","metadata":{"uid":"user_1"}}`)
	req := signedRequest(t, "whsec_wrong", payload)

	rec := deliver(t, h, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if kind := decodeErrorKind(t, rec); kind != KindSignature {
		t.Errorf("error kind = %q, want %q", kind, KindSignature)
	}

	ent, _ := es.GetByUserID("user_1")
	if ent.Plan != model.PlanFree {
		t.Error("forged event mutated the entitlement")
	}
}

func TestWebhookCheckoutCompletedActivates(t *testing.T) {
	h, es := setupWebhookTest(t)
	es.Create("user_1", "alice@example.com", "Alice")

	payload := eventPayload("checkout.session.completed", time.Now().Unix(),
		`{"id":"cs_1","metadata":{"uid":"user_1"}}`)

	rec := deliver(t, h, signedRequest(t, testWebhookSecret, payload))
	assertAcked(t, rec)

	ent, _ := es.GetByUserID("user_1")
	if ent.Plan != model.PlanPremium {
		t.Errorf("plan = %q, want %q", ent.Plan, model.PlanPremium)
	}
	if !ent.HasUsedTrial {
		t.Error("completed checkout did not consume the trial")
	}
}

func TestWebhookRedeliveryIsIdempotent(t *testing.T) {
	h, es := setupWebhookTest(t)
	es.Create("user_1", "alice@example.com", "Alice")

	payload := eventPayload("checkout.session.completed", time.Now().Unix(),
		`{"id":"cs_1","metadata":{"uid":"user_1"}}`)

	for i := 0; i < 2; i++ {
		rec := deliver(t, h, signedRequest(t, testWebhookSecret, payload))
		assertAcked(t, rec)
	}

	ent, _ := es.GetByUserID("user_1")
	if ent.Plan != model.PlanPremium || ent.CancelAt != nil {
		t.Errorf("redelivery left entitlement at %+v", ent)
	}
}

func TestWebhookCancellationLifecycle(t *testing.T) {
	h, es := setupWebhookTest(t)
	es.Create("user_1", "alice@example.com", "Alice")

	now := time.Now().Unix()
	cancelAt := now + 30*24*3600

	rec := deliver(t, h, signedRequest(t, testWebhookSecret,
		eventPayload("checkout.session.completed", now, `{"id":"cs_1","metadata":{"uid":"user_1"}}`)))
	assertAcked(t, rec)

	rec = deliver(t, h, signedRequest(t, testWebhookSecret,
		eventPayload("customer.subscription.updated", now+60,
			fmt.Sprintf(`{"id":"sub_1","cancel_at_period_end":true,"cancel_at":%d,"metadata":{"uid":"user_1"}}`, cancelAt))))
	assertAcked(t, rec)

	ent, _ := es.GetByUserID("user_1")
	if ent.Plan != model.PlanPremium {
		t.Fatalf("plan = %q, want %q", ent.Plan, model.PlanPremium)
	}
	if ent.CancelAt == nil || ent.CancelAt.Unix() != cancelAt {
		t.Fatalf("cancel_at = %v, want %d", ent.CancelAt, cancelAt)
	}

	rec = deliver(t, h, signedRequest(t, testWebhookSecret,
		eventPayload("customer.subscription.deleted", now+120,
			`{"id":"sub_1","metadata":{"uid":"user_1"}}`)))
	assertAcked(t, rec)

	ent, _ = es.GetByUserID("user_1")
	if ent.Plan != model.PlanFree {
		t.Errorf("plan = %q, want %q", ent.Plan, model.PlanFree)
	}
	if ent.CancelAt != nil {
		t.Error("lapsed entitlement still carries cancel_at")
	}
}

func TestWebhookDeletionWithoutUIDIsAcked(t *testing.T) {
	h, es := setupWebhookTest(t)
	es.Create("user_1", "alice@example.com", "Alice")
	if _, err := es.ApplyState("user_1", model.State{Kind: model.StateActive}, true, time.Now()); err != nil {
		t.Fatalf("apply state: %v", err)
	}

	payload := eventPayload("customer.subscription.deleted", time.Now().Unix(),
		`{"id":"sub_1","metadata":{}}`)

	rec := deliver(t, h, signedRequest(t, testWebhookSecret, payload))
	assertAcked(t, rec)

	// No attribution, no state change.
	ent, _ := es.GetByUserID("user_1")
	if ent.Plan != model.PlanPremium {
		t.Errorf("plan = %q, want %q", ent.Plan, model.PlanPremium)
	}
}

func TestWebhookUnknownUserIsAcked(t *testing.T) {
	h, _ := setupWebhookTest(t)

	payload := eventPayload("checkout.session.completed", time.Now().Unix(),
		`{"id":"cs_1","metadata":{"uid":"nobody"}}`)

	rec := deliver(t, h, signedRequest(t, testWebhookSecret, payload))
	assertAcked(t, rec)
}

func TestWebhookRejectsOversizeBody(t *testing.T) {
	h, _ := setupWebhookTest(t)

	padding := strings.Repeat("x", maxWebhookBody)
	payload := eventPayload("checkout.session.completed", time.Now().Unix(),
		fmt.Sprintf(`{"id":"cs_1","description":%q,"metadata":{"uid":"user_1"}}`, padding))

	rec := deliver(t, h, signedRequest(t, testWebhookSecret, payload))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
	if kind := decodeErrorKind(t, rec); kind != KindValidation {
		t.Errorf("error kind = %q, want %q", kind, KindValidation)
	}
}

func TestWebhookUnknownEventTypeIsAcked(t *testing.T) {
	h, _ := setupWebhookTest(t)

	payload := eventPayload("invoice.payment_succeeded", time.Now().Unix(), `{"id":"in_1"}`)

	rec := deliver(t, h, signedRequest(t, testWebhookSecret, payload))
	assertAcked(t, rec)
}
