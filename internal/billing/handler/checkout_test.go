package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/harumakino16/setlink/internal/billing/database"
	"github.com/harumakino16/setlink/internal/billing/model"
	billingstripe "github.com/harumakino16/setlink/internal/billing/stripe"
	"github.com/harumakino16/setlink/internal/billing/store"
)

// fakeGateway is an in-memory billing gateway shared by the handler tests.
type fakeGateway struct {
	createCustomerCalls int
	createCustomerErr   error
	nextCustomerID      string

	checkoutCalls []billingstripe.CheckoutParams
	checkoutErr   error

	subsByStatus map[string]*billingstripe.Subscription
	findErr      error

	cancelled    []string
	cancelResult *billingstripe.Subscription
	cancelErr    error
}

func (f *fakeGateway) CreateCustomer(_ context.Context, _, _, _ string) (string, error) {
	f.createCustomerCalls++
	if f.createCustomerErr != nil {
		return "", f.createCustomerErr
	}
	if f.nextCustomerID != "" {
		return f.nextCustomerID, nil
	}
	return fmt.Sprintf("cus_%d", f.createCustomerCalls), nil
}

func (f *fakeGateway) CreateCheckoutSession(_ context.Context, p billingstripe.CheckoutParams) (string, string, error) {
	if f.checkoutErr != nil {
		return "", "", f.checkoutErr
	}
	f.checkoutCalls = append(f.checkoutCalls, p)
	return "cs_test_1", "https://checkout.stripe.com/c/cs_test_1", nil
}

func (f *fakeGateway) FindSubscription(_ context.Context, _, status string) (*billingstripe.Subscription, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.subsByStatus[status], nil
}

func (f *fakeGateway) CancelAtPeriodEnd(_ context.Context, subscriptionID string) (*billingstripe.Subscription, error) {
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	f.cancelled = append(f.cancelled, subscriptionID)
	return f.cancelResult, nil
}

var _ billingstripe.Gateway = (*fakeGateway)(nil)

func setupHandlerStore(t *testing.T) (*store.EntitlementStore, *sql.DB) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return store.NewEntitlementStore(db), db
}

func postJSON(t *testing.T, h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decodeErrorKind(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return resp.Error.Kind
}

func TestCreateCheckoutSessionValidation(t *testing.T) {
	es, _ := setupHandlerStore(t)
	h := NewCheckoutHandler(&fakeGateway{}, es, 30, slog.Default())

	rec := postJSON(t, h.CreateCheckoutSession, `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d, want 400", rec.Code)
	}

	rec = postJSON(t, h.CreateCheckoutSession, `{"returnUrl":"https://app.example.com"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing uid: status = %d, want 400", rec.Code)
	}
	if kind := decodeErrorKind(t, rec); kind != KindValidation {
		t.Errorf("error kind = %q, want %q", kind, KindValidation)
	}
}

func TestCreateCheckoutSessionUnknownUser(t *testing.T) {
	es, _ := setupHandlerStore(t)
	h := NewCheckoutHandler(&fakeGateway{}, es, 30, slog.Default())

	rec := postJSON(t, h.CreateCheckoutSession, `{"uid":"nobody"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestCreateCheckoutSessionGatewayFailure(t *testing.T) {
	es, _ := setupHandlerStore(t)
	es.Create("user_1", "alice@example.com", "Alice")
	gw := &fakeGateway{createCustomerErr: errors.New("stripe down")}
	h := NewCheckoutHandler(gw, es, 30, slog.Default())

	rec := postJSON(t, h.CreateCheckoutSession, `{"uid":"user_1"}`)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
	if kind := decodeErrorKind(t, rec); kind != KindGateway {
		t.Errorf("error kind = %q, want %q", kind, KindGateway)
	}

	ent, _ := es.GetByUserID("user_1")
	if ent.StripeCustomerID != nil {
		t.Error("failed customer creation persisted a reference")
	}
}

func TestCreateCheckoutSessionTrialGrantedAtMostOnce(t *testing.T) {
	es, _ := setupHandlerStore(t)
	es.Create("user_1", "alice@example.com", "Alice")
	gw := &fakeGateway{nextCustomerID: "cus_abc"}
	h := NewCheckoutHandler(gw, es, 30, slog.Default())

	rec := postJSON(t, h.CreateCheckoutSession, `{"uid":"user_1","returnUrl":"https://app.example.com/billing"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("first checkout: status = %d, body = %s", rec.Code, rec.Body)
	}
	if len(gw.checkoutCalls) != 1 || gw.checkoutCalls[0].TrialDays != 30 {
		t.Fatalf("first checkout calls = %+v, want one call with 30 trial days", gw.checkoutCalls)
	}

	// The webhook marks the trial consumed when the checkout completes.
	if _, err := es.ApplyState("user_1", model.State{Kind: model.StateActive}, true, time.Now()); err != nil {
		t.Fatalf("apply state: %v", err)
	}

	rec = postJSON(t, h.CreateCheckoutSession, `{"uid":"user_1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("second checkout: status = %d, body = %s", rec.Code, rec.Body)
	}
	if got := gw.checkoutCalls[1].TrialDays; got != 0 {
		t.Errorf("second checkout trial days = %d, want 0", got)
	}
}

func TestCreateCheckoutSessionReusesBillingCustomer(t *testing.T) {
	es, _ := setupHandlerStore(t)
	es.Create("user_1", "alice@example.com", "Alice")
	gw := &fakeGateway{nextCustomerID: "cus_abc"}
	h := NewCheckoutHandler(gw, es, 30, slog.Default())

	for i := 0; i < 2; i++ {
		rec := postJSON(t, h.CreateCheckoutSession, `{"uid":"user_1"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("checkout %d: status = %d, body = %s", i, rec.Code, rec.Body)
		}
	}

	if gw.createCustomerCalls != 1 {
		t.Errorf("CreateCustomer calls = %d, want exactly 1", gw.createCustomerCalls)
	}
	for i, call := range gw.checkoutCalls {
		if call.CustomerID != "cus_abc" {
			t.Errorf("checkout %d used customer %q, want cus_abc", i, call.CustomerID)
		}
	}

	ent, _ := es.GetByUserID("user_1")
	if ent.StripeCustomerID == nil || *ent.StripeCustomerID != "cus_abc" {
		t.Errorf("persisted customer id = %v, want cus_abc", ent.StripeCustomerID)
	}
}
