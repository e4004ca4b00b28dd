// Package stripe wraps the Stripe API surface the billing service consumes:
// customer creation, subscription checkout, subscription lookup and
// cancellation, and webhook signature verification.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	checksession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

type Config struct {
	SecretKey      string
	WebhookSecret  string
	PremiumPriceID string
	SuccessURL     string
	CancelURL      string
	TrialDays      int64
}

// CheckoutParams describes a subscription checkout session request.
type CheckoutParams struct {
	CustomerID string
	UserID     string
	TrialDays  int64 // 0 grants no trial
	SuccessURL string
	CancelURL  string
}

// Subscription is the slice of Stripe subscription state the service reads.
type Subscription struct {
	ID                string
	Status            string
	CancelAtPeriodEnd bool
	CancelAt          time.Time
	CurrentPeriodEnd  time.Time
}

// Gateway is the external billing collaborator as the handlers see it.
// The concrete Client talks to Stripe; tests substitute fakes.
type Gateway interface {
	CreateCustomer(ctx context.Context, email, name, userID string) (string, error)
	CreateCheckoutSession(ctx context.Context, p CheckoutParams) (id, url string, err error)
	FindSubscription(ctx context.Context, customerID, status string) (*Subscription, error)
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*Subscription, error)
}

type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	stripe.Key = cfg.SecretKey
	return &Client{cfg: cfg}
}

// CreateCustomer creates a Stripe customer carrying the user id in metadata
// so webhook events can be attributed. Never retried: a duplicate attempt
// after an ambiguous failure would orphan a billing customer.
func (c *Client) CreateCustomer(ctx context.Context, email, name, userID string) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
		Metadata: map[string]string{
			"uid": userID,
		},
	}
	if name != "" {
		params.Name = stripe.String(name)
	}
	params.Context = ctx
	cust, err := customer.New(params)
	if err != nil {
		return "", fmt.Errorf("create stripe customer: %w", err)
	}
	return cust.ID, nil
}

// CreateCheckoutSession creates a subscription-mode checkout session with the
// user id attached to both the session and the subscription it will create.
func (c *Client) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (string, string, error) {
	subData := &stripe.CheckoutSessionSubscriptionDataParams{
		Metadata: map[string]string{
			"uid": p.UserID,
		},
	}
	if p.TrialDays > 0 {
		subData.TrialPeriodDays = stripe.Int64(p.TrialDays)
	}

	successURL := p.SuccessURL
	if successURL == "" {
		successURL = c.cfg.SuccessURL
	}
	cancelURL := p.CancelURL
	if cancelURL == "" {
		cancelURL = c.cfg.CancelURL
	}

	params := &stripe.CheckoutSessionParams{
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer: stripe.String(p.CustomerID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(c.cfg.PremiumPriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: subData,
		SuccessURL:       stripe.String(successURL),
		CancelURL:        stripe.String(cancelURL),
		Metadata: map[string]string{
			"uid": p.UserID,
		},
	}
	params.Context = ctx

	sess, err := checksession.New(params)
	if err != nil {
		return "", "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.ID, sess.URL, nil
}

// FindSubscription returns the customer's first subscription with the given
// status ("active", "trialing", "all", ...), or nil when there is none.
// The read is idempotent and retried on transient failures.
func (c *Client) FindSubscription(ctx context.Context, customerID, status string) (*Subscription, error) {
	var found *Subscription
	err := withRetry(ctx, func() error {
		params := &stripe.SubscriptionListParams{
			Customer: stripe.String(customerID),
			Status:   stripe.String(status),
		}
		params.Limit = stripe.Int64(1)
		params.Context = ctx

		iter := subscription.List(params)
		if iter.Next() {
			found = fromStripeSubscription(iter.Subscription())
			return nil
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("list subscriptions: %w", err)
		}
		found = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// CancelAtPeriodEnd schedules the subscription to lapse at period end and
// returns the updated state. Setting the flag is idempotent, so the update
// is retried on transient failures.
func (c *Client) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var updated *Subscription
	err := withRetry(ctx, func() error {
		params := &stripe.SubscriptionParams{
			CancelAtPeriodEnd: stripe.Bool(true),
		}
		params.Context = ctx
		sub, err := subscription.Update(subscriptionID, params)
		if err != nil {
			return fmt.Errorf("cancel subscription at period end: %w", err)
		}
		updated = fromStripeSubscription(sub)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// VerifyEvent checks the webhook signature over the raw payload and returns
// the parsed event. The payload must be the unmodified request body.
func (c *Client) VerifyEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEventWithOptions(payload, sigHeader, c.cfg.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}

func fromStripeSubscription(sub *stripe.Subscription) *Subscription {
	s := &Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.CancelAt > 0 {
		s.CancelAt = time.Unix(sub.CancelAt, 0).UTC()
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].CurrentPeriodEnd > 0 {
		s.CurrentPeriodEnd = time.Unix(sub.Items.Data[0].CurrentPeriodEnd, 0).UTC()
	}
	return s
}

var _ Gateway = (*Client)(nil)

// IsNotFound reports whether the error is a Stripe "resource missing" error.
func IsNotFound(err error) bool {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.Code == stripe.ErrorCodeResourceMissing
	}
	return false
}
