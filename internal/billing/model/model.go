// Package model defines the per-user entitlement record and the
// billing state it derives.
package model

import "time"

type Plan string

const (
	PlanFree    Plan = "free"
	PlanPremium Plan = "premium"
)

// Entitlement is the durable record of a user's plan tier and billing
// linkage. Plan and CancelAt are written only by the webhook reconciler;
// the client-facing routes merely request changes from Stripe.
type Entitlement struct {
	UserID           string     `json:"user_id"`
	Email            string     `json:"email"`
	DisplayName      string     `json:"display_name"`
	Plan             Plan       `json:"plan"`
	StripeCustomerID *string    `json:"stripe_customer_id"`
	HasUsedTrial     bool       `json:"has_used_trial"`
	CancelAt         *time.Time `json:"cancel_at"`
	PlanUpdatedAt    time.Time  `json:"plan_updated_at"`
	LastEventAt      time.Time  `json:"last_event_at"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type StateKind int

const (
	StateFree StateKind = iota
	StateActive
	StatePendingCancel
)

func (k StateKind) String() string {
	switch k {
	case StateActive:
		return "active"
	case StatePendingCancel:
		return "pending_cancel"
	default:
		return "free"
	}
}

// State is the tagged billing state. CancelAt is meaningful only when
// Kind is StatePendingCancel, so a free plan can never carry a pending
// cancellation instant.
type State struct {
	Kind     StateKind
	CancelAt time.Time
}

// State derives the tagged state from the stored plan and cancel_at fields.
func (e *Entitlement) State() State {
	if e.Plan != PlanPremium {
		return State{Kind: StateFree}
	}
	if e.CancelAt != nil {
		return State{Kind: StatePendingCancel, CancelAt: *e.CancelAt}
	}
	return State{Kind: StateActive}
}

// Plan maps the state back to the stored plan tier.
func (s State) Plan() Plan {
	if s.Kind == StateFree {
		return PlanFree
	}
	return PlanPremium
}

// CancelAtValue returns the pending cancellation instant, or nil when the
// state carries none.
func (s State) CancelAtValue() *time.Time {
	if s.Kind != StatePendingCancel {
		return nil
	}
	at := s.CancelAt
	return &at
}
