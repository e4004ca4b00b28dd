// Package reconcile applies asynchronous billing events to the entitlement
// store. Delivery from Stripe is at-least-once and unordered, so every
// transition is an absolute-value write guarded by the event's own creation
// time: redelivery converges and stale events are discarded.
package reconcile

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/harumakino16/setlink/internal/billing/model"
	"github.com/harumakino16/setlink/internal/billing/store"
)

type EventKind string

const (
	CheckoutCompleted   EventKind = "checkout.session.completed"
	SubscriptionUpdated EventKind = "customer.subscription.updated"
	SubscriptionDeleted EventKind = "customer.subscription.deleted"
)

// Event is a normalized billing notification attributed to a user.
type Event struct {
	Kind              EventKind
	UserID            string
	CancelAtPeriodEnd bool
	CancelAt          time.Time // zero when no cancellation is scheduled
	OccurredAt        time.Time // event creation time at the gateway
}

// ErrUnknownUser is returned when an event names a user with no entitlement.
var ErrUnknownUser = errors.New("no entitlement for user")

// Transition is the single exhaustive state function: given the current
// billing state and an inbound event, it yields the next state. apply is
// false when the event carries nothing to record, in which case the caller
// must not write at all: recording a no-op would still advance the event
// watermark and could mask a later-delivered, earlier-created event.
func Transition(cur model.State, ev Event) (next model.State, apply bool, err error) {
	switch ev.Kind {
	case CheckoutCompleted:
		return model.State{Kind: model.StateActive}, true, nil

	case SubscriptionUpdated:
		if cur.Kind == model.StateFree {
			// An update for a user with no premium plan carries nothing to
			// reconcile. The completing checkout may still be in flight with
			// an earlier creation time, so it must stay applicable.
			return cur, false, nil
		}
		if ev.CancelAtPeriodEnd && !ev.CancelAt.IsZero() {
			return model.State{Kind: model.StatePendingCancel, CancelAt: ev.CancelAt}, true, nil
		}
		return model.State{Kind: model.StateActive}, true, nil

	case SubscriptionDeleted:
		return model.State{Kind: model.StateFree}, true, nil

	default:
		return cur, false, fmt.Errorf("unhandled event kind %q", ev.Kind)
	}
}

// Notifier pushes entitlement changes to connected app sessions.
type Notifier interface {
	EntitlementChanged(userID string, st model.State)
}

// Mailer sends lifecycle notification emails. Implementations must be
// best-effort; the reconciler never fails an event over mail delivery.
type Mailer interface {
	SendPlanActivated(toEmail string) error
	SendCancellationScheduled(toEmail string, at time.Time) error
	SendPlanLapsed(toEmail string) error
}

type Reconciler struct {
	entitlements *store.EntitlementStore
	notifier     Notifier
	mailer       Mailer
	logger       *slog.Logger
}

func New(es *store.EntitlementStore, notifier Notifier, mailer Mailer, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		entitlements: es,
		notifier:     notifier,
		mailer:       mailer,
		logger:       logger,
	}
}

// Apply reconciles one event against the store. It is safe to call
// concurrently and with redelivered or out-of-order events.
func (r *Reconciler) Apply(ev Event) error {
	ent, err := r.entitlements.GetByUserID(ev.UserID)
	if err != nil {
		return err
	}
	if ent == nil {
		return fmt.Errorf("%w: %q", ErrUnknownUser, ev.UserID)
	}

	next, apply, err := Transition(ent.State(), ev)
	if err != nil {
		return err
	}
	if !apply {
		r.logger.Info("ignored no-op billing event",
			"kind", string(ev.Kind),
			"user_id", ev.UserID,
			"state", ent.State().Kind.String(),
		)
		return nil
	}

	// A completed checkout consumes the trial whether or not one was granted;
	// the flag only ever moves false -> true.
	markTrialUsed := ev.Kind == CheckoutCompleted

	applied, err := r.entitlements.ApplyState(ev.UserID, next, markTrialUsed, ev.OccurredAt)
	if err != nil {
		return err
	}
	if !applied {
		r.logger.Info("discarded stale billing event",
			"kind", string(ev.Kind),
			"user_id", ev.UserID,
			"occurred_at", ev.OccurredAt,
			"last_event_at", ent.LastEventAt,
		)
		return nil
	}

	r.logger.Info("applied billing event",
		"kind", string(ev.Kind),
		"user_id", ev.UserID,
		"state", next.Kind.String(),
	)

	if r.notifier != nil {
		r.notifier.EntitlementChanged(ev.UserID, next)
	}
	r.sendMail(ent.Email, ev.Kind, next)

	return nil
}

func (r *Reconciler) sendMail(toEmail string, kind EventKind, st model.State) {
	if r.mailer == nil || toEmail == "" {
		return
	}

	var err error
	switch {
	case kind == CheckoutCompleted:
		err = r.mailer.SendPlanActivated(toEmail)
	case kind == SubscriptionDeleted:
		err = r.mailer.SendPlanLapsed(toEmail)
	case st.Kind == model.StatePendingCancel:
		err = r.mailer.SendCancellationScheduled(toEmail, st.CancelAt)
	default:
		return
	}
	if err != nil {
		r.logger.Warn("lifecycle email failed", "kind", string(kind), "error", err)
	}
}
