package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/harumakino16/setlink/internal/billing/model"
)

type EntitlementStore struct {
	db *sql.DB
}

func NewEntitlementStore(db *sql.DB) *EntitlementStore {
	return &EntitlementStore{db: db}
}

func scanEntitlement(scanner interface{ Scan(...any) error }) (*model.Entitlement, error) {
	var e model.Entitlement
	var customerID sql.NullString
	var hasUsedTrial int
	var cancelAt sql.NullInt64
	var lastEventAt int64
	err := scanner.Scan(
		&e.UserID, &e.Email, &e.DisplayName, &e.Plan, &customerID,
		&hasUsedTrial, &cancelAt, &e.PlanUpdatedAt, &lastEventAt,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if customerID.Valid {
		e.StripeCustomerID = &customerID.String
	}
	e.HasUsedTrial = hasUsedTrial != 0
	if cancelAt.Valid {
		at := time.UnixMilli(cancelAt.Int64).UTC()
		e.CancelAt = &at
	}
	e.LastEventAt = time.Unix(lastEventAt, 0).UTC()
	return &e, nil
}

const entitlementCols = `user_id, email, display_name, plan, stripe_customer_id, has_used_trial, cancel_at, plan_updated_at, last_event_at, created_at, updated_at`

// Create inserts a free-plan entitlement for the user if none exists yet and
// returns the stored record. Safe to call repeatedly from the signup hook.
func (s *EntitlementStore) Create(userID, email, displayName string) (*model.Entitlement, error) {
	_, err := s.db.Exec(
		`INSERT INTO entitlements (user_id, email, display_name) VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, email, displayName,
	)
	if err != nil {
		return nil, fmt.Errorf("insert entitlement: %w", err)
	}
	return s.GetByUserID(userID)
}

func (s *EntitlementStore) GetByUserID(userID string) (*model.Entitlement, error) {
	row := s.db.QueryRow(`SELECT `+entitlementCols+` FROM entitlements WHERE user_id = ?`, userID)
	e, err := scanEntitlement(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entitlement: %w", err)
	}
	return e, nil
}

// ClaimStripeCustomerID persists the customer reference if the user has none
// yet and returns the durable reference. When another writer already claimed
// one, the persisted reference wins and is returned instead of customerID.
func (s *EntitlementStore) ClaimStripeCustomerID(userID, customerID string) (string, error) {
	result, err := s.db.Exec(
		`UPDATE entitlements SET stripe_customer_id = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE user_id = ? AND stripe_customer_id IS NULL`,
		customerID, userID,
	)
	if err != nil {
		return "", fmt.Errorf("claim stripe customer id: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("claim stripe customer id: %w", err)
	}
	if n > 0 {
		return customerID, nil
	}

	e, err := s.GetByUserID(userID)
	if err != nil {
		return "", err
	}
	if e == nil {
		return "", fmt.Errorf("claim stripe customer id: unknown user %q", userID)
	}
	if e.StripeCustomerID == nil {
		return "", fmt.Errorf("claim stripe customer id: no reference persisted for %q", userID)
	}
	return *e.StripeCustomerID, nil
}

// ApplyState writes the reconciled billing state in a single conditional
// update. The write is skipped, returning false, when the record is missing
// or when a newer event (by eventAt) has already been applied; that guard is
// what keeps concurrent and out-of-order webhook deliveries convergent.
func (s *EntitlementStore) ApplyState(userID string, st model.State, markTrialUsed bool, eventAt time.Time) (bool, error) {
	var cancelAt sql.NullInt64
	if at := st.CancelAtValue(); at != nil {
		cancelAt = sql.NullInt64{Int64: at.UnixMilli(), Valid: true}
	}
	trialUsed := 0
	if markTrialUsed {
		trialUsed = 1
	}
	now := time.Now().UTC()

	result, err := s.db.Exec(
		`UPDATE entitlements
		 SET plan = ?,
		     cancel_at = ?,
		     has_used_trial = CASE WHEN ? = 1 THEN 1 ELSE has_used_trial END,
		     plan_updated_at = ?,
		     last_event_at = ?,
		     updated_at = ?
		 WHERE user_id = ? AND last_event_at <= ?`,
		st.Plan(), cancelAt, trialUsed, now, eventAt.Unix(), now, userID, eventAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("apply state: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("apply state: %w", err)
	}
	return n > 0, nil
}
