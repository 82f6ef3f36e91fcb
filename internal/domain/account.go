/**
 * @description
 * This file defines the account domain models for the ledger-service. An account
 * is the unit of ownership for points: it carries the spendable balance, the
 * monotonic lifetime-earned counter, and the ownership sets used by the store
 * and challenge features.
 *
 * @notes
 * - Balances are stored as `int64` points. `Balance` may never go negative and
 *   `TotalEarned` never decreases; both are enforced by the storage layer inside
 *   the same transaction that records the ledger event.
 * - `Version` is the optimistic-concurrency token for storage backends without
 *   native transactions. Backends with real transactions still bump it so the
 *   two implementations stay interchangeable.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account represents a user's points account. It maps to the `accounts` table.
type Account struct {
	ID                    uuid.UUID `json:"id"`
	Name                  string    `json:"name"`
	Email                 string    `json:"email"`
	Balance               int64     `json:"balance"`
	TotalEarned           int64     `json:"total_earned"`
	PurchasedItemIDs      []string  `json:"purchased_item_ids"`
	CompletedChallengeIDs []string  `json:"completed_challenge_ids"`
	Version               int64     `json:"-"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// HasPurchased reports whether the account already owns the given store item.
func (a *Account) HasPurchased(itemID string) bool {
	for _, id := range a.PurchasedItemIDs {
		if id == itemID {
			return true
		}
	}
	return false
}

// CreateAccountRequest is the DTO for the internal account provisioning endpoint,
// called at registration time once the identity provider has issued an id.
type CreateAccountRequest struct {
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
}

// AccountAuditReport summarizes a replay of an account's ledger events against
// its stored balance. Drift of zero means the ledger and the balance agree.
type AccountAuditReport struct {
	AccountID        uuid.UUID `json:"account_id"`
	StoredBalance    int64     `json:"stored_balance"`
	ReplayedBalance  int64     `json:"replayed_balance"`
	StoredEarned     int64     `json:"stored_total_earned"`
	ReplayedEarned   int64     `json:"replayed_total_earned"`
	EventCount       int       `json:"event_count"`
	BalanceDrift     int64     `json:"balance_drift"`
	TotalEarnedDrift int64     `json:"total_earned_drift"`
}

// Consistent reports whether the replayed ledger reproduces the stored state.
func (r *AccountAuditReport) Consistent() bool {
	return r.BalanceDrift == 0 && r.TotalEarnedDrift == 0
}
