/**
 * @description
 * This file defines the append-only ledger event model. Every balance mutation
 * in the system is paired with exactly one LedgerEvent written in the same
 * storage transaction, so replaying an account's events from zero reproduces
 * its current balance and total earned.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventKind classifies a ledger event.
type EventKind string

const (
	EventTransfer EventKind = "transfer" // token redemption: owner -> redeemer
	EventSpend    EventKind = "spend"    // store purchase: account -> sink
	EventEarn     EventKind = "earn"     // achievement claim: mint -> account
	EventRefund   EventKind = "refund"   // administrative correction
)

// LedgerEvent is an immutable record of one balance-affecting operation.
type LedgerEvent struct {
	ID                   uuid.UUID  `json:"id"`
	Kind                 EventKind  `json:"kind"`
	FromAccountID        *uuid.UUID `json:"from_account_id,omitempty"`
	ToAccountID          *uuid.UUID `json:"to_account_id,omitempty"`
	Amount               int64      `json:"amount"`
	RelatedTokenID       *uuid.UUID `json:"related_token_id,omitempty"`
	RelatedItemID        *string    `json:"related_item_id,omitempty"`
	RelatedAchievementID *string    `json:"related_achievement_id,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

// BalanceDelta returns the effect this event has on the given account's
// balance. Used by the audit replay.
func (e *LedgerEvent) BalanceDelta(accountID uuid.UUID) int64 {
	var delta int64
	if e.FromAccountID != nil && *e.FromAccountID == accountID {
		delta -= e.Amount
	}
	if e.ToAccountID != nil && *e.ToAccountID == accountID {
		delta += e.Amount
	}
	return delta
}

// EarnedDelta returns the effect this event has on the given account's
// total-earned counter. Only credits count; debits never reduce it.
func (e *LedgerEvent) EarnedDelta(accountID uuid.UUID) int64 {
	if e.ToAccountID != nil && *e.ToAccountID == accountID {
		return e.Amount
	}
	return 0
}
