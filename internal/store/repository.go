/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract
 * for all data access operations required by the ledger-service, plus the
 * typed error taxonomy every implementation must return. Mutating operations
 * that touch shared state are expressed as single atomic operations so that a
 * failed or abandoned call never leaves a token consumed without the matching
 * balance movement, or vice versa.
 *
 * @notes
 * - Implementations with native transactions (PostgreSQL) serialize each
 *   atomic operation with row locks. Implementations without them (the
 *   in-memory store) use per-record versions and return
 *   ErrConcurrencyConflict on a lost race; the engine retries a bounded
 *   number of times.
 * - Business-rule failures are sentinel errors, never free-form strings, so
 *   callers dispatch with errors.Is instead of matching message text.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/recibo/ledger-service/internal/domain"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountExists       = errors.New("account already exists")
	ErrTokenNotFound       = errors.New("token not found")
	ErrItemNotFound        = errors.New("store item not found")
	ErrAchievementNotFound = errors.New("achievement not found")
	ErrForbidden           = errors.New("requester is not the token owner")
	ErrInvalidValue        = errors.New("invalid token value")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAlreadyRedeemed     = errors.New("token already redeemed")
	ErrSelfRedemption      = errors.New("cannot redeem own token")
	ErrTokenInactive       = errors.New("token is inactive")
	ErrItemUnavailable     = errors.New("store item is unavailable")
	ErrAlreadyOwned        = errors.New("item already purchased")
	ErrOutOfStock          = errors.New("item out of stock")
	ErrAlreadyClaimed      = errors.New("achievement reward already claimed")
	ErrNotCompleted        = errors.New("achievement not completed")
	ErrConcurrencyConflict = errors.New("concurrent modification detected")
	ErrStoreUnavailable    = errors.New("storage collaborator unavailable")
)

// Repository defines the set of methods for interacting with the data store.
type Repository interface {
	// Account methods
	CreateAccount(ctx context.Context, account *domain.Account) error
	FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	ListAccountIDs(ctx context.Context) ([]uuid.UUID, error)

	// Token methods
	CreateToken(ctx context.Context, token *domain.RedemptionToken) error
	FindTokenByID(ctx context.Context, tokenID uuid.UUID) (*domain.RedemptionToken, error)
	FindTokenByQRContent(ctx context.Context, qrContent string) (*domain.RedemptionToken, error)
	ListTokensByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.RedemptionToken, error)
	CountRedemptionsByRedeemer(ctx context.Context, redeemerID uuid.UUID) (int64, error)
	CountRedemptionsByOwner(ctx context.Context, ownerID uuid.UUID) (int64, error)

	// Atomic ledger operations. Each validates under its concurrency
	// discipline, applies every mutation or none, and appends exactly one
	// ledger event in the same unit of work.
	RedeemTokenAtomic(ctx context.Context, tokenID, redeemerID uuid.UUID, now time.Time) (*domain.RedemptionResult, *domain.LedgerEvent, error)
	CancelTokenAtomic(ctx context.Context, tokenID, requesterID uuid.UUID, now time.Time) error
	PurchaseItemAtomic(ctx context.Context, accountID uuid.UUID, itemID string, now time.Time) (*domain.PurchaseResult, *domain.LedgerEvent, error)
	ClaimAchievementAtomic(ctx context.Context, accountID uuid.UUID, achievementID string, now time.Time) (*domain.ClaimAchievementResult, *domain.LedgerEvent, error)

	// Catalog methods
	ListStoreItems(ctx context.Context, activeOnly bool) ([]domain.StoreItem, error)
	FindStoreItemByID(ctx context.Context, itemID string) (*domain.StoreItem, error)

	// Achievement methods
	ListAchievements(ctx context.Context, activeOnly bool) ([]domain.Achievement, error)
	ListProgressByAccount(ctx context.Context, accountID uuid.UUID) ([]domain.AchievementProgress, error)
	// UpsertProgressHighWater raises CurrentProgress to amount (never lowers
	// it) for every active achievement in the category and flags completion.
	// Returns the rows that changed.
	UpsertProgressHighWater(ctx context.Context, accountID uuid.UUID, category string, amount int64, now time.Time) ([]domain.AchievementProgress, error)

	// Ledger event methods. limit <= 0 returns the full history.
	ListLedgerEventsByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.LedgerEvent, error)
}

// validateRedemption is the single statement of the token redemption state
// machine. Both repository implementations run it under their own concurrency
// discipline so the rules cannot drift apart.
//
// redeemedByRedeemer reports whether this redeemer already has a redemption
// record for this token.
func validateRedemption(token *domain.RedemptionToken, redeemerID uuid.UUID, redeemedByRedeemer bool) error {
	if token.OwnerAccountID == redeemerID {
		return ErrSelfRedemption
	}
	// Redeemed-state checks come before the active check so that a spent
	// single-use token reports "already redeemed" rather than "inactive".
	switch token.UsePolicy {
	case domain.SingleUse:
		if token.Redeemed() {
			return ErrAlreadyRedeemed
		}
	case domain.MultiUse:
		if redeemedByRedeemer {
			return ErrAlreadyRedeemed
		}
	}
	if !token.Active {
		return ErrTokenInactive
	}
	return nil
}
