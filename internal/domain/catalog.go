/**
 * @description
 * This file defines the store catalog and achievement domain models. Store
 * items are one-per-account purchases paid from the points balance;
 * achievements award points once, at claim time, after progress reaches the
 * required threshold.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// UnlimitedStock marks a store item that never runs out.
const UnlimitedStock = -1

// StoreItem represents a purchasable item in the virtual store.
type StoreItem struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Price       int64  `json:"price"`
	Stock       int    `json:"stock"` // UnlimitedStock (-1) means no stock tracking
	Active      bool   `json:"active"`
	Category    string `json:"category"`
}

// Achievement categories mirror the progress sources the tracker understands.
const (
	CategoryScanner = "scanner" // tokens redeemed by the account
	CategoryCreator = "creator" // account's own tokens redeemed by others
	CategoryPoints  = "points"  // lifetime points earned
	CategorySocial  = "social"  // progress reported by outside features
)

// Achievement is the definition of a claimable reward.
type Achievement struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	Category         string `json:"category"`
	RequiredProgress int64  `json:"required_progress"`
	Reward           int64  `json:"reward"`
	Active           bool   `json:"active"`
}

// AchievementProgress is one account's state against one achievement.
// CurrentProgress is a high-water mark: it only ever moves up to the largest
// value reported, never summed and never decremented.
type AchievementProgress struct {
	AccountID       uuid.UUID  `json:"account_id"`
	AchievementID   string     `json:"achievement_id"`
	CurrentProgress int64      `json:"current_progress"`
	Completed       bool       `json:"completed"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Claimed         bool       `json:"claimed"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty"`
}

// PurchaseResult is returned after a successful store purchase.
type PurchaseResult struct {
	ItemID     string `json:"item_id"`
	Price      int64  `json:"price"`
	NewBalance int64  `json:"new_balance"`
}

// ClaimAchievementResult is returned after a successful achievement claim.
type ClaimAchievementResult struct {
	AchievementID  string `json:"achievement_id"`
	Reward         int64  `json:"reward"`
	NewBalance     int64  `json:"new_balance"`
	NewTotalEarned int64  `json:"new_total_earned"`
}
