/**
 * @description
 * This file contains the achievement tracker. It derives per-account progress
 * from committed ledger events and from explicit progress reports, using
 * high-water-mark semantics: progress only ever rises to the largest value
 * seen, so redelivered or reordered events converge to the same state.
 *
 * Categories and their progress sources:
 * - scanner: number of tokens the account has redeemed
 * - creator: number of redemptions against the account's own tokens
 * - points:  the account's lifetime total earned
 * - social:  reported by outside features through RecordProgress
 *
 * Completion never credits the reward; the credit happens once, at claim
 * time, through the ledger engine.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/recibo/ledger-service/internal/domain"
	"github.com/recibo/ledger-service/internal/store"
)

// AchievementTracker consumes ledger events and maintains progress rows.
type AchievementTracker struct {
	repo store.Repository
}

// NewAchievementTracker creates a tracker over the given repository.
func NewAchievementTracker(repo store.Repository) *AchievementTracker {
	return &AchievementTracker{repo: repo}
}

// RecordProgress raises the account's progress in a category to amount.
// Idempotent: the same or a lower amount changes nothing.
func (t *AchievementTracker) RecordProgress(ctx context.Context, accountID uuid.UUID, category string, amount int64) ([]domain.AchievementProgress, error) {
	if amount < 0 {
		return nil, fmt.Errorf("%w: progress amount must be non-negative, got %d", store.ErrInvalidValue, amount)
	}
	changed, err := t.repo.UpsertProgressHighWater(ctx, accountID, category, amount, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to record progress: %w", err)
	}
	for _, p := range changed {
		if p.Completed && !p.Claimed {
			log.Printf("level=info component=achievements msg=\"achievement completed\" account_id=%s achievement_id=%s progress=%d", accountID, p.AchievementID, p.CurrentProgress)
		}
	}
	return changed, nil
}

// ApplyLedgerEvent maps a committed ledger event onto progress updates for
// the accounts it touches. Safe to call more than once per event.
func (t *AchievementTracker) ApplyLedgerEvent(ctx context.Context, event *domain.LedgerEvent) error {
	switch event.Kind {
	case domain.EventTransfer:
		if event.ToAccountID != nil {
			if err := t.refreshRedeemerProgress(ctx, *event.ToAccountID); err != nil {
				return err
			}
		}
		if event.FromAccountID != nil {
			if err := t.refreshCreatorProgress(ctx, *event.FromAccountID); err != nil {
				return err
			}
		}
		return nil
	case domain.EventEarn:
		if event.ToAccountID != nil {
			return t.refreshPointsProgress(ctx, *event.ToAccountID)
		}
		return nil
	default:
		// Spend and refund events carry no achievement progress.
		return nil
	}
}

func (t *AchievementTracker) refreshRedeemerProgress(ctx context.Context, accountID uuid.UUID) error {
	scans, err := t.repo.CountRedemptionsByRedeemer(ctx, accountID)
	if err != nil {
		return fmt.Errorf("count redemptions: %w", err)
	}
	if _, err := t.RecordProgress(ctx, accountID, domain.CategoryScanner, scans); err != nil {
		return err
	}
	return t.refreshPointsProgress(ctx, accountID)
}

func (t *AchievementTracker) refreshCreatorProgress(ctx context.Context, accountID uuid.UUID) error {
	redemptions, err := t.repo.CountRedemptionsByOwner(ctx, accountID)
	if err != nil {
		return fmt.Errorf("count owner redemptions: %w", err)
	}
	_, err = t.RecordProgress(ctx, accountID, domain.CategoryCreator, redemptions)
	return err
}

func (t *AchievementTracker) refreshPointsProgress(ctx context.Context, accountID uuid.UUID) error {
	account, err := t.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	_, err = t.RecordProgress(ctx, accountID, domain.CategoryPoints, account.TotalEarned)
	return err
}
