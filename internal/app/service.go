/**
 * @description
 * This file contains the core business logic for the ledger-service. The
 * `Service` struct is the points ledger engine: it applies token redemptions,
 * store purchases, and achievement claims as atomic operations through the
 * repository, publishes one ledger event per balance mutation, and feeds the
 * achievement tracker.
 *
 * Key features:
 * - Token redemption follows the zero-sum policy: the owner is debited in the
 *   same transaction that credits the redeemer. The debit is never skipped; an
 *   owner who cannot cover the value makes the redemption fail outright.
 * - Atomic operations that lose an optimistic-concurrency race are retried a
 *   bounded number of times before surfacing ErrConcurrencyConflict.
 * - Events are published after commit. Publishing is best effort; the tracker
 *   is also driven synchronously, so a broker outage delays nothing.
 *
 * @dependencies
 * - github.com/google/uuid: For token and event identifiers.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For ledger event publication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/recibo/ledger-service/internal/domain"
	"github.com/recibo/ledger-service/internal/store"
	"github.com/recibo/ledger-service/pkg/rabbitmq"
)

const (
	// DefaultTokenMaxValue caps the value of a single token.
	DefaultTokenMaxValue = 500
	// DefaultRetryAttempts bounds retries on optimistic-concurrency conflicts.
	DefaultRetryAttempts = 3
)

// RateLimiter is the surface the service needs from a distributed limiter.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// ErrRateLimited is returned when a caller exceeds the redemption rate limit.
var ErrRateLimited = errors.New("too many redemption attempts")

// Service provides the core business logic for the points ledger.
type Service struct {
	repo          store.Repository
	eventProducer rabbitmq.Publisher
	tracker       *AchievementTracker

	tokenMaxValue        int64
	retryAttempts        int
	redeemLimitPerMinute int
	rateLimiter          RateLimiter
}

// NewService creates a new ledger service instance.
func NewService(repo store.Repository, producer rabbitmq.Publisher, tokenMaxValue int64, retryAttempts int) *Service {
	if tokenMaxValue <= 0 {
		tokenMaxValue = DefaultTokenMaxValue
	}
	if retryAttempts <= 0 {
		retryAttempts = DefaultRetryAttempts
	}
	return &Service{
		repo:          repo,
		eventProducer: producer,
		tracker:       NewAchievementTracker(repo),
		tokenMaxValue: tokenMaxValue,
		retryAttempts: retryAttempts,
	}
}

// Tracker exposes the achievement tracker, for the event consumer wiring.
func (s *Service) Tracker() *AchievementTracker {
	return s.tracker
}

// SetRedeemRateLimiter enables distributed rate limiting on redemptions.
func (s *Service) SetRedeemRateLimiter(limiter RateLimiter, perMinute int) {
	s.rateLimiter = limiter
	s.redeemLimitPerMinute = perMinute
}

// CreateAccount provisions a new points account with a zero balance. Called
// once per registration by the identity-provider integration.
func (s *Service) CreateAccount(ctx context.Context, accountID uuid.UUID, name, email string) (*domain.Account, error) {
	account := &domain.Account{
		ID:        accountID,
		Name:      name,
		Email:     email,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.CreateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return account, nil
}

// GetAccount retrieves an account by id.
func (s *Service) GetAccount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	return s.repo.FindAccountByID(ctx, accountID)
}

// CreateToken creates a redemption token owned by ownerID. The owner's
// balance is untouched; value moves only at redemption time.
func (s *Service) CreateToken(ctx context.Context, ownerID uuid.UUID, value int64, policy domain.UsePolicy) (*domain.RedemptionToken, error) {
	if value <= 0 || value > s.tokenMaxValue {
		return nil, fmt.Errorf("%w: value must be in 1..%d, got %d", store.ErrInvalidValue, s.tokenMaxValue, value)
	}
	if !policy.Valid() {
		return nil, fmt.Errorf("%w: unknown use policy %q", store.ErrInvalidValue, policy)
	}

	tokenID := uuid.New()
	token := &domain.RedemptionToken{
		ID:             tokenID,
		OwnerAccountID: ownerID,
		Value:          value,
		UsePolicy:      policy,
		Active:         true,
		QRContent:      domain.QRContentForToken(tokenID),
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.repo.CreateToken(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to create token: %w", err)
	}
	log.Printf("level=info component=ledger op=create_token token_id=%s owner_id=%s value=%d policy=%s", token.ID, ownerID, value, policy)
	return token, nil
}

// LookupTokenByContent resolves a scanned QR payload to its token.
func (s *Service) LookupTokenByContent(ctx context.Context, qrContent string) (*domain.RedemptionToken, error) {
	return s.repo.FindTokenByQRContent(ctx, qrContent)
}

// ListTokensByOwner returns every token an account has created.
func (s *Service) ListTokensByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.RedemptionToken, error) {
	return s.repo.ListTokensByOwner(ctx, ownerID)
}

// RedeemToken transfers a token's value from its owner to the redeemer. The
// token state change, both balance movements, and the transfer event commit
// together or not at all.
func (s *Service) RedeemToken(ctx context.Context, tokenID, redeemerID uuid.UUID) (*domain.RedemptionResult, error) {
	if err := s.consumeRedeemRateLimit(ctx, redeemerID); err != nil {
		return nil, err
	}

	result, event, err := s.redeemWithRetry(ctx, tokenID, redeemerID)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=ledger op=redeem_token token_id=%s redeemer_id=%s owner_id=%s value=%d", tokenID, redeemerID, result.OwnerAccountID, result.Value)

	s.publishEvent(ctx, event)
	s.applyEventToTracker(ctx, event)
	return result, nil
}

func (s *Service) redeemWithRetry(ctx context.Context, tokenID, redeemerID uuid.UUID) (*domain.RedemptionResult, *domain.LedgerEvent, error) {
	var lastErr error
	for attempt := 0; attempt < s.retryAttempts; attempt++ {
		result, event, err := s.repo.RedeemTokenAtomic(ctx, tokenID, redeemerID, time.Now().UTC())
		if err == nil {
			return result, event, nil
		}
		if !errors.Is(err, store.ErrConcurrencyConflict) {
			return nil, nil, err
		}
		lastErr = err
		log.Printf("level=warn component=ledger op=redeem_token msg=\"version conflict; retrying\" token_id=%s attempt=%d", tokenID, attempt+1)
	}
	return nil, nil, fmt.Errorf("redeem retries exhausted: %w", lastErr)
}

func (s *Service) consumeRedeemRateLimit(ctx context.Context, redeemerID uuid.UUID) error {
	if s.rateLimiter == nil || s.redeemLimitPerMinute <= 0 {
		return nil
	}
	count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, "token_redeem", redeemerID.String(), s.redeemLimitPerMinute, time.Minute)
	if err != nil {
		// A limiter outage must not block redemptions.
		log.Printf("level=warn component=ledger op=redeem_token msg=\"rate limiter unavailable; allowing\" err=%v", err)
		return nil
	}
	if count > s.redeemLimitPerMinute {
		return fmt.Errorf("%w: retry after %ds", ErrRateLimited, retryAfter)
	}
	return nil
}

// CancelToken deactivates an unredeemed token at the owner's request. No
// refund is credited because creation never debited the owner.
func (s *Service) CancelToken(ctx context.Context, tokenID, requesterID uuid.UUID) error {
	if err := s.repo.CancelTokenAtomic(ctx, tokenID, requesterID, time.Now().UTC()); err != nil {
		return err
	}
	log.Printf("level=info component=ledger op=cancel_token token_id=%s requester_id=%s", tokenID, requesterID)
	return nil
}

// Purchase buys a store item with points. Each account may buy a given item
// at most once; finite stock is decremented inside the same transaction.
func (s *Service) Purchase(ctx context.Context, accountID uuid.UUID, itemID string) (*domain.PurchaseResult, error) {
	var lastErr error
	for attempt := 0; attempt < s.retryAttempts; attempt++ {
		result, event, err := s.repo.PurchaseItemAtomic(ctx, accountID, itemID, time.Now().UTC())
		if err == nil {
			log.Printf("level=info component=ledger op=purchase account_id=%s item_id=%s price=%d", accountID, itemID, result.Price)
			s.publishEvent(ctx, event)
			return result, nil
		}
		if !errors.Is(err, store.ErrConcurrencyConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("purchase retries exhausted: %w", lastErr)
}

// ClaimAchievement credits a completed achievement's reward exactly once.
func (s *Service) ClaimAchievement(ctx context.Context, accountID uuid.UUID, achievementID string) (*domain.ClaimAchievementResult, error) {
	result, event, err := s.repo.ClaimAchievementAtomic(ctx, accountID, achievementID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=ledger op=claim_achievement account_id=%s achievement_id=%s reward=%d", accountID, achievementID, result.Reward)

	s.publishEvent(ctx, event)
	s.applyEventToTracker(ctx, event)
	return result, nil
}

// RecordProgress reports a progress high-water mark for outside features
// (e.g. social challenges) that the ledger cannot derive itself.
func (s *Service) RecordProgress(ctx context.Context, accountID uuid.UUID, category string, amount int64) ([]domain.AchievementProgress, error) {
	return s.tracker.RecordProgress(ctx, accountID, category, amount)
}

// ListStoreItems returns the purchasable catalog.
func (s *Service) ListStoreItems(ctx context.Context) ([]domain.StoreItem, error) {
	return s.repo.ListStoreItems(ctx, true)
}

// ListAchievements returns the active achievement definitions.
func (s *Service) ListAchievements(ctx context.Context) ([]domain.Achievement, error) {
	return s.repo.ListAchievements(ctx, true)
}

// GetProgress returns the account's progress rows.
func (s *Service) GetProgress(ctx context.Context, accountID uuid.UUID) ([]domain.AchievementProgress, error) {
	return s.repo.ListProgressByAccount(ctx, accountID)
}

// ListLedgerEvents returns an account's event history.
func (s *Service) ListLedgerEvents(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.LedgerEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	return s.repo.ListLedgerEventsByAccount(ctx, accountID, limit, offset)
}

// publishEvent sends a committed ledger event to the broker. Failures are
// logged and swallowed: the event is already durable in the ledger table and
// the in-process tracker path does not depend on the broker.
func (s *Service) publishEvent(ctx context.Context, event *domain.LedgerEvent) {
	if s.eventProducer == nil || event == nil {
		return
	}
	routingKey := "ledger.event." + string(event.Kind)
	if err := s.eventProducer.Publish(ctx, rabbitmq.LedgerExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=ledger msg=\"event publish failed\" event_id=%s kind=%s err=%v", event.ID, event.Kind, err)
	}
}

func (s *Service) applyEventToTracker(ctx context.Context, event *domain.LedgerEvent) {
	if event == nil {
		return
	}
	if err := s.tracker.ApplyLedgerEvent(ctx, event); err != nil {
		log.Printf("level=warn component=ledger msg=\"achievement progress update failed\" event_id=%s err=%v", event.ID, err)
	}
}
