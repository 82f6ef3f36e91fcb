package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/recibo/ledger-service/internal/domain"
	"github.com/recibo/ledger-service/internal/store"
	"github.com/recibo/ledger-service/pkg/rabbitmq"
)

func newTestService(t *testing.T) (*Service, *store.MemoryRepository) {
	t.Helper()
	repo := store.NewMemoryRepository()
	svc := NewService(repo, &rabbitmq.EventProducerFallback{}, DefaultTokenMaxValue, DefaultRetryAttempts)
	return svc, repo
}

// newAccount provisions an account and, when balance is positive, funds it
// through a seed achievement claim so that the balance is backed by ledger
// events and audits stay clean.
func newAccount(t *testing.T, svc *Service, repo *store.MemoryRepository, balance int64) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	accountID := uuid.New()
	if _, err := svc.CreateAccount(ctx, accountID, "Test User", "user@example.com"); err != nil {
		t.Fatalf("CreateAccount returned error: %v", err)
	}
	if balance > 0 {
		grantID := fmt.Sprintf("seed-grant-%s", uuid.NewString())
		repo.PutAchievement(domain.Achievement{
			ID:               grantID,
			Name:             "Seed Grant",
			Category:         domain.CategorySocial,
			RequiredProgress: 1,
			Reward:           balance,
			Active:           true,
		})
		if _, err := svc.RecordProgress(ctx, accountID, domain.CategorySocial, 1); err != nil {
			t.Fatalf("RecordProgress returned error: %v", err)
		}
		if _, err := svc.ClaimAchievement(ctx, accountID, grantID); err != nil {
			t.Fatalf("ClaimAchievement returned error: %v", err)
		}
	}
	return accountID
}

func mustBalance(t *testing.T, svc *Service, accountID uuid.UUID) int64 {
	t.Helper()
	account, err := svc.GetAccount(context.Background(), accountID)
	if err != nil {
		t.Fatalf("GetAccount returned error: %v", err)
	}
	return account.Balance
}

func TestCreateAccount_Duplicate(t *testing.T) {
	svc, repo := newTestService(t)
	accountID := newAccount(t, svc, repo, 0)

	_, err := svc.CreateAccount(context.Background(), accountID, "Again", "again@example.com")
	if !errors.Is(err, store.ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
}

func TestCreateToken_Validation(t *testing.T) {
	svc, repo := newTestService(t)
	ownerID := newAccount(t, svc, repo, 0)

	tests := []struct {
		name   string
		value  int64
		policy domain.UsePolicy
		wantOK bool
	}{
		{name: "zero value rejected", value: 0, policy: domain.SingleUse},
		{name: "negative value rejected", value: -5, policy: domain.SingleUse},
		{name: "value above maximum rejected", value: DefaultTokenMaxValue + 1, policy: domain.SingleUse},
		{name: "unknown policy rejected", value: 10, policy: domain.UsePolicy("forever")},
		{name: "maximum value accepted", value: DefaultTokenMaxValue, policy: domain.SingleUse, wantOK: true},
		{name: "multi use accepted", value: 10, policy: domain.MultiUse, wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := svc.CreateToken(context.Background(), ownerID, tt.value, tt.policy)
			if tt.wantOK {
				if err != nil {
					t.Fatalf("expected token, got error %v", err)
				}
				wantQR := domain.QRContentForToken(token.ID)
				if token.QRContent != wantQR {
					t.Fatalf("expected qr content %q, got %q", wantQR, token.QRContent)
				}
				if !token.Active {
					t.Fatal("expected new token to be active")
				}
				return
			}
			if !errors.Is(err, store.ErrInvalidValue) {
				t.Fatalf("expected ErrInvalidValue, got %v", err)
			}
		})
	}
}

func TestLookupTokenByContent(t *testing.T) {
	svc, repo := newTestService(t)
	ownerID := newAccount(t, svc, repo, 0)
	ctx := context.Background()

	token, err := svc.CreateToken(ctx, ownerID, 25, domain.SingleUse)
	if err != nil {
		t.Fatalf("CreateToken returned error: %v", err)
	}

	found, err := svc.LookupTokenByContent(ctx, token.QRContent)
	if err != nil {
		t.Fatalf("LookupTokenByContent returned error: %v", err)
	}
	if found.ID != token.ID {
		t.Fatalf("expected token %s, got %s", token.ID, found.ID)
	}

	if _, err := svc.LookupTokenByContent(ctx, "TOKEN:"+uuid.NewString()); !errors.Is(err, store.ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound for unknown payload, got %v", err)
	}
}

func TestRedeemToken_SingleUse(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	ownerID := newAccount(t, svc, repo, 200)
	redeemerID := newAccount(t, svc, repo, 0)

	token, err := svc.CreateToken(ctx, ownerID, 50, domain.SingleUse)
	if err != nil {
		t.Fatalf("CreateToken returned error: %v", err)
	}

	result, err := svc.RedeemToken(ctx, token.ID, redeemerID)
	if err != nil {
		t.Fatalf("RedeemToken returned error: %v", err)
	}
	if result.Value != 50 {
		t.Fatalf("expected value 50, got %d", result.Value)
	}
	if result.NewBalance != 50 {
		t.Fatalf("expected redeemer balance 50, got %d", result.NewBalance)
	}
	if result.NewTotalEarned != 50 {
		t.Fatalf("expected redeemer total earned 50, got %d", result.NewTotalEarned)
	}
	if got := mustBalance(t, svc, ownerID); got != 150 {
		t.Fatalf("expected owner balance 150 after debit, got %d", got)
	}

	updated, err := repo.FindTokenByID(ctx, token.ID)
	if err != nil {
		t.Fatalf("FindTokenByID returned error: %v", err)
	}
	if updated.Active {
		t.Fatal("expected single-use token to be deactivated after redemption")
	}
	if updated.LastRedeemedBy == nil || *updated.LastRedeemedBy != redeemerID {
		t.Fatalf("expected last redeemed by %s, got %v", redeemerID, updated.LastRedeemedBy)
	}
	if updated.RedeemedCount != 1 {
		t.Fatalf("expected redeemed count 1, got %d", updated.RedeemedCount)
	}

	// A second account hitting the spent token gets the redeemed error.
	otherID := newAccount(t, svc, repo, 0)
	if _, err := svc.RedeemToken(ctx, token.ID, otherID); !errors.Is(err, store.ErrAlreadyRedeemed) {
		t.Fatalf("expected ErrAlreadyRedeemed on spent token, got %v", err)
	}
}

func TestRedeemToken_SelfRedemptionRejected(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	ownerID := newAccount(t, svc, repo, 100)

	token, err := svc.CreateToken(ctx, ownerID, 10, domain.SingleUse)
	if err != nil {
		t.Fatalf("CreateToken returned error: %v", err)
	}

	if _, err := svc.RedeemToken(ctx, token.ID, ownerID); !errors.Is(err, store.ErrSelfRedemption) {
		t.Fatalf("expected ErrSelfRedemption, got %v", err)
	}
	if got := mustBalance(t, svc, ownerID); got != 100 {
		t.Fatalf("expected owner balance unchanged at 100, got %d", got)
	}
}

func TestRedeemToken_InsufficientOwnerBalance(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	ownerID := newAccount(t, svc, repo, 30)
	redeemerID := newAccount(t, svc, repo, 0)

	token, err := svc.CreateToken(ctx, ownerID, 50, domain.SingleUse)
	if err != nil {
		t.Fatalf("CreateToken returned error: %v", err)
	}

	if _, err := svc.RedeemToken(ctx, token.ID, redeemerID); !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	// The failed redemption must leave everything untouched.
	if got := mustBalance(t, svc, ownerID); got != 30 {
		t.Fatalf("expected owner balance unchanged at 30, got %d", got)
	}
	if got := mustBalance(t, svc, redeemerID); got != 0 {
		t.Fatalf("expected redeemer balance unchanged at 0, got %d", got)
	}
	current, err := repo.FindTokenByID(ctx, token.ID)
	if err != nil {
		t.Fatalf("FindTokenByID returned error: %v", err)
	}
	if !current.Active || current.Redeemed() {
		t.Fatal("expected token to remain active and unredeemed after failed debit")
	}
}

func TestRedeemToken_MultiUsePerAccountExclusivity(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	ownerID := newAccount(t, svc, repo, 100)
	firstID := newAccount(t, svc, repo, 0)
	secondID := newAccount(t, svc, repo, 0)

	token, err := svc.CreateToken(ctx, ownerID, 10, domain.MultiUse)
	if err != nil {
		t.Fatalf("CreateToken returned error: %v", err)
	}

	if _, err := svc.RedeemToken(ctx, token.ID, firstID); err != nil {
		t.Fatalf("first redemption returned error: %v", err)
	}
	if _, err := svc.RedeemToken(ctx, token.ID, firstID); !errors.Is(err, store.ErrAlreadyRedeemed) {
		t.Fatalf("expected ErrAlreadyRedeemed on repeat redemption, got %v", err)
	}
	if _, err := svc.RedeemToken(ctx, token.ID, secondID); err != nil {
		t.Fatalf("second account redemption returned error: %v", err)
	}

	current, err := repo.FindTokenByID(ctx, token.ID)
	if err != nil {
		t.Fatalf("FindTokenByID returned error: %v", err)
	}
	if !current.Active {
		t.Fatal("expected multi-use token to stay active")
	}
	if current.RedeemedCount != 2 {
		t.Fatalf("expected redeemed count 2, got %d", current.RedeemedCount)
	}
	if got := mustBalance(t, svc, ownerID); got != 80 {
		t.Fatalf("expected owner balance 80 after two debits, got %d", got)
	}
}

func TestRedeemToken_ConcurrentSingleUse(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	ownerID := newAccount(t, svc, repo, 100)

	token, err := svc.CreateToken(ctx, ownerID, 40, domain.SingleUse)
	if err != nil {
		t.Fatalf("CreateToken returned error: %v", err)
	}

	const contenders = 8
	redeemers := make([]uuid.UUID, contenders)
	for i := range redeemers {
		redeemers[i] = newAccount(t, svc, repo, 0)
	}

	var wg sync.WaitGroup
	errs := make([]error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = svc.RedeemToken(ctx, token.ID, redeemers[idx])
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		if !errors.Is(err, store.ErrAlreadyRedeemed) && !errors.Is(err, store.ErrConcurrencyConflict) {
			t.Fatalf("unexpected redemption error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one successful redemption, got %d", successes)
	}

	// Conservation: the token moved 40 points from the owner to one redeemer.
	if got := mustBalance(t, svc, ownerID); got != 60 {
		t.Fatalf("expected owner balance 60, got %d", got)
	}
	var redeemerTotal int64
	for _, id := range redeemers {
		redeemerTotal += mustBalance(t, svc, id)
	}
	if redeemerTotal != 40 {
		t.Fatalf("expected 40 points across redeemers, got %d", redeemerTotal)
	}
}

func TestRedeemToken_RetriesOnConcurrencyConflict(t *testing.T) {
	repo := store.NewMemoryRepository()
	flaky := &conflictOnceRepository{Repository: repo}
	svc := NewService(flaky, &rabbitmq.EventProducerFallback{}, DefaultTokenMaxValue, DefaultRetryAttempts)

	ctx := context.Background()
	ownerID := newAccount(t, svc, repo, 100)
	redeemerID := newAccount(t, svc, repo, 0)

	token, err := svc.CreateToken(ctx, ownerID, 20, domain.SingleUse)
	if err != nil {
		t.Fatalf("CreateToken returned error: %v", err)
	}

	flaky.conflicts = 2
	result, err := svc.RedeemToken(ctx, token.ID, redeemerID)
	if err != nil {
		t.Fatalf("expected retries to absorb conflicts, got %v", err)
	}
	if result.NewBalance != 20 {
		t.Fatalf("expected redeemer balance 20, got %d", result.NewBalance)
	}
	if flaky.attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", flaky.attempts)
	}
}

func TestRedeemToken_RetriesExhausted(t *testing.T) {
	repo := store.NewMemoryRepository()
	flaky := &conflictOnceRepository{Repository: repo}
	svc := NewService(flaky, &rabbitmq.EventProducerFallback{}, DefaultTokenMaxValue, DefaultRetryAttempts)

	ctx := context.Background()
	ownerID := newAccount(t, svc, repo, 100)
	redeemerID := newAccount(t, svc, repo, 0)

	token, err := svc.CreateToken(ctx, ownerID, 20, domain.SingleUse)
	if err != nil {
		t.Fatalf("CreateToken returned error: %v", err)
	}

	flaky.conflicts = DefaultRetryAttempts
	if _, err := svc.RedeemToken(ctx, token.ID, redeemerID); !errors.Is(err, store.ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict after exhausted retries, got %v", err)
	}
}

// conflictOnceRepository injects version conflicts into the first N redeem
// attempts before delegating to the real repository.
type conflictOnceRepository struct {
	store.Repository
	conflicts int
	attempts  int
}

func (r *conflictOnceRepository) RedeemTokenAtomic(ctx context.Context, tokenID, redeemerID uuid.UUID, now time.Time) (*domain.RedemptionResult, *domain.LedgerEvent, error) {
	r.attempts++
	if r.conflicts > 0 {
		r.conflicts--
		return nil, nil, store.ErrConcurrencyConflict
	}
	return r.Repository.RedeemTokenAtomic(ctx, tokenID, redeemerID, now)
}

func TestCancelToken(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	ownerID := newAccount(t, svc, repo, 100)
	strangerID := newAccount(t, svc, repo, 0)

	token, err := svc.CreateToken(ctx, ownerID, 10, domain.SingleUse)
	if err != nil {
		t.Fatalf("CreateToken returned error: %v", err)
	}

	if err := svc.CancelToken(ctx, token.ID, strangerID); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-owner cancel, got %v", err)
	}
	if err := svc.CancelToken(ctx, token.ID, ownerID); err != nil {
		t.Fatalf("CancelToken returned error: %v", err)
	}

	current, err := repo.FindTokenByID(ctx, token.ID)
	if err != nil {
		t.Fatalf("FindTokenByID returned error: %v", err)
	}
	if current.Active {
		t.Fatal("expected cancelled token to be inactive")
	}

	if _, err := svc.RedeemToken(ctx, token.ID, strangerID); !errors.Is(err, store.ErrTokenInactive) {
		t.Fatalf("expected ErrTokenInactive on cancelled token, got %v", err)
	}
	if err := svc.CancelToken(ctx, token.ID, ownerID); !errors.Is(err, store.ErrTokenInactive) {
		t.Fatalf("expected ErrTokenInactive on repeat cancel, got %v", err)
	}
}

func TestCancelToken_RedeemedRejected(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	ownerID := newAccount(t, svc, repo, 100)
	redeemerID := newAccount(t, svc, repo, 0)

	token, err := svc.CreateToken(ctx, ownerID, 10, domain.SingleUse)
	if err != nil {
		t.Fatalf("CreateToken returned error: %v", err)
	}
	if _, err := svc.RedeemToken(ctx, token.ID, redeemerID); err != nil {
		t.Fatalf("RedeemToken returned error: %v", err)
	}

	if err := svc.CancelToken(ctx, token.ID, ownerID); !errors.Is(err, store.ErrAlreadyRedeemed) {
		t.Fatalf("expected ErrAlreadyRedeemed when cancelling redeemed token, got %v", err)
	}
}

func TestPurchase(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	accountID := newAccount(t, svc, repo, 100)

	repo.PutStoreItem(domain.StoreItem{ID: "frame-gold", Name: "Gold Frame", Price: 60, Stock: domain.UnlimitedStock, Active: true})

	result, err := svc.Purchase(ctx, accountID, "frame-gold")
	if err != nil {
		t.Fatalf("Purchase returned error: %v", err)
	}
	if result.NewBalance != 40 {
		t.Fatalf("expected balance 40 after purchase, got %d", result.NewBalance)
	}

	account, err := svc.GetAccount(ctx, accountID)
	if err != nil {
		t.Fatalf("GetAccount returned error: %v", err)
	}
	if !account.HasPurchased("frame-gold") {
		t.Fatal("expected purchased item to be recorded on the account")
	}

	if _, err := svc.Purchase(ctx, accountID, "frame-gold"); !errors.Is(err, store.ErrAlreadyOwned) {
		t.Fatalf("expected ErrAlreadyOwned on repeat purchase, got %v", err)
	}
	if _, err := svc.Purchase(ctx, accountID, "frame-gold-2"); !errors.Is(err, store.ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}
}

func TestPurchase_InsufficientBalance(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	accountID := newAccount(t, svc, repo, 10)

	repo.PutStoreItem(domain.StoreItem{ID: "frame-gold", Name: "Gold Frame", Price: 60, Stock: domain.UnlimitedStock, Active: true})

	if _, err := svc.Purchase(ctx, accountID, "frame-gold"); !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if got := mustBalance(t, svc, accountID); got != 10 {
		t.Fatalf("expected balance unchanged at 10, got %d", got)
	}
}

func TestPurchase_StockExhaustion(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	firstID := newAccount(t, svc, repo, 100)
	secondID := newAccount(t, svc, repo, 100)

	repo.PutStoreItem(domain.StoreItem{ID: "sticker-rare", Name: "Rare Sticker", Price: 20, Stock: 1, Active: true})

	if _, err := svc.Purchase(ctx, firstID, "sticker-rare"); err != nil {
		t.Fatalf("first purchase returned error: %v", err)
	}
	if _, err := svc.Purchase(ctx, secondID, "sticker-rare"); !errors.Is(err, store.ErrOutOfStock) {
		t.Fatalf("expected ErrOutOfStock, got %v", err)
	}
}

func TestPurchase_InactiveItem(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	accountID := newAccount(t, svc, repo, 100)

	repo.PutStoreItem(domain.StoreItem{ID: "frame-retired", Name: "Retired Frame", Price: 20, Stock: domain.UnlimitedStock, Active: false})

	if _, err := svc.Purchase(ctx, accountID, "frame-retired"); !errors.Is(err, store.ErrItemUnavailable) {
		t.Fatalf("expected ErrItemUnavailable, got %v", err)
	}
}

func TestClaimAchievement(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	accountID := newAccount(t, svc, repo, 0)

	repo.PutAchievement(domain.Achievement{
		ID:               "social-butterfly",
		Name:             "Social Butterfly",
		Category:         domain.CategorySocial,
		RequiredProgress: 5,
		Reward:           25,
		Active:           true,
	})

	if _, err := svc.ClaimAchievement(ctx, accountID, "social-butterfly"); !errors.Is(err, store.ErrNotCompleted) {
		t.Fatalf("expected ErrNotCompleted before progress, got %v", err)
	}

	if _, err := svc.RecordProgress(ctx, accountID, domain.CategorySocial, 5); err != nil {
		t.Fatalf("RecordProgress returned error: %v", err)
	}

	result, err := svc.ClaimAchievement(ctx, accountID, "social-butterfly")
	if err != nil {
		t.Fatalf("ClaimAchievement returned error: %v", err)
	}
	if result.Reward != 25 || result.NewBalance != 25 || result.NewTotalEarned != 25 {
		t.Fatalf("unexpected claim result: %+v", result)
	}

	if _, err := svc.ClaimAchievement(ctx, accountID, "social-butterfly"); !errors.Is(err, store.ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed on repeat claim, got %v", err)
	}
	if _, err := svc.ClaimAchievement(ctx, accountID, "missing"); !errors.Is(err, store.ErrAchievementNotFound) {
		t.Fatalf("expected ErrAchievementNotFound, got %v", err)
	}
}

func TestListLedgerEvents_Pagination(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	ownerID := newAccount(t, svc, repo, 100)
	redeemerID := newAccount(t, svc, repo, 0)

	for i := 0; i < 3; i++ {
		token, err := svc.CreateToken(ctx, ownerID, 10, domain.SingleUse)
		if err != nil {
			t.Fatalf("CreateToken returned error: %v", err)
		}
		if _, err := svc.RedeemToken(ctx, token.ID, redeemerID); err != nil {
			t.Fatalf("RedeemToken returned error: %v", err)
		}
	}

	events, err := svc.ListLedgerEvents(ctx, redeemerID, 2, 0)
	if err != nil {
		t.Fatalf("ListLedgerEvents returned error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events with limit 2, got %d", len(events))
	}

	rest, err := svc.ListLedgerEvents(ctx, redeemerID, 2, 2)
	if err != nil {
		t.Fatalf("ListLedgerEvents returned error: %v", err)
	}
	if len(rest) != 1 {
		t.Fatalf("expected 1 event at offset 2, got %d", len(rest))
	}
}

// stubRateLimiter reports a fixed count for every consume call.
type stubRateLimiter struct {
	count int
	err   error
}

func (s *stubRateLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	return s.count, 30, s.err
}

func TestRedeemToken_RateLimited(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	ownerID := newAccount(t, svc, repo, 100)
	redeemerID := newAccount(t, svc, repo, 0)

	token, err := svc.CreateToken(ctx, ownerID, 10, domain.SingleUse)
	if err != nil {
		t.Fatalf("CreateToken returned error: %v", err)
	}

	svc.SetRedeemRateLimiter(&stubRateLimiter{count: 31}, 30)
	if _, err := svc.RedeemToken(ctx, token.ID, redeemerID); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	// A limiter outage must not block redemptions.
	svc.SetRedeemRateLimiter(&stubRateLimiter{err: errors.New("redis down")}, 30)
	if _, err := svc.RedeemToken(ctx, token.ID, redeemerID); err != nil {
		t.Fatalf("expected redemption to proceed on limiter outage, got %v", err)
	}
}
