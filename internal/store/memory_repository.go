/**
 * @description
 * This file provides an in-memory implementation of the `Repository`
 * interface. It is used by the test suite and by local runs without a
 * database, and it doubles as the reference implementation of the
 * compare-and-swap discipline required of storage backends that have
 * no native transactions: every atomic operation reads a versioned snapshot,
 * validates it outside the lock, and commits only if no touched record has
 * changed in the meantime, returning ErrConcurrencyConflict otherwise.
 */

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/recibo/ledger-service/internal/domain"
)

// MemoryRepository is a concrete Repository backed by process memory.
type MemoryRepository struct {
	mu           sync.Mutex
	accounts     map[uuid.UUID]*domain.Account
	tokens       map[uuid.UUID]*domain.RedemptionToken
	tokensByQR   map[string]uuid.UUID
	redemptions  map[uuid.UUID]map[uuid.UUID]domain.TokenRedemption // tokenID -> redeemerID
	items        map[string]*domain.StoreItem
	achievements map[string]*domain.Achievement
	progress     map[uuid.UUID]map[string]*domain.AchievementProgress // accountID -> achievementID
	events       []domain.LedgerEvent
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts:     make(map[uuid.UUID]*domain.Account),
		tokens:       make(map[uuid.UUID]*domain.RedemptionToken),
		tokensByQR:   make(map[string]uuid.UUID),
		redemptions:  make(map[uuid.UUID]map[uuid.UUID]domain.TokenRedemption),
		items:        make(map[string]*domain.StoreItem),
		achievements: make(map[string]*domain.Achievement),
		progress:     make(map[uuid.UUID]map[string]*domain.AchievementProgress),
	}
}

func copyAccount(a *domain.Account) *domain.Account {
	cp := *a
	cp.PurchasedItemIDs = append([]string(nil), a.PurchasedItemIDs...)
	cp.CompletedChallengeIDs = append([]string(nil), a.CompletedChallengeIDs...)
	return &cp
}

func copyToken(t *domain.RedemptionToken) *domain.RedemptionToken {
	cp := *t
	if t.LastRedeemedBy != nil {
		v := *t.LastRedeemedBy
		cp.LastRedeemedBy = &v
	}
	if t.LastRedeemedAt != nil {
		v := *t.LastRedeemedAt
		cp.LastRedeemedAt = &v
	}
	return &cp
}

// CreateAccount stores a new account. Fails with ErrAccountExists on id reuse.
func (r *MemoryRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[account.ID]; ok {
		return ErrAccountExists
	}
	account.Version = 1
	r.accounts[account.ID] = copyAccount(account)
	return nil
}

func (r *MemoryRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return copyAccount(a), nil
}

func (r *MemoryRepository) ListAccountIDs(ctx context.Context) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(r.accounts))
	for id := range r.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (r *MemoryRepository) CreateToken(ctx context.Context, token *domain.RedemptionToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[token.OwnerAccountID]; !ok {
		return ErrAccountNotFound
	}
	token.Version = 1
	r.tokens[token.ID] = copyToken(token)
	r.tokensByQR[token.QRContent] = token.ID
	return nil
}

func (r *MemoryRepository) FindTokenByID(ctx context.Context, tokenID uuid.UUID) (*domain.RedemptionToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[tokenID]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return copyToken(t), nil
}

func (r *MemoryRepository) FindTokenByQRContent(ctx context.Context, qrContent string) (*domain.RedemptionToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.tokensByQR[qrContent]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return copyToken(r.tokens[id]), nil
}

func (r *MemoryRepository) ListTokensByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.RedemptionToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.RedemptionToken
	for _, t := range r.tokens {
		if t.OwnerAccountID == ownerID {
			out = append(out, *copyToken(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) CountRedemptionsByRedeemer(ctx context.Context, redeemerID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, byRedeemer := range r.redemptions {
		if _, ok := byRedeemer[redeemerID]; ok {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) CountRedemptionsByOwner(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for tokenID, byRedeemer := range r.redemptions {
		if t, ok := r.tokens[tokenID]; ok && t.OwnerAccountID == ownerID {
			n += int64(len(byRedeemer))
		}
	}
	return n, nil
}

// RedeemTokenAtomic applies the redemption state machine with compare-and-swap
// semantics: validation happens against a snapshot, and the commit is rejected
// with ErrConcurrencyConflict if any touched record moved underneath it.
func (r *MemoryRepository) RedeemTokenAtomic(ctx context.Context, tokenID, redeemerID uuid.UUID, now time.Time) (*domain.RedemptionResult, *domain.LedgerEvent, error) {
	// Snapshot phase.
	r.mu.Lock()
	stored, ok := r.tokens[tokenID]
	if !ok {
		r.mu.Unlock()
		return nil, nil, ErrTokenNotFound
	}
	token := copyToken(stored)
	_, redeemedBefore := r.redemptions[tokenID][redeemerID]
	storedOwner, ok := r.accounts[token.OwnerAccountID]
	if !ok {
		r.mu.Unlock()
		return nil, nil, ErrAccountNotFound
	}
	owner := copyAccount(storedOwner)
	storedRedeemer, ok := r.accounts[redeemerID]
	if !ok {
		r.mu.Unlock()
		return nil, nil, ErrAccountNotFound
	}
	redeemer := copyAccount(storedRedeemer)
	r.mu.Unlock()

	// Validation phase, outside the lock.
	if err := validateRedemption(token, redeemerID, redeemedBefore); err != nil {
		return nil, nil, err
	}
	if owner.Balance < token.Value {
		return nil, nil, ErrInsufficientBalance
	}

	// Commit phase: versions must not have moved.
	r.mu.Lock()
	defer r.mu.Unlock()
	curToken, ok := r.tokens[tokenID]
	if !ok || curToken.Version != token.Version {
		return nil, nil, ErrConcurrencyConflict
	}
	curOwner := r.accounts[token.OwnerAccountID]
	curRedeemer := r.accounts[redeemerID]
	if curOwner == nil || curRedeemer == nil ||
		curOwner.Version != owner.Version || curRedeemer.Version != redeemer.Version {
		return nil, nil, ErrConcurrencyConflict
	}

	curOwner.Balance -= token.Value
	curOwner.Version++
	curOwner.UpdatedAt = now
	curRedeemer.Balance += token.Value
	curRedeemer.TotalEarned += token.Value
	curRedeemer.Version++
	curRedeemer.UpdatedAt = now

	redeemerCopy := redeemerID
	curToken.LastRedeemedBy = &redeemerCopy
	redeemedAt := now
	curToken.LastRedeemedAt = &redeemedAt
	curToken.RedeemedCount++
	if curToken.UsePolicy == domain.SingleUse {
		curToken.Active = false
	}
	curToken.Version++

	if r.redemptions[tokenID] == nil {
		r.redemptions[tokenID] = make(map[uuid.UUID]domain.TokenRedemption)
	}
	r.redemptions[tokenID][redeemerID] = domain.TokenRedemption{
		TokenID:        tokenID,
		RedeemerID:     redeemerID,
		OwnerAccountID: token.OwnerAccountID,
		Value:          token.Value,
		RedeemedAt:     now,
	}

	from := token.OwnerAccountID
	to := redeemerID
	tokenRef := tokenID
	event := domain.LedgerEvent{
		ID:             uuid.New(),
		Kind:           domain.EventTransfer,
		FromAccountID:  &from,
		ToAccountID:    &to,
		Amount:         token.Value,
		RelatedTokenID: &tokenRef,
		CreatedAt:      now,
	}
	r.events = append(r.events, event)

	result := &domain.RedemptionResult{
		TokenID:        tokenID,
		Value:          token.Value,
		OwnerAccountID: token.OwnerAccountID,
		NewBalance:     curRedeemer.Balance,
		NewTotalEarned: curRedeemer.TotalEarned,
	}
	return result, &event, nil
}

// CancelTokenAtomic deactivates an untouched token. No refund event is
// written: creation never debited the owner, so there is nothing to return.
func (r *MemoryRepository) CancelTokenAtomic(ctx context.Context, tokenID, requesterID uuid.UUID, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	token, ok := r.tokens[tokenID]
	if !ok {
		return ErrTokenNotFound
	}
	if token.OwnerAccountID != requesterID {
		return ErrForbidden
	}
	if token.Redeemed() {
		return ErrAlreadyRedeemed
	}
	if !token.Active {
		return ErrTokenInactive
	}
	token.Active = false
	token.Version++
	return nil
}

// PurchaseItemAtomic debits the buyer, records ownership, decrements finite
// stock, and appends the spend event, all or nothing.
func (r *MemoryRepository) PurchaseItemAtomic(ctx context.Context, accountID uuid.UUID, itemID string, now time.Time) (*domain.PurchaseResult, *domain.LedgerEvent, error) {
	r.mu.Lock()
	storedItem, ok := r.items[itemID]
	if !ok {
		r.mu.Unlock()
		return nil, nil, ErrItemNotFound
	}
	item := *storedItem
	storedAccount, ok := r.accounts[accountID]
	if !ok {
		r.mu.Unlock()
		return nil, nil, ErrAccountNotFound
	}
	account := copyAccount(storedAccount)
	r.mu.Unlock()

	if !item.Active {
		return nil, nil, ErrItemUnavailable
	}
	if item.Stock == 0 {
		return nil, nil, ErrOutOfStock
	}
	if account.HasPurchased(itemID) {
		return nil, nil, ErrAlreadyOwned
	}
	if account.Balance < item.Price {
		return nil, nil, ErrInsufficientBalance
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	curAccount := r.accounts[accountID]
	curItem := r.items[itemID]
	if curAccount == nil || curItem == nil || curAccount.Version != account.Version {
		return nil, nil, ErrConcurrencyConflict
	}
	if curItem.Stock == 0 {
		return nil, nil, ErrOutOfStock
	}

	curAccount.Balance -= item.Price
	curAccount.PurchasedItemIDs = append(curAccount.PurchasedItemIDs, itemID)
	curAccount.Version++
	curAccount.UpdatedAt = now
	if curItem.Stock > 0 {
		curItem.Stock--
	}

	from := accountID
	itemRef := itemID
	event := domain.LedgerEvent{
		ID:            uuid.New(),
		Kind:          domain.EventSpend,
		FromAccountID: &from,
		Amount:        item.Price,
		RelatedItemID: &itemRef,
		CreatedAt:     now,
	}
	r.events = append(r.events, event)

	return &domain.PurchaseResult{
		ItemID:     itemID,
		Price:      item.Price,
		NewBalance: curAccount.Balance,
	}, &event, nil
}

// ClaimAchievementAtomic marks the reward claimed and credits it exactly once.
func (r *MemoryRepository) ClaimAchievementAtomic(ctx context.Context, accountID uuid.UUID, achievementID string, now time.Time) (*domain.ClaimAchievementResult, *domain.LedgerEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	achievement, ok := r.achievements[achievementID]
	if !ok {
		return nil, nil, ErrAchievementNotFound
	}
	account, ok := r.accounts[accountID]
	if !ok {
		return nil, nil, ErrAccountNotFound
	}
	prog := r.progress[accountID][achievementID]
	if prog == nil || !prog.Completed {
		return nil, nil, ErrNotCompleted
	}
	if prog.Claimed {
		return nil, nil, ErrAlreadyClaimed
	}

	prog.Claimed = true
	claimedAt := now
	prog.ClaimedAt = &claimedAt
	account.Balance += achievement.Reward
	account.TotalEarned += achievement.Reward
	account.CompletedChallengeIDs = append(account.CompletedChallengeIDs, achievementID)
	account.Version++
	account.UpdatedAt = now

	to := accountID
	achievementRef := achievementID
	event := domain.LedgerEvent{
		ID:                   uuid.New(),
		Kind:                 domain.EventEarn,
		ToAccountID:          &to,
		Amount:               achievement.Reward,
		RelatedAchievementID: &achievementRef,
		CreatedAt:            now,
	}
	r.events = append(r.events, event)

	return &domain.ClaimAchievementResult{
		AchievementID:  achievementID,
		Reward:         achievement.Reward,
		NewBalance:     account.Balance,
		NewTotalEarned: account.TotalEarned,
	}, &event, nil
}

func (r *MemoryRepository) ListStoreItems(ctx context.Context, activeOnly bool) ([]domain.StoreItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.StoreItem
	for _, item := range r.items {
		if activeOnly && !item.Active {
			continue
		}
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) FindStoreItemByID(ctx context.Context, itemID string) (*domain.StoreItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[itemID]
	if !ok {
		return nil, ErrItemNotFound
	}
	cp := *item
	return &cp, nil
}

func (r *MemoryRepository) ListAchievements(ctx context.Context, activeOnly bool) ([]domain.Achievement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Achievement
	for _, a := range r.achievements {
		if activeOnly && !a.Active {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) ListProgressByAccount(ctx context.Context, accountID uuid.UUID) ([]domain.AchievementProgress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.AchievementProgress
	for _, p := range r.progress[accountID] {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AchievementID < out[j].AchievementID })
	return out, nil
}

// UpsertProgressHighWater raises progress toward every active achievement in
// the category. Lower or equal amounts are a no-op, which makes redelivered
// ledger events harmless.
func (r *MemoryRepository) UpsertProgressHighWater(ctx context.Context, accountID uuid.UUID, category string, amount int64, now time.Time) ([]domain.AchievementProgress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[accountID]; !ok {
		return nil, ErrAccountNotFound
	}

	var changed []domain.AchievementProgress
	for _, a := range r.achievements {
		if !a.Active || a.Category != category {
			continue
		}
		if r.progress[accountID] == nil {
			r.progress[accountID] = make(map[string]*domain.AchievementProgress)
		}
		p := r.progress[accountID][a.ID]
		if p == nil {
			p = &domain.AchievementProgress{AccountID: accountID, AchievementID: a.ID}
			r.progress[accountID][a.ID] = p
		}
		if amount <= p.CurrentProgress {
			continue
		}
		p.CurrentProgress = amount
		if !p.Completed && p.CurrentProgress >= a.RequiredProgress {
			p.Completed = true
			completedAt := now
			p.CompletedAt = &completedAt
		}
		changed = append(changed, *p)
	}
	return changed, nil
}

func (r *MemoryRepository) ListLedgerEventsByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.LedgerEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.LedgerEvent
	for _, e := range r.events {
		if (e.FromAccountID != nil && *e.FromAccountID == accountID) ||
			(e.ToAccountID != nil && *e.ToAccountID == accountID) {
			out = append(out, e)
		}
	}
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PutStoreItem and PutAchievement seed catalog data. They are not part of the
// Repository contract; catalog administration is handled out of band.
func (r *MemoryRepository) PutStoreItem(item domain.StoreItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := item
	r.items[item.ID] = &cp
}

func (r *MemoryRepository) PutAchievement(a domain.Achievement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := a
	r.achievements[a.ID] = &cp
}
