/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface for accounts, tokens, and the atomic ledger operations. Each
 * atomic operation runs as a single database transaction with row locks taken
 * in a deterministic order, so two concurrent redemptions of the same
 * single-use token serialize and exactly one succeeds.
 *
 * Tables: accounts, redemption_tokens, token_redemptions, ledger_events,
 * store_items, account_items, achievements, achievement_progress. The
 * (token_id, redeemer_id) primary key on token_redemptions enforces multi-use
 * per-account exclusivity at the storage level as well.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/recibo/ledger-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// storeErr wraps infrastructure failures as ErrStoreUnavailable so callers can
// distinguish retryable collaborator outages from terminal business errors.
func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateAccount inserts a new account with a zero balance.
func (r *PostgresRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (id, name, email, balance, total_earned, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $6)
	`
	_, err := r.db.Exec(ctx, query, account.ID, account.Name, account.Email, account.Balance, account.TotalEarned, account.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAccountExists
		}
		return storeErr("create account", err)
	}
	return nil
}

// FindAccountByID loads an account and its purchased-item set.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	var account domain.Account
	query := `
		SELECT a.id, a.name, a.email, a.balance, a.total_earned, a.version, a.created_at, a.updated_at,
		       COALESCE(array_agg(ai.item_id ORDER BY ai.purchased_at) FILTER (WHERE ai.item_id IS NOT NULL), '{}') AS purchased,
		       COALESCE(array_agg(ap.achievement_id ORDER BY ap.claimed_at) FILTER (WHERE ap.claimed), '{}') AS completed
		FROM accounts a
		LEFT JOIN account_items ai ON ai.account_id = a.id
		LEFT JOIN achievement_progress ap ON ap.account_id = a.id AND ap.claimed
		WHERE a.id = $1
		GROUP BY a.id
	`
	err := r.db.QueryRow(ctx, query, accountID).Scan(
		&account.ID, &account.Name, &account.Email, &account.Balance, &account.TotalEarned,
		&account.Version, &account.CreatedAt, &account.UpdatedAt,
		&account.PurchasedItemIDs, &account.CompletedChallengeIDs,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, storeErr("find account", err)
	}
	return &account, nil
}

func (r *PostgresRepository) ListAccountIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, storeErr("list account ids", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateToken inserts a new redemption token. The owner's balance is untouched.
func (r *PostgresRepository) CreateToken(ctx context.Context, token *domain.RedemptionToken) error {
	query := `
		INSERT INTO redemption_tokens
			(id, owner_account_id, value, use_policy, active, qr_content, redeemed_count, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, 1, $7)
	`
	_, err := r.db.Exec(ctx, query,
		token.ID, token.OwnerAccountID, token.Value, token.UsePolicy, token.Active, token.QRContent, token.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrAccountNotFound
		}
		return storeErr("create token", err)
	}
	return nil
}

const tokenColumns = `id, owner_account_id, value, use_policy, active, qr_content,
	last_redeemed_by, last_redeemed_at, redeemed_count, version, created_at`

func scanToken(row pgx.Row) (*domain.RedemptionToken, error) {
	var t domain.RedemptionToken
	err := row.Scan(
		&t.ID, &t.OwnerAccountID, &t.Value, &t.UsePolicy, &t.Active, &t.QRContent,
		&t.LastRedeemedBy, &t.LastRedeemedAt, &t.RedeemedCount, &t.Version, &t.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (r *PostgresRepository) FindTokenByID(ctx context.Context, tokenID uuid.UUID) (*domain.RedemptionToken, error) {
	query := fmt.Sprintf(`SELECT %s FROM redemption_tokens WHERE id = $1`, tokenColumns)
	return scanToken(r.db.QueryRow(ctx, query, tokenID))
}

// FindTokenByQRContent resolves a scanned payload by field equality, the same
// way the mobile client resolves a scanned QR symbol.
func (r *PostgresRepository) FindTokenByQRContent(ctx context.Context, qrContent string) (*domain.RedemptionToken, error) {
	query := fmt.Sprintf(`SELECT %s FROM redemption_tokens WHERE qr_content = $1`, tokenColumns)
	return scanToken(r.db.QueryRow(ctx, query, strings.TrimSpace(qrContent)))
}

func (r *PostgresRepository) ListTokensByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.RedemptionToken, error) {
	query := fmt.Sprintf(`SELECT %s FROM redemption_tokens WHERE owner_account_id = $1 ORDER BY created_at DESC`, tokenColumns)
	rows, err := r.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, storeErr("list tokens", err)
	}
	defer rows.Close()

	var tokens []domain.RedemptionToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, *t)
	}
	return tokens, rows.Err()
}

func (r *PostgresRepository) CountRedemptionsByRedeemer(ctx context.Context, redeemerID uuid.UUID) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM token_redemptions WHERE redeemer_id = $1`, redeemerID).Scan(&n)
	if err != nil {
		return 0, storeErr("count redemptions by redeemer", err)
	}
	return n, nil
}

func (r *PostgresRepository) CountRedemptionsByOwner(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM token_redemptions WHERE owner_account_id = $1`, ownerID).Scan(&n)
	if err != nil {
		return 0, storeErr("count redemptions by owner", err)
	}
	return n, nil
}

// RedeemTokenAtomic executes the full redemption in one transaction: lock the
// token, lock both accounts in deterministic order, validate, move the value,
// mark the token, record the redemption, and append the transfer event.
func (r *PostgresRepository) RedeemTokenAtomic(ctx context.Context, tokenID, redeemerID uuid.UUID, now time.Time) (*domain.RedemptionResult, *domain.LedgerEvent, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, storeErr("begin redeem tx", err)
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf(`SELECT %s FROM redemption_tokens WHERE id = $1 FOR UPDATE`, tokenColumns)
	token, err := scanToken(tx.QueryRow(ctx, query, tokenID))
	if err != nil {
		return nil, nil, err
	}

	var redeemedBefore bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM token_redemptions WHERE token_id = $1 AND redeemer_id = $2)`,
		tokenID, redeemerID,
	).Scan(&redeemedBefore)
	if err != nil {
		return nil, nil, storeErr("check prior redemption", err)
	}

	if err := validateRedemption(token, redeemerID, redeemedBefore); err != nil {
		return nil, nil, err
	}

	// Lock both account rows first and in id order to avoid deadlocks between
	// concurrent redemptions whose owner/redeemer pairs overlap.
	first, second := token.OwnerAccountID, redeemerID
	if second.String() < first.String() {
		first, second = second, first
	}
	for _, id := range []uuid.UUID{first, second} {
		var locked uuid.UUID
		if err := tx.QueryRow(ctx, `SELECT id FROM accounts WHERE id = $1 FOR UPDATE`, id).Scan(&locked); err != nil {
			if err == pgx.ErrNoRows {
				return nil, nil, ErrAccountNotFound
			}
			return nil, nil, storeErr("lock account", err)
		}
	}

	// Debit the owner. The balance check lives in the WHERE clause so the
	// debit can never drive the balance negative.
	debit, err := tx.Exec(ctx, `
		UPDATE accounts
		SET balance = balance - $2, version = version + 1, updated_at = $3
		WHERE id = $1 AND balance >= $2
	`, token.OwnerAccountID, token.Value, now)
	if err != nil {
		return nil, nil, storeErr("debit owner", err)
	}
	if debit.RowsAffected() == 0 {
		return nil, nil, ErrInsufficientBalance
	}

	var newBalance, newEarned int64
	err = tx.QueryRow(ctx, `
		UPDATE accounts
		SET balance = balance + $2, total_earned = total_earned + $2, version = version + 1, updated_at = $3
		WHERE id = $1
		RETURNING balance, total_earned
	`, redeemerID, token.Value, now).Scan(&newBalance, &newEarned)
	if err != nil {
		return nil, nil, storeErr("credit redeemer", err)
	}

	deactivate := token.UsePolicy == domain.SingleUse
	_, err = tx.Exec(ctx, `
		UPDATE redemption_tokens
		SET last_redeemed_by = $2, last_redeemed_at = $3,
		    redeemed_count = redeemed_count + 1,
		    active = active AND NOT $4,
		    version = version + 1
		WHERE id = $1
	`, tokenID, redeemerID, now, deactivate)
	if err != nil {
		return nil, nil, storeErr("mark token redeemed", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO token_redemptions (token_id, redeemer_id, owner_account_id, value, redeemed_at)
		VALUES ($1, $2, $3, $4, $5)
	`, tokenID, redeemerID, token.OwnerAccountID, token.Value, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil, ErrAlreadyRedeemed
		}
		return nil, nil, storeErr("record redemption", err)
	}

	event := domain.LedgerEvent{
		ID:             uuid.New(),
		Kind:           domain.EventTransfer,
		FromAccountID:  &token.OwnerAccountID,
		ToAccountID:    &redeemerID,
		Amount:         token.Value,
		RelatedTokenID: &tokenID,
		CreatedAt:      now,
	}
	if err := r.insertLedgerEvent(ctx, tx, &event); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, storeErr("commit redeem tx", err)
	}

	return &domain.RedemptionResult{
		TokenID:        tokenID,
		Value:          token.Value,
		OwnerAccountID: token.OwnerAccountID,
		NewBalance:     newBalance,
		NewTotalEarned: newEarned,
	}, &event, nil
}

// CancelTokenAtomic deactivates a token that has never been redeemed. No
// refund is credited: creation never debited the owner.
func (r *PostgresRepository) CancelTokenAtomic(ctx context.Context, tokenID, requesterID uuid.UUID, now time.Time) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return storeErr("begin cancel tx", err)
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf(`SELECT %s FROM redemption_tokens WHERE id = $1 FOR UPDATE`, tokenColumns)
	token, err := scanToken(tx.QueryRow(ctx, query, tokenID))
	if err != nil {
		return err
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

	_, err = tx.Exec(ctx, `UPDATE redemption_tokens SET active = FALSE, version = version + 1 WHERE id = $1`, tokenID)
	if err != nil {
		return storeErr("deactivate token", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storeErr("commit cancel tx", err)
	}
	return nil
}

// PurchaseItemAtomic debits the account, records ownership, decrements finite
// stock, and appends the spend event in one transaction.
func (r *PostgresRepository) PurchaseItemAtomic(ctx context.Context, accountID uuid.UUID, itemID string, now time.Time) (*domain.PurchaseResult, *domain.LedgerEvent, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, storeErr("begin purchase tx", err)
	}
	defer tx.Rollback(ctx)

	var item domain.StoreItem
	err = tx.QueryRow(ctx, `
		SELECT id, name, description, price, stock, active, category
		FROM store_items WHERE id = $1 FOR UPDATE
	`, itemID).Scan(&item.ID, &item.Name, &item.Description, &item.Price, &item.Stock, &item.Active, &item.Category)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil, ErrItemNotFound
		}
		return nil, nil, storeErr("lock store item", err)
	}
	if !item.Active {
		return nil, nil, ErrItemUnavailable
	}
	if item.Stock == 0 {
		return nil, nil, ErrOutOfStock
	}

	var owned bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM account_items WHERE account_id = $1 AND item_id = $2)`,
		accountID, itemID,
	).Scan(&owned)
	if err != nil {
		return nil, nil, storeErr("check ownership", err)
	}
	if owned {
		return nil, nil, ErrAlreadyOwned
	}

	var newBalance int64
	err = tx.QueryRow(ctx, `
		UPDATE accounts
		SET balance = balance - $2, version = version + 1, updated_at = $3
		WHERE id = $1 AND balance >= $2
		RETURNING balance
	`, accountID, item.Price, now).Scan(&newBalance)
	if err != nil {
		if err == pgx.ErrNoRows {
			// Distinguish a missing account from a short balance.
			var exists bool
			if checkErr := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, accountID).Scan(&exists); checkErr == nil && !exists {
				return nil, nil, ErrAccountNotFound
			}
			return nil, nil, ErrInsufficientBalance
		}
		return nil, nil, storeErr("debit account", err)
	}

	if _, err = tx.Exec(ctx,
		`INSERT INTO account_items (account_id, item_id, purchased_at) VALUES ($1, $2, $3)`,
		accountID, itemID, now,
	); err != nil {
		if isUniqueViolation(err) {
			return nil, nil, ErrAlreadyOwned
		}
		return nil, nil, storeErr("record ownership", err)
	}

	if item.Stock > 0 {
		if _, err = tx.Exec(ctx, `UPDATE store_items SET stock = stock - 1 WHERE id = $1`, itemID); err != nil {
			return nil, nil, storeErr("decrement stock", err)
		}
	}

	event := domain.LedgerEvent{
		ID:            uuid.New(),
		Kind:          domain.EventSpend,
		FromAccountID: &accountID,
		Amount:        item.Price,
		RelatedItemID: &itemID,
		CreatedAt:     now,
	}
	if err := r.insertLedgerEvent(ctx, tx, &event); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, storeErr("commit purchase tx", err)
	}

	return &domain.PurchaseResult{ItemID: itemID, Price: item.Price, NewBalance: newBalance}, &event, nil
}

// ClaimAchievementAtomic flips claimed and credits the reward exactly once.
func (r *PostgresRepository) ClaimAchievementAtomic(ctx context.Context, accountID uuid.UUID, achievementID string, now time.Time) (*domain.ClaimAchievementResult, *domain.LedgerEvent, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, storeErr("begin claim tx", err)
	}
	defer tx.Rollback(ctx)

	var reward int64
	err = tx.QueryRow(ctx, `SELECT reward FROM achievements WHERE id = $1`, achievementID).Scan(&reward)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil, ErrAchievementNotFound
		}
		return nil, nil, storeErr("load achievement", err)
	}

	var completed, claimed bool
	err = tx.QueryRow(ctx, `
		SELECT completed, claimed FROM achievement_progress
		WHERE account_id = $1 AND achievement_id = $2 FOR UPDATE
	`, accountID, achievementID).Scan(&completed, &claimed)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil, ErrNotCompleted
		}
		return nil, nil, storeErr("lock progress", err)
	}
	if !completed {
		return nil, nil, ErrNotCompleted
	}
	if claimed {
		return nil, nil, ErrAlreadyClaimed
	}

	if _, err = tx.Exec(ctx, `
		UPDATE achievement_progress SET claimed = TRUE, claimed_at = $3
		WHERE account_id = $1 AND achievement_id = $2
	`, accountID, achievementID, now); err != nil {
		return nil, nil, storeErr("mark claimed", err)
	}

	var newBalance, newEarned int64
	err = tx.QueryRow(ctx, `
		UPDATE accounts
		SET balance = balance + $2, total_earned = total_earned + $2, version = version + 1, updated_at = $3
		WHERE id = $1
		RETURNING balance, total_earned
	`, accountID, reward, now).Scan(&newBalance, &newEarned)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil, ErrAccountNotFound
		}
		return nil, nil, storeErr("credit reward", err)
	}

	event := domain.LedgerEvent{
		ID:                   uuid.New(),
		Kind:                 domain.EventEarn,
		ToAccountID:          &accountID,
		Amount:               reward,
		RelatedAchievementID: &achievementID,
		CreatedAt:            now,
	}
	if err := r.insertLedgerEvent(ctx, tx, &event); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, storeErr("commit claim tx", err)
	}

	return &domain.ClaimAchievementResult{
		AchievementID:  achievementID,
		Reward:         reward,
		NewBalance:     newBalance,
		NewTotalEarned: newEarned,
	}, &event, nil
}

func (r *PostgresRepository) insertLedgerEvent(ctx context.Context, tx pgx.Tx, e *domain.LedgerEvent) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_events
			(id, kind, from_account_id, to_account_id, amount, related_token_id, related_item_id, related_achievement_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.Kind, e.FromAccountID, e.ToAccountID, e.Amount, e.RelatedTokenID, e.RelatedItemID, e.RelatedAchievementID, e.CreatedAt)
	if err != nil {
		return storeErr("append ledger event", err)
	}
	return nil
}
