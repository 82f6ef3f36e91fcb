package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/recibo/ledger-service/internal/domain"
)

// Catalog and achievement reads plus the high-water-mark progress write.
// Catalog rows are administered out of band; the service only reads them.

func (r *PostgresRepository) ListStoreItems(ctx context.Context, activeOnly bool) ([]domain.StoreItem, error) {
	query := `
		SELECT id, name, description, price, stock, active, category
		FROM store_items
		WHERE NOT $1 OR active
		ORDER BY id
	`
	rows, err := r.db.Query(ctx, query, activeOnly)
	if err != nil {
		return nil, storeErr("list store items", err)
	}
	defer rows.Close()

	var items []domain.StoreItem
	for rows.Next() {
		var item domain.StoreItem
		if err := rows.Scan(&item.ID, &item.Name, &item.Description, &item.Price, &item.Stock, &item.Active, &item.Category); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *PostgresRepository) FindStoreItemByID(ctx context.Context, itemID string) (*domain.StoreItem, error) {
	var item domain.StoreItem
	query := `SELECT id, name, description, price, stock, active, category FROM store_items WHERE id = $1`
	err := r.db.QueryRow(ctx, query, itemID).Scan(
		&item.ID, &item.Name, &item.Description, &item.Price, &item.Stock, &item.Active, &item.Category)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrItemNotFound
		}
		return nil, storeErr("find store item", err)
	}
	return &item, nil
}

func (r *PostgresRepository) ListAchievements(ctx context.Context, activeOnly bool) ([]domain.Achievement, error) {
	query := `
		SELECT id, name, description, category, required_progress, reward, active
		FROM achievements
		WHERE NOT $1 OR active
		ORDER BY id
	`
	rows, err := r.db.Query(ctx, query, activeOnly)
	if err != nil {
		return nil, storeErr("list achievements", err)
	}
	defer rows.Close()

	var achievements []domain.Achievement
	for rows.Next() {
		var a domain.Achievement
		if err := rows.Scan(&a.ID, &a.Name, &a.Description, &a.Category, &a.RequiredProgress, &a.Reward, &a.Active); err != nil {
			return nil, err
		}
		achievements = append(achievements, a)
	}
	return achievements, rows.Err()
}

func (r *PostgresRepository) ListProgressByAccount(ctx context.Context, accountID uuid.UUID) ([]domain.AchievementProgress, error) {
	query := `
		SELECT account_id, achievement_id, current_progress, completed, completed_at, claimed, claimed_at
		FROM achievement_progress
		WHERE account_id = $1
		ORDER BY achievement_id
	`
	rows, err := r.db.Query(ctx, query, accountID)
	if err != nil {
		return nil, storeErr("list progress", err)
	}
	defer rows.Close()

	var progress []domain.AchievementProgress
	for rows.Next() {
		var p domain.AchievementProgress
		if err := rows.Scan(&p.AccountID, &p.AchievementID, &p.CurrentProgress, &p.Completed, &p.CompletedAt, &p.Claimed, &p.ClaimedAt); err != nil {
			return nil, err
		}
		progress = append(progress, p)
	}
	return progress, rows.Err()
}

// UpsertProgressHighWater raises progress toward every active achievement in
// the category. GREATEST keeps the high-water-mark semantics in SQL, so
// concurrent or replayed reports converge to the same row state.
func (r *PostgresRepository) UpsertProgressHighWater(ctx context.Context, accountID uuid.UUID, category string, amount int64, now time.Time) ([]domain.AchievementProgress, error) {
	query := `
		INSERT INTO achievement_progress (account_id, achievement_id, current_progress, completed, completed_at, claimed)
		SELECT $1, a.id, $3, $3 >= a.required_progress, CASE WHEN $3 >= a.required_progress THEN $4 END, FALSE
		FROM achievements a
		WHERE a.active AND a.category = $2
		ON CONFLICT (account_id, achievement_id) DO UPDATE SET
			current_progress = GREATEST(achievement_progress.current_progress, EXCLUDED.current_progress),
			completed = achievement_progress.completed OR EXCLUDED.completed,
			completed_at = COALESCE(achievement_progress.completed_at, EXCLUDED.completed_at)
		WHERE EXCLUDED.current_progress > achievement_progress.current_progress
		RETURNING account_id, achievement_id, current_progress, completed, completed_at, claimed, claimed_at
	`
	rows, err := r.db.Query(ctx, query, accountID, category, amount, now)
	if err != nil {
		return nil, storeErr("upsert progress", err)
	}
	defer rows.Close()

	var changed []domain.AchievementProgress
	for rows.Next() {
		var p domain.AchievementProgress
		if err := rows.Scan(&p.AccountID, &p.AchievementID, &p.CurrentProgress, &p.Completed, &p.CompletedAt, &p.Claimed, &p.ClaimedAt); err != nil {
			return nil, err
		}
		changed = append(changed, p)
	}
	return changed, rows.Err()
}

func (r *PostgresRepository) ListLedgerEventsByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.LedgerEvent, error) {
	if offset < 0 {
		offset = 0
	}
	query := `
		SELECT id, kind, from_account_id, to_account_id, amount,
		       related_token_id, related_item_id, related_achievement_id, created_at
		FROM ledger_events
		WHERE from_account_id = $1 OR to_account_id = $1
		ORDER BY created_at, id
		OFFSET $2
	`
	args := []any{accountID, offset}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list ledger events", err)
	}
	defer rows.Close()

	var events []domain.LedgerEvent
	for rows.Next() {
		var e domain.LedgerEvent
		if err := rows.Scan(&e.ID, &e.Kind, &e.FromAccountID, &e.ToAccountID, &e.Amount,
			&e.RelatedTokenID, &e.RelatedItemID, &e.RelatedAchievementID, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
