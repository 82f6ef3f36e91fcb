/**
 * @description
 * This file implements the ledger audit: replaying an account's events from
 * zero must reproduce its stored balance and total earned. The audit runs on
 * demand per account and as a periodic sweep over every account, logging any
 * drift it finds. Drift indicates a balance mutation that bypassed the
 * ledger, which normal operation can never produce.
 */

package app

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/recibo/ledger-service/internal/domain"
)

// AuditAccount replays one account's ledger events against its stored state.
func (s *Service) AuditAccount(ctx context.Context, accountID uuid.UUID) (*domain.AccountAuditReport, error) {
	account, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	events, err := s.repo.ListLedgerEventsByAccount(ctx, accountID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("load ledger events: %w", err)
	}

	var replayedBalance, replayedEarned int64
	for i := range events {
		replayedBalance += events[i].BalanceDelta(accountID)
		replayedEarned += events[i].EarnedDelta(accountID)
	}

	report := &domain.AccountAuditReport{
		AccountID:        accountID,
		StoredBalance:    account.Balance,
		ReplayedBalance:  replayedBalance,
		StoredEarned:     account.TotalEarned,
		ReplayedEarned:   replayedEarned,
		EventCount:       len(events),
		BalanceDrift:     account.Balance - replayedBalance,
		TotalEarnedDrift: account.TotalEarned - replayedEarned,
	}
	return report, nil
}

// RunLedgerAudit sweeps every account and returns the inconsistent reports.
// Called by the cron schedule in main.
func (s *Service) RunLedgerAudit(ctx context.Context) ([]domain.AccountAuditReport, error) {
	ids, err := s.repo.ListAccountIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	var drifted []domain.AccountAuditReport
	for _, id := range ids {
		report, err := s.AuditAccount(ctx, id)
		if err != nil {
			log.Printf("level=warn component=audit msg=\"account audit failed\" account_id=%s err=%v", id, err)
			continue
		}
		if !report.Consistent() {
			log.Printf("level=error component=audit msg=\"ledger drift detected\" account_id=%s balance_drift=%d earned_drift=%d events=%d",
				id, report.BalanceDrift, report.TotalEarnedDrift, report.EventCount)
			drifted = append(drifted, *report)
		}
	}
	log.Printf("level=info component=audit msg=\"ledger audit complete\" accounts=%d drifted=%d", len(ids), len(drifted))
	return drifted, nil
}
