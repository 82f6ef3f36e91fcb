package store

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/recibo/ledger-service/internal/domain"
)

func TestValidateRedemption(t *testing.T) {
	ownerID := uuid.New()
	redeemerID := uuid.New()
	now := time.Now()

	tests := []struct {
		name               string
		policy             domain.UsePolicy
		active             bool
		lastRedeemedBy     *uuid.UUID
		redeemedByRedeemer bool
		redeemer           uuid.UUID
		wantErr            error
	}{
		{
			name:     "active single-use token redeemable",
			policy:   domain.SingleUse,
			active:   true,
			redeemer: redeemerID,
		},
		{
			name:     "owner cannot redeem own token",
			policy:   domain.SingleUse,
			active:   true,
			redeemer: ownerID,
			wantErr:  ErrSelfRedemption,
		},
		{
			name:           "spent single-use token reports already redeemed",
			policy:         domain.SingleUse,
			active:         false,
			lastRedeemedBy: &redeemerID,
			redeemer:       uuid.New(),
			wantErr:        ErrAlreadyRedeemed,
		},
		{
			name:     "cancelled token reports inactive",
			policy:   domain.SingleUse,
			active:   false,
			redeemer: redeemerID,
			wantErr:  ErrTokenInactive,
		},
		{
			name:               "multi-use repeat by same account rejected",
			policy:             domain.MultiUse,
			active:             true,
			lastRedeemedBy:     &redeemerID,
			redeemedByRedeemer: true,
			redeemer:           redeemerID,
			wantErr:            ErrAlreadyRedeemed,
		},
		{
			name:           "multi-use fresh account redeemable",
			policy:         domain.MultiUse,
			active:         true,
			lastRedeemedBy: &redeemerID,
			redeemer:       uuid.New(),
		},
		{
			name:           "deactivated multi-use token reports inactive",
			policy:         domain.MultiUse,
			active:         false,
			lastRedeemedBy: &redeemerID,
			redeemer:       uuid.New(),
			wantErr:        ErrTokenInactive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := &domain.RedemptionToken{
				ID:             uuid.New(),
				OwnerAccountID: ownerID,
				Value:          10,
				UsePolicy:      tt.policy,
				Active:         tt.active,
				LastRedeemedBy: tt.lastRedeemedBy,
			}
			if tt.lastRedeemedBy != nil {
				token.LastRedeemedAt = &now
				token.RedeemedCount = 1
			}

			err := validateRedemption(token, tt.redeemer, tt.redeemedByRedeemer)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("expected redeemable token, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}
