/**
 * @description
 * This file defines the redemption token domain models. A token is a claim
 * right worth a fixed point value, carried to other users as a QR payload.
 * Single-use tokens die on first redemption; multi-use tokens stay active
 * until their owner deactivates them, but each account may redeem them once.
 *
 * @notes
 * - `QRContent` is the external representation encoded into the QR symbol. It
 *   is a plain tag plus the token's unguessable id ("TOKEN:<uuid>"); scanners
 *   resolve it back with a field-equality lookup, never by parsing structure
 *   out of the payload beyond the prefix.
 * - `Value` is fixed at creation. Creation does not touch the owner's balance;
 *   the owner is debited at redemption time (see app.Service.RedeemToken).
 */

package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UsePolicy controls how many times a token may be redeemed.
type UsePolicy string

const (
	SingleUse UsePolicy = "single_use"
	MultiUse  UsePolicy = "multi_use"
)

// Valid reports whether the policy is one of the two supported values.
func (p UsePolicy) Valid() bool {
	return p == SingleUse || p == MultiUse
}

// QRContentPrefix tags token payloads inside QR symbols.
const QRContentPrefix = "TOKEN:"

// QRContentForToken builds the external QR payload for a token id.
func QRContentForToken(tokenID uuid.UUID) string {
	return QRContentPrefix + tokenID.String()
}

// TokenIDFromQRContent extracts the token id from a scanned QR payload.
func TokenIDFromQRContent(content string) (uuid.UUID, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(content), QRContentPrefix)
	if raw == content {
		return uuid.Nil, fmt.Errorf("payload is not a token QR: missing %q prefix", QRContentPrefix)
	}
	return uuid.Parse(raw)
}

// RedemptionToken represents the state of a token in the database.
type RedemptionToken struct {
	ID             uuid.UUID  `json:"id"`
	OwnerAccountID uuid.UUID  `json:"owner_account_id"`
	Value          int64      `json:"value"`
	UsePolicy      UsePolicy  `json:"use_policy"`
	Active         bool       `json:"active"`
	QRContent      string     `json:"qr_content"`
	LastRedeemedBy *uuid.UUID `json:"last_redeemed_by,omitempty"`
	LastRedeemedAt *time.Time `json:"last_redeemed_at,omitempty"`
	RedeemedCount  int        `json:"redeemed_count"`
	Version        int64      `json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Redeemed reports whether the token has ever been redeemed.
func (t *RedemptionToken) Redeemed() bool {
	return t.LastRedeemedBy != nil
}

// TokenRedemption records one redemption of a token by one account. The
// (token_id, redeemer_id) pair is unique, which is what enforces multi-use
// per-account exclusivity.
type TokenRedemption struct {
	TokenID          uuid.UUID `json:"token_id"`
	RedeemerID       uuid.UUID `json:"redeemer_id"`
	OwnerAccountID   uuid.UUID `json:"owner_account_id"`
	Value            int64     `json:"value"`
	RedeemedAt       time.Time `json:"redeemed_at"`
}

// CreateTokenRequest is the DTO for token creation API requests.
type CreateTokenRequest struct {
	Value     int64  `json:"value"`
	UsePolicy string `json:"use_policy"`
}

// CreateTokenResponse is returned after a token is created. The client renders
// QRContent into a QR symbol; the engine mandates nothing beyond the payload.
type CreateTokenResponse struct {
	TokenID   string `json:"token_id"`
	QRContent string `json:"qr_content"`
	Value     int64  `json:"value"`
	UsePolicy string `json:"use_policy"`
}

// RedemptionResult is the successful outcome of redeeming a token.
type RedemptionResult struct {
	TokenID        uuid.UUID `json:"token_id"`
	Value          int64     `json:"value"`
	OwnerAccountID uuid.UUID `json:"owner_account_id"`
	NewBalance     int64     `json:"new_balance"`
	NewTotalEarned int64     `json:"new_total_earned"`
}
