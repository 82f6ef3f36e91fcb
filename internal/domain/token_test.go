package domain

import (
	"testing"

	"github.com/google/uuid"
)

func TestQRContentRoundTrip(t *testing.T) {
	tokenID := uuid.New()
	content := QRContentForToken(tokenID)

	parsed, err := TokenIDFromQRContent(content)
	if err != nil {
		t.Fatalf("TokenIDFromQRContent returned error: %v", err)
	}
	if parsed != tokenID {
		t.Fatalf("expected %s, got %s", tokenID, parsed)
	}
}

func TestTokenIDFromQRContent_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "missing prefix", content: uuid.NewString()},
		{name: "wrong prefix", content: "COUPON:" + uuid.NewString()},
		{name: "not a uuid", content: "TOKEN:not-a-uuid"},
		{name: "empty", content: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := TokenIDFromQRContent(tt.content); err == nil {
				t.Fatalf("expected error for %q", tt.content)
			}
		})
	}
}

func TestLedgerEventDeltas(t *testing.T) {
	from := uuid.New()
	to := uuid.New()
	other := uuid.New()

	transfer := LedgerEvent{Kind: EventTransfer, FromAccountID: &from, ToAccountID: &to, Amount: 40}
	if got := transfer.BalanceDelta(from); got != -40 {
		t.Fatalf("expected sender delta -40, got %d", got)
	}
	if got := transfer.BalanceDelta(to); got != 40 {
		t.Fatalf("expected receiver delta 40, got %d", got)
	}
	if got := transfer.BalanceDelta(other); got != 0 {
		t.Fatalf("expected bystander delta 0, got %d", got)
	}

	// Debits never reduce the lifetime earned counter.
	if got := transfer.EarnedDelta(from); got != 0 {
		t.Fatalf("expected sender earned delta 0, got %d", got)
	}
	if got := transfer.EarnedDelta(to); got != 40 {
		t.Fatalf("expected receiver earned delta 40, got %d", got)
	}

	spend := LedgerEvent{Kind: EventSpend, FromAccountID: &from, Amount: 15}
	if got := spend.BalanceDelta(from); got != -15 {
		t.Fatalf("expected spend delta -15, got %d", got)
	}
	if got := spend.EarnedDelta(from); got != 0 {
		t.Fatalf("expected spend earned delta 0, got %d", got)
	}
}
