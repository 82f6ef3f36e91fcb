package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/recibo/ledger-service/internal/domain"
)

// LedgerEventConsumer bridges broker deliveries to the achievement tracker.
// It is the asynchronous counterpart of the in-process tracker call: both
// paths are idempotent, so double delivery is harmless.
type LedgerEventConsumer struct {
	tracker *AchievementTracker
}

func NewLedgerEventConsumer(tracker *AchievementTracker) *LedgerEventConsumer {
	return &LedgerEventConsumer{tracker: tracker}
}

// HandleMessage processes one delivery. It returns true to acknowledge;
// malformed payloads are acknowledged so they are not redelivered forever,
// while processing failures are requeued.
func (c *LedgerEventConsumer) HandleMessage(body []byte) bool {
	var event domain.LedgerEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=ledger_consumer msg=\"unmarshal failed; dropping\" err=%v", err)
		return true
	}
	if event.ID == uuid.Nil {
		log.Printf("level=warn component=ledger_consumer msg=\"event without id; dropping\"")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.tracker.ApplyLedgerEvent(ctx, &event); err != nil {
		log.Printf("level=warn component=ledger_consumer msg=\"apply failed; requeueing\" event_id=%s kind=%s err=%v", event.ID, event.Kind, err)
		return false
	}
	return true
}
