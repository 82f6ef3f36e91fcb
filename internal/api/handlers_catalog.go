/**
 * @description
 * This file contains HTTP handlers for the point store and achievement
 * endpoints: browsing items, purchasing with points, and viewing and
 * claiming achievements.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: For route parameters.
 * - internal/store: For custom errors.
 */

package api

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/recibo/ledger-service/internal/store"
)

// ListStoreItemsHandler handles requests to browse the point store catalog.
func (h *LedgerHandlers) ListStoreItemsHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authedAccountID(w, r); !ok {
		return
	}

	items, err := h.service.ListStoreItems(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=list_store_items outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, items)
}

// PurchaseItemHandler handles requests to buy a store item with points.
func (h *LedgerHandlers) PurchaseItemHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.authedAccountID(w, r)
	if !ok {
		return
	}

	itemID := strings.TrimSpace(chi.URLParam(r, "item_id"))
	if itemID == "" {
		h.writeError(w, http.StatusBadRequest, "Item ID is required")
		return
	}

	result, err := h.service.Purchase(r.Context(), accountID, itemID)
	if err != nil {
		log.Printf("level=warn component=api endpoint=purchase_item outcome=failed account_id=%s item_id=%s err=%v", accountID, itemID, err)
		switch {
		case errors.Is(err, store.ErrItemNotFound):
			h.writeError(w, http.StatusNotFound, "Item not found")
		case errors.Is(err, store.ErrItemUnavailable):
			h.writeError(w, http.StatusConflict, "Item is not available for purchase")
		case errors.Is(err, store.ErrAlreadyOwned):
			h.writeError(w, http.StatusConflict, "Item already owned")
		case errors.Is(err, store.ErrOutOfStock):
			h.writeError(w, http.StatusConflict, "Item is out of stock")
		case errors.Is(err, store.ErrInsufficientBalance):
			h.writeError(w, http.StatusPaymentRequired, "Insufficient points balance")
		case errors.Is(err, store.ErrAccountNotFound):
			h.writeError(w, http.StatusNotFound, "Account not found")
		case errors.Is(err, store.ErrConcurrencyConflict):
			h.writeError(w, http.StatusConflict, "Purchase contention. Please try again.")
		default:
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// ListAchievementsHandler handles requests for the achievement catalog.
func (h *LedgerHandlers) ListAchievementsHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authedAccountID(w, r); !ok {
		return
	}

	achievements, err := h.service.ListAchievements(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=list_achievements outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, achievements)
}

// GetProgressHandler handles requests for the caller's achievement progress.
func (h *LedgerHandlers) GetProgressHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.authedAccountID(w, r)
	if !ok {
		return
	}

	progress, err := h.service.GetProgress(r.Context(), accountID)
	if err != nil {
		log.Printf("level=error component=api endpoint=get_progress outcome=failed account_id=%s err=%v", accountID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, progress)
}

// ClaimAchievementHandler handles requests to claim a completed achievement's
// point reward.
func (h *LedgerHandlers) ClaimAchievementHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.authedAccountID(w, r)
	if !ok {
		return
	}

	achievementID := strings.TrimSpace(chi.URLParam(r, "achievement_id"))
	if achievementID == "" {
		h.writeError(w, http.StatusBadRequest, "Achievement ID is required")
		return
	}

	result, err := h.service.ClaimAchievement(r.Context(), accountID, achievementID)
	if err != nil {
		log.Printf("level=warn component=api endpoint=claim_achievement outcome=failed account_id=%s achievement_id=%s err=%v", accountID, achievementID, err)
		switch {
		case errors.Is(err, store.ErrAchievementNotFound):
			h.writeError(w, http.StatusNotFound, "Achievement not found")
		case errors.Is(err, store.ErrNotCompleted):
			h.writeError(w, http.StatusConflict, "Achievement is not completed yet")
		case errors.Is(err, store.ErrAlreadyClaimed):
			h.writeError(w, http.StatusConflict, "Achievement reward already claimed")
		case errors.Is(err, store.ErrAccountNotFound):
			h.writeError(w, http.StatusNotFound, "Account not found")
		default:
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}
