/**
 * @description
 * This file contains HTTP handlers for redemption token endpoints: creating
 * tokens, resolving scanned QR payloads, redeeming, and cancelling.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: For route parameters.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/recibo/ledger-service/internal/app"
	"github.com/recibo/ledger-service/internal/domain"
	"github.com/recibo/ledger-service/internal/store"
)

// CreateTokenHandler handles requests to mint a new redemption token.
func (h *LedgerHandlers) CreateTokenHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.authedAccountID(w, r)
	if !ok {
		return
	}

	var req domain.CreateTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	token, err := h.service.CreateToken(r.Context(), ownerID, req.Value, domain.UsePolicy(req.UsePolicy))
	if err != nil {
		log.Printf("level=warn component=api endpoint=create_token outcome=failed owner_id=%s err=%v", ownerID, err)
		if errors.Is(err, store.ErrInvalidValue) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if errors.Is(err, store.ErrAccountNotFound) {
			h.writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "Failed to create token")
		return
	}

	response := domain.CreateTokenResponse{
		TokenID:   token.ID.String(),
		QRContent: token.QRContent,
		Value:     token.Value,
		UsePolicy: string(token.UsePolicy),
	}
	h.writeJSON(w, http.StatusCreated, response)
}

// ListTokensHandler handles requests to list the caller's own tokens.
func (h *LedgerHandlers) ListTokensHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.authedAccountID(w, r)
	if !ok {
		return
	}

	tokens, err := h.service.ListTokensByOwner(r.Context(), ownerID)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_tokens outcome=failed owner_id=%s err=%v", ownerID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, tokens)
}

// LookupTokenHandler resolves a scanned QR payload to its token so that the
// scanner can show the value and owner before confirming the redemption.
func (h *LedgerHandlers) LookupTokenHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authedAccountID(w, r); !ok {
		return
	}

	content := strings.TrimSpace(r.URL.Query().Get("content"))
	if content == "" {
		h.writeError(w, http.StatusBadRequest, "Query parameter 'content' is required")
		return
	}

	token, err := h.service.LookupTokenByContent(r.Context(), content)
	if err != nil {
		if errors.Is(err, store.ErrTokenNotFound) {
			h.writeError(w, http.StatusNotFound, "Token not found")
			return
		}
		log.Printf("level=error component=api endpoint=lookup_token outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, token)
}

// RedeemTokenHandler handles requests to redeem a token for the caller.
func (h *LedgerHandlers) RedeemTokenHandler(w http.ResponseWriter, r *http.Request) {
	redeemerID, ok := h.authedAccountID(w, r)
	if !ok {
		return
	}

	tokenIDStr := chi.URLParam(r, "token_id")
	tokenID, err := uuid.Parse(tokenIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid token ID format")
		return
	}

	result, err := h.service.RedeemToken(r.Context(), tokenID, redeemerID)
	if err != nil {
		log.Printf("level=warn component=api endpoint=redeem_token outcome=failed redeemer_id=%s token_id=%s err=%v", redeemerID, tokenID, err)
		switch {
		case errors.Is(err, app.ErrRateLimited):
			w.Header().Set("Retry-After", "60")
			h.writeError(w, http.StatusTooManyRequests, "Too many redemption attempts. Please slow down.")
		case errors.Is(err, store.ErrTokenNotFound):
			h.writeError(w, http.StatusNotFound, "Token not found")
		case errors.Is(err, store.ErrSelfRedemption):
			h.writeError(w, http.StatusBadRequest, "You cannot redeem your own token")
		case errors.Is(err, store.ErrAlreadyRedeemed):
			h.writeError(w, http.StatusConflict, "Token has already been redeemed")
		case errors.Is(err, store.ErrTokenInactive):
			h.writeError(w, http.StatusConflict, "Token is no longer active")
		case errors.Is(err, store.ErrInsufficientBalance):
			h.writeError(w, http.StatusConflict, "Token owner has insufficient balance")
		case errors.Is(err, store.ErrAccountNotFound):
			h.writeError(w, http.StatusNotFound, "Account not found")
		case errors.Is(err, store.ErrConcurrencyConflict):
			h.writeError(w, http.StatusConflict, "Redemption contention. Please try again.")
		default:
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// CancelTokenHandler handles requests to deactivate an unredeemed token.
func (h *LedgerHandlers) CancelTokenHandler(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := h.authedAccountID(w, r)
	if !ok {
		return
	}

	tokenIDStr := chi.URLParam(r, "token_id")
	tokenID, err := uuid.Parse(tokenIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid token ID format")
		return
	}

	if err := h.service.CancelToken(r.Context(), tokenID, requesterID); err != nil {
		log.Printf("level=warn component=api endpoint=cancel_token outcome=failed requester_id=%s token_id=%s err=%v", requesterID, tokenID, err)
		switch {
		case errors.Is(err, store.ErrTokenNotFound):
			h.writeError(w, http.StatusNotFound, "Token not found")
		case errors.Is(err, store.ErrForbidden):
			h.writeError(w, http.StatusForbidden, "Only the token owner can cancel it")
		case errors.Is(err, store.ErrAlreadyRedeemed):
			h.writeError(w, http.StatusConflict, "Token has already been redeemed")
		case errors.Is(err, store.ErrTokenInactive):
			h.writeError(w, http.StatusConflict, "Token is already inactive")
		default:
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"message": "Token cancelled"})
}
