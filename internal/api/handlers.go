/**
 * @description
 * This file contains the HTTP handlers for the ledger-service's account
 * endpoints. Handlers are responsible for parsing incoming requests, calling
 * the appropriate methods on the application service, and writing the HTTP
 * response. They act as the bridge between the web layer and the business
 * logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/store: For service logic and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/recibo/ledger-service/internal/app"
	"github.com/recibo/ledger-service/internal/store"
)

// LedgerHandlers holds the application service that handlers will use.
type LedgerHandlers struct {
	service *app.Service
}

// NewLedgerHandlers creates a new instance of LedgerHandlers.
func NewLedgerHandlers(service *app.Service) *LedgerHandlers {
	return &LedgerHandlers{service: service}
}

// authedAccountID extracts the caller's account ID from the request context
// and parses it as a UUID. It writes the error response itself and returns
// false when the ID is missing or malformed.
func (h *LedgerHandlers) authedAccountID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	idStr, ok := GetAccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get account ID from context")
		return uuid.Nil, false
	}
	accountID, err := uuid.Parse(idStr)
	if err != nil {
		log.Printf("level=warn component=api outcome=reject reason=invalid_account_id account_id=%s", idStr)
		h.writeError(w, http.StatusBadRequest, "Invalid account ID format")
		return uuid.Nil, false
	}
	return accountID, true
}

// CreateAccountHandler handles internal requests to provision a ledger
// account. It is called by the identity service when a user signs up.
func (h *LedgerHandlers) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string `json:"account_id"`
		Name      string `json:"name"`
		Email     string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=create_account outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	accountID, err := uuid.Parse(strings.TrimSpace(req.AccountID))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid account ID format")
		return
	}

	account, err := h.service.CreateAccount(r.Context(), accountID, req.Name, req.Email)
	if err != nil {
		if errors.Is(err, store.ErrAccountExists) {
			h.writeError(w, http.StatusConflict, "Account already exists")
			return
		}
		log.Printf("level=error component=api endpoint=create_account outcome=failed account_id=%s err=%v", accountID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusCreated, account)
}

// GetAccountHandler handles requests for the caller's own account.
func (h *LedgerHandlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.authedAccountID(w, r)
	if !ok {
		return
	}

	account, err := h.service.GetAccount(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			h.writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_account outcome=failed account_id=%s err=%v", accountID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, account)
}

// ListLedgerEventsHandler handles requests for the caller's ledger history.
func (h *LedgerHandlers) ListLedgerEventsHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.authedAccountID(w, r)
	if !ok {
		return
	}

	limit, err := parseOptionalInt(r.URL.Query().Get("limit"), 50)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	offset, err := parseOptionalInt(r.URL.Query().Get("offset"), 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid offset")
		return
	}

	events, err := h.service.ListLedgerEvents(r.Context(), accountID, limit, offset)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_events outcome=failed account_id=%s err=%v", accountID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, events)
}

// AuditAccountHandler replays the caller's ledger history and reports any
// drift between the derived and stored balances.
func (h *LedgerHandlers) AuditAccountHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.authedAccountID(w, r)
	if !ok {
		return
	}

	report, err := h.service.AuditAccount(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			h.writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		log.Printf("level=error component=api endpoint=audit_account outcome=failed account_id=%s err=%v", accountID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, report)
}

func parseOptionalInt(raw string, fallback int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(trimmed)
	if err != nil || value < 0 {
		return 0, errors.New("invalid integer")
	}
	return value, nil
}

// writeJSON is a helper for writing JSON responses.
func (h *LedgerHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *LedgerHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
