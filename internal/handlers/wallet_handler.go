package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/stakeduel/backend/internal/relay"
	"github.com/stakeduel/backend/internal/services"
)

type WalletHandler struct {
	wallet    *services.WalletService
	relay     *relay.Relay
	validator *services.ValidationHelper
}

func NewWalletHandler(wallet *services.WalletService, r *relay.Relay) *WalletHandler {
	return &WalletHandler{
		wallet:    wallet,
		relay:     r,
		validator: services.NewValidationHelper(),
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	return true
}

func authedUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return "", false
	}
	return userID, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// CreateWallet provisions the caller's wallet
// @Summary Create wallet
// @Description Create a wallet for the authenticated user, crediting the signup bonus
// @Tags Wallet
// @Produce json
// @Security BearerAuth
// @Success 201 {object} models.Wallet
// @Failure 401 {object} services.ErrorResponse
// @Router /wallet [post]
func (h *WalletHandler) CreateWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := authedUser(w, r)
	if !ok {
		return
	}

	wallet, err := h.wallet.CreateWallet(userID)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "wallet": wallet})
}

// GetBalance returns the caller's balance
// @Summary Get balance
// @Tags Wallet
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{balance=string,currency=string}
// @Failure 404 {object} services.ErrorResponse
// @Router /wallet/balance [get]
func (h *WalletHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := authedUser(w, r)
	if !ok {
		return
	}

	balance, currency, err := h.wallet.GetBalance(userID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, services.ErrWalletNotFound) {
			status = http.StatusNotFound
		}
		services.SendErrorResponse(w, err.Error(), status, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"balance":  balance,
		"currency": currency,
	})
}

// Deposit queues a ledger credit
// @Summary Deposit funds
// @Description Queue an asynchronous deposit into the caller's wallet
// @Tags Wallet
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{amount=string,source=string} true "Deposit request"
// @Success 202 {object} object{queued=bool}
// @Failure 400 {object} services.ErrorResponse
// @Router /wallet/deposit [post]
func (h *WalletHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.queueAdjustment(w, r, services.JobDeposit)
}

// Withdraw queues a ledger debit
// @Summary Withdraw funds
// @Description Queue an asynchronous withdrawal from the caller's wallet
// @Tags Wallet
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{amount=string,source=string} true "Withdrawal request"
// @Success 202 {object} object{queued=bool}
// @Failure 400 {object} services.ErrorResponse
// @Router /wallet/withdraw [post]
func (h *WalletHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.queueAdjustment(w, r, services.JobWithdraw)
}

func (h *WalletHandler) queueAdjustment(w http.ResponseWriter, r *http.Request, jobName string) {
	userID, ok := authedUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Amount decimal.Decimal `json:"amount" validate:"required"`
		Source string          `json:"source"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}
	if !req.Amount.IsPositive() {
		services.SendErrorResponse(w, services.ErrInvalidAmount.Error(), http.StatusBadRequest, nil)
		return
	}

	payload := services.WalletOpPayload{UserID: userID, Amount: req.Amount, Source: req.Source}
	if err := h.relay.Enqueue(r.Context(), relay.QueueWalletOperations, jobName, payload); err != nil {
		services.SendErrorResponse(w, "Failed to queue operation", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "queued": true})
}

// GetTransactions lists the caller's ledger history
// @Summary List transactions
// @Tags Wallet
// @Produce json
// @Security BearerAuth
// @Success 200 {array} models.Transaction
// @Failure 404 {object} services.ErrorResponse
// @Router /wallet/transactions [get]
func (h *WalletHandler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := authedUser(w, r)
	if !ok {
		return
	}

	txs, err := h.wallet.GetTransactions(userID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, services.ErrWalletNotFound) {
			status = http.StatusNotFound
		}
		services.SendErrorResponse(w, err.Error(), status, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "transactions": txs})
}

// GetEscrows lists the caller's escrow holds
// @Summary List escrow holds
// @Tags Wallet
// @Produce json
// @Security BearerAuth
// @Success 200 {array} models.EscrowHold
// @Failure 404 {object} services.ErrorResponse
// @Router /wallet/escrows [get]
func (h *WalletHandler) GetEscrows(w http.ResponseWriter, r *http.Request) {
	userID, ok := authedUser(w, r)
	if !ok {
		return
	}

	holds, err := h.wallet.GetEscrows(userID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, services.ErrWalletNotFound) {
			status = http.StatusNotFound
		}
		services.SendErrorResponse(w, err.Error(), status, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "escrows": holds})
}

// GetTransaction returns one ledger entry by id
// @Summary Get transaction
// @Tags Wallet
// @Produce json
// @Security BearerAuth
// @Param txId path string true "Transaction ID"
// @Success 200 {object} models.Transaction
// @Failure 404 {object} services.ErrorResponse
// @Router /wallet/transactions/{txId} [get]
func (h *WalletHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	if _, ok := authedUser(w, r); !ok {
		return
	}

	tx, err := h.wallet.GetTransactionByID(chi.URLParam(r, "txId"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, services.ErrTransactionNotFound) {
			status = http.StatusNotFound
		}
		services.SendErrorResponse(w, err.Error(), status, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "transaction": tx})
}

// GetEscrow returns one escrow hold by id
// @Summary Get escrow hold
// @Tags Wallet
// @Produce json
// @Security BearerAuth
// @Param escrowId path string true "Escrow hold ID"
// @Success 200 {object} models.EscrowHold
// @Failure 404 {object} services.ErrorResponse
// @Router /wallet/escrows/{escrowId} [get]
func (h *WalletHandler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	if _, ok := authedUser(w, r); !ok {
		return
	}

	hold, err := h.wallet.GetEscrowByID(chi.URLParam(r, "escrowId"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, services.ErrEscrowNotFound) {
			status = http.StatusNotFound
		}
		services.SendErrorResponse(w, err.Error(), status, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "escrow": hold})
}

// RevertGame triggers an admin reversal of a match's monetary effects
// @Summary Revert a game
// @Description Queue a compensating reversal for every live transaction of a game
// @Tags Wallet
// @Produce json
// @Security BearerAuth
// @Param gameId path string true "Game ID"
// @Success 202 {object} object{queued=bool}
// @Router /wallet/revert/{gameId} [post]
func (h *WalletHandler) RevertGame(w http.ResponseWriter, r *http.Request) {
	if _, ok := authedUser(w, r); !ok {
		return
	}

	gameID := chi.URLParam(r, "gameId")
	if gameID == "" {
		services.SendErrorResponse(w, "gameId is required", http.StatusBadRequest, nil)
		return
	}

	payload := services.WalletOpPayload{GameID: gameID, Source: "admin"}
	if err := h.relay.Enqueue(r.Context(), relay.QueueWalletOperations, services.JobRevertGame, payload); err != nil {
		services.SendErrorResponse(w, "Failed to queue reversal", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "queued": true})
}
