package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/shopspring/decimal"

	"github.com/stakeduel/backend/internal/relay"
)

// Wallet job names carried on the wallet_operations queue.
const (
	JobLockFunds    = "LOCK_FUNDS"
	JobReleaseFunds = "RELEASE_FUNDS"
	JobRevertGame   = "REVERT_GAME"
	JobDeposit      = "DEPOSIT"
	JobWithdraw     = "WITHDRAW"
)

// Wallet event names published on the wallet:events channel.
const (
	EventFundsLocked   = "FUNDS_LOCKED"
	EventFundsLockFail = "FUNDS_LOCK_FAILED"
	EventFundsReleased = "FUNDS_RELEASED"
	EventGameReverted  = "GAME_REVERTED"
)

// WalletOpPayload is the job payload for every wallet operation. GameID is
// set for match-scoped jobs; ShouldSkipWallet marks practice matches whose
// escrow is a no-op but whose confirmation events must still fire.
type WalletOpPayload struct {
	UserID           string          `json:"userId"`
	Amount           decimal.Decimal `json:"amount"`
	GameID           string          `json:"gameId,omitempty"`
	ShouldSkipWallet bool            `json:"shouldSkipWallet,omitempty"`
	Source           string          `json:"source,omitempty"`
}

// FundsLockedEvent confirms a single player's wager is in escrow.
type FundsLockedEvent struct {
	MatchID string `json:"matchId"`
	UserID  string `json:"userId"`
}

// RegisterWalletHandlers binds the wallet service to a relay worker that
// consumes the wallet_operations queue.
func RegisterWalletHandlers(w *relay.Worker, r *relay.Relay, ws *WalletService) {
	h := &walletWorker{relay: r, wallet: ws}
	w.Handle(JobLockFunds, h.handleLockFunds)
	w.Handle(JobReleaseFunds, h.handleReleaseFunds)
	w.Handle(JobRevertGame, h.handleRevertGame)
	w.Handle(JobDeposit, h.handleDeposit)
	w.Handle(JobWithdraw, h.handleWithdraw)
}

type walletWorker struct {
	relay  *relay.Relay
	wallet *WalletService
}

// terminal reports whether an error is a domain failure that a retry can
// never fix.
func terminal(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrWalletNotFound) ||
		errors.Is(err, ErrInvalidAmount)
}

func (h *walletWorker) handleLockFunds(ctx context.Context, job relay.Job) error {
	var p WalletOpPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode %s payload: %w", job.Name, err)
	}

	if !p.ShouldSkipWallet {
		if err := h.wallet.LockFunds(p.UserID, p.Amount, p.GameID, p.Source); err != nil {
			if terminal(err) {
				log.Printf("[WALLET] Lock rejected for user %s in game %s: %v", p.UserID, p.GameID, err)
				h.publish(ctx, EventFundsLockFail, FundsLockedEvent{MatchID: p.GameID, UserID: p.UserID})
				return nil
			}
			return err
		}
	}

	h.publish(ctx, EventFundsLocked, FundsLockedEvent{MatchID: p.GameID, UserID: p.UserID})
	return nil
}

func (h *walletWorker) handleReleaseFunds(ctx context.Context, job relay.Job) error {
	var p WalletOpPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode %s payload: %w", job.Name, err)
	}

	if !p.ShouldSkipWallet {
		if err := h.wallet.ReleaseFunds(p.UserID, p.Amount, p.GameID, p.Source); err != nil {
			if terminal(err) {
				log.Printf("[WALLET] Release rejected for user %s in game %s: %v", p.UserID, p.GameID, err)
				return nil
			}
			return err
		}
	}

	h.publish(ctx, EventFundsReleased, FundsLockedEvent{MatchID: p.GameID, UserID: p.UserID})
	return nil
}

func (h *walletWorker) handleRevertGame(ctx context.Context, job relay.Job) error {
	var p WalletOpPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode %s payload: %w", job.Name, err)
	}

	if !p.ShouldSkipWallet {
		if _, err := h.wallet.RevertGame(p.GameID); err != nil {
			return err
		}
	}

	h.publish(ctx, EventGameReverted, FundsLockedEvent{MatchID: p.GameID})
	return nil
}

func (h *walletWorker) handleDeposit(ctx context.Context, job relay.Job) error {
	var p WalletOpPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode %s payload: %w", job.Name, err)
	}

	if _, err := h.wallet.Deposit(p.UserID, p.Amount, p.Source); err != nil {
		if terminal(err) {
			log.Printf("[WALLET] Deposit rejected for user %s: %v", p.UserID, err)
			return nil
		}
		return err
	}
	return nil
}

func (h *walletWorker) handleWithdraw(ctx context.Context, job relay.Job) error {
	var p WalletOpPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode %s payload: %w", job.Name, err)
	}

	if _, err := h.wallet.Withdraw(p.UserID, p.Amount, p.Source); err != nil {
		if terminal(err) {
			log.Printf("[WALLET] Withdrawal rejected for user %s: %v", p.UserID, err)
			return nil
		}
		return err
	}
	return nil
}

func (h *walletWorker) publish(ctx context.Context, event string, data any) {
	if err := h.relay.Publish(ctx, relay.ChannelWalletEvents, event, data); err != nil {
		log.Printf("[WALLET] Failed to publish %s event: %v", event, err)
	}
}
