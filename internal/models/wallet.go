package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction kinds recorded in the ledger.
const (
	TxDeposit  = "DEPOSIT"
	TxWithdraw = "WITHDRAW"
	TxWager    = "WAGER"
	TxPayout   = "PAYOUT"
	TxRefund   = "REFUND"
)

// Transaction statuses. COMPLETED rows are live; REVERSED rows have been
// compensated by a REFUND and must never be reprocessed.
const (
	TxStatusCompleted = "COMPLETED"
	TxStatusReversed  = "REVERSED"
)

// Escrow hold statuses. Every HELD hold for a game must end up RELEASED
// or REFUNDED exactly once.
const (
	EscrowHeld     = "HELD"
	EscrowReleased = "RELEASED"
	EscrowRefunded = "REFUNDED"
)

// Wallet is the single monetary account per user.
type Wallet struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	Currency  string          `json:"currency" db:"currency"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Transaction is an immutable ledger row. ReferenceID carries the match id
// for WAGER/PAYOUT/REFUND rows and a deposit/withdraw reference otherwise.
type Transaction struct {
	ID          string          `json:"id" db:"id"`
	WalletID    string          `json:"wallet_id" db:"wallet_id"`
	ReferenceID string          `json:"reference_id" db:"reference_id"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Type        string          `json:"type" db:"type"`
	Status      string          `json:"status" db:"status"`
	Source      string          `json:"source" db:"source"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// EscrowHold reserves wagered funds for a specific game.
type EscrowHold struct {
	ID        string          `json:"id" db:"id"`
	WalletID  string          `json:"wallet_id" db:"wallet_id"`
	GameID    string          `json:"game_id" db:"game_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Status    string          `json:"status" db:"status"`
	Source    string          `json:"source" db:"source"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}
