package services

import "errors"

// Domain errors surfaced to callers. These are terminal: handlers map them
// to responses and the relay does not retry jobs that fail with them.
var (
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrWalletExists        = errors.New("wallet already exists")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrEscrowNotFound      = errors.New("escrow hold not found")
)
