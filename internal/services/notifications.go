package services

import (
	"log"

	"github.com/shopspring/decimal"
)

// Transaction notification types.
const (
	NotifyDeposit  = "DEPOSIT"
	NotifyWithdraw = "WITHDRAW"
	NotifyLocked   = "LOCKED"
	NotifyReleased = "RELEASED"
	NotifyRefunded = "REFUNDED"
)

// TransactionNotification describes a wallet event delivered to a user.
type TransactionNotification struct {
	UserID      string
	Type        string
	Amount      decimal.Decimal
	Currency    string
	ReferenceID string
}

// Notifier dispatches user-facing notifications. Delivery is best effort:
// implementations may fail, and callers log and swallow those failures
// rather than letting them block ledger or match flow.
type Notifier interface {
	SendTransactionNotification(n TransactionNotification) error
}

// LogNotifier writes notifications to the process log. It stands in for the
// external multi-channel notification service.
type LogNotifier struct{}

func (LogNotifier) SendTransactionNotification(n TransactionNotification) error {
	log.Printf("[NOTIFY] %s %s %s for user %s (ref %s)",
		n.Type, n.Amount.String(), n.Currency, n.UserID, n.ReferenceID)
	return nil
}
