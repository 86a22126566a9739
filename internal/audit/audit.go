package audit

import (
	"encoding/json"
	"log"
	"time"

	"github.com/shopspring/decimal"
)

// Event is one structured audit record for a monetary effect.
type Event struct {
	Timestamp time.Time       `json:"timestamp"`
	EventType string          `json:"event_type"`
	WalletID  string          `json:"wallet_id"`
	GameID    string          `json:"game_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
	Details   any             `json:"details,omitempty"`
}

// Logger emits one AUDIT log line per ledger effect. The audit trail is
// append-only and separate from the transaction table so it survives
// rollbacks of the business transaction that produced it.
type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogLedgerOp(eventType, walletID, gameID string, amount decimal.Decimal, status string) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: eventType,
		WalletID:  walletID,
		GameID:    gameID,
		Amount:    amount,
		Status:    status,
	})
}

func (a *Logger) LogError(eventType, walletID, gameID string, err error) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: eventType,
		WalletID:  walletID,
		GameID:    gameID,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	})
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
