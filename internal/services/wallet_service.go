package services

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/stakeduel/backend/internal/audit"
	"github.com/stakeduel/backend/internal/models"
)

// WalletService is the only writer of monetary truth: account balances, the
// append-only transaction log and escrow holds. Each operation runs as one
// database transaction holding FOR UPDATE locks on the wallet rows it
// touches; cross-wallet consistency across a whole match settlement is not
// atomic and is repaired by the stale-hold sweep when needed.
type WalletService struct {
	db          *sql.DB
	audit       *audit.Logger
	notifier    Notifier
	signupBonus decimal.Decimal
	currency    string
}

func NewWalletService(db *sql.DB, notifier Notifier) *WalletService {
	viper.SetDefault("wallet.signup_bonus", "1000")
	viper.SetDefault("wallet.currency", "USD")

	bonus, err := decimal.NewFromString(viper.GetString("wallet.signup_bonus"))
	if err != nil {
		log.Printf("[WALLET] Invalid signup bonus config, defaulting to 0: %v", err)
		bonus = decimal.Zero
	}

	return &WalletService{
		db:          db,
		audit:       audit.NewLogger(),
		notifier:    notifier,
		signupBonus: bonus,
		currency:    viper.GetString("wallet.currency"),
	}
}

// CreateWallet provisions a wallet for a new user, crediting the configured
// signup bonus. Creating an existing wallet returns the existing record.
func (ws *WalletService) CreateWallet(userID string) (*models.Wallet, error) {
	existing, err := ws.GetWallet(userID)
	if err == nil {
		log.Printf("[WALLET] Wallet already exists for user %s", userID)
		return existing, nil
	}
	if err != ErrWalletNotFound {
		return nil, err
	}

	wallet := &models.Wallet{
		ID:       uuid.NewString(),
		UserID:   userID,
		Balance:  ws.signupBonus,
		Currency: ws.currency,
	}

	_, err = ws.db.Exec(`
        INSERT INTO wallets (id, user_id, balance, currency, created_at, updated_at)
        VALUES ($1, $2, $3, $4, NOW(), NOW())
    `, wallet.ID, wallet.UserID, wallet.Balance, wallet.Currency)
	if err != nil {
		return nil, fmt.Errorf("create wallet: %w", err)
	}

	log.Printf("[WALLET] Wallet created for user %s with balance %s", userID, wallet.Balance)
	return wallet, nil
}

// GetWallet fetches the wallet for a user.
func (ws *WalletService) GetWallet(userID string) (*models.Wallet, error) {
	var w models.Wallet
	err := ws.db.QueryRow(`
        SELECT id, user_id, balance, currency, created_at, updated_at
        FROM wallets WHERE user_id = $1
    `, userID).Scan(&w.ID, &w.UserID, &w.Balance, &w.Currency, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return &w, nil
}

// GetBalance returns the current balance and currency for a user.
func (ws *WalletService) GetBalance(userID string) (decimal.Decimal, string, error) {
	wallet, err := ws.GetWallet(userID)
	if err != nil {
		return decimal.Zero, "", err
	}
	return wallet.Balance, wallet.Currency, nil
}

// Deposit credits a wallet and appends a DEPOSIT transaction.
func (ws *WalletService) Deposit(userID string, amount decimal.Decimal, source string) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}

	referenceID := "dep_" + uuid.NewString()
	var newBalance decimal.Decimal

	err := ws.withTx(func(tx *sql.Tx) error {
		wallet, err := ws.lockWallet(tx, userID)
		if err != nil {
			return err
		}

		newBalance = wallet.Balance.Add(amount)
		if err := ws.updateBalance(tx, wallet.ID, newBalance); err != nil {
			return err
		}

		if _, err := ws.insertTransaction(tx, wallet.ID, referenceID, amount, models.TxDeposit, source); err != nil {
			return err
		}

		ws.audit.LogLedgerOp(models.TxDeposit, wallet.ID, "", amount, "SUCCESS")
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}

	log.Printf("[WALLET] Deposit of %s for user %s completed (ref %s)", amount, userID, referenceID)
	go ws.notify(TransactionNotification{
		UserID: userID, Type: NotifyDeposit, Amount: amount,
		Currency: ws.currency, ReferenceID: referenceID,
	})

	return newBalance, nil
}

// Withdraw debits a wallet and appends a WITHDRAW transaction. Fails with
// ErrInsufficientFunds without side effects if the balance does not cover
// the amount.
func (ws *WalletService) Withdraw(userID string, amount decimal.Decimal, source string) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}

	referenceID := "wd_" + uuid.NewString()
	var newBalance decimal.Decimal

	err := ws.withTx(func(tx *sql.Tx) error {
		wallet, err := ws.lockWallet(tx, userID)
		if err != nil {
			return err
		}

		if wallet.Balance.LessThan(amount) {
			log.Printf("[WALLET] Insufficient funds for withdrawal. User: %s, Balance: %s, Req: %s",
				userID, wallet.Balance, amount)
			return ErrInsufficientFunds
		}

		newBalance = wallet.Balance.Sub(amount)
		if err := ws.updateBalance(tx, wallet.ID, newBalance); err != nil {
			return err
		}

		if _, err := ws.insertTransaction(tx, wallet.ID, referenceID, amount, models.TxWithdraw, source); err != nil {
			return err
		}

		ws.audit.LogLedgerOp(models.TxWithdraw, wallet.ID, "", amount, "SUCCESS")
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}

	log.Printf("[WALLET] Withdrawal of %s for user %s completed (ref %s)", amount, userID, referenceID)
	go ws.notify(TransactionNotification{
		UserID: userID, Type: NotifyWithdraw, Amount: amount,
		Currency: ws.currency, ReferenceID: referenceID,
	})

	return newBalance, nil
}

// LockFunds debits the wager into escrow for a game. Balance check, debit,
// WAGER transaction and HELD escrow hold commit together or not at all.
func (ws *WalletService) LockFunds(userID string, amount decimal.Decimal, gameID, source string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	err := ws.withTx(func(tx *sql.Tx) error {
		wallet, err := ws.lockWallet(tx, userID)
		if err != nil {
			return err
		}

		if wallet.Balance.LessThan(amount) {
			log.Printf("[WALLET] Insufficient funds for locking. User: %s, Balance: %s, Req: %s",
				userID, wallet.Balance, amount)
			return ErrInsufficientFunds
		}

		if err := ws.updateBalance(tx, wallet.ID, wallet.Balance.Sub(amount)); err != nil {
			return err
		}

		if _, err := ws.insertTransaction(tx, wallet.ID, gameID, amount, models.TxWager, source); err != nil {
			return err
		}

		_, err = tx.Exec(`
            INSERT INTO escrow_holds (id, wallet_id, game_id, amount, status, source, created_at, updated_at)
            VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
        `, uuid.NewString(), wallet.ID, gameID, amount, models.EscrowHeld, source)
		if err != nil {
			return fmt.Errorf("create escrow hold: %w", err)
		}

		ws.audit.LogLedgerOp(models.TxWager, wallet.ID, gameID, amount, "SUCCESS")
		return nil
	})
	if err != nil {
		return err
	}

	log.Printf("[WALLET] Funds locked for user %s in game %s", userID, gameID)
	go ws.notify(TransactionNotification{
		UserID: userID, Type: NotifyLocked, Amount: amount,
		Currency: ws.currency, ReferenceID: gameID,
	})

	return nil
}

// ReleaseFunds credits the pot to the winner, appends a PAYOUT transaction
// and marks every hold for the game RELEASED. The release is not scoped to
// the winner's wallet: the pot was aggregated when the wagers were taken.
func (ws *WalletService) ReleaseFunds(winnerUserID string, amount decimal.Decimal, gameID, source string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	err := ws.withTx(func(tx *sql.Tx) error {
		wallet, err := ws.lockWallet(tx, winnerUserID)
		if err != nil {
			return err
		}

		if err := ws.updateBalance(tx, wallet.ID, wallet.Balance.Add(amount)); err != nil {
			return err
		}

		if _, err := ws.insertTransaction(tx, wallet.ID, gameID, amount, models.TxPayout, source); err != nil {
			return err
		}

		_, err = tx.Exec(`
            UPDATE escrow_holds SET status = $1, updated_at = NOW() WHERE game_id = $2
        `, models.EscrowReleased, gameID)
		if err != nil {
			return fmt.Errorf("release escrow holds: %w", err)
		}

		ws.audit.LogLedgerOp(models.TxPayout, wallet.ID, gameID, amount, "SUCCESS")
		return nil
	})
	if err != nil {
		return err
	}

	log.Printf("[WALLET] Funds released to %s for game %s", winnerUserID, gameID)
	go ws.notify(TransactionNotification{
		UserID: winnerUserID, Type: NotifyReleased, Amount: amount,
		Currency: ws.currency, ReferenceID: gameID,
	})

	return nil
}

// revertedEntry is carried out of the revert transaction so notifications
// go out only after commit.
type revertedEntry struct {
	userID string
	amount decimal.Decimal
}

// RevertGame compensates every live WAGER and PAYOUT referencing the game:
// wagers are credited back, payouts debited back, each recorded as a
// REFUND. The source rows are flipped to REVERSED inside the same database
// transaction, so running RevertGame twice for one game is a no-op the
// second time. Holds end up REFUNDED.
func (ws *WalletService) RevertGame(gameID string) (int, error) {
	var reverted []revertedEntry

	err := ws.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`
            SELECT t.id, t.wallet_id, t.amount, t.type, w.user_id
            FROM transactions t
            JOIN wallets w ON w.id = t.wallet_id
            WHERE t.reference_id = $1 AND t.status = $2 AND t.type IN ($3, $4)
            ORDER BY t.created_at
        `, gameID, models.TxStatusCompleted, models.TxWager, models.TxPayout)
		if err != nil {
			return fmt.Errorf("scan game transactions: %w", err)
		}
		defer rows.Close()

		type target struct {
			txID     string
			walletID string
			userID   string
			amount   decimal.Decimal
			txType   string
		}
		var targets []target
		for rows.Next() {
			var t target
			if err := rows.Scan(&t.txID, &t.walletID, &t.amount, &t.txType, &t.userID); err != nil {
				return fmt.Errorf("scan transaction row: %w", err)
			}
			targets = append(targets, t)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate transactions: %w", err)
		}

		if len(targets) == 0 {
			log.Printf("[WALLET] No transactions found for game %s to revert", gameID)
			return nil
		}

		for _, t := range targets {
			var balance decimal.Decimal
			err := tx.QueryRow(`
                SELECT balance FROM wallets WHERE id = $1 FOR UPDATE
            `, t.walletID).Scan(&balance)
			if err != nil {
				return fmt.Errorf("lock wallet %s: %w", t.walletID, err)
			}

			if t.txType == models.TxWager {
				balance = balance.Add(t.amount)
			} else {
				balance = balance.Sub(t.amount)
			}

			if err := ws.updateBalance(tx, t.walletID, balance); err != nil {
				return err
			}

			if _, err := ws.insertTransaction(tx, t.walletID, gameID, t.amount, models.TxRefund, "reversal"); err != nil {
				return err
			}

			_, err = tx.Exec(`
                UPDATE transactions SET status = $1 WHERE id = $2
            `, models.TxStatusReversed, t.txID)
			if err != nil {
				return fmt.Errorf("mark transaction reversed: %w", err)
			}

			ws.audit.LogLedgerOp(models.TxRefund, t.walletID, gameID, t.amount, "SUCCESS")
			reverted = append(reverted, revertedEntry{userID: t.userID, amount: t.amount})
		}

		_, err = tx.Exec(`
            UPDATE escrow_holds SET status = $1, updated_at = NOW() WHERE game_id = $2 AND status = $3
        `, models.EscrowRefunded, gameID, models.EscrowHeld)
		if err != nil {
			return fmt.Errorf("refund escrow holds: %w", err)
		}

		return nil
	})
	if err != nil {
		ws.audit.LogError("REVERT_GAME", "", gameID, err)
		return 0, err
	}

	if len(reverted) > 0 {
		log.Printf("[WALLET] Game %s reverted: %d transactions compensated", gameID, len(reverted))
	}
	for _, r := range reverted {
		go ws.notify(TransactionNotification{
			UserID: r.userID, Type: NotifyRefunded, Amount: r.amount,
			Currency: ws.currency, ReferenceID: gameID,
		})
	}

	return len(reverted), nil
}

// FindStaleGameIDs returns distinct game ids that still have HELD escrow
// older than the cutoff. Used by the maintenance sweep.
func (ws *WalletService) FindStaleGameIDs(olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-olderThan)

	rows, err := ws.db.Query(`
        SELECT DISTINCT game_id FROM escrow_holds
        WHERE status = $1 AND created_at < $2
    `, models.EscrowHeld, cutoff)
	if err != nil {
		return nil, fmt.Errorf("scan stale holds: %w", err)
	}
	defer rows.Close()

	var gameIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan game id: %w", err)
		}
		gameIDs = append(gameIDs, id)
	}
	return gameIDs, rows.Err()
}

// GetTransactions lists a user's ledger rows, newest first.
func (ws *WalletService) GetTransactions(userID string) ([]models.Transaction, error) {
	wallet, err := ws.GetWallet(userID)
	if err != nil {
		return nil, err
	}

	rows, err := ws.db.Query(`
        SELECT id, wallet_id, reference_id, amount, type, status, source, created_at
        FROM transactions WHERE wallet_id = $1 ORDER BY created_at DESC
    `, wallet.ID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.WalletID, &t.ReferenceID, &t.Amount, &t.Type, &t.Status, &t.Source, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// GetEscrows lists a user's escrow holds, newest first.
func (ws *WalletService) GetEscrows(userID string) ([]models.EscrowHold, error) {
	wallet, err := ws.GetWallet(userID)
	if err != nil {
		return nil, err
	}

	rows, err := ws.db.Query(`
        SELECT id, wallet_id, game_id, amount, status, source, created_at, updated_at
        FROM escrow_holds WHERE wallet_id = $1 ORDER BY created_at DESC
    `, wallet.ID)
	if err != nil {
		return nil, fmt.Errorf("list escrows: %w", err)
	}
	defer rows.Close()

	var holds []models.EscrowHold
	for rows.Next() {
		var h models.EscrowHold
		if err := rows.Scan(&h.ID, &h.WalletID, &h.GameID, &h.Amount, &h.Status, &h.Source, &h.CreatedAt, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan escrow: %w", err)
		}
		holds = append(holds, h)
	}
	return holds, rows.Err()
}

// GetTransactionByID fetches one ledger row.
func (ws *WalletService) GetTransactionByID(id string) (*models.Transaction, error) {
	var t models.Transaction
	err := ws.db.QueryRow(`
        SELECT id, wallet_id, reference_id, amount, type, status, source, created_at
        FROM transactions WHERE id = $1
    `, id).Scan(&t.ID, &t.WalletID, &t.ReferenceID, &t.Amount, &t.Type, &t.Status, &t.Source, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return &t, nil
}

// GetEscrowByID fetches one escrow hold.
func (ws *WalletService) GetEscrowByID(id string) (*models.EscrowHold, error) {
	var h models.EscrowHold
	err := ws.db.QueryRow(`
        SELECT id, wallet_id, game_id, amount, status, source, created_at, updated_at
        FROM escrow_holds WHERE id = $1
    `, id).Scan(&h.ID, &h.WalletID, &h.GameID, &h.Amount, &h.Status, &h.Source, &h.CreatedAt, &h.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get escrow: %w", err)
	}
	return &h, nil
}

// withTx runs fn inside a transaction, committing on nil and rolling back
// otherwise.
func (ws *WalletService) withTx(fn func(*sql.Tx) error) error {
	tx, err := ws.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// lockWallet takes an exclusive row lock on a user's wallet for the
// duration of the surrounding transaction.
func (ws *WalletService) lockWallet(tx *sql.Tx, userID string) (*models.Wallet, error) {
	var w models.Wallet
	err := tx.QueryRow(`
        SELECT id, user_id, balance, currency FROM wallets
        WHERE user_id = $1
        FOR UPDATE
    `, userID).Scan(&w.ID, &w.UserID, &w.Balance, &w.Currency)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock wallet: %w", err)
	}
	return &w, nil
}

func (ws *WalletService) updateBalance(tx *sql.Tx, walletID string, newBalance decimal.Decimal) error {
	_, err := tx.Exec(`
        UPDATE wallets SET balance = $1, updated_at = NOW() WHERE id = $2
    `, newBalance, walletID)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	return nil
}

func (ws *WalletService) insertTransaction(tx *sql.Tx, walletID, referenceID string, amount decimal.Decimal, txType, source string) (string, error) {
	if source == "" {
		source = "system"
	}
	id := uuid.NewString()
	_, err := tx.Exec(`
        INSERT INTO transactions (id, wallet_id, reference_id, amount, type, status, source, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
    `, id, walletID, referenceID, amount, txType, models.TxStatusCompleted, source)
	if err != nil {
		return "", fmt.Errorf("insert %s transaction: %w", txType, err)
	}
	return id, nil
}

func (ws *WalletService) notify(n TransactionNotification) {
	if ws.notifier == nil {
		return
	}
	if err := ws.notifier.SendTransactionNotification(n); err != nil {
		log.Printf("[WALLET] Failed to send %s notification to %s: %v", n.Type, n.UserID, err)
	}
}
