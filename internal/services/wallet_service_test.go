package services

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/stakeduel/backend/internal/models"
)

func newTestWalletService(t *testing.T) (*WalletService, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	service := NewWalletService(db, LogNotifier{})
	return service, mock, func() { db.Close() }
}

func TestWalletService_Deposit(t *testing.T) {
	service, mock, cleanup := newTestWalletService(t)
	defer cleanup()

	t.Run("successful deposit", func(t *testing.T) {
		userID := "user1"
		amount := decimal.NewFromInt(250)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, balance, currency FROM wallets WHERE user_id = \\$1 FOR UPDATE").
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "balance", "currency"}).
				AddRow("wallet1", userID, "1000", "USD"))
		mock.ExpectExec("UPDATE wallets SET balance = \\$1, updated_at = NOW\\(\\) WHERE id = \\$2").
			WithArgs(decimal.NewFromInt(1250), "wallet1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), "wallet1", sqlmock.AnyArg(), amount, models.TxDeposit, models.TxStatusCompleted, "topup").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		newBalance, err := service.Deposit(userID, amount, "topup")
		assert.NoError(t, err)
		assert.True(t, newBalance.Equal(decimal.NewFromInt(1250)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects non-positive amount", func(t *testing.T) {
		_, err := service.Deposit("user1", decimal.Zero, "topup")
		assert.ErrorIs(t, err, ErrInvalidAmount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("wallet not found", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, balance, currency FROM wallets WHERE user_id = \\$1 FOR UPDATE").
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "balance", "currency"}))
		mock.ExpectRollback()

		_, err := service.Deposit("ghost", decimal.NewFromInt(10), "topup")
		assert.ErrorIs(t, err, ErrWalletNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestWalletService_Withdraw(t *testing.T) {
	service, mock, cleanup := newTestWalletService(t)
	defer cleanup()

	t.Run("successful withdrawal", func(t *testing.T) {
		userID := "user1"
		amount := decimal.NewFromInt(400)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, balance, currency FROM wallets WHERE user_id = \\$1 FOR UPDATE").
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "balance", "currency"}).
				AddRow("wallet1", userID, "1000", "USD"))
		mock.ExpectExec("UPDATE wallets SET balance = \\$1, updated_at = NOW\\(\\) WHERE id = \\$2").
			WithArgs(decimal.NewFromInt(600), "wallet1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), "wallet1", sqlmock.AnyArg(), amount, models.TxWithdraw, models.TxStatusCompleted, "cashout").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		newBalance, err := service.Withdraw(userID, amount, "cashout")
		assert.NoError(t, err)
		assert.True(t, newBalance.Equal(decimal.NewFromInt(600)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient funds leaves no side effects", func(t *testing.T) {
		userID := "user1"

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, balance, currency FROM wallets WHERE user_id = \\$1 FOR UPDATE").
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "balance", "currency"}).
				AddRow("wallet1", userID, "100", "USD"))
		mock.ExpectRollback()

		_, err := service.Withdraw(userID, decimal.NewFromInt(500), "cashout")
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestWalletService_LockFunds(t *testing.T) {
	service, mock, cleanup := newTestWalletService(t)
	defer cleanup()

	t.Run("successful lock creates escrow hold", func(t *testing.T) {
		userID := "user1"
		gameID := "match1"
		amount := decimal.NewFromInt(50)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, balance, currency FROM wallets WHERE user_id = \\$1 FOR UPDATE").
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "balance", "currency"}).
				AddRow("wallet1", userID, "1000", "USD"))
		mock.ExpectExec("UPDATE wallets SET balance = \\$1, updated_at = NOW\\(\\) WHERE id = \\$2").
			WithArgs(decimal.NewFromInt(950), "wallet1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), "wallet1", gameID, amount, models.TxWager, models.TxStatusCompleted, "match").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO escrow_holds").
			WithArgs(sqlmock.AnyArg(), "wallet1", gameID, amount, models.EscrowHeld, "match").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		err := service.LockFunds(userID, amount, gameID, "match")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient funds rolls back", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, balance, currency FROM wallets WHERE user_id = \\$1 FOR UPDATE").
			WithArgs("user1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "balance", "currency"}).
				AddRow("wallet1", "user1", "10", "USD"))
		mock.ExpectRollback()

		err := service.LockFunds("user1", decimal.NewFromInt(50), "match1", "match")
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestWalletService_ReleaseFunds(t *testing.T) {
	service, mock, cleanup := newTestWalletService(t)
	defer cleanup()

	t.Run("credits winner and releases holds", func(t *testing.T) {
		winnerID := "user1"
		gameID := "match1"
		pot := decimal.NewFromInt(100)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, balance, currency FROM wallets WHERE user_id = \\$1 FOR UPDATE").
			WithArgs(winnerID).
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "balance", "currency"}).
				AddRow("wallet1", winnerID, "950", "USD"))
		mock.ExpectExec("UPDATE wallets SET balance = \\$1, updated_at = NOW\\(\\) WHERE id = \\$2").
			WithArgs(decimal.NewFromInt(1050), "wallet1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), "wallet1", gameID, pot, models.TxPayout, models.TxStatusCompleted, "match").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE escrow_holds SET status = \\$1, updated_at = NOW\\(\\) WHERE game_id = \\$2").
			WithArgs(models.EscrowReleased, gameID).
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectCommit()

		err := service.ReleaseFunds(winnerID, pot, gameID, "match")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestWalletService_RevertGame(t *testing.T) {
	service, mock, cleanup := newTestWalletService(t)
	defer cleanup()

	t.Run("compensates wagers and marks originals reversed", func(t *testing.T) {
		gameID := "match1"
		amount := decimal.NewFromInt(50)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT t.id, t.wallet_id, t.amount, t.type, w.user_id FROM transactions t").
			WithArgs(gameID, models.TxStatusCompleted, models.TxWager, models.TxPayout).
			WillReturnRows(sqlmock.NewRows([]string{"id", "wallet_id", "amount", "type", "user_id"}).
				AddRow("tx1", "wallet1", "50", models.TxWager, "user1").
				AddRow("tx2", "wallet2", "50", models.TxWager, "user2"))

		// First wager: credit back.
		mock.ExpectQuery("SELECT balance FROM wallets WHERE id = \\$1 FOR UPDATE").
			WithArgs("wallet1").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("950"))
		mock.ExpectExec("UPDATE wallets SET balance = \\$1, updated_at = NOW\\(\\) WHERE id = \\$2").
			WithArgs(decimal.NewFromInt(1000), "wallet1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), "wallet1", gameID, amount, models.TxRefund, models.TxStatusCompleted, "reversal").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE transactions SET status = \\$1 WHERE id = \\$2").
			WithArgs(models.TxStatusReversed, "tx1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		// Second wager: credit back.
		mock.ExpectQuery("SELECT balance FROM wallets WHERE id = \\$1 FOR UPDATE").
			WithArgs("wallet2").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("450"))
		mock.ExpectExec("UPDATE wallets SET balance = \\$1, updated_at = NOW\\(\\) WHERE id = \\$2").
			WithArgs(decimal.NewFromInt(500), "wallet2").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), "wallet2", gameID, amount, models.TxRefund, models.TxStatusCompleted, "reversal").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE transactions SET status = \\$1 WHERE id = \\$2").
			WithArgs(models.TxStatusReversed, "tx2").
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("UPDATE escrow_holds SET status = \\$1, updated_at = NOW\\(\\) WHERE game_id = \\$2 AND status = \\$3").
			WithArgs(models.EscrowRefunded, gameID, models.EscrowHeld).
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectCommit()

		count, err := service.RevertGame(gameID)
		assert.NoError(t, err)
		assert.Equal(t, 2, count)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("payout is debited back", func(t *testing.T) {
		gameID := "match2"
		pot := decimal.NewFromInt(100)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT t.id, t.wallet_id, t.amount, t.type, w.user_id FROM transactions t").
			WithArgs(gameID, models.TxStatusCompleted, models.TxWager, models.TxPayout).
			WillReturnRows(sqlmock.NewRows([]string{"id", "wallet_id", "amount", "type", "user_id"}).
				AddRow("tx3", "wallet1", "100", models.TxPayout, "user1"))

		mock.ExpectQuery("SELECT balance FROM wallets WHERE id = \\$1 FOR UPDATE").
			WithArgs("wallet1").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("1050"))
		mock.ExpectExec("UPDATE wallets SET balance = \\$1, updated_at = NOW\\(\\) WHERE id = \\$2").
			WithArgs(decimal.NewFromInt(950), "wallet1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), "wallet1", gameID, pot, models.TxRefund, models.TxStatusCompleted, "reversal").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE transactions SET status = \\$1 WHERE id = \\$2").
			WithArgs(models.TxStatusReversed, "tx3").
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("UPDATE escrow_holds SET status = \\$1, updated_at = NOW\\(\\) WHERE game_id = \\$2 AND status = \\$3").
			WithArgs(models.EscrowRefunded, gameID, models.EscrowHeld).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		count, err := service.RevertGame(gameID)
		assert.NoError(t, err)
		assert.Equal(t, 1, count)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second revert is a no-op", func(t *testing.T) {
		gameID := "match1"

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT t.id, t.wallet_id, t.amount, t.type, w.user_id FROM transactions t").
			WithArgs(gameID, models.TxStatusCompleted, models.TxWager, models.TxPayout).
			WillReturnRows(sqlmock.NewRows([]string{"id", "wallet_id", "amount", "type", "user_id"}))
		mock.ExpectCommit()

		count, err := service.RevertGame(gameID)
		assert.NoError(t, err)
		assert.Equal(t, 0, count)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestWalletService_CreateWallet(t *testing.T) {
	service, mock, cleanup := newTestWalletService(t)
	defer cleanup()

	t.Run("new wallet gets signup bonus", func(t *testing.T) {
		userID := "user1"

		mock.ExpectQuery("SELECT id, user_id, balance, currency, created_at, updated_at FROM wallets WHERE user_id = \\$1").
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "balance", "currency", "created_at", "updated_at"}))
		mock.ExpectExec("INSERT INTO wallets").
			WithArgs(sqlmock.AnyArg(), userID, sqlmock.AnyArg(), "USD").
			WillReturnResult(sqlmock.NewResult(1, 1))

		wallet, err := service.CreateWallet(userID)
		assert.NoError(t, err)
		assert.Equal(t, userID, wallet.UserID)
		assert.True(t, wallet.Balance.Equal(decimal.NewFromInt(1000)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("existing wallet is returned unchanged", func(t *testing.T) {
		userID := "user1"
		now := time.Now()

		mock.ExpectQuery("SELECT id, user_id, balance, currency, created_at, updated_at FROM wallets WHERE user_id = \\$1").
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "balance", "currency", "created_at", "updated_at"}).
				AddRow("wallet1", userID, "750", "USD", now, now))

		wallet, err := service.CreateWallet(userID)
		assert.NoError(t, err)
		assert.Equal(t, "wallet1", wallet.ID)
		assert.True(t, wallet.Balance.Equal(decimal.NewFromInt(750)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestWalletService_FindStaleGameIDs(t *testing.T) {
	service, mock, cleanup := newTestWalletService(t)
	defer cleanup()

	mock.ExpectQuery("SELECT DISTINCT game_id FROM escrow_holds WHERE status = \\$1 AND created_at < \\$2").
		WithArgs(models.EscrowHeld, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"game_id"}).
			AddRow("match1").
			AddRow("match2"))

	gameIDs, err := service.FindStaleGameIDs(24 * time.Hour)
	assert.NoError(t, err)
	assert.Equal(t, []string{"match1", "match2"}, gameIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}
