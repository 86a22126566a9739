package game

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/stakeduel/backend/internal/models"
)

func newDiceState() *models.MatchState {
	return &models.MatchState{
		MatchID:  "match1",
		GameType: "dice",
		Status:   models.MatchPlaying,
		Players: []models.Player{
			{UserID: "userA", Username: "alice"},
			{UserID: "userB", Username: "bob"},
		},
		Turn:      "userA",
		Round:     1,
		MaxRounds: 1,
		Metadata: models.MatchMetadata{
			Config: models.GameConfig{
				BetAmount:    decimal.NewFromInt(10),
				MaxRounds:    1,
				TargetNumber: 7,
			},
			Dice: map[string]int{},
		},
	}
}

func TestDiceEngine_StartRound(t *testing.T) {
	engine := NewDiceEngine()

	t.Run("keeps configured target", func(t *testing.T) {
		state := newDiceState()
		engine.StartRound(state)
		assert.Equal(t, 7, state.Metadata.Config.TargetNumber)
		assert.Empty(t, state.Metadata.Dice)
	})

	t.Run("generates target when unset", func(t *testing.T) {
		state := newDiceState()
		state.Metadata.Config.TargetNumber = 0
		engine.StartRound(state)
		assert.GreaterOrEqual(t, state.Metadata.Config.TargetNumber, 2)
		assert.LessOrEqual(t, state.Metadata.Config.TargetNumber, 12)
	})
}

func TestDiceEngine_ApplyMove(t *testing.T) {
	engine := NewDiceEngine()

	t.Run("valid roll records sum and passes turn", func(t *testing.T) {
		state := newDiceState()
		err := engine.ApplyMove(state, models.Move{UserID: "userA", Action: "roll"})
		assert.NoError(t, err)

		roll := state.Metadata.Dice["userA"]
		assert.GreaterOrEqual(t, roll, 2)
		assert.LessOrEqual(t, roll, 12)
		assert.Equal(t, 1, state.Metadata.CurrentTurnIndex)
		assert.Equal(t, "userB", state.Turn)
	})

	t.Run("out of turn move leaves state unchanged", func(t *testing.T) {
		state := newDiceState()
		err := engine.ApplyMove(state, models.Move{UserID: "userB", Action: "roll"})
		assert.ErrorIs(t, err, ErrOutOfTurn)
		assert.Empty(t, state.Metadata.Dice)
		assert.Equal(t, 0, state.Metadata.CurrentTurnIndex)
		assert.Equal(t, "userA", state.Turn)
	})

	t.Run("unknown action is rejected", func(t *testing.T) {
		state := newDiceState()
		err := engine.ApplyMove(state, models.Move{UserID: "userA", Action: "fold"})
		assert.ErrorIs(t, err, ErrUnknownAction)
		assert.Empty(t, state.Metadata.Dice)
	})
}

func TestDiceEngine_CheckOutcome(t *testing.T) {
	engine := NewDiceEngine()

	t.Run("pending until everyone rolled", func(t *testing.T) {
		state := newDiceState()
		state.Metadata.Dice = map[string]int{"userA": 7}
		outcome := engine.CheckOutcome(state)
		assert.Equal(t, OutcomePending, outcome.Kind)
	})

	t.Run("unique target hit wins the pot", func(t *testing.T) {
		state := newDiceState()
		state.Metadata.Dice = map[string]int{"userA": 7, "userB": 5}
		outcome := engine.CheckOutcome(state)
		assert.Equal(t, OutcomeWinner, outcome.Kind)
		assert.Equal(t, "userA", outcome.WinnerID)
		assert.True(t, outcome.Payout.Equal(decimal.NewFromInt(20)))
		assert.Equal(t, map[string]int{"userA": 7, "userB": 5}, outcome.Rolls)
	})

	t.Run("both hitting target is a tie", func(t *testing.T) {
		state := newDiceState()
		state.Metadata.Dice = map[string]int{"userA": 7, "userB": 7}
		outcome := engine.CheckOutcome(state)
		assert.Equal(t, OutcomeTie, outcome.Kind)
	})

	t.Run("nobody hitting target is a tie", func(t *testing.T) {
		state := newDiceState()
		state.Metadata.Dice = map[string]int{"userA": 4, "userB": 9}
		outcome := engine.CheckOutcome(state)
		assert.Equal(t, OutcomeTie, outcome.Kind)
	})
}

func TestDiceEngine_ResetRound(t *testing.T) {
	engine := NewDiceEngine()

	state := newDiceState()
	state.Metadata.Dice = map[string]int{"userA": 4, "userB": 9}
	state.Metadata.CurrentTurnIndex = 1
	state.Turn = "userB"

	engine.ResetRound(state)
	assert.Empty(t, state.Metadata.Dice)
	assert.Equal(t, 0, state.Metadata.CurrentTurnIndex)
	assert.Equal(t, "userA", state.Turn)
}
