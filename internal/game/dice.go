package game

import (
	"log"
	"math/rand"

	"github.com/shopspring/decimal"

	"github.com/stakeduel/backend/internal/models"
)

// DiceEngine is a two-dice target game: each player rolls once per round
// and whoever hits the target sum exactly wins the pot. No unique hit is a
// tie and the round is re-rolled.
type DiceEngine struct{}

func NewDiceEngine() *DiceEngine {
	return &DiceEngine{}
}

// RandomTarget picks a target sum reachable by two dice.
func RandomTarget() int {
	return rand.Intn(11) + 2
}

func (e *DiceEngine) StartRound(state *models.MatchState) {
	state.Metadata.Dice = make(map[string]int)
	if state.Metadata.Config.TargetNumber == 0 {
		state.Metadata.Config.TargetNumber = RandomTarget()
	}
}

func (e *DiceEngine) ApplyMove(state *models.MatchState, move models.Move) error {
	expected := state.Players[state.Metadata.CurrentTurnIndex]
	if expected.UserID != move.UserID {
		return ErrOutOfTurn
	}
	if move.Action != "roll" {
		return ErrUnknownAction
	}

	if state.Metadata.Dice == nil {
		state.Metadata.Dice = make(map[string]int)
	}

	d1 := rand.Intn(6) + 1
	d2 := rand.Intn(6) + 1
	state.Metadata.Dice[move.UserID] = d1 + d2
	log.Printf("[DICE] %s rolled %d+%d=%d in match %s", move.UserID, d1, d2, d1+d2, state.MatchID)

	next := (state.Metadata.CurrentTurnIndex + 1) % len(state.Players)
	state.Metadata.CurrentTurnIndex = next
	state.Turn = state.Players[next].UserID
	return nil
}

func (e *DiceEngine) CheckOutcome(state *models.MatchState) Outcome {
	dice := state.Metadata.Dice
	if len(dice) < len(state.Players) {
		return Outcome{Kind: OutcomePending}
	}

	target := state.Metadata.Config.TargetNumber
	var winners []string
	for _, p := range state.Players {
		if dice[p.UserID] == target {
			winners = append(winners, p.UserID)
		}
	}

	if len(winners) != 1 {
		return Outcome{Kind: OutcomeTie, Rolls: copyRolls(dice)}
	}

	pot := state.Metadata.Config.BetAmount.Mul(decimal.NewFromInt(int64(len(state.Players))))
	return Outcome{
		Kind:     OutcomeWinner,
		WinnerID: winners[0],
		Payout:   pot,
		Rolls:    copyRolls(dice),
	}
}

func (e *DiceEngine) ResetRound(state *models.MatchState) {
	state.Metadata.Dice = make(map[string]int)
	state.Metadata.CurrentTurnIndex = 0
	state.Turn = state.Players[0].UserID
}

func copyRolls(dice map[string]int) map[string]int {
	out := make(map[string]int, len(dice))
	for k, v := range dice {
		out[k] = v
	}
	return out
}
