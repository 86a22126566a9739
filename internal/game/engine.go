package game

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/stakeduel/backend/internal/models"
)

// Engine errors. ErrOutOfTurn must be returned before any state mutation so
// a rejected move leaves the match document untouched.
var (
	ErrOutOfTurn     = errors.New("not your turn")
	ErrUnknownAction = errors.New("unknown action")
	ErrMatchNotFound = errors.New("match not found")
	ErrMatchInactive = errors.New("match not active")
	ErrUnknownGame   = errors.New("unknown game type")
)

// Outcome kinds. A round is Pending until every player has moved, Tie when
// all moved without a unique winner, and Winner otherwise.
type OutcomeKind int

const (
	OutcomePending OutcomeKind = iota
	OutcomeTie
	OutcomeWinner
)

// Outcome is the tagged result of a round check.
type Outcome struct {
	Kind     OutcomeKind
	WinnerID string
	Payout   decimal.Decimal
	Rolls    map[string]int
}

// RoundEngine implements one game type's rules over the shared match
// document. Implementations must validate turn ownership before mutating
// any state.
type RoundEngine interface {
	// StartRound initializes round-scoped metadata on the state.
	StartRound(state *models.MatchState)

	// ApplyMove validates and applies a player's move, advancing the turn
	// round-robin on success.
	ApplyMove(state *models.MatchState, move models.Move) error

	// CheckOutcome inspects the state and reports how the round stands.
	CheckOutcome(state *models.MatchState) Outcome

	// ResetRound clears round-scoped data without touching the round
	// counter. Called on a tie.
	ResetRound(state *models.MatchState)
}
