package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Match lifecycle states.
const (
	MatchLoading = "LOADING"
	MatchBetting = "BETTING"
	MatchPlaying = "PLAYING"
	MatchSettled = "SETTLED"
)

// Match modes.
const (
	ModeRandom = "random"
	ModeFriend = "friend"
	ModeBot    = "bot"
)

// Player is one participant in a match.
type Player struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	IsBot    bool   `json:"is_bot"`
}

// GameConfig is the per-match configuration fixed at pairing time.
type GameConfig struct {
	BetAmount    decimal.Decimal `json:"bet_amount"`
	MaxRounds    int             `json:"max_rounds"`
	TargetNumber int             `json:"target_number,omitempty"`
}

// MatchMetadata holds round-scoped engine data and the bookkeeping the
// state machine accumulates between transitions.
type MatchMetadata struct {
	Config           GameConfig     `json:"config"`
	CurrentTurnIndex int            `json:"current_turn_index"`
	ConnectedPlayers []string       `json:"connected_players,omitempty"`
	LockedPlayers    []string       `json:"locked_players,omitempty"`
	Dice             map[string]int `json:"dice,omitempty"`
}

// RoundRecord is one entry of a match's round history.
type RoundRecord struct {
	Round    int            `json:"round"`
	WinnerID string         `json:"winner_id,omitempty"`
	Rolls    map[string]int `json:"rolls,omitempty"`
}

// MatchResult is recorded on the state once a match settles.
type MatchResult struct {
	WinnerID string          `json:"winner_id,omitempty"`
	Payout   decimal.Decimal `json:"payout"`
}

// MatchState is the full mutable match document. It is stored as one JSON
// blob keyed by match id and rewritten whole on every mutation; callers
// must hold the per-match lock while doing so.
type MatchState struct {
	MatchID      string        `json:"match_id"`
	GameType     string        `json:"game_type"`
	Mode         string        `json:"mode"`
	Status       string        `json:"status"`
	Players      []Player      `json:"players"`
	Turn         string        `json:"turn"`
	Round        int           `json:"round"`
	MaxRounds    int           `json:"max_rounds"`
	Pot          decimal.Decimal `json:"pot"`
	PracticeMode bool          `json:"practice_mode"`
	RoundHistory []RoundRecord `json:"round_history"`
	Metadata     MatchMetadata `json:"metadata"`
	Winner       *MatchResult  `json:"winner,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// HumanPlayers returns the non-bot participants.
func (s *MatchState) HumanPlayers() []Player {
	humans := make([]Player, 0, len(s.Players))
	for _, p := range s.Players {
		if !p.IsBot {
			humans = append(humans, p)
		}
	}
	return humans
}

// PlayerIndex returns the index of the given user, or -1.
func (s *MatchState) PlayerIndex(userID string) int {
	for i, p := range s.Players {
		if p.UserID == userID {
			return i
		}
	}
	return -1
}

// Move is a player's action within a round.
type Move struct {
	UserID string `json:"user_id"`
	Action string `json:"action"`
}

// QueueEntry is the ephemeral payload stored on a matchmaking queue. It is
// removed either by the pairing worker or by the 60s timeout job, which
// matches it by exact serialized value.
type QueueEntry struct {
	UserID    string          `json:"user_id"`
	Username  string          `json:"username"`
	BetAmount decimal.Decimal `json:"bet_amount"`
}

// MatchFound is handed from the pairing queue to the state machine.
type MatchFound struct {
	MatchID  string     `json:"match_id"`
	GameType string     `json:"game_type"`
	Mode     string     `json:"mode"`
	Players  []Player   `json:"players"`
	Config   GameConfig `json:"config"`
	Turn     string     `json:"turn"`
}

// Lobby is a private, code-joinable pairing record with a 10 minute TTL.
type Lobby struct {
	HostID    string          `json:"host_id"`
	GameType  string          `json:"game_type"`
	BetAmount decimal.Decimal `json:"bet_amount"`
	Players   []Player        `json:"players"`
}
