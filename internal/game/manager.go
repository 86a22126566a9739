package game

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/stakeduel/backend/internal/models"
	"github.com/stakeduel/backend/internal/relay"
	"github.com/stakeduel/backend/internal/services"
)

// Job names consumed by the game worker.
const (
	JobBettingTimeout = "BETTING_TIMEOUT"
	JobBotMove        = "BOT_MOVE"
)

// Events published on the game:updates channel.
const (
	EventMatchReady  = "MATCH_READY"
	EventStateUpdate = "STATE_UPDATE"
	EventStart       = "START"
	EventEnd         = "END"
)

// GameUpdate is the broadcast payload for match observers.
type GameUpdate struct {
	MatchID string              `json:"matchId"`
	State   *models.MatchState  `json:"state"`
	Result  *models.MatchResult `json:"result,omitempty"`
}

// BettingTimeoutPayload aborts a match stuck waiting for fund locks. Round
// is captured at scheduling time so a timeout from an earlier round cannot
// kill a later one.
type BettingTimeoutPayload struct {
	MatchID string `json:"matchId"`
	Round   int    `json:"round"`
}

// BotMovePayload triggers a scheduled bot turn.
type BotMovePayload struct {
	MatchID string `json:"matchId"`
	UserID  string `json:"userId"`
}

// MatchStore persists match documents.
type MatchStore interface {
	Get(ctx context.Context, matchID string) (*models.MatchState, error)
	Save(ctx context.Context, state *models.MatchState) error
}

// Dispatcher is the slice of the command relay the state machine drives.
type Dispatcher interface {
	Enqueue(ctx context.Context, queue, name string, payload any) error
	EnqueueDelayed(ctx context.Context, queue, name string, payload any, delay time.Duration) error
	Publish(ctx context.Context, channel, name string, data any) error
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// Manager is the per-match state machine. It owns every transition of the
// match document and serializes all mutations of one match behind an
// in-process mutex, so concurrent events (moves, bot turns, ledger
// confirmations) cannot clobber each other's writes.
type Manager struct {
	store   MatchStore
	relay   Dispatcher
	engines map[string]RoundEngine

	locks sync.Map // matchID -> *sync.Mutex

	treatBotAsUser bool
	botMoveDelay   time.Duration
	bettingTimeout time.Duration
}

func NewManager(store MatchStore, r Dispatcher) *Manager {
	viper.SetDefault("game.treat_bot_as_user", true)
	viper.SetDefault("game.bot_move_delay", 3*time.Second)
	viper.SetDefault("game.betting_timeout", 2*time.Minute)

	return &Manager{
		store:          store,
		relay:          r,
		engines:        make(map[string]RoundEngine),
		treatBotAsUser: viper.GetBool("game.treat_bot_as_user"),
		botMoveDelay:   viper.GetDuration("game.bot_move_delay"),
		bettingTimeout: viper.GetDuration("game.betting_timeout"),
	}
}

// RegisterEngine binds a round engine to a game type. Must be called
// before matches of that type are created.
func (m *Manager) RegisterEngine(gameType string, engine RoundEngine) {
	m.engines[gameType] = engine
}

func (m *Manager) engineFor(gameType string) (RoundEngine, error) {
	engine, ok := m.engines[gameType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGame, gameType)
	}
	return engine, nil
}

func (m *Manager) lockMatch(matchID string) func() {
	mu, _ := m.locks.LoadOrStore(matchID, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	return mu.(*sync.Mutex).Unlock
}

// CreateGame builds the initial match document from a pairing and
// announces it. Bot-only funding is skipped entirely when the match is in
// practice mode.
func (m *Manager) CreateGame(ctx context.Context, mf models.MatchFound) error {
	if _, err := m.engineFor(mf.GameType); err != nil {
		return err
	}

	hasBot := false
	for _, p := range mf.Players {
		if p.IsBot {
			hasBot = true
		}
	}

	turnIndex := 0
	if mf.Turn != "" {
		for i, p := range mf.Players {
			if p.UserID == mf.Turn {
				turnIndex = i
			}
		}
	}

	maxRounds := mf.Config.MaxRounds
	if maxRounds == 0 {
		maxRounds = 1
	}

	state := &models.MatchState{
		MatchID:      mf.MatchID,
		GameType:     mf.GameType,
		Mode:         mf.Mode,
		Status:       models.MatchLoading,
		Players:      mf.Players,
		Turn:         mf.Players[turnIndex].UserID,
		Round:        1,
		MaxRounds:    maxRounds,
		Pot:          decimal.Zero,
		PracticeMode: hasBot && !m.treatBotAsUser,
		RoundHistory: []models.RoundRecord{},
		Metadata: models.MatchMetadata{
			Config:           mf.Config,
			CurrentTurnIndex: turnIndex,
		},
	}

	if err := m.store.Save(ctx, state); err != nil {
		return err
	}
	log.Printf("[GAME] Match %s created (%s, mode %s, practice=%v)",
		state.MatchID, state.GameType, state.Mode, state.PracticeMode)

	m.publish(ctx, EventMatchReady, GameUpdate{MatchID: state.MatchID, State: state})
	return nil
}

// GetState returns the current match document.
func (m *Manager) GetState(ctx context.Context, matchID string) (*models.MatchState, error) {
	return m.store.Get(ctx, matchID)
}

// HandlePlayerConnected records a human player's readiness during LOADING
// and moves to BETTING once every human has connected.
func (m *Manager) HandlePlayerConnected(ctx context.Context, matchID, userID string) error {
	defer m.lockMatch(matchID)()

	state, err := m.store.Get(ctx, matchID)
	if err != nil {
		return err
	}
	if state.Status != models.MatchLoading {
		return nil
	}

	if !contains(state.Metadata.ConnectedPlayers, userID) {
		state.Metadata.ConnectedPlayers = append(state.Metadata.ConnectedPlayers, userID)
		log.Printf("[GAME] Player %s connected to match %s", userID, matchID)
	}

	if len(state.Metadata.ConnectedPlayers) >= len(state.HumanPlayers()) {
		return m.transitionToBetting(ctx, state)
	}
	return m.store.Save(ctx, state)
}

// transitionToBetting queues a fund lock for every funded participant and
// waits for asynchronous confirmations. The state does not advance here;
// HandleFundsLocked accumulates the locked set. A delayed timeout job
// aborts the match if confirmations never arrive.
func (m *Manager) transitionToBetting(ctx context.Context, state *models.MatchState) error {
	state.Status = models.MatchBetting
	state.Metadata.LockedPlayers = []string{}
	if err := m.store.Save(ctx, state); err != nil {
		return err
	}
	log.Printf("[GAME] Match %s transitioning to BETTING (round %d)", state.MatchID, state.Round)

	if state.PracticeMode {
		for _, p := range state.Players {
			state.Metadata.LockedPlayers = append(state.Metadata.LockedPlayers, p.UserID)
		}
		return m.transitionToPlaying(ctx, state)
	}

	source := "Game:" + capitalize(state.GameType)
	for _, p := range state.Players {
		payload := services.WalletOpPayload{
			UserID: p.UserID,
			Amount: state.Metadata.Config.BetAmount,
			GameID: state.MatchID,
			Source: source,
		}
		if err := m.relay.Enqueue(ctx, relay.QueueWalletOperations, services.JobLockFunds, payload); err != nil {
			log.Printf("[GAME] Failed to queue fund lock for %s in match %s: %v", p.UserID, state.MatchID, err)
			return m.abortMatch(ctx, state, "lock enqueue failed")
		}
	}

	timeout := BettingTimeoutPayload{MatchID: state.MatchID, Round: state.Round}
	if err := m.relay.EnqueueDelayed(ctx, relay.QueueMatchTimeout, JobBettingTimeout, timeout, m.bettingTimeout); err != nil {
		log.Printf("[GAME] Failed to schedule betting timeout for match %s: %v", state.MatchID, err)
	}

	m.publish(ctx, EventStateUpdate, GameUpdate{MatchID: state.MatchID, State: state})
	return nil
}

// HandleFundsLocked accumulates ledger confirmations during BETTING and
// moves to PLAYING once every participant is locked.
func (m *Manager) HandleFundsLocked(ctx context.Context, matchID, userID string) error {
	defer m.lockMatch(matchID)()

	state, err := m.store.Get(ctx, matchID)
	if err != nil {
		return err
	}
	if state.Status != models.MatchBetting {
		return nil
	}

	if !contains(state.Metadata.LockedPlayers, userID) {
		state.Metadata.LockedPlayers = append(state.Metadata.LockedPlayers, userID)
		state.Pot = state.Pot.Add(state.Metadata.Config.BetAmount)
		log.Printf("[GAME] Funds locked for %s in match %s (%d/%d)",
			userID, matchID, len(state.Metadata.LockedPlayers), len(state.Players))
	}

	if len(state.Metadata.LockedPlayers) == len(state.Players) {
		return m.transitionToPlaying(ctx, state)
	}
	return m.store.Save(ctx, state)
}

// HandleFundsLockFailed aborts the match when the ledger rejects a lock,
// reverting any wagers already taken.
func (m *Manager) HandleFundsLockFailed(ctx context.Context, matchID, userID string) error {
	defer m.lockMatch(matchID)()

	state, err := m.store.Get(ctx, matchID)
	if err != nil {
		return err
	}
	if state.Status != models.MatchBetting {
		return nil
	}

	log.Printf("[GAME] Fund lock failed for %s in match %s, aborting", userID, matchID)
	return m.abortMatch(ctx, state, "fund lock rejected")
}

// HandleBettingTimeout fires when lock confirmations did not all arrive in
// time. It only acts if the match is still betting on the same round the
// timeout was scheduled for.
func (m *Manager) HandleBettingTimeout(ctx context.Context, matchID string, round int) error {
	defer m.lockMatch(matchID)()

	state, err := m.store.Get(ctx, matchID)
	if err != nil {
		if err == ErrMatchNotFound {
			return nil
		}
		return err
	}
	if state.Status != models.MatchBetting || state.Round != round {
		return nil
	}

	log.Printf("[GAME] Match %s stuck in BETTING (round %d), aborting", matchID, round)
	return m.abortMatch(ctx, state, "betting timeout")
}

// abortMatch settles the match with no winner and queues a compensating
// reversal for any wagers already in escrow. Caller holds the match lock.
func (m *Manager) abortMatch(ctx context.Context, state *models.MatchState, reason string) error {
	state.Status = models.MatchSettled
	state.Winner = nil
	if err := m.store.Save(ctx, state); err != nil {
		return err
	}
	log.Printf("[GAME] Match %s aborted: %s", state.MatchID, reason)

	if !state.PracticeMode {
		payload := services.WalletOpPayload{GameID: state.MatchID, Source: "reversal"}
		if err := m.relay.Enqueue(ctx, relay.QueueWalletOperations, services.JobRevertGame, payload); err != nil {
			log.Printf("[GAME] Failed to queue reversal for match %s: %v", state.MatchID, err)
		}
	}

	m.publish(ctx, EventEnd, GameUpdate{MatchID: state.MatchID, State: state})
	return nil
}

func (m *Manager) transitionToPlaying(ctx context.Context, state *models.MatchState) error {
	engine, err := m.engineFor(state.GameType)
	if err != nil {
		return err
	}

	state.Status = models.MatchPlaying
	engine.StartRound(state)
	if err := m.store.Save(ctx, state); err != nil {
		return err
	}
	log.Printf("[GAME] Match %s transitioning to PLAYING", state.MatchID)

	m.publish(ctx, EventStart, GameUpdate{MatchID: state.MatchID, State: state})
	m.scheduleBotMove(ctx, state)
	return nil
}

// HandleMove applies one player's move and advances the match. An
// out-of-turn or invalid move is rejected with the state unchanged.
func (m *Manager) HandleMove(ctx context.Context, matchID string, move models.Move) error {
	defer m.lockMatch(matchID)()
	return m.applyMove(ctx, matchID, move)
}

// applyMove is HandleMove without the lock, shared with the bot path.
// Caller holds the match lock.
func (m *Manager) applyMove(ctx context.Context, matchID string, move models.Move) error {
	state, err := m.store.Get(ctx, matchID)
	if err != nil {
		return err
	}
	if state.Status != models.MatchPlaying {
		return ErrMatchInactive
	}

	engine, err := m.engineFor(state.GameType)
	if err != nil {
		return err
	}

	if err := engine.ApplyMove(state, move); err != nil {
		return err
	}

	outcome := engine.CheckOutcome(state)
	switch outcome.Kind {
	case OutcomeWinner:
		if err := m.store.Save(ctx, state); err != nil {
			return err
		}
		m.publish(ctx, EventStateUpdate, GameUpdate{MatchID: matchID, State: state})
		return m.handleRoundEnd(ctx, state, outcome)

	case OutcomeTie:
		// Round counter stays put on a tie; only round-scoped data resets.
		log.Printf("[GAME] Round %d tied in match %s, resetting", state.Round, matchID)
		engine.ResetRound(state)
		if err := m.store.Save(ctx, state); err != nil {
			return err
		}
		m.publish(ctx, EventStateUpdate, GameUpdate{MatchID: matchID, State: state})
		m.scheduleBotMove(ctx, state)
		return nil

	default:
		if err := m.store.Save(ctx, state); err != nil {
			return err
		}
		m.publish(ctx, EventStateUpdate, GameUpdate{MatchID: matchID, State: state})
		m.scheduleBotMove(ctx, state)
		return nil
	}
}

func (m *Manager) handleRoundEnd(ctx context.Context, state *models.MatchState, outcome Outcome) error {
	log.Printf("[GAME] Round %d ended in match %s, winner %s", state.Round, state.MatchID, outcome.WinnerID)
	state.RoundHistory = append(state.RoundHistory, models.RoundRecord{
		Round:    state.Round,
		WinnerID: outcome.WinnerID,
		Rolls:    outcome.Rolls,
	})

	if state.Round >= state.MaxRounds {
		return m.endGame(ctx, state, outcome.WinnerID)
	}

	state.Round++
	return m.transitionToBetting(ctx, state)
}

func (m *Manager) endGame(ctx context.Context, state *models.MatchState, winnerID string) error {
	state.Status = models.MatchSettled
	state.Winner = &models.MatchResult{WinnerID: winnerID, Payout: state.Pot}
	if err := m.store.Save(ctx, state); err != nil {
		return err
	}
	log.Printf("[GAME] Match %s settled, winner %s, pot %s", state.MatchID, winnerID, state.Pot)

	if !state.PracticeMode && winnerID != "" {
		payload := services.WalletOpPayload{
			UserID: winnerID,
			Amount: state.Pot,
			GameID: state.MatchID,
			Source: "Game:" + capitalize(state.GameType),
		}
		if err := m.relay.Enqueue(ctx, relay.QueueWalletOperations, services.JobReleaseFunds, payload); err != nil {
			log.Printf("[GAME] Failed to queue payout for match %s: %v", state.MatchID, err)
		}
	}

	m.publish(ctx, EventEnd, GameUpdate{MatchID: state.MatchID, State: state, Result: state.Winner})
	return nil
}

// scheduleBotMove queues a delayed bot turn when the current player is a
// bot. The delay keeps bot play observable by humans.
func (m *Manager) scheduleBotMove(ctx context.Context, state *models.MatchState) {
	if state.Status != models.MatchPlaying {
		return
	}
	current := state.Players[state.Metadata.CurrentTurnIndex]
	if !current.IsBot {
		return
	}

	payload := BotMovePayload{MatchID: state.MatchID, UserID: current.UserID}
	if err := m.relay.EnqueueDelayed(ctx, relay.QueueGameJobs, JobBotMove, payload, m.botMoveDelay); err != nil {
		log.Printf("[GAME] Failed to schedule bot move for match %s: %v", state.MatchID, err)
	}
}

// HandleBotMove executes a scheduled bot turn. The state is re-read under
// the match lock; a stale job for a finished match or a stolen turn is
// dropped.
func (m *Manager) HandleBotMove(ctx context.Context, matchID, userID string) error {
	defer m.lockMatch(matchID)()

	state, err := m.store.Get(ctx, matchID)
	if err != nil {
		if err == ErrMatchNotFound {
			return nil
		}
		return err
	}
	if state.Status != models.MatchPlaying {
		return nil
	}
	if state.Players[state.Metadata.CurrentTurnIndex].UserID != userID {
		return nil
	}

	return m.applyMove(ctx, matchID, models.Move{UserID: userID, Action: "roll"})
}

// RegisterGameHandlers binds the manager's scheduled jobs to a worker
// consuming the game and timeout queues.
func RegisterGameHandlers(w *relay.Worker, m *Manager) {
	w.Handle(JobBotMove, func(ctx context.Context, job relay.Job) error {
		var p BotMovePayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", job.Name, err)
		}
		return m.HandleBotMove(ctx, p.MatchID, p.UserID)
	})
	w.Handle(JobBettingTimeout, func(ctx context.Context, job relay.Job) error {
		var p BettingTimeoutPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", job.Name, err)
		}
		return m.HandleBettingTimeout(ctx, p.MatchID, p.Round)
	})
}

// ListenWalletEvents consumes ledger confirmations from the wallet events
// channel and feeds them into the state machine. Blocks until ctx ends.
func (m *Manager) ListenWalletEvents(ctx context.Context) {
	sub := m.relay.Subscribe(ctx, relay.ChannelWalletEvents)
	defer sub.Close()

	log.Printf("[GAME] Listening for wallet events")
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}

			var event relay.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("[GAME] Dropping undecodable wallet event: %v", err)
				continue
			}

			var data services.FundsLockedEvent
			if err := json.Unmarshal(event.Data, &data); err != nil {
				log.Printf("[GAME] Dropping malformed %s event: %v", event.Name, err)
				continue
			}
			if data.MatchID == "" {
				continue
			}

			switch event.Name {
			case services.EventFundsLocked:
				if err := m.HandleFundsLocked(ctx, data.MatchID, data.UserID); err != nil && err != ErrMatchNotFound {
					log.Printf("[GAME] Failed to apply FUNDS_LOCKED for match %s: %v", data.MatchID, err)
				}
			case services.EventFundsLockFail:
				if err := m.HandleFundsLockFailed(ctx, data.MatchID, data.UserID); err != nil && err != ErrMatchNotFound {
					log.Printf("[GAME] Failed to apply lock failure for match %s: %v", data.MatchID, err)
				}
			}
		}
	}
}

func (m *Manager) publish(ctx context.Context, event string, update GameUpdate) {
	if err := m.relay.Publish(ctx, relay.ChannelGameUpdates, event, update); err != nil {
		log.Printf("[GAME] Failed to publish %s for match %s: %v", event, update.MatchID, err)
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
