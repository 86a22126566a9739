package matchmaking

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/viper"

	"github.com/stakeduel/backend/internal/models"
	"github.com/stakeduel/backend/internal/services"
)

const lobbyCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// BalanceChecker verifies a joiner can cover the lobby wager.
type BalanceChecker interface {
	GetBalance(userID string) (decimal.Decimal, string, error)
}

// PresenceChecker reports whether the lobby host still has a live session.
type PresenceChecker interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// LobbyService manages private, code-joinable pairings. A lobby lives in
// Redis under its 4-character code with a 10 minute TTL; the second join
// creates the match and deletes the lobby.
type LobbyService struct {
	rdb      *redis.Client
	wallet   BalanceChecker
	presence PresenceChecker
	creator  MatchCreator
	ttl      time.Duration
}

func NewLobbyService(rdb *redis.Client, wallet BalanceChecker, presence PresenceChecker, creator MatchCreator) *LobbyService {
	viper.SetDefault("matchmaking.lobby_ttl", 10*time.Minute)
	return &LobbyService{
		rdb:      rdb,
		wallet:   wallet,
		presence: presence,
		creator:  creator,
		ttl:      viper.GetDuration("matchmaking.lobby_ttl"),
	}
}

func lobbyKey(code string) string {
	return "lobby:" + code
}

func newLobbyCode() string {
	code := make([]byte, 4)
	for i := range code {
		code[i] = lobbyCodeAlphabet[rand.Intn(len(lobbyCodeAlphabet))]
	}
	return string(code)
}

// Create opens a lobby for the host and returns its join code.
func (ls *LobbyService) Create(ctx context.Context, host models.Player, gameType string, betAmount decimal.Decimal) (string, error) {
	if gameType == "" {
		return "", ErrInvalidGameType
	}
	if !betAmount.IsPositive() {
		return "", ErrInvalidBet
	}

	code := newLobbyCode()
	lobby := models.Lobby{
		HostID:    host.UserID,
		GameType:  gameType,
		BetAmount: betAmount,
		Players:   []models.Player{host},
	}

	data, err := json.Marshal(lobby)
	if err != nil {
		return "", fmt.Errorf("encode lobby: %w", err)
	}
	if err := ls.rdb.Set(ctx, lobbyKey(code), data, ls.ttl).Err(); err != nil {
		return "", fmt.Errorf("create lobby: %w", err)
	}

	log.Printf("[MATCHMAKING] Lobby %s created by %s (%s, bet %s)", code, host.UserID, gameType, betAmount)
	return code, nil
}

// Get returns the lobby stored under a code.
func (ls *LobbyService) Get(ctx context.Context, code string) (*models.Lobby, error) {
	data, err := ls.rdb.Get(ctx, lobbyKey(code)).Result()
	if err == redis.Nil {
		return nil, ErrLobbyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lobby %s: %w", code, err)
	}

	var lobby models.Lobby
	if err := json.Unmarshal([]byte(data), &lobby); err != nil {
		return nil, fmt.Errorf("decode lobby %s: %w", code, err)
	}
	return &lobby, nil
}

// Join adds a player to a lobby. The joiner must cover the wager and the
// host must still be reachable. The second join fills the lobby, creates
// the match, and removes the lobby record.
func (ls *LobbyService) Join(ctx context.Context, joiner models.Player, code string) error {
	lobby, err := ls.Get(ctx, code)
	if err != nil {
		return err
	}

	for _, p := range lobby.Players {
		if p.UserID == joiner.UserID {
			return nil
		}
	}
	if len(lobby.Players) >= 2 {
		return ErrLobbyFull
	}

	balance, _, err := ls.wallet.GetBalance(joiner.UserID)
	if err != nil {
		return err
	}
	if balance.LessThan(lobby.BetAmount) {
		return fmt.Errorf("join lobby %s: %w", code, services.ErrInsufficientFunds)
	}

	online, err := ls.presence.IsOnline(ctx, lobby.HostID)
	if err != nil {
		return err
	}
	if !online {
		log.Printf("[MATCHMAKING] Host %s offline, rejecting join of lobby %s by %s", lobby.HostID, code, joiner.UserID)
		return ErrHostOffline
	}

	lobby.Players = append(lobby.Players, joiner)
	data, err := json.Marshal(lobby)
	if err != nil {
		return fmt.Errorf("encode lobby: %w", err)
	}
	if err := ls.rdb.Set(ctx, lobbyKey(code), data, ls.ttl).Err(); err != nil {
		return fmt.Errorf("update lobby %s: %w", code, err)
	}

	if len(lobby.Players) < 2 {
		return nil
	}

	mf := models.MatchFound{
		MatchID:  uuid.NewString(),
		GameType: lobby.GameType,
		Mode:     models.ModeFriend,
		Players:  lobby.Players,
		Config: models.GameConfig{
			BetAmount:    lobby.BetAmount,
			MaxRounds:    1,
			TargetNumber: targetFor(lobby.GameType),
		},
		Turn: lobby.HostID,
	}

	if err := ls.creator.CreateGame(ctx, mf); err != nil {
		return err
	}
	if err := ls.rdb.Del(ctx, lobbyKey(code)).Err(); err != nil {
		log.Printf("[MATCHMAKING] Failed to delete filled lobby %s: %v", code, err)
	}

	log.Printf("[MATCHMAKING] Lobby %s filled, match %s created", code, mf.MatchID)
	return nil
}

// InviteQR renders a scannable invite for a lobby code as a PNG.
func (ls *LobbyService) InviteQR(code string) ([]byte, error) {
	viper.SetDefault("matchmaking.invite_base_url", "https://play.stakeduel.io/join")
	url := fmt.Sprintf("%s/%s", viper.GetString("matchmaking.invite_base_url"), code)

	png, err := qrcode.Encode(url, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("render invite QR for %s: %w", code, err)
	}
	return png, nil
}
