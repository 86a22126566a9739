package matchmaking

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/stakeduel/backend/internal/models"
)

// BotService pairs a player synchronously against the designated bot
// account, bypassing the waiting queue entirely.
type BotService struct {
	creator     MatchCreator
	botUserID   string
	botUsername string
}

func NewBotService(creator MatchCreator) *BotService {
	viper.SetDefault("matchmaking.bot_user_id", "bot_agent_v1")
	viper.SetDefault("matchmaking.bot_username", "DuelBot")

	return &BotService{
		creator:     creator,
		botUserID:   viper.GetString("matchmaking.bot_user_id"),
		botUsername: viper.GetString("matchmaking.bot_username"),
	}
}

// CreateBotMatch starts a match between the player and the bot. The human
// always takes the first turn.
func (bs *BotService) CreateBotMatch(ctx context.Context, player models.Player, gameType string, betAmount decimal.Decimal) (string, error) {
	if gameType == "" {
		return "", ErrInvalidGameType
	}
	if !betAmount.IsPositive() {
		return "", ErrInvalidBet
	}

	mf := models.MatchFound{
		MatchID:  uuid.NewString(),
		GameType: gameType,
		Mode:     models.ModeBot,
		Players: []models.Player{
			player,
			{UserID: bs.botUserID, Username: bs.botUsername, IsBot: true},
		},
		Config: models.GameConfig{
			BetAmount:    betAmount,
			MaxRounds:    1,
			TargetNumber: targetFor(gameType),
		},
		Turn: player.UserID,
	}

	if err := bs.creator.CreateGame(ctx, mf); err != nil {
		return "", fmt.Errorf("create bot match: %w", err)
	}

	log.Printf("[MATCHMAKING] Bot match %s created for %s (%s)", mf.MatchID, player.UserID, gameType)
	return mf.MatchID, nil
}
