package matchmaking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/stakeduel/backend/internal/game"
	"github.com/stakeduel/backend/internal/models"
	"github.com/stakeduel/backend/internal/relay"
)

// Validation errors for queue and lobby entry.
var (
	ErrInvalidGameType = errors.New("unsupported game type")
	ErrInvalidTier     = errors.New("unsupported tier")
	ErrInvalidBet      = errors.New("bet amount must be positive")
	ErrLobbyNotFound   = errors.New("lobby not found or expired")
	ErrLobbyFull       = errors.New("lobby is full")
	ErrHostOffline     = errors.New("lobby host is offline")
)

// Job and event names owned by matchmaking.
const (
	JobQueueTimeout   = "QUEUE_TIMEOUT"
	EventMatchFound   = "MATCH_FOUND"
	EventMatchTimeout = "MATCH_TIMEOUT"
)

// QueueTimeoutPayload removes one exact entry from a queue after the
// waiting window expires.
type QueueTimeoutPayload struct {
	Entry    models.QueueEntry `json:"entry"`
	GameType string            `json:"gameType"`
	Tier     string            `json:"tier"`
}

// MatchCreator hands a finished pairing to the state machine.
type MatchCreator interface {
	CreateGame(ctx context.Context, mf models.MatchFound) error
}

// Dispatcher is the slice of the command relay matchmaking uses.
type Dispatcher interface {
	EnqueueDelayed(ctx context.Context, queue, name string, payload any, delay time.Duration) error
	Publish(ctx context.Context, channel, name string, data any) error
}

// Queue pairs waiting players from tiered FIFO lists in Redis. Joining
// appends to the tail of the (gameType, tier) list; a single pairing loop
// pops pairs off the heads. Entries that wait too long are removed by a
// delayed timeout job matching the exact serialized value.
type Queue struct {
	rdb     *redis.Client
	relay   Dispatcher
	creator MatchCreator

	queues       []string
	gameTypes    []string
	tiers        []string
	queueTimeout time.Duration
	graceWait    time.Duration
	pollWait     time.Duration
}

func NewQueue(rdb *redis.Client, r Dispatcher, creator MatchCreator) *Queue {
	viper.SetDefault("matchmaking.game_types", []string{"dice"})
	viper.SetDefault("matchmaking.tiers", []string{"bronze", "standard"})
	viper.SetDefault("matchmaking.queue_timeout", 60*time.Second)
	viper.SetDefault("matchmaking.grace_wait", 2*time.Second)
	viper.SetDefault("matchmaking.poll_wait", time.Second)

	gameTypes := viper.GetStringSlice("matchmaking.game_types")
	tiers := viper.GetStringSlice("matchmaking.tiers")

	var queues []string
	for _, gt := range gameTypes {
		for _, tier := range tiers {
			queues = append(queues, queueKey(gt, tier))
		}
	}

	return &Queue{
		rdb:          rdb,
		relay:        r,
		creator:      creator,
		queues:       queues,
		gameTypes:    gameTypes,
		tiers:        tiers,
		queueTimeout: viper.GetDuration("matchmaking.queue_timeout"),
		graceWait:    viper.GetDuration("matchmaking.grace_wait"),
		pollWait:     viper.GetDuration("matchmaking.poll_wait"),
	}
}

func queueKey(gameType, tier string) string {
	return fmt.Sprintf("queue:%s:%s", gameType, tier)
}

func (q *Queue) validate(gameType, tier string, entry models.QueueEntry) error {
	if !contains(q.gameTypes, gameType) {
		return fmt.Errorf("%w: %s", ErrInvalidGameType, gameType)
	}
	if !contains(q.tiers, tier) {
		return fmt.Errorf("%w: %s", ErrInvalidTier, tier)
	}
	if !entry.BetAmount.IsPositive() {
		return ErrInvalidBet
	}
	return nil
}

// Join appends the entry to the tail of its (gameType, tier) queue and
// schedules the expiry job that removes it if it is never paired.
func (q *Queue) Join(ctx context.Context, gameType, tier string, entry models.QueueEntry) error {
	if err := q.validate(gameType, tier, entry); err != nil {
		return err
	}

	key := queueKey(gameType, tier)
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode queue entry: %w", err)
	}

	if err := q.rdb.RPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("join queue %s: %w", key, err)
	}

	timeout := QueueTimeoutPayload{Entry: entry, GameType: gameType, Tier: tier}
	if err := q.relay.EnqueueDelayed(ctx, relay.QueueMatchTimeout, JobQueueTimeout, timeout, q.queueTimeout); err != nil {
		log.Printf("[MATCHMAKING] Failed to schedule queue timeout for %s: %v", entry.UserID, err)
	}

	log.Printf("[MATCHMAKING] User %s joined queue %s (timeout %s)", entry.UserID, key, q.queueTimeout)
	return nil
}

// Run is the pairing loop. It must run as a single instance; two loops
// against the same queues can double-pair.
func (q *Queue) Run(ctx context.Context) {
	log.Printf("[MATCHMAKING] Pairing loop starting for queues: %s", strings.Join(q.queues, ", "))

	for {
		select {
		case <-ctx.Done():
			log.Printf("[MATCHMAKING] Pairing loop stopped")
			return
		default:
		}

		if err := q.pairOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[MATCHMAKING] Pairing loop error: %v", err)
			time.Sleep(time.Second)
		}
	}
}

// pairOnce waits up to pollWait for a head entry across all queues, then
// up to graceWait for a partner on the same queue. A lone entry goes back
// to the head of its queue and that queue rotates to the back of the scan
// order so an always-short queue cannot starve the rest.
func (q *Queue) pairOnce(ctx context.Context) error {
	res, err := q.rdb.BLPop(ctx, q.pollWait, q.queues...).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("queue poll: %w", err)
	}
	key, first := res[0], res[1]

	second, err := q.rdb.LPop(ctx, key).Result()
	if err == redis.Nil {
		res2, err2 := q.rdb.BLPop(ctx, q.graceWait, key).Result()
		if err2 == redis.Nil {
			log.Printf("[MATCHMAKING] No opponent in %s, re-queuing head entry", key)
			if err := q.rdb.LPush(ctx, key, first).Err(); err != nil {
				return fmt.Errorf("re-queue entry: %w", err)
			}
			q.rotate(key)
			return nil
		}
		if err2 != nil {
			return fmt.Errorf("opponent wait on %s: %w", key, err2)
		}
		second = res2[1]
	} else if err != nil {
		return fmt.Errorf("opponent pop on %s: %w", key, err)
	}

	var e1, e2 models.QueueEntry
	if err := json.Unmarshal([]byte(first), &e1); err != nil {
		return fmt.Errorf("decode queue entry: %w", err)
	}
	if err := json.Unmarshal([]byte(second), &e2); err != nil {
		return fmt.Errorf("decode queue entry: %w", err)
	}

	if err := q.createMatch(ctx, key, e1, e2); err != nil {
		// Both entries go back to the head in their original order so a
		// transient failure does not silently drop waiting players.
		log.Printf("[MATCHMAKING] Match creation failed on %s, re-queuing both entries: %v", key, err)
		if pushErr := q.rdb.LPush(ctx, key, second, first).Err(); pushErr != nil {
			return fmt.Errorf("re-queue after failure: %w", pushErr)
		}
	}
	return nil
}

func (q *Queue) rotate(key string) {
	for i, k := range q.queues {
		if k == key {
			q.queues = append(append(q.queues[:i], q.queues[i+1:]...), key)
			return
		}
	}
}

func (q *Queue) createMatch(ctx context.Context, key string, e1, e2 models.QueueEntry) error {
	parts := strings.Split(key, ":")
	gameType, tier := parts[1], parts[2]

	turn := e1.UserID
	if rand.Intn(2) == 1 {
		turn = e2.UserID
	}

	mf := models.MatchFound{
		MatchID:  uuid.NewString(),
		GameType: gameType,
		Mode:     models.ModeRandom,
		Players: []models.Player{
			{UserID: e1.UserID, Username: e1.Username},
			{UserID: e2.UserID, Username: e2.Username},
		},
		Config: models.GameConfig{
			BetAmount:    e1.BetAmount,
			MaxRounds:    1,
			TargetNumber: targetFor(gameType),
		},
		Turn: turn,
	}

	log.Printf("[MATCHMAKING] Match %s found on %s (tier %s): %s vs %s",
		mf.MatchID, gameType, tier, e1.UserID, e2.UserID)

	if err := q.creator.CreateGame(ctx, mf); err != nil {
		return err
	}

	if err := q.relay.Publish(ctx, relay.ChannelMatchmakingEvents, EventMatchFound, mf); err != nil {
		log.Printf("[MATCHMAKING] Failed to publish %s for match %s: %v", EventMatchFound, mf.MatchID, err)
	}
	return nil
}

func targetFor(gameType string) int {
	if gameType == "dice" {
		return game.RandomTarget()
	}
	return 0
}

// RegisterTimeoutHandler binds the queue-entry expiry job to a worker
// consuming the match timeout queue.
func RegisterTimeoutHandler(w *relay.Worker, q *Queue) {
	w.Handle(JobQueueTimeout, q.handleTimeout)
}

// handleTimeout removes a still-waiting entry from its queue by exact
// value. An entry that was already paired or removed is left alone.
func (q *Queue) handleTimeout(ctx context.Context, job relay.Job) error {
	var p QueueTimeoutPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode %s payload: %w", job.Name, err)
	}

	key := queueKey(p.GameType, p.Tier)
	payload, err := json.Marshal(p.Entry)
	if err != nil {
		return fmt.Errorf("encode queue entry: %w", err)
	}

	removed, err := q.rdb.LRem(ctx, key, 1, payload).Result()
	if err != nil {
		return fmt.Errorf("remove timed-out entry from %s: %w", key, err)
	}
	if removed == 0 {
		return nil
	}

	log.Printf("[MATCHMAKING] User %s timed out waiting in %s", p.Entry.UserID, key)
	event := map[string]string{"userId": p.Entry.UserID, "gameType": p.GameType}
	if err := q.relay.Publish(ctx, relay.ChannelMatchmakingEvents, EventMatchTimeout, event); err != nil {
		log.Printf("[MATCHMAKING] Failed to publish %s for %s: %v", EventMatchTimeout, p.Entry.UserID, err)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
