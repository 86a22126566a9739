package game

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/stakeduel/backend/internal/models"
)

// Store keeps each match document as one JSON blob in Redis, rewritten
// whole on every save. Serialization of concurrent writers is the
// Manager's job, not the store's.
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func matchKey(matchID string) string {
	return "game:" + matchID
}

func (s *Store) Get(ctx context.Context, matchID string) (*models.MatchState, error) {
	data, err := s.rdb.Get(ctx, matchKey(matchID)).Result()
	if err == redis.Nil {
		return nil, ErrMatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get match %s: %w", matchID, err)
	}

	var state models.MatchState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("decode match %s: %w", matchID, err)
	}
	return &state, nil
}

func (s *Store) Save(ctx context.Context, state *models.MatchState) error {
	state.UpdatedAt = time.Now()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode match %s: %w", state.MatchID, err)
	}
	if err := s.rdb.Set(ctx, matchKey(state.MatchID), data, 0).Err(); err != nil {
		return fmt.Errorf("save match %s: %w", state.MatchID, err)
	}
	return nil
}
