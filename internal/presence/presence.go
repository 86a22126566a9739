// Package presence tracks which users currently hold a live transport
// session. Each online user has a Redis key carrying the id of the server
// instance holding the session, refreshed by heartbeats and expiring 30
// seconds after the last one.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const heartbeatTTL = 30 * time.Second

type Service struct {
	rdb *redis.Client
}

func NewService(rdb *redis.Client) *Service {
	return &Service{rdb: rdb}
}

func presenceKey(userID string) string {
	return "user:presence:" + userID
}

func (s *Service) SetOnline(ctx context.Context, userID, serverID string) error {
	return s.rdb.Set(ctx, presenceKey(userID), serverID, heartbeatTTL).Err()
}

func (s *Service) RefreshHeartbeat(ctx context.Context, userID string) error {
	return s.rdb.Expire(ctx, presenceKey(userID), heartbeatTTL).Err()
}

func (s *Service) SetOffline(ctx context.Context, userID string) error {
	return s.rdb.Del(ctx, presenceKey(userID)).Err()
}

// ActiveServer returns the server instance holding the user's session, or
// an empty string when the user is offline.
func (s *Service) ActiveServer(ctx context.Context, userID string) (string, error) {
	serverID, err := s.rdb.Get(ctx, presenceKey(userID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("presence lookup for %s: %w", userID, err)
	}
	return serverID, nil
}

func (s *Service) IsOnline(ctx context.Context, userID string) (bool, error) {
	serverID, err := s.ActiveServer(ctx, userID)
	if err != nil {
		return false, err
	}
	return serverID != "", nil
}
