package services

import (
	"context"
	"fmt"

	"game-rating-ledger/models"

	"github.com/go-redis/redis/v8"
)

// LeaderboardMirror receives rating changes after they commit. The database stays the
// source of truth; a mirror failure is logged and never fails a settlement.
type LeaderboardMirror interface {
	Publish(ctx context.Context, identities []models.Identity) error
	Rebuild(ctx context.Context, identities []models.Identity) error
}

// RedisLeaderboard keeps a sorted set of platform id -> rating, banned players removed.
type RedisLeaderboard struct {
	Client *redis.Client
	Key    string
}

func NewRedisLeaderboard(client *redis.Client, key string) *RedisLeaderboard {
	return &RedisLeaderboard{Client: client, Key: key}
}

func (l *RedisLeaderboard) Publish(ctx context.Context, identities []models.Identity) error {
	if len(identities) == 0 {
		return nil
	}
	pipe := l.Client.Pipeline()
	for _, ident := range identities {
		l.stage(ctx, pipe, ident)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish leaderboard: %w", err)
	}
	return nil
}

// Rebuild replaces the whole set in one MULTI block.
func (l *RedisLeaderboard) Rebuild(ctx context.Context, identities []models.Identity) error {
	pipe := l.Client.TxPipeline()
	pipe.Del(ctx, l.Key)
	for _, ident := range identities {
		l.stage(ctx, pipe, ident)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rebuild leaderboard: %w", err)
	}
	return nil
}

func (l *RedisLeaderboard) stage(ctx context.Context, pipe redis.Pipeliner, ident models.Identity) {
	if ident.IsBanned {
		pipe.ZRem(ctx, l.Key, ident.PlatformID)
		return
	}
	pipe.ZAdd(ctx, l.Key, &redis.Z{Score: float64(ident.Rating), Member: ident.PlatformID})
}
