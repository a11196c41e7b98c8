package shelf

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPresenceStorage layers presence over another backend. Row operations
// pass through untouched; presence lives in a redis sorted set per scope,
// member=user id, score=last seen unix millis, so the heartbeat write is a
// single ZADD and the who-is-here query is a single range read. ZADD GT
// keeps last_seen_at monotonic when touches land out of order.

const presenceKeyPrefix = "shelf:presence:"

// a record this stale is garbage, not presence
const presenceExpireAfter = 24 * time.Hour

type RedisPresenceStorage struct {
	Storage

	client *redis.Client
}

func NewRedisPresenceStorage(ctx context.Context, inner Storage, redisUrl string) (*RedisPresenceStorage, error) {
	opts, err := redis.ParseURL(redisUrl)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", mapStorageErr(err))
	}

	return NewRedisPresenceStorageWithClient(inner, client), nil
}

// NewRedisPresenceStorageWithClient wraps an existing client. Used by tests
// to point at a miniredis instance.
func NewRedisPresenceStorageWithClient(inner Storage, client *redis.Client) *RedisPresenceStorage {
	return &RedisPresenceStorage{
		Storage: inner,
		client:  client,
	}
}

func (self *RedisPresenceStorage) key(scopeId Id) string {
	return presenceKeyPrefix + scopeId.String()
}

func (self *RedisPresenceStorage) TouchPresence(ctx context.Context, scopeId Id, userId Id, seenAt time.Time) error {
	key := self.key(scopeId)
	err := self.client.ZAddGT(ctx, key, redis.Z{
		Score:  float64(seenAt.UnixMilli()),
		Member: userId.String(),
	}).Err()
	if err != nil {
		return fmt.Errorf("touch presence: %w", mapStorageErr(err))
	}
	// refresh the scope ttl so abandoned scopes age out
	if err := self.client.Expire(ctx, key, presenceExpireAfter).Err(); err != nil {
		return fmt.Errorf("touch presence: %w", mapStorageErr(err))
	}
	return nil
}

func (self *RedisPresenceStorage) QueryPresence(ctx context.Context, scopeId Id) ([]*PresenceRecord, error) {
	key := self.key(scopeId)

	// drop records past the retention horizon before reading
	horizon := time.Now().Add(-presenceExpireAfter).UnixMilli()
	if err := self.client.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", horizon)).Err(); err != nil {
		return nil, fmt.Errorf("query presence: %w", mapStorageErr(err))
	}

	members, err := self.client.ZRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("query presence: %w", mapStorageErr(err))
	}

	records := []*PresenceRecord{}
	for _, member := range members {
		memberStr, ok := member.Member.(string)
		if !ok {
			continue
		}
		userId, err := ParseId(memberStr)
		if err != nil {
			continue
		}
		records = append(records, &PresenceRecord{
			ScopeId:    scopeId,
			UserId:     userId,
			LastSeenAt: time.UnixMilli(int64(member.Score)),
		})
	}
	return records, nil
}

func (self *RedisPresenceStorage) Close() error {
	clientErr := self.client.Close()
	innerErr := self.Storage.Close()
	if clientErr != nil {
		return clientErr
	}
	return innerErr
}
