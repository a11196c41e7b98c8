package shelf

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/assert/v2"
)

func setupRedisPresence(t *testing.T) (*RedisPresenceStorage, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	storage, err := NewRedisPresenceStorage(context.Background(), NewMemoryStorage(), "redis://"+server.Addr())
	if err != nil {
		t.Fatalf("redis presence storage: %v", err)
	}
	return storage, server
}

func TestRedisPresenceTouchMonotonic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storage, server := setupRedisPresence(t)
	defer storage.Close()
	defer server.Close()

	scopeId := NewId()
	userId := NewId()
	now := time.Now()

	assert.Equal(t, storage.TouchPresence(ctx, scopeId, userId, now), nil)

	// an out-of-order older touch never regresses the marker
	assert.Equal(t, storage.TouchPresence(ctx, scopeId, userId, now.Add(-1*time.Minute)), nil)
	records, err := storage.QueryPresence(ctx, scopeId)
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, len(records))
	assert.Equal(t, now.UnixMilli(), records[0].LastSeenAt.UnixMilli())

	// a newer touch advances it
	later := now.Add(30 * time.Second)
	assert.Equal(t, storage.TouchPresence(ctx, scopeId, userId, later), nil)
	records, err = storage.QueryPresence(ctx, scopeId)
	assert.Equal(t, err, nil)
	assert.Equal(t, later.UnixMilli(), records[0].LastSeenAt.UnixMilli())
	assert.Equal(t, userId, records[0].UserId)
	assert.Equal(t, scopeId, records[0].ScopeId)
}

func TestRedisPresenceScopePartition(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storage, server := setupRedisPresence(t)
	defer storage.Close()
	defer server.Close()

	scopeA := NewId()
	scopeB := NewId()
	now := time.Now()

	assert.Equal(t, storage.TouchPresence(ctx, scopeA, NewId(), now), nil)
	assert.Equal(t, storage.TouchPresence(ctx, scopeA, NewId(), now), nil)
	assert.Equal(t, storage.TouchPresence(ctx, scopeB, NewId(), now), nil)

	records, err := storage.QueryPresence(ctx, scopeA)
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, len(records))

	records, err = storage.QueryPresence(ctx, scopeB)
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, len(records))

	// empty scope reads as nobody, not an error
	records, err = storage.QueryPresence(ctx, NewId())
	assert.Equal(t, err, nil)
	assert.Equal(t, 0, len(records))
}

func TestRedisPresenceRowsPassThrough(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storage, server := setupRedisPresence(t)
	defer storage.Close()
	defer server.Close()

	scopeId := NewId()
	leaf := newTestLeaf(scopeId, nil, "leaf", 10)

	// row operations land in the inner backend, untouched by the decorator
	assert.Equal(t, storage.InsertItem(ctx, leaf), nil)
	rows, err := storage.QueryScope(ctx, scopeId)
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, len(rows))
	assert.Equal(t, leaf.Id, rows[0].Id)

	assert.Equal(t, storage.DeleteItem(ctx, EntityKindItem, leaf.Id), nil)
	rows, err = storage.QueryScope(ctx, scopeId)
	assert.Equal(t, err, nil)
	assert.Equal(t, 0, len(rows))
}

func TestRedisPresenceBadUrl(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := NewRedisPresenceStorage(ctx, NewMemoryStorage(), "not a url")
	assert.NotEqual(t, err, nil)
}
