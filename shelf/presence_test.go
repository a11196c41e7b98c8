package shelf

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestPresenceCoalescerWindows(t *testing.T) {
	settings := DefaultPresenceHeartbeatSettings()
	coalescer := NewPresenceCoalescer(settings)
	key := PresenceKey{ScopeId: NewId(), UserId: NewId()}
	start := time.Now()

	// nothing due before any activity
	assert.Equal(t, 0, len(coalescer.Due(start)))
	_, open := coalescer.NextDeadline()
	assert.Equal(t, false, open)

	// the first touch is due immediately
	coalescer.Touch(key, start)
	deadline, open := coalescer.NextDeadline()
	assert.Equal(t, true, open)
	assert.Equal(t, true, !start.Before(deadline))
	due := coalescer.Due(start)
	assert.Equal(t, []PresenceKey{key}, due)

	// activity inside the window rides along. no second grant until the
	// window expires.
	coalescer.Touch(key, start.Add(5*time.Second))
	coalescer.Touch(key, start.Add(20*time.Second))
	assert.Equal(t, 0, len(coalescer.Due(start.Add(20*time.Second))))

	due = coalescer.Due(start.Add(settings.WindowTimeout))
	assert.Equal(t, []PresenceKey{key}, due)

	// still active, the window keeps rolling
	coalescer.Touch(key, start.Add(settings.WindowTimeout+time.Second))
	due = coalescer.Due(start.Add(2 * settings.WindowTimeout))
	assert.Equal(t, []PresenceKey{key}, due)
}

func TestPresenceCoalescerIdleDrop(t *testing.T) {
	settings := DefaultPresenceHeartbeatSettings()
	coalescer := NewPresenceCoalescer(settings)
	key := PresenceKey{ScopeId: NewId(), UserId: NewId()}
	start := time.Now()

	coalescer.Touch(key, start)
	assert.Equal(t, 1, len(coalescer.Due(start)))
	assert.Equal(t, 1, coalescer.OpenWindows())

	// idle past the timeout: the window is dropped, not granted. the
	// writes just stop, there is no offline write to race a reconnect.
	quiet := start.Add(settings.IdleTimeout + time.Second)
	assert.Equal(t, 0, len(coalescer.Due(quiet)))
	assert.Equal(t, 0, coalescer.OpenWindows())

	// new activity after quiet opens a fresh immediately-due window
	coalescer.Touch(key, quiet)
	assert.Equal(t, 1, len(coalescer.Due(quiet)))
}

func TestPresenceCoalescerPerKey(t *testing.T) {
	settings := DefaultPresenceHeartbeatSettings()
	coalescer := NewPresenceCoalescer(settings)
	scopeId := NewId()
	keyA := PresenceKey{ScopeId: scopeId, UserId: NewId()}
	keyB := PresenceKey{ScopeId: scopeId, UserId: NewId()}
	start := time.Now()

	coalescer.Touch(keyA, start)
	assert.Equal(t, []PresenceKey{keyA}, coalescer.Due(start))

	// a second key gets its own window and deadline
	coalescer.Touch(keyB, start.Add(10*time.Second))
	deadline, open := coalescer.NextDeadline()
	assert.Equal(t, true, open)
	assert.Equal(t, start.Add(10*time.Second).Unix(), deadline.Unix())

	due := coalescer.Due(start.Add(10 * time.Second))
	assert.Equal(t, []PresenceKey{keyB}, due)
	assert.Equal(t, 2, coalescer.OpenWindows())
}

func TestOnlineUsers(t *testing.T) {
	scopeId := NewId()
	now := time.Now()
	threshold := 60 * time.Second

	fresh := &PresenceRecord{ScopeId: scopeId, UserId: NewId(), LastSeenAt: now.Add(-10 * time.Second)}
	edge := &PresenceRecord{ScopeId: scopeId, UserId: NewId(), LastSeenAt: now.Add(-threshold)}
	stale := &PresenceRecord{ScopeId: scopeId, UserId: NewId(), LastSeenAt: now.Add(-5 * time.Minute)}
	never := &PresenceRecord{ScopeId: scopeId, UserId: NewId()}

	online := OnlineUsers([]*PresenceRecord{fresh, edge, stale, never}, now, threshold)
	assert.Equal(t, 1, len(online))
	assert.Equal(t, fresh.UserId, online[0].UserId)
}

func TestPresenceHeartbeat(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storage := NewMemoryStorage()
	defer storage.Close()
	scopeId := NewId()
	userId := NewId()

	settings := &PresenceHeartbeatSettings{
		WindowTimeout:   50 * time.Millisecond,
		IdleTimeout:     200 * time.Millisecond,
		OnlineThreshold: 100 * time.Millisecond,
		TouchTimeout:    1 * time.Second,
	}
	heartbeat := NewPresenceHeartbeat(ctx, storage, scopeId, userId, settings)
	defer heartbeat.Close()

	// the first touch lands a write right away
	heartbeat.Touch()
	waitFor(t, 2*time.Second, func() bool {
		records, err := storage.QueryPresence(ctx, scopeId)
		assert.Equal(t, err, nil)
		return len(records) == 1
	})

	records, err := storage.QueryPresence(ctx, scopeId)
	assert.Equal(t, err, nil)
	firstSeenAt := records[0].LastSeenAt

	// continued activity refreshes lastSeenAt on the next window
	heartbeat.Touch()
	heartbeat.Touch()
	waitFor(t, 2*time.Second, func() bool {
		records, err := storage.QueryPresence(ctx, scopeId)
		assert.Equal(t, err, nil)
		return firstSeenAt.Before(records[0].LastSeenAt)
	})

	// after idle the writes stop and the marker goes stale on its own
	waitFor(t, 2*time.Second, func() bool {
		records, err := storage.QueryPresence(ctx, scopeId)
		assert.Equal(t, err, nil)
		online := OnlineUsers(records, time.Now(), settings.OnlineThreshold)
		return len(online) == 0
	})
	assert.Equal(t, 0, heartbeat.coalescer.OpenWindows())
}
