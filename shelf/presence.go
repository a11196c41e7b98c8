package shelf

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// presence is a throttled liveness signal. local activity asks for a
// heartbeat; the coalescer grants at most one write per window per
// (scope, user), with activity inside a window folded into a single
// trailing write at window expiry. while the user stays active the window
// keeps rolling, so peers see a steady lastSeenAt. after IdleTimeout with
// no activity the window is dropped and the writes simply stop. there is
// no "going offline" write: online is derived from lastSeenAt age, so a
// late offline write can never fight a fast reconnect.

type PresenceHeartbeatSettings struct {
	// WindowTimeout is the coalescing window. at most one presence write
	// per window per (scope, user).
	WindowTimeout time.Duration
	// IdleTimeout is how long after the last activity the heartbeat keeps
	// refreshing before going quiet.
	IdleTimeout time.Duration
	// OnlineThreshold is the lastSeenAt age under which a user reads as
	// online. two windows, so one dropped write does not flicker peers.
	OnlineThreshold time.Duration
	// TouchTimeout bounds one presence write.
	TouchTimeout time.Duration
}

func DefaultPresenceHeartbeatSettings() *PresenceHeartbeatSettings {
	windowTimeout := 30 * time.Second
	return &PresenceHeartbeatSettings{
		WindowTimeout:   windowTimeout,
		IdleTimeout:     5 * time.Minute,
		OnlineThreshold: 2 * windowTimeout,
		TouchTimeout:    5 * time.Second,
	}
}

type PresenceKey struct {
	ScopeId Id
	UserId  Id
}

type presenceWindow struct {
	windowEnd        time.Time
	lastActivityTime time.Time
}

// PresenceCoalescer is the throttling state machine, pure of clocks and
// i/o. callers pass the current time in and perform the writes it grants.
type PresenceCoalescer struct {
	settings *PresenceHeartbeatSettings

	stateLock sync.Mutex
	windows   map[PresenceKey]*presenceWindow
}

func NewPresenceCoalescer(settings *PresenceHeartbeatSettings) *PresenceCoalescer {
	return &PresenceCoalescer{
		settings: settings,
		windows:  map[PresenceKey]*presenceWindow{},
	}
}

// Touch records activity on the key. the first activity after quiet opens
// a window that is due immediately; activity inside a live window rides
// along to the window-expiry write.
func (self *PresenceCoalescer) Touch(key PresenceKey, now time.Time) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	window, ok := self.windows[key]
	if !ok {
		self.windows[key] = &presenceWindow{
			// due immediately
			windowEnd:        now,
			lastActivityTime: now,
		}
		return
	}
	window.lastActivityTime = now
}

// Due returns the keys whose write is due and rolls their windows forward.
// keys idle past IdleTimeout are dropped instead of granted.
func (self *PresenceCoalescer) Due(now time.Time) []PresenceKey {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	due := []PresenceKey{}
	for key, window := range self.windows {
		if now.Before(window.windowEnd) {
			continue
		}
		if self.settings.IdleTimeout <= now.Sub(window.lastActivityTime) {
			delete(self.windows, key)
			continue
		}
		window.windowEnd = now.Add(self.settings.WindowTimeout)
		due = append(due, key)
	}
	return due
}

// NextDeadline reports the earliest window expiry, when any window is open.
func (self *PresenceCoalescer) NextDeadline() (time.Time, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	var deadline time.Time
	found := false
	for _, window := range self.windows {
		if !found || window.windowEnd.Before(deadline) {
			deadline = window.windowEnd
			found = true
		}
	}
	return deadline, found
}

func (self *PresenceCoalescer) OpenWindows() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.windows)
}

// PresenceHeartbeat drives the coalescer with real time and performs the
// granted writes. one heartbeat serves one (scope, user), owned by the
// session: tearing down the session cancels the loop and every timer with
// it.
type PresenceHeartbeat struct {
	ctx    context.Context
	cancel context.CancelFunc

	storage Storage
	key     PresenceKey

	settings  *PresenceHeartbeatSettings
	coalescer *PresenceCoalescer

	touched chan struct{}
}

func NewPresenceHeartbeatWithDefaults(ctx context.Context, storage Storage, scopeId Id, userId Id) *PresenceHeartbeat {
	return NewPresenceHeartbeat(ctx, storage, scopeId, userId, DefaultPresenceHeartbeatSettings())
}

func NewPresenceHeartbeat(ctx context.Context, storage Storage, scopeId Id, userId Id, settings *PresenceHeartbeatSettings) *PresenceHeartbeat {
	cancelCtx, cancel := context.WithCancel(ctx)
	heartbeat := &PresenceHeartbeat{
		ctx:     cancelCtx,
		cancel:  cancel,
		storage: storage,
		key: PresenceKey{
			ScopeId: scopeId,
			UserId:  userId,
		},
		settings:  settings,
		coalescer: NewPresenceCoalescer(settings),
		touched:   make(chan struct{}, 1),
	}
	go heartbeat.run()
	return heartbeat
}

// Touch marks local activity. cheap enough for input handlers to call on
// every event; the coalescer decides what actually hits storage.
func (self *PresenceHeartbeat) Touch() {
	self.coalescer.Touch(self.key, time.Now())
	select {
	case self.touched <- struct{}{}:
	default:
	}
}

func (self *PresenceHeartbeat) run() {
	defer self.cancel()

	for {
		var expire <-chan time.Time
		if deadline, ok := self.coalescer.NextDeadline(); ok {
			expire = time.After(time.Until(deadline))
		}

		select {
		case <-self.ctx.Done():
			return
		case <-self.touched:
		case <-expire:
		}

		for _, key := range self.coalescer.Due(time.Now()) {
			self.write(key)
		}
	}
}

func (self *PresenceHeartbeat) write(key PresenceKey) {
	ctx, cancel := context.WithTimeout(self.ctx, self.settings.TouchTimeout)
	defer cancel()

	err := self.storage.TouchPresence(ctx, key.ScopeId, key.UserId, time.Now())
	if err != nil {
		// drop it. the next window's write refreshes lastSeenAt, and the
		// online threshold rides out a single miss.
		glog.V(1).Infof("[presence]touch %s@%s failed: %s\n", key.UserId, key.ScopeId, err)
		return
	}
	glog.V(2).Infof("[presence]touch %s@%s\n", key.UserId, key.ScopeId)
}

func (self *PresenceHeartbeat) Close() {
	self.cancel()
}

// OnlineUsers filters records down to those that read as online at `now`
// under the settings threshold.
func OnlineUsers(records []*PresenceRecord, now time.Time, threshold time.Duration) []*PresenceRecord {
	online := []*PresenceRecord{}
	for _, record := range records {
		if record.Online(now, threshold) {
			online = append(online, record)
		}
	}
	return online
}
