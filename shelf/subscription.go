package shelf

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// the session manager owns the live ensemble for one scope: the initial
// bulk load, the subscription transport, the merger loop, the mutation
// coordinator, and the presence heartbeat. switching scopes always tears
// the whole ensemble down before building the next one, so two scopes are
// never live at once and a late response from the old scope has nothing
// left to write into: everything hangs off the session context, and the
// generation counter fences the slow paths that outlive a cancel.
//
// states:
//	Idle -> Authorizing -> Subscribed -> (Error -> Reauthorizing) -> Idle

type SessionState string

const (
	SessionStateIdle          SessionState = "idle"
	SessionStateAuthorizing   SessionState = "authorizing"
	SessionStateSubscribed    SessionState = "subscribed"
	SessionStateError         SessionState = "error"
	SessionStateReauthorizing SessionState = "reauthorizing"
)

func (self SessionState) IsActive() bool {
	switch self {
	case SessionStateAuthorizing, SessionStateSubscribed, SessionStateReauthorizing:
		return true
	default:
		return false
	}
}

type SessionStateFunction = func(state SessionState)

// SessionStaleFunction is notified when the live view goes stale (the
// subscription keeps failing to reconnect) and again when it recovers.
type SessionStaleFunction = func(stale bool)

// TokenSourceFunction produces a session token for the scope. Called on
// subscribe and again on reauthorization, so it should mint or refresh
// rather than return a cached rejected token.
type TokenSourceFunction = func(ctx context.Context, scopeId Id) (string, error)

type SubscriptionSessionSettings struct {
	// LoadTimeout bounds the initial bulk load of the scope.
	LoadTimeout time.Duration
	// AuthorizeTimeout bounds one token fetch.
	AuthorizeTimeout time.Duration
	// StaleAfterFailures is how many consecutive reconnect failures flip
	// the stale-view signal.
	StaleAfterFailures int

	TransportSettings   *SubscriptionTransportSettings
	MergerSettings      *EventMergerSettings
	CoordinatorSettings *MutationCoordinatorSettings
	HeartbeatSettings   *PresenceHeartbeatSettings
}

func DefaultSubscriptionSessionSettings() *SubscriptionSessionSettings {
	return &SubscriptionSessionSettings{
		LoadTimeout:         30 * time.Second,
		AuthorizeTimeout:    10 * time.Second,
		StaleAfterFailures:  3,
		TransportSettings:   DefaultSubscriptionTransportSettings(),
		MergerSettings:      DefaultEventMergerSettings(),
		CoordinatorSettings: DefaultMutationCoordinatorSettings(),
		HeartbeatSettings:   DefaultPresenceHeartbeatSettings(),
	}
}

// subscriptionSession is one generation of the live ensemble.
type subscriptionSession struct {
	generation int
	scopeId    Id

	ctx    context.Context
	cancel context.CancelFunc

	token       *SessionToken
	transport   *SubscriptionTransport
	coordinator *MutationCoordinator
	merger      *EventMerger
	heartbeat   *PresenceHeartbeat

	// set when this session came out of a reauthorization, so a second
	// refusal gives up instead of looping
	reauthorized bool
	// a terminal transport failure is reacted to exactly once, whether it
	// arrives through the callback or the post-commit replay
	failedOnce sync.Once

	unsubTransportState func()
}

func (self *subscriptionSession) close() {
	self.cancel()
	if self.unsubTransportState != nil {
		self.unsubTransportState()
	}
	if self.transport != nil {
		self.transport.Close()
	}
	if self.heartbeat != nil {
		self.heartbeat.Close()
	}
}

type SubscriptionSessionManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	store        *ItemStore
	storage      Storage
	transportUrl string
	instanceId   Id
	tokenSource  TokenSourceFunction

	settings *SubscriptionSessionSettings

	stateLock      sync.Mutex
	state          SessionState
	lastErr        error
	generation     int
	session        *subscriptionSession
	stale          bool
	stateCallbacks *CallbackList[SessionStateFunction]
	staleCallbacks *CallbackList[SessionStaleFunction]
}

func NewSubscriptionSessionManagerWithDefaults(ctx context.Context, store *ItemStore, storage Storage, transportUrl string, tokenSource TokenSourceFunction) *SubscriptionSessionManager {
	return NewSubscriptionSessionManager(ctx, store, storage, transportUrl, tokenSource, DefaultSubscriptionSessionSettings())
}

func NewSubscriptionSessionManager(ctx context.Context, store *ItemStore, storage Storage, transportUrl string, tokenSource TokenSourceFunction, settings *SubscriptionSessionSettings) *SubscriptionSessionManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SubscriptionSessionManager{
		ctx:            cancelCtx,
		cancel:         cancel,
		store:          store,
		storage:        storage,
		transportUrl:   transportUrl,
		instanceId:     NewId(),
		tokenSource:    tokenSource,
		settings:       settings,
		state:          SessionStateIdle,
		stateCallbacks: NewCallbackList[SessionStateFunction](),
		staleCallbacks: NewCallbackList[SessionStaleFunction](),
	}
}

func (self *SubscriptionSessionManager) State() SessionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// LastError is the typed failure behind the current Idle or Error state.
func (self *SubscriptionSessionManager) LastError() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastErr
}

// ScopeId reports the scope of the live session.
func (self *SubscriptionSessionManager) ScopeId() (Id, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.session == nil {
		return Id{}, false
	}
	return self.session.scopeId, true
}

// Coordinator is the mutation entry point for the live session, or nil
// when idle.
func (self *SubscriptionSessionManager) Coordinator() *MutationCoordinator {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.session == nil {
		return nil
	}
	return self.session.coordinator
}

// Heartbeat is the presence heartbeat for the live session, or nil when
// idle.
func (self *SubscriptionSessionManager) Heartbeat() *PresenceHeartbeat {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.session == nil {
		return nil
	}
	return self.session.heartbeat
}

// Token is the parsed session token of the live session, or nil when idle.
func (self *SubscriptionSessionManager) Token() *SessionToken {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.session == nil {
		return nil
	}
	return self.session.token
}

func (self *SubscriptionSessionManager) Generation() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.generation
}

func (self *SubscriptionSessionManager) AddStateCallback(stateCallback SessionStateFunction) func() {
	callbackId := self.stateCallbacks.Add(stateCallback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

func (self *SubscriptionSessionManager) AddStaleCallback(staleCallback SessionStaleFunction) func() {
	callbackId := self.staleCallbacks.Add(staleCallback)
	return func() {
		self.staleCallbacks.Remove(callbackId)
	}
}

// Subscribe switches the manager to the scope: tears down whatever is
// live, authorizes, bulk loads, then subscribes. Blocks until envelopes
// are flowing or a typed failure is returned, in which case the manager
// is Idle.
func (self *SubscriptionSessionManager) Subscribe(ctx context.Context, scopeId Id) error {
	return self.establish(ctx, scopeId, SessionStateAuthorizing, false)
}

// Unsubscribe tears the live session down and returns to Idle.
func (self *SubscriptionSessionManager) Unsubscribe() {
	self.teardown(nil)
}

func (self *SubscriptionSessionManager) Close() {
	self.teardown(nil)
	self.cancel()
}

// teardown closes the live session, clears its scope from the store, and
// goes Idle.
func (self *SubscriptionSessionManager) teardown(err error) {
	var session *subscriptionSession
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		session = self.session
		self.session = nil
		self.generation += 1
		self.lastErr = err
	}()
	if session != nil {
		session.close()
	}
	self.setState(SessionStateIdle)
	self.setStale(false)
	if session != nil {
		self.store.Clear(session.scopeId)
	}
}

func (self *SubscriptionSessionManager) establish(ctx context.Context, scopeId Id, via SessionState, reauthorized bool) error {
	if err := self.ctx.Err(); err != nil {
		return err
	}

	// fence this attempt: any newer subscribe/teardown bumps the
	// generation and this attempt aborts at its next commit point
	var generation int
	var previous *subscriptionSession
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		previous = self.session
		self.session = nil
		self.generation += 1
		generation = self.generation
	}()
	if previous != nil {
		previous.close()
		self.store.Clear(previous.scopeId)
	}
	self.setState(via)
	self.setStale(false)

	fail := func(err error) error {
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			if self.generation == generation {
				self.lastErr = err
			}
		}()
		self.setStateIfCurrent(generation, SessionStateIdle)
		return err
	}

	// token first. without one there is nothing to subscribe with.
	authCtx, authCancel := context.WithTimeout(ctx, self.settings.AuthorizeTimeout)
	tokenStr, err := self.tokenSource(authCtx, scopeId)
	authCancel()
	if err != nil {
		return fail(mapStorageErr(err))
	}
	if tokenStr == "" {
		return fail(ErrNoSessionToken)
	}
	token, err := ParseSessionTokenUnverified(tokenStr)
	if err != nil {
		return fail(err)
	}
	if !token.AllowsScope(scopeId) {
		return fail(ErrScopeMismatch)
	}

	session := &subscriptionSession{
		generation:   generation,
		scopeId:      scopeId,
		token:        token,
		reauthorized: reauthorized,
	}
	session.ctx, session.cancel = context.WithCancel(self.ctx)

	// bulk load before subscribing, so the merger folds envelopes into a
	// populated store instead of self-healing every row
	loadCtx, loadCancel := context.WithTimeout(session.ctx, self.settings.LoadTimeout)
	items, err := self.storage.QueryScope(loadCtx, scopeId)
	loadCancel()
	if err != nil {
		session.cancel()
		return fail(mapStorageErr(err))
	}
	if !self.isCurrent(generation) {
		session.cancel()
		return ErrSuperseded
	}
	self.store.Load(scopeId, items)

	session.coordinator = NewMutationCoordinator(session.ctx, self.store, self.storage, self.settings.CoordinatorSettings)
	session.merger = NewEventMerger(session.ctx, scopeId, self.store, self.storage, session.coordinator, self.settings.MergerSettings)
	session.heartbeat = NewPresenceHeartbeat(session.ctx, self.storage, scopeId, token.UserId, self.settings.HeartbeatSettings)
	session.transport = NewSubscriptionTransport(session.ctx, self.transportUrl, &SubscriptionAuth{
		ByJwt:      token.Raw(),
		ScopeId:    scopeId,
		InstanceId: self.instanceId,
	}, self.settings.TransportSettings)
	session.unsubTransportState = session.transport.AddStateCallback(func(state TransportState) {
		self.transportStateChanged(session, state)
	})

	go session.merger.Run(session.transport.Receive())

	committed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.generation != generation {
			return false
		}
		self.session = session
		self.lastErr = nil
		return true
	}()
	if !committed {
		session.close()
		self.store.Clear(scopeId)
		return ErrSuperseded
	}

	self.setState(SessionStateSubscribed)
	glog.V(1).Infof("[session]subscribed %s generation=%d\n", scopeId, generation)

	// the transport may reach a terminal state before the session commits,
	// in which case its callback fired while this session was not current
	// and was dropped. replay the state once now that the session is live.
	self.transportStateChanged(session, session.transport.State())
	return nil
}

// transportStateChanged reacts to the live transport. refusals trigger one
// reauthorization; repeated reconnect failures flip the stale signal.
func (self *SubscriptionSessionManager) transportStateChanged(session *subscriptionSession, state TransportState) {
	if !self.isCurrentSession(session) {
		return
	}

	switch state {
	case TransportStateSubscribed:
		self.setStale(false)
	case TransportStateReconnecting:
		if self.settings.StaleAfterFailures <= session.transport.ConsecutiveFailures() {
			// the caller should treat the view as possibly stale now
			self.setStale(true)
		}
	case TransportStateFailed:
		session.failedOnce.Do(func() {
			err := session.transport.LastError()
			if session.reauthorized {
				// the refreshed token was refused too. stop and report.
				glog.Infof("[session]reauthorized subscription refused %s = %s\n", session.scopeId, err)
				self.teardown(err)
				return
			}
			self.setStateIfCurrentSession(session, SessionStateError)
			go self.reauthorize(session, err)
		})
	}
}

func (self *SubscriptionSessionManager) reauthorize(session *subscriptionSession, cause error) {
	if !self.isCurrentSession(session) {
		return
	}
	glog.Infof("[session]reauthorizing %s after %s\n", session.scopeId, cause)
	err := self.establish(self.ctx, session.scopeId, SessionStateReauthorizing, true)
	if err != nil {
		glog.Infof("[session]reauthorize %s failed = %s\n", session.scopeId, err)
	}
}

func (self *SubscriptionSessionManager) isCurrent(generation int) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.generation == generation
}

func (self *SubscriptionSessionManager) isCurrentSession(session *subscriptionSession) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.session == session
}

func (self *SubscriptionSessionManager) setState(state SessionState) {
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.state == state {
			return false
		}
		self.state = state
		return true
	}()
	if changed {
		for _, stateCallback := range self.stateCallbacks.Get() {
			func() {
				defer recover()
				stateCallback(state)
			}()
		}
	}
}

func (self *SubscriptionSessionManager) setStateIfCurrent(generation int, state SessionState) {
	if self.isCurrent(generation) {
		self.setState(state)
	}
}

func (self *SubscriptionSessionManager) setStateIfCurrentSession(session *subscriptionSession, state SessionState) {
	if self.isCurrentSession(session) {
		self.setState(state)
	}
}

func (self *SubscriptionSessionManager) setStale(stale bool) {
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.stale == stale {
			return false
		}
		self.stale = stale
		return true
	}()
	if changed {
		for _, staleCallback := range self.staleCallbacks.Get() {
			func() {
				defer recover()
				staleCallback(stale)
			}()
		}
	}
}

// Stale reports whether the live view should be treated as possibly
// behind the server.
func (self *SubscriptionSessionManager) Stale() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.stale
}
