package shelf

import (
	"context"
	"time"
)

// Client is the top of the stack: one store, one session manager, and the
// blocking convenience calls a UI or cli sits on. mutations return after
// the remote outcome resolves; the local store already shows the change
// while the call is in flight, and shows the rollback if it fails.

type ClientSettings struct {
	SessionSettings *SubscriptionSessionSettings
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		SessionSettings: DefaultSubscriptionSessionSettings(),
	}
}

type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	store   *ItemStore
	storage Storage

	sessions *SubscriptionSessionManager

	settings *ClientSettings
}

func NewClientWithDefaults(ctx context.Context, storage Storage, transportUrl string, tokenSource TokenSourceFunction) *Client {
	return NewClient(ctx, storage, transportUrl, tokenSource, DefaultClientSettings())
}

func NewClient(ctx context.Context, storage Storage, transportUrl string, tokenSource TokenSourceFunction, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	store := NewItemStore()
	return &Client{
		ctx:      cancelCtx,
		cancel:   cancel,
		store:    store,
		storage:  storage,
		sessions: NewSubscriptionSessionManager(cancelCtx, store, storage, transportUrl, tokenSource, settings.SessionSettings),
		settings: settings,
	}
}

func (self *Client) Store() *ItemStore {
	return self.store
}

func (self *Client) Sessions() *SubscriptionSessionManager {
	return self.sessions
}

// Subscribe switches the client to the scope. See
// SubscriptionSessionManager.Subscribe.
func (self *Client) Subscribe(ctx context.Context, scopeId Id) error {
	return self.sessions.Subscribe(ctx, scopeId)
}

func (self *Client) Unsubscribe() {
	self.sessions.Unsubscribe()
}

// GetTree projects the current store state of the scope.
func (self *Client) GetTree(scopeId Id) *Tree {
	return Project(scopeId, self.store.Snapshot(scopeId))
}

// Breadcrumbs is the path from the scope root down to the item.
func (self *Client) Breadcrumbs(itemId Id) ([]*Item, error) {
	return Breadcrumbs(self.store, itemId)
}

// OnStoreChanged registers a listener for changes within one scope. The
// returned function removes it.
func (self *Client) OnStoreChanged(scopeId Id, listener func()) func() {
	return self.store.AddChangeCallback(func(changedScopeId Id) {
		if changedScopeId == scopeId {
			listener()
		}
	})
}

// Touch marks local user activity for the presence heartbeat.
func (self *Client) Touch() {
	if heartbeat := self.sessions.Heartbeat(); heartbeat != nil {
		heartbeat.Touch()
	}
}

// OnlineUsers lists the scope members whose presence reads as online.
func (self *Client) OnlineUsers(ctx context.Context) ([]*PresenceRecord, error) {
	scopeId, ok := self.sessions.ScopeId()
	if !ok {
		return nil, ErrNotSubscribed
	}
	records, err := self.storage.QueryPresence(ctx, scopeId)
	if err != nil {
		return nil, mapStorageErr(err)
	}
	threshold := self.settings.SessionSettings.HeartbeatSettings.OnlineThreshold
	return OnlineUsers(records, time.Now(), threshold), nil
}

// MoveItem moves the item under the parent (nil = scope root) at the
// position. The local tree reflects the move immediately; the call returns
// when the remote outcome settles. ErrSuperseded means a newer local move
// took the item over before this one resolved.
func (self *Client) MoveItem(ctx context.Context, itemId Id, parentId *Id, position int) error {
	scopeId, coordinator, err := self.mutable()
	if err != nil {
		return err
	}

	result := make(chan error, 1)
	_, err = coordinator.SubmitMove(scopeId, itemId, parentId, position, func(intent *MutationIntent, err error) {
		result <- err
	})
	if err != nil {
		return err
	}
	self.Touch()
	return self.await(ctx, result)
}

// CreateGroup adds a group at the end of the parent's children.
func (self *Client) CreateGroup(ctx context.Context, title string, parentId *Id) (*Item, error) {
	return self.createItem(ctx, &Item{
		Kind:  ItemKindGroup,
		Title: title,
	}, parentId)
}

// CreateLeaf adds a leaf item at the end of the parent's children.
func (self *Client) CreateLeaf(ctx context.Context, url string, title string, parentId *Id) (*Item, error) {
	return self.createItem(ctx, &Item{
		Kind:  ItemKindLeaf,
		Url:   url,
		Title: title,
	}, parentId)
}

func (self *Client) createItem(ctx context.Context, item *Item, parentId *Id) (*Item, error) {
	scopeId, coordinator, err := self.mutable()
	if err != nil {
		return nil, err
	}

	item.Id = NewId()
	item.ScopeId = scopeId
	item.ParentId = copyParentId(parentId)
	if token := self.sessions.Token(); token != nil {
		item.CreatedBy = token.UserId
	}

	result := make(chan error, 1)
	intent, err := coordinator.SubmitInsert(item, PositionAppend, func(intent *MutationIntent, err error) {
		result <- err
	})
	if err != nil {
		return nil, err
	}
	self.Touch()
	if err := self.await(ctx, result); err != nil {
		return nil, err
	}
	created, ok := self.store.Get(intent.EntityId)
	if !ok {
		return nil, &NotFoundError{Kind: "item", Id: intent.EntityId}
	}
	return created, nil
}

// UpdateItemContent applies a partial content edit to the item.
func (self *Client) UpdateItemContent(ctx context.Context, itemId Id, update *ContentUpdate) error {
	scopeId, coordinator, err := self.mutable()
	if err != nil {
		return err
	}

	result := make(chan error, 1)
	_, err = coordinator.SubmitContent(scopeId, itemId, update, func(intent *MutationIntent, err error) {
		result <- err
	})
	if err != nil {
		return err
	}
	self.Touch()
	return self.await(ctx, result)
}

// DeleteItem removes the item. Children are kept and project as orphans at
// the root until they are re-placed or removed.
func (self *Client) DeleteItem(ctx context.Context, itemId Id) error {
	scopeId, coordinator, err := self.mutable()
	if err != nil {
		return err
	}

	result := make(chan error, 1)
	_, err = coordinator.SubmitDelete(scopeId, itemId, func(intent *MutationIntent, err error) {
		result <- err
	})
	if err != nil {
		return err
	}
	self.Touch()
	return self.await(ctx, result)
}

func (self *Client) mutable() (Id, *MutationCoordinator, error) {
	scopeId, ok := self.sessions.ScopeId()
	if !ok {
		return Id{}, nil, ErrNotSubscribed
	}
	coordinator := self.sessions.Coordinator()
	if coordinator == nil {
		return Id{}, nil, ErrNotSubscribed
	}
	return scopeId, coordinator, nil
}

// await blocks on the intent outcome. if the caller gives up first the
// mutation continues in the background and the store still converges.
func (self *Client) await(ctx context.Context, result chan error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-self.ctx.Done():
		return self.ctx.Err()
	case err := <-result:
		return err
	}
}

func (self *Client) Close() {
	self.sessions.Close()
	self.cancel()
}
