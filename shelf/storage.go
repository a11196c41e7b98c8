package shelf

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Storage is the persistence backend behind a shelf scope. Placement and
// content are written through separate operations so that a move never
// clobbers a concurrent content edit of the same row, and vice versa.
//
// Backends map their native failures onto the shared error kinds:
// ErrNotFound, ErrPermissionDenied, ErrTimeout, ErrTransport, ErrValidation.
type Storage interface {
	// QueryScope loads every group and item in the scope.
	QueryScope(ctx context.Context, scopeId Id) ([]*Item, error)
	// QueryItem loads one row. Returns NotFoundError when it does not exist.
	QueryItem(ctx context.Context, kind EntityKind, itemId Id) (*Item, error)
	InsertItem(ctx context.Context, item *Item) error
	// UpdateContent writes the content fields of the row and leaves the
	// placement fields untouched.
	UpdateContent(ctx context.Context, item *Item) error
	// UpdatePlacement writes exactly the placement fields of the row.
	UpdatePlacement(ctx context.Context, kind EntityKind, itemId Id, parentId *Id, order int64) error
	// ApplyPlacements writes a group of placement updates as one unit,
	// used when a move resequences a sibling group.
	ApplyPlacements(ctx context.Context, scopeId Id, placements []*PlacementUpdate) error
	DeleteItem(ctx context.Context, kind EntityKind, itemId Id) error
	// TouchPresence upserts the last-seen marker for (scope, user).
	TouchPresence(ctx context.Context, scopeId Id, userId Id, seenAt time.Time) error
	QueryPresence(ctx context.Context, scopeId Id) ([]*PresenceRecord, error)
	Close() error
}

type PlacementUpdate struct {
	Kind     EntityKind
	ItemId   Id
	ParentId *Id
	Order    int64
}

// OpenStorage builds a backend from a dsn:
//
//	memory://                    in-process storage with a local event feed
//	postgres://user@host/db      postgres tables via database/sql + pgx
//	https://host/api             shelf HTTP api, authenticated by byJwt
func OpenStorage(ctx context.Context, dsn string, byJwt string) (Storage, error) {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("bad storage dsn: %s", err)}
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem":
		return NewMemoryStorage(), nil
	case "postgres", "postgresql":
		return NewPostgresStorage(ctx, dsn)
	case "http", "https":
		return NewHttpStorage(ctx, dsn, byJwt), nil
	default:
		return nil, &ValidationError{Message: fmt.Sprintf("unsupported storage scheme: %s", parsed.Scheme)}
	}
}

// ValidateItem applies the row rules shared by every backend:
// groups need a title, leaves need a url, and the kind must be known.
func ValidateItem(item *Item) error {
	switch item.Kind {
	case ItemKindGroup:
		if strings.TrimSpace(item.Title) == "" {
			return &ValidationError{EntityId: item.Id, Message: "group title must not be empty"}
		}
	case ItemKindLeaf:
		if strings.TrimSpace(item.Url) == "" {
			return &ValidationError{EntityId: item.Id, Message: "item url must not be empty"}
		}
	default:
		return &ValidationError{EntityId: item.Id, Message: fmt.Sprintf("unknown item kind %q", item.Kind)}
	}
	if item.ScopeId.IsZero() {
		return &ValidationError{EntityId: item.Id, Message: "item scope must be set"}
	}
	return nil
}

// mapStorageErr folds context errors into the shared taxonomy so callers
// can test with errors.Is regardless of backend.
func mapStorageErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, err)
	}
	return err
}

type StorageEventFunction func(event *ChangeEnvelope)

// MemoryStorage is the in-process backend. Every accepted write emits a
// ChangeEnvelope on the event feed, which is how a loopback transport and
// the tests observe the same change stream a remote scope would push.
type MemoryStorage struct {
	clock func() time.Time

	stateLock sync.Mutex
	items     map[Id]*Item
	presences map[presenceKey]*PresenceRecord

	eventCallbacks *CallbackList[StorageEventFunction]
}

type presenceKey struct {
	scopeId Id
	userId  Id
}

func NewMemoryStorage() *MemoryStorage {
	return NewMemoryStorageWithClock(time.Now)
}

func NewMemoryStorageWithClock(clock func() time.Time) *MemoryStorage {
	return &MemoryStorage{
		clock:          clock,
		items:          map[Id]*Item{},
		presences:      map[presenceKey]*PresenceRecord{},
		eventCallbacks: NewCallbackList[StorageEventFunction](),
	}
}

// AddEventCallback subscribes to the change feed. The returned function
// removes the subscription.
func (self *MemoryStorage) AddEventCallback(eventCallback StorageEventFunction) func() {
	callbackId := self.eventCallbacks.Add(eventCallback)
	return func() {
		self.eventCallbacks.Remove(callbackId)
	}
}

func (self *MemoryStorage) emit(event *ChangeEnvelope) {
	for _, eventCallback := range self.eventCallbacks.Get() {
		func() {
			defer recover()
			eventCallback(event)
		}()
	}
}

func (self *MemoryStorage) QueryScope(ctx context.Context, scopeId Id) ([]*Item, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	items := []*Item{}
	for _, item := range self.items {
		if item.ScopeId == scopeId {
			items = append(items, item.Copy())
		}
	}
	return items, nil
}

func (self *MemoryStorage) QueryItem(ctx context.Context, kind EntityKind, itemId Id) (*Item, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item, ok := self.items[itemId]
	if !ok || EntityKindForItem(item) != kind {
		return nil, &NotFoundError{Kind: string(kind), Id: itemId}
	}
	return item.Copy(), nil
}

func (self *MemoryStorage) InsertItem(ctx context.Context, item *Item) error {
	if err := ValidateItem(item); err != nil {
		return err
	}

	var stored *Item
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if _, ok := self.items[item.Id]; ok {
			return &ValidationError{EntityId: item.Id, Message: "item already exists"}
		}
		stored = item.Copy()
		now := self.clock()
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		stored.UpdatedAt = now
		self.items[stored.Id] = stored
		return nil
	}()
	if err != nil {
		return err
	}

	self.emit(&ChangeEnvelope{
		EntityKind: EntityKindForItem(stored),
		Operation:  OperationInsert,
		ScopeId:    stored.ScopeId,
		EntityId:   stored.Id,
		Item:       stored.Copy(),
	})
	return nil
}

func (self *MemoryStorage) UpdateContent(ctx context.Context, item *Item) error {
	if err := ValidateItem(item); err != nil {
		return err
	}

	var stored *Item
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		existing, ok := self.items[item.Id]
		if !ok {
			return &NotFoundError{Kind: string(EntityKindForItem(item)), Id: item.Id}
		}
		existing.Title = item.Title
		existing.Url = item.Url
		existing.Description = item.Description
		existing.FaviconUrl = item.FaviconUrl
		existing.PreviewImageUrl = item.PreviewImageUrl
		existing.Tags = append([]string{}, item.Tags...)
		existing.Color = item.Color
		existing.UpdatedAt = self.clock()
		stored = existing.Copy()
		return nil
	}()
	if err != nil {
		return err
	}

	self.emit(&ChangeEnvelope{
		EntityKind: EntityKindForItem(stored),
		Operation:  OperationUpdate,
		ScopeId:    stored.ScopeId,
		EntityId:   stored.Id,
		Item:       stored.Copy(),
	})
	return nil
}

func (self *MemoryStorage) UpdatePlacement(ctx context.Context, kind EntityKind, itemId Id, parentId *Id, order int64) error {
	stored, err := self.applyPlacement(kind, itemId, parentId, order)
	if err != nil {
		return err
	}

	self.emit(&ChangeEnvelope{
		EntityKind: EntityKindForItem(stored),
		Operation:  OperationUpdate,
		ScopeId:    stored.ScopeId,
		EntityId:   stored.Id,
		Item:       stored.Copy(),
	})
	return nil
}

func (self *MemoryStorage) ApplyPlacements(ctx context.Context, scopeId Id, placements []*PlacementUpdate) error {
	events := []*ChangeEnvelope{}
	for _, placement := range placements {
		stored, err := self.applyScopedPlacement(scopeId, placement)
		if err != nil {
			return err
		}
		if stored == nil {
			// row gone or outside the scope. skipped, same as the sql backend
			continue
		}
		events = append(events, &ChangeEnvelope{
			EntityKind: EntityKindForItem(stored),
			Operation:  OperationUpdate,
			ScopeId:    stored.ScopeId,
			EntityId:   stored.Id,
			Item:       stored.Copy(),
		})
	}
	for _, event := range events {
		self.emit(event)
	}
	return nil
}

func (self *MemoryStorage) applyScopedPlacement(scopeId Id, placement *PlacementUpdate) (*Item, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	existing, ok := self.items[placement.ItemId]
	if !ok || existing.ScopeId != scopeId {
		return nil, nil
	}
	if placement.ParentId != nil {
		parent, ok := self.items[*placement.ParentId]
		if !ok || !parent.IsGroup() || parent.ScopeId != existing.ScopeId {
			return nil, &ValidationError{EntityId: placement.ItemId, Message: "placement parent is not a group in the scope"}
		}
	}
	existing.ParentId = copyParentId(placement.ParentId)
	existing.Order = placement.Order
	existing.UpdatedAt = self.clock()
	return existing.Copy(), nil
}

func (self *MemoryStorage) applyPlacement(kind EntityKind, itemId Id, parentId *Id, order int64) (*Item, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	existing, ok := self.items[itemId]
	if !ok || EntityKindForItem(existing) != kind {
		return nil, &NotFoundError{Kind: string(kind), Id: itemId}
	}
	if parentId != nil {
		parent, ok := self.items[*parentId]
		if !ok || !parent.IsGroup() || parent.ScopeId != existing.ScopeId {
			return nil, &ValidationError{EntityId: itemId, Message: "placement parent is not a group in the scope"}
		}
	}
	existing.ParentId = copyParentId(parentId)
	existing.Order = order
	existing.UpdatedAt = self.clock()
	return existing.Copy(), nil
}

func (self *MemoryStorage) DeleteItem(ctx context.Context, kind EntityKind, itemId Id) error {
	var scopeId Id
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		existing, ok := self.items[itemId]
		if !ok || EntityKindForItem(existing) != kind {
			return &NotFoundError{Kind: string(kind), Id: itemId}
		}
		scopeId = existing.ScopeId
		delete(self.items, itemId)
		// children keep their parent reference. readers lift them as
		// orphans until a later placement settles them.
		return nil
	}()
	if err != nil {
		return err
	}

	self.emit(&ChangeEnvelope{
		EntityKind: kind,
		Operation:  OperationDelete,
		ScopeId:    scopeId,
		EntityId:   itemId,
	})
	return nil
}

func (self *MemoryStorage) TouchPresence(ctx context.Context, scopeId Id, userId Id, seenAt time.Time) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	key := presenceKey{scopeId: scopeId, userId: userId}
	record, ok := self.presences[key]
	if !ok {
		record = &PresenceRecord{
			ScopeId: scopeId,
			UserId:  userId,
		}
		self.presences[key] = record
	}
	if record.LastSeenAt.Before(seenAt) {
		record.LastSeenAt = seenAt
	}
	return nil
}

func (self *MemoryStorage) QueryPresence(ctx context.Context, scopeId Id) ([]*PresenceRecord, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	records := []*PresenceRecord{}
	for _, record := range self.presences {
		if record.ScopeId == scopeId {
			copied := *record
			records = append(records, &copied)
		}
	}
	return records, nil
}

func (self *MemoryStorage) Close() error {
	return nil
}
