package shelf

import (
	"slices"
	"sync"

	"golang.org/x/exp/maps"
)

// the flat item store coordinates many clients on a single shared tree.
// it is the single owner of truth for the parent/order fields and the single
// apply-point for all writers: the initial bulk load, the optimistic mutation
// coordinator, and the realtime event merger. every write goes through the
// state lock; reads hand out copies so projections can run freely between
// writes without observing a torn update.

// StoreChangeFunction is notified after each committed write with the scope
// that changed. callbacks run outside the store lock.
type StoreChangeFunction = func(scopeId Id)

type ItemStore struct {
	stateLock sync.Mutex

	// by entity id, across scopes
	items map[Id]*Item

	changeCallbacks *CallbackList[StoreChangeFunction]
}

func NewItemStore() *ItemStore {
	return &ItemStore{
		items:           map[Id]*Item{},
		changeCallbacks: NewCallbackList[StoreChangeFunction](),
	}
}

// AddChangeCallback registers a listener and returns its unsubscribe function.
func (self *ItemStore) AddChangeCallback(changeCallback StoreChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *ItemStore) notify(scopeId Id) {
	for _, changeCallback := range self.changeCallbacks.Get() {
		func() {
			defer recover()
			changeCallback(scopeId)
		}()
	}
}

// Load replaces all items of one scope with the given rows (initial bulk load).
// Items of other scopes are untouched.
func (self *ItemStore) Load(scopeId Id, items []*Item) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for itemId, item := range self.items {
			if item.ScopeId == scopeId {
				delete(self.items, itemId)
			}
		}
		for _, item := range items {
			if item.ScopeId != scopeId {
				continue
			}
			self.items[item.Id] = item.Copy()
		}
	}()
	self.notify(scopeId)
}

// Clear drops all items of one scope (scope teardown).
func (self *ItemStore) Clear(scopeId Id) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for itemId, item := range self.items {
			if item.ScopeId == scopeId {
				delete(self.items, itemId)
			}
		}
	}()
	self.notify(scopeId)
}

func (self *ItemStore) Get(itemId Id) (*Item, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item, ok := self.items[itemId]
	if !ok {
		return nil, false
	}
	return item.Copy(), true
}

// Put inserts or replaces one item (merger path).
func (self *ItemStore) Put(item *Item) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.items[item.Id] = item.Copy()
	}()
	self.notify(item.ScopeId)
}

// Update applies mutate to the stored item atomically under the state lock.
// mutate sees the live item, not a copy, and must not retain it.
func (self *ItemStore) Update(itemId Id, mutate func(item *Item)) bool {
	var scopeId Id
	ok := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		item, ok := self.items[itemId]
		if !ok {
			return false
		}
		mutate(item)
		scopeId = item.ScopeId
		return true
	}()
	if ok {
		self.notify(scopeId)
	}
	return ok
}

// Delete removes one item. Children are not touched; they become orphans
// and the projector lifts them to the root (see tree.go).
func (self *ItemStore) Delete(itemId Id) bool {
	var scopeId Id
	ok := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		item, ok := self.items[itemId]
		if !ok {
			return false
		}
		scopeId = item.ScopeId
		delete(self.items, itemId)
		return true
	}()
	if ok {
		self.notify(scopeId)
	}
	return ok
}

// Placement reads the two placement fields owned by move mutations.
func (self *ItemStore) Placement(itemId Id) (parentId *Id, order int64, ok bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item, ok := self.items[itemId]
	if !ok {
		return nil, 0, false
	}
	if item.ParentId != nil {
		v := *item.ParentId
		parentId = &v
	}
	return parentId, item.Order, true
}

// SetPlacement writes exactly the two placement fields. This is the apply
// and rollback path for optimistic moves; content fields are untouched.
func (self *ItemStore) SetPlacement(itemId Id, parentId *Id, order int64) bool {
	var scopeId Id
	ok := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		item, ok := self.items[itemId]
		if !ok {
			return false
		}
		if parentId != nil {
			v := *parentId
			item.ParentId = &v
		} else {
			item.ParentId = nil
		}
		item.Order = order
		scopeId = item.ScopeId
		return true
	}()
	if ok {
		self.notify(scopeId)
	}
	return ok
}

// ApplyOrders commits a resequencing plan as one write with one notification.
func (self *ItemStore) ApplyOrders(scopeId Id, orders map[Id]int64) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for itemId, order := range orders {
			if item, ok := self.items[itemId]; ok && item.ScopeId == scopeId {
				item.Order = order
			}
		}
	}()
	self.notify(scopeId)
}

// Snapshot returns copies of all items in the scope, unordered.
func (self *ItemStore) Snapshot(scopeId Id) []*Item {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	items := []*Item{}
	for _, item := range self.items {
		if item.ScopeId == scopeId {
			items = append(items, item.Copy())
		}
	}
	return items
}

// Siblings returns copies of the sibling group under parentId (nil = root),
// sorted by the projection order (order, createdAt, id).
func (self *ItemStore) Siblings(scopeId Id, parentId *Id) []*Item {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	siblings := []*Item{}
	for _, item := range self.items {
		if item.ScopeId != scopeId {
			continue
		}
		if SameParent(item.ParentId, parentId) {
			siblings = append(siblings, item.Copy())
		}
	}
	slices.SortStableFunc(siblings, CompareSiblings)
	return siblings
}

// ScopeIds lists the scopes currently held in the store.
func (self *ItemStore) ScopeIds() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	scopeIds := map[Id]bool{}
	for _, item := range self.items {
		scopeIds[item.ScopeId] = true
	}
	return maps.Keys(scopeIds)
}

func (self *ItemStore) Len(scopeId Id) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	count := 0
	for _, item := range self.items {
		if item.ScopeId == scopeId {
			count += 1
		}
	}
	return count
}

// AncestorChain walks from itemId up to the scope root and returns the
// ancestor ids in walk order (nearest first). The walk keeps a visited set
// so corrupt or foreign data that links a cycle yields ErrCycleDetected
// instead of unbounded recursion. An unresolvable parent ends the walk the
// same way the projector treats it: as a root.
func (self *ItemStore) AncestorChain(itemId Id) ([]Id, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.ancestorChain(itemId)
}

// must be called inside the state lock
func (self *ItemStore) ancestorChain(itemId Id) ([]Id, error) {
	visited := map[Id]bool{itemId: true}
	chain := []Id{}

	item, ok := self.items[itemId]
	if !ok {
		return chain, nil
	}
	for item.ParentId != nil {
		parentId := *item.ParentId
		if visited[parentId] {
			return chain, ErrCycleDetected
		}
		visited[parentId] = true

		parent, ok := self.items[parentId]
		if !ok || parent.ScopeId != item.ScopeId || !parent.IsGroup() {
			// orphan edge. the projector lifts these to the root
			break
		}
		chain = append(chain, parentId)
		item = parent
	}
	return chain, nil
}

// IsAncestor reports whether ancestorId appears in itemId's ancestor chain.
func (self *ItemStore) IsAncestor(ancestorId Id, itemId Id) (bool, error) {
	chain, err := self.AncestorChain(itemId)
	if err != nil {
		return false, err
	}
	return slices.Contains(chain, ancestorId), nil
}
