package shelf

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
)

// the mutation coordinator applies local edits immediately, submits them to
// storage in the background, and undoes precisely what it wrote when the
// remote side rejects. rollback is field scoped: an intent snapshots only
// the fields it changes, and a field is restored only while its current
// value is still the one this intent wrote. a field taken over by a newer
// intent (or by a remote change merged in between) is never touched.
//
// intent lifecycle:
//	 Pending -> Confirmed    remote accepted, snapshot retired
//	 Pending -> RolledBack   remote rejected, snapshot fields restored
//	 Pending -> Superseded   a newer intent took over the entity before the
//	                         remote outcome arrived. the late outcome is
//	                         discarded, success or failure.

type IntentState string

const (
	IntentStatePending    IntentState = "pending"
	IntentStateConfirmed  IntentState = "confirmed"
	IntentStateRolledBack IntentState = "rolledback"
	IntentStateSuperseded IntentState = "superseded"
)

func (self IntentState) IsTerminal() bool {
	switch self {
	case IntentStateConfirmed, IntentStateRolledBack, IntentStateSuperseded:
		return true
	default:
		return false
	}
}

// MutationClass partitions intents by the fields they own. supersession is
// tracked per (entity, class): a move supersedes an in-flight move on the
// same item, but never an in-flight content edit, and vice versa.
type MutationClass string

const (
	MutationClassPlacement MutationClass = "placement"
	MutationClassContent   MutationClass = "content"
	MutationClassExistence MutationClass = "existence"
)

type intentKey struct {
	entityId Id
	class    MutationClass
}

// placementWrite records one item's placement before and after an intent
// applied, which is everything rollback needs.
type placementWrite struct {
	itemId       Id
	kind         EntityKind
	prevParentId *Id
	prevOrder    int64
	nextParentId *Id
	nextOrder    int64
}

type MutationIntent struct {
	Token      Id
	ScopeId    Id
	EntityId   Id
	EntityKind EntityKind
	Class      MutationClass

	// move intents only
	DesiredParentId *Id
	DesiredPosition int

	CreatedAt time.Time

	// written once at submit, read by the resolver
	placements      []*placementWrite
	contentApplied  *ContentUpdate
	contentSnapshot *ContentUpdate
	removed         *Item

	stateLock sync.Mutex
	state     IntentState
}

func (self *MutationIntent) State() IntentState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// resolve moves a pending intent to a terminal state. false means the
// intent already reached a terminal state (it was superseded).
func (self *MutationIntent) resolve(state IntentState) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.state != IntentStatePending {
		return false
	}
	self.state = state
	return true
}

func (self *MutationIntent) supersede() bool {
	return self.resolve(IntentStateSuperseded)
}

// MutationResultFunction receives the terminal outcome of one intent.
// err is nil on confirmation, ErrSuperseded when a newer intent took over,
// and a *MutationRejectedError after a rollback.
type MutationResultFunction func(intent *MutationIntent, err error)

type MutationCoordinatorSettings struct {
	// MutationTimeout bounds one remote submit. expiry counts as unknown
	// outcome: local fields roll back and the error is marked retryable.
	MutationTimeout time.Duration
}

func DefaultMutationCoordinatorSettings() *MutationCoordinatorSettings {
	return &MutationCoordinatorSettings{
		MutationTimeout: 10 * time.Second,
	}
}

type MutationCoordinator struct {
	ctx     context.Context
	store   *ItemStore
	storage Storage

	allocator *OrderAllocator
	settings  *MutationCoordinatorSettings

	stateLock sync.Mutex
	// latest pending intent per (entity, class)
	pendingIntents map[intentKey]*MutationIntent
}

func NewMutationCoordinatorWithDefaults(ctx context.Context, store *ItemStore, storage Storage) *MutationCoordinator {
	return NewMutationCoordinator(ctx, store, storage, DefaultMutationCoordinatorSettings())
}

func NewMutationCoordinator(ctx context.Context, store *ItemStore, storage Storage, settings *MutationCoordinatorSettings) *MutationCoordinator {
	return &MutationCoordinator{
		ctx:            ctx,
		store:          store,
		storage:        storage,
		allocator:      NewOrderAllocator(store),
		settings:       settings,
		pendingIntents: map[intentKey]*MutationIntent{},
	}
}

// SubmitMove validates and applies a move locally, then submits it in the
// background. Validation failures (cycle, stale destination) return
// immediately and leave the store untouched.
func (self *MutationCoordinator) SubmitMove(scopeId Id, itemId Id, parentId *Id, position int, callback MutationResultFunction) (*MutationIntent, error) {
	if err := self.ctx.Err(); err != nil {
		return nil, err
	}

	plan, err := self.allocator.PlanMove(scopeId, itemId, parentId, position)
	if err != nil {
		return nil, err
	}
	moved, ok := self.store.Get(itemId)
	if !ok {
		return nil, &NotFoundError{Kind: "item", Id: itemId}
	}

	intent := &MutationIntent{
		Token:           NewId(),
		ScopeId:         scopeId,
		EntityId:        itemId,
		EntityKind:      EntityKindForItem(moved),
		Class:           MutationClassPlacement,
		DesiredParentId: copyParentId(parentId),
		DesiredPosition: position,
		CreatedAt:       time.Now(),
		state:           IntentStatePending,
	}
	intent.placements = self.applyPlan(plan, moved)

	self.admit(intent)

	go self.dispatch(intent, callback, func(ctx context.Context) error {
		if plan.UsedResequence() {
			return self.storage.ApplyPlacements(ctx, scopeId, self.placementUpdates(intent))
		}
		return self.storage.UpdatePlacement(ctx, intent.EntityKind, itemId, plan.ParentId, plan.Order)
	})
	return intent, nil
}

// SubmitInsert places and inserts a new item. The item appears in the local
// store immediately and is removed again if storage rejects it.
func (self *MutationCoordinator) SubmitInsert(item *Item, position int, callback MutationResultFunction) (*MutationIntent, error) {
	if err := self.ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateItem(item); err != nil {
		return nil, err
	}

	plan, err := self.allocator.PlanInsert(item.ScopeId, item.Id, item.ParentId, position)
	if err != nil {
		return nil, err
	}

	stored := item.Copy()
	stored.ParentId = plan.ParentId
	stored.Order = plan.Order
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}

	intent := &MutationIntent{
		Token:           NewId(),
		ScopeId:         stored.ScopeId,
		EntityId:        stored.Id,
		EntityKind:      EntityKindForItem(stored),
		Class:           MutationClassExistence,
		DesiredParentId: copyParentId(plan.ParentId),
		DesiredPosition: position,
		CreatedAt:       time.Now(),
		state:           IntentStatePending,
	}
	if plan.UsedResequence() {
		intent.placements = self.resequencedWrites(plan)
		self.store.ApplyOrders(plan.ScopeId, plan.Resequenced)
	}
	self.store.Put(stored)

	self.admit(intent)

	go self.dispatch(intent, callback, func(ctx context.Context) error {
		if plan.UsedResequence() {
			if err := self.storage.ApplyPlacements(ctx, plan.ScopeId, self.placementUpdates(intent)); err != nil {
				return err
			}
		}
		return self.storage.InsertItem(ctx, stored)
	})
	return intent, nil
}

// SubmitContent applies a partial content edit locally and submits it.
// Placement is never part of the snapshot, so a racing move stays applied
// whatever happens to this edit.
func (self *MutationCoordinator) SubmitContent(scopeId Id, itemId Id, update *ContentUpdate, callback MutationResultFunction) (*MutationIntent, error) {
	if err := self.ctx.Err(); err != nil {
		return nil, err
	}
	if update == nil || update.Empty() {
		return nil, &ValidationError{EntityId: itemId, Message: "empty content update"}
	}
	item, ok := self.store.Get(itemId)
	if !ok || item.ScopeId != scopeId {
		return nil, &NotFoundError{Kind: "item", Id: itemId}
	}

	intent := &MutationIntent{
		Token:           NewId(),
		ScopeId:         scopeId,
		EntityId:        itemId,
		EntityKind:      EntityKindForItem(item),
		Class:           MutationClassContent,
		CreatedAt:       time.Now(),
		state:           IntentStatePending,
		contentApplied:  update,
		contentSnapshot: update.SnapshotOf(item),
	}

	self.store.Update(itemId, update.ApplyTo)
	applied, ok := self.store.Get(itemId)
	if !ok {
		return nil, &NotFoundError{Kind: "item", Id: itemId}
	}
	if err := ValidateItem(applied); err != nil {
		// undo before anyone observes the invalid row remotely
		self.store.Update(itemId, func(item *Item) {
			intent.contentSnapshot.RevertIn(item, update)
		})
		return nil, err
	}

	self.admit(intent)

	go self.dispatch(intent, callback, func(ctx context.Context) error {
		return self.storage.UpdateContent(ctx, applied)
	})
	return intent, nil
}

// SubmitDelete removes the item locally and submits the delete. Children
// are not cascaded here; they project as orphans until the scope settles.
func (self *MutationCoordinator) SubmitDelete(scopeId Id, itemId Id, callback MutationResultFunction) (*MutationIntent, error) {
	if err := self.ctx.Err(); err != nil {
		return nil, err
	}
	item, ok := self.store.Get(itemId)
	if !ok || item.ScopeId != scopeId {
		return nil, &NotFoundError{Kind: "item", Id: itemId}
	}

	intent := &MutationIntent{
		Token:      NewId(),
		ScopeId:    scopeId,
		EntityId:   itemId,
		EntityKind: EntityKindForItem(item),
		Class:      MutationClassExistence,
		CreatedAt:  time.Now(),
		state:      IntentStatePending,
		removed:    item,
	}

	self.store.Delete(itemId)
	// the row is gone locally. anything in flight for it can only be
	// rejected or echo a row that no longer exists.
	self.SupersedeEntity(itemId)

	self.admit(intent)

	go self.dispatch(intent, callback, func(ctx context.Context) error {
		err := self.storage.DeleteItem(ctx, intent.EntityKind, itemId)
		if err != nil && errors.Is(err, ErrNotFound) {
			// another client already deleted it. same outcome.
			return nil
		}
		return err
	})
	return intent, nil
}

// SupersedeEntity marks every pending intent on the entity superseded.
// The merger calls this when a remote delete arrives, so a late outcome
// for the dead entity cannot write into the store.
func (self *MutationCoordinator) SupersedeEntity(entityId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, class := range []MutationClass{MutationClassPlacement, MutationClassContent, MutationClassExistence} {
		key := intentKey{entityId: entityId, class: class}
		if intent, ok := self.pendingIntents[key]; ok {
			if intent.supersede() {
				glog.V(1).Infof("[mut]superseded %s %s on delete\n", intent.Class, intent.Token)
			}
			delete(self.pendingIntents, key)
		}
	}
}

// PendingCount reports the number of in-flight intents.
func (self *MutationCoordinator) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.pendingIntents)
}

// HasPending reports whether an intent of the class is in flight for the
// entity. The merger consults this so a remote echo does not yank back an
// optimistic placement that is still waiting on its outcome.
func (self *MutationCoordinator) HasPending(entityId Id, class MutationClass) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	intent, ok := self.pendingIntents[intentKey{entityId: entityId, class: class}]
	if !ok {
		return false
	}
	return intent.State() == IntentStatePending
}

// admit registers the intent, superseding the previous in-flight intent of
// the same (entity, class).
func (self *MutationCoordinator) admit(intent *MutationIntent) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	key := intentKey{entityId: intent.EntityId, class: intent.Class}
	if previous, ok := self.pendingIntents[key]; ok {
		if previous.supersede() {
			glog.V(1).Infof("[mut]superseded %s %s by %s\n", previous.Class, previous.Token, intent.Token)
		}
	}
	self.pendingIntents[key] = intent
}

// retire removes the intent from the pending index if it still owns its slot.
func (self *MutationCoordinator) retire(intent *MutationIntent) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	key := intentKey{entityId: intent.EntityId, class: intent.Class}
	if self.pendingIntents[key] == intent {
		delete(self.pendingIntents, key)
	}
}

// applyPlan commits a placement plan to the local store and returns the
// write log for rollback: the resequenced siblings, then the moved item.
func (self *MutationCoordinator) applyPlan(plan *PlacementPlan, moved *Item) []*placementWrite {
	writes := []*placementWrite{}
	if plan.UsedResequence() {
		writes = append(writes, self.resequencedWrites(plan)...)
		self.store.ApplyOrders(plan.ScopeId, plan.Resequenced)
	}
	writes = append(writes, &placementWrite{
		itemId:       moved.Id,
		kind:         EntityKindForItem(moved),
		prevParentId: copyParentId(moved.ParentId),
		prevOrder:    moved.Order,
		nextParentId: copyParentId(plan.ParentId),
		nextOrder:    plan.Order,
	})
	self.store.SetPlacement(moved.Id, plan.ParentId, plan.Order)
	return writes
}

// resequencedWrites snaps the before/after orders of the siblings a plan
// renumbers. parents are unchanged by resequencing.
func (self *MutationCoordinator) resequencedWrites(plan *PlacementPlan) []*placementWrite {
	writes := []*placementWrite{}
	for siblingId, order := range plan.Resequenced {
		sibling, ok := self.store.Get(siblingId)
		if !ok {
			continue
		}
		writes = append(writes, &placementWrite{
			itemId:       sibling.Id,
			kind:         EntityKindForItem(sibling),
			prevParentId: copyParentId(sibling.ParentId),
			prevOrder:    sibling.Order,
			nextParentId: copyParentId(sibling.ParentId),
			nextOrder:    order,
		})
	}
	return writes
}

func (self *MutationCoordinator) placementUpdates(intent *MutationIntent) []*PlacementUpdate {
	updates := []*PlacementUpdate{}
	for _, write := range intent.placements {
		updates = append(updates, &PlacementUpdate{
			Kind:     write.kind,
			ItemId:   write.itemId,
			ParentId: copyParentId(write.nextParentId),
			Order:    write.nextOrder,
		})
	}
	return updates
}

// dispatch runs one remote submit under the mutation timeout and resolves
// the intent with the outcome.
func (self *MutationCoordinator) dispatch(intent *MutationIntent, callback MutationResultFunction, submit func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(self.ctx, self.settings.MutationTimeout)
	defer cancel()

	err := mapStorageErr(submit(ctx))
	self.resolveIntent(intent, callback, err)
}

func (self *MutationCoordinator) resolveIntent(intent *MutationIntent, callback MutationResultFunction, err error) {
	if self.ctx.Err() != nil {
		// the scope was torn down while this was in flight. the store no
		// longer belongs to this intent, so neither outcome may touch it.
		intent.resolve(IntentStateSuperseded)
		self.retire(intent)
		if callback != nil {
			callback(intent, ErrSuperseded)
		}
		return
	}

	if err == nil {
		if intent.resolve(IntentStateConfirmed) {
			self.retire(intent)
			glog.V(2).Infof("[mut]confirmed %s %s for %s\n", intent.Class, intent.Token, intent.EntityId)
			if callback != nil {
				callback(intent, nil)
			}
			return
		}
		// superseded before the outcome arrived. the values this intent
		// wrote either still stand (a no-op to accept) or a newer write
		// owns the fields. either way there is nothing to apply.
		if self.placementStands(intent) {
			glog.V(2).Infof("[mut]late success for superseded %s accepted\n", intent.Token)
		} else {
			glog.V(2).Infof("[mut]late success for superseded %s discarded\n", intent.Token)
		}
		if callback != nil {
			callback(intent, ErrSuperseded)
		}
		return
	}

	if intent.resolve(IntentStateRolledBack) {
		self.rollback(intent)
		self.retire(intent)
		retryable := errors.Is(err, ErrTimeout)
		glog.V(1).Infof("[mut]rolled back %s %s for %s: %s\n", intent.Class, intent.Token, intent.EntityId, err)
		if callback != nil {
			callback(intent, &MutationRejectedError{
				EntityId:  intent.EntityId,
				Token:     intent.Token,
				Retryable: retryable,
				Cause:     err,
			})
		}
		return
	}

	// superseded: the entity moved on. the late failure must not revert
	// fields a newer intent now owns.
	glog.V(2).Infof("[mut]late failure for superseded %s discarded: %s\n", intent.Token, err)
	if callback != nil {
		callback(intent, ErrSuperseded)
	}
}

// placementStands reports whether the store still holds exactly the values
// this intent wrote.
func (self *MutationCoordinator) placementStands(intent *MutationIntent) bool {
	for _, write := range intent.placements {
		parentId, order, ok := self.store.Placement(write.itemId)
		if !ok {
			return false
		}
		if !SameParent(parentId, write.nextParentId) || order != write.nextOrder {
			return false
		}
	}
	return true
}

// rollback restores exactly what the intent wrote, newest write first.
// every field is match checked: a value someone else wrote since stays.
func (self *MutationCoordinator) rollback(intent *MutationIntent) {
	switch intent.Class {
	case MutationClassPlacement:
		self.rollbackPlacements(intent.placements)
	case MutationClassContent:
		self.store.Update(intent.EntityId, func(item *Item) {
			intent.contentSnapshot.RevertIn(item, intent.contentApplied)
		})
	case MutationClassExistence:
		if intent.removed != nil {
			// a rejected delete: put the row back unless something else
			// already recreated it
			if _, ok := self.store.Get(intent.EntityId); !ok {
				self.store.Put(intent.removed)
			}
		} else {
			// a rejected insert: the row never existed remotely
			self.store.Delete(intent.EntityId)
			self.rollbackPlacements(intent.placements)
		}
	}
}

func (self *MutationCoordinator) rollbackPlacements(writes []*placementWrite) {
	for i := len(writes) - 1; 0 <= i; i -= 1 {
		write := writes[i]
		self.store.Update(write.itemId, func(item *Item) {
			if SameParent(item.ParentId, write.nextParentId) && item.Order == write.nextOrder {
				item.ParentId = copyParentId(write.prevParentId)
				item.Order = write.prevOrder
			}
		})
	}
}
