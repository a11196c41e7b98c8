package shelf

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
)

// the event merger is the third writer of the item store: it folds remote
// change envelopes into local state. envelopes are applied in arrival order
// per entity and are idempotent, so replays after a reconnect are harmless.
//
// merge rules:
//	insert, unknown entity   add the row
//	insert, known entity     merge as an update (duplicate delivery)
//	update, known entity     content from the envelope. placement from the
//	                         envelope unless a local move is still in
//	                         flight for the entity, in which case the
//	                         optimistic placement stands until it resolves.
//	update, unknown entity   self-heal: fetch the row by id in the
//	                         background and add it if it still exists
//	delete                   supersede in-flight intents, drop the row
//
// envelopes for other scopes are dropped. a late self-heal result is
// dropped when the scope was torn down or a newer envelope settled the
// entity first.

type EventMergerSettings struct {
	// SelfHealTimeout bounds the fetch for an update to an unknown entity.
	SelfHealTimeout time.Duration
}

func DefaultEventMergerSettings() *EventMergerSettings {
	return &EventMergerSettings{
		SelfHealTimeout: 10 * time.Second,
	}
}

type MergerStats struct {
	Applied          int
	DroppedScope     int
	DroppedMalformed int
	SelfHeals        int
	Deletes          int
}

type EventMerger struct {
	ctx         context.Context
	scopeId     Id
	store       *ItemStore
	storage     Storage
	coordinator *MutationCoordinator

	settings *EventMergerSettings

	stateLock sync.Mutex
	stats     MergerStats
}

func NewEventMergerWithDefaults(ctx context.Context, scopeId Id, store *ItemStore, storage Storage, coordinator *MutationCoordinator) *EventMerger {
	return NewEventMerger(ctx, scopeId, store, storage, coordinator, DefaultEventMergerSettings())
}

func NewEventMerger(ctx context.Context, scopeId Id, store *ItemStore, storage Storage, coordinator *MutationCoordinator, settings *EventMergerSettings) *EventMerger {
	return &EventMerger{
		ctx:         ctx,
		scopeId:     scopeId,
		store:       store,
		storage:     storage,
		coordinator: coordinator,
		settings:    settings,
	}
}

// Run consumes envelopes until the channel closes or the scope is torn
// down. This is the single consumer loop per scope.
func (self *EventMerger) Run(envelopes chan *ChangeEnvelope) {
	for {
		select {
		case <-self.ctx.Done():
			return
		case envelope, ok := <-envelopes:
			if !ok {
				return
			}
			self.Merge(envelope)
		}
	}
}

// Merge applies one envelope to the store.
func (self *EventMerger) Merge(envelope *ChangeEnvelope) {
	if envelope.ScopeId != self.scopeId {
		glog.V(1).Infof("[merge]dropped foreign scope envelope %s\n", envelope)
		self.count(func(stats *MergerStats) {
			stats.DroppedScope += 1
		})
		return
	}

	switch envelope.Operation {
	case OperationInsert, OperationUpdate:
		if envelope.Item == nil {
			glog.V(1).Infof("[merge]dropped %s without payload\n", envelope)
			self.count(func(stats *MergerStats) {
				stats.DroppedMalformed += 1
			})
			return
		}
		self.mergeRow(envelope)
	case OperationDelete:
		self.mergeDelete(envelope)
	default:
		glog.V(1).Infof("[merge]dropped unknown operation %s\n", envelope)
		self.count(func(stats *MergerStats) {
			stats.DroppedMalformed += 1
		})
	}
}

func (self *EventMerger) mergeRow(envelope *ChangeEnvelope) {
	row := envelope.Item

	if _, ok := self.store.Get(envelope.EntityId); !ok {
		if envelope.Operation == OperationUpdate {
			// an update for an entity the store never saw. the insert
			// envelope was lost somewhere, so recover the row by id.
			self.selfHeal(envelope.EntityKind, envelope.EntityId)
			return
		}
		self.store.Put(row)
		self.count(func(stats *MergerStats) {
			stats.Applied += 1
		})
		return
	}

	// known entity. content always follows the envelope; placement follows
	// it only while no local move is in flight, so an optimistic drag is
	// not yanked back by its own echo racing a second drag.
	placementPending := self.coordinator != nil &&
		self.coordinator.HasPending(envelope.EntityId, MutationClassPlacement)
	self.store.Update(envelope.EntityId, func(item *Item) {
		item.Title = row.Title
		item.Url = row.Url
		item.Description = row.Description
		item.FaviconUrl = row.FaviconUrl
		item.PreviewImageUrl = row.PreviewImageUrl
		item.Tags = append([]string{}, row.Tags...)
		item.Color = row.Color
		item.CreatedBy = row.CreatedBy
		if !row.CreatedAt.IsZero() {
			item.CreatedAt = row.CreatedAt
		}
		if !row.UpdatedAt.IsZero() {
			item.UpdatedAt = row.UpdatedAt
		}
		if !placementPending {
			item.ParentId = copyParentId(row.ParentId)
			item.Order = row.Order
		}
	})
	self.count(func(stats *MergerStats) {
		stats.Applied += 1
	})
}

func (self *EventMerger) mergeDelete(envelope *ChangeEnvelope) {
	if self.coordinator != nil {
		self.coordinator.SupersedeEntity(envelope.EntityId)
	}
	// absent is fine: duplicate delivery or locally deleted already
	self.store.Delete(envelope.EntityId)
	self.count(func(stats *MergerStats) {
		stats.Deletes += 1
	})
}

// selfHeal recovers the row behind an update for an unknown entity. The
// fetch runs in the background so one slow lookup does not stall the merge
// loop for other entities. The result applies only if the scope is still
// live and no later envelope settled the entity first, which keeps the
// per-entity arrival order intact.
func (self *EventMerger) selfHeal(kind EntityKind, entityId Id) {
	self.count(func(stats *MergerStats) {
		stats.SelfHeals += 1
	})
	go func() {
		ctx, cancel := context.WithTimeout(self.ctx, self.settings.SelfHealTimeout)
		defer cancel()

		item, err := self.storage.QueryItem(ctx, kind, entityId)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// deleted before the fetch landed. the delete envelope
				// already did or will clean up.
				glog.V(2).Infof("[merge]self-heal %s already gone\n", entityId)
			} else {
				glog.V(1).Infof("[merge]self-heal %s failed: %s\n", entityId, err)
			}
			return
		}
		if self.ctx.Err() != nil {
			return
		}
		if item.ScopeId != self.scopeId {
			return
		}
		if _, ok := self.store.Get(entityId); ok {
			// a newer envelope filled it in first
			return
		}
		self.store.Put(item)
		glog.V(2).Infof("[merge]self-healed %s\n", entityId)
	}()
}

func (self *EventMerger) Stats() MergerStats {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.stats
}

func (self *EventMerger) count(update func(stats *MergerStats)) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	update(&self.stats)
}
