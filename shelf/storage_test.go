package shelf

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestMemoryStorageRows(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storage := NewMemoryStorage()
	defer storage.Close()
	scopeId := NewId()

	group := newTestGroup(scopeId, nil, "g", 10)
	leaf := newTestLeaf(scopeId, &group.Id, "leaf", 10)
	foreign := newTestLeaf(NewId(), nil, "foreign", 10)

	assert.Equal(t, storage.InsertItem(ctx, group), nil)
	assert.Equal(t, storage.InsertItem(ctx, leaf), nil)
	assert.Equal(t, storage.InsertItem(ctx, foreign), nil)

	// duplicate insert is a validation failure
	err := storage.InsertItem(ctx, leaf)
	var validationErr *ValidationError
	assert.Equal(t, true, errors.As(err, &validationErr))

	// scope queries never leak rows from other scopes
	rows, err := storage.QueryScope(ctx, scopeId)
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, len(rows))

	// single row lookup is kind strict
	read, err := storage.QueryItem(ctx, EntityKindItem, leaf.Id)
	assert.Equal(t, err, nil)
	assert.Equal(t, leaf.Title, read.Title)
	_, err = storage.QueryItem(ctx, EntityKindGroup, leaf.Id)
	var notFoundErr *NotFoundError
	assert.Equal(t, true, errors.As(err, &notFoundErr))

	// content updates leave placement alone
	read.Title = "renamed"
	read.Tags = []string{"a", "b"}
	assert.Equal(t, storage.UpdateContent(ctx, read), nil)
	updated, _ := storage.QueryItem(ctx, EntityKindItem, leaf.Id)
	assert.Equal(t, "renamed", updated.Title)
	assert.Equal(t, []string{"a", "b"}, updated.Tags)
	assert.Equal(t, group.Id, *updated.ParentId)
	assert.Equal(t, int64(10), updated.Order)

	// placement updates leave content alone
	assert.Equal(t, storage.UpdatePlacement(ctx, EntityKindItem, leaf.Id, nil, 20), nil)
	moved, _ := storage.QueryItem(ctx, EntityKindItem, leaf.Id)
	assert.Equal(t, moved.ParentId, nil)
	assert.Equal(t, int64(20), moved.Order)
	assert.Equal(t, "renamed", moved.Title)

	// a placement parent must be a group in the same scope
	err = storage.UpdatePlacement(ctx, EntityKindItem, leaf.Id, &foreign.Id, 10)
	assert.Equal(t, true, errors.As(err, &validationErr))

	// deleting a group leaves its children in place
	child := newTestLeaf(scopeId, &group.Id, "child", 10)
	assert.Equal(t, storage.InsertItem(ctx, child), nil)
	assert.Equal(t, storage.DeleteItem(ctx, EntityKindGroup, group.Id), nil)
	err = storage.DeleteItem(ctx, EntityKindGroup, group.Id)
	assert.Equal(t, true, errors.As(err, &notFoundErr))
	kept, err := storage.QueryItem(ctx, EntityKindItem, child.Id)
	assert.Equal(t, err, nil)
	assert.Equal(t, group.Id, *kept.ParentId)
}

func TestMemoryStorageBatchPlacements(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storage := NewMemoryStorage()
	defer storage.Close()
	scopeId := NewId()

	a := newTestLeaf(scopeId, nil, "a", 7)
	b := newTestLeaf(scopeId, nil, "b", 8)
	assert.Equal(t, storage.InsertItem(ctx, a), nil)
	assert.Equal(t, storage.InsertItem(ctx, b), nil)

	err := storage.ApplyPlacements(ctx, scopeId, []*PlacementUpdate{
		{Kind: EntityKindItem, ItemId: a.Id, ParentId: nil, Order: 10},
		{Kind: EntityKindItem, ItemId: b.Id, ParentId: nil, Order: 20},
	})
	assert.Equal(t, err, nil)

	readA, _ := storage.QueryItem(ctx, EntityKindItem, a.Id)
	readB, _ := storage.QueryItem(ctx, EntityKindItem, b.Id)
	assert.Equal(t, int64(10), readA.Order)
	assert.Equal(t, int64(20), readB.Order)
}

func TestMemoryStorageEventFeed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storage := NewMemoryStorage()
	defer storage.Close()
	scopeId := NewId()

	events := []*ChangeEnvelope{}
	unsub := storage.AddEventCallback(func(event *ChangeEnvelope) {
		events = append(events, event)
	})

	leaf := newTestLeaf(scopeId, nil, "leaf", 10)
	assert.Equal(t, storage.InsertItem(ctx, leaf), nil)
	assert.Equal(t, 1, len(events))
	assert.Equal(t, OperationInsert, events[0].Operation)
	assert.Equal(t, leaf.Id, events[0].EntityId)
	assert.Equal(t, scopeId, events[0].ScopeId)

	// rejected writes emit nothing
	bad := newTestLeaf(scopeId, nil, "bad", 10)
	bad.Url = ""
	assert.NotEqual(t, storage.InsertItem(ctx, bad), nil)
	assert.Equal(t, 1, len(events))

	assert.Equal(t, storage.UpdatePlacement(ctx, EntityKindItem, leaf.Id, nil, 20), nil)
	assert.Equal(t, 2, len(events))
	assert.Equal(t, OperationUpdate, events[1].Operation)
	assert.Equal(t, int64(20), events[1].Item.Order)

	assert.Equal(t, storage.DeleteItem(ctx, EntityKindItem, leaf.Id), nil)
	assert.Equal(t, 3, len(events))
	assert.Equal(t, OperationDelete, events[2].Operation)
	assert.Equal(t, events[2].Item, nil)

	unsub()
	again := newTestLeaf(scopeId, nil, "again", 10)
	assert.Equal(t, storage.InsertItem(ctx, again), nil)
	assert.Equal(t, 3, len(events))
}

func TestMemoryStoragePresence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storage := NewMemoryStorage()
	defer storage.Close()
	scopeId := NewId()
	userId := NewId()

	now := time.Now()
	assert.Equal(t, storage.TouchPresence(ctx, scopeId, userId, now), nil)
	// an older touch never regresses the marker
	assert.Equal(t, storage.TouchPresence(ctx, scopeId, userId, now.Add(-1*time.Minute)), nil)

	records, err := storage.QueryPresence(ctx, scopeId)
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, len(records))
	assert.Equal(t, userId, records[0].UserId)
	assert.Equal(t, now.Unix(), records[0].LastSeenAt.Unix())

	// presence is scope partitioned
	assert.Equal(t, storage.TouchPresence(ctx, NewId(), userId, now), nil)
	records, err = storage.QueryPresence(ctx, scopeId)
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, len(records))
}

func TestValidateItem(t *testing.T) {
	scopeId := NewId()

	assert.Equal(t, ValidateItem(newTestGroup(scopeId, nil, "g", 10)), nil)
	assert.Equal(t, ValidateItem(newTestLeaf(scopeId, nil, "leaf", 10)), nil)

	var validationErr *ValidationError

	untitled := newTestGroup(scopeId, nil, "   ", 10)
	assert.Equal(t, true, errors.As(ValidateItem(untitled), &validationErr))

	noUrl := newTestLeaf(scopeId, nil, "leaf", 10)
	noUrl.Url = ""
	assert.Equal(t, true, errors.As(ValidateItem(noUrl), &validationErr))

	badKind := newTestLeaf(scopeId, nil, "leaf", 10)
	badKind.Kind = ItemKind("folder")
	assert.Equal(t, true, errors.As(ValidateItem(badKind), &validationErr))

	noScope := newTestLeaf(Id{}, nil, "leaf", 10)
	assert.Equal(t, true, errors.As(ValidateItem(noScope), &validationErr))
}

func TestOpenStorage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storage, err := OpenStorage(ctx, "memory://", "")
	assert.Equal(t, err, nil)
	_, ok := storage.(*MemoryStorage)
	assert.Equal(t, true, ok)
	storage.Close()

	storage, err = OpenStorage(ctx, "https://shelf.example.com/api", "byjwt")
	assert.Equal(t, err, nil)
	_, ok = storage.(*HttpStorage)
	assert.Equal(t, true, ok)
	storage.Close()

	_, err = OpenStorage(ctx, "carrier-pigeon://coop", "")
	var validationErr *ValidationError
	assert.Equal(t, true, errors.As(err, &validationErr))
}
