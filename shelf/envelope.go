package shelf

import (
	"encoding/json"
	"fmt"
)

// change envelopes are the notifications pushed over the realtime channel.
// the wire form is json; it is decoded exactly once, at the transport
// boundary, into the closed set of typed variants below. everything past
// the transport only ever sees a *ChangeEnvelope.

type EntityKind string

const (
	EntityKindGroup EntityKind = "group"
	EntityKindItem  EntityKind = "item"
)

type ChangeOperation string

const (
	OperationInsert ChangeOperation = "insert"
	OperationUpdate ChangeOperation = "update"
	OperationDelete ChangeOperation = "delete"
)

// ChangeEnvelope is one decoded remote change notification for one entity.
// Ephemeral: applied to the store and discarded, never persisted.
type ChangeEnvelope struct {
	EntityKind EntityKind
	Operation  ChangeOperation
	ScopeId    Id
	EntityId   Id
	// Item carries the row payload for insert and update. nil for delete.
	Item *Item
}

func (self *ChangeEnvelope) String() string {
	return fmt.Sprintf("%s %s %s@%s", self.Operation, self.EntityKind, self.EntityId, self.ScopeId)
}

// wireEnvelope is the transport json shape. payload is the affected row.
type wireEnvelope struct {
	EntityKind string          `json:"entity_kind"`
	Operation  string          `json:"operation"`
	ScopeId    Id              `json:"scope_id"`
	EntityId   Id              `json:"id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// DecodeEnvelope parses and validates one wire envelope. Unknown kinds or
// operations are a decode error, not a silently-passed dynamic payload.
func DecodeEnvelope(message []byte) (*ChangeEnvelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(message, &wire); err != nil {
		return nil, fmt.Errorf("envelope decode: %w", err)
	}

	var entityKind EntityKind
	switch EntityKind(wire.EntityKind) {
	case EntityKindGroup:
		entityKind = EntityKindGroup
	case EntityKindItem:
		entityKind = EntityKindItem
	default:
		return nil, fmt.Errorf("envelope decode: unknown entity kind %q", wire.EntityKind)
	}

	var operation ChangeOperation
	switch ChangeOperation(wire.Operation) {
	case OperationInsert:
		operation = OperationInsert
	case OperationUpdate:
		operation = OperationUpdate
	case OperationDelete:
		operation = OperationDelete
	default:
		return nil, fmt.Errorf("envelope decode: unknown operation %q", wire.Operation)
	}

	if wire.EntityId.IsZero() {
		return nil, fmt.Errorf("envelope decode: missing entity id")
	}

	envelope := &ChangeEnvelope{
		EntityKind: entityKind,
		Operation:  operation,
		ScopeId:    wire.ScopeId,
		EntityId:   wire.EntityId,
	}

	switch operation {
	case OperationInsert, OperationUpdate:
		if len(wire.Payload) == 0 {
			return nil, fmt.Errorf("envelope decode: %s without payload", operation)
		}
		item := &Item{}
		if err := json.Unmarshal(wire.Payload, item); err != nil {
			return nil, fmt.Errorf("envelope decode: payload: %w", err)
		}
		// the table the row came from decides the kind
		switch entityKind {
		case EntityKindGroup:
			item.Kind = ItemKindGroup
		case EntityKindItem:
			item.Kind = ItemKindLeaf
		}
		item.Id = wire.EntityId
		if item.ScopeId.IsZero() {
			item.ScopeId = wire.ScopeId
		}
		envelope.Item = item
	case OperationDelete:
		// delete carries no payload
	}

	return envelope, nil
}

// EncodeEnvelope produces the wire form. Used by the storage adapters to
// fan changes out and by tests to drive the transport.
func EncodeEnvelope(envelope *ChangeEnvelope) ([]byte, error) {
	wire := wireEnvelope{
		EntityKind: string(envelope.EntityKind),
		Operation:  string(envelope.Operation),
		ScopeId:    envelope.ScopeId,
		EntityId:   envelope.EntityId,
	}
	if envelope.Item != nil {
		payload, err := json.Marshal(envelope.Item)
		if err != nil {
			return nil, err
		}
		wire.Payload = payload
	}
	return json.Marshal(&wire)
}

// EntityKindForItem maps a store item back to the table-shaped entity kind.
func EntityKindForItem(item *Item) EntityKind {
	if item.IsGroup() {
		return EntityKindGroup
	}
	return EntityKindItem
}

// itemKindForEntity is the reverse mapping, for the storage adapters.
func itemKindForEntity(kind EntityKind) ItemKind {
	if kind == EntityKindGroup {
		return ItemKindGroup
	}
	return ItemKindLeaf
}
