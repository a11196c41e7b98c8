package shelf

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func awaitEnvelope(t *testing.T, receive chan *ChangeEnvelope) *ChangeEnvelope {
	select {
	case envelope := <-receive:
		return envelope
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for an envelope")
		return nil
	}
}

func TestSubscriptionTransportReceive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, serverStorage := startTestServer(ctx)
	defer server.Close()
	defer serverStorage.Close()

	scopeId := NewId()
	userId := NewId()
	byJwt := mintTestToken(t, userId, "ada", scopeId, time.Now().Add(1*time.Hour))

	settings := DefaultSubscriptionTransportSettings()
	settings.ReconnectTimeout = 100 * time.Millisecond
	auth := &SubscriptionAuth{
		ByJwt:      byJwt,
		ScopeId:    scopeId,
		InstanceId: NewId(),
	}
	transport := NewSubscriptionTransport(ctx, testWsUrl(server), auth, settings)
	defer transport.Close()

	states := make(chan TransportState, 16)
	unsub := transport.AddStateCallback(func(state TransportState) {
		select {
		case states <- state:
		default:
		}
	})
	defer unsub()

	waitFor(t, 5*time.Second, func() bool {
		return transport.State() == TransportStateSubscribed
	})

	// a write on the storage side arrives as an envelope
	group := newTestGroup(scopeId, nil, "research", OrderStep)
	assert.Equal(t, serverStorage.InsertItem(ctx, group), nil)
	envelope := awaitEnvelope(t, transport.Receive())
	assert.Equal(t, envelope.Operation, OperationInsert)
	assert.Equal(t, envelope.EntityKind, EntityKindGroup)
	assert.Equal(t, envelope.EntityId, group.Id)
	assert.Equal(t, envelope.ScopeId, scopeId)
	assert.Equal(t, envelope.Item.Title, "research")

	// rows in other scopes never cross this subscription
	foreign := newTestGroup(NewId(), nil, "elsewhere", OrderStep)
	assert.Equal(t, serverStorage.InsertItem(ctx, foreign), nil)
	leaf := newTestLeaf(scopeId, &group.Id, "paper", OrderStep)
	assert.Equal(t, serverStorage.InsertItem(ctx, leaf), nil)
	envelope = awaitEnvelope(t, transport.Receive())
	assert.Equal(t, envelope.EntityId, leaf.Id)
	assert.Equal(t, envelope.EntityKind, EntityKindItem)

	// a dropped socket reconnects on its own and the feed resumes
	server.CloseClientConnections()
	reconnectTimeout := time.After(5 * time.Second)
	sawReconnecting := false
	for !sawReconnecting {
		select {
		case state := <-states:
			if state == TransportStateReconnecting {
				sawReconnecting = true
			}
		case <-reconnectTimeout:
			t.FailNow()
		}
	}
	waitFor(t, 5*time.Second, func() bool {
		return transport.State() == TransportStateSubscribed
	})
	assert.Equal(t, transport.ConsecutiveFailures(), 0)

	leafTwo := newTestLeaf(scopeId, nil, "notes", 2*OrderStep)
	assert.Equal(t, serverStorage.InsertItem(ctx, leafTwo), nil)
	envelope = awaitEnvelope(t, transport.Receive())
	assert.Equal(t, envelope.EntityId, leafTwo.Id)

	// delete envelopes carry no payload
	assert.Equal(t, serverStorage.DeleteItem(ctx, EntityKindItem, leafTwo.Id), nil)
	envelope = awaitEnvelope(t, transport.Receive())
	assert.Equal(t, envelope.Operation, OperationDelete)
	assert.Equal(t, envelope.EntityId, leafTwo.Id)
	assert.Equal(t, envelope.Item, nil)
}

func TestSubscriptionTransportRefused(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, serverStorage := startTestServer(ctx)
	defer server.Close()
	defer serverStorage.Close()

	scopeId := NewId()
	userId := NewId()

	// a garbage token is refused before the ack, terminally. no retry loop.
	garbage := NewSubscriptionTransport(ctx, testWsUrl(server), &SubscriptionAuth{
		ByJwt:      "not-a-token",
		ScopeId:    scopeId,
		InstanceId: NewId(),
	}, DefaultSubscriptionTransportSettings())
	defer garbage.Close()
	waitFor(t, 5*time.Second, func() bool {
		return garbage.State() == TransportStateFailed
	})
	if err := garbage.LastError(); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}

	// a token bound to one scope cannot subscribe to another
	boundJwt := mintTestToken(t, userId, "ada", NewId(), time.Now().Add(1*time.Hour))
	bound := NewSubscriptionTransport(ctx, testWsUrl(server), &SubscriptionAuth{
		ByJwt:      boundJwt,
		ScopeId:    scopeId,
		InstanceId: NewId(),
	}, DefaultSubscriptionTransportSettings())
	defer bound.Close()
	waitFor(t, 5*time.Second, func() bool {
		return bound.State() == TransportStateFailed
	})
	if err := bound.LastError(); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied for a foreign scope, got %v", err)
	}

	// close is terminal
	byJwt := mintTestToken(t, userId, "ada", scopeId, time.Now().Add(1*time.Hour))
	live := NewSubscriptionTransport(ctx, testWsUrl(server), &SubscriptionAuth{
		ByJwt:      byJwt,
		ScopeId:    scopeId,
		InstanceId: NewId(),
	}, DefaultSubscriptionTransportSettings())
	waitFor(t, 5*time.Second, func() bool {
		return live.State() == TransportStateSubscribed
	})
	live.Close()
	waitFor(t, 5*time.Second, func() bool {
		return live.State() == TransportStateClosed
	})
	group := newTestGroup(scopeId, nil, "research", OrderStep)
	assert.Equal(t, serverStorage.InsertItem(ctx, group), nil)
	select {
	case envelope := <-live.Receive():
		t.Fatalf("expected no envelope after close, got %s", envelope)
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, live.State(), TransportStateClosed)
}
