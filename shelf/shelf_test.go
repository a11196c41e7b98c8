package shelf

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"testing"
	"time"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func newTestGroup(scopeId Id, parentId *Id, title string, order int64) *Item {
	return &Item{
		Id:        NewId(),
		ScopeId:   scopeId,
		ParentId:  copyParentId(parentId),
		Kind:      ItemKindGroup,
		Order:     order,
		Title:     title,
		CreatedAt: time.Now(),
	}
}

func newTestLeaf(scopeId Id, parentId *Id, title string, order int64) *Item {
	return &Item{
		Id:        NewId(),
		ScopeId:   scopeId,
		ParentId:  copyParentId(parentId),
		Kind:      ItemKindLeaf,
		Order:     order,
		Title:     title,
		Url:       fmt.Sprintf("https://example.com/%s", title),
		CreatedAt: time.Now(),
	}
}

// waitFor polls the condition until it holds or the timeout passes.
func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	end := time.Now().Add(timeout)
	for !condition() {
		if end.Before(time.Now()) {
			t.Fatalf("condition not reached within %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// siblingOrders reads the current projection order values of one sibling group.
func siblingOrders(store *ItemStore, scopeId Id, parentId *Id) []int64 {
	siblings := store.Siblings(scopeId, parentId)
	orders := make([]int64, len(siblings))
	for i, sibling := range siblings {
		orders[i] = sibling.Order
	}
	return orders
}

// assertAscending fails unless the orders are strictly ascending.
func assertAscending(t *testing.T, orders []int64) {
	t.Helper()
	for i := 1; i < len(orders); i += 1 {
		if orders[i] <= orders[i-1] {
			t.Fatalf("orders not strictly ascending: %v", orders)
		}
	}
}

// testStorage wraps the memory backend with scriptable failures and gates so
// a test can fail one submit on demand or hold it in flight while something
// else happens.
type testStorage struct {
	*MemoryStorage

	interceptLock sync.Mutex
	failNext      map[string]error
	gates         map[string]*opGate
	calls         map[string]int
}

type opGate struct {
	entered chan struct{}
	outcome chan error
}

func newTestStorage() *testStorage {
	return &testStorage{
		MemoryStorage: NewMemoryStorage(),
		failNext:      map[string]error{},
		gates:         map[string]*opGate{},
		calls:         map[string]int{},
	}
}

// failNextOp arms a one-shot failure for the named op. The failing call never
// reaches the memory backend.
func (self *testStorage) failNextOp(op string, err error) {
	self.interceptLock.Lock()
	defer self.interceptLock.Unlock()
	self.failNext[op] = err
}

// gateOp holds the next call of the named op. entered closes when a call
// reaches the gate; release resolves the call with the given error, where nil
// lets it proceed to the memory backend. The gated call still honors its
// context, so a deadline can expire while held.
func (self *testStorage) gateOp(op string) (entered <-chan struct{}, release func(err error)) {
	gate := &opGate{
		entered: make(chan struct{}),
		outcome: make(chan error, 1),
	}
	self.interceptLock.Lock()
	self.gates[op] = gate
	self.interceptLock.Unlock()
	return gate.entered, func(err error) {
		gate.outcome <- err
	}
}

func (self *testStorage) callCount(op string) int {
	self.interceptLock.Lock()
	defer self.interceptLock.Unlock()
	return self.calls[op]
}

func (self *testStorage) intercept(ctx context.Context, op string) error {
	self.interceptLock.Lock()
	self.calls[op] += 1
	err, hasErr := self.failNext[op]
	if hasErr {
		delete(self.failNext, op)
	}
	gate, hasGate := self.gates[op]
	if hasGate {
		delete(self.gates, op)
	}
	self.interceptLock.Unlock()

	if hasErr {
		return err
	}
	if hasGate {
		close(gate.entered)
		select {
		case err := <-gate.outcome:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (self *testStorage) QueryScope(ctx context.Context, scopeId Id) ([]*Item, error) {
	if err := self.intercept(ctx, "queryScope"); err != nil {
		return nil, err
	}
	return self.MemoryStorage.QueryScope(ctx, scopeId)
}

func (self *testStorage) QueryItem(ctx context.Context, kind EntityKind, itemId Id) (*Item, error) {
	if err := self.intercept(ctx, "queryItem"); err != nil {
		return nil, err
	}
	return self.MemoryStorage.QueryItem(ctx, kind, itemId)
}

func (self *testStorage) InsertItem(ctx context.Context, item *Item) error {
	if err := self.intercept(ctx, "insert"); err != nil {
		return err
	}
	return self.MemoryStorage.InsertItem(ctx, item)
}

func (self *testStorage) UpdateContent(ctx context.Context, item *Item) error {
	if err := self.intercept(ctx, "updateContent"); err != nil {
		return err
	}
	return self.MemoryStorage.UpdateContent(ctx, item)
}

func (self *testStorage) UpdatePlacement(ctx context.Context, kind EntityKind, itemId Id, parentId *Id, order int64) error {
	if err := self.intercept(ctx, "updatePlacement"); err != nil {
		return err
	}
	return self.MemoryStorage.UpdatePlacement(ctx, kind, itemId, parentId, order)
}

func (self *testStorage) ApplyPlacements(ctx context.Context, scopeId Id, placements []*PlacementUpdate) error {
	if err := self.intercept(ctx, "applyPlacements"); err != nil {
		return err
	}
	return self.MemoryStorage.ApplyPlacements(ctx, scopeId, placements)
}

func (self *testStorage) DeleteItem(ctx context.Context, kind EntityKind, itemId Id) error {
	if err := self.intercept(ctx, "delete"); err != nil {
		return err
	}
	return self.MemoryStorage.DeleteItem(ctx, kind, itemId)
}

// seedScope inserts the rows into storage and loads them into the store, the
// state a subscribed session would reach after its initial fetch.
func seedScope(t *testing.T, ctx context.Context, storage Storage, store *ItemStore, scopeId Id, items ...*Item) {
	t.Helper()
	for _, item := range items {
		if err := storage.InsertItem(ctx, item); err != nil {
			t.Fatalf("seed insert: %s", err)
		}
	}
	store.Load(scopeId, items)
}
