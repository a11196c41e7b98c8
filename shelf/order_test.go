package shelf

import (
	"errors"
	mathrand "math/rand"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestAllocateEnd(t *testing.T) {
	assert.Equal(t, OrderStep, AllocateEnd([]int64{}))
	assert.Equal(t, int64(40), AllocateEnd([]int64{10, 20, 30}))
	assert.Equal(t, int64(17), AllocateEnd([]int64{7}))
}

func TestAllocateBetween(t *testing.T) {
	order, ok := AllocateBetween(10, 20)
	assert.Equal(t, true, ok)
	assert.Equal(t, int64(15), order)

	order, ok = AllocateBetween(10, 12)
	assert.Equal(t, true, ok)
	assert.Equal(t, int64(11), order)

	// a gap of one cannot hold a new key
	_, ok = AllocateBetween(10, 11)
	assert.Equal(t, false, ok)

	_, ok = AllocateBetween(10, 10)
	assert.Equal(t, false, ok)

	// head inserts use the virtual origin
	order, ok = AllocateBetween(0, 10)
	assert.Equal(t, true, ok)
	assert.Equal(t, int64(5), order)
}

func TestResequenceOrders(t *testing.T) {
	scopeId := NewId()
	a := newTestLeaf(scopeId, nil, "a", 3)
	b := newTestLeaf(scopeId, nil, "b", 4)
	c := newTestLeaf(scopeId, nil, "c", 900)

	orders := ResequenceOrders([]*Item{a, b, c})
	assert.Equal(t, OrderStep, orders[a.Id])
	assert.Equal(t, 2*OrderStep, orders[b.Id])
	assert.Equal(t, 3*OrderStep, orders[c.Id])
}

func TestPlanInsertMidpoint(t *testing.T) {
	store := NewItemStore()
	scopeId := NewId()

	a := newTestLeaf(scopeId, nil, "a", 10)
	b := newTestLeaf(scopeId, nil, "b", 20)
	c := newTestLeaf(scopeId, nil, "c", 30)
	store.Load(scopeId, []*Item{a, b, c})

	allocator := NewOrderAllocator(store)

	// inserting between the first and second sibling takes the midpoint
	plan, err := allocator.PlanInsert(scopeId, NewId(), nil, 1)
	assert.Equal(t, err, nil)
	assert.Equal(t, int64(15), plan.Order)
	assert.Equal(t, false, plan.UsedResequence())
}

func TestPlanInsertGapCollapse(t *testing.T) {
	store := NewItemStore()
	scopeId := NewId()

	a := newTestLeaf(scopeId, nil, "a", 10)
	b := newTestLeaf(scopeId, nil, "b", 20)
	c := newTestLeaf(scopeId, nil, "c", 30)
	store.Load(scopeId, []*Item{a, b, c})

	allocator := NewOrderAllocator(store)

	apply := func(plan *PlacementPlan, title string) {
		if plan.UsedResequence() {
			store.ApplyOrders(scopeId, plan.Resequenced)
		}
		item := newTestLeaf(scopeId, plan.ParentId, title, plan.Order)
		item.Id = plan.ItemId
		store.Put(item)
	}

	// repeatedly inserting at the same slot halves the gap: 15, 12, 11
	expectedOrders := []int64{15, 12, 11}
	for _, expected := range expectedOrders {
		plan, err := allocator.PlanInsert(scopeId, NewId(), nil, 1)
		assert.Equal(t, err, nil)
		assert.Equal(t, expected, plan.Order)
		assert.Equal(t, false, plan.UsedResequence())
		apply(plan, "x")
	}

	// the next insert finds no gap. the sibling group is renumbered to
	// multiples of OrderStep and the insert retries against the fresh keys
	plan, err := allocator.PlanInsert(scopeId, NewId(), nil, 1)
	assert.Equal(t, err, nil)
	assert.Equal(t, true, plan.UsedResequence())
	assert.Equal(t, 6, len(plan.Resequenced))
	assert.Equal(t, int64(15), plan.Order)
	apply(plan, "y")

	orders := siblingOrders(store, scopeId, nil)
	assert.Equal(t, []int64{10, 15, 20, 30, 40, 50, 60}, orders)
	assertAscending(t, orders)
}

func TestPlanMoveBetweenSiblings(t *testing.T) {
	store := NewItemStore()
	scopeId := NewId()

	a := newTestLeaf(scopeId, nil, "a", 10)
	b := newTestLeaf(scopeId, nil, "b", 20)
	c := newTestLeaf(scopeId, nil, "c", 30)
	store.Load(scopeId, []*Item{a, b, c})

	allocator := NewOrderAllocator(store)

	// moving c between a and b takes the midpoint of their gap
	plan, err := allocator.PlanMove(scopeId, c.Id, nil, 1)
	assert.Equal(t, err, nil)
	assert.Equal(t, int64(15), plan.Order)
	assert.Equal(t, false, plan.UsedResequence())

	store.SetPlacement(plan.ItemId, plan.ParentId, plan.Order)

	siblings := store.Siblings(scopeId, nil)
	assert.Equal(t, a.Id, siblings[0].Id)
	assert.Equal(t, c.Id, siblings[1].Id)
	assert.Equal(t, b.Id, siblings[2].Id)
}

func TestPlanMoveAppend(t *testing.T) {
	store := NewItemStore()
	scopeId := NewId()

	group := newTestGroup(scopeId, nil, "g", 10)
	a := newTestLeaf(scopeId, nil, "a", 20)
	inner := newTestLeaf(scopeId, &group.Id, "inner", 10)
	store.Load(scopeId, []*Item{group, a, inner})

	allocator := NewOrderAllocator(store)

	// append into the group after its existing child
	plan, err := allocator.PlanMove(scopeId, a.Id, &group.Id, PositionAppend)
	assert.Equal(t, err, nil)
	assert.Equal(t, group.Id, *plan.ParentId)
	assert.Equal(t, inner.Order+OrderStep, plan.Order)

	// append into an empty destination starts at OrderStep
	empty := newTestGroup(scopeId, nil, "empty", 30)
	store.Put(empty)
	plan, err = allocator.PlanMove(scopeId, a.Id, &empty.Id, PositionAppend)
	assert.Equal(t, err, nil)
	assert.Equal(t, OrderStep, plan.Order)
}

func TestPlanMoveRejectsCycle(t *testing.T) {
	store := NewItemStore()
	scopeId := NewId()

	top := newTestGroup(scopeId, nil, "top", 10)
	mid := newTestGroup(scopeId, &top.Id, "mid", 10)
	bottom := newTestGroup(scopeId, &mid.Id, "bottom", 10)
	store.Load(scopeId, []*Item{top, mid, bottom})

	allocator := NewOrderAllocator(store)

	before := store.Snapshot(scopeId)

	// moving top under its own descendant would close a cycle
	_, err := allocator.PlanMove(scopeId, top.Id, &bottom.Id, PositionAppend)
	assert.NotEqual(t, err, nil)
	var validationErr *ValidationError
	assert.Equal(t, true, errors.As(err, &validationErr))

	// an item cannot be its own parent
	_, err = allocator.PlanMove(scopeId, top.Id, &top.Id, PositionAppend)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, true, errors.As(err, &validationErr))

	// rejected plans leave the store untouched
	after := store.Snapshot(scopeId)
	assert.Equal(t, len(before), len(after))
	for _, item := range before {
		parentId, order, ok := store.Placement(item.Id)
		assert.Equal(t, true, ok)
		assert.Equal(t, true, SameParent(parentId, item.ParentId))
		assert.Equal(t, item.Order, order)
	}
}

func TestPlanMoveValidatesDestination(t *testing.T) {
	store := NewItemStore()
	scopeId := NewId()
	otherScopeId := NewId()

	leaf := newTestLeaf(scopeId, nil, "leaf", 10)
	other := newTestLeaf(scopeId, nil, "other", 20)
	foreign := newTestGroup(otherScopeId, nil, "foreign", 10)
	store.Load(scopeId, []*Item{leaf, other})
	store.Load(otherScopeId, []*Item{foreign})

	allocator := NewOrderAllocator(store)

	// unknown item
	_, err := allocator.PlanMove(scopeId, NewId(), nil, PositionAppend)
	var notFoundErr *NotFoundError
	assert.Equal(t, true, errors.As(err, &notFoundErr))

	// unknown destination
	missingId := NewId()
	_, err = allocator.PlanMove(scopeId, leaf.Id, &missingId, PositionAppend)
	assert.Equal(t, true, errors.As(err, &notFoundErr))

	// a leaf cannot hold children
	_, err = allocator.PlanMove(scopeId, leaf.Id, &other.Id, PositionAppend)
	var validationErr *ValidationError
	assert.Equal(t, true, errors.As(err, &validationErr))

	// the destination must share the scope
	_, err = allocator.PlanMove(scopeId, leaf.Id, &foreign.Id, PositionAppend)
	assert.Equal(t, true, errors.As(err, &validationErr))
}

func TestOrderInvariantUnderRandomMoves(t *testing.T) {
	store := NewItemStore()
	scopeId := NewId()

	groups := []*Item{}
	items := []*Item{}
	for i := 0; i < 4; i += 1 {
		group := newTestGroup(scopeId, nil, "g", int64(i+1)*OrderStep)
		groups = append(groups, group)
		items = append(items, group)
	}
	for i := 0; i < 24; i += 1 {
		leaf := newTestLeaf(scopeId, nil, "l", int64(i+5)*OrderStep)
		items = append(items, leaf)
	}
	store.Load(scopeId, items)

	allocator := NewOrderAllocator(store)

	apply := func(plan *PlacementPlan) {
		if plan.UsedResequence() {
			store.ApplyOrders(scopeId, plan.Resequenced)
		}
		store.SetPlacement(plan.ItemId, plan.ParentId, plan.Order)
	}

	random := mathrand.New(mathrand.NewSource(1))
	moves := 0
	for i := 0; i < 2000; i += 1 {
		moved := items[random.Intn(len(items))]

		// destination: root or one of the groups
		var parentId *Id
		if random.Intn(3) != 0 {
			group := groups[random.Intn(len(groups))]
			parentId = &group.Id
		}
		position := random.Intn(len(items)+2) - 1

		plan, err := allocator.PlanMove(scopeId, moved.Id, parentId, position)
		if err != nil {
			// cycles and self-parents are expected rejections
			var validationErr *ValidationError
			assert.Equal(t, true, errors.As(err, &validationErr))
			continue
		}
		apply(plan)
		moves += 1
	}
	assert.Equal(t, true, 1000 < moves)

	// every sibling group holds strictly ascending orders, nothing was lost
	assert.Equal(t, len(items), store.Len(scopeId))
	assertAscending(t, siblingOrders(store, scopeId, nil))
	for _, group := range groups {
		assertAscending(t, siblingOrders(store, scopeId, &group.Id))
	}

	// and the tree is still projectable with no cycles
	tree := Project(scopeId, store.Snapshot(scopeId))
	seen := 0
	tree.Walk(func(node *Node, depth int) {
		seen += 1
	})
	assert.Equal(t, len(items), seen)
}
