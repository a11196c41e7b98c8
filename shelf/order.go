package shelf

import (
	"fmt"
)

// sibling order keys are ascending int64 values with deliberate gaps.
// appends extend the tail by OrderStep; inserts take the midpoint of the
// neighbor gap. when a gap collapses to nothing the affected sibling group
// (and only that group) is renumbered back to multiples of OrderStep, so the
// worst-case rebalance cost is bounded by the size of one sibling group,
// never by the size of the tree.

const OrderStep int64 = 10

// PositionAppend places the moved item at the end of the destination
// sibling list (the "root-end"/"child-end" rule).
const PositionAppend int = -1

// PlacementPlan describes the store writes needed to realize one move or
// insert: the subject's new placement, plus renumbered orders for the
// destination sibling group when the gap was exhausted.
type PlacementPlan struct {
	ItemId   Id
	ScopeId  Id
	ParentId *Id
	Order    int64

	// Resequenced maps sibling ids to new orders. Empty on the fast path.
	Resequenced map[Id]int64
}

func (self *PlacementPlan) UsedResequence() bool {
	return 0 < len(self.Resequenced)
}

// AllocateEnd returns the order key for appending after the given sibling
// orders, which must be ascending.
func AllocateEnd(orders []int64) int64 {
	if len(orders) == 0 {
		return OrderStep
	}
	return orders[len(orders)-1] + OrderStep
}

// AllocateBetween returns the midpoint key strictly between a and b.
// ok is false when the gap is exhausted (b-a <= 1) and the sibling group
// needs resequencing first.
func AllocateBetween(a int64, b int64) (int64, bool) {
	if b-a <= 1 {
		return 0, false
	}
	return a + (b-a)/2, true
}

// ResequenceOrders renumbers one sibling group to OrderStep, 2*OrderStep, …
// preserving relative order. siblings must already be in projection order.
func ResequenceOrders(siblings []*Item) map[Id]int64 {
	orders := map[Id]int64{}
	for i, sibling := range siblings {
		orders[sibling.Id] = int64(i+1) * OrderStep
	}
	return orders
}

// OrderAllocator computes placement plans against the current store state.
type OrderAllocator struct {
	store *ItemStore
}

func NewOrderAllocator(store *ItemStore) *OrderAllocator {
	return &OrderAllocator{
		store: store,
	}
}

// PlanMove computes the placement for moving itemId under parentId
// (nil = scope root) at position. position indexes the destination sibling
// list after the moved item is removed from it; PositionAppend or any
// out-of-range position appends at the end.
//
// The destination is validated before any allocation: it must exist, be a
// group in the same scope, and must not be the moved item or any of its
// descendants (the cycle guard, bounded by tree depth).
func (self *OrderAllocator) PlanMove(scopeId Id, itemId Id, parentId *Id, position int) (*PlacementPlan, error) {
	moved, ok := self.store.Get(itemId)
	if !ok {
		return nil, &NotFoundError{Kind: "item", Id: itemId}
	}
	if moved.ScopeId != scopeId {
		return nil, &ValidationError{EntityId: itemId, Message: "item belongs to another scope"}
	}

	if err := self.guardDestination(scopeId, itemId, parentId); err != nil {
		return nil, err
	}

	siblings := self.store.Siblings(scopeId, parentId)
	// remove the moved item from its own destination list
	rest := make([]*Item, 0, len(siblings))
	for _, sibling := range siblings {
		if sibling.Id != itemId {
			rest = append(rest, sibling)
		}
	}

	plan := &PlacementPlan{
		ItemId:   itemId,
		ScopeId:  scopeId,
		ParentId: copyParentId(parentId),
	}
	self.allocate(plan, rest, position)
	return plan, nil
}

// PlanInsert computes the placement for a brand new item under parentId.
func (self *OrderAllocator) PlanInsert(scopeId Id, itemId Id, parentId *Id, position int) (*PlacementPlan, error) {
	if err := self.guardDestination(scopeId, itemId, parentId); err != nil {
		return nil, err
	}

	siblings := self.store.Siblings(scopeId, parentId)
	plan := &PlacementPlan{
		ItemId:   itemId,
		ScopeId:  scopeId,
		ParentId: copyParentId(parentId),
	}
	self.allocate(plan, siblings, position)
	return plan, nil
}

func (self *OrderAllocator) guardDestination(scopeId Id, itemId Id, parentId *Id) error {
	if parentId == nil {
		// scope root is always a valid destination
		return nil
	}
	if *parentId == itemId {
		return &ValidationError{EntityId: itemId, Message: "item cannot be its own parent"}
	}
	parent, ok := self.store.Get(*parentId)
	if !ok {
		return &NotFoundError{Kind: "group", Id: *parentId}
	}
	if parent.ScopeId != scopeId {
		return &ValidationError{EntityId: itemId, Message: "destination group belongs to another scope"}
	}
	if !parent.IsGroup() {
		return &ValidationError{EntityId: itemId, Message: fmt.Sprintf("destination %s is not a group", *parentId)}
	}
	// walk the destination's ancestor chain up to the scope root. if the
	// moved item appears, the move would make the item its own ancestor.
	isAncestor, err := self.store.IsAncestor(itemId, *parentId)
	if err != nil {
		// the chain itself is corrupt. refuse to allocate into it
		return &ValidationError{EntityId: itemId, Message: "destination ancestry contains a cycle"}
	}
	if isAncestor {
		return &ValidationError{EntityId: itemId, Message: "destination group is a descendant of the moved item"}
	}
	return nil
}

// allocate fills plan.Order, resequencing rest into plan.Resequenced first
// when the target gap is exhausted.
func (self *OrderAllocator) allocate(plan *PlacementPlan, rest []*Item, position int) {
	orders := make([]int64, len(rest))
	for i, sibling := range rest {
		orders[i] = sibling.Order
	}

	if order, ok := allocateAt(orders, position); ok {
		plan.Order = order
		return
	}

	// gap exhausted: renumber this sibling group only, then retry against
	// the renumbered keys. the retry always succeeds because every gap is
	// OrderStep wide again.
	plan.Resequenced = ResequenceOrders(rest)
	for i, sibling := range rest {
		orders[i] = plan.Resequenced[sibling.Id]
	}
	order, ok := allocateAt(orders, position)
	if !ok {
		// unreachable while OrderStep > 1
		panic(fmt.Errorf("resequenced allocation failed at position %d of %d", position, len(orders)))
	}
	plan.Order = order
}

// allocateAt computes the key for inserting before index position of the
// ascending orders. positions outside [0, len) append at the end.
func allocateAt(orders []int64, position int) (int64, bool) {
	if position < 0 || len(orders) <= position {
		return AllocateEnd(orders), true
	}
	// lower neighbor, or the virtual origin for a head insert
	var lower int64 = 0
	if 0 < position {
		lower = orders[position-1]
	}
	upper := orders[position]
	return AllocateBetween(lower, upper)
}

func copyParentId(parentId *Id) *Id {
	if parentId == nil {
		return nil
	}
	v := *parentId
	return &v
}
