package shelf

import (
	"bytes"
	"slices"
	"sort"
)

// projection is a pure function from a flat item snapshot to a display tree.
// it never mutates the snapshot and never blocks, so callers can project on
// every store change notification.

// CompareSiblings is the canonical sibling ordering: ascending order key,
// then creation time, then id. the trailing comparisons make the ordering
// total even when two writers allocated the same key concurrently.
func CompareSiblings(a *Item, b *Item) int {
	if a.Order != b.Order {
		if a.Order < b.Order {
			return -1
		}
		return 1
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	}
	return bytes.Compare(a.Id.Bytes(), b.Id.Bytes())
}

type Node struct {
	Item *Item
	// Children in projection order
	Children []*Node
	// Orphaned is set when the item named a parent that is missing from
	// the snapshot or unusable, and was lifted to the root level.
	Orphaned bool
}

func (self *Node) Id() Id {
	return self.Item.Id
}

type Tree struct {
	ScopeId Id
	// Roots in projection order. includes lifted orphans.
	Roots []*Node
}

// Walk visits every node depth first in projection order.
func (self *Tree) Walk(visit func(node *Node, depth int)) {
	var walk func(nodes []*Node, depth int)
	walk = func(nodes []*Node, depth int) {
		for _, node := range nodes {
			visit(node, depth)
			walk(node.Children, depth+1)
		}
	}
	walk(self.Roots, 0)
}

// Find returns the node for id, or nil.
func (self *Tree) Find(id Id) *Node {
	var found *Node
	self.Walk(func(node *Node, depth int) {
		if node.Item.Id == id {
			found = node
		}
	})
	return found
}

// Project builds the display tree for one scope from a flat snapshot.
//
// items whose parent is missing from the snapshot or is not a group are
// lifted to the root level and flagged Orphaned, so a partially synced scope
// still renders every item. items caught in a parent cycle (corrupt data) are
// likewise lifted instead of dropped: the walk from the roots marks every
// reachable node, and whatever remains is attached at the root in id order.
func Project(scopeId Id, items []*Item) *Tree {
	nodes := map[Id]*Node{}
	for _, item := range items {
		if item.ScopeId != scopeId {
			continue
		}
		nodes[item.Id] = &Node{
			Item: item,
		}
	}

	tree := &Tree{
		ScopeId: scopeId,
	}
	childNodes := map[Id][]*Node{}
	for _, node := range nodes {
		item := node.Item
		switch {
		case item.ParentId == nil:
			tree.Roots = append(tree.Roots, node)
		default:
			if parent, ok := nodes[*item.ParentId]; ok && parent.Item.IsGroup() {
				childNodes[*item.ParentId] = append(childNodes[*item.ParentId], node)
			} else {
				node.Orphaned = true
				tree.Roots = append(tree.Roots, node)
			}
		}
	}

	// attach children top down, marking reachable nodes as placed. a child
	// already placed is the back edge of a parent cycle; dropping it here
	// keeps every node in the projection exactly once.
	placed := map[Id]bool{}
	var attach func(node *Node)
	attach = func(node *Node) {
		if placed[node.Item.Id] {
			return
		}
		placed[node.Item.Id] = true
		children := []*Node{}
		for _, child := range childNodes[node.Item.Id] {
			if !placed[child.Item.Id] {
				children = append(children, child)
			}
		}
		sortNodes(children)
		node.Children = children
		for _, child := range children {
			attach(child)
		}
	}
	sortNodes(tree.Roots)
	for _, root := range tree.Roots {
		attach(root)
	}

	// anything unplaced sits on a parent cycle. lift the members in id
	// order so the projection stays deterministic and lossless.
	var cycleIds []Id
	for id := range nodes {
		if !placed[id] {
			cycleIds = append(cycleIds, id)
		}
	}
	if 0 < len(cycleIds) {
		slices.SortFunc(cycleIds, func(a Id, b Id) int {
			return bytes.Compare(a.Bytes(), b.Bytes())
		})
		for _, id := range cycleIds {
			if placed[id] {
				// already attached under an earlier lifted member
				continue
			}
			node := nodes[id]
			node.Orphaned = true
			tree.Roots = append(tree.Roots, node)
			attach(node)
		}
	}

	return tree
}

// Breadcrumbs returns the path of items from the scope root down to itemId,
// ending with the item itself. a parent missing from the store ends the walk
// there, matching the orphan lift in `Project`. a repeated ancestor returns
// ErrCycleDetected.
func Breadcrumbs(store *ItemStore, itemId Id) ([]*Item, error) {
	item, ok := store.Get(itemId)
	if !ok {
		return nil, &NotFoundError{Kind: "item", Id: itemId}
	}
	chain, err := store.AncestorChain(itemId)
	if err != nil {
		return nil, err
	}
	// chain is nearest ancestor first. reverse into root -> item.
	path := make([]*Item, 0, len(chain)+1)
	for i := len(chain) - 1; 0 <= i; i -= 1 {
		ancestor, ok := store.Get(chain[i])
		if !ok {
			continue
		}
		path = append(path, ancestor)
	}
	path = append(path, item)
	return path, nil
}

func sortNodes(nodes []*Node) {
	sort.SliceStable(nodes, func(i int, j int) bool {
		return CompareSiblings(nodes[i].Item, nodes[j].Item) < 0
	})
}
