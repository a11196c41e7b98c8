package shelf

import (
	"slices"
	"time"
)

// the flat data model for one shelf scope
// a scope is one shared workspace: one tree of groups and leaves edited by a team

type ItemKind string

const (
	// a group can have children
	ItemKindGroup ItemKind = "group"
	// a leaf cannot
	ItemKindLeaf ItemKind = "leaf"
)

// Item is one node of the shelf. The parent/order fields establish the tree
// and the sibling order; the content fields are carried opaquely by the sync
// engine and only matter to the UI above it.
//
// invariant: siblings sharing a parent within one scope have strictly
// distinct ascending Order values (the allocator maintains this, the
// projector tolerates violations from foreign data until resequenced)
// invariant: no item is its own ancestor
type Item struct {
	Id       Id       `json:"id"`
	ScopeId  Id       `json:"scope_id"`
	ParentId *Id      `json:"parent_id,omitempty"`
	Kind     ItemKind `json:"kind"`
	Order    int64    `json:"item_order"`

	Title           string   `json:"title,omitempty"`
	Url             string   `json:"url,omitempty"`
	Description     string   `json:"description,omitempty"`
	FaviconUrl      string   `json:"favicon_url,omitempty"`
	PreviewImageUrl string   `json:"preview_image,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	Color           string   `json:"color,omitempty"`

	CreatedBy Id        `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

func (self *Item) IsGroup() bool {
	return self.Kind == ItemKindGroup
}

func (self *Item) IsRoot() bool {
	return self.ParentId == nil
}

// Copy returns a value copy safe to hand outside the store lock.
func (self *Item) Copy() *Item {
	copy := *self
	if self.ParentId != nil {
		parentId := *self.ParentId
		copy.ParentId = &parentId
	}
	copy.Tags = slices.Clone(self.Tags)
	return &copy
}

// SameParent reports whether both items sit under the same parent,
// treating nil (root) as a parent value.
func SameParent(a *Id, b *Id) bool {
	if a == nil {
		return b == nil
	}
	if b == nil {
		return false
	}
	return *a == *b
}

// ContentUpdate is a partial edit of an item's content fields. Only fields
// that are set apply; placement is never part of a content update, so a
// content edit and a move on the same item can land in either order without
// clobbering each other.
type ContentUpdate struct {
	Title           *string
	Url             *string
	Description     *string
	FaviconUrl      *string
	PreviewImageUrl *string
	Tags            *[]string
	Color           *string
}

func (self *ContentUpdate) Empty() bool {
	return self.Title == nil &&
		self.Url == nil &&
		self.Description == nil &&
		self.FaviconUrl == nil &&
		self.PreviewImageUrl == nil &&
		self.Tags == nil &&
		self.Color == nil
}

// ApplyTo writes the set fields into item.
func (self *ContentUpdate) ApplyTo(item *Item) {
	if self.Title != nil {
		item.Title = *self.Title
	}
	if self.Url != nil {
		item.Url = *self.Url
	}
	if self.Description != nil {
		item.Description = *self.Description
	}
	if self.FaviconUrl != nil {
		item.FaviconUrl = *self.FaviconUrl
	}
	if self.PreviewImageUrl != nil {
		item.PreviewImageUrl = *self.PreviewImageUrl
	}
	if self.Tags != nil {
		item.Tags = slices.Clone(*self.Tags)
	}
	if self.Color != nil {
		item.Color = *self.Color
	}
}

// SnapshotOf captures the current values of exactly the fields this update
// is about to change, so a failed mutation can restore them and nothing else.
func (self *ContentUpdate) SnapshotOf(item *Item) *ContentUpdate {
	snapshot := &ContentUpdate{}
	if self.Title != nil {
		v := item.Title
		snapshot.Title = &v
	}
	if self.Url != nil {
		v := item.Url
		snapshot.Url = &v
	}
	if self.Description != nil {
		v := item.Description
		snapshot.Description = &v
	}
	if self.FaviconUrl != nil {
		v := item.FaviconUrl
		snapshot.FaviconUrl = &v
	}
	if self.PreviewImageUrl != nil {
		v := item.PreviewImageUrl
		snapshot.PreviewImageUrl = &v
	}
	if self.Tags != nil {
		v := slices.Clone(item.Tags)
		snapshot.Tags = &v
	}
	if self.Color != nil {
		v := item.Color
		snapshot.Color = &v
	}
	return snapshot
}

// RevertIn restores the snapshot values into item, field by field, skipping
// any field whose current value no longer matches what applied wrote there.
// A mismatched field is owned by a newer write and stays.
func (self *ContentUpdate) RevertIn(item *Item, applied *ContentUpdate) {
	if self.Title != nil && applied.Title != nil && item.Title == *applied.Title {
		item.Title = *self.Title
	}
	if self.Url != nil && applied.Url != nil && item.Url == *applied.Url {
		item.Url = *self.Url
	}
	if self.Description != nil && applied.Description != nil && item.Description == *applied.Description {
		item.Description = *self.Description
	}
	if self.FaviconUrl != nil && applied.FaviconUrl != nil && item.FaviconUrl == *applied.FaviconUrl {
		item.FaviconUrl = *self.FaviconUrl
	}
	if self.PreviewImageUrl != nil && applied.PreviewImageUrl != nil && item.PreviewImageUrl == *applied.PreviewImageUrl {
		item.PreviewImageUrl = *self.PreviewImageUrl
	}
	if self.Tags != nil && applied.Tags != nil && slices.Equal(item.Tags, *applied.Tags) {
		item.Tags = slices.Clone(*self.Tags)
	}
	if self.Color != nil && applied.Color != nil && item.Color == *applied.Color {
		item.Color = *self.Color
	}
}

// PresenceRecord is one user's liveness mark within a scope.
// online/offline is derived from the age of LastSeenAt, never stored.
type PresenceRecord struct {
	ScopeId    Id        `json:"scope_id"`
	UserId     Id        `json:"user_id"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Online derives liveness from the record age.
func (self *PresenceRecord) Online(now time.Time, threshold time.Duration) bool {
	if self.LastSeenAt.IsZero() {
		return false
	}
	return now.Sub(self.LastSeenAt) < threshold
}
