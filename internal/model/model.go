// Package model defines domain entities used by services and repositories.
package model

import (
	"strings"
	"time"
)

// Kind distinguishes the two independently versioned entity kinds.
type Kind string

const (
	KindCollection Kind = "collection"
	KindItem       Kind = "item"
)

// Kinds lists entity kinds in sync order: collections before items.
var Kinds = []Kind{KindCollection, KindItem}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool { return k == KindCollection || k == KindItem }

// Plural returns the remote endpoint noun for the kind.
func (k Kind) Plural() string {
	if k == KindCollection {
		return "collections"
	}
	return "items"
}

// ParentField is the payload field holding the parent link for this kind.
func (k Kind) ParentField() string {
	if k == KindCollection {
		return "parentCollection"
	}
	return "parentItem"
}

// LibraryKind is the owner type of a remote library.
type LibraryKind string

const (
	LibraryPersonal LibraryKind = "personal"
	LibraryGroup    LibraryKind = "group"
)

// SyncMode controls whether local edits are pushed for a library.
type SyncMode string

const (
	ModePull          SyncMode = "pull"
	ModeBidirectional SyncMode = "bidirectional"
)

// Library is one accessible remote library with its per-kind watermarks.
type Library struct {
	ID                int64
	Kind              LibraryKind
	Name              string
	Mode              SyncMode
	CollectionVersion int64     // highest remote collection version incorporated
	ItemVersion       int64     // highest remote item version incorporated
	LastSyncedAt      time.Time // zero if never synced
}

// Watermark returns the stored watermark for the kind.
func (l Library) Watermark(k Kind) int64 {
	if k == KindCollection {
		return l.CollectionVersion
	}
	return l.ItemVersion
}

// SetWatermark updates the in-memory watermark for the kind.
func (l *Library) SetWatermark(k Kind, v int64) {
	if k == KindCollection {
		l.CollectionVersion = v
		return
	}
	l.ItemVersion = v
}

// Bidirectional reports whether local edits are pushed for this library.
func (l Library) Bidirectional() bool { return l.Mode == ModeBidirectional }

// SyncStatus is the local record state (see the state machine in the service package).
type SyncStatus string

const (
	StatusSynced   SyncStatus = "synced"
	StatusCreated  SyncStatus = "created"
	StatusUpdated  SyncStatus = "updated"
	StatusDeleted  SyncStatus = "deleted"
	StatusConflict SyncStatus = "conflict"
	StatusIgnored  SyncStatus = "ignored"
)

// PendingStatuses are the statuses the push reconciler uploads.
var PendingStatuses = []SyncStatus{StatusCreated, StatusUpdated, StatusDeleted}

// Dirty reports unsynced local changes or an unresolved conflict.
func (s SyncStatus) Dirty() bool {
	switch s {
	case StatusCreated, StatusUpdated, StatusDeleted, StatusConflict:
		return true
	}
	return false
}

// Payload is the canonical shape of a remote object as stored locally.
type Payload struct {
	Key     string         `json:"key"`
	Version int64          `json:"version"`
	Data    map[string]any `json:"data"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Clone returns a deep-enough copy: top-level maps are copied, nested values are shared.
func (p Payload) Clone() Payload {
	out := Payload{Key: p.Key, Version: p.Version}
	if p.Data != nil {
		out.Data = make(map[string]any, len(p.Data))
		for k, v := range p.Data {
			out.Data[k] = v
		}
	}
	if p.Meta != nil {
		out.Meta = make(map[string]any, len(p.Meta))
		for k, v := range p.Meta {
			out.Meta[k] = v
		}
	}
	return out
}

// Entity is a local Collection or Item record keyed by (LibraryID, Key).
type Entity struct {
	Kind        Kind
	LibraryID   int64
	Key         string
	Version     int64 // remote version observed, or the base version of a local edit
	SyncStatus  SyncStatus
	Raw         Payload  // local working copy
	ServerCopy  *Payload // competing remote payload, only while in conflict
	SyncError   string
	Parent      string   // parentCollection for collections, parentItem for items
	Collections []string // item collection membership
	ItemType    string
	Digest      []byte
	UpdatedAt   time.Time
}

// Ref identifies a record of a given kind inside one library.
type Ref struct {
	Kind Kind
	Key  string
}

// Ref returns the record's reference.
func (e *Entity) Ref() Ref { return Ref{Kind: e.Kind, Key: e.Key} }

// Title returns a display label: collection name, item title, or the key.
func (e *Entity) Title() string {
	for _, f := range []string{"name", "title", "note"} {
		if s, ok := e.Raw.Data[f].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return e.Key
}

// Clone copies the entity including its payloads.
func (e *Entity) Clone() *Entity {
	out := *e
	out.Raw = e.Raw.Clone()
	if e.ServerCopy != nil {
		sc := e.ServerCopy.Clone()
		out.ServerCopy = &sc
	}
	out.Collections = append([]string(nil), e.Collections...)
	out.Digest = append([]byte(nil), e.Digest...)
	return &out
}

// InCollection reports whether the item is a member of the collection key.
func (e *Entity) InCollection(key string) bool {
	for _, c := range e.Collections {
		if c == key {
			return true
		}
	}
	return false
}
