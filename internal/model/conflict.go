package model

import (
	"fmt"
	"regexp"
	"strings"
)

// ConflictType is derived from stored fields and never persisted.
type ConflictType string

const (
	ConflictDelete ConflictType = "delete" // remote deleted, local is dirty
	ConflictUpdate ConflictType = "update" // both sides changed the record
	ConflictPush   ConflictType = "push"   // the remote rejected a local write
)

// Resolution is the user's choice for a conflict.
type Resolution string

const (
	KeepLocal    Resolution = "keep-local"
	AcceptRemote Resolution = "accept-remote"
)

// ParseResolution accepts the CLI/wire spelling of a resolution.
func ParseResolution(s string) (Resolution, error) {
	switch Resolution(s) {
	case KeepLocal, AcceptRemote:
		return Resolution(s), nil
	}
	return "", fmt.Errorf("unknown resolution %q (want %s or %s)", s, KeepLocal, AcceptRemote)
}

// Sync error texts recorded on conflict records.
const (
	ErrTextDeleteBlocked  = "remote deletion blocked by local changes"
	ErrTextRemoteChanged  = "remote copy changed while local edits were pending"
	ErrTextDeletePending  = "remote copy changed while a local deletion was pending"
	ErrTextDeleteRejected = "local deletion rejected"
)

var pushErrRe = regexp.MustCompile(`^code \d{3}: `)

// PushError formats a remote write rejection so that it classifies as a push conflict.
func PushError(code int, message string) string {
	return fmt.Sprintf("code %d: %s", code, message)
}

// DeleteIntent reports whether the conflict interrupted a local deletion.
func (e *Entity) DeleteIntent() bool {
	if e.SyncStatus != StatusConflict {
		return false
	}
	return e.SyncError == ErrTextDeletePending ||
		strings.HasPrefix(pushErrRe.ReplaceAllString(e.SyncError, ""), ErrTextDeleteRejected)
}

// ConflictType classifies a conflict record.
func (e *Entity) ConflictType() ConflictType {
	switch {
	case e.ServerCopy == nil && !pushErrRe.MatchString(e.SyncError):
		return ConflictDelete
	case pushErrRe.MatchString(e.SyncError):
		return ConflictPush
	default:
		return ConflictUpdate
	}
}

// FieldDiff is one differing top-level data field.
type FieldDiff struct {
	Field  string
	Local  string
	Remote string
}

// ConflictInfo is the query view of one conflict record.
type ConflictInfo struct {
	Kind          Kind
	LibraryID     int64
	Key           string
	Title         string
	Type          ConflictType
	Version       int64
	RemoteVersion int64
	SyncError     string
	Fields        []FieldDiff
}
