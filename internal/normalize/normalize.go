// Package normalize converts remote payloads into canonical local records.
package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/and161185/bibsync/internal/crypto"
	"github.com/and161185/bibsync/internal/errs"
	"github.com/and161185/bibsync/internal/model"
)

// Entity builds a Synced local record from a remote payload.
func Entity(kind model.Kind, libraryID int64, p model.Payload) (*model.Entity, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("normalize: unknown kind %q: %w", kind, errs.ErrValidation)
	}
	raw := p.Clone()
	if raw.Data == nil {
		raw.Data = map[string]any{}
	}
	if raw.Key == "" {
		raw.Key, _ = raw.Data["key"].(string)
	}
	if raw.Key == "" {
		return nil, fmt.Errorf("normalize %s: payload without key: %w", kind, errs.ErrParse)
	}
	if raw.Version == 0 {
		raw.Version = Int64(raw.Data["version"])
	}
	raw.Data["key"] = raw.Key
	raw.Data["version"] = raw.Version

	e := &model.Entity{
		Kind:       kind,
		LibraryID:  libraryID,
		Key:        raw.Key,
		Version:    raw.Version,
		SyncStatus: model.StatusSynced,
		Raw:        raw,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := Derive(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Derive recomputes the indexed fields (parent, membership, type, digest) from e.Raw.
func Derive(e *model.Entity) error {
	e.Parent = String(e.Raw.Data[e.Kind.ParentField()])
	e.Collections = nil
	e.ItemType = ""
	if e.Kind == model.KindItem {
		e.ItemType = String(e.Raw.Data["itemType"])
		e.Collections = Strings(e.Raw.Data["collections"])
	}
	d, err := crypto.DigestJSON(e.Raw)
	if err != nil {
		return fmt.Errorf("normalize %s %s: digest: %w", e.Kind, e.Key, err)
	}
	e.Digest = d
	return nil
}

// String returns v when it is a non-blank string. The remote encodes "no parent" as false.
func String(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// Strings extracts a string list from a decoded JSON array.
func Strings(v any) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			if s := String(x); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Int64 converts a decoded JSON number to int64.
func Int64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}
