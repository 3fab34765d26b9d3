// Package convert maps domain values to and from the protobuf Struct messages
// carried by the control API.
package convert

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/bibsync/internal/errs"
	"github.com/and161185/bibsync/internal/model"
	"github.com/and161185/bibsync/internal/service"
)

// --- helpers ---

func ts(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// ToStruct converts a JSON-compatible map into a Struct. Values go through
// encoding/json first so that typed slices and json.Number are accepted.
func ToStruct(m map[string]any) (*structpb.Struct, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal struct: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("unmarshal struct: %w", err)
	}
	return out, nil
}

// --- Library ---

// LibraryMap renders a library for the wire.
func LibraryMap(l model.Library) map[string]any {
	return map[string]any{
		"id":                l.ID,
		"kind":              string(l.Kind),
		"name":              l.Name,
		"mode":              string(l.Mode),
		"collectionVersion": l.CollectionVersion,
		"itemVersion":       l.ItemVersion,
		"lastSyncedAt":      ts(l.LastSyncedAt),
	}
}

// ToProtoLibraries wraps libraries as {"libraries": [...]}.
func ToProtoLibraries(ls []model.Library) (*structpb.Struct, error) {
	list := make([]any, 0, len(ls))
	for _, l := range ls {
		list = append(list, LibraryMap(l))
	}
	return ToStruct(map[string]any{"libraries": list})
}

// --- Conflicts ---

// ConflictMap renders one conflict with its field diff.
func ConflictMap(c model.ConflictInfo) map[string]any {
	fields := make([]any, 0, len(c.Fields))
	for _, f := range c.Fields {
		fields = append(fields, map[string]any{"field": f.Field, "local": f.Local, "remote": f.Remote})
	}
	return map[string]any{
		"kind":          string(c.Kind),
		"libraryId":     c.LibraryID,
		"key":           c.Key,
		"title":         c.Title,
		"type":          string(c.Type),
		"version":       c.Version,
		"remoteVersion": c.RemoteVersion,
		"syncError":     c.SyncError,
		"fields":        fields,
	}
}

// ToProtoConflicts wraps conflicts as {"conflicts": [...]}.
func ToProtoConflicts(cs []model.ConflictInfo) (*structpb.Struct, error) {
	list := make([]any, 0, len(cs))
	for _, c := range cs {
		list = append(list, ConflictMap(c))
	}
	return ToStruct(map[string]any{"conflicts": list})
}

// --- Entity ---

// ToProtoEntity renders a local record including its working payload.
func ToProtoEntity(e *model.Entity) (*structpb.Struct, error) {
	if e == nil {
		return nil, fmt.Errorf("nil entity: %w", errs.ErrValidation)
	}
	return ToStruct(map[string]any{
		"kind":       string(e.Kind),
		"libraryId":  e.LibraryID,
		"key":        e.Key,
		"version":    e.Version,
		"syncStatus": string(e.SyncStatus),
		"syncError":  e.SyncError,
		"data":       e.Raw.Data,
		"updatedAt":  ts(e.UpdatedAt),
	})
}

// --- Sync result ---

// ToProtoResult renders a cycle result. Library errors are flattened to text.
func ToProtoResult(r service.Result) (*structpb.Struct, error) {
	libs := make([]any, 0, len(r.Libraries))
	for _, lr := range r.Libraries {
		pulled := make([]any, 0, len(lr.Pulled))
		for _, p := range lr.Pulled {
			pulled = append(pulled, map[string]any{
				"kind":      string(p.Kind),
				"from":      p.From,
				"to":        p.To,
				"fetched":   p.Fetched,
				"written":   p.Written,
				"conflicts": p.Conflicts,
			})
		}
		m := map[string]any{
			"libraryId":   lr.LibraryID,
			"pulled":      pulled,
			"pushSuccess": lr.Pushed.Success,
			"pushFail":    lr.Pushed.Fail,
		}
		if lr.Err != nil {
			m["error"] = lr.Err.Error()
		}
		libs = append(libs, m)
	}
	return ToStruct(map[string]any{
		"success":   r.Success,
		"fail":      r.Fail,
		"canceled":  r.Canceled,
		"libraries": libs,
	})
}

// --- Request fields (client -> server) ---

// String returns a string field or "".
func String(s *structpb.Struct, field string) string {
	return s.GetFields()[field].GetStringValue()
}

// Int64 returns an integral number field. Missing fields are a validation error.
func Int64(s *structpb.Struct, field string) (int64, error) {
	v, ok := s.GetFields()[field]
	if !ok {
		return 0, fmt.Errorf("missing %s: %w", field, errs.ErrValidation)
	}
	nv, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%s is not a number: %w", field, errs.ErrValidation)
	}
	f := nv.NumberValue
	if f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, fmt.Errorf("%s is not an integer: %w", field, errs.ErrValidation)
	}
	return int64(f), nil
}

// Map returns a nested object field, or nil when absent.
func Map(s *structpb.Struct, field string) map[string]any {
	sv := s.GetFields()[field].GetStructValue()
	if sv == nil {
		return nil
	}
	return sv.AsMap()
}

// Kind parses the "kind" field, defaulting to items.
func Kind(s *structpb.Struct) (model.Kind, error) {
	k := model.Kind(String(s, "kind"))
	if k == "" {
		return model.KindItem, nil
	}
	if !k.Valid() {
		return "", fmt.Errorf("kind %q: %w", k, errs.ErrValidation)
	}
	return k, nil
}
