package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/and161185/bibsync/internal/model"
	"github.com/and161185/bibsync/internal/remote"
)

// fakeRemote is an in-memory versioned library speaking the remote protocol.
type fakeRemote struct {
	mu      sync.Mutex
	version int64
	objects map[model.Kind]map[string]model.Payload
	deleted map[model.Kind]map[string]int64
	nextKey int

	// rejectTitle makes writes with this title fail with code 400.
	rejectTitle string
	// keysOnly answers writes with keys but no objects.
	keysOnly bool
	// afterWrite runs once a write has been answered, outside the lock.
	afterWrite func()

	versionsErr error
	writeErr    error
	deleteErr   error
	block       chan struct{} // when set, Versions waits on it

	calls struct {
		versions, fetch, deleted, delete, write int
	}
	fetchSizes []int
}

var _ Remote = (*fakeRemote)(nil)

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		objects: map[model.Kind]map[string]model.Payload{
			model.KindCollection: {},
			model.KindItem:       {},
		},
		deleted: map[model.Kind]map[string]int64{
			model.KindCollection: {},
			model.KindItem:       {},
		},
	}
}

// put stores an object at the next library version and returns that version.
func (f *fakeRemote) put(kind model.Kind, key string, data map[string]any) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.version++
	d := map[string]any{}
	for k, v := range data {
		d[k] = v
	}
	d["key"] = key
	d["version"] = float64(f.version)
	f.objects[kind][key] = model.Payload{Key: key, Version: f.version, Data: d}
	return f.version
}

// remove deletes an object remotely at the next library version.
func (f *fakeRemote) remove(kind model.Kind, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.version++
	delete(f.objects[kind], key)
	f.deleted[kind][key] = f.version
}

func (f *fakeRemote) get(kind model.Kind, key string) (model.Payload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.objects[kind][key]
	return p, ok
}

func (f *fakeRemote) Versions(ctx context.Context, _ model.Library, kind model.Kind, since int64) (map[string]int64, int64, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.versions++
	if f.versionsErr != nil {
		return nil, 0, f.versionsErr
	}
	out := map[string]int64{}
	for k, p := range f.objects[kind] {
		if p.Version > since {
			out[k] = p.Version
		}
	}
	return out, f.version, nil
}

func (f *fakeRemote) Fetch(_ context.Context, _ model.Library, kind model.Kind, keys []string) ([]model.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.fetch++
	f.fetchSizes = append(f.fetchSizes, len(keys))
	var out []model.Payload
	for _, k := range keys {
		if p, ok := f.objects[kind][k]; ok {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (f *fakeRemote) Deleted(_ context.Context, _ model.Library, since int64) (remote.Deleted, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.deleted++
	var d remote.Deleted
	for kind, m := range f.deleted {
		for k, v := range m {
			if v <= since {
				continue
			}
			if kind == model.KindCollection {
				d.Collections = append(d.Collections, k)
			} else {
				d.Items = append(d.Items, k)
			}
		}
	}
	sort.Strings(d.Collections)
	sort.Strings(d.Items)
	return d, nil
}

func (f *fakeRemote) Delete(_ context.Context, _ model.Library, kind model.Kind, key string, version int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.delete++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	p, ok := f.objects[kind][key]
	if !ok {
		return &remote.APIError{Status: 404}
	}
	if p.Version > version {
		return &remote.APIError{Status: 412}
	}
	f.version++
	delete(f.objects[kind], key)
	f.deleted[kind][key] = f.version
	return nil
}

func (f *fakeRemote) Write(_ context.Context, _ model.Library, kind model.Kind, objects []map[string]any) (*remote.WriteResult, error) {
	res, err := f.write(kind, objects)
	if err == nil && f.afterWrite != nil {
		f.afterWrite()
	}
	return res, err
}

func (f *fakeRemote) write(kind model.Kind, objects []map[string]any) (*remote.WriteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.write++
	if f.writeErr != nil {
		return nil, f.writeErr
	}
	res := &remote.WriteResult{
		Successful: map[string]model.Payload{},
		Success:    map[string]string{},
		Unchanged:  map[string]string{},
		Failed:     map[string]remote.WriteFailure{},
	}
	for i, obj := range objects {
		idx := strconv.Itoa(i)
		key, _ := obj["key"].(string)
		if f.rejectTitle != "" && obj["title"] == f.rejectTitle {
			res.Failed[idx] = remote.WriteFailure{Key: key, Code: 400, Message: "duplicate title"}
			continue
		}
		if key == "" {
			f.nextKey++
			key = fmt.Sprintf("SRV%05d", f.nextKey)
		} else {
			cur, ok := f.objects[kind][key]
			if !ok {
				res.Failed[idx] = remote.WriteFailure{Key: key, Code: 404, Message: "not found"}
				continue
			}
			if base, _ := obj["version"].(int64); cur.Version > base {
				res.Failed[idx] = remote.WriteFailure{Key: key, Code: 412, Message: "object has been modified"}
				continue
			}
			if sameData(cur.Data, obj) {
				res.Unchanged[idx] = key
				continue
			}
		}
		f.version++
		d := map[string]any{}
		for k, v := range obj {
			d[k] = v
		}
		d["key"] = key
		d["version"] = float64(f.version)
		p := model.Payload{Key: key, Version: f.version, Data: d}
		f.objects[kind][key] = p
		if !f.keysOnly {
			res.Successful[idx] = p.Clone()
		}
		res.Success[idx] = key
	}
	res.Version = f.version
	return res, nil
}

func sameData(stored map[string]any, obj map[string]any) bool {
	for k, v := range obj {
		if k == "key" || k == "version" {
			continue
		}
		if display(stored[k]) != display(v) {
			return false
		}
	}
	for k := range stored {
		if k == "key" || k == "version" {
			continue
		}
		if _, ok := obj[k]; !ok {
			return false
		}
	}
	return true
}
