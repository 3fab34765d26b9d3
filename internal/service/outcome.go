package service

import (
	"strconv"

	"github.com/and161185/bibsync/internal/model"
	"github.com/and161185/bibsync/internal/remote"
)

type outcomeKind int

const (
	outcomeMissing outcomeKind = iota
	outcomeSuccessful
	outcomeUnchanged
	outcomeFailed
)

// entryOutcome is what the remote reported for one submitted record.
type entryOutcome struct {
	kind    outcomeKind
	key     string
	payload *model.Payload // nil when the response carried only the key
	failure remote.WriteFailure
}

// batchLookup locates one submitted record in a write response. Creates have no
// key yet and are found by array position; updates are found by their key.
type batchLookup interface {
	resolve(res *remote.WriteResult) entryOutcome
}

type byIndex int

type byKey string

func lookupFor(e *model.Entity, index int) batchLookup {
	if e.SyncStatus == model.StatusCreated {
		return byIndex(index)
	}
	return byKey(e.Key)
}

func (ix byIndex) resolve(res *remote.WriteResult) entryOutcome {
	k := strconv.Itoa(int(ix))
	if pl, ok := res.Successful[k]; ok {
		return entryOutcome{kind: outcomeSuccessful, key: payloadKey(pl), payload: &pl}
	}
	if key, ok := res.Success[k]; ok {
		return entryOutcome{kind: outcomeSuccessful, key: key}
	}
	if key, ok := res.Unchanged[k]; ok {
		return entryOutcome{kind: outcomeUnchanged, key: key}
	}
	if f, ok := res.Failed[k]; ok {
		return entryOutcome{kind: outcomeFailed, key: f.Key, failure: f}
	}
	return entryOutcome{}
}

func (k byKey) resolve(res *remote.WriteResult) entryOutcome {
	key := string(k)
	for _, pl := range res.Successful {
		if payloadKey(pl) == key {
			return entryOutcome{kind: outcomeSuccessful, key: key, payload: &pl}
		}
	}
	for _, v := range res.Success {
		if v == key {
			return entryOutcome{kind: outcomeSuccessful, key: key}
		}
	}
	for _, v := range res.Unchanged {
		if v == key {
			return entryOutcome{kind: outcomeUnchanged, key: key}
		}
	}
	for _, f := range res.Failed {
		if f.Key == key {
			return entryOutcome{kind: outcomeFailed, key: key, failure: f}
		}
	}
	return entryOutcome{}
}

func payloadKey(pl model.Payload) string {
	if pl.Key != "" {
		return pl.Key
	}
	s, _ := pl.Data["key"].(string)
	return s
}
