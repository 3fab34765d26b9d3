package remote

import "github.com/and161185/bibsync/internal/model"

// MaxBatch is the largest key list or write array the remote accepts in one request.
const MaxBatch = 50

// Deleted lists keys removed remotely since a version.
type Deleted struct {
	Collections []string `json:"collections"`
	Items       []string `json:"items"`
}

// Keys returns the deleted keys for the kind.
func (d Deleted) Keys(k model.Kind) []string {
	if k == model.KindCollection {
		return d.Collections
	}
	return d.Items
}

// WriteFailure is one rejected entry of a batch write.
type WriteFailure struct {
	Key     string `json:"key"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// WriteResult is the batch write response. Every map is keyed by the entry's
// position in the submitted array, as a decimal string. Version is the library
// version after the write, zero when the response did not report one.
type WriteResult struct {
	Version    int64                    `json:"-"`
	Successful map[string]model.Payload `json:"successful"`
	Success    map[string]string        `json:"success"`
	Unchanged  map[string]string        `json:"unchanged"`
	Failed     map[string]WriteFailure  `json:"failed"`
}
