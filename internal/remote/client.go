// Package remote talks to the versioned reference-management web API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/and161185/bibsync/internal/errs"
	"github.com/and161185/bibsync/internal/limiter"
	"github.com/and161185/bibsync/internal/model"
)

const (
	apiVersion    = "3"
	headerVersion = "Last-Modified-Version"
)

// Client is a thin HTTP client for one API key.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	gate       limiter.Limiter
	log        *zap.Logger
}

// NewClient constructs a Client. gate may be nil.
func NewClient(httpClient *http.Client, baseURL, apiKey string, gate limiter.Limiter, log *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		gate:       gate,
		log:        log,
	}
}

func libraryPrefix(lib model.Library) string {
	if lib.Kind == model.LibraryGroup {
		return "/groups/" + strconv.FormatInt(lib.ID, 10)
	}
	return "/users/" + strconv.FormatInt(lib.ID, 10)
}

// Versions returns key->version for every object of the kind changed after since,
// plus the library version reported by the response header.
func (c *Client) Versions(ctx context.Context, lib model.Library, kind model.Kind, since int64) (map[string]int64, int64, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	q.Set("format", "versions")
	if kind == model.KindItem {
		q.Set("includeTrashed", "1")
	}
	out := map[string]int64{}
	h, err := c.do(ctx, http.MethodGet, libraryPrefix(lib)+"/"+kind.Plural(), q, nil, nil, &out)
	if err != nil {
		return nil, 0, fmt.Errorf("versions %s: %w", kind, err)
	}
	v, err := headerInt(h, headerVersion)
	if err != nil {
		return nil, 0, fmt.Errorf("versions %s: %w", kind, err)
	}
	return out, v, nil
}

// Fetch returns full objects for up to MaxBatch keys.
func (c *Client) Fetch(ctx context.Context, lib model.Library, kind model.Kind, keys []string) ([]model.Payload, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	if len(keys) > MaxBatch {
		return nil, fmt.Errorf("fetch %s: %d keys exceed batch of %d: %w", kind, len(keys), MaxBatch, errs.ErrValidation)
	}
	q := url.Values{}
	q.Set(string(kind)+"Key", strings.Join(keys, ","))
	q.Set("limit", strconv.Itoa(MaxBatch))
	if kind == model.KindItem {
		q.Set("includeTrashed", "1")
	}
	var out []model.Payload
	if _, err := c.do(ctx, http.MethodGet, libraryPrefix(lib)+"/"+kind.Plural(), q, nil, nil, &out); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", kind, err)
	}
	return out, nil
}

// Deleted returns keys deleted after since.
func (c *Client) Deleted(ctx context.Context, lib model.Library, since int64) (Deleted, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	var out Deleted
	if _, err := c.do(ctx, http.MethodGet, libraryPrefix(lib)+"/deleted", q, nil, nil, &out); err != nil {
		return Deleted{}, fmt.Errorf("deleted: %w", err)
	}
	return out, nil
}

// Delete removes one object, failing with ErrPreconditionFailed if it changed after version.
func (c *Client) Delete(ctx context.Context, lib model.Library, kind model.Kind, key string, version int64) error {
	hdr := http.Header{}
	hdr.Set("If-Unmodified-Since-Version", strconv.FormatInt(version, 10))
	path := libraryPrefix(lib) + "/" + kind.Plural() + "/" + url.PathEscape(key)
	if _, err := c.do(ctx, http.MethodDelete, path, nil, hdr, nil, nil); err != nil {
		return fmt.Errorf("delete %s %s: %w", kind, key, err)
	}
	return nil
}

// Write submits up to MaxBatch objects for creation or update.
func (c *Client) Write(ctx context.Context, lib model.Library, kind model.Kind, objects []map[string]any) (*WriteResult, error) {
	if len(objects) > MaxBatch {
		return nil, fmt.Errorf("write %s: %d objects exceed batch of %d: %w", kind, len(objects), MaxBatch, errs.ErrValidation)
	}
	var out WriteResult
	h, err := c.do(ctx, http.MethodPost, libraryPrefix(lib)+"/"+kind.Plural(), nil, nil, objects, &out)
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", kind, err)
	}
	if v, err := headerInt(h, headerVersion); err == nil {
		out.Version = v
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, hdr http.Header, body any, out any) (http.Header, error) {
	if c.gate != nil {
		if ok, wait := c.gate.Allow(); !ok {
			return nil, &APIError{Status: http.StatusTooManyRequests, Message: "backoff in effect", RetryAfter: wait}
		}
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, err
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Zotero-API-Version", apiVersion)
	if c.apiKey != "" {
		req.Header.Set("Zotero-API-Key", c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", errs.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if d := parseSeconds(resp.Header.Get("Backoff")); d > 0 && c.gate != nil {
		c.log.Warn("remote requested backoff", zap.Duration("for", d))
		c.gate.Block(d)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if c.gate != nil {
			c.gate.Success()
		}
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return resp.Header, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("decode %s %s: %w: %v", method, path, errs.ErrParse, err)
		}
		return resp.Header, nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	apiErr := &APIError{
		Status:     resp.StatusCode,
		Message:    strings.TrimSpace(string(msg)),
		RetryAfter: parseSeconds(resp.Header.Get("Retry-After")),
	}
	if apiErr.RetryAfter == 0 {
		apiErr.RetryAfter = parseSeconds(resp.Header.Get("Backoff"))
	}
	if c.gate != nil && (resp.StatusCode == http.StatusTooManyRequests ||
		(resp.StatusCode == http.StatusServiceUnavailable && apiErr.RetryAfter > 0)) {
		d := c.gate.Failure(apiErr.RetryAfter)
		c.log.Warn("remote rate limited", zap.Int("status", resp.StatusCode), zap.Duration("blocked_for", d))
	}
	return nil, apiErr
}

func headerInt(h http.Header, name string) (int64, error) {
	v := strings.TrimSpace(h.Get(name))
	if v == "" {
		return 0, fmt.Errorf("missing %s header: %w", name, errs.ErrParse)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad %s header %q: %w", name, v, errs.ErrParse)
	}
	return n, nil
}
