package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/cuemby/fieldsync/pkg/interceptor"
	"github.com/cuemby/fieldsync/pkg/log"
	"github.com/rs/zerolog"
)

// ErrUnexpectedStatus is matched by every *StatusError
var ErrUnexpectedStatus = errors.New("unexpected repository status")

// StatusError is a non-2xx answer from the repository
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: repository answered %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Is makes errors.Is(err, ErrUnexpectedStatus) hold
func (e *StatusError) Is(target error) bool {
	return target == ErrUnexpectedStatus
}

// Fetcher sends requests through the network boundary. *interceptor.Interceptor
// implements it.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*interceptor.Response, error)
}

// Filter selects records by column equality
type Filter map[string]string

// Encode renders the filter as a query string: col=eq.value, sorted by column
func (f Filter) Encode() string {
	v := make(url.Values, len(f))
	for col, val := range f {
		v.Set(col, "eq."+val)
	}
	return v.Encode()
}

// ReadResult is the outcome of Select. With Offline set and no cached copy,
// Records is nil.
type ReadResult struct {
	Records   []json.RawMessage
	FromCache bool
	Offline   bool
}

// Ack is the outcome of Insert and Update. With Offline set the write is
// queued locally under QueueID and will be replayed.
type Ack struct {
	StatusCode int
	Offline    bool
	QueueID    uint64
	Records    []json.RawMessage
}

// Client talks to the hosted repository through a Fetcher
type Client struct {
	fetcher Fetcher
	baseURL string
	headers http.Header
	logger  zerolog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithAPIKey sends key as apikey and bearer token on every request
func WithAPIKey(key string) Option {
	return func(c *Client) {
		if key == "" {
			return
		}
		c.headers.Set("apikey", key)
		c.headers.Set("Authorization", "Bearer "+key)
	}
}

// New creates a client for the repository at baseURL
func New(fetcher Fetcher, baseURL string, opts ...Option) *Client {
	c := &Client{
		fetcher: fetcher,
		baseURL: strings.TrimRight(baseURL, "/"),
		headers: make(http.Header),
		logger:  log.WithComponent("repository"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CollectionURL is the URL of collection, narrowed by filter
func (c *Client) CollectionURL(collection string, filter Filter) string {
	u := c.baseURL + "/rest/v1/" + url.PathEscape(collection)
	if q := filter.Encode(); q != "" {
		u += "?" + q
	}
	return u
}

// Select reads the records of collection matching filter
func (c *Client) Select(ctx context.Context, collection string, filter Filter) (*ReadResult, error) {
	req, err := c.request(ctx, http.MethodGet, c.CollectionURL(collection, filter), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &ReadResult{FromCache: resp.FromCache, Offline: resp.Offline}
	if resp.Offline && !resp.FromCache && !resp.OK() {
		c.logger.Debug().Str("collection", collection).Msg("Select unavailable offline")
		return result, nil
	}
	if !resp.OK() {
		return nil, statusError(req, resp)
	}

	records, err := decodeRecords(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", collection, err)
	}
	result.Records = records
	return result, nil
}

// Insert creates record in collection
func (c *Client) Insert(ctx context.Context, collection string, record interface{}) (*Ack, error) {
	return c.write(ctx, http.MethodPost, collection, nil, record)
}

// Update patches the records of collection matching filter. Updates that
// filter on id are replayed in order with other writes to the same id.
func (c *Client) Update(ctx context.Context, collection string, filter Filter, record interface{}) (*Ack, error) {
	if len(filter) == 0 {
		return nil, fmt.Errorf("update of %s without a filter", collection)
	}
	return c.write(ctx, http.MethodPatch, collection, filter, record)
}

func (c *Client) write(ctx context.Context, method, collection string, filter Filter, record interface{}) (*Ack, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s record: %w", collection, err)
	}

	req, err := c.request(ctx, method, c.CollectionURL(collection, filter), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")
	if id, ok := filter["id"]; ok {
		req.Header.Set(interceptor.HeaderOrderingKey, id)
	}

	resp, err := c.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}

	ack := &Ack{StatusCode: resp.StatusCode, Offline: resp.Offline, QueueID: resp.QueueID}
	if resp.Offline {
		c.logger.Info().
			Str("collection", collection).
			Str("method", method).
			Uint64("queue_id", resp.QueueID).
			Msg("Write queued offline")
		return ack, nil
	}
	if !resp.OK() {
		return nil, statusError(req, resp)
	}
	if len(bytes.TrimSpace(resp.Body)) > 0 {
		if ack.Records, err = decodeRecords(resp.Body); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", collection, err)
		}
	}
	return ack, nil
}

func (c *Client) request(ctx context.Context, method, target string, body []byte) (*http.Request, error) {
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	} else {
		req, err = http.NewRequestWithContext(ctx, method, target, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header = c.headers.Clone()
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// decodeRecords accepts either an array of records or a single object
func decodeRecords(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '{' {
		return []json.RawMessage{json.RawMessage(trimmed)}, nil
	}
	var records []json.RawMessage
	if err := json.Unmarshal(trimmed, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func statusError(req *http.Request, resp *interceptor.Response) error {
	body := string(resp.Body)
	if len(body) > 512 {
		body = body[:512]
	}
	return &StatusError{
		Method:     req.Method,
		URL:        req.URL.String(),
		StatusCode: resp.StatusCode,
		Body:       body,
	}
}
