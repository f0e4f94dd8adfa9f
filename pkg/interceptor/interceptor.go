package interceptor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/fieldsync/pkg/background"
	"github.com/cuemby/fieldsync/pkg/log"
	"github.com/cuemby/fieldsync/pkg/metrics"
	"github.com/cuemby/fieldsync/pkg/queue"
	"github.com/cuemby/fieldsync/pkg/storage"
	"github.com/cuemby/fieldsync/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Response headers set by ServeHTTP
const (
	HeaderFromCache = "X-Fieldsync-From-Cache"
	HeaderOffline   = "X-Fieldsync-Offline"
	HeaderQueueID   = "X-Fieldsync-Queue-Id"

	// HeaderOrderingKey lets callers group queued writes that must replay in order.
	// Without it the request path is used.
	HeaderOrderingKey = "X-Fieldsync-Ordering-Key"
)

// Response is the outcome of an intercepted request. Network failures are
// absorbed into Offline/FromCache responses instead of errors.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// FromCache is set when Body came from the durable cache
	FromCache bool

	// Offline is set on synthesized responses: queued writes, unavailable
	// reads and the offline fallback page
	Offline bool

	// QueueID identifies the queued write when Offline is set on a write
	QueueID uint64
}

// OK reports a 2xx status
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Observer receives connectivity evidence from real traffic
type Observer interface {
	Observe(reachable bool, message string)
}

// QueuedCounter reports the number of pending writes for the fallback page
type QueuedCounter interface {
	Len(ctx context.Context) (int, error)
}

// Interceptor is the network boundary between the application and the backend
type Interceptor struct {
	router   *Router
	store    storage.Store
	queue    *queue.Queue
	trigger  background.Trigger
	observer Observer
	client   *http.Client
	upstream *url.URL
	logger   zerolog.Logger

	revalidations sync.WaitGroup
	inflight      singleflight.Group
}

// Option configures an Interceptor
type Option func(*Interceptor)

// WithRouter replaces the default classification rules
func WithRouter(r *Router) Option {
	return func(i *Interceptor) { i.router = r }
}

// WithClient sets the HTTP client used for the network
func WithClient(c *http.Client) Option {
	return func(i *Interceptor) { i.client = c }
}

// WithTrigger schedules replay after a write is queued
func WithTrigger(t background.Trigger) Option {
	return func(i *Interceptor) { i.trigger = t }
}

// WithObserver reports transport outcomes, typically to a health.Monitor
func WithObserver(o Observer) Option {
	return func(i *Interceptor) { i.observer = o }
}

// WithUpstream resolves relative request URLs, which is how proxied
// requests arrive through ServeHTTP
func WithUpstream(u *url.URL) Option {
	return func(i *Interceptor) { i.upstream = u }
}

// New creates an interceptor caching into store and queueing into q
func New(store storage.Store, q *queue.Queue, opts ...Option) *Interceptor {
	i := &Interceptor{
		router:  NewRouter(DefaultRouterConfig()),
		store:   store,
		queue:   q,
		trigger: background.NopTrigger{},
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  log.WithComponent("interceptor"),
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Router returns the classification rules in use
func (i *Interceptor) Router() *Router {
	return i.router
}

// Wait blocks until every background revalidation has finished
func (i *Interceptor) Wait() {
	i.revalidations.Wait()
}

// Fetch handles req according to its class. The only error returned for a
// write is a storage failure while queueing it; reads never fail because
// the network is down.
func (i *Interceptor) Fetch(ctx context.Context, req *http.Request) (*Response, error) {
	out, body, err := i.outbound(ctx, req)
	if err != nil {
		return nil, err
	}

	class := i.router.Classify(out)
	switch class {
	case ClassWrite:
		return i.write(ctx, out, body)
	case ClassNavigation:
		return i.navigate(ctx, out)
	case ClassCacheableRead:
		return i.read(ctx, out)
	default:
		return i.passThrough(ctx, out)
	}
}

// outbound builds the request sent to the network: absolute URL, no
// hop-by-hop headers, body buffered so it can be queued.
func (i *Interceptor) outbound(ctx context.Context, req *http.Request) (*http.Request, []byte, error) {
	target := *req.URL
	if !target.IsAbs() {
		if i.upstream == nil {
			return nil, nil, fmt.Errorf("relative url %q and no upstream configured", req.URL.String())
		}
		target = *i.upstream.ResolveReference(&url.URL{Path: req.URL.Path, RawQuery: req.URL.RawQuery})
	}

	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read request body: %w", err)
		}
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	out, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build request: %w", err)
	}
	out.Header = req.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	if req.Host != "" && req.Host != target.Host {
		out.Header.Set("X-Forwarded-Host", req.Host)
	}
	return out, body, nil
}

var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Connection", "Proxy-Authenticate",
	"Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// network sends req and buffers the response. A transport error is the
// only failure; any HTTP status counts as the backend being reachable.
func (i *Interceptor) network(req *http.Request, body []byte, class Class) (*Response, error) {
	if body != nil {
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }
	}

	timer := metrics.NewTimer()
	resp, err := i.client.Do(req)
	timer.ObserveDurationVec(metrics.NetworkDuration, string(class))
	if err != nil {
		i.observe(false, err.Error())
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		i.observe(false, err.Error())
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	i.observe(true, resp.Status)

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       payload,
	}, nil
}

func (i *Interceptor) observe(reachable bool, message string) {
	if i.observer != nil {
		i.observer.Observe(reachable, message)
	}
}

func (i *Interceptor) write(ctx context.Context, req *http.Request, body []byte) (*Response, error) {
	resp, err := i.network(req, body, ClassWrite)
	if err == nil && resp.OK() {
		metrics.InterceptedTotal.WithLabelValues(string(ClassWrite), "network").Inc()
		return resp, nil
	}

	var reason string
	if err != nil {
		reason = err.Error()
	} else {
		reason = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}

	orderingKey := orderingKeyOf(req, body)
	headers := req.Header.Clone()
	headers.Del(HeaderOrderingKey)
	headers.Del("X-Forwarded-Host")

	id, qerr := i.queue.Enqueue(ctx, &types.QueuedRequest{
		URL:         req.URL.String(),
		Method:      req.Method,
		Headers:     types.HeadersFrom(headers, []string{"Content-Type", "Authorization"}),
		Body:        body,
		OrderingKey: orderingKey,
	})
	if qerr != nil {
		metrics.InterceptedTotal.WithLabelValues(string(ClassWrite), "error").Inc()
		return nil, fmt.Errorf("failed to queue %s %s: %w", req.Method, req.URL.Path, qerr)
	}

	i.logger.Info().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Uint64("queue_id", id).
		Str("reason", reason).
		Msg("Write failed, queued for replay")

	metrics.InterceptedTotal.WithLabelValues(string(ClassWrite), "queued").Inc()
	i.trigger.Schedule(background.SyncTag)

	payload, _ := json.Marshal(queuedBody{
		Success: true,
		Offline: true,
		Queued:  true,
		QueueID: id,
		Message: "will sync when online",
	})
	return &Response{
		StatusCode: http.StatusAccepted,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       payload,
		Offline:    true,
		QueueID:    id,
	}, nil
}

// orderingKeyOf names the record a write touches so that a create and the
// updates that follow it share one key. An explicit header wins, then an
// inspection_id or id in the PostgREST filter or JSON body, then the path.
func orderingKeyOf(req *http.Request, body []byte) string {
	if key := req.Header.Get(HeaderOrderingKey); key != "" {
		return key
	}
	query := req.URL.Query()
	var fields map[string]json.RawMessage
	_ = json.Unmarshal(body, &fields)
	for _, name := range []string{"inspection_id", "id"} {
		if v := strings.TrimPrefix(query.Get(name), "eq."); v != "" {
			return v
		}
		if v := scalar(fields[name]); v != "" {
			return v
		}
	}
	return req.URL.Path
}

func scalar(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

type queuedBody struct {
	Success bool   `json:"success"`
	Offline bool   `json:"offline"`
	Queued  bool   `json:"queued"`
	QueueID uint64 `json:"queueId"`
	Message string `json:"message"`
}

func (i *Interceptor) read(ctx context.Context, req *http.Request) (*Response, error) {
	key := types.CacheKey(http.MethodGet, req.URL.String())

	if entry := i.cached(key); entry != nil {
		metrics.InterceptedTotal.WithLabelValues(string(ClassCacheableRead), "cache").Inc()
		i.revalidate(req, key)
		return fromEntry(entry), nil
	}

	resp, err := i.network(req, nil, ClassCacheableRead)
	if err != nil {
		metrics.InterceptedTotal.WithLabelValues(string(ClassCacheableRead), "offline").Inc()
		i.logger.Debug().Str("url", req.URL.String()).Err(err).Msg("Read unavailable offline")
		return unavailableOffline(), nil
	}

	metrics.InterceptedTotal.WithLabelValues(string(ClassCacheableRead), "network").Inc()
	if resp.OK() && req.Method == http.MethodGet {
		i.put(key, resp)
	}
	return resp, nil
}

// revalidate refreshes key in the background. Concurrent revalidations of
// the same key collapse into one request.
func (i *Interceptor) revalidate(req *http.Request, key string) {
	i.revalidations.Add(1)
	go func() {
		defer i.revalidations.Done()

		timeout := i.client.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), timeout)
		defer cancel()

		_, _, _ = i.inflight.Do(key, func() (interface{}, error) {
			fresh := req.Clone(ctx)
			resp, err := i.network(fresh, nil, ClassCacheableRead)
			if err != nil {
				i.logger.Debug().Str("key", key).Err(err).Msg("Revalidation skipped, network unavailable")
				return nil, err
			}
			if resp.OK() && req.Method == http.MethodGet {
				i.put(key, resp)
			}
			return nil, nil
		})
	}()
}

func (i *Interceptor) navigate(ctx context.Context, req *http.Request) (*Response, error) {
	key := types.CacheKey(http.MethodGet, req.URL.String())

	resp, err := i.network(req, nil, ClassNavigation)
	if err == nil {
		metrics.InterceptedTotal.WithLabelValues(string(ClassNavigation), "network").Inc()
		if resp.OK() && req.Method == http.MethodGet {
			i.put(key, resp)
			i.put(shellKey(req.URL), resp)
		}
		return resp, nil
	}

	for _, k := range []string{key, shellKey(req.URL)} {
		if entry := i.cached(k); entry != nil {
			metrics.InterceptedTotal.WithLabelValues(string(ClassNavigation), "cache").Inc()
			return fromEntry(entry), nil
		}
	}

	metrics.InterceptedTotal.WithLabelValues(string(ClassNavigation), "fallback").Inc()
	queued := 0
	if n, qerr := i.queue.Len(ctx); qerr == nil {
		queued = n
	}
	page, perr := renderOfflinePage(offlinePageData{QueuedItems: queued, RetryURL: req.URL.RequestURI()})
	if perr != nil {
		return nil, perr
	}
	return &Response{
		StatusCode: http.StatusServiceUnavailable,
		Header:     http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Body:       page,
		Offline:    true,
	}, nil
}

func (i *Interceptor) passThrough(ctx context.Context, req *http.Request) (*Response, error) {
	static := i.router.StaticAsset(req)
	key := types.CacheKey(http.MethodGet, req.URL.String())

	if static {
		if entry := i.cached(key); entry != nil {
			metrics.InterceptedTotal.WithLabelValues(string(ClassPassThrough), "cache").Inc()
			return fromEntry(entry), nil
		}
	}

	resp, err := i.network(req, nil, ClassPassThrough)
	if err != nil {
		metrics.InterceptedTotal.WithLabelValues(string(ClassPassThrough), "error").Inc()
		return nil, err
	}
	metrics.InterceptedTotal.WithLabelValues(string(ClassPassThrough), "network").Inc()
	if static && resp.OK() && req.Method == http.MethodGet {
		i.put(key, resp)
	}
	return resp, nil
}

// cached returns the entry for key or nil. A missing generation or a
// storage failure is treated as a miss.
func (i *Interceptor) cached(key string) *types.CacheEntry {
	entry, err := i.store.GetCacheEntry(key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrNoGeneration) {
			i.logger.Warn().Err(err).Str("key", key).Msg("Cache read failed")
		}
		return nil
	}
	return entry
}

func (i *Interceptor) put(key string, resp *Response) {
	err := i.store.PutCacheEntry(&types.CacheEntry{
		Key:         key,
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Payload:     resp.Body,
		StoredAt:    time.Now(),
	})
	switch {
	case err == nil:
		if n, cerr := i.store.CountCacheEntries(); cerr == nil {
			metrics.CacheEntries.Set(float64(n))
		}
	case errors.Is(err, storage.ErrNoGeneration):
		// nothing is cached before the first activation
	default:
		i.logger.Warn().Err(err).Str("key", key).Msg("Cache write failed")
	}
}

func fromEntry(entry *types.CacheEntry) *Response {
	header := make(http.Header)
	if entry.ContentType != "" {
		header.Set("Content-Type", entry.ContentType)
	}
	return &Response{
		StatusCode: entry.Status,
		Header:     header,
		Body:       entry.Payload,
		FromCache:  true,
	}
}

func unavailableOffline() *Response {
	body, _ := json.Marshal(map[string]interface{}{
		"error":   "unavailable offline",
		"offline": true,
	})
	return &Response{
		StatusCode: http.StatusServiceUnavailable,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       body,
		Offline:    true,
	}
}

// shellKey is the cache key of the application shell for the origin of u
func shellKey(u *url.URL) string {
	return types.CacheKey(http.MethodGet, (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}).String())
}

// ServeHTTP lets the interceptor front a browser shell or any HTTP client
func (i *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp, err := i.Fetch(r.Context(), r)
	if err != nil {
		if errors.Is(err, storage.ErrStorageUnavailable) {
			writeJSON(w, http.StatusInsufficientStorage, map[string]interface{}{
				"success": false,
				"error":   "offline storage unavailable, change was not saved",
			})
			return
		}
		i.logger.Error().Err(err).Str("url", r.URL.String()).Msg("Proxy error")
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return
	}

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	// Body is already decoded and buffered
	w.Header().Del("Content-Length")
	w.Header().Del("Content-Encoding")
	w.Header().Set(HeaderFromCache, strconv.FormatBool(resp.FromCache))
	w.Header().Set(HeaderOffline, strconv.FormatBool(resp.Offline))
	if resp.QueueID != 0 {
		w.Header().Set(HeaderQueueID, strconv.FormatUint(resp.QueueID, 10))
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		_, _ = w.Write(resp.Body)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
