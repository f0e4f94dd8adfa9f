package types

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// Header is a single request header, kept as an ordered pair
type Header struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// QueuedRequest is a durable record of one mutation that has not been
// acknowledged by the backend yet. Entries are never mutated in place.
type QueuedRequest struct {
	ID             uint64    `json:"id"`
	URL            string    `json:"url"`
	Method         string    `json:"method"`
	Headers        []Header  `json:"headers,omitempty"`
	Body           []byte    `json:"body"` // nil encodes as null
	EnqueuedAt     time.Time `json:"enqueued_at"`
	IdempotencyKey string    `json:"idempotency_key"`
	OrderingKey    string    `json:"ordering_key,omitempty"` // inspection id, or URL path
	Checkpoint     bool      `json:"checkpoint,omitempty"`   // autosave checkpoint, not a submission
}

// HTTPHeader converts the ordered header pairs into an http.Header
func (q *QueuedRequest) HTTPHeader() http.Header {
	h := make(http.Header, len(q.Headers))
	for _, kv := range q.Headers {
		h.Add(kv.Key, kv.Value)
	}
	return h
}

// HeadersFrom flattens an http.Header into ordered pairs: the keys named in
// order first, then the rest sorted, so equal headers always flatten alike.
func HeadersFrom(h http.Header, order []string) []Header {
	var out []Header
	seen := make(map[string]bool, len(h))
	appendKey := func(k string) {
		ck := http.CanonicalHeaderKey(k)
		if seen[ck] {
			return
		}
		seen[ck] = true
		for _, v := range h.Values(ck) {
			out = append(out, Header{Key: ck, Value: v})
		}
	}
	for _, k := range order {
		appendKey(k)
	}
	rest := make([]string, 0, len(h))
	for k := range h {
		rest = append(rest, http.CanonicalHeaderKey(k))
	}
	sort.Strings(rest)
	for _, k := range rest {
		appendKey(k)
	}
	return out
}

// CacheEntry is the most recent successful response body for a cacheable read
type CacheEntry struct {
	Key         string    `json:"key"` // "GET https://host/path?query"
	Status      int       `json:"status"`
	ContentType string    `json:"content_type,omitempty"`
	Payload     []byte    `json:"payload"`
	StoredAt    time.Time `json:"stored_at"`
}

// CacheKey builds the cache identity of a request
func CacheKey(method, url string) string {
	return method + " " + url
}

// InspectionStatus is the lifecycle state of an inspection
type InspectionStatus string

const (
	StatusScheduled      InspectionStatus = "scheduled"
	StatusInProgress     InspectionStatus = "in_progress"
	StatusPaused         InspectionStatus = "paused"
	StatusReadyForReview InspectionStatus = "ready_for_review"
	StatusCompleted      InspectionStatus = "completed"
	StatusCancelled      InspectionStatus = "cancelled"
)

// Terminal reports whether no transition is defined out of the status
func (s InspectionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Valid reports whether s is a known status
func (s InspectionStatus) Valid() bool {
	switch s {
	case StatusScheduled, StatusInProgress, StatusPaused,
		StatusReadyForReview, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// InspectionSession is the working state of one inspection being performed
type InspectionSession struct {
	PropertyID   string           `json:"property_id"`
	InspectionID string           `json:"inspection_id"`
	Status       InspectionStatus `json:"status"`
	SessionData  json.RawMessage  `json:"session_data,omitempty"` // findings, photos, checklist, notes
	LastSavedAt  time.Time        `json:"last_saved_at"`
}

// Clone returns a deep copy safe to hand to other components
func (s *InspectionSession) Clone() *InspectionSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.SessionData != nil {
		c.SessionData = append(json.RawMessage(nil), s.SessionData...)
	}
	return &c
}

// OfflineStatus is the answer to GET_OFFLINE_STATUS
type OfflineStatus struct {
	IsOffline   bool   `json:"isOffline"`
	QueuedItems int    `json:"queuedItems"`
	Generation  string `json:"generation,omitempty"`
}
