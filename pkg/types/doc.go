/*
Package types defines the data model shared by every fieldsync package.

# Core Types

Write path:
  - QueuedRequest: a mutation waiting for the backend to acknowledge it
  - Header: ordered request header pair stored with a QueuedRequest

Read path:
  - CacheEntry: last successful response for a cacheable read
  - CacheKey: request identity (method + URL)

Inspection lifecycle:
  - InspectionSession: working state of the inspection being edited
  - InspectionStatus: scheduled, in_progress, paused, ready_for_review,
    completed, cancelled

Worker status:
  - OfflineStatus: reply to GET_OFFLINE_STATUS

# Serialization

All types round-trip through encoding/json. The storage package persists
QueuedRequest and CacheEntry values as JSON documents inside bbolt buckets,
and the worker package sends OfflineStatus to the page side as a message
payload.

A QueuedRequest body is kept as raw bytes. A nil body encodes as null and is
replayed without a request body.

# Usage

	req := &types.QueuedRequest{
		URL:         "https://api.example.com/rest/v1/inspections?id=eq.insp-1",
		Method:      http.MethodPatch,
		Headers:     []types.Header{{Key: "Content-Type", Value: "application/json"}},
		Body:        body,
		OrderingKey: "insp-1",
	}
*/
package types
