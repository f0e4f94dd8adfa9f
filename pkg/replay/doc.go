/*
Package replay drains the durable write queue against the backend.

A pass lists every pending request and sends it in enqueue order, with its
original method, URL, headers and body plus an Idempotency-Key header.

  - 2xx: the request is removed and events.RequestReplayed is emitted
  - anything else: the pass stops; the request and everything queued
    after it stay queued for the next pass

Requests are paced by a token-bucket limiter, and concurrent ReplayAll
calls join the pass already running. Each pass ends with an
events.SyncCompleted summary. Delivery is at-least-once.
*/
package replay
