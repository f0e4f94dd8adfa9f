/*
Package queue implements the durable write queue: mutations that could not
reach the backend are persisted in enqueue order and replayed later by
package replay.

The queue is a thin policy layer over storage.Store:

  - only mutations are accepted (GET and HEAD return ErrReadRequest)
  - every entry gets an EnqueuedAt timestamp and an idempotency key that
    replay sends as the Idempotency-Key header
  - a storage failure is retried once, then reported as an error matching
    storage.ErrStorageUnavailable and as an events.StorageUnavailable event
  - with WithCoalescing(true), a new autosave checkpoint drops the older
    pending checkpoints of the same ordering key; submissions are never
    coalesced

Entries are only removed after a 2xx replay, so delivery is at-least-once.

	q := queue.New(store, queue.WithEmitter(bus))
	id, err := q.Enqueue(ctx, &types.QueuedRequest{
		URL:         "https://api.example.com/rest/v1/inspections?id=eq.42",
		Method:      http.MethodPatch,
		Body:        body,
		OrderingKey: "42",
	})
*/
package queue
