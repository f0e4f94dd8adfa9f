/*
Package worker runs the background context that owns fieldsync's durable
store.

The worker assembles the write queue, the fetch interceptor, the replayer,
the sync scheduler and the connectivity monitor around one bbolt store, and
is the only component that writes to it. Page-side code talks to the worker
with control messages:

	┌────────── page side ──────────┐        ┌──────────── worker ─────────────┐
	│ session.Manager               │        │ message loop (one goroutine)    │
	│ autosave.Controller ──────────┼─queue─▶│ queue · interceptor · replayer  │
	│ worker.Client.Send(msg) ──────┼─inbox─▶│ scheduler · monitor · collector │
	└───────────────────────────────┘        └─────────────────────────────────┘

# Control Messages

  - SKIP_WAITING: activate the installed version now
  - CACHE_INSPECTION_DATA {id, payload}: seed the read cache for an inspection
  - GET_OFFLINE_STATUS: reply with {isOffline, queuedItems}
  - FORCE_SYNC: replay every pending write now

The same messages are accepted as JSON on POST /__fieldsync/message, which
is how the offline fallback page reaches the worker.

# Versions

Each version owns one cache generation. Install stages a version; the very
first install is activated immediately. Activate purges the cache of every
other generation. Queued writes are shared by all generations and survive
activation unchanged.

# Usage

	w, err := worker.New(cfg)
	if err != nil {
		return err
	}
	w.Start(ctx)
	defer w.Stop()

	status, err := w.Client().OfflineStatus(ctx)
*/
package worker
