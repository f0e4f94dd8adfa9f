/*
Package autosave turns the active inspection session into crash-safe
checkpoints.

A checkpoint is a PATCH of the inspection record, queued in the durable
write queue with the inspection id as ordering key:

	{"inspection_id":"…","property_id":"…","status":"in_progress",
	 "session_data":{…},"last_saved_at":"2025-05-01T10:00:00Z"}

Checkpoints are written

  - after every lifecycle transition (Controller implements
    session.Checkpointer)
  - by Save, with new session data from the UI
  - every interval while the session is in_progress (Run/Stop)
  - once more on Close, right before the UI goes away

Saving never touches the network: the write is queued, the local snapshot
is updated optimistically and background.SyncTag is scheduled. Conflicts
resolve last-write-wins by last_saved_at; older checkpoints stay queued
unless the queue coalesces them.
*/
package autosave
