/*
Package session owns the lifecycle of the inspection being performed.

	              start              submitForReview            complete
	 scheduled ─────────► in_progress ───────────────► ready_for_review ─────────► completed
	     │                 │      ▲                          │
	     │           pause │      │ resume                   │
	     │                 ▼      │                          │
	     │                 paused ┘                          │
	     │                   │                               │
	     └───────────────────┴──────── cancel ───────────────┴──────────────────► cancelled

completed and cancelled are terminal: every event fired at them fails with
an *InvalidTransitionError (errors.Is(err, ErrInvalidTransition)) and the
status is left untouched.

A Manager holds at most one active session. Each successful transition, in
order:

 1. updates the status
 2. autosaves a checkpoint through the Checkpointer
 3. emits events.InspectionStatusChanged with the previous status, the new
    status and a snapshot, synchronously

Completing an inspection also emits BuildingInspectionHistoryUpdated and a
DataRefreshRequested for the inspections tab and inspection history, then
clears the active session. A paused session stays active, but the autosave
timer skips it.

After a crash, Restore reactivates the newest pending checkpoint. When that
checkpoint is terminal the manager stays idle and the inspection keeps its
terminal status. Checkpoints the backend already acknowledged are gone from
the queue, so Restore cannot see them.

	m := session.NewManager(bus)
	saver := autosave.New(q, m, backendURL)
	m.SetCheckpointer(saver)
	if _, err := m.Restore(ctx, saver); err != nil {
		return err
	}
*/
package session
