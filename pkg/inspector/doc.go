/*
Package inspector is the page side of a browser context: it pairs the
session.Manager of the inspection being edited with the autosave.Controller
that checkpoints it into the worker's queue.

	surface := inspector.New(w, cfg)
	if err := surface.Start(ctx); err != nil {
		return err
	}
	defer surface.Close(ctx)

Start reactivates an interrupted session from its newest pending checkpoint
and starts the in-progress autosave timer. Close saves once more, as a page
does right before it unmounts.

Handler exposes the lifecycle to a browser shell under BasePath. Rejected
transitions answer 409 and leave the session untouched.
*/
package inspector
