/*
Package background schedules deferred work, chiefly the replay of queued
writes, so that it happens without the user doing anything.

Two Scheduler implementations share the Trigger contract:

  - DeferredScheduler: jobs are registered by tag. Schedule(tag) marks the
    tag pending; the scheduler waits until the Prober reports the backend
    reachable, runs the job, and keeps the tag registered with exponential
    backoff until the job reports no remaining work. Scheduling a pending
    tag again only wakes the scheduler.
  - IntervalScheduler: a plain ticker for hosts without deferred
    registration. Schedule forces an immediate run.

	deferred := background.NewDeferredScheduler(monitor)
	deferred.Register(background.SyncTag, replayer)
	deferred.Start(ctx)
	defer deferred.Stop()

	interceptor.New(store, q, interceptor.WithTrigger(deferred))
*/
package background
