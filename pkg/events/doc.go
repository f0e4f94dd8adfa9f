/*
Package events provides the in-process event bus that keeps independent
dashboard surfaces consistent without a shared store.

# Architecture

	 session.Manager ──┐                         ┌──► dashboard tab
	 replay.Replayer ──┼──► Bus.Emit(event) ─────┼──► inspector tool
	 interceptor     ──┤   (synchronous, in       ├──► building-detail panel
	 health.Monitor  ──┘    registration order)   └──► metrics / logging

Fan-out is synchronous: when Emit returns, every handler subscribed at the
moment of the call has run. The bus is not a cross-tab or cross-device
channel.

# Event Variants

Event is a closed union: only the structs in this package implement it.

Lifecycle:
  - InspectionStatusChanged: previous status, new status, session snapshot
  - InspectionCreated

Freshness:
  - DataRefreshRequested: affected scopes, e.g. inspections_tab,
    inspection_history
  - BuildingInspectionHistoryUpdated

Sync:
  - RequestQueued, RequestReplayed, SyncCompleted
  - ConnectivityChanged, StorageUnavailable

# Delivery Rules

  - Handlers run in registration order.
  - A handler that panics is recovered, logged and counted in
    fieldsync_event_handler_panics_total; the remaining handlers still run.
  - A handler unsubscribed during a dispatch is not invoked later in that
    same dispatch.
  - A handler registered during a dispatch first sees the next emission.

# Usage

Components subscribe on mount and must unsubscribe on teardown:

	unsubscribe := events.OnInspectionStatus(bus, inspectionID,
		func(e events.InspectionStatusChanged) {
			panel.Render(e.Snapshot)
		})
	defer unsubscribe()

Typed subscription to a whole family:

	events.Subscribe(bus, func(e events.SyncCompleted) {
		indicator.SetQueued(e.Remaining)
	})
*/
package events
