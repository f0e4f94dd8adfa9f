/*
Package metrics provides Prometheus metrics and component health for fieldsync.

All collectors are registered on the default registry at package init and
exposed by Handler on /metrics. Alongside the metrics, a small component
health registry backs the /health, /ready and /live endpoints.

# Metric Categories

	Queue:        fieldsync_queued_requests, fieldsync_enqueued_total{result},
	              fieldsync_coalesced_checkpoints_total
	Replay:       fieldsync_replay_attempts_total{result},
	              fieldsync_replay_pass_duration_seconds,
	              fieldsync_sync_triggers_total{source}
	Interceptor:  fieldsync_intercepted_requests_total{class,outcome},
	              fieldsync_cache_entries,
	              fieldsync_network_request_duration_seconds{class}
	Sessions:     fieldsync_inspection_transitions_total{event,result},
	              fieldsync_autosaves_total{reason}
	Event bus:    fieldsync_events_emitted_total{event},
	              fieldsync_event_handler_panics_total{event}
	Connectivity: fieldsync_backend_online

# Component Health

A package-level Registry holds the last reported state of each component.
Storage and worker are critical; backend is not. An unreachable
backend is ordinary offline operation, so it turns the overall status into
"degraded" (HTTP 200) with offline set, rather than "unhealthy" (HTTP 503).

The Collector copies queue and cache sizes from the store into gauges on a
ticker and marks the storage component unhealthy when the store cannot be
read.

# Usage

	timer := metrics.NewTimer()
	resp, err := client.Do(req)
	timer.ObserveDurationVec(metrics.NetworkDuration, "write")

	metrics.RegisterComponent(metrics.ComponentWorker, true, "running")
	http.Handle("/metrics", metrics.Handler())
	http.HandleFunc("/health", metrics.HealthHandler())
*/
package metrics
