/*
Package interceptor is the network boundary between the application and the
backend. Every outbound request is classified and handled with one strategy:

	Class          Strategy
	─────────────  ─────────────────────────────────────────────────────────
	write          network first; on transport error or non-2xx the request
	               is queued and a 202 {"offline":true,"queued":true} reply
	               is synthesized, then background.SyncTag is scheduled
	navigation     network first; falls back to the cached page, then the
	               cached app shell, then the offline fallback page
	read           stale-while-revalidate for allow-listed read endpoints;
	               a miss while offline is an explicit 503 "unavailable
	               offline" reply, never an error
	passthrough    network; static assets are cache-first unless they match
	               the runtime-chunk NoStore list

Classification rules are host/path rules with Exact or Prefix matching and
longest-match wins, the same scheme an ingress uses.

Fetch returns a Response carrying FromCache and Offline so callers can tell
cached and synthesized data apart. ServeHTTP exposes the same information as
X-Fieldsync-From-Cache and X-Fieldsync-Offline headers, which lets the
interceptor front a browser shell as a local proxy:

	i := interceptor.New(store, q,
		interceptor.WithUpstream(backendURL),
		interceptor.WithTrigger(scheduler),
		interceptor.WithObserver(monitor),
	)
	http.ListenAndServe("127.0.0.1:8787", i)

Only a storage failure while queueing a write is returned as an error; over
HTTP it becomes a 507 telling the user the change was not saved.
*/
package interceptor
