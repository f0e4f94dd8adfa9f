/*
Package backend is a small stand-in for the hosted inspections repository.

It speaks the subset of PostgREST the engine uses:

	GET   /rest/v1/{collection}?col=eq.value   select
	POST  /rest/v1/{collection}                upsert one object or an array
	PATCH /rest/v1/{collection}?id=eq.value    merge fields, create when absent
	GET   /health                              liveness

Records are JSON objects stored in SQLite (modernc.org/sqlite, no cgo).
Writes carrying an Idempotency-Key header are applied once; a repeat gets
the first response back with Idempotent-Replayed: true.
*/
package backend
