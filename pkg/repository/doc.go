// Package repository is a typed client of the hosted inspections
// repository. Requests use PostgREST URLs (/rest/v1/<collection>?col=eq.v)
// and always go through the interceptor, so reads fall back to the cache
// and writes are queued while offline.
package repository
