package background

import (
	"context"
)

// SyncTag is the registration tag of the queued-request replay job
const SyncTag = "sync-queued-requests"

// Trigger asks for a registered job to run as soon as possible
type Trigger interface {
	Schedule(tag string)
}

// Scheduler is a deferred retry scheduler
type Scheduler interface {
	Trigger
	Start(ctx context.Context)
	Stop()
}

// Job is deferred work. It reports how much work is left so the scheduler
// knows whether to keep its registration.
type Job interface {
	Run(ctx context.Context) (remaining int, err error)
}

// JobFunc adapts a function to Job
type JobFunc func(ctx context.Context) (int, error)

// Run calls f
func (f JobFunc) Run(ctx context.Context) (int, error) {
	return f(ctx)
}

// Prober reports whether the backend is reachable right now
type Prober interface {
	Probe(ctx context.Context) bool
}

// NopTrigger ignores every request
type NopTrigger struct{}

// Schedule does nothing
func (NopTrigger) Schedule(string) {}
