package health

import (
	"context"
	"time"
)

// CheckType selects how the backend is probed
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
)

// Result is the outcome of one probe or one observed request
type Result struct {
	Reachable bool
	Message   string
	CheckedAt time.Time
	Latency   time.Duration
}

// Checker probes the backend once
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

// Config controls how results turn into the online/offline state
type Config struct {
	Interval time.Duration
	Timeout  time.Duration

	// Retries is the number of consecutive failures before going offline.
	// One success always brings the monitor back online.
	Retries int
}

// DefaultConfig returns the probe settings used by the worker
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  5 * time.Second,
		Retries:  1,
	}
}

// Connectivity is the monitor's view of the backend
type Connectivity struct {
	Online      bool
	Failures    int
	Successes   int
	LastProbe   time.Time
	LastMessage string

	// Since is when Online last changed
	Since time.Time
}

func newConnectivity(now time.Time) Connectivity {
	return Connectivity{Online: true, Since: now}
}

// apply folds result in and reports whether Online flipped
func (c *Connectivity) apply(result Result, retries int) bool {
	if retries < 1 {
		retries = 1
	}
	c.LastProbe = result.CheckedAt
	c.LastMessage = result.Message

	was := c.Online
	if result.Reachable {
		c.Successes++
		c.Failures = 0
		c.Online = true
	} else {
		c.Failures++
		c.Successes = 0
		if c.Failures >= retries {
			c.Online = false
		}
	}
	if c.Online != was {
		c.Since = result.CheckedAt
		return true
	}
	return false
}
