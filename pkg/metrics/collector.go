package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StoreStats is the part of the store the collector reads
type StoreStats interface {
	CountRequests() (int, error)
	CountCacheEntries() (int, error)
}

// Collector copies store sizes into gauges on an interval. A failed read
// marks the storage component unhealthy until the next good pass.
type Collector struct {
	gauges   []sizeGauge
	interval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

type sizeGauge struct {
	gauge prometheus.Gauge
	count func() (int, error)
}

// NewCollector creates a collector over store. A non-positive interval
// means 15s.
func NewCollector(store StoreStats, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		gauges: []sizeGauge{
			{gauge: QueuedRequests, count: store.CountRequests},
			{gauge: CacheEntries, count: store.CountCacheEntries},
		},
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start collects once, then on every interval until Stop
func (c *Collector) Start() {
	go func() {
		defer close(c.doneCh)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.Collect()
		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop ends the loop and waits for it. Safe to call more than once, but
// only after Start.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

// Collect runs one pass
func (c *Collector) Collect() {
	for _, g := range c.gauges {
		n, err := g.count()
		if err != nil {
			UpdateComponent(ComponentStorage, false, err.Error())
			return
		}
		g.gauge.Set(float64(n))
	}
	UpdateComponent(ComponentStorage, true, "")
}
