package metrics

import (
	"time"

	"github.com/quilt-run/quilt/pkg/storage"
	"github.com/quilt-run/quilt/pkg/types"
)

// collectInterval matches the teacher's own Collector cadence.
const collectInterval = 15 * time.Second

// Collector periodically samples the Store for the gauges that can't
// be updated inline at the point of change (container-by-state and
// IP-pool counts): both are cheap full scans, not worth threading an
// update call through every mutation path.
type Collector struct {
	store     *storage.Store
	poolSize  int
	stopCh    chan struct{}
}

// NewCollector creates a new metrics collector. poolSize is the total
// number of usable addresses in the configured subnet, published as a
// constant gauge alongside the sampled allocated count.
func NewCollector(store *storage.Store, poolSize int) *Collector {
	return &Collector{store: store, poolSize: poolSize, stopCh: make(chan struct{})}
}

// Start begins collecting metrics in a background goroutine.
func (c *Collector) Start() {
	IPPoolSize.Set(float64(c.poolSize))

	ticker := time.NewTicker(collectInterval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectContainerMetrics()
	c.collectIPPoolMetrics()
}

func (c *Collector) collectContainerMetrics() {
	containers, err := c.store.List()
	if err != nil {
		return
	}

	counts := make(map[types.ContainerState]int)
	for _, status := range containers {
		counts[status.State]++
	}

	for _, state := range []types.ContainerState{
		types.ContainerStateCreated,
		types.ContainerStateStarting,
		types.ContainerStateRunning,
		types.ContainerStateExited,
		types.ContainerStateError,
	} {
		ContainersTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func (c *Collector) collectIPPoolMetrics() {
	active, err := c.store.ListAllocationsByStatus(types.AllocationAllocated, types.AllocationActive, types.AllocationCleanupPending)
	if err != nil {
		return
	}
	IPPoolAllocated.Set(float64(len(active)))
}
