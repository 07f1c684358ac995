package metrics

import (
	"time"

	"github.com/cuemby/snops/pkg/storage"
	"github.com/cuemby/snops/pkg/types"
)

// Collector periodically resyncs metrics that are derived from the store
// directly rather than pushed inline on every mutation (registry and
// environment metrics already self-refresh on each write; this catches
// anything a missed event path would otherwise leave stale), grounded on
// the teacher's ticker-driven Collector.
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector builds a Collector over store.
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
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
	c.collectCannonMetrics()
}

func (c *Collector) collectCannonMetrics() {
	envs, err := c.store.ListEnvironments()
	if err != nil {
		return
	}

	var total int
	trackerCounts := make(map[[2]string]int) // (cannon_id, status) -> count
	for _, env := range envs {
		cannons, err := c.store.ListCannonsByEnv(env.ID)
		if err != nil {
			continue
		}
		total += len(cannons)

		for _, cannon := range cannons {
			trackers, err := c.store.ListTrackers(env.ID, cannon.ID)
			if err != nil {
				continue
			}
			for _, t := range trackers {
				trackerCounts[[2]string{cannon.ID, trackerStatusLabel(t.Status.Kind)}]++
			}
		}
	}

	CannonInstancesTotal.Set(float64(total))
	for key, count := range trackerCounts {
		CannonTrackersTotal.WithLabelValues(key[0], key[1]).Set(float64(count))
	}
}

// trackerStatusLabel mirrors pkg/cannon's status labeling for trackers
// collected directly from the store rather than via a running Engine.
func trackerStatusLabel(k types.TxSendStateKind) string {
	switch k {
	case types.TxAuthorized:
		return "Authorized"
	case types.TxExecuting:
		return "Executing"
	case types.TxUnsent:
		return "Unsent"
	case types.TxBroadcasted:
		return "Broadcasted"
	default:
		return "Unknown"
	}
}
