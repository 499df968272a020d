package telemetry

import (
	"sync"
	"time"

	"github.com/lauditd/lauditd/changelog"
	"github.com/rs/zerolog/log"
)

// ChangelogStats provides the store figures exported as gauges
type ChangelogStats interface {
	LastIndex(device string) uint64
	Users(device string) ([]changelog.User, error)
}

// MetricsCollector periodically collects changelog stats and updates telemetry gauges
type MetricsCollector struct {
	stats    ChangelogStats
	device   string
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector for device
func NewMetricsCollector(stats ChangelogStats, device string, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		stats:    stats,
		device:   device,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.stats == nil {
		return
	}

	last := mc.stats.LastIndex(mc.device)
	ChangelogLastIndex.Set(float64(last))

	users, err := mc.stats.Users(mc.device)
	if err != nil {
		log.Debug().Err(err).Str("device", mc.device).Msg("Failed to collect changelog users")
		return
	}

	ChangelogConsumers.Set(float64(len(users)))
	for _, u := range users {
		var backlog uint64
		if last > u.Checkpoint {
			backlog = last - u.Checkpoint
		}
		ChangelogBacklog.With(u.ID).Set(float64(backlog))
	}
}
