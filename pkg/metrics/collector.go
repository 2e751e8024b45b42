package metrics

import (
	"context"
	"time"

	"github.com/verayang01/chatd/logger"
)

// StoreStats is the summary a StatsProvider reports.
type StoreStats struct {
	Accounts int
	Messages int
	Unread   int
}

// StatsProvider is implemented by whatever owns the accounts and mailboxes.
type StatsProvider interface {
	MetricsStats() StoreStats
}

// Collector periodically refreshes the store gauges.
type Collector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 60 * time.Second
	}

	return &Collector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the collection loop until ctx is done or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	c.collect()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("MetricsCollector started", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("MetricsCollector stopping due to context cancellation")
			return
		case <-c.stopCh:
			logger.Info("MetricsCollector stopping due to stop signal")
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// Stop signals the collector to stop
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	stats := c.provider.MetricsStats()

	AccountsCurrent.Set(float64(stats.Accounts))
	MessagesCurrent.Set(float64(stats.Messages))
	UnreadCurrent.Set(float64(stats.Unread))

	logger.Debug("MetricsCollector: updated store metrics", "accounts", stats.Accounts,
		"messages", stats.Messages, "unread", stats.Unread)
}
