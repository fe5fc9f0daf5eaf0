package metrics

import "time"

// ProposerStats is the subset of proposer state the collector polls. The
// proposer package's Proposer type satisfies ProposerSource without this
// package importing it, avoiding an import cycle (proposer already depends
// on metrics to record EstablishTermLatency/ProposerStops inline).
type ProposerStats struct {
	IsLeader         bool
	CommittedSeqno   uint64
	PendingHighSeqno uint64
	LivePeers        int
}

// ProposerSource is implemented by *proposer.Proposer.
type ProposerSource interface {
	Stats() ProposerStats
}

// RsmStats is the subset of RSM runtime state the collector polls.
type RsmStats struct {
	Name           string
	AppliedSeqno   uint64
	AvailableSeqno uint64
	SyncWaiters    int
}

// RsmSource is implemented by *rsm.Runtime.
type RsmSource interface {
	Stats() RsmStats
}

// Collector periodically samples a fixed set of proposer/RSM sources into
// the package gauges, the way a process would wire metrics.Register plus a
// background scrape loop into its startup sequence.
type Collector struct {
	proposer ProposerSource
	rsms     []RsmSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector builds a collector over a single proposer (a process runs at
// most one) and its RSM runtimes.
func NewCollector(proposer ProposerSource, rsms []RsmSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Collector{proposer: proposer, rsms: rsms, interval: interval, stopCh: make(chan struct{})}
}

// Start begins periodic sampling in a background goroutine.
func (c *Collector) Start() {
	go func() {
		c.collect()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts sampling.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.proposer != nil {
		s := c.proposer.Stats()
		if s.IsLeader {
			IsLeader.Set(1)
		} else {
			IsLeader.Set(0)
		}
		CommittedSeqno.Set(float64(s.CommittedSeqno))
		PendingHighSeqno.Set(float64(s.PendingHighSeqno))
		LivePeers.Set(float64(s.LivePeers))
	}
	for _, r := range c.rsms {
		s := r.Stats()
		RsmAppliedSeqno.WithLabelValues(s.Name).Set(float64(s.AppliedSeqno))
		lag := int64(s.AvailableSeqno) - int64(s.AppliedSeqno)
		if lag < 0 {
			lag = 0
		}
		RsmApplyLag.WithLabelValues(s.Name).Set(float64(lag))
		SyncRevisionWaiters.WithLabelValues(s.Name).Set(float64(s.SyncWaiters))
	}
}
