// Package metrics implements the rolling-window statistics aggregator
// (spec §4.3). It subscribes to lifecycle events on the bus, keeps a
// bounded FIFO of derived Event Records, and serves point-in-time
// snapshots and cumulative counters over that FIFO.
package metrics

import "time"

// Record is the metrics-side projection of a bus Event (spec §3 "Event
// Record"). Only the fields the aggregator needs to compute rates and
// percentiles are kept; the full event is not retained.
type Record struct {
	Timestamp  time.Time
	EventType  string
	Agent      string
	DurationMs int64
	HasTokens  bool
	Tokens     int64
	HasCost    bool
	Cost       float64
	Success    bool
}
