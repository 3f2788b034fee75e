// Package stats aggregates call lifecycle events into per-organization and per-flow counters.
package stats

import (
	"maps"
	"strconv"
	"time"

	"github.com/dukex/callflow/pkg/models"
)

// BucketBounds are the upper bounds of the call duration histogram. A call lands in the
// first bucket whose bound it does not exceed; longer calls land in "+Inf".
var BucketBounds = []time.Duration{
	5 * time.Second,
	15 * time.Second,
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
	600 * time.Second,
}

const InfBucket = "+Inf"

// BucketLabel names the histogram bucket of d.
func BucketLabel(d time.Duration) string {
	for _, bound := range BucketBounds {
		if d <= bound {
			return strconv.Itoa(int(bound/time.Second)) + "s"
		}
	}

	return InfBucket
}

type Duration struct {
	Count   int64            `json:"count"`
	Sum     time.Duration    `json:"sum"`
	Min     time.Duration    `json:"min"`
	Max     time.Duration    `json:"max"`
	Buckets map[string]int64 `json:"buckets"`
}

func (d *Duration) observe(value time.Duration) {
	if value < 0 {
		value = 0
	}

	if d.Count == 0 || value < d.Min {
		d.Min = value
	}

	if value > d.Max {
		d.Max = value
	}

	d.Count++
	d.Sum += value
	d.Buckets[BucketLabel(value)]++
}

// Mean returns the average duration, or zero before any call ended.
func (d Duration) Mean() time.Duration {
	if d.Count == 0 {
		return 0
	}

	return d.Sum / time.Duration(d.Count)
}

// Counters are the statistics of one organization or one flow.
type Counters struct {
	TotalCalls   int64                        `json:"total_calls"`
	Outcomes     map[models.Outcome]int64     `json:"outcomes"`
	AbortReasons map[models.AbortReason]int64 `json:"abort_reasons"`
	// NodeVisits is keyed by node id for a flow and by "flow:node" for an organization.
	NodeVisits map[string]int64 `json:"node_visits"`
	Duration   Duration         `json:"duration"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

func newCounters() *Counters {
	return &Counters{
		Outcomes:     make(map[models.Outcome]int64),
		AbortReasons: make(map[models.AbortReason]int64),
		NodeVisits:   make(map[string]int64),
		Duration:     Duration{Buckets: make(map[string]int64)},
	}
}

func (c *Counters) clone() *Counters {
	copied := *c
	copied.Outcomes = maps.Clone(c.Outcomes)
	copied.AbortReasons = maps.Clone(c.AbortReasons)
	copied.NodeVisits = maps.Clone(c.NodeVisits)
	copied.Duration.Buckets = maps.Clone(c.Duration.Buckets)

	return &copied
}
