package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/callflow/pkg/eventbus"
	"github.com/dukex/callflow/pkg/events"
	"github.com/dukex/callflow/pkg/models"
	"github.com/robfig/cron/v3"
)

const (
	DefaultRetention     = 24 * time.Hour
	DefaultPruneSchedule = "@every 10m"
)

type Config struct {
	// Retention is how long the dedup tracker of an ended call is kept. Events of a call
	// replayed after its tracker was pruned are counted again.
	Retention     time.Duration
	PruneSchedule string
	Now           func() time.Time
}

type callTracker struct {
	seen    map[int64]struct{}
	endedAt time.Time
}

// Aggregator applies call lifecycle events to counters. Applying the same (call id, seq)
// twice has no effect, so redelivered bus messages are never double counted.
type Aggregator struct {
	mu     sync.Mutex
	config Config
	totals *Counters
	orgs   map[string]*Counters
	flows  map[string]*Counters
	calls  map[string]*callTracker
	cron   *cron.Cron
	logger *slog.Logger
}

func NewAggregator(config Config, logger *slog.Logger) *Aggregator {
	if config.Retention <= 0 {
		config.Retention = DefaultRetention
	}

	if config.PruneSchedule == "" {
		config.PruneSchedule = DefaultPruneSchedule
	}

	if config.Now == nil {
		config.Now = time.Now
	}

	return &Aggregator{
		config: config,
		totals: newCounters(),
		orgs:   make(map[string]*Counters),
		flows:  make(map[string]*Counters),
		calls:  make(map[string]*callTracker),
		logger: logger.With("module", "stats"),
	}
}

type callEvent interface {
	Call() events.CallContext
}

// Apply counts one lifecycle event, given by value or by pointer. It reports whether the
// event changed any counter.
func (a *Aggregator) Apply(event any) bool {
	ce, ok := event.(callEvent)
	if !ok {
		return false
	}

	call := ce.Call()
	if call.CallID == "" {
		return false
	}

	event = deref(event)

	switch event.(type) {
	case events.CallStarted, events.NodeEntered, events.CallCompleted, events.CallAborted, events.CallUnbound:
	default:
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	tracker, ok := a.calls[call.CallID]
	if !ok {
		tracker = &callTracker{seen: make(map[int64]struct{})}
		a.calls[call.CallID] = tracker
	}

	if _, dup := tracker.seen[call.Seq]; dup {
		return false
	}

	tracker.seen[call.Seq] = struct{}{}

	now := a.config.Now().UTC()
	targets := a.targets(call)

	switch e := event.(type) {
	case events.CallStarted:
		for _, t := range targets {
			t.counters.TotalCalls++
		}
	case events.NodeEntered:
		for _, t := range targets {
			t.counters.NodeVisits[t.nodeKey(call.FlowID, e.NodeID)]++
		}
	case events.CallCompleted:
		tracker.endedAt = now

		for _, t := range targets {
			t.counters.Outcomes[models.OutcomeCompleted]++
			t.counters.Duration.observe(e.Duration)
		}
	case events.CallAborted:
		tracker.endedAt = now

		for _, t := range targets {
			t.counters.Outcomes[models.OutcomeAborted]++
			t.counters.AbortReasons[e.Reason]++
			t.counters.Duration.observe(e.Duration)
		}
	case events.CallUnbound:
		tracker.endedAt = now

		for _, t := range targets {
			t.counters.TotalCalls++
			t.counters.Outcomes[models.OutcomeUnbound]++
		}
	}

	for _, t := range targets {
		t.counters.UpdatedAt = now
	}

	return true
}

type target struct {
	counters *Counters
	byFlow   bool
}

func (t target) nodeKey(flowID, nodeID string) string {
	if t.byFlow {
		return nodeID
	}

	return flowID + ":" + nodeID
}

func (a *Aggregator) targets(call events.CallContext) []target {
	targets := []target{{counters: a.totals}}

	if call.OrganizationID != "" {
		counters, ok := a.orgs[call.OrganizationID]
		if !ok {
			counters = newCounters()
			a.orgs[call.OrganizationID] = counters
		}

		targets = append(targets, target{counters: counters})
	}

	if call.FlowID != "" {
		counters, ok := a.flows[call.FlowID]
		if !ok {
			counters = newCounters()
			a.flows[call.FlowID] = counters
		}

		targets = append(targets, target{counters: counters, byFlow: true})
	}

	return targets
}

func deref(event any) any {
	switch e := event.(type) {
	case *events.CallStarted:
		return *e
	case *events.NodeEntered:
		return *e
	case *events.NodeLeft:
		return *e
	case *events.CallCompleted:
		return *e
	case *events.CallAborted:
		return *e
	case *events.CallUnbound:
		return *e
	default:
		return event
	}
}

// Organization returns a copy of an organization's counters. Unknown organizations have
// zero counters.
func (a *Aggregator) Organization(organizationID string) *Counters {
	a.mu.Lock()
	defer a.mu.Unlock()

	if counters, ok := a.orgs[organizationID]; ok {
		return counters.clone()
	}

	return newCounters()
}

// Flow returns a copy of a flow's counters across all its versions.
func (a *Aggregator) Flow(flowID string) *Counters {
	a.mu.Lock()
	defer a.mu.Unlock()

	if counters, ok := a.flows[flowID]; ok {
		return counters.clone()
	}

	return newCounters()
}

// Totals returns a copy of the counters of every call, including unbound calls on numbers
// no organization owns.
func (a *Aggregator) Totals() *Counters {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.totals.clone()
}

// Prune drops the dedup trackers of calls that ended more than olderThan ago and returns
// how many were dropped.
func (a *Aggregator) Prune(olderThan time.Duration) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.config.Now().UTC().Add(-olderThan)
	pruned := 0

	for callID, tracker := range a.calls {
		if !tracker.endedAt.IsZero() && tracker.endedAt.Before(cutoff) {
			delete(a.calls, callID)
			pruned++
		}
	}

	return pruned
}

// Register subscribes the aggregator to the call lifecycle events on bus.
func (a *Aggregator) Register(bus eventbus.EventSubscriber) error {
	handler := func(_ context.Context, event interface{}) error {
		a.Apply(event)

		return nil
	}

	for _, eventType := range []events.EventType{
		events.CallStartedEvent,
		events.NodeEnteredEvent,
		events.CallCompletedEvent,
		events.CallAbortedEvent,
		events.CallUnboundEvent,
	} {
		err := bus.Handle(eventType, handler)
		if err != nil {
			return fmt.Errorf("failed to register stats handler for %s: %w", eventType, err)
		}
	}

	return nil
}

// Start prunes dedup trackers older than the retention on the prune schedule.
func (a *Aggregator) Start() error {
	a.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	_, err := a.cron.AddFunc(a.config.PruneSchedule, func() {
		pruned := a.Prune(a.config.Retention)
		if pruned > 0 {
			a.logger.Debug("pruned call trackers", "count", pruned)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid prune schedule: %w", err)
	}

	a.logger.Info("Starting stats pruning", "schedule", a.config.PruneSchedule, "retention", a.config.Retention)
	a.cron.Start()

	return nil
}

func (a *Aggregator) Stop() {
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
}
