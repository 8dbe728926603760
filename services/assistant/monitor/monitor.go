// Package monitor drives the stuck-detection engine from a single
// coordinating goroutine.
//
// The engine itself has no internal locking; the monitor serializes all
// access by funneling interaction events and state queries through
// channels into one Run loop, which also owns the 1 Hz recompute tick
// and the trigger callback.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/inkwell-ai/inkwell/services/assistant/engine"
)

// EventKind discriminates interaction events.
type EventKind int

const (
	// EventTyping carries the current document length.
	EventTyping EventKind = iota

	// EventTextContent carries a full-text snapshot.
	EventTextContent

	// EventNavigation marks a scroll or navigation occurrence.
	EventNavigation

	// EventDistraction carries time spent in a distracting app.
	EventDistraction

	// EventReturnFromDistraction marks focus returning to writing.
	EventReturnFromDistraction

	// EventSessionReset clears all engine state for a new session.
	EventSessionReset
)

// Event is one interaction notification from the observation layer.
type Event struct {
	Kind       EventKind
	TextLength int
	Text       string
	Duration   time.Duration
}

// Snapshot is a read-only view of the engine state.
type Snapshot struct {
	Signals engine.Signals
	Score   float64
	State   engine.FlowState
}

// TriggerFunc is invoked when the engine advises offering help. It runs
// on the monitor goroutine; long work must be handed off.
type TriggerFunc func(ctx context.Context, decision engine.TriggerDecision, snap Snapshot)

// Monitor owns an engine instance and its event loop.
type Monitor struct {
	eng       *engine.Engine
	tick      time.Duration
	onTrigger TriggerFunc
	logger    *slog.Logger

	events    chan Event
	snapshots chan chan Snapshot
}

// New creates a monitor around an engine. A zero tick interval defaults
// to one second.
func New(eng *engine.Engine, tick time.Duration, onTrigger TriggerFunc) *Monitor {
	if tick <= 0 {
		tick = time.Second
	}
	return &Monitor{
		eng:       eng,
		tick:      tick,
		onTrigger: onTrigger,
		logger:    slog.Default(),
		events:    make(chan Event, 64),
		snapshots: make(chan chan Snapshot),
	}
}

// Observe submits an interaction event. Blocks only when the event
// buffer is full; ctx cancellation aborts the wait.
func (m *Monitor) Observe(ctx context.Context, ev Event) error {
	select {
	case m.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the engine state as of the last tick.
func (m *Monitor) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case m.snapshots <- reply:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Run executes the coordinating loop until ctx is cancelled. All engine
// access happens here.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	m.logger.Info("Stuck monitor started", "tick", m.tick)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Stuck monitor stopped")
			return ctx.Err()

		case ev := <-m.events:
			m.apply(ev)

		case <-ticker.C:
			m.eng.Tick()
			decision := m.eng.ShouldTriggerHelp()
			if decision.ShouldTrigger {
				snap := m.snapshot()
				m.logger.Info("Help trigger fired",
					"stuck_type", decision.StuckType,
					"score", snap.Score, "state", snap.State)
				if m.onTrigger != nil {
					m.onTrigger(ctx, decision, snap)
				}
				m.eng.RecordHelpTriggered()
			}

		case reply := <-m.snapshots:
			reply <- m.snapshot()
		}
	}
}

// apply dispatches one event to the engine.
func (m *Monitor) apply(ev Event) {
	switch ev.Kind {
	case EventTyping:
		m.eng.RecordTyping(ev.TextLength)
	case EventTextContent:
		m.eng.RecordTextContent(ev.Text)
	case EventNavigation:
		m.eng.RecordNavigation()
	case EventDistraction:
		m.eng.RecordDistraction(ev.Duration)
	case EventReturnFromDistraction:
		m.eng.RecordReturnFromDistraction()
	case EventSessionReset:
		m.eng.Reset()
	default:
		m.logger.Warn("Unknown monitor event kind", "kind", ev.Kind)
	}
}

func (m *Monitor) snapshot() Snapshot {
	return Snapshot{
		Signals: m.eng.Signals(),
		Score:   m.eng.Score(),
		State:   m.eng.State(),
	}
}
