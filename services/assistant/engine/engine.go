// Package engine implements multi-signal stuck detection for an active
// writing session.
//
// Four independent signals (pause, distraction, rewriting, navigation)
// are maintained in [0,1], combined into a weighted composite score, and
// gated through a cooldown before the engine advises interrupting the
// user with assistance.
package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for stuck detection metrics.
var engineMeter = otel.Meter("inkwell.assistant.engine")

// Default configuration values.
const (
	// DefaultPauseThreshold is the idle time before the pause signal
	// starts ramping.
	DefaultPauseThreshold = 10 * time.Second

	// DefaultLongPauseThreshold is where the pause signal reaches 0.7.
	DefaultLongPauseThreshold = 45 * time.Second

	// DefaultStuckThreshold is the composite score at which the user is
	// considered stuck.
	DefaultStuckThreshold = 0.6

	// DefaultFlowThreshold is the composite score at which the user is
	// considered merely paused.
	DefaultFlowThreshold = 0.3

	// DefaultRewriteWindow bounds how far back deletion events count.
	DefaultRewriteWindow = 60 * time.Second

	// DefaultNavigationWindow bounds how far back scroll events count.
	DefaultNavigationWindow = 30 * time.Second

	// DefaultCooldownPeriod is the minimum spacing between triggers.
	DefaultCooldownPeriod = 120 * time.Second
)

// Signal weights. They sum to 1.0 so the composite stays in [0,1].
const (
	weightPause       = 0.35
	weightDistraction = 0.30
	weightRewriting   = 0.25
	weightNavigation  = 0.10
)

// maxTextHistory caps the rolling snapshot history used for rewrite
// similarity detection.
const maxTextHistory = 10

// distractionSaturation is the distraction duration that saturates the
// signal at 1.0.
const distractionSaturation = 300 * time.Second

// decayStep is how much the distraction signal drops per second after
// the user returns from a distraction.
const decayStep = 0.1

// FlowState is the engine's categorical summary of current writing
// behavior. Flowing is the only state that must never be interrupted.
type FlowState string

const (
	StateFlowing    FlowState = "flowing"
	StatePaused     FlowState = "paused"
	StateStuck      FlowState = "stuck"
	StateDistracted FlowState = "distracted"
	StateUnknown    FlowState = "unknown"
)

// StuckType names the dominant signal behind a positive trigger.
type StuckType string

const (
	StuckNone        StuckType = "none"
	StuckPause       StuckType = "pause"
	StuckDistraction StuckType = "distraction"
	StuckRewriting   StuckType = "rewriting"
	StuckSearching   StuckType = "searching"
)

// Signals is the per-tick signal breakdown. Every component is clamped
// to [0,1].
type Signals struct {
	Pause       float64
	Distraction float64
	Rewriting   float64
	Navigation  float64
}

// Score returns the weighted composite in [0,1].
func (s Signals) Score() float64 {
	score := weightPause*s.Pause +
		weightDistraction*s.Distraction +
		weightRewriting*s.Rewriting +
		weightNavigation*s.Navigation
	return clamp01(score)
}

// TriggerDecision is the engine's advisory output.
type TriggerDecision struct {
	// ShouldTrigger reports whether interrupting the user is warranted
	// right now.
	ShouldTrigger bool

	// StuckType is the dominant signal when ShouldTrigger is true,
	// StuckNone otherwise.
	StuckType StuckType
}

// Config holds the engine thresholds. Immutable after construction.
type Config struct {
	// PauseThreshold is the idle time before the pause signal ramps.
	PauseThreshold time.Duration

	// LongPauseThreshold is where the pause signal reaches 0.7.
	LongPauseThreshold time.Duration

	// StuckThreshold is the composite score for the stuck state.
	StuckThreshold float64

	// FlowThreshold is the composite score for the paused state.
	FlowThreshold float64

	// RewriteWindow bounds deletion counting for the rewriting signal.
	RewriteWindow time.Duration

	// NavigationWindow bounds scroll counting for the navigation signal.
	NavigationWindow time.Duration

	// CooldownPeriod is the minimum spacing between help triggers.
	CooldownPeriod time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PauseThreshold:     DefaultPauseThreshold,
		LongPauseThreshold: DefaultLongPauseThreshold,
		StuckThreshold:     DefaultStuckThreshold,
		FlowThreshold:      DefaultFlowThreshold,
		RewriteWindow:      DefaultRewriteWindow,
		NavigationWindow:   DefaultNavigationWindow,
		CooldownPeriod:     DefaultCooldownPeriod,
	}
}

// textSnapshot is one entry of the rolling text history.
type textSnapshot struct {
	text string
	at   time.Time
}

// Engine converts raw interaction events into a cooldown-gated "should
// I interrupt the user" decision.
//
// Description:
//
//	The engine records typing, navigation, and distraction events,
//	recomputes the signal breakdown on each Tick, and exposes the
//	trigger decision through ShouldTriggerHelp. The distraction signal
//	decays stepwise on ticks after RecordReturnFromDistraction rather
//	than in a background task; a generation counter guards the decay
//	against being overtaken by a fresher distraction event.
//
// Thread Safety:
//
//	NOT safe for concurrent use. One coordinating goroutine owns the
//	instance and serializes all calls; see the monitor package.
type Engine struct {
	cfg Config

	// now is injected for tests.
	now func() time.Time

	lastTypingAt   time.Time
	typedOnce      bool
	lastTextLength int

	deletions []time.Time
	history   []textSnapshot
	navEvents []time.Time

	distraction    float64
	inDistraction  bool
	distractionGen uint64
	decayGen       uint64
	decayActive    bool
	lastDecayAt    time.Time

	signals Signals
	state   FlowState

	lastTriggerAt time.Time
}

// New creates an engine with the given configuration. Zero values in
// the config fall back to defaults.
func New(cfg Config) *Engine {
	if cfg.PauseThreshold <= 0 {
		cfg.PauseThreshold = DefaultPauseThreshold
	}
	if cfg.LongPauseThreshold <= 0 {
		cfg.LongPauseThreshold = DefaultLongPauseThreshold
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = DefaultStuckThreshold
	}
	if cfg.FlowThreshold <= 0 {
		cfg.FlowThreshold = DefaultFlowThreshold
	}
	if cfg.RewriteWindow <= 0 {
		cfg.RewriteWindow = DefaultRewriteWindow
	}
	if cfg.NavigationWindow <= 0 {
		cfg.NavigationWindow = DefaultNavigationWindow
	}
	if cfg.CooldownPeriod <= 0 {
		cfg.CooldownPeriod = DefaultCooldownPeriod
	}

	return &Engine{
		cfg:     cfg,
		now:     time.Now,
		history: make([]textSnapshot, 0, maxTextHistory),
		state:   StateUnknown,
	}
}

// RecordTyping updates the engine with the current document length.
//
// Description:
//
//	Compares the length to the last known one; a shorter document is
//	treated as a deletion and recorded as a timestamped deletion event.
//	Typing always refreshes the last-typing time and hints the flow
//	state toward flowing.
//
// Inputs:
//
//	currentTextLength - Length of the document after the edit.
func (e *Engine) RecordTyping(currentTextLength int) {
	now := e.now()
	if e.typedOnce && currentTextLength < e.lastTextLength {
		e.deletions = append(e.deletions, now)
		e.pruneDeletions(now)
	}
	e.lastTextLength = currentTextLength
	e.lastTypingAt = now
	e.typedOnce = true
	e.state = StateFlowing
}

// RecordTextContent appends a full-text snapshot to the rolling history
// used for rewrite similarity detection. Oldest entries are evicted
// past the history cap.
func (e *Engine) RecordTextContent(text string) {
	e.history = append(e.history, textSnapshot{text: text, at: e.now()})
	if len(e.history) > maxTextHistory {
		e.history = e.history[len(e.history)-maxTextHistory:]
	}
}

// RecordNavigation appends a scroll/navigation event. Events older than
// the navigation window are pruned on every call.
func (e *Engine) RecordNavigation() {
	now := e.now()
	e.navEvents = append(e.navEvents, now)
	e.pruneNavigation(now)
}

// RecordDistraction sets the distraction signal from a distraction
// duration. A 5-minute distraction saturates the signal at 1.0. Any
// in-flight decay is abandoned; the newest event wins.
func (e *Engine) RecordDistraction(duration time.Duration) {
	e.distraction = clamp01(float64(duration) / float64(distractionSaturation))
	e.inDistraction = true
	e.distractionGen++
	e.decayActive = false
	e.state = StateDistracted
	recordDistractionMetric()
}

// RecordReturnFromDistraction starts decaying the distraction signal
// toward 0 in 0.1-per-second steps. The decay is evaluated on Tick, not
// in a background task, and stops if a fresher distraction event has
// been recorded since.
func (e *Engine) RecordReturnFromDistraction() {
	e.inDistraction = false
	e.decayActive = true
	e.decayGen = e.distractionGen
	e.lastDecayAt = e.now()
}

// Tick recomputes the derived signals and flow state. Call on a fixed
// cadence, nominally once per second.
func (e *Engine) Tick() {
	now := e.now()

	e.stepDecay(now)

	e.signals = Signals{
		Pause:       e.pauseSignal(now),
		Distraction: e.distraction,
		Rewriting:   e.rewritingSignal(now),
		Navigation:  e.navigationSignal(now),
	}
	e.state = e.resolveState(now, e.signals.Score())
}

// ShouldTriggerHelp returns the current trigger decision.
//
// Description:
//
//	Evaluates cooldown, flow state, and the composite score in that
//	order. Flowing never permits interruption. A positive decision
//	names the dominant signal; ties break in the order pause,
//	distraction, rewriting, searching. The engine does not mark itself
//	triggered; callers acting on a positive decision must call
//	RecordHelpTriggered.
func (e *Engine) ShouldTriggerHelp() TriggerDecision {
	return decideTrigger(e.signals, e.state, e.sinceLastTrigger(), e.cfg)
}

// RecordHelpTriggered resets the cooldown clock. Call after acting on a
// positive trigger decision.
func (e *Engine) RecordHelpTriggered() {
	e.lastTriggerAt = e.now()
	recordTriggerMetric(e.signals)
}

// Reset clears all recorded state for a new writing session.
func (e *Engine) Reset() {
	e.lastTypingAt = time.Time{}
	e.typedOnce = false
	e.lastTextLength = 0
	e.deletions = e.deletions[:0]
	e.history = e.history[:0]
	e.navEvents = e.navEvents[:0]
	e.distraction = 0
	e.inDistraction = false
	e.decayActive = false
	e.signals = Signals{}
	e.state = StateUnknown
	e.lastTriggerAt = time.Time{}
}

// Signals returns the breakdown from the last Tick.
func (e *Engine) Signals() Signals { return e.signals }

// Score returns the composite score from the last Tick.
func (e *Engine) Score() float64 { return e.signals.Score() }

// State returns the flow state from the last Tick.
func (e *Engine) State() FlowState { return e.state }

// sinceLastTrigger returns the elapsed time since the last trigger, or
// a negative duration when no trigger has fired yet.
func (e *Engine) sinceLastTrigger() time.Duration {
	if e.lastTriggerAt.IsZero() {
		return -1
	}
	return e.now().Sub(e.lastTriggerAt)
}

// stepDecay advances the distraction decay by however many whole
// seconds elapsed since the last step. The generation check drops a
// decay that a fresher distraction event has overtaken.
func (e *Engine) stepDecay(now time.Time) {
	if !e.decayActive {
		return
	}
	if e.decayGen != e.distractionGen {
		e.decayActive = false
		return
	}
	steps := int(now.Sub(e.lastDecayAt) / time.Second)
	if steps <= 0 {
		return
	}
	e.distraction -= decayStep * float64(steps)
	e.lastDecayAt = e.lastDecayAt.Add(time.Duration(steps) * time.Second)
	if e.distraction <= 0 {
		e.distraction = 0
		e.decayActive = false
	}
}

// pauseSignal ramps with idle time: 0 below the pause threshold, linear
// 0 to 0.7 up to the long-pause threshold, then creeping toward 1.0.
func (e *Engine) pauseSignal(now time.Time) float64 {
	if !e.typedOnce {
		return 0
	}
	elapsed := now.Sub(e.lastTypingAt)
	switch {
	case elapsed < e.cfg.PauseThreshold:
		return 0
	case elapsed < e.cfg.LongPauseThreshold:
		ramp := float64(elapsed-e.cfg.PauseThreshold) /
			float64(e.cfg.LongPauseThreshold-e.cfg.PauseThreshold)
		return 0.7 * ramp
	default:
		over := (elapsed - e.cfg.LongPauseThreshold).Seconds()
		return clamp01(0.7 + over/120)
	}
}

// rewritingSignal is the max of deletion density and text similarity.
func (e *Engine) rewritingSignal(now time.Time) float64 {
	e.pruneDeletions(now)
	density := clamp01(float64(len(e.deletions)) / 10)
	similarity := e.textSimilarity()
	if density >= similarity {
		return density
	}
	return similarity
}

// textSimilarity measures how many consecutive pairs among the last 5
// snapshots share an 80%-length matching prefix. Fewer than 3 entries
// yields 0.
func (e *Engine) textSimilarity() float64 {
	recent := e.history
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	if len(recent) < 3 {
		return 0
	}
	pairs := len(recent) - 1
	matching := 0
	for i := 1; i < len(recent); i++ {
		if sharedPrefixAtLeast(recent[i-1].text, recent[i].text, 0.8) {
			matching++
		}
	}
	return clamp01(float64(matching) / float64(pairs))
}

// navigationSignal saturates at 5 scroll events inside the window.
func (e *Engine) navigationSignal(now time.Time) float64 {
	e.pruneNavigation(now)
	return clamp01(float64(len(e.navEvents)) / 5)
}

// resolveState applies the flow-state resolution order.
func (e *Engine) resolveState(now time.Time, score float64) FlowState {
	switch {
	case score >= e.cfg.StuckThreshold:
		return StateStuck
	case score >= e.cfg.FlowThreshold:
		return StatePaused
	case e.inDistraction:
		return StateDistracted
	case e.typedOnce && now.Sub(e.lastTypingAt) <= 5*time.Second:
		return StateFlowing
	default:
		return StateUnknown
	}
}

func (e *Engine) pruneDeletions(now time.Time) {
	e.deletions = pruneBefore(e.deletions, now.Add(-e.cfg.RewriteWindow))
}

func (e *Engine) pruneNavigation(now time.Time) {
	e.navEvents = pruneBefore(e.navEvents, now.Add(-e.cfg.NavigationWindow))
}

// decideTrigger is the trigger policy as a pure function of signals,
// flow state, time since the last trigger, and thresholds.
func decideTrigger(signals Signals, state FlowState, sinceTrigger time.Duration, cfg Config) TriggerDecision {
	if sinceTrigger >= 0 && sinceTrigger < cfg.CooldownPeriod {
		return TriggerDecision{StuckType: StuckNone}
	}
	if state == StateFlowing {
		return TriggerDecision{StuckType: StuckNone}
	}
	if signals.Score() < cfg.StuckThreshold {
		return TriggerDecision{StuckType: StuckNone}
	}
	return TriggerDecision{ShouldTrigger: true, StuckType: dominantSignal(signals)}
}

// dominantSignal returns the highest signal, ties breaking in the order
// pause, distraction, rewriting, searching.
func dominantSignal(s Signals) StuckType {
	best := StuckPause
	bestVal := s.Pause
	if s.Distraction > bestVal {
		best, bestVal = StuckDistraction, s.Distraction
	}
	if s.Rewriting > bestVal {
		best, bestVal = StuckRewriting, s.Rewriting
	}
	if s.Navigation > bestVal {
		best = StuckSearching
	}
	return best
}

// sharedPrefixAtLeast reports whether a and b share a common prefix
// covering at least ratio of the shorter string.
func sharedPrefixAtLeast(a, b string, ratio float64) bool {
	shorter := len(a)
	if len(b) < shorter {
		shorter = len(b)
	}
	if shorter == 0 {
		return false
	}
	need := int(float64(shorter) * ratio)
	if need == 0 {
		need = 1
	}
	if need > shorter {
		need = shorter
	}
	return strings.HasPrefix(a, b[:need]) || strings.HasPrefix(b, a[:need])
}

// pruneBefore drops timestamps older than cutoff, preserving order.
func pruneBefore(events []time.Time, cutoff time.Time) []time.Time {
	keep := events[:0]
	for _, t := range events {
		if !t.Before(cutoff) {
			keep = append(keep, t)
		}
	}
	return keep
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Stuck detection metrics.
var (
	triggersTotal     metric.Int64Counter
	distractionsTotal metric.Int64Counter

	engineMetricsOnce sync.Once
	engineMetricsErr  error
)

// initEngineMetrics initializes metrics.
func initEngineMetrics() error {
	engineMetricsOnce.Do(func() {
		var err error

		triggersTotal, err = engineMeter.Int64Counter(
			"inkwell_help_triggers_total",
			metric.WithDescription("Total help triggers by dominant signal"),
		)
		if err != nil {
			engineMetricsErr = err
			return
		}

		distractionsTotal, err = engineMeter.Int64Counter(
			"inkwell_distractions_total",
			metric.WithDescription("Total distraction events recorded"),
		)
		if err != nil {
			engineMetricsErr = err
			return
		}
	})
	return engineMetricsErr
}

// recordTriggerMetric records a fired trigger.
func recordTriggerMetric(s Signals) {
	if err := initEngineMetrics(); err != nil {
		return
	}
	triggersTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("stuck_type", string(dominantSignal(s))),
		),
	)
}

// recordDistractionMetric records a distraction event.
func recordDistractionMetric() {
	if err := initEngineMetrics(); err != nil {
		return
	}
	distractionsTotal.Add(context.Background(), 1)
}
