// Package listener implements the ResultListener bus from spec.md §2:
// event fan-out for suite/feature lifecycle and scenario enter/exit,
// consumed by internal/report and any dashboard attached through the
// websocket transport in websocket.go.
package listener

import (
	"sync"

	"github.com/relaytest/karate-go/internal/result"
)

// ScenarioEvent fires at SCENARIO_ENTER/SCENARIO_EXIT (spec.md §4.5
// steps 6 and 10).
type ScenarioEvent struct {
	Phase    string // "enter" | "exit"
	Scenario *result.ScenarioResult
}

// ResultListener receives suite lifecycle and scenario enter/exit
// events. Implementations must not block the dispatcher goroutine for
// long; Suite runs listener notifications as background tasks and joins
// them before Suite.Run returns (spec.md §4.7).
type ResultListener interface {
	OnSuiteStart(s *result.SuiteResult)
	OnFeatureEnd(f *result.FeatureResult)
	OnSuiteEnd(s *result.SuiteResult)
	OnScenario(e ScenarioEvent)
}

// Bus fans every event out to its registered listeners, running each
// listener's callback in its own goroutine and tracking them with a
// WaitGroup so Suite can join before returning, per spec.md §4.7's "the
// suite joins all listener tasks before returning".
type Bus struct {
	mu        sync.RWMutex
	listeners []ResultListener
	wg        sync.WaitGroup
}

// New returns an empty Bus.
func New() *Bus { return &Bus{} }

// Register adds l to the fan-out set. Safe to call concurrently with
// Notify* calls; a Notify* call already in flight does not reach l.
func (b *Bus) Register(l ResultListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

func (b *Bus) snapshot() []ResultListener {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ResultListener, len(b.listeners))
	copy(out, b.listeners)
	return out
}

// NotifySuiteStart fans out OnSuiteStart to every listener asynchronously.
func (b *Bus) NotifySuiteStart(s *result.SuiteResult) {
	for _, l := range b.snapshot() {
		l := l
		b.wg.Add(1)
		go func() { defer b.wg.Done(); l.OnSuiteStart(s) }()
	}
}

// NotifyFeatureEnd fans out OnFeatureEnd to every listener asynchronously.
func (b *Bus) NotifyFeatureEnd(f *result.FeatureResult) {
	for _, l := range b.snapshot() {
		l := l
		b.wg.Add(1)
		go func() { defer b.wg.Done(); l.OnFeatureEnd(f) }()
	}
}

// NotifySuiteEnd fans out OnSuiteEnd to every listener asynchronously.
func (b *Bus) NotifySuiteEnd(s *result.SuiteResult) {
	for _, l := range b.snapshot() {
		l := l
		b.wg.Add(1)
		go func() { defer b.wg.Done(); l.OnSuiteEnd(s) }()
	}
}

// NotifyScenario fans out a SCENARIO_ENTER/EXIT event to every listener.
func (b *Bus) NotifyScenario(e ScenarioEvent) {
	for _, l := range b.snapshot() {
		l := l
		b.wg.Add(1)
		go func() { defer b.wg.Done(); l.OnScenario(e) }()
	}
}

// Join blocks until every dispatched listener callback has returned.
func (b *Bus) Join() {
	b.wg.Wait()
}
