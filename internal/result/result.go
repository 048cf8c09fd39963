// Package result implements the immutable-after-write result records from
// spec.md §3: StepResult, ScenarioResult, FeatureResult, SuiteResult, plus
// their aggregation rules.
package result

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the outcome of one step or the derived outcome of a scenario.
type Status int

const (
	PASSED Status = iota
	FAILED
	SKIPPED
)

func (s Status) String() string {
	switch s {
	case PASSED:
		return "passed"
	case FAILED:
		return "failed"
	case SKIPPED:
		return "skipped"
	default:
		return "unknown"
	}
}

// worse returns the worse of a and b, ordering SKIPPED < PASSED < FAILED.
func worse(a, b Status) Status {
	rank := map[Status]int{SKIPPED: 0, PASSED: 1, FAILED: 2}
	if rank[a] >= rank[b] {
		return a
	}
	return b
}

// Embed is binary content attached to a step (screen capture, response
// body) surfaced in reports.
type Embed struct {
	MimeType string
	Data     []byte
}

// StepText names the step a result belongs to, enough for a report without
// a hard dependency on the gherkin package.
type StepText struct {
	Keyword string
	Text    string
	Line    int
}

// StepResult is built once by NewStepResult; Log/Embeds may append after
// construction (invariant 1: status is written exactly once).
type StepResult struct {
	Step          StepText
	Status        Status
	StartMillis   int64
	DurationNanos int64
	Err           error

	mu      sync.Mutex
	log     []string
	embeds  []Embed
	callRes []*ScenarioResult
}

// NewStepResult constructs a StepResult with its terminal status fixed.
func NewStepResult(step StepText, status Status, start time.Time, duration time.Duration, err error) *StepResult {
	return &StepResult{
		Step:          step,
		Status:        status,
		StartMillis:   start.UnixMilli(),
		DurationNanos: duration.Nanoseconds(),
		Err:           err,
	}
}

// AppendLog adds a log line after construction.
func (r *StepResult) AppendLog(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, line)
}

// AppendEmbed attaches binary content after construction.
func (r *StepResult) AppendEmbed(e Embed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeds = append(r.embeds, e)
}

// AppendCallResult records a nested feature call's result for reporting.
func (r *StepResult) AppendCallResult(sr *ScenarioResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callRes = append(r.callRes, sr)
}

// Log returns a snapshot of the accumulated log lines.
func (r *StepResult) Log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.log))
	copy(out, r.log)
	return out
}

// Embeds returns a snapshot of the accumulated embeds.
func (r *StepResult) Embeds() []Embed {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Embed, len(r.embeds))
	copy(out, r.embeds)
	return out
}

// ScenarioResult is the per-scenario result tree: scenario identity plus
// its ordered step results. Status is derived from the worst step.
type ScenarioResult struct {
	ID           string
	FeatureName  string
	Resource     string
	ScenarioName string
	Line         int
	ExampleIndex int
	ThreadName   string
	StartMillis  int64
	EndMillis    int64

	mu        sync.Mutex
	steps     []*StepResult
	failTagApplied bool
	inverted  bool
}

// NewScenarioResult starts a result with a fresh run id and start time.
func NewScenarioResult(featureName, resource, scenarioName string, line, exampleIndex int, threadName string) *ScenarioResult {
	return &ScenarioResult{
		ID:           uuid.NewString(),
		FeatureName:  featureName,
		Resource:     resource,
		ScenarioName: scenarioName,
		Line:         line,
		ExampleIndex: exampleIndex,
		ThreadName:   threadName,
		StartMillis:  time.Now().UnixMilli(),
	}
}

// AddStep appends a completed StepResult in execution order.
func (s *ScenarioResult) AddStep(r *StepResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, r)
}

// Steps returns the accumulated step results in order.
func (s *ScenarioResult) Steps() []*StepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*StepResult, len(s.steps))
	copy(out, s.steps)
	return out
}

// End marks scenario completion time. Must run after ApplyFailTag per
// spec.md §5 ordering guarantee.
func (s *ScenarioResult) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EndMillis = time.Now().UnixMilli()
}

// rawStatus derives the worst-of-steps status, ignoring any @fail
// inversion. A scenario with no steps is PASSED; one whose steps are all
// SKIPPED is SKIPPED.
func (s *ScenarioResult) rawStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steps) == 0 {
		return PASSED
	}
	st := SKIPPED
	for _, step := range s.steps {
		st = worse(st, step.Status)
	}
	return st
}

// Status returns the scenario's current status, including any @fail
// inversion already applied.
func (s *ScenarioResult) Status() Status {
	raw := s.rawStatus()
	s.mu.Lock()
	inverted := s.inverted
	s.mu.Unlock()
	if !inverted {
		return raw
	}
	return invert(raw)
}

func invert(s Status) Status {
	switch s {
	case PASSED:
		return FAILED
	case FAILED:
		return PASSED
	default:
		return s // SKIPPED never changes (testable property 9)
	}
}

// ApplyFailTag inverts PASSED<->FAILED exactly once; SKIPPED is untouched.
// Calling it more than once is a no-op (invariant 1).
func (s *ScenarioResult) ApplyFailTag() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failTagApplied {
		return
	}
	s.failTagApplied = true
	s.inverted = true
}

// FirstError returns the first non-nil step error, or nil.
func (s *ScenarioResult) FirstError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, step := range s.steps {
		if step.Err != nil {
			return step.Err
		}
	}
	return nil
}

// Passed reports whether the scenario's final status is PASSED.
func (s *ScenarioResult) Passed() bool {
	return s.Status() == PASSED
}
