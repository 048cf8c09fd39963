package result

import (
	"sync"
	"time"
)

// FeatureResult is the ordered list of ScenarioResult produced by one
// feature, plus aggregate counts. CALLONCE_CACHE/SETUPONCE_CACHE live here
// per spec.md §3/§4.3 (feature-scoped, never invalidated within the run).
type FeatureResult struct {
	Resource string
	Name     string

	mu        sync.Mutex
	scenarios []*ScenarioResult

	callOnce  sync.Map // key -> *cacheEntry
	setupOnce sync.Map // key -> *cacheEntry
}

type cacheEntry struct {
	mu    sync.Mutex
	ready bool
	value map[string]interface{}
	err   error
}

// NewFeatureResult starts an empty result for the named feature.
func NewFeatureResult(resource, name string) *FeatureResult {
	return &FeatureResult{Resource: resource, Name: name}
}

// AddScenario appends a completed ScenarioResult. Mutex-guarded, so safe
// for concurrent use.
func (f *FeatureResult) AddScenario(sr *ScenarioResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scenarios = append(f.scenarios, sr)
}

// Scenarios returns the accumulated scenario results in completion order.
func (f *FeatureResult) Scenarios() []*ScenarioResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*ScenarioResult, len(f.scenarios))
	copy(out, f.scenarios)
	return out
}

// Passed reports whether every scenario in the feature passed.
func (f *FeatureResult) Passed() bool {
	for _, sr := range f.Scenarios() {
		if !sr.Passed() {
			return false
		}
	}
	return true
}

// Counts returns {passed, failed, total}; every scenario that did not pass
// counts as failed.
func (f *FeatureResult) Counts() (passed, failed, total int) {
	for _, sr := range f.Scenarios() {
		total++
		if sr.Passed() {
			passed++
		} else {
			failed++
		}
	}
	return
}

// cacheGet implements the double-checked-locking read/compute/store
// protocol shared by callonce and setupOnce (spec.md §4.3): fast unlocked
// read, lock on miss, re-check, compute, cache, return a deep copy.
func cacheGet(store *sync.Map, key string, compute func() (map[string]interface{}, error)) (map[string]interface{}, error) {
	if v, ok := store.Load(key); ok {
		e := v.(*cacheEntry)
		e.mu.Lock()
		ready, val, err := e.ready, e.value, e.err
		e.mu.Unlock()
		if ready {
			return deepCopyMap(val), rewrap(err)
		}
	}

	actual, _ := store.LoadOrStore(key, &cacheEntry{})
	e := actual.(*cacheEntry)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ready {
		return deepCopyMap(e.value), rewrap(e.err)
	}

	val, err := compute()
	e.value = val
	e.err = err
	e.ready = true
	return deepCopyMap(val), err
}

// CallOnceError wraps a cached executor failure; re-raised verbatim on
// every subsequent caller so a failed callonce fails fast for everyone.
type CallOnceError struct {
	Cause error
}

func (e *CallOnceError) Error() string { return e.Cause.Error() }
func (e *CallOnceError) Unwrap() error { return e.Cause }

func rewrap(err error) error {
	if err == nil {
		return nil
	}
	return &CallOnceError{Cause: err}
}

// CallOnce runs compute at most once per key for this feature's lifetime.
func (f *FeatureResult) CallOnce(key string, compute func() (map[string]interface{}, error)) (map[string]interface{}, error) {
	return cacheGet(&f.callOnce, key, compute)
}

// SetupOnce runs compute at most once per setup-scenario name for this
// feature's lifetime.
func (f *FeatureResult) SetupOnce(key string, compute func() (map[string]interface{}, error)) (map[string]interface{}, error) {
	return cacheGet(&f.setupOnce, key, compute)
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyAny(v)
	}
	return out
}

func deepCopyAny(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = deepCopyAny(e)
		}
		return out
	default:
		return v
	}
}

// FeatureEndEvent is emitted to listeners when a feature finishes.
type FeatureEndEvent struct {
	Result   *FeatureResult
	EndedAt  time.Time
}
