package callcache

import (
	"context"
	"sync"
	"time"
)

// entry tracks one key's in-flight/completed state, success or failure,
// mirroring internal/result/feature.go's cacheGet protocol but scoped to
// the whole suite rather than one feature.
type entry struct {
	mu    sync.Mutex
	ready bool
	value map[string]interface{}
	err   error
}

// Single wraps a Cache with the compute-at-most-once protocol
// callSingle needs (spec.md §4.3): a Cache implementation alone only
// gives Get/Set, not exactly-once computation under concurrent workers
// racing on the same key, so this layer adds the same double-checked
// in-flight tracking internal/result uses for callonce/setupOnce, scoped
// to the whole suite rather than one feature.
type Single struct {
	cache Cache
	ttl   func() int64 // seconds; resolved lazily so config can change before first use

	entries sync.Map // key -> *entry
}

// NewSingle builds a suite-scope callSingle memoizer over cache.
// ttlSeconds is read at call time, not construction time, each time a
// computed value is written to the backing cache; it does not expire
// values already held in memory by this Single.
func NewSingle(cache Cache, ttlSeconds func() int64) *Single {
	return &Single{cache: cache, ttl: ttlSeconds}
}

// rewrapSingle wraps a cached callSingle failure in an Error with code
// CALL_SINGLE_FAILED whose message is the original failure's, re-raised
// verbatim on every subsequent caller so a failed callSingle fails fast
// for everyone, per spec.md §4.3's CallSingleException{cause}.
func rewrapSingle(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Message: err.Error(), Code: "CALL_SINGLE_FAILED"}
}

// Do returns the cached value for key, computing it at most once across
// all concurrent callers. Concurrent callers for the same key while a
// computation is in flight block until it completes, then read the
// cached result (or the cached, wrapped error) rather than recomputing.
func (s *Single) Do(ctx context.Context, key string, compute func() (map[string]interface{}, error)) (map[string]interface{}, error) {
	if v, ok := s.entries.Load(key); ok {
		e := v.(*entry)
		e.mu.Lock()
		ready, val, err := e.ready, e.value, e.err
		e.mu.Unlock()
		if ready {
			return deepCopyMap(val), rewrapSingle(err)
		}
	} else {
		var out map[string]interface{}
		if err := s.cache.Get(ctx, key, &out); err == nil {
			return out, nil
		}
	}

	actual, _ := s.entries.LoadOrStore(key, &entry{})
	e := actual.(*entry)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ready {
		return deepCopyMap(e.value), rewrapSingle(e.err)
	}

	val, err := compute()
	e.value = val
	e.err = err
	e.ready = true
	if err != nil {
		return nil, rewrapSingle(err)
	}

	var ttl time.Duration
	if s.ttl != nil {
		ttl = time.Duration(s.ttl()) * time.Second
	}
	if setErr := s.cache.Set(ctx, key, val, ttl); setErr != nil {
		return deepCopyMap(val), setErr
	}
	return deepCopyMap(val), nil
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
