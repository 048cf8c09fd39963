package callcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUCacheGetMissReturnsNotFound(t *testing.T) {
	c, err := NewLRUCache(10, nil)
	require.NoError(t, err)

	var dest map[string]interface{}
	err = c.Get(context.Background(), "missing", &dest)
	assert.True(t, IsNotFound(err))
}

func TestLRUCacheSetThenGetRoundTrips(t *testing.T) {
	c, err := NewLRUCache(10, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", map[string]interface{}{"a": float64(1)}, time.Minute))

	var dest map[string]interface{}
	require.NoError(t, c.Get(ctx, "k", &dest))
	assert.Equal(t, float64(1), dest["a"])
}

func TestLRUCacheExpiresEntries(t *testing.T) {
	c, err := NewLRUCache(10, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	var dest string
	err = c.Get(ctx, "k", &dest)
	assert.True(t, IsNotFound(err))
}

func TestRedisCacheRoundTripsAgainstMiniredis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	c, err := NewRedisCache(mr.Addr(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", map[string]interface{}{"x": "y"}, time.Minute))

	exists, err := c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)

	var dest map[string]interface{}
	require.NoError(t, c.Get(ctx, "k", &dest))
	assert.Equal(t, "y", dest["x"])

	require.NoError(t, c.Delete(ctx, "k"))
	exists, err = c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSingleComputesExactlyOnceUnderConcurrency(t *testing.T) {
	cache, err := NewLRUCache(10, nil)
	require.NoError(t, err)
	single := NewSingle(cache, func() int64 { return 60 })

	var calls int32
	compute := func() (map[string]interface{}, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(5 * time.Millisecond)
		return map[string]interface{}{"v": float64(42)}, nil
	}

	var wg sync.WaitGroup
	results := make([]map[string]interface{}, 20)
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := single.Do(context.Background(), "shared-key", compute)
			require.NoError(t, err)
			results[i] = v
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, r := range results {
		assert.Equal(t, float64(42), r["v"])
	}
}

func TestSingleFailureIsCachedAndFailsFastOnSubsequentReads(t *testing.T) {
	cache, err := NewLRUCache(10, nil)
	require.NoError(t, err)
	single := NewSingle(cache, func() int64 { return 60 })

	var calls int32
	alwaysFails := func() (map[string]interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, assert.AnError
	}

	_, err1 := single.Do(context.Background(), "k", alwaysFails)
	require.Error(t, err1)

	_, err2 := single.Do(context.Background(), "k", alwaysFails)
	require.Error(t, err2)

	var singleErr *Error
	require.ErrorAs(t, err2, &singleErr)
	assert.Equal(t, err1.Error(), err2.Error())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "compute must run at most once even after failure")
}
