package flight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gridKey struct {
	episode string
	grid    int
}

func TestGet_CoalescesConcurrentCalls(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	c := NewCache(func(_ context.Context, k gridKey) (string, error) {
		calls.Add(1)
		<-release
		return k.episode + "-url", nil
	})

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Get(context.Background(), gridKey{"ep1", 0})
			assert.NoError(t, err)
			results[i] = v
		}()
	}

	require.Eventually(t, func() bool { return c.Running(gridKey{"ep1", 0}) }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, "ep1-url", r)
	}
	assert.False(t, c.Running(gridKey{"ep1", 0}))
}

func TestGet_CachesSuccessOnly(t *testing.T) {
	var calls atomic.Int32
	fail := true
	c := NewCache(func(context.Context, string) (int, error) {
		calls.Add(1)
		if fail {
			return 0, errors.New("boom")
		}
		return 7, nil
	})

	_, err := c.Get(context.Background(), "k")
	require.Error(t, err)

	fail = false
	v, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	v, err = c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestForce_Recomputes(t *testing.T) {
	var n atomic.Int32
	c := NewCache(func(context.Context, string) (int32, error) { return n.Add(1), nil })

	v, _ := c.Get(context.Background(), "k")
	assert.Equal(t, int32(1), v)
	v, _ = c.Force(context.Background(), "k")
	assert.Equal(t, int32(2), v)
	v, _ = c.Get(context.Background(), "k")
	assert.Equal(t, int32(2), v)

	c.Forget("k")
	v, _ = c.Get(context.Background(), "k")
	assert.Equal(t, int32(3), v)
}

func TestGet_WaiterHonoursContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	c := NewCache(func(context.Context, string) (int, error) {
		<-release
		return 1, nil
	})

	go func() { _, _ = c.Get(context.Background(), "k") }()
	require.Eventually(t, func() bool { return c.Running("k") }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
