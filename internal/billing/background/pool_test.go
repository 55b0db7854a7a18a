package background

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsTasks(t *testing.T) {
	p := NewPool(2, 8)
	p.Start(context.Background())

	var mu sync.Mutex
	var ran []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		require.True(t, p.Submit(name, func(ctx context.Context) error {
			mu.Lock()
			ran = append(ran, name)
			mu.Unlock()
			return nil
		}))
	}
	p.Close()

	assert.ElementsMatch(t, []string{"a", "b", "c"}, ran)
	completed, failed, dropped := p.Stats()
	assert.Equal(t, int64(3), completed)
	assert.Zero(t, failed)
	assert.Zero(t, dropped)
}

func TestPoolDropsWhenFull(t *testing.T) {
	p := NewPool(1, 1)
	// Not started: the single queue slot fills and the next submit drops.
	require.True(t, p.Submit("first", func(context.Context) error { return nil }))
	assert.False(t, p.Submit("second", func(context.Context) error { return nil }))

	p.Start(context.Background())
	p.Close()

	completed, _, dropped := p.Stats()
	assert.Equal(t, int64(1), completed)
	assert.Equal(t, int64(1), dropped)
}

func TestPoolRecoversPanicsAndCountsFailures(t *testing.T) {
	p := NewPool(1, 4)
	results := make(map[string]error)
	var mu sync.Mutex
	p.OnResult = func(name string, err error) {
		mu.Lock()
		results[name] = err
		mu.Unlock()
	}
	p.Start(context.Background())

	p.Submit("boom", func(context.Context) error { panic("kaboom") })
	p.Submit("fail", func(context.Context) error { return errors.New("nope") })
	p.Submit("ok", func(context.Context) error { return nil })
	p.Close()

	require.Len(t, results, 3)
	assert.ErrorContains(t, results["boom"], "kaboom")
	assert.EqualError(t, results["fail"], "nope")
	assert.NoError(t, results["ok"])

	_, failed, _ := p.Stats()
	assert.Equal(t, int64(2), failed)
}

func TestPoolAppliesTaskTimeout(t *testing.T) {
	p := NewPool(1, 1)
	p.SetTaskTimeout(20 * time.Millisecond)
	p.Start(context.Background())

	errCh := make(chan error, 1)
	p.Submit("slow", func(ctx context.Context) error {
		<-ctx.Done()
		errCh <- ctx.Err()
		return ctx.Err()
	})
	p.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("task did not observe its deadline")
	}
}

func TestSubmitAfterCloseDrops(t *testing.T) {
	p := NewPool(1, 1)
	p.Start(context.Background())
	p.Close()

	assert.False(t, p.Submit("late", func(context.Context) error { return nil }))
}
