package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunBatches_NeverExceedsWidth(t *testing.T) {
	var current, peak atomic.Int32

	items := make([]int, 23)
	for i := range items {
		items[i] = i
	}

	results := RunBatches(context.Background(), items, 5, func(_ context.Context, _ int) error {
		now := current.Add(1)
		for {
			seen := peak.Load()
			if now <= seen || peak.CompareAndSwap(seen, now) {
				break
			}
		}
		defer current.Add(-1)

		return nil
	})

	require.Len(t, results, 23)
	assert.LessOrEqual(t, peak.Load(), int32(5))
	assert.Positive(t, peak.Load())
}

func TestRunBatches_CollectsPerItemErrors(t *testing.T) {
	boom := errors.New("boom")

	results := RunBatches(context.Background(), []string{"a", "b", "c"}, 2, func(_ context.Context, item string) error {
		if item == "b" {
			return boom
		}

		return nil
	})

	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].Item)
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, boom)
	assert.NoError(t, results[2].Err, "a failing item never stops its siblings")
}

func TestRunBatches_BatchFinishesBeforeNextStarts(t *testing.T) {
	var mu sync.Mutex
	order := []int{}

	RunBatches(context.Background(), []int{0, 1, 2, 3}, 2, func(_ context.Context, item int) error {
		mu.Lock()
		order = append(order, item/2)
		mu.Unlock()

		return nil
	})

	require.Len(t, order, 4)
	assert.Equal(t, []int{0, 0, 1, 1}, order, "the second batch only runs after the first completes")
}

func TestRunBatches_WidthBelowOneIsSerial(t *testing.T) {
	var current, peak atomic.Int32

	RunBatches(context.Background(), []int{1, 2, 3}, 0, func(_ context.Context, _ int) error {
		now := current.Add(1)
		if now > peak.Load() {
			peak.Store(now)
		}
		current.Add(-1)

		return nil
	})

	assert.Equal(t, int32(1), peak.Load())
}

func TestRunBatches_EmptyInput(t *testing.T) {
	called := false

	results := RunBatches(context.Background(), nil, 5, func(_ context.Context, _ int) error {
		called = true

		return nil
	})

	assert.Empty(t, results)
	assert.False(t, called)
}
