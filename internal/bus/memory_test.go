package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	b := NewMemoryBus(nil, 4)
	defer b.Close()

	var got atomic.Int64
	b.Subscribe("workflow.step.completed", func(ctx context.Context, evt Event) error {
		assert.Equal(t, "exec-1", evt.ExecutionID)
		got.Add(1)
		return nil
	})
	b.Subscribe("workflow.step.completed", func(ctx context.Context, evt Event) error {
		got.Add(1)
		return nil
	})
	b.Subscribe("workflow.execution.created", func(ctx context.Context, evt Event) error {
		t.Error("wrong event type delivered")
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), Event{
		Type: "workflow.step.completed", ExecutionID: "exec-1",
	}))
	b.Drain()
	assert.Equal(t, int64(2), got.Load())
}

func TestPublishNoSubscribers(t *testing.T) {
	b := NewMemoryBus(nil, 4)
	defer b.Close()

	require.NoError(t, b.Publish(context.Background(), Event{Type: "nobody.cares"}))
	b.Drain()
}

func TestHandlerErrorDoesNotPropagate(t *testing.T) {
	b := NewMemoryBus(nil, 4)
	defer b.Close()

	b.Subscribe("evt", func(ctx context.Context, evt Event) error {
		return errors.New("boom")
	})

	require.NoError(t, b.Publish(context.Background(), Event{Type: "evt"}))
	b.Drain()
}

func TestHandlerPanicRecovered(t *testing.T) {
	b := NewMemoryBus(nil, 4)
	defer b.Close()

	var after atomic.Bool
	b.Subscribe("evt", func(ctx context.Context, evt Event) error {
		panic("boom")
	})
	b.Subscribe("evt", func(ctx context.Context, evt Event) error {
		after.Store(true)
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), Event{Type: "evt"}))
	b.Drain()
	assert.True(t, after.Load())
}

func TestDrainWaitsForCascades(t *testing.T) {
	b := NewMemoryBus(nil, 4)
	defer b.Close()

	var depth2 atomic.Bool
	b.Subscribe("first", func(ctx context.Context, evt Event) error {
		return b.Publish(ctx, Event{Type: "second"})
	})
	b.Subscribe("second", func(ctx context.Context, evt Event) error {
		depth2.Store(true)
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), Event{Type: "first"}))
	b.Drain()
	assert.True(t, depth2.Load())
}

func TestPublishAfterClose(t *testing.T) {
	b := NewMemoryBus(nil, 4)
	b.Close()

	err := b.Publish(context.Background(), Event{Type: "evt"})
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestConcurrentPublish(t *testing.T) {
	b := NewMemoryBus(nil, 8)
	defer b.Close()

	var count atomic.Int64
	b.Subscribe("evt", func(ctx context.Context, evt Event) error {
		count.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, b.Publish(context.Background(), Event{Type: "evt"}))
		}()
	}
	wg.Wait()
	b.Drain()
	assert.Equal(t, int64(50), count.Load())
}
