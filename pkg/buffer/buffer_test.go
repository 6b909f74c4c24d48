package buffer

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/c360/depthgraph/errors"
	"github.com/c360/depthgraph/metric"
)

func newBlocking(t *testing.T, capacity int, policy OverflowPolicy) Blocking[int] {
	t.Helper()
	buf, err := NewBlockingBuffer[int](capacity, WithOverflowPolicy[int](policy))
	require.NoError(t, err)
	t.Cleanup(func() { _ = buf.Close() })
	return buf
}

func TestCircularBufferBasicOperations(t *testing.T) {
	buf, err := NewCircularBuffer[string](3)
	require.NoError(t, err)
	defer buf.Close()

	assert.True(t, buf.IsEmpty())
	assert.Equal(t, 3, buf.Capacity())

	for _, s := range []string{"first", "second", "third"} {
		require.NoError(t, buf.Write(s))
	}
	assert.True(t, buf.IsFull())
	assert.Equal(t, 3, buf.Size())

	v, ok := buf.Peek()
	require.True(t, ok)
	assert.Equal(t, "first", v)
	assert.Equal(t, 3, buf.Size(), "peek must not consume")

	v, ok = buf.Read()
	require.True(t, ok)
	assert.Equal(t, "first", v)

	assert.Equal(t, []string{"second", "third"}, buf.ReadBatch(10))
	_, ok = buf.Read()
	assert.False(t, ok)
	assert.Nil(t, buf.ReadBatch(0))
}

func TestCircularBufferMinimumCapacity(t *testing.T) {
	buf, err := NewCircularBuffer[int](0)
	require.NoError(t, err)
	defer buf.Close()
	assert.Equal(t, 1, buf.Capacity())
}

func TestCircularBufferOverflowPolicies(t *testing.T) {
	tests := []struct {
		name     string
		policy   OverflowPolicy
		expected []int
		dropped  []int
	}{
		{"DropOldest", DropOldest, []int{3, 4, 5}, []int{1, 2}},
		{"DropNewest", DropNewest, []int{1, 2, 3}, []int{4, 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mu sync.Mutex
			var dropped []int
			buf, err := NewCircularBuffer[int](3,
				WithOverflowPolicy[int](tt.policy),
				WithDropCallback[int](func(item int) {
					mu.Lock()
					dropped = append(dropped, item)
					mu.Unlock()
				}))
			require.NoError(t, err)
			defer buf.Close()

			for i := 1; i <= 5; i++ {
				require.NoError(t, buf.Write(i))
			}

			assert.Equal(t, tt.expected, buf.ReadBatch(10))
			mu.Lock()
			assert.Equal(t, tt.dropped, dropped)
			mu.Unlock()
			assert.Equal(t, int64(2), buf.Stats().Drops())
			assert.Equal(t, int64(2), buf.Stats().Overflows())
		})
	}
}

func TestCircularBufferWrapAround(t *testing.T) {
	buf := newBlocking(t, 3, DropOldest)

	var got []int
	for i := 0; i < 10; i++ {
		require.NoError(t, buf.Write(i))
		if i%2 == 1 {
			v, ok := buf.Read()
			require.True(t, ok)
			got = append(got, v)
		}
	}
	got = append(got, buf.ReadAll()...)

	// FIFO order survives wrap-around even though some items were evicted.
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1], got[i])
	}
	assert.Equal(t, 9, got[len(got)-1])
}

func TestCircularBufferStatistics(t *testing.T) {
	buf, err := NewCircularBuffer[int](4)
	require.NoError(t, err)
	defer buf.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, buf.Write(i))
	}
	_, _ = buf.Peek()
	_, _ = buf.Read()

	s := buf.Stats().Summary()
	assert.Equal(t, int64(3), s.Writes)
	assert.Equal(t, int64(1), s.Reads)
	assert.Equal(t, int64(1), s.Peeks)
	assert.Equal(t, int64(2), s.CurrentSize)
	assert.Equal(t, int64(3), s.MaxSize)
	assert.Zero(t, s.DropRate)

	buf.Stats().Reset()
	assert.Zero(t, buf.Stats().Writes())
}

func TestCircularBufferClear(t *testing.T) {
	var dropped []int
	buf, err := NewCircularBuffer[int](3, WithDropCallback[int](func(i int) { dropped = append(dropped, i) }))
	require.NoError(t, err)
	defer buf.Close()

	_ = buf.Write(1)
	_ = buf.Write(2)
	buf.Clear()

	assert.True(t, buf.IsEmpty())
	assert.Equal(t, []int{1, 2}, dropped)
}

func TestCircularBufferThreadSafety(t *testing.T) {
	buf := newBlocking(t, 64, Block)

	const producers, perProducer = 4, 250
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				assert.NoError(t, buf.Write(i))
			}
		}()
	}

	received := 0
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for received < producers*perProducer {
		items, err := buf.ReadAllWithContext(ctx)
		require.NoError(t, err)
		received += len(items)
	}
	wg.Wait()
	assert.Equal(t, producers*perProducer, received)
}

func TestReadWithContext(t *testing.T) {
	t.Run("returns buffered item", func(t *testing.T) {
		buf := newBlocking(t, 2, Block)
		require.NoError(t, buf.Write(7))
		v, err := buf.ReadWithContext(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 7, v)
	})

	t.Run("waits for writer", func(t *testing.T) {
		buf := newBlocking(t, 2, Block)
		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = buf.Write(9)
		}()
		v, err := buf.ReadWithContext(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 9, v)
	})

	t.Run("deadline", func(t *testing.T) {
		buf := newBlocking(t, 2, Block)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		start := time.Now()
		_, err := buf.ReadWithContext(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	})

	t.Run("close wakes reader", func(t *testing.T) {
		buf := newBlocking(t, 2, Block)
		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = buf.Close()
		}()
		_, err := buf.ReadWithContext(context.Background())
		assert.ErrorIs(t, err, cerrors.ErrAlreadyStopped)
	})

	t.Run("closed with items still reports closed", func(t *testing.T) {
		buf := newBlocking(t, 2, Block)
		require.NoError(t, buf.Write(1))
		require.NoError(t, buf.Close())
		_, err := buf.ReadWithContext(context.Background())
		assert.ErrorIs(t, err, cerrors.ErrAlreadyStopped)
		_, err = buf.ReadAllWithContext(context.Background())
		assert.ErrorIs(t, err, cerrors.ErrAlreadyStopped)

		v, ok := buf.Read()
		assert.True(t, ok, "plain Read still drains")
		assert.Equal(t, 1, v)
	})
}

func TestBlockingWrite(t *testing.T) {
	t.Run("unblocks on read", func(t *testing.T) {
		buf := newBlocking(t, 1, Block)
		require.NoError(t, buf.Write(1))

		done := make(chan error, 1)
		go func() { done <- buf.Write(2) }()

		select {
		case <-done:
			t.Fatal("write should block while full")
		case <-time.After(30 * time.Millisecond):
		}

		_, _ = buf.Read()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("write did not unblock")
		}
		assert.Equal(t, int64(1), buf.Stats().Blocks())
	})

	t.Run("context cancellation", func(t *testing.T) {
		buf := newBlocking(t, 1, Block)
		require.NoError(t, buf.Write(1))

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
				defer cancel()
				assert.ErrorIs(t, buf.WriteWithContext(ctx, i), context.DeadlineExceeded)
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, buf.Size())
	})

	t.Run("policy change releases writer", func(t *testing.T) {
		buf := newBlocking(t, 1, Block)
		require.NoError(t, buf.Write(1))

		done := make(chan error, 1)
		go func() { done <- buf.Write(2) }()
		time.Sleep(20 * time.Millisecond)

		buf.SetOverflowPolicy(DropOldest)
		require.NoError(t, <-done)
		assert.Equal(t, []int{2}, buf.ReadAll())
		assert.Equal(t, DropOldest, buf.OverflowPolicy())
	})

	t.Run("close releases writer", func(t *testing.T) {
		buf := newBlocking(t, 1, Block)
		require.NoError(t, buf.Write(1))

		done := make(chan error, 1)
		go func() { done <- buf.Write(2) }()
		time.Sleep(20 * time.Millisecond)

		require.NoError(t, buf.Close())
		err := <-done
		assert.ErrorIs(t, err, cerrors.ErrAlreadyStopped)
		assert.True(t, buf.IsClosed())
	})
}

func TestWaitWritable(t *testing.T) {
	buf := newBlocking(t, 1, Block)
	require.NoError(t, buf.WaitWritable(context.Background()))

	require.NoError(t, buf.Write(1))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, buf.WaitWritable(ctx), context.DeadlineExceeded)

	buf.SetOverflowPolicy(DropOldest)
	assert.NoError(t, buf.WaitWritable(context.Background()), "non-blocking policies never wait")
}

func TestSetCapacity(t *testing.T) {
	buf := newBlocking(t, 4, DropOldest)
	for i := 1; i <= 4; i++ {
		require.NoError(t, buf.Write(i))
	}

	buf.SetCapacity(2)
	assert.Equal(t, 4, buf.Size(), "shrinking keeps items")
	assert.True(t, buf.IsFull())

	// A write against the shrunk bound evicts down to capacity-1 first.
	require.NoError(t, buf.Write(5))
	assert.Equal(t, []int{4, 5}, buf.ReadAll())

	buf.SetCapacity(0)
	assert.Equal(t, 1, buf.Capacity())

	buf.SetCapacity(8)
	for i := 0; i < 8; i++ {
		require.NoError(t, buf.Write(i))
	}
	assert.Equal(t, 8, buf.Size())
	assert.Equal(t, int64(3), buf.Stats().Drops())
}

func TestSetCapacityReleasesBlockedWriter(t *testing.T) {
	buf := newBlocking(t, 1, Block)
	require.NoError(t, buf.Write(1))

	done := make(chan error, 1)
	go func() { done <- buf.Write(2) }()
	time.Sleep(20 * time.Millisecond)

	buf.SetCapacity(2)
	require.NoError(t, <-done)
	assert.Equal(t, []int{1, 2}, buf.ReadAll())
}

func TestClosedWriteError(t *testing.T) {
	buf, err := NewCircularBuffer[int](2)
	require.NoError(t, err)
	require.NoError(t, buf.Close())
	require.NoError(t, buf.Close(), "close is idempotent")

	err = buf.Write(1)
	require.Error(t, err)

	var ce *cerrors.ClassifiedError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, cerrors.ErrorInvalid, ce.Class)
	assert.Equal(t, "Buffer", ce.Component)
	assert.Equal(t, "Write", ce.Operation)
	assert.ErrorIs(t, err, cerrors.ErrAlreadyStopped)
}

func TestBufferMetrics(t *testing.T) {
	reg := metric.NewMetricsRegistry()

	buf, err := NewBlockingBuffer[int](2, WithMetrics[int](reg, "queue_test"))
	require.NoError(t, err)

	_ = buf.Write(1)
	_ = buf.Write(2)
	_ = buf.Write(3)

	families, err := reg.PrometheusRegistry().Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if m.GetCounter() != nil {
				values[mf.GetName()] = m.GetCounter().GetValue()
			} else if m.GetGauge() != nil {
				values[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 3.0, values["depthgraph_buffer_writes_total"])
	assert.Equal(t, 1.0, values["depthgraph_buffer_drops_total"])
	assert.Equal(t, 2.0, values["depthgraph_buffer_size"])

	// Duplicate owner fails until the first buffer closes.
	_, err = NewBlockingBuffer[int](2, WithMetrics[int](reg, "queue_test"))
	require.Error(t, err)

	require.NoError(t, buf.Close())
	other, err := NewBlockingBuffer[int](2, WithMetrics[int](reg, "queue_test"))
	require.NoError(t, err)
	_ = other.Close()
}

func TestBlockingNoGoroutineLeaks(t *testing.T) {
	before := runtime.NumGoroutine()

	buf := newBlocking(t, 1, Block)
	require.NoError(t, buf.Write(1))
	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		_ = buf.WriteWithContext(ctx, i)
		_, _ = buf.ReadWithContext(ctx)
		cancel()
	}

	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, runtime.NumGoroutine(), before+2)
}
