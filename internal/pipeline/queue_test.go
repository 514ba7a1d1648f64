package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestQueueOverflowDropsNewest verifies that pushing one item more than the
// capacity drops exactly that item, bumps the overflow counter, and leaves
// the earlier items queued in order.
func TestQueueOverflowDropsNewest(t *testing.T) {
	t.Parallel()

	const capacity = 5
	q := NewQueue[int](capacity)

	for i := 1; i <= capacity; i++ {
		require.True(t, q.Push(i), "push %d should fit", i)
	}
	require.False(t, q.Push(capacity+1), "push beyond capacity should be rejected")

	assert.Equal(t, uint64(1), q.Dropped())
	assert.Equal(t, capacity, q.Len())

	for i := 1; i <= capacity; i++ {
		got, ok := q.Pop(10 * time.Millisecond)
		require.True(t, ok)
		assert.Equal(t, i, got, "items must come out in arrival order")
	}
}

// TestQueuePopTimeout verifies that Pop on an empty queue returns after
// roughly the timeout with ok=false rather than blocking.
func TestQueuePopTimeout(t *testing.T) {
	t.Parallel()

	q := NewQueue[string](1)

	start := time.Now()
	_, ok := q.Pop(50 * time.Millisecond)
	elapsed := time.Since(start)

	assert.False(t, ok)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second, "pop must not block far past its timeout")
}

// TestQueuePopReceivesConcurrentPush verifies that a waiting Pop picks up an
// item pushed from another goroutine before the timeout expires.
func TestQueuePopReceivesConcurrentPush(t *testing.T) {
	t.Parallel()

	q := NewQueue[int](1)

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push(42)
	}()

	got, ok := q.Pop(time.Second)
	require.True(t, ok)
	assert.Equal(t, 42, got)
}

// TestQueueFIFOUnderRefill verifies ordering survives interleaved pops and
// pushes.
func TestQueueFIFOUnderRefill(t *testing.T) {
	t.Parallel()

	q := NewQueue[int](3)
	next := 0
	push := func(n int) {
		for i := 0; i < n; i++ {
			next++
			require.True(t, q.Push(next))
		}
	}

	push(3)
	got, ok := q.Pop(10 * time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, 1, got)

	push(1)
	for want := 2; want <= 4; want++ {
		got, ok := q.Pop(10 * time.Millisecond)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, uint64(0), q.Dropped())
}

// TestQueueAccessors covers Len and Cap bookkeeping.
func TestQueueAccessors(t *testing.T) {
	t.Parallel()

	q := NewQueue[int](4)
	assert.Equal(t, 4, q.Cap())
	assert.Equal(t, 0, q.Len())

	q.Push(1)
	q.Push(2)
	assert.Equal(t, 2, q.Len())

	q.Pop(10 * time.Millisecond)
	assert.Equal(t, 1, q.Len())
}
