package p2p

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue[int]()
	_, ok := q.TryPop()
	assert.False(t, ok)

	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	assert.Equal(t, 5, q.Len())
	for i := 0; i < 5; i++ {
		v, ok := q.TryPop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueuePopWaitsForPush(t *testing.T) {
	q := NewQueue[string]()
	done := make(chan string)
	go func() {
		v, err := q.Pop(context.Background())
		assert.NoError(t, err)
		done <- v
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push("hello")

	select {
	case v := <-done:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake up")
	}
}

func TestQueuePopHonoursContext(t *testing.T) {
	q := NewQueue[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueConcurrentConsumersSeeEveryItemOnce(t *testing.T) {
	q := NewQueue[int]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const items = 500
	var (
		mu  sync.Mutex
		got = make(map[int]int)
		wg  sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, err := q.Pop(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				got[v]++
				n := len(got)
				mu.Unlock()
				if n == items {
					cancel()
				}
			}
		}()
	}
	for i := 0; i < items; i++ {
		q.Push(i)
	}
	wg.Wait()

	require.Len(t, got, items)
	for v, n := range got {
		assert.Equal(t, 1, n, "item %d delivered %d times", v, n)
	}
}
