package batcher

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"batchflow/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPool(t *testing.T, size, capacity int, out Dispatcher, opts ...Option) *Pool {
	t.Helper()
	opts = append([]Option{WithLogger(quiet())}, opts...)
	p, err := NewPool(size, capacity, out, opts...)
	require.NoError(t, err)
	return p
}

func TestNewPoolValidation(t *testing.T) {
	_, err := NewPool(0, 10, &collector{}, WithLogger(quiet()))
	assert.Error(t, err)

	_, err = NewPool(-1, 10, &collector{}, WithLogger(quiet()))
	assert.Error(t, err)

	_, err = NewPool(2, 0, &collector{}, WithLogger(quiet()))
	assert.Error(t, err)
}

func TestDispatchRoundRobinScenario(t *testing.T) {
	p := newPool(t, 2, 100, &collector{})

	for _, m := range msgs("m0", "m1", "m2", "m3") {
		require.NoError(t, p.Dispatch(m))
	}

	bs := p.Batchers()
	assert.Equal(t, msgs("m0", "m2"), bs[0].Pending())
	assert.Equal(t, msgs("m1", "m3"), bs[1].Pending())
}

func TestDispatchFairness(t *testing.T) {
	const k, n = 4, 400
	p := newPool(t, k, n, &collector{})

	for i := 0; i < n; i++ {
		require.NoError(t, p.Dispatch(types.NewMessage(fmt.Sprint(i))))
	}

	for idx, b := range p.Batchers() {
		pending := b.Pending()
		require.Len(t, pending, n/k)
		for j, m := range pending {
			assert.Equal(t, fmt.Sprint(idx+j*k), m.Content)
		}
	}
}

func TestBroadcastReachesEveryBatcher(t *testing.T) {
	out := &collector{}
	p := newPool(t, 3, 100, out)

	for _, m := range msgs("a", "b", "c", "d") {
		require.NoError(t, p.Dispatch(m))
	}
	p.Broadcast()

	require.Eventually(t, func() bool {
		return len(out.snapshot()) == 3
	}, time.Second, 5*time.Millisecond)

	sources := map[int][]string{}
	for _, b := range out.snapshot() {
		assert.Equal(t, types.TriggerTick, b.Trigger)
		sources[b.Source] = b.Contents()
	}
	assert.Equal(t, []string{"a", "d"}, sources[0])
	assert.Equal(t, []string{"b"}, sources[1])
	assert.Equal(t, []string{"c"}, sources[2])

	for _, b := range p.Batchers() {
		assert.Empty(t, b.Pending())
	}
}

// blockingOut holds every flush until released, to show Broadcast doesn't wait.
type blockingOut struct {
	release chan struct{}
	collector
}

func (o *blockingOut) Dispatch(b *types.Batch) error {
	<-o.release
	return o.collector.Dispatch(b)
}

func TestBroadcastIsFireAndForget(t *testing.T) {
	out := &blockingOut{release: make(chan struct{})}
	p := newPool(t, 2, 100, out)

	returned := make(chan struct{})
	go func() {
		p.Broadcast()
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on in-flight flushes")
	}

	close(out.release)
	p.Close()
	assert.Len(t, out.snapshot(), 2)
}

func TestManualFlushIsTagged(t *testing.T) {
	out := &collector{}
	p := newPool(t, 1, 100, out)

	require.NoError(t, p.Dispatch(types.NewMessage("x")))
	p.Flush()
	p.Close()

	batches := out.snapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, types.TriggerManual, batches[0].Trigger)
}

func TestCloseFlushesRemaindersAndRejects(t *testing.T) {
	out := &collector{}
	p := newPool(t, 2, 100, out)

	for _, m := range msgs("a", "b", "c") {
		require.NoError(t, p.Dispatch(m))
	}
	p.Close()
	p.Close()

	batches := out.snapshot()
	require.Len(t, batches, 2)
	for _, b := range batches {
		assert.Equal(t, types.TriggerShutdown, b.Trigger)
	}

	assert.ErrorIs(t, p.Dispatch(types.NewMessage("late")), ErrPoolClosed)
	assert.Equal(t, uint64(1), p.Stats().Rejected)

	// Broadcast after close is ignored
	p.Broadcast()
	assert.Len(t, out.snapshot(), 2)
}

func TestConcurrentProducersNoLoss(t *testing.T) {
	out := &collector{}
	p := newPool(t, 4, 25, out)

	const producers, perProducer = 8, 500
	var wg sync.WaitGroup
	for g := 0; g < producers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				assert.NoError(t, p.Dispatch(types.NewMessage(fmt.Sprintf("%d-%d", g, i))))
				if i%100 == 0 {
					p.Broadcast()
				}
			}
		}(g)
	}
	wg.Wait()
	p.Close()

	seen := map[string]int{}
	for _, b := range out.snapshot() {
		for _, c := range b.Contents() {
			seen[c]++
		}
	}
	assert.Len(t, seen, producers*perProducer)
	for c, n := range seen {
		assert.Equal(t, 1, n, "message %s", c)
	}
	assert.Equal(t, uint64(producers*perProducer), p.Stats().Accepted)
}
