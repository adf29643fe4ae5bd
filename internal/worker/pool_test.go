package worker

import (
    "sync"
    "sync/atomic"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestPoolRoundRobinsWorkers(t *testing.T) {
    p := NewPool(3, 8)
    defer p.Stop()

    require.Equal(t, 3, p.Count())

    var ids []int
    for i := 0; i < 6; i++ {
        ids = append(ids, p.Next().ID())
    }

    assert.Equal(t, []int{0, 1, 2, 0, 1, 2}, ids)
}

func TestWorkerRunsTasksInOrderOnOneGoroutine(t *testing.T) {
    p := NewPool(1, 16)
    defer p.Stop()

    w := p.At(0)

    var mu sync.Mutex
    var order []int
    var wg sync.WaitGroup

    for i := 0; i < 10; i++ {
        i := i
        wg.Add(1)
        w.Enqueue(func() {
            defer wg.Done()
            mu.Lock()
            order = append(order, i)
            mu.Unlock()
        })
    }

    wg.Wait()

    mu.Lock()
    defer mu.Unlock()
    assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestWorkerRecoversFromPanic(t *testing.T) {
    p := NewPool(1, 4)
    defer p.Stop()

    w := p.At(0)

    var ran int32
    w.Enqueue(func() { panic("boom") })
    w.Enqueue(func() { atomic.StoreInt32(&ran, 1) })

    require.Eventually(t, func() bool {
        return atomic.LoadInt32(&ran) == 1
    }, time.Second, 10*time.Millisecond)
}

func TestDefaultCountIsAtLeastOne(t *testing.T) {
    assert.GreaterOrEqual(t, DefaultCount(), 1)
}
