package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeq_StartsAt(t *testing.T) {
	s := NewSeqAt(100)
	assert.Equal(t, uint64(100), s.Current())
	assert.Equal(t, uint64(101), s.Next())
	assert.Equal(t, uint64(101), s.Current())
}

func TestSeq_ThreadSafe(t *testing.T) {
	s := &Seq{}
	const goroutines = 50
	const calls = 100

	var wg sync.WaitGroup
	seen := make(chan uint64, goroutines*calls)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < calls; j++ {
				seen <- s.Next()
			}
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint64]bool)
	for v := range seen {
		assert.False(t, unique[v], "value %d handed out twice", v)
		unique[v] = true
	}
	assert.Len(t, unique, goroutines*calls)
}

func TestReal_AfterFunc(t *testing.T) {
	done := make(chan struct{})
	Real().AfterFunc(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timer did not fire")
	}
}
