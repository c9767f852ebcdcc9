package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxRunsInOrder(t *testing.T) {
	o := newOutbox()
	defer o.stop()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		o.push(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == 99 {
				close(done)
			}
		})
	}
	require.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestOutboxStopDropsQueued(t *testing.T) {
	o := newOutbox()
	block := make(chan struct{})
	started := make(chan struct{})
	o.push(func() {
		close(started)
		<-block
	})
	ran := make(chan struct{}, 1)
	o.push(func() { ran <- struct{}{} })

	<-started
	o.stop()
	o.stop()
	close(block)
	o.push(func() { ran <- struct{}{} })

	select {
	case <-ran:
		t.Fatal("write ran after stop")
	case <-time.After(50 * time.Millisecond):
	}
}
