package relay

import "sync"

// outbox runs the writes for one publisher session in order on its own
// goroutine, so a peer that stops draining only stalls its own queue.
type outbox struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newOutbox() *outbox {
	o := &outbox{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go o.run()
	return o
}

// push queues fn. It never blocks.
func (o *outbox) push(fn func()) {
	o.mu.Lock()
	o.queue = append(o.queue, fn)
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outbox) run() {
	for {
		select {
		case <-o.done:
			return
		case <-o.wake:
		}
		for {
			o.mu.Lock()
			if len(o.queue) == 0 {
				o.mu.Unlock()
				break
			}
			fn := o.queue[0]
			o.queue[0] = nil
			o.queue = o.queue[1:]
			o.mu.Unlock()

			select {
			case <-o.done:
				return
			default:
			}
			fn()
		}
	}
}

// stop drops whatever is still queued. A write already running finishes on
// its own, usually because the session was closed underneath it.
func (o *outbox) stop() {
	o.once.Do(func() { close(o.done) })
}
