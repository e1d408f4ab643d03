package store

import (
	"sync"

	"github.com/golang/glog"
)

// Dispatcher runs posted callbacks one at a time, in post order, on its own
// goroutine. It is how stores give listeners a single-threaded event model.
type Dispatcher struct {
	mu      sync.Mutex
	idle    *sync.Cond
	queue   []func()
	pending int
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	d.idle = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

// Post queues fn. It never blocks and is a no-op after Close.
func (d *Dispatcher) Post(fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, fn)
	d.pending++
	select {
	case d.wake <- struct{}{}:
	default:
	}
	d.mu.Unlock()
}

// Drain blocks until every callback posted so far has run.
// It must not be called from a dispatched callback.
func (d *Dispatcher) Drain() {
	d.mu.Lock()
	for d.pending > 0 && !d.closed {
		d.idle.Wait()
	}
	d.mu.Unlock()
}

// Close drops queued callbacks and stops the dispatch goroutine.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.queue = nil
	d.pending = 0
	d.idle.Broadcast()
	close(d.wake)
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for range d.wake {
		for {
			d.mu.Lock()
			if d.closed || len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			fn := d.queue[0]
			d.queue[0] = nil
			d.queue = d.queue[1:]
			d.mu.Unlock()

			d.run(fn)

			d.mu.Lock()
			if d.pending > 0 {
				d.pending--
			}
			if d.pending == 0 {
				d.idle.Broadcast()
			}
			d.mu.Unlock()
		}
	}
}

func (d *Dispatcher) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("dispatcher: listener panic: %v", r)
		}
	}()
	fn()
}
