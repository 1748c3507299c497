package usbmon

import "sync"

// worker is a serial task queue backed by a single goroutine, standing in
// for the handler threads the notification contract requires: tasks posted
// to the same worker run in order and never overlap. Shutdown rejects new
// tasks immediately; tasks already queued are drained before the goroutine
// exits so teardown notifications still reach the listener.
type worker struct {
	tasks chan func()
	quit  chan struct{}

	mu     sync.Mutex
	closed bool
}

func newWorker() *worker {
	w := &worker{
		tasks: make(chan func(), 64),
		quit:  make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *worker) loop() {
	for {
		select {
		case <-w.quit:
			for {
				select {
				case f := <-w.tasks:
					f()
				default:
					return
				}
			}
		case f := <-w.tasks:
			f()
		}
	}
}

// post queues f for execution. Returns false if the worker has shut down.
func (w *worker) post(f func()) bool {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return false
	}
	select {
	case w.tasks <- f:
		return true
	case <-w.quit:
		return false
	}
}

func (w *worker) shutdown() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.quit)
}
