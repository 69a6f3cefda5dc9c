package workqueue

import "sync"

// Tasklet is a resubmittable task with coalescing semantics: Schedule
// requests one run of the function, and scheduling while a run is already
// pending collapses into that pending run. The function may call Schedule
// on its own tasklet to yield and run again, which bounds each invocation
// instead of looping in place.
type Tasklet struct {
	fn   func()
	wake chan struct{}

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewTasklet creates a tasklet running fn on its own goroutine when
// scheduled.
func NewTasklet(fn func()) *Tasklet {
	t := &Tasklet{
		fn:   fn,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *Tasklet) run() {
	defer close(t.done)
	for {
		select {
		case <-t.stop:
			return
		case <-t.wake:
			t.fn()
		}
	}
}

// Schedule requests a run. Coalesces with an already-pending request.
func (t *Tasklet) Schedule() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Stop terminates the tasklet after any in-flight run completes. Pending
// scheduled runs are discarded.
func (t *Tasklet) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done
}
