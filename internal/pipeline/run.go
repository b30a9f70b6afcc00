package pipeline

import (
	"context"
	"sync"
	"time"
)

// Reasons a chunk is rejected at ingress, used as metric attributes.
const (
	dropSealed         = "sealed"
	dropCancelled      = "cancelled"
	dropConsumerExited = "consumer_exited"
)

// run is the state of one Start..Stop cycle: the bounded queue, its
// cancellation scope and the provider subscriptions. Callbacks capture the
// run they were registered for, so a late callback from an old run can
// never reach a newer one.
type run struct {
	queue  chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	// inMu guards sealed. Writers hold the read lock only long enough to
	// register with writers, so seal can wait for them without holding it.
	inMu    sync.RWMutex
	sealed  bool
	writers sync.WaitGroup

	consumerDone chan struct{}
	startedAt    time.Time
	unsubs       []func()
	reconnect    *reconnector
}

func newRun(capacity int, startedAt time.Time) *run {
	ctx, cancel := context.WithCancel(context.Background())
	return &run{
		queue:        make(chan []byte, capacity),
		ctx:          ctx,
		cancel:       cancel,
		consumerDone: make(chan struct{}),
		startedAt:    startedAt,
	}
}

// enqueue blocks until chunk is queued. It returns a drop reason instead
// when the queue is sealed, the scope is cancelled or the consumer has
// exited.
func (r *run) enqueue(chunk []byte) (dropReason string) {
	r.inMu.RLock()
	if r.sealed {
		r.inMu.RUnlock()
		return dropSealed
	}
	r.writers.Add(1)
	r.inMu.RUnlock()
	defer r.writers.Done()

	// Checked first so a full queue behind a dead consumer fails fast.
	select {
	case <-r.consumerDone:
		return dropConsumerExited
	case <-r.ctx.Done():
		return dropCancelled
	default:
	}

	select {
	case r.queue <- chunk:
		return ""
	case <-r.ctx.Done():
		return dropCancelled
	case <-r.consumerDone:
		return dropConsumerExited
	}
}

// seal refuses further writes, waits for in-flight writers and closes the
// queue. Safe to call more than once.
func (r *run) seal() {
	r.inMu.Lock()
	if r.sealed {
		r.inMu.Unlock()
		return
	}
	r.sealed = true
	r.inMu.Unlock()

	r.writers.Wait()
	close(r.queue)
}

// unsubscribe releases every provider subscription of the run.
func (r *run) unsubscribe() {
	for _, u := range r.unsubs {
		u()
	}
	r.unsubs = nil
}
