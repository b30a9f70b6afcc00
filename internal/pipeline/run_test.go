package pipeline

import (
	"testing"
	"time"
)

func TestRun_EnqueueAfterSeal(t *testing.T) {
	r := newRun(2, time.Now())
	if reason := r.enqueue([]byte{1}); reason != "" {
		t.Fatalf("enqueue = %q, want accepted", reason)
	}
	r.seal()
	r.seal()

	if reason := r.enqueue([]byte{2}); reason != dropSealed {
		t.Errorf("enqueue after seal = %q, want %q", reason, dropSealed)
	}

	// Queued data survives sealing and the channel is closed behind it.
	if got, ok := <-r.queue; !ok || got[0] != 1 {
		t.Errorf("first receive = %v, %v", got, ok)
	}
	if _, ok := <-r.queue; ok {
		t.Error("queue not closed after seal")
	}
}

func TestRun_EnqueueBlocksUntilCancelled(t *testing.T) {
	r := newRun(1, time.Now())
	_ = r.enqueue([]byte{1})

	got := make(chan string, 1)
	go func() { got <- r.enqueue([]byte{2}) }()

	select {
	case reason := <-got:
		t.Fatalf("enqueue on full queue returned %q instead of blocking", reason)
	case <-time.After(30 * time.Millisecond):
	}

	r.cancel()
	select {
	case reason := <-got:
		if reason != dropCancelled {
			t.Errorf("reason = %q, want %q", reason, dropCancelled)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked writer not released by cancel")
	}
}

func TestRun_EnqueueAfterConsumerExit(t *testing.T) {
	r := newRun(1, time.Now())
	_ = r.enqueue([]byte{1})
	close(r.consumerDone)

	if reason := r.enqueue([]byte{2}); reason != dropConsumerExited {
		t.Errorf("reason = %q, want %q", reason, dropConsumerExited)
	}
}

func TestRun_SealWaitsForBlockedWriter(t *testing.T) {
	r := newRun(1, time.Now())
	_ = r.enqueue([]byte{1})

	written := make(chan string, 1)
	go func() { written <- r.enqueue([]byte{2}) }()
	time.Sleep(20 * time.Millisecond)

	sealed := make(chan struct{})
	go func() {
		r.seal()
		close(sealed)
	}()

	select {
	case <-sealed:
		t.Fatal("seal returned while a writer was blocked")
	case <-time.After(30 * time.Millisecond):
	}

	// Draining lets the writer finish, then the queue closes.
	var got [][]byte
	for chunk := range r.queue {
		got = append(got, chunk)
	}
	<-sealed
	if reason := <-written; reason != "" {
		t.Errorf("blocked writer reason = %q, want accepted", reason)
	}
	if len(got) != 2 || got[1][0] != 2 {
		t.Errorf("drained %v, want both chunks in order", got)
	}
}
