package pipeline

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSegmenter_FiresAndReschedules(t *testing.T) {
	var fires atomic.Int32
	s := NewSegmenter(20*time.Millisecond, func() { fires.Add(1) })
	s.Arm()
	defer s.Disarm()

	waitFor(t, time.Second, func() bool { return fires.Load() >= 3 })
}

func TestSegmenter_RearmPostpones(t *testing.T) {
	var fires atomic.Int32
	s := NewSegmenter(80*time.Millisecond, func() { fires.Add(1) })
	s.Arm()
	defer s.Disarm()

	for range 10 {
		time.Sleep(20 * time.Millisecond)
		s.Rearm()
	}
	if n := fires.Load(); n != 0 {
		t.Fatalf("fired %d times while being rearmed", n)
	}
	waitFor(t, time.Second, func() bool { return fires.Load() == 1 })
}

func TestSegmenter_DisarmCancelsAndRearmIsNoop(t *testing.T) {
	var fires atomic.Int32
	s := NewSegmenter(20*time.Millisecond, func() { fires.Add(1) })
	s.Arm()
	s.Disarm()
	s.Rearm()
	if s.Armed() {
		t.Fatal("Rearm re-armed a disarmed segmenter")
	}

	time.Sleep(80 * time.Millisecond)
	if n := fires.Load(); n != 0 {
		t.Errorf("fired %d times after Disarm", n)
	}

	s.Arm()
	defer s.Disarm()
	waitFor(t, time.Second, func() bool { return fires.Load() >= 1 })
}

func TestSegmenter_DisarmWaitsForInFlightFire(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var fires atomic.Int32
	s := NewSegmenter(10*time.Millisecond, func() {
		if fires.Add(1) == 1 {
			close(entered)
			<-release
		}
	})
	s.Arm()
	<-entered

	disarmed := make(chan struct{})
	go func() {
		s.Disarm()
		close(disarmed)
	}()

	select {
	case <-disarmed:
		t.Fatal("Disarm returned while onElapse was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-disarmed:
	case <-time.After(time.Second):
		t.Fatal("Disarm did not return after onElapse finished")
	}

	// No countdown may be scheduled after the in-flight fire returned.
	time.Sleep(50 * time.Millisecond)
	if n := fires.Load(); n != 1 {
		t.Errorf("fires = %d, want 1", n)
	}
}

func TestSegmenter_RearmDuringElapseSchedulesOnce(t *testing.T) {
	var fires atomic.Int32
	var s *Segmenter
	s = NewSegmenter(30*time.Millisecond, func() {
		if fires.Add(1) == 1 {
			s.Rearm()
		}
	})
	s.Arm()
	defer s.Disarm()

	// One fire, then exactly one pending countdown: the second fire lands
	// ~30ms later, not twice.
	waitFor(t, time.Second, func() bool { return fires.Load() >= 2 })
	time.Sleep(10 * time.Millisecond)
	if n := fires.Load(); n != 2 {
		t.Errorf("fires = %d shortly after second fire, want 2", n)
	}
}

// waitFor polls cond until it holds or timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(2 * time.Millisecond)
	}
}
