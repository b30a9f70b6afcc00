package pipeline

import (
	"sync"
	"time"
)

// Segmenter is a rearmable single-shot inactivity countdown. When the
// countdown elapses it calls onElapse and then starts a fresh countdown.
// The next countdown is scheduled by hand after onElapse returns, so a
// rollover never overlaps with another one.
//
// Every schedule carries a generation number; a timer whose generation is
// stale when it fires does nothing.
type Segmenter struct {
	timeout  time.Duration
	onElapse func()

	mu      sync.Mutex
	armed   bool
	gen     uint64
	timer   *time.Timer
	running sync.WaitGroup
}

// NewSegmenter returns a disarmed Segmenter.
func NewSegmenter(timeout time.Duration, onElapse func()) *Segmenter {
	return &Segmenter{timeout: timeout, onElapse: onElapse}
}

// Arm starts the countdown. Arming an armed segmenter restarts it.
func (s *Segmenter) Arm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = true
	s.scheduleLocked()
}

// Rearm restarts the countdown from zero. It is a no-op while disarmed.
func (s *Segmenter) Rearm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.armed {
		return
	}
	s.scheduleLocked()
}

// Disarm cancels the countdown and blocks until an in-flight onElapse has
// returned. It must not be called from onElapse.
func (s *Segmenter) Disarm() {
	s.mu.Lock()
	s.armed = false
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.running.Wait()
}

// Armed reports whether a countdown is pending or running.
func (s *Segmenter) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

func (s *Segmenter) scheduleLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(s.timeout, func() { s.fire(gen) })
}

func (s *Segmenter) fire(gen uint64) {
	s.mu.Lock()
	if !s.armed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.running.Add(1)
	s.mu.Unlock()
	defer s.running.Done()

	s.onElapse()

	s.mu.Lock()
	defer s.mu.Unlock()
	// A Rearm during onElapse has already scheduled the next countdown.
	if s.armed && gen == s.gen {
		s.scheduleLocked()
	}
}
