package scheduler

import (
	"sync"
	"time"
)

// WakeupTimer is the in-process Alarm implementation: a single resettable
// timer that invokes the wakeup callback when it fires. Re-arming replaces
// the previous deadline.
type WakeupTimer struct {
	mu      sync.Mutex
	timer   *time.Timer
	pending bool
	fire    func()
}

// NewWakeupTimer creates a timer that calls fire on every wakeup.
func NewWakeupTimer(fire func()) *WakeupTimer {
	return &WakeupTimer{fire: fire}
}

// ArmWakeup replaces or creates the pending wakeup at the given time.
func (t *WakeupTimer) ArmWakeup(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	t.pending = true
	t.timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		t.pending = false
		t.mu.Unlock()
		t.fire()
	})
}

// Pending reports whether a wakeup is armed and has not fired yet.
func (t *WakeupTimer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// Stop cancels any pending wakeup.
func (t *WakeupTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.pending = false
}
