package sched

import (
	"errors"
	"sort"
	"time"
)

// TimeSpec is an opaque monotonic deadline produced by a TimeSource. Zero is
// reserved for the "no deadline" sentinel.
type TimeSpec uint64

// TimeSource decouples timers from any specific hardware clock. It is
// injected once at startup.
type TimeSource interface {
	// Create converts a duration from now into a deadline.
	Create(d time.Duration) TimeSpec
	// Until reports whether the deadline has not yet elapsed.
	Until(deadline TimeSpec) bool
	// Monotonic returns the time since the source was started.
	Monotonic() time.Duration
}

// Timer is an opaque deadline. The zero value ("just") is always elapsed.
type Timer struct {
	deadline TimeSpec
}

// TimerJust is the already-elapsed sentinel.
var TimerJust = Timer{}

// IsJust reports whether the timer carries no deadline.
func (t Timer) IsJust() bool { return t.deadline == 0 }

// NewTimer creates a deadline d from now via the injected time source.
func NewTimer(d time.Duration) Timer {
	return sharedScheduler().newTimer(d)
}

// Monotonic returns the injected source's time since start.
func Monotonic() time.Duration {
	return sharedScheduler().time.Monotonic()
}

func (s *Scheduler) newTimer(d time.Duration) Timer {
	return Timer{deadline: s.time.Create(d)}
}

// until reports whether t still lies in the future.
func (s *Scheduler) until(t Timer) bool {
	if t.IsJust() {
		return false
	}
	return s.time.Until(t.deadline)
}

// WindowHandle identifies a window owned by the window system. The
// scheduler never interprets it.
type WindowHandle uint32

// WindowPoster receives window timer notifications.
type WindowPoster interface {
	PostTimer(w WindowHandle, timerID int)
}

type timerKind uint8

const (
	timerOneShot timerKind = iota
	timerWindow
)

// TimerEvent pairs a deadline with the action taken when it elapses: waking
// a thread, or notifying the window system. The pending list owns an event
// until it fires.
type TimerEvent struct {
	timer   Timer
	kind    timerKind
	thread  ThreadHandle
	window  WindowHandle
	timerID int
}

// OneShot creates an event that wakes the calling thread.
func OneShot(t Timer) TimerEvent {
	h, ok := CurrentThread()
	if !ok {
		fatalf("sched: one-shot timer outside a running thread")
	}
	return OneShotFor(t, h)
}

// OneShotFor creates an event that wakes the given thread.
func OneShotFor(t Timer, h ThreadHandle) TimerEvent {
	return TimerEvent{timer: t, kind: timerOneShot, thread: h}
}

// WindowTimer creates an event that posts timerID to window w.
func WindowTimer(w WindowHandle, timerID int, t Timer) TimerEvent {
	return TimerEvent{timer: t, kind: timerWindow, window: w, timerID: timerID}
}

// ErrTimerQueueFull reports transient pressure on the pending list; the
// caller may yield and retry.
var ErrTimerQueueFull = errors.New("sched: timer event queue full")

const maxTimerEvents = 100

// ScheduleTimer inserts a pending event, keeping the list sorted ascending
// by deadline with ties in insertion order, then immediately drains elapsed
// events so a very short or already-expired deadline is not missed.
func ScheduleTimer(ev TimerEvent) error {
	return sharedScheduler().ScheduleTimer(ev)
}

func (s *Scheduler) ScheduleTimer(ev TimerEvent) error {
	var err error
	s.cpu.WithoutInterrupts(func() {
		if len(s.timerEvents) >= maxTimerEvents {
			err = ErrTimerQueueFull
			return
		}
		s.timerEvents = append(s.timerEvents, ev)
		sort.SliceStable(s.timerEvents, func(i, j int) bool {
			return s.timerEvents[i].timer.deadline < s.timerEvents[j].timer.deadline
		})
	})
	if err != nil {
		s.log.Warning().Int("pending", maxTimerEvents).Log("timer event queue full")
		return err
	}
	s.processTimerEvents()
	return nil
}

// processTimerEvents fires every elapsed event in deadline order, then
// records the soonest remaining deadline as the next-wake marker for the
// hardware alarm.
func (s *Scheduler) processTimerEvents() {
	s.cpu.WithoutInterrupts(func() {
		for len(s.timerEvents) > 0 {
			ev := s.timerEvents[0]
			if s.until(ev.timer) {
				break
			}
			s.timerEvents = append(s.timerEvents[:0], s.timerEvents[1:]...)
			s.fire(ev)
		}
		if len(s.timerEvents) > 0 {
			s.nextTimer = s.timerEvents[0].timer
		}
	})
}

func (s *Scheduler) fire(ev TimerEvent) {
	switch ev.kind {
	case timerOneShot:
		s.wake(ev.thread)
	case timerWindow:
		if s.window != nil {
			s.window.PostTimer(ev.window, ev.timerID)
		}
	}
}

// NextWake returns the soonest pending deadline, TimerJust when none is
// pending.
func (s *Scheduler) NextWake() Timer {
	var t Timer
	s.cpu.WithoutInterrupts(func() { t = s.nextTimer })
	return t
}

// Sleep blocks the calling thread for at least d. The wake makes the thread
// eligible again; it resumes when next selected. Fatal before Start.
func Sleep(d time.Duration) {
	sharedScheduler().sleepFor(d)
}

// USleep blocks for at least us microseconds.
func USleep(us uint64) {
	Sleep(time.Duration(us) * time.Microsecond)
}

// MSleep blocks for at least ms milliseconds.
func MSleep(ms uint64) {
	Sleep(time.Duration(ms) * time.Millisecond)
}

// sleepFor registers a one-shot wakeup and sleeps. Queue pressure is
// absorbed by yielding and re-attempting until the deadline passes.
func (s *Scheduler) sleepFor(d time.Duration) {
	if !s.enabled.Load() {
		fatalf("sched: sleep before the scheduler is online")
	}
	t := s.newTimer(d)
	h, _ := s.currentThread()
	ev := OneShotFor(t, h)
	for s.until(t) {
		if err := s.ScheduleTimer(ev); err == nil {
			s.sleep()
			return
		}
		s.yield()
	}
}
