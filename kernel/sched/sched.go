// Package sched is the thread scheduler of the TOE kernel: thread identity,
// state transitions, run-queue selection, quantum preemption, and
// deadline-ordered timer wakeups. It runs on a single processor; all
// concurrency is between thread context and interrupt context, and every
// mutation of scheduler state happens inside an interrupt-masked section.
package sched

import (
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"

	"toe/arch"
)

const (
	defaultUrgentCapacity = 128
	defaultReadyCapacity  = 256

	// exitGrace is the delay between a thread's entry returning and its
	// control block turning zombie.
	exitGrace = 100 * time.Millisecond
)

// Config carries the collaborators and sizing for Start.
type Config struct {
	CPU    arch.CPU
	Time   TimeSource
	Window WindowPoster                     // optional
	Logger *logiface.Logger[logiface.Event] // optional; nil disables logging

	// Queue capacities must be powers of two; zero selects the default.
	// Size them to the maximum expected concurrent runnable thread count.
	UrgentCapacity int
	ReadyCapacity  int
}

func (c Config) withDefaults() Config {
	if c.UrgentCapacity == 0 {
		c.UrgentCapacity = defaultUrgentCapacity
	}
	if c.ReadyCapacity == 0 {
		c.ReadyCapacity = defaultReadyCapacity
	}
	return c
}

// Scheduler owns every piece of mutable scheduling state. Exactly one is
// installed for the lifetime of the kernel; tests construct their own.
type Scheduler struct {
	cpu    arch.CPU
	time   TimeSource
	window WindowPoster
	log    *logiface.Logger[logiface.Event]

	urgent threadQueue
	ready  threadQueue
	pool   threadPool

	timerEvents []TimerEvent
	nextTimer   Timer

	idle    ThreadHandle
	current ThreadHandle
	retired ThreadHandle // pending retirement across a switch; zero when none

	pidCounter    uint64
	handleCounter uint64

	enabled atomic.Bool
}

var shared atomic.Pointer[Scheduler]

// sharedScheduler returns the installed scheduler; using the scheduler
// before Start is a kernel bug.
func sharedScheduler() *Scheduler {
	s := shared.Load()
	if s == nil {
		fatalf("sched: scheduler not started")
	}
	return s
}

func newScheduler(cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	if cfg.CPU == nil || cfg.Time == nil {
		fatalf("sched: config requires a CPU and a time source")
	}
	s := &Scheduler{
		cpu:         cfg.CPU,
		time:        cfg.Time,
		window:      cfg.Window,
		log:         cfg.Logger,
		urgent:      newThreadQueue(cfg.UrgentCapacity, cfg.CPU),
		ready:       newThreadQueue(cfg.ReadyCapacity, cfg.CPU),
		pool:        newThreadPool(cfg.CPU),
		timerEvents: make([]TimerEvent, 0, maxTimerEvents),
	}
	idle := s.newThread(0, PriorityIdle, "Idle", nil, 0)
	s.pool.add(idle)
	s.idle = idle.handle
	s.current = idle.handle
	return s
}

// Start brings the scheduler online on the calling context (which becomes
// the idle thread), spawns the first thread, and never returns.
func Start(cfg Config, entry arch.ThreadStart, arg uintptr) {
	s := newScheduler(cfg)
	if !shared.CompareAndSwap(nil, s) {
		fatalf("sched: already started")
	}
	s.start(entry, arg)
}

func (s *Scheduler) start(entry arch.ThreadStart, arg uintptr) {
	s.spawn(entry, arg, "System", SpawnOption{Priority: PriorityNormal, RaisePID: true})
	s.enabled.Store(true)
	s.log.Info().Log("scheduler online")
	for {
		s.cpu.Halt()
	}
}

// Reschedule is the periodic preemption check, intended to be invoked from
// the timer interrupt. It is a no-op until the scheduler is online.
func Reschedule() {
	if s := shared.Load(); s != nil {
		s.reschedule()
	}
}

func (s *Scheduler) reschedule() {
	if !s.enabled.Load() {
		return
	}
	s.cpu.WithoutInterrupts(func() {
		s.processTimerEvents()
		if s.pool.ref(s.current).priority == PriorityRealtime {
			return
		}
		var exhausted bool
		s.pool.update(s.current, func(t *thread) {
			exhausted = t.quantum.consume()
		})
		if exhausted {
			s.switchContext()
		}
	})
}

// CurrentThread returns the running thread's handle, false before the
// scheduler is online.
func CurrentThread() (ThreadHandle, bool) {
	s := shared.Load()
	if s == nil {
		return 0, false
	}
	return s.currentThread()
}

// CurrentPID returns the running thread's process id, false before the
// scheduler is online.
func CurrentPID() (ProcessID, bool) {
	s := shared.Load()
	if s == nil {
		return 0, false
	}
	return s.currentPID()
}

// Yield gives up the processor, returning when the thread is next selected.
// Fatal before Start.
func Yield() {
	sharedScheduler().yield()
}

func (s *Scheduler) currentThread() (ThreadHandle, bool) {
	if !s.enabled.Load() {
		return 0, false
	}
	var h ThreadHandle
	s.cpu.WithoutInterrupts(func() { h = s.current })
	return h, true
}

func (s *Scheduler) currentPID() (ProcessID, bool) {
	h, ok := s.currentThread()
	if !ok {
		return 0, false
	}
	return s.pool.ref(h).pid, true
}

func (s *Scheduler) nextPID() ProcessID {
	return ProcessID(s.cpu.InterlockedIncrement(&s.pidCounter))
}

func (s *Scheduler) nextHandle() ThreadHandle {
	return ThreadHandle(s.cpu.InterlockedIncrement(&s.handleCounter))
}

func (s *Scheduler) spawn(start arch.ThreadStart, arg uintptr, name string, o SpawnOption) ThreadHandle {
	var pid ProcessID
	if o.RaisePID {
		pid = s.nextPID()
	} else if cur, ok := s.currentPID(); ok {
		pid = cur
	}
	t := s.newThread(pid, o.Priority, name, start, arg)
	s.pool.add(t)
	s.add(t.handle)
	s.log.Debug().
		Uint64("thread", uint64(t.handle)).
		Uint64("pid", uint64(pid)).
		Str("name", t.threadName()).
		Str("priority", o.Priority.String()).
		Log("thread spawned")
	return t.handle
}

// wake latches the awake bit and makes h runnable if it is not queued. A
// wake racing a sleep on the running thread is consulted at retirement
// instead of being lost.
func (s *Scheduler) wake(h ThreadHandle) {
	s.pool.ref(h).attr.insert(attrAwake)
	s.add(h)
}

// add enqueues h on the ready queue unless it is idle, a zombie, or
// already queued.
func (s *Scheduler) add(h ThreadHandle) {
	s.addTo(h, &s.ready)
}

// addUrgent enqueues a wakeup from interrupt context; the urgent queue is
// drained completely before ready is consulted.
func (s *Scheduler) addUrgent(h ThreadHandle) {
	s.addTo(h, &s.urgent)
}

func (s *Scheduler) addTo(h ThreadHandle, q *threadQueue) {
	t := s.pool.ref(h)
	if !t.priority.isUseful() || t.attr.contains(attrZombie) {
		return
	}
	if !t.attr.testAndSet(attrQueued) {
		if t.attr.testAndClear(attrAwake) {
			t.attr.remove(attrAsleep)
		}
		q.enqueue(h)
	}
}

// next picks the next runnable handle: urgent strictly before ready.
func (s *Scheduler) next() (ThreadHandle, bool) {
	if h, ok := s.urgent.dequeue(); ok {
		return h, true
	}
	if h, ok := s.ready.dequeue(); ok {
		return h, true
	}
	return 0, false
}

// retire routes the thread being switched away from: zombies are destroyed,
// latched wakes win over sleeps, sleepers leave the queues, everything else
// goes back to ready. The idle thread is exempt.
func (s *Scheduler) retire(h ThreadHandle) {
	t := s.pool.ref(h)
	switch {
	case !t.priority.isUseful():
	case t.attr.contains(attrZombie):
		s.pool.dropThread(h)
	case t.attr.testAndClear(attrAwake):
		t.attr.remove(attrAsleep)
		s.ready.enqueue(h)
	case t.attr.contains(attrAsleep):
		t.attr.remove(attrQueued)
	default:
		s.ready.enqueue(h)
	}
}

// sleep marks the running thread asleep and switches away; retirement
// leaves it out of both queues unless a wake was latched meanwhile.
func (s *Scheduler) sleep() {
	if !s.enabled.Load() {
		fatalf("sched: sleep before the scheduler is online")
	}
	s.cpu.WithoutInterrupts(func() {
		s.pool.ref(s.current).attr.insert(attrAsleep)
		s.switchContext()
	})
}

func (s *Scheduler) yield() {
	if !s.enabled.Load() {
		fatalf("sched: yield before the scheduler is online")
	}
	s.cpu.WithoutInterrupts(func() {
		s.switchContext()
	})
}

// switchContext transfers execution to the next runnable thread, falling
// back to idle. Interrupts must already be masked. Exactly one retirement
// is pending across any switch; whichever code path resumes on the other
// side performs it before anything that could switch again.
func (s *Scheduler) switchContext() {
	s.cpu.AssertWithoutInterrupts()

	current := s.current
	next, ok := s.next()
	if !ok {
		next = s.idle
	}
	if current == next {
		return
	}

	cur := s.pool.ref(current)
	nxt := s.pool.ref(next)
	s.retired = current
	s.current = next

	s.cpu.SwitchContext(&cur.context, &nxt.context)

	// Running again: a later switch restored this thread.
	now := s.pool.ref(s.current)
	now.attr.remove(attrAwake)
	now.attr.remove(attrAsleep)
	retired := s.retired
	if retired == 0 {
		fatalf("sched: no retirement pending after switch")
	}
	s.retired = 0
	s.retire(retired)
}

// setupNewThread finishes the switch that started this thread: its
// predecessor's retirement is still pending and must complete first.
func (s *Scheduler) setupNewThread() {
	if retired := s.retired; retired != 0 {
		s.retired = 0
		s.retire(retired)
	}
}

// trampoline wraps a thread entry with the first-run bookkeeping and the
// exit sequence.
func (s *Scheduler) trampoline(start arch.ThreadStart) arch.ThreadStart {
	return func(arg uintptr) {
		s.cpu.WithoutInterrupts(s.setupNewThread)
		start(arg)
		s.exitThread()
	}
}

// exitThread runs when a thread's entry returns: grace delay, zombie, final
// switch. The registry destroys the control block at the next retirement.
func (s *Scheduler) exitThread() {
	s.sleepFor(exitGrace)
	s.cpu.WithoutInterrupts(func() {
		s.pool.ref(s.current).attr.insert(attrZombie)
		s.switchContext()
	})
	fatalf("sched: zombie thread resumed")
}
