package sched

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toe/arch"
)

// stubCPU is the design-note test double: SwitchContext records the swap and
// returns immediately, so the post-switch path (attribute clearing plus the
// deferred retirement) runs synchronously in the caller.
type stubCPU struct {
	depth    int
	switches [][2]*arch.Context
}

func (c *stubCPU) MakeNewThread(ctx *arch.Context, stackTop uintptr, start arch.ThreadStart, arg uintptr) {
}

func (c *stubCPU) SwitchContext(save, restore *arch.Context) {
	if c.depth <= 0 {
		panic("stub: switch without interrupts masked")
	}
	c.switches = append(c.switches, [2]*arch.Context{save, restore})
}

func (c *stubCPU) WithoutInterrupts(f func()) {
	c.depth++
	f()
	c.depth--
}

func (c *stubCPU) AssertWithoutInterrupts() {
	if c.depth <= 0 {
		panic("stub: interrupts not masked")
	}
}

func (c *stubCPU) InterlockedIncrement(p *uint64) uint64 {
	return atomic.AddUint64(p, 1)
}

func (c *stubCPU) Halt() {}

// fakeTime is a manually advanced time source; deadlines are nanoseconds on
// a virtual clock starting at 1 so no real deadline collides with the
// "just" sentinel.
type fakeTime struct {
	now uint64
}

func newFakeTime() *fakeTime { return &fakeTime{now: 1} }

func (t *fakeTime) Create(d time.Duration) TimeSpec { return TimeSpec(t.now + uint64(d)) }

func (t *fakeTime) Until(deadline TimeSpec) bool { return TimeSpec(t.now) < deadline }

func (t *fakeTime) Monotonic() time.Duration { return time.Duration(t.now) }

func (t *fakeTime) advance(d time.Duration) { t.now += uint64(d) }

// newTestScheduler builds a scheduler around the stub CPU and installs it as
// the shared instance for the duration of the test.
func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *stubCPU, *fakeTime) {
	t.Helper()
	cpu := &stubCPU{}
	clock := newFakeTime()
	if cfg.CPU == nil {
		cfg.CPU = cpu
	} else {
		cpu = cfg.CPU.(*stubCPU)
	}
	if cfg.Time == nil {
		cfg.Time = clock
	}
	s := newScheduler(cfg)
	old := shared.Swap(s)
	t.Cleanup(func() { shared.Store(old) })
	return s, cpu, clock
}

// enable marks the scheduler online without entering the idle loop.
func (s *Scheduler) enableForTest() { s.enabled.Store(true) }

func spawnNamed(s *Scheduler, name string, pri Priority) ThreadHandle {
	return s.spawn(func(uintptr) {}, 0, name, SpawnOption{Priority: pri, RaisePID: true})
}

func TestSpawnEnqueuesReadyFIFO(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{UrgentCapacity: 4, ReadyCapacity: 4})

	a := spawnNamed(s, "a", PriorityNormal)
	b := spawnNamed(s, "b", PriorityNormal)
	c := spawnNamed(s, "c", PriorityNormal)

	for _, h := range []ThreadHandle{a, b, c} {
		if !s.pool.ref(h).attr.contains(attrQueued) {
			t.Fatalf("thread %d not queued after spawn", h)
		}
	}

	var got []ThreadHandle
	for i := 0; i < 3; i++ {
		h, ok := s.next()
		require.True(t, ok)
		got = append(got, h)
	}
	require.Equal(t, []ThreadHandle{a, b, c}, got)

	_, ok := s.next()
	require.False(t, ok, "queues should be empty after three dequeues")
}

func TestHandlesMonotonicNonZero(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})

	require.Equal(t, ThreadHandle(1), s.idle, "idle thread takes the first handle")
	a := spawnNamed(s, "a", PriorityNormal)
	b := spawnNamed(s, "b", PriorityNormal)
	require.Equal(t, ThreadHandle(2), a)
	require.Equal(t, ThreadHandle(3), b)
}

func TestIdleNeverQueuedAndIsFallback(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})

	// Explicitly trying to queue idle must be a no-op.
	s.add(s.idle)
	require.True(t, s.ready.isEmpty())
	require.False(t, s.pool.ref(s.idle).attr.contains(attrQueued))

	// With both queues empty, selection falls back to idle.
	s.enableForTest()
	s.yield() // current == idle == next: no switch
	require.Equal(t, s.idle, s.current)

	// With a runnable thread, idle is never selected.
	a := spawnNamed(s, "a", PriorityNormal)
	s.yield()
	require.Equal(t, a, s.current)
}

func TestUrgentDrainedBeforeReady(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})

	a := spawnNamed(s, "a", PriorityNormal) // ready queue
	b := s.newThread(1, PriorityNormal, "b", nil, 0)
	s.pool.add(b)
	s.addUrgent(b.handle)

	h, ok := s.next()
	require.True(t, ok)
	require.Equal(t, b.handle, h, "urgent must be drained before ready")

	h, ok = s.next()
	require.True(t, ok)
	require.Equal(t, a, h)
}

func TestVoluntaryYieldRequeues(t *testing.T) {
	s, cpu, _ := newTestScheduler(t, Config{})
	s.enableForTest()

	a := spawnNamed(s, "a", PriorityNormal)
	b := spawnNamed(s, "b", PriorityNormal)

	s.yield() // idle -> a
	require.Equal(t, a, s.current)
	require.Len(t, cpu.switches, 1)

	s.yield() // a -> b; a retires back to ready
	require.Equal(t, b, s.current)
	require.True(t, s.pool.ref(a).attr.contains(attrQueued))

	h, ok := s.next()
	require.True(t, ok)
	require.Equal(t, a, h)
}

func TestSleepLeavesBothQueues(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})
	s.enableForTest()

	a := spawnNamed(s, "a", PriorityNormal)
	s.yield()
	require.Equal(t, a, s.current)

	s.sleep() // a -> idle; retirement sees ASLEEP
	at := s.pool.ref(a)
	require.True(t, at.attr.contains(attrAsleep))
	require.False(t, at.attr.contains(attrQueued))
	require.True(t, s.ready.isEmpty())
	require.True(t, s.urgent.isEmpty())

	// Wake returns it to ready with the sleep bits resolved.
	a.Wake()
	require.False(t, at.attr.contains(attrAsleep))
	require.False(t, at.attr.contains(attrAwake))
	require.True(t, at.attr.contains(attrQueued))
	h, ok := s.next()
	require.True(t, ok)
	require.Equal(t, a, h)
}

func TestWakeWhileRunningIsNotLost(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})
	s.enableForTest()

	a := spawnNamed(s, "a", PriorityNormal)
	s.yield()
	require.Equal(t, a, s.current)

	// The wake arrives while a is still running (QUEUED held since spawn),
	// so only AWAKE is latched.
	a.Wake()
	at := s.pool.ref(a)
	require.True(t, at.attr.contains(attrAwake))
	require.True(t, s.ready.isEmpty())

	// The subsequent sleep must resolve to Ready, not Asleep.
	s.sleep()
	require.False(t, at.attr.contains(attrAsleep))
	require.False(t, at.attr.contains(attrAwake))
	require.True(t, at.attr.contains(attrQueued))
	h, ok := s.next()
	require.True(t, ok)
	require.Equal(t, a, h)
}

func TestZombieDestroyedAtRetirement(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})
	s.enableForTest()

	a := spawnNamed(s, "a", PriorityNormal)
	s.yield()
	require.Equal(t, a, s.current)
	require.Equal(t, 2, s.pool.size())

	s.pool.ref(a).attr.insert(attrZombie)
	s.yield() // a -> idle; retirement destroys a

	require.Equal(t, s.idle, s.current)
	require.Equal(t, 1, s.pool.size())
	_, ok := s.pool.get(a)
	require.False(t, ok, "zombie handle must no longer resolve")
}

func TestZombieNeverRequeued(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})

	a := spawnNamed(s, "a", PriorityNormal)
	h, ok := s.next()
	require.True(t, ok)
	require.Equal(t, a, h)

	at := s.pool.ref(a)
	at.attr.remove(attrQueued)
	at.attr.insert(attrZombie)
	s.add(a)
	require.True(t, s.ready.isEmpty())
}

func TestStateIsAlwaysExclusive(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})
	s.enableForTest()

	a := spawnNamed(s, "a", PriorityNormal)
	b := spawnNamed(s, "b", PriorityNormal)

	check := func() {
		t.Helper()
		for _, h := range []ThreadHandle{a, b} {
			th, ok := s.pool.get(h)
			if !ok {
				continue
			}
			if th.attr.contains(attrQueued) && th.attr.contains(attrAsleep) {
				t.Fatalf("thread %d both queued and asleep (%s)", h, th.attr.String())
			}
		}
	}

	check()
	s.yield() // idle -> a
	check()
	b.Wake() // latched: b already queued
	check()
	s.sleep() // a -> b, a asleep
	check()
	a.Wake()
	check()
	s.sleep() // b -> a, b asleep
	check()
	b.Wake()
	check()
	s.yield() // a -> b, a requeued
	check()
}

func TestQuantumExhaustionForcesSwitch(t *testing.T) {
	s, cpu, _ := newTestScheduler(t, Config{})
	s.enableForTest()

	a := spawnNamed(s, "a", PriorityNormal)
	b := spawnNamed(s, "b", PriorityNormal)
	s.yield()
	require.Equal(t, a, s.current)
	switchesBefore := len(cpu.switches)

	// A Normal quantum allows ten consumptions before preemption.
	for i := 0; i < int(defaultQuantum(PriorityNormal)); i++ {
		s.reschedule()
		require.Equal(t, a, s.current, "preempted on tick %d", i)
	}
	s.reschedule()
	require.Equal(t, b, s.current)
	require.Equal(t, switchesBefore+1, len(cpu.switches))

	// The preempted thread went back to ready with its quantum reset.
	at := s.pool.ref(a)
	require.True(t, at.attr.contains(attrQueued))
	assert.Equal(t, defaultQuantum(PriorityNormal), at.quantum.current)
}

func TestRealtimeIsNeverPreempted(t *testing.T) {
	s, cpu, _ := newTestScheduler(t, Config{})
	s.enableForTest()

	rt := spawnNamed(s, "rt", PriorityRealtime)
	spawnNamed(s, "n", PriorityNormal)
	s.yield()
	require.Equal(t, rt, s.current)
	switchesBefore := len(cpu.switches)
	quantumBefore := s.pool.ref(rt).quantum.current

	for i := 0; i < 1000; i++ {
		s.reschedule()
	}

	require.Equal(t, rt, s.current)
	require.Equal(t, switchesBefore, len(cpu.switches))
	require.Equal(t, quantumBefore, s.pool.ref(rt).quantum.current)
}

func TestRunQueueOverflowIsFatal(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{UrgentCapacity: 4, ReadyCapacity: 4})

	spawnNamed(s, "a", PriorityNormal)
	spawnNamed(s, "b", PriorityNormal)
	spawnNamed(s, "c", PriorityNormal)
	require.Panics(t, func() { spawnNamed(s, "d", PriorityNormal) })
}

func TestSchedulerOperationsBeforeStartAreFatal(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})

	require.Panics(t, func() { s.sleep() })
	require.Panics(t, func() { s.yield() })
	require.Panics(t, func() { s.sleepFor(time.Millisecond) })
	require.True(t, InPanicMode())
}

func TestCurrentBeforeStart(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})

	if _, ok := s.currentThread(); ok {
		t.Fatal("currentThread() ok = true before start, want false")
	}
	if _, ok := s.currentPID(); ok {
		t.Fatal("currentPID() ok = true before start, want false")
	}
}

func TestRescheduleIsNoOpWhenDisabled(t *testing.T) {
	s, cpu, _ := newTestScheduler(t, Config{})

	spawnNamed(s, "a", PriorityNormal)
	Reschedule()
	require.Empty(t, cpu.switches)
	require.Equal(t, s.idle, s.current)
}

func TestSpawnProcessIDs(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})
	s.enableForTest()

	a := spawnNamed(s, "a", PriorityNormal) // raised pid
	require.Equal(t, ProcessID(1), s.pool.ref(a).pid)

	s.yield()
	require.Equal(t, a, s.current)

	// SpawnF without RaisePID inherits the spawner's pid.
	b := s.spawn(func(uintptr) {}, 0, "b", SpawnOption{Priority: PriorityNormal})
	require.Equal(t, ProcessID(1), s.pool.ref(b).pid)

	c := s.spawn(func(uintptr) {}, 0, "c", SpawnOption{Priority: PriorityNormal, RaisePID: true})
	require.Equal(t, ProcessID(2), s.pool.ref(c).pid)
}
