package sched

import (
	"sync/atomic"
	"unsafe"

	"toe/arch"
)

// ProcessID groups threads spawned under one logical process. There is no
// process object behind it; pid 0 belongs to the kernel itself.
type ProcessID uint64

// ThreadHandle is the only way to reference a thread. Handles are non-zero
// and never reused; zero doubles as the "no thread" sentinel.
type ThreadHandle uint64

// Priority determines the initial quantum length. Realtime threads are
// additionally exempt from quantum preemption.
type Priority uint8

const (
	PriorityIdle Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityRealtime
)

func (p Priority) String() string {
	switch p {
	case PriorityIdle:
		return "idle"
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityRealtime:
		return "realtime"
	default:
		return "unknown"
	}
}

func (p Priority) isUseful() bool { return p != PriorityIdle }

func defaultQuantum(p Priority) uint8 {
	switch p {
	case PriorityHigh:
		return 25
	case PriorityNormal:
		return 10
	case PriorityLow:
		return 5
	default:
		return 1
	}
}

// quantum counts the scheduling ticks a thread may consume before forced
// preemption.
type quantum struct {
	current uint8
	def     uint8
}

func newQuantum(p Priority) quantum {
	v := defaultQuantum(p)
	return quantum{current: v, def: v}
}

func (q *quantum) reset() { q.current = q.def }

// consume burns one tick; once the counter is exhausted it reports true and
// resets, so a default of N yields exactly N false consumptions per cycle.
func (q *quantum) consume() bool {
	if q.current > 0 {
		q.current--
		return false
	}
	q.reset()
	return true
}

type threadAttribute uint32

const (
	attrQueued threadAttribute = 1 << iota
	attrAsleep
	attrAwake
	attrZombie
)

// attributeSet holds the thread attribute bits. Bits are toggled from both
// thread and interrupt context, always inside masked sections; the atomic
// ops additionally make transient reads safe.
type attributeSet struct {
	bits atomic.Uint32
}

func (a *attributeSet) contains(f threadAttribute) bool {
	return a.bits.Load()&uint32(f) != 0
}

func (a *attributeSet) insert(f threadAttribute) { a.bits.Or(uint32(f)) }

func (a *attributeSet) remove(f threadAttribute) { a.bits.And(^uint32(f)) }

// testAndSet sets f, reporting whether it was already set.
func (a *attributeSet) testAndSet(f threadAttribute) bool {
	return a.bits.Or(uint32(f))&uint32(f) != 0
}

// testAndClear clears f, reporting whether it was set.
func (a *attributeSet) testAndClear(f threadAttribute) bool {
	return a.bits.And(^uint32(f))&uint32(f) != 0
}

// String renders the dominant state as a one-letter code, ps style.
func (a *attributeSet) String() string {
	switch {
	case a.contains(attrZombie):
		return "Z"
	case a.contains(attrAwake):
		return "W"
	case a.contains(attrAsleep):
		return "S"
	case a.contains(attrQueued):
		return "R"
	default:
		return "-"
	}
}

const (
	sizeOfStack   = 0x10000
	threadNameLen = 32
)

// thread is the control block of one schedulable unit. Exactly one exists
// per live handle, owned exclusively by the thread pool.
type thread struct {
	context arch.Context
	stack   []byte // nil for the bootstrap idle thread

	pid    ProcessID
	handle ThreadHandle

	attr     attributeSet
	priority Priority
	quantum  quantum

	name    [threadNameLen]byte
	nameLen uint8
}

func (t *thread) setName(name string) {
	t.nameLen = uint8(copy(t.name[:], name))
}

func (t *thread) threadName() string {
	return string(t.name[:t.nameLen])
}

// newThread builds a control block. Threads with an entry point own a fresh
// stack and a context primed to run the exit-handling trampoline.
func (s *Scheduler) newThread(pid ProcessID, pri Priority, name string, start arch.ThreadStart, arg uintptr) *thread {
	t := &thread{
		pid:      pid,
		handle:   s.nextHandle(),
		priority: pri,
		quantum:  newQuantum(pri),
	}
	t.setName(name)
	if start != nil {
		t.stack = make([]byte, sizeOfStack)
		top := uintptr(unsafe.Pointer(unsafe.SliceData(t.stack))) + sizeOfStack
		s.cpu.MakeNewThread(&t.context, top, s.trampoline(start), arg)
	}
	return t
}

// SpawnOption configures a spawn: the priority class and whether the new
// thread starts a fresh process id or inherits the spawner's.
type SpawnOption struct {
	Priority Priority
	RaisePID bool
}

// NewSpawnOption returns the default spawn configuration.
func NewSpawnOption() SpawnOption {
	return SpawnOption{Priority: PriorityNormal}
}

// WithPriority returns a spawn configuration for the given priority.
func WithPriority(p Priority) SpawnOption {
	return SpawnOption{Priority: p}
}

// Spawn starts a thread under a fresh process id.
func (o SpawnOption) Spawn(start arch.ThreadStart, arg uintptr, name string) ThreadHandle {
	o.RaisePID = true
	return sharedScheduler().spawn(start, arg, name, o)
}

// SpawnF starts a thread, inheriting the spawner's process id unless
// RaisePID is set.
func (o SpawnOption) SpawnF(start arch.ThreadStart, arg uintptr, name string) ThreadHandle {
	return sharedScheduler().spawn(start, arg, name, o)
}

// Wake marks the thread awake and makes it runnable unless it is already
// queued; a wake racing a sleep is latched and resolved at retirement.
// Safe from any context, including interrupt handlers.
func (h ThreadHandle) Wake() {
	sharedScheduler().wake(h)
}

// Name returns the thread's name, empty when unnamed.
func (h ThreadHandle) Name() string {
	return sharedScheduler().pool.ref(h).threadName()
}
