package arch

import (
	"sync"
	"sync/atomic"
	"time"
)

// Logical is a CPU implementation for hosted builds and tests.
//
// Each machine context maps to a goroutine parked on a channel: SwitchContext
// wakes the target goroutine and parks the caller, so at most one goroutine
// executes kernel or thread code at a time, matching the uniprocessor model.
// Timer interrupts are never delivered truly asynchronously; they are latched
// by Tick and injected at interrupt windows, i.e. when the mask depth returns
// to zero and inside Halt. The mask depth is part of the virtual processor
// state and is saved and restored across switches, like the flags register.
type Logical struct {
	mu      sync.Mutex // guards threads
	threads map[*Context]*logicalThread

	// depth is touched only by the running goroutine; handoffs through the
	// resume channels order all accesses.
	depth   int
	pending atomic.Bool
	ticks   chan struct{}
	handler func()
}

type logicalThread struct {
	resume  chan struct{}
	start   ThreadStart
	arg     uintptr
	started bool
	depth   int // saved mask depth while parked
}

// NewLogical creates a logical CPU with no timer handler installed.
func NewLogical() *Logical {
	return &Logical{
		threads: make(map[*Context]*logicalThread),
		ticks:   make(chan struct{}, 1),
	}
}

// SetTimerHandler installs the function invoked for each latched timer
// interrupt. Install before the first Tick.
func (l *Logical) SetTimerHandler(fn func()) { l.handler = fn }

// Tick latches one timer interrupt. Safe to call from any goroutine.
func (l *Logical) Tick() {
	l.pending.Store(true)
	select {
	case l.ticks <- struct{}{}:
	default:
	}
}

// StartTicker latches a timer interrupt every d until the process exits.
func (l *Logical) StartTicker(d time.Duration) {
	go func() {
		t := time.NewTicker(d)
		defer t.Stop()
		for range t.C {
			l.Tick()
		}
	}()
}

// thread resolves ctx, lazily registering bootstrap contexts: the goroutine
// that first switches away from an unknown context is already executing on
// it, so it is born started.
func (l *Logical) thread(ctx *Context) *logicalThread {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.threads[ctx]
	if t == nil {
		t = &logicalThread{resume: make(chan struct{}, 1), started: true}
		l.threads[ctx] = t
	}
	return t
}

func (l *Logical) MakeNewThread(ctx *Context, stackTop uintptr, start ThreadStart, arg uintptr) {
	_ = stackTop // goroutines carry their own stacks
	l.mu.Lock()
	l.threads[ctx] = &logicalThread{resume: make(chan struct{}, 1), start: start, arg: arg}
	l.mu.Unlock()
}

func (l *Logical) SwitchContext(save, restore *Context) {
	l.AssertWithoutInterrupts()
	cur := l.thread(save)
	next := l.thread(restore)
	cur.depth = l.depth
	l.wake(next)
	<-cur.resume
	l.depth = cur.depth
}

func (l *Logical) wake(t *logicalThread) {
	if t.started {
		t.resume <- struct{}{}
		return
	}
	t.started = true
	go func() {
		// A fresh thread begins with interrupts enabled; its first act is
		// the deferred retirement, which the entry wraps in its own mask.
		l.depth = 0
		t.start(t.arg)
		panic("arch: thread entry returned to the CPU layer")
	}()
}

func (l *Logical) WithoutInterrupts(f func()) {
	l.depth++
	f()
	l.depth--
	if l.depth == 0 {
		l.deliver()
	}
}

func (l *Logical) AssertWithoutInterrupts() {
	if l.depth <= 0 {
		panic("arch: interrupts not masked")
	}
}

func (l *Logical) InterlockedIncrement(p *uint64) uint64 {
	return atomic.AddUint64(p, 1)
}

// Halt parks the processor until the next latched tick, then delivers it.
func (l *Logical) Halt() {
	if l.depth != 0 {
		panic("arch: halt with interrupts masked")
	}
	<-l.ticks
	l.deliver()
}

func (l *Logical) deliver() {
	for l.pending.Swap(false) {
		if l.handler == nil {
			return
		}
		l.handler()
	}
}
