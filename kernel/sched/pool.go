package sched

import "toe/arch"

// threadPool is the exclusive owner of every live control block, keyed by
// handle. Every read or write happens inside an interrupt-masked section;
// no caller holds a registry reference across a reschedule point.
type threadPool struct {
	cpu  arch.CPU
	data map[ThreadHandle]*thread
}

func newThreadPool(cpu arch.CPU) threadPool {
	return threadPool{cpu: cpu, data: make(map[ThreadHandle]*thread)}
}

func (p *threadPool) add(t *thread) {
	p.cpu.WithoutInterrupts(func() {
		p.data[t.handle] = t
	})
}

// get resolves a handle, reporting false when it is unknown.
func (p *threadPool) get(h ThreadHandle) (*thread, bool) {
	var t *thread
	p.cpu.WithoutInterrupts(func() { t = p.data[h] })
	return t, t != nil
}

// ref resolves a handle that must exist; a stale handle is a kernel bug.
// The result must not be held across a point that could destroy the thread.
func (p *threadPool) ref(h ThreadHandle) *thread {
	t, ok := p.get(h)
	if !ok {
		fatalf("sched: unknown thread handle %d", h)
	}
	return t
}

// update runs f on the control block inside the masked section.
func (p *threadPool) update(h ThreadHandle, f func(*thread)) {
	p.cpu.WithoutInterrupts(func() {
		t := p.data[h]
		if t == nil {
			fatalf("sched: unknown thread handle %d", h)
		}
		f(t)
	})
}

// dropThread removes and destroys a control block, releasing its stack.
// It must never be called for the currently executing thread.
func (p *threadPool) dropThread(h ThreadHandle) {
	p.cpu.WithoutInterrupts(func() {
		if t := p.data[h]; t != nil {
			t.stack = nil
		}
		delete(p.data, h)
	})
}

func (p *threadPool) size() int {
	var n int
	p.cpu.WithoutInterrupts(func() { n = len(p.data) })
	return n
}
