package sched

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// PanicInfo contains details about a fatal scheduler failure.
type PanicInfo struct {
	Thread ThreadHandle
	Value  any
	Stack  []byte
}

var (
	panicActive atomic.Bool
	panicOnce   sync.Once

	panicHandler atomic.Value // func(PanicInfo)
)

// InPanicMode reports whether the kernel is in panic mode.
func InPanicMode() bool {
	return panicActive.Load()
}

// SetPanicHandler installs a process-wide handler for fatal scheduler
// failures. The handler is invoked at most once and must not panic.
func SetPanicHandler(fn func(PanicInfo)) {
	panicHandler.Store(fn)
}

func triggerPanic(info PanicInfo) {
	panicOnce.Do(func() {
		panicActive.Store(true)
		info.Stack = debug.Stack()
		if v := panicHandler.Load(); v != nil {
			if fn, ok := v.(func(PanicInfo)); ok && fn != nil {
				fn(info)
			}
		}
	})
}

// fatalf reports an unrecoverable kernel bug: a configuration error or an
// invariant violation. It enters panic mode and then panics with the
// formatted message.
func fatalf(format string, args ...any) {
	var h ThreadHandle
	if s := shared.Load(); s != nil {
		// Best-effort diagnostic; reading current unmasked is fine here.
		h = s.current
	}
	msg := fmt.Sprintf(format, args...)
	triggerPanic(PanicInfo{Thread: h, Value: msg})
	panic(msg)
}
