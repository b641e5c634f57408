package arch

// ContextSize is the size in bytes of one saved machine context.
const ContextSize = 512

// Context is the saved machine state of one thread.
//
// It is opaque by construction: only the CPU implementation reads or
// writes its contents. The kernel treats it purely as storage.
type Context [ContextSize]byte

// ThreadStart is the entry function of a new thread.
type ThreadStart func(arg uintptr)

// CPU is the only contact point between the scheduler and the processor.
type CPU interface {
	// MakeNewThread primes ctx so that switching into it begins execution
	// at start with arg, on the stack ending at stackTop.
	MakeNewThread(ctx *Context, stackTop uintptr, start ThreadStart, arg uintptr)

	// SwitchContext saves the running state into save and resumes restore.
	// It must be called with interrupts masked and is not reentrant.
	// Control does not return until some later switch restores save.
	SwitchContext(save, restore *Context)

	// WithoutInterrupts runs f with interrupts masked and restores the
	// prior mask state afterwards. Calls may nest.
	WithoutInterrupts(f func())

	// AssertWithoutInterrupts panics unless interrupts are masked.
	AssertWithoutInterrupts()

	// InterlockedIncrement atomically increments *p and returns the new value.
	InterlockedIncrement(p *uint64) uint64

	// Halt idles the processor until the next interrupt.
	Halt()
}
