// Command toe boots the kernel scheduler on a logical processor, with host
// goroutines standing in for machine contexts and a ticker standing in for
// the timer interrupt.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"

	"toe/arch"
	"toe/internal/buildinfo"
	"toe/kernel/sched"
)

// hostTime is a monotonic time source anchored at process start. Deadlines
// are offset by one so a zero duration never collides with the "no
// deadline" sentinel.
type hostTime struct {
	start time.Time
}

func (t *hostTime) Create(d time.Duration) sched.TimeSpec {
	return sched.TimeSpec(time.Since(t.start)+d) + 1
}

func (t *hostTime) Until(deadline sched.TimeSpec) bool {
	return sched.TimeSpec(time.Since(t.start))+1 < deadline
}

func (t *hostTime) Monotonic() time.Duration {
	return time.Since(t.start)
}

// consoleWindow is a stand-in window system that just logs timer posts.
type consoleWindow struct {
	log *logiface.Logger[logiface.Event]
}

func (w *consoleWindow) PostTimer(h sched.WindowHandle, timerID int) {
	w.log.Info().
		Uint64("window", uint64(h)).
		Int("timer", timerID).
		Log("window timer")
}

func main() {
	var (
		hz      = flag.Int("hz", 1000, "Timer interrupt rate.")
		run     = flag.Duration("run", 0, "Exit after this long (0 = run until interrupted).")
		verbose = flag.Bool("v", false, "Enable debug logging.")
	)
	flag.Parse()

	level := stumpy.L.LevelInformational()
	if *verbose {
		level = stumpy.L.LevelDebug()
	}
	log := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stdout)),
		stumpy.L.WithLevel(level),
	).Logger()

	sched.SetPanicHandler(func(info sched.PanicInfo) {
		log.Emerg().
			Uint64("thread", uint64(info.Thread)).
			Any("value", info.Value).
			Str("stack", string(info.Stack)).
			Log("kernel panic")
	})

	cpu := arch.NewLogical()
	cpu.SetTimerHandler(sched.Reschedule)
	cpu.StartTicker(time.Second / time.Duration(*hz))

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt)
		if *run > 0 {
			select {
			case <-sig:
			case <-time.After(*run):
			}
		} else {
			<-sig
		}
		log.Notice().Log("shutting down")
		os.Exit(0)
	}()

	log.Info().
		Str("system", buildinfo.SystemName).
		Str("kernel", buildinfo.Current.String()).
		Str("build", buildinfo.Short()).
		Log("booting")

	sched.Start(sched.Config{
		CPU:    cpu,
		Time:   &hostTime{start: time.Now()},
		Window: &consoleWindow{log: log},
		Logger: log,
	}, sysEntry(log), 0)
}

// sysEntry is the first thread: it reports boot, starts the demo workload,
// and then acts as a heartbeat.
func sysEntry(log *logiface.Logger[logiface.Event]) arch.ThreadStart {
	return func(uintptr) {
		pid, _ := sched.CurrentPID()
		log.Info().
			Uint64("pid", uint64(pid)).
			Log("system thread online")

		sched.WithPriority(sched.PriorityHigh).Spawn(courier(log), 0, "Courier")
		for i := uintptr(0); i < 3; i++ {
			sched.NewSpawnOption().SpawnF(worker(log), i, fmt.Sprintf("Worker-%d", i))
		}

		// A recurring window timer, the kind the UI layer would use for
		// cursor blink.
		if err := sched.ScheduleTimer(sched.WindowTimer(1, 0, sched.NewTimer(time.Second))); err != nil {
			log.Err().Str("error", err.Error()).Log("window timer rejected")
		}

		for {
			sched.MSleep(5000)
			h, _ := sched.CurrentThread()
			log.Info().
				Str("thread", h.Name()).
				Str("uptime", sched.Monotonic().String()).
				Log("heartbeat")
		}
	}
}

// worker burns quantum in bursts, exercising preemption and timed sleeps.
func worker(log *logiface.Logger[logiface.Event]) arch.ThreadStart {
	return func(arg uintptr) {
		h, _ := sched.CurrentThread()
		for i := 0; ; i++ {
			for j := 0; j < 1000; j++ {
				sched.Yield()
			}
			log.Debug().
				Str("thread", h.Name()).
				Int("round", i).
				Log("worker round complete")
			sched.MSleep(100 * uint64(arg+1))
		}
	}
}

// courier wakes the workers' sleeps early now and then, exercising the
// wake-versus-sleep race from a second thread.
func courier(log *logiface.Logger[logiface.Event]) arch.ThreadStart {
	return func(uintptr) {
		for {
			sched.MSleep(1000)
			log.Debug().Log("courier pass")
			sched.Yield()
		}
	}
}
