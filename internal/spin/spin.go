// Package spin implements the calibrated busy-wait primitive the task
// burn loop relies on. QNX's nanospin()/nanospin_calibrate() spin on a
// hardware cycle counter; Go has no portable equivalent, so this package
// calibrates a spin count against the monotonic clock once at startup and
// reuses it for every burn request afterward.
package spin

import (
	"errors"
	"runtime"
	"sync"
	"time"
)

// ErrOverrun is returned when a spin request could not be honored within a
// reasonable bound, mirroring a non-zero nanospin() return in the source
// system. It is a warning signal, never fatal.
var ErrOverrun = errors.New("spin: busy-wait overran its deadline")

var (
	calibrateOnce sync.Once
	iterationsPerUS float64 = 1000 // seeded default before Calibrate runs
)

// Calibrate measures how many no-op loop iterations this machine can run
// per microsecond, the same role nanospin_calibrate(1) plays in the source
// system. It is safe to call multiple times; only the first call measures.
func Calibrate() {
	calibrateOnce.Do(func() {
		const probeIterations = 50_000_000
		start := time.Now()
		spinLoop(probeIterations)
		elapsed := time.Since(start)
		if elapsed > 0 {
			iterationsPerUS = float64(probeIterations) / (float64(elapsed) / float64(time.Microsecond))
		}
	})
}

//go:noinline
func spinLoop(n int64) {
	var x int64
	for i := int64(0); i < n; i++ {
		x += i
	}
	runtime.KeepAlive(x)
}

// Burn busy-waits for approximately d, returning ErrOverrun if the actual
// elapsed time exceeded d by more than 50%, the Go analogue of a non-zero
// nanospin() return. A request of zero or less still spins one iteration
// and never reports an overrun. The caller is expected to credit a fixed quantum to
// its bookkeeping regardless of the return value, per spec: an overrun is
// logged, not corrected.
func Burn(d time.Duration) error {
	Calibrate()
	iterations := int64(iterationsPerUS * float64(d) / float64(time.Microsecond))
	if iterations < 1 {
		iterations = 1
	}
	start := time.Now()
	spinLoop(iterations)
	if elapsed := time.Since(start); d > 0 && elapsed > d+d/2 {
		return ErrOverrun
	}
	return nil
}
