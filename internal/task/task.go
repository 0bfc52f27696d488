// Package task implements the periodic task worker: one per task in the
// run, alternating between blocking on an execution semaphore and
// burning exactly C milliseconds of CPU time per period.
package task

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itskum47/rtsched/internal/dispatch"
	"github.com/itskum47/rtsched/internal/osthread"
	"github.com/itskum47/rtsched/internal/policy"
	"github.com/itskum47/rtsched/internal/spin"
	"golang.org/x/time/rate"
)

// Bookkeeping quantum credited to currentComputeTime on every burn
// iteration, and the shorter real-time spin requested per iteration
// ("needs to be calibrated" per the source comment this is ported from).
const (
	TimeQuantum     = 100 * time.Microsecond
	RealTimeQuantum = 80 * time.Microsecond
)

// Trace is the minimal contract the task worker needs from the shared
// telemetry sink: record a dispatch (resumption) event and a missed
// deadline. It is a narrower view of telemetry.Sink so this package does
// not need to import it.
type Trace interface {
	RecordDispatch(taskID int)
	MissedDeadline(taskID int)
}

// Sem is a counting semaphore used for the shared scheduling semaphore
// posted by period timers and awaited by the coordinator.
type Sem struct {
	ch chan struct{}
}

// NewSem constructs a semaphore with enough buffer to never block a
// poster; spec.md's post-count discipline bounds the total posts per run
// (N arm-acks + numScheduleEvents + 1), so a generous buffer is safe.
func NewSem(capacity int) *Sem {
	return &Sem{ch: make(chan struct{}, capacity)}
}

// Post increments the semaphore.
func (s *Sem) Post() { s.ch <- struct{}{} }

// Wait blocks until a post is available.
func (s *Sem) Wait() { <-s.ch }

// Task is the Go port of the source system's Task: persistent per-task
// state plus the burn-loop state machine that drives it. Fields touched
// only by the owning worker goroutine are plain; fields spec.md marks as
// single-writer-many-reader are atomic; currentComputeTime and deadline are
// touched by more than one goroutine without a single designated writer,
// so they are guarded by periodMu instead.
type Task struct {
	*osthread.Handle

	id     int
	period time.Duration
	compute time.Duration

	cpu    *dispatch.CPU
	sched  *Sem // shared scheduling semaphore, posted toward the coordinator
	trace  Trace
	warnLimiter *rate.Limiter

	execSem chan struct{} // per-task execution semaphore

	// Accumulators read only after the worker has exited (FinalStats).
	// deadlineEvents, deadlinesMissed and totalComputationTimeMissed are
	// written by PeriodEvent on the period-timer goroutine (under
	// periodMu); the rest only by this task's own worker goroutine.
	deadlineEvents             uint
	deadlinesMissed            uint
	totalComputationTimeMissed time.Duration
	totalComputationTime       time.Duration
	totalComputationCycles     uint
	realComputeTime            time.Duration
	computeTransitionTime      time.Duration

	// Guarded by periodMu: currentComputeTime is written every quantum by
	// the owning worker's burn loop and read by PeriodEvent, which runs on
	// the per-task period-timer goroutine; deadline is written by
	// PeriodEvent and read by Snapshot, which runs on the coordinator's
	// goroutine during a scheduling event. Three different goroutines
	// touch this pair, so a plain field is not safe here.
	currentComputeTime time.Duration
	deadline           time.Duration

	// Single-writer-many-reader fields (spec.md §5): written by both the
	// owning worker and the coordinator, so they are atomic.
	computeComplete atomic.Int32
	preempted       atomic.Bool
	testRunning     atomic.Bool

	periodMu sync.Mutex // guards currentComputeTime and deadline (see above)

	done chan struct{}
}

// New constructs a Task. computeMS and periodMS are in milliseconds, per
// spec.md's data model; computeMS must be <= periodMS (checked by the
// caller as a config error before construction).
func New(id int, computeMS, periodMS int, cpu *dispatch.CPU, sched *Sem, trace Trace) *Task {
	t := &Task{
		Handle:      osthread.NewHandle(id),
		id:          id,
		period:      time.Duration(periodMS) * time.Millisecond,
		compute:     time.Duration(computeMS) * time.Millisecond,
		cpu:         cpu,
		sched:       sched,
		trace:       trace,
		warnLimiter: rate.NewLimiter(rate.Every(time.Second), 3),
		execSem:     make(chan struct{}, 1),
		deadline:    time.Duration(periodMS) * time.Millisecond,
		done:        make(chan struct{}),
	}
	// computeComplete must be nonzero before the worker goroutine ever
	// runs: the coordinator's first Release() (arm-timers phase) can race
	// the goroutine's own startup, and Release() is a no-op at
	// computeComplete == 0.
	t.computeComplete.Store(1)
	return t
}

// ID returns the task's stable identity.
func (t *Task) ID() int { return t.id }

// Period returns the task's period.
func (t *Task) Period() time.Duration { return t.period }

// Snapshot returns a read-only view suitable for a Policy to rank. The
// coordinator calls this during a scheduling event while other tasks'
// period-timer goroutines may concurrently fire PeriodEvent, so deadline
// and currentComputeTime are read under periodMu rather than as plain
// fields.
func (t *Task) Snapshot() policy.Snapshot {
	t.periodMu.Lock()
	defer t.periodMu.Unlock()
	return policy.Snapshot{
		ID:        t.id,
		Period:    t.period,
		Deadline:  t.deadline,
		Remaining: t.remainingTimeLocked(),
	}
}

// remainingTimeLocked computes outstanding compute time for the current
// period. Callers must hold periodMu.
func (t *Task) remainingTimeLocked() time.Duration {
	r := t.compute - t.currentComputeTime
	if r < 0 {
		r = 0
	}
	return r
}

// Run is the task worker's start routine. It blocks until the context is
// canceled or StopTest has been called and the burn loop exits, following
// the Created -> AwaitingStart -> TimerArm -> Computing -> ... state
// machine of spec.md §4.2.
func (t *Task) Run(ctx context.Context) {
	defer close(t.done)

	t.testRunning.Store(true)
	t.preempted.Store(false)
	t.currentComputeTime = 0 // no period timer armed yet, so no concurrent reader exists

	// AwaitingStart: block for the first release.
	if !t.waitExec(ctx) {
		return
	}

	// TimerArm: arm the period timer, post the scheduling semaphore once
	// to ack "timer running", then block again for the coordinator's
	// second release (the real start).
	timerDone := t.armPeriodTimer(ctx)
	defer close(timerDone)
	t.sched.Post()
	if !t.waitExec(ctx) {
		return
	}

	firstRun := true
	for t.testRunning.Load() {
		if !firstRun {
			if !t.waitExec(ctx) {
				return
			}
			// StopTest() wakes this same semaphore to unblock a pending
			// wait; recheck immediately so a test-end wakeup falls straight
			// through to the loop guard instead of starting one more full
			// compute burst first.
			if !t.testRunning.Load() {
				break
			}
			t.preempted.Store(false)
		}
		firstRun = false

		t.trace.RecordDispatch(t.id)
		t.computeUntilDoneOrPreempted(ctx)
	}

	t.Kill()
}

// armPeriodTimer starts the per-task period timer as a transient ticker
// goroutine, the Go analogue of the source system's per-task timer
// thread. Per spec.md §5, the callback does nothing beyond invoking
// PeriodEvent, which itself is limited to bookkeeping and a semaphore
// post. The returned channel, closed by the caller, stops the ticker.
func (t *Task) armPeriodTimer(ctx context.Context) chan struct{} {
	stop := make(chan struct{})
	ticker := time.NewTicker(t.period)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.PeriodEvent()
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return stop
}

// waitExec blocks on the execution semaphore, honoring context
// cancellation so a run can always be torn down.
func (t *Task) waitExec(ctx context.Context) bool {
	select {
	case <-t.execSem:
		return true
	case <-ctx.Done():
		return false
	}
}

// computeUntilDoneOrPreempted implements the Computing/PeriodComplete/
// Preempted states: burn in fixed quanta, checking preemption at each
// boundary, until either the period's compute time is exhausted or the
// coordinator requests preemption.
func (t *Task) computeUntilDoneOrPreempted(ctx context.Context) {
	for {
		t.periodMu.Lock()
		outstanding := t.currentComputeTime < t.compute
		t.periodMu.Unlock()
		if !outstanding {
			return
		}

		if t.preempted.Load() {
			return // Preempted: drop back to the execution semaphore.
		}

		t.cpu.Acquire(t.id)
		preStart := time.Now()

		err := spin.Burn(RealTimeQuantum)

		if t.preempted.Load() {
			// Preemption raced the spin; the elapsed time is
			// unavoidable and is credited in full (spec.md §4.2).
			t.realComputeTime += TimeQuantum
		} else {
			t.realComputeTime += time.Since(preStart)
		}

		periodComplete := false
		if err != nil {
			if t.warnLimiter.Allow() {
				log.Printf("task %d: spin overran its quantum: %v", t.id, err)
			}
		}
		// An overrun is only logged; the quantum is credited either way.
		// currentComputeTime is also read by PeriodEvent (the
		// period-timer goroutine) and by Snapshot (the coordinator's
		// goroutine), so mutate it under periodMu rather than as a
		// plain field.
		t.periodMu.Lock()
		t.currentComputeTime += TimeQuantum
		done := t.currentComputeTime >= t.compute
		if done {
			t.currentComputeTime = 0
		}
		t.periodMu.Unlock()

		t.totalComputationTime += TimeQuantum
		if done {
			// PeriodComplete: finalize while still holding the CPU
			// token, so the coordinator's AcquireCoordinator (which
			// waits for the token to go idle) can never observe
			// these fields mid-update.
			t.computeComplete.Add(-1)
			t.totalComputationCycles++
			periodComplete = true
		}

		transitionStart := time.Now()
		t.cpu.Release(t.id)
		t.computeTransitionTime += time.Since(transitionStart)

		if periodComplete {
			return
		}
	}
}

// Release posts the execution semaphore, but only if there is still
// outstanding work for this period (spec.md: "no-op when computeComplete
// == 0"). Called by the coordinator after installing new priorities.
func (t *Task) Release() {
	if t.computeComplete.Load() != 0 {
		select {
		case t.execSem <- struct{}{}:
		default:
			// Semaphore already has a pending release queued; posting
			// again would just accumulate extra wakeups, which release()
			// never intends (it posts at most once per call).
		}
	}
}

// Pause requests preemption. It only sets the flag; the burn loop drops
// out at the next quantum boundary on its own.
func (t *Task) Pause() {
	t.preempted.Store(true)
}

// StopTest clears testRunning and wakes any blocked wait so the worker
// can exit its loop.
func (t *Task) StopTest() {
	t.testRunning.Store(false)
	select {
	case t.execSem <- struct{}{}:
	default:
	}
}

// StopTask terminates the worker for good (post-run cleanup).
func (t *Task) StopTask() {
	t.Kill()
	select {
	case t.execSem <- struct{}{}:
	default:
	}
	<-t.done
}

// PeriodEvent is invoked from the period-timer callback context (a
// transient goroutine per spec.md §5's thread model). It must do nothing
// beyond the bookkeeping and semaphore post spec.md §4.2 specifies.
func (t *Task) PeriodEvent() {
	if !t.testRunning.Load() {
		return
	}

	t.periodMu.Lock()
	defer t.periodMu.Unlock()

	t.deadlineEvents++
	if t.computeComplete.Load() > 0 {
		t.deadlinesMissed++
		t.totalComputationTimeMissed += t.compute - t.currentComputeTime
		t.trace.MissedDeadline(t.id)
	}

	t.deadline += t.period
	t.computeComplete.Add(1)
	t.sched.Post()
}

// ComputeComplete exposes the outstanding-cycles counter for tests.
// Release performs its own skip check on the same counter.
func (t *Task) ComputeComplete() int32 { return t.computeComplete.Load() }

// Stats is the final per-task data snapshot telemetry emits as TDATA.
type Stats struct {
	ID                         int
	DeadlineEvents             uint
	DeadlinesMissed            uint
	TotalComputationTimeMissed time.Duration
	TotalComputationTime       time.Duration
	TotalComputationCycles     uint
	RealComputeTime            time.Duration
	ComputeTransitionTime      time.Duration
}

// FinalStats gathers the task's accumulated counters for logging. Safe to
// call only after the worker goroutine has exited (testRunning cleared
// and the burn loop can no longer mutate these fields).
func (t *Task) FinalStats() Stats {
	return Stats{
		ID:                         t.id,
		DeadlineEvents:             t.deadlineEvents,
		DeadlinesMissed:            t.deadlinesMissed,
		TotalComputationTimeMissed: t.totalComputationTimeMissed,
		TotalComputationTime:       t.totalComputationTime,
		TotalComputationCycles:     t.totalComputationCycles,
		RealComputeTime:            t.realComputeTime,
		ComputeTransitionTime:      t.computeTransitionTime,
	}
}
