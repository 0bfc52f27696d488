// Package scheduler implements the proxy scheduler: the coordinator
// goroutine that owns the task set, drives the policy, and carries out
// the scheduling protocol (arm, prime, run, re-rank on every scheduling
// event, tear down).
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itskum47/rtsched/internal/dispatch"
	"github.com/itskum47/rtsched/internal/osthread"
	"github.com/itskum47/rtsched/internal/policy"
	"github.com/itskum47/rtsched/internal/task"
	"github.com/itskum47/rtsched/internal/telemetry"
)

// coordinatorPriorityMargin is the constant term of the coordinator's
// priority in the priority mapping (P_coord = default + N + 5). Workers
// occupy default .. default+N-1, so the coordinator is always above them.
const coordinatorPriorityMargin = 5

// TaskSpec is one (C, P) pair read from the task-data prompt.
type TaskSpec struct {
	ID        int
	ComputeMS int
	PeriodMS  int
}

// RunContext is the shared handle every task.Task is constructed with: the
// scheduling semaphore and the telemetry sink, standing in for the source
// system's back-pointer-free SchedCtx. It also owns the append-only
// dispatch trace, since only the coordinator ever reads it back.
type RunContext struct {
	sched *task.Sem
	sink  telemetry.Sink

	mu    sync.Mutex
	trace []int
}

func newRunContext(sink telemetry.Sink) *RunContext {
	return &RunContext{
		sched: task.NewSem(256),
		sink:  sink,
	}
}

// RecordDispatch implements task.Trace: append to the dispatch trace and
// forward the event to every configured sink.
func (r *RunContext) RecordDispatch(taskID int) {
	r.mu.Lock()
	r.trace = append(r.trace, taskID)
	r.mu.Unlock()
	r.sink.Dispatch(taskID)
}

// MissedDeadline implements task.Trace: forward a missed-deadline event.
func (r *RunContext) MissedDeadline(taskID int) {
	r.sink.Missed(taskID)
}

func (r *RunContext) snapshotTrace() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.trace...)
}

// ProxyScheduler owns the N task workers, the policy, and the shared
// dispatch primitives, and carries out the scheduling protocol.
type ProxyScheduler struct {
	tasks    []*task.Task
	taskByID map[int]*task.Task

	policy   policy.Policy
	cpu      *dispatch.CPU
	runCtx   *RunContext
	sink     telemetry.Sink
	coord    *osthread.Handle
	runtime  time.Duration
	basePrio int

	timeExpired atomic.Bool

	realScheduleTime  time.Duration
	numScheduleEvents uint
}

// New validates specs (C <= P for every task, as required at the config
// boundary) and constructs a scheduler ready to Run. basePriority is the
// OS-provided default priority the mapping is computed from.
func New(specs []TaskSpec, pol policy.Policy, runtime time.Duration, basePriority int, sink telemetry.Sink) (*ProxyScheduler, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("scheduler: at least one task is required")
	}
	if pol == nil {
		return nil, fmt.Errorf("scheduler: invalid policy")
	}
	for _, s := range specs {
		if s.ComputeMS <= 0 || s.PeriodMS <= 0 {
			return nil, fmt.Errorf("scheduler: task %d: compute and period must be positive", s.ID)
		}
		if s.ComputeMS > s.PeriodMS {
			return nil, fmt.Errorf("scheduler: task %d: compute time %dms exceeds period %dms", s.ID, s.ComputeMS, s.PeriodMS)
		}
	}

	cpu := dispatch.NewCPU()
	runCtx := newRunContext(sink)

	s := &ProxyScheduler{
		taskByID: make(map[int]*task.Task, len(specs)),
		policy:   pol,
		cpu:      cpu,
		runCtx:   runCtx,
		sink:     sink,
		coord:    osthread.NewHandle(-1),
		runtime:  runtime,
		basePrio: basePriority,
	}
	for _, spec := range specs {
		t := task.New(spec.ID, spec.ComputeMS, spec.PeriodMS, cpu, runCtx.sched, runCtx)
		s.tasks = append(s.tasks, t)
		s.taskByID[spec.ID] = t
	}
	return s, nil
}

// Run executes the full scheduling protocol (spec §4.3, steps 1-8) and
// blocks until the test timer has fired and the run has been torn down.
// Canceling ctx stops the workers but does not end Run before the test
// timer fires. The run's final telemetry is emitted to sink; Run itself
// returns nil.
func (s *ProxyScheduler) Run(ctx context.Context) error {
	n := len(s.tasks)
	pCoord := s.basePrio + n + coordinatorPriorityMargin
	s.coord.SetPriority(pCoord)

	s.sink.Start()
	runStart := time.Now()

	// Step 1: initial ordering.
	order := s.policy.Order(s.snapshots())
	s.cpu.SetOrder(order)

	// Step 2: one-shot test timer.
	testTimer := time.AfterFunc(s.runtime, func() {
		s.timeExpired.Store(true)
		s.runCtx.sched.Post()
	})
	defer testTimer.Stop()

	// Step 3: start workers (enter AwaitingStart).
	var wg sync.WaitGroup
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	for _, t := range s.tasks {
		wg.Add(1)
		go func(t *task.Task) {
			defer wg.Done()
			t.Run(workerCtx)
		}(t)
	}

	// Step 4: arm-timers phase. Release once in priority order, then
	// consume exactly N acks.
	for _, id := range order {
		s.taskByID[id].Release()
	}
	for i := 0; i < n; i++ {
		s.runCtx.sched.Wait()
	}

	// Step 5: prime priorities using the order already computed.
	s.installPriorities(order)

	// Step 6: release all tasks again; this is the first real start.
	for _, id := range order {
		s.taskByID[id].Release()
	}

	// Step 7: main loop.
	for {
		s.runCtx.sched.Wait()
		if s.timeExpired.Load() {
			break
		}

		loopStart := time.Now()

		// Claim the CPU token exclusively: no worker may be mid-quantum
		// while priorities are read and recomputed, the Go analogue of
		// the source system's higher-priority-coordinator guarantee.
		s.cpu.AcquireCoordinator()

		for _, t := range s.tasks {
			t.Pause()
		}

		order = s.policy.Order(s.snapshots())
		s.cpu.SetOrder(order)
		s.installPriorities(order)

		for _, id := range order {
			s.taskByID[id].Release()
		}

		s.cpu.ReleaseCoordinator()

		elapsed := time.Since(loopStart)
		s.realScheduleTime += elapsed
		s.numScheduleEvents++
		telemetry.RecordScheduleOverhead(elapsed)
	}

	// Step 8: termination. Pause forces every worker to drop out of its
	// burn loop at the next quantum boundary; StopTest then clears
	// testRunning and wakes anyone blocked on the execution semaphore, and
	// wg.Wait() blocks until every worker goroutine has actually returned
	// from Run(). Only once every worker is quiesced is it safe to read
	// FinalStats() — otherwise a worker still mid-burn could mutate its
	// counters concurrently with this goroutine's read of them.
	for _, t := range s.tasks {
		t.Pause()
	}
	for _, t := range s.tasks {
		t.StopTest()
	}
	testTimer.Stop()
	realRuntime := time.Since(runStart)
	wg.Wait()

	s.sink.Trace(s.runCtx.snapshotTrace())

	var avgOverheadS float64
	if s.numScheduleEvents > 0 {
		avgOverheadS = s.realScheduleTime.Seconds() / float64(s.numScheduleEvents)
	}
	overshoot := (realRuntime.Seconds() - s.runtime.Seconds()) / s.runtime.Seconds()
	s.sink.ProxyData(avgOverheadS, realRuntime.Seconds(), overshoot)

	for _, t := range s.tasks {
		emitTaskData(s.sink, t)
	}

	for _, t := range s.tasks {
		t.StopTask()
	}

	s.sink.Stop()
	return nil
}

func emitTaskData(sink telemetry.Sink, t *task.Task) {
	st := t.FinalStats()

	var transitionFraction, timeErrorFraction float64
	if st.RealComputeTime > 0 {
		transitionFraction = st.ComputeTransitionTime.Seconds() / st.RealComputeTime.Seconds()
	}
	if st.TotalComputationTime > 0 {
		timeErrorFraction = (st.TotalComputationTime.Seconds() - st.RealComputeTime.Seconds()) / st.TotalComputationTime.Seconds()
	}

	sink.TaskData(telemetry.TaskDatum{
		ID:                         st.ID,
		DeadlineEvents:             st.DeadlineEvents,
		DeadlinesMissed:            st.DeadlinesMissed,
		TotalComputationTimeMissed: st.TotalComputationTimeMissed,
		TotalComputationTime:       st.TotalComputationTime,
		TotalComputationCycles:     st.TotalComputationCycles,
		TransitionFraction:         transitionFraction,
		RealComputeTime:            st.RealComputeTime,
		TimeErrorFraction:          timeErrorFraction,
	})
}

// snapshots takes a Snapshot of every task for the policy to rank. Safe to
// call only while every task is quiesced: at step 1 nothing has started
// yet, and in the main loop every task has just been paused.
func (s *ProxyScheduler) snapshots() []policy.Snapshot {
	snaps := make([]policy.Snapshot, len(s.tasks))
	for i, t := range s.tasks {
		snaps[i] = t.Snapshot()
	}
	return snaps
}

// installPriorities applies the priority mapping: rank 0 (highest
// priority) gets basePrio + (N-1), rank k gets basePrio + (N-1-k).
func (s *ProxyScheduler) installPriorities(order []int) {
	n := len(order)
	for rank, id := range order {
		s.taskByID[id].SetPriority(s.basePrio + (n - 1 - rank))
	}
}
