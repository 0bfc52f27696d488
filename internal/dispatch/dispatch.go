// Package dispatch emulates the single-CPU, priority-preemptive dispatch
// assumption spec.md's concurrency model depends on. On the source QNX
// system, the OS always runs the highest-priority ready thread on the
// single CPU, so the coordinator's strictly-higher priority guarantees
// it preempts any worker the instant it is woken. Go's goroutine
// scheduler has no such guarantee on a multi-core machine, so CPU models
// that guarantee directly: at most one goroutine may be "running" at a
// time, and a worker may only acquire the CPU when it is the
// highest-priority task currently wanting it. The coordinator always wins
// immediately, mirroring its fixed place above every worker in the
// priority mapping.
package dispatch

import "sync"

// CPU is the single shared dispatch token described above.
type CPU struct {
	mu        sync.Mutex
	cond      *sync.Cond
	order     []int // priority order, index 0 = highest
	runnable  map[int]bool
	running   bool
	coordWant bool
}

// NewCPU constructs an idle CPU token with no priority order installed.
func NewCPU() *CPU {
	c := &CPU{runnable: make(map[int]bool)}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// SetOrder installs the priority ordering the policy just computed
// (index 0 = highest priority) and wakes anyone waiting to re-check
// whether they are now the front of the line.
func (c *CPU) SetOrder(order []int) {
	c.mu.Lock()
	c.order = append([]int(nil), order...)
	c.mu.Unlock()
	c.cond.Broadcast()
}

// AcquireCoordinator blocks until no worker currently holds the CPU, then
// claims it exclusively for the coordinator's scheduling-event critical
// section (pause all tasks, recompute priorities, install them, release
// tasks). No worker can acquire the CPU while the coordinator holds it or
// is waiting to.
func (c *CPU) AcquireCoordinator() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.coordWant = true
	for c.running {
		c.cond.Wait()
	}
	c.running = true
}

// ReleaseCoordinator hands the CPU back to workers.
func (c *CPU) ReleaseCoordinator() {
	c.mu.Lock()
	c.running = false
	c.coordWant = false
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Acquire blocks taskID until it is the highest-priority task currently
// wanting the CPU and the coordinator is neither running nor waiting.
// Call once per burn quantum.
func (c *CPU) Acquire(taskID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runnable[taskID] = true
	for c.coordWant || c.running || c.frontLocked() != taskID {
		c.cond.Wait()
	}
	c.running = true
}

// Release gives the CPU back after one quantum, or when taskID stops
// wanting it (preempted, period complete, or test done). taskID is
// dropped from the runnable set until it calls Acquire again.
func (c *CPU) Release(taskID int) {
	c.mu.Lock()
	c.running = false
	delete(c.runnable, taskID)
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *CPU) frontLocked() int {
	for _, id := range c.order {
		if c.runnable[id] {
			return id
		}
	}
	return -1
}
