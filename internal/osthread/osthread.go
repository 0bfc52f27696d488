// Package osthread is the Go analogue of the source system's Thread base
// class: a minimal wrapper that tracks a goroutine's lifecycle and its
// scheduling priority parameter. Go exposes no portable, permission-free
// priority-preemptive thread scheduler, so SchedParam is modeled as plain
// data the rest of the system computes and installs; applyBestEffort (in
// osthread_linux.go) makes a best-effort attempt to push it down to the
// real OS scheduler when running as root on Linux, but nothing in this
// repository depends on that attempt succeeding.
package osthread

import "sync/atomic"

// SchedParam mirrors struct sched_param from the source system: a single
// priority value under a round-robin policy.
type SchedParam struct {
	Priority int
}

// Handle is the composition-based replacement for the Thread base class.
// Callers embed a Handle instead of inheriting from a Thread type.
type Handle struct {
	id      int
	alive   atomic.Bool
	param   atomic.Int64
	applied bool
}

// NewHandle constructs a Handle for the given stable id.
func NewHandle(id int) *Handle {
	h := &Handle{id: id}
	h.alive.Store(true)
	return h
}

// ID returns this thread's stable identity.
func (h *Handle) ID() int { return h.id }

// Alive reports whether this thread is still considered live.
func (h *Handle) Alive() bool { return h.alive.Load() }

// Kill flags the thread as no longer alive. It does not forcibly stop any
// goroutine; callers are expected to observe Alive() and exit cooperatively.
func (h *Handle) Kill() { h.alive.Store(false) }

// SetPriority installs a new scheduling priority for this thread and makes
// a best-effort attempt to apply it to the real OS thread priority.
func (h *Handle) SetPriority(p int) {
	h.param.Store(int64(p))
	applyBestEffort(p)
}

// Priority returns the last priority installed via SetPriority.
func (h *Handle) Priority() SchedParam {
	return SchedParam{Priority: int(h.param.Load())}
}
