//go:build linux

package osthread

import (
	"log"
	"sync"

	"golang.org/x/sys/unix"
)

var warnOnce sync.Once

// applyBestEffort tries to set the calling OS thread's real-time priority
// under SCHED_RR. This only affects the calling goroutine's current OS
// thread and only works when the process has CAP_SYS_NICE or is root; on
// failure it logs once per process and is otherwise silently ignored
// afterward, since the dispatch invariants the scheduling protocol depends
// on are actually enforced by internal/dispatch, not by this best-effort
// call, and a run installs priorities on every scheduling event.
func applyBestEffort(priority int) {
	err := unix.SchedSetscheduler(0, unix.SCHED_RR, &unix.SchedParam{Priority: int32(priority)})
	if err != nil {
		warnOnce.Do(func() {
			log.Printf("osthread: SCHED_RR priority %d not applied (requires privilege): %v", priority, err)
		})
	}
}
