//go:build !linux

package osthread

// applyBestEffort is a no-op on platforms without a SCHED_RR-style
// priority call available through golang.org/x/sys/unix in this build.
func applyBestEffort(priority int) {}
