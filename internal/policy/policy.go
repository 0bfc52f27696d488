// Package policy implements the three priority-ordering algorithms the
// proxy scheduler drives: Rate Monotonic, Earliest Deadline First, and
// Shortest Completion Time. Each is a plain value implementing the
// Policy interface (a tagged sum, per spec.md's redesign note, instead of
// a class hierarchy).
package policy

import (
	"sort"
	"time"
)

// Snapshot is the read-only view of a task a Policy needs to rank it.
// The scheduler builds these while every worker is quiesced, so Order
// never observes a task mutating mid-computation.
type Snapshot struct {
	ID        int
	Period    time.Duration
	Deadline  time.Duration
	Remaining time.Duration
}

// Policy ranks a task set highest-priority first. Implementations must be
// pure (no mutation of the snapshots) and total: the result is always a
// permutation of the input task ids. Ties are broken by insertion order
// (the order tasks appear in the input slice).
type Policy interface {
	Order(tasks []Snapshot) []int
}

// RMA ranks by period ascending: shorter period, higher priority. Since
// period never changes for a task, RMA's ordering is static for a fixed
// task set.
type RMA struct{}

func (RMA) Order(tasks []Snapshot) []int {
	return rank(tasks, func(s Snapshot) int64 { return int64(s.Period) })
}

// EDF ranks by absolute deadline ascending: the task whose deadline
// arrives soonest runs first. Deadlines advance every period, so EDF is
// recomputed on every scheduling event.
type EDF struct{}

func (EDF) Order(tasks []Snapshot) []int {
	return rank(tasks, func(s Snapshot) int64 { return int64(s.Deadline) })
}

// SCT ranks by remaining compute time ascending: whichever task is
// closest to finishing its current period runs first. Remaining time
// changes as a task burns CPU, so SCT's ordering is dynamic within a
// single period.
type SCT struct{}

func (SCT) Order(tasks []Snapshot) []int {
	return rank(tasks, func(s Snapshot) int64 { return int64(s.Remaining) })
}

// rank sorts a copy of tasks by ascending key, stable so that ties retain
// their original (insertion) order, then returns the ranked ids. An empty
// input returns an empty, non-nil slice.
func rank(tasks []Snapshot, key func(Snapshot) int64) []int {
	ranked := make([]Snapshot, len(tasks))
	copy(ranked, tasks)
	sort.SliceStable(ranked, func(i, j int) bool {
		return key(ranked[i]) < key(ranked[j])
	})
	ids := make([]int, len(ranked))
	for i, s := range ranked {
		ids[i] = s.ID
	}
	return ids
}

// ForName resolves the stdin algorithm selector (spec.md §6: 0=RMA,
// 1=EDF, 2=SCT) to a Policy. An unrecognized selector is a config error.
func ForName(selector int) (Policy, bool) {
	switch selector {
	case 0:
		return RMA{}, true
	case 1:
		return EDF{}, true
	case 2:
		return SCT{}, true
	default:
		return nil, false
	}
}
