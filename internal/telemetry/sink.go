// Package telemetry emits the run's required stdout/trace contract and
// fans the same events out to whichever optional sinks the environment
// configures (Prometheus, Redis, Postgres, WebSocket). None of the
// optional sinks can influence scheduling; they only observe it.
package telemetry

import (
	"strconv"
	"time"
)

// Sink is the tagged event contract every trace consumer implements.
// Event kinds mirror {SCHEDULE, MISSED_DEADLINE, SCHEDULE_TRACE,
// PROXY_DATA, TASK_DATA}.
type Sink interface {
	Start()
	Stop()
	// Dispatch records a SCHEDULE event: taskID was just resumed on the CPU.
	Dispatch(taskID int)
	// Missed records a MISSED_DEADLINE event.
	Missed(taskID int)
	// Trace emits the run's full SCHEDULE_TRACE as an ordered task-id list.
	Trace(ids []int)
	// ProxyData emits the run-level PROXY_DATA record.
	ProxyData(avgScheduleOverheadS, realRuntimeS, runtimeOvershootFraction float64)
	// TaskData emits one TASK_DATA record per task at end of run.
	TaskData(d TaskDatum)
}

// TaskDatum is the flattened TDATA row, independent of internal/task's
// Stats type so this package never needs to import internal/task.
type TaskDatum struct {
	ID                         int
	DeadlineEvents             uint
	DeadlinesMissed            uint
	TotalComputationTimeMissed time.Duration
	TotalComputationTime       time.Duration
	TotalComputationCycles     uint
	TransitionFraction         float64
	RealComputeTime            time.Duration
	TimeErrorFraction          float64
}

// MultiSink fans every event out to a fixed list of sinks in order. A
// panic-free, best-effort fan-out: an individual sink's own internals are
// responsible for not blocking or failing the run (see redis.go/websocket.go).
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink builds a fan-out sink. Nil entries are skipped, so callers
// can unconditionally append optional sinks that may not be configured.
func NewMultiSink(sinks ...Sink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *MultiSink) Start() {
	for _, s := range m.sinks {
		s.Start()
	}
}

func (m *MultiSink) Stop() {
	for _, s := range m.sinks {
		s.Stop()
	}
}

func (m *MultiSink) Dispatch(taskID int) {
	dispatchesTotal.WithLabelValues(idLabel(taskID)).Inc()
	for _, s := range m.sinks {
		s.Dispatch(taskID)
	}
}

func (m *MultiSink) Missed(taskID int) {
	deadlineMissesTotal.WithLabelValues(idLabel(taskID)).Inc()
	for _, s := range m.sinks {
		s.Missed(taskID)
	}
}

func (m *MultiSink) Trace(ids []int) {
	for _, s := range m.sinks {
		s.Trace(ids)
	}
}

func (m *MultiSink) ProxyData(avgScheduleOverheadS, realRuntimeS, runtimeOvershootFraction float64) {
	for _, s := range m.sinks {
		s.ProxyData(avgScheduleOverheadS, realRuntimeS, runtimeOvershootFraction)
	}
}

func (m *MultiSink) TaskData(d TaskDatum) {
	deadlineEventsTotal.WithLabelValues(idLabel(d.ID)).Add(float64(d.DeadlineEvents))
	for _, s := range m.sinks {
		s.TaskData(d)
	}
}

func idLabel(id int) string {
	return strconv.Itoa(id)
}
