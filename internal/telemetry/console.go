package telemetry

import "fmt"

// ConsoleSink prints the run's required stdout lines exactly as specified:
// START once, MISSED <id> per miss, STOP once, TRACE <csv>, PDATA
// <f>,<f>,<f>, and TDATA <...> per task. It is always present in a run's
// sink list; every optional sink is additive.
type ConsoleSink struct{}

func (ConsoleSink) Start() { fmt.Println("START") }
func (ConsoleSink) Stop()  { fmt.Println("STOP") }

func (ConsoleSink) Dispatch(int) {} // dispatch events only appear aggregated in TRACE

func (ConsoleSink) Missed(taskID int) {
	fmt.Printf("MISSED %d\n", taskID)
}

func (ConsoleSink) Trace(ids []int) {
	fmt.Print("TRACE ")
	for i, id := range ids {
		if i > 0 {
			fmt.Print(",")
		}
		fmt.Print(id)
	}
	fmt.Println()
}

func (ConsoleSink) ProxyData(avgScheduleOverheadS, realRuntimeS, runtimeOvershootFraction float64) {
	fmt.Printf("PDATA %g,%g,%g\n", avgScheduleOverheadS, realRuntimeS, runtimeOvershootFraction)
}

func (ConsoleSink) TaskData(d TaskDatum) {
	fmt.Printf("TDATA %d,%d,%d,%d,%g,%d,%g,%g,%g\n",
		d.ID,
		d.DeadlineEvents,
		d.DeadlinesMissed,
		d.TotalComputationTimeMissed.Nanoseconds(),
		float64(d.TotalComputationTime.Microseconds())/1000.0,
		d.TotalComputationCycles,
		d.TransitionFraction,
		float64(d.RealComputeTime.Microseconds())/1000.0,
		d.TimeErrorFraction,
	)
}
