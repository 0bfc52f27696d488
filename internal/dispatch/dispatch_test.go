package dispatch

import (
	"testing"
	"time"
)

func TestHighestPriorityRunnableTaskAcquiresFirst(t *testing.T) {
	cpu := NewCPU()
	cpu.SetOrder([]int{2, 1, 3}) // task 2 highest priority

	acquired := make(chan int, 3)
	done := make(chan struct{})

	// Hold the CPU so every worker that asks for it has to block.
	cpu.AcquireCoordinator()

	// Tasks 1 and 3 become runnable first and block; task 2 arrives last
	// but must still run first since it is highest priority.
	for _, id := range []int{1, 3} {
		go func(id int) {
			cpu.Acquire(id)
			acquired <- id
			<-done
			cpu.Release(id)
		}(id)
	}
	time.Sleep(50 * time.Millisecond) // let 1 and 3 block in Acquire

	go func() {
		cpu.Acquire(2)
		acquired <- 2
		<-done
		cpu.Release(2)
	}()
	time.Sleep(50 * time.Millisecond) // let 2 block in Acquire too
	cpu.ReleaseCoordinator()

	first := <-acquired
	if first != 2 {
		t.Fatalf("first task to acquire the CPU = %d, want 2 (highest priority)", first)
	}
	close(done)
	<-acquired
	<-acquired
}

func TestCoordinatorExcludesWorkersWhileHeld(t *testing.T) {
	cpu := NewCPU()
	cpu.SetOrder([]int{1})

	cpu.AcquireCoordinator()

	acquired := make(chan struct{})
	go func() {
		cpu.Acquire(1)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("worker acquired the CPU while the coordinator held it")
	case <-time.After(50 * time.Millisecond):
	}

	cpu.ReleaseCoordinator()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("worker never acquired the CPU after the coordinator released it")
	}
	cpu.Release(1)
}

func TestAcquireCoordinatorWaitsForRunningWorkerToRelease(t *testing.T) {
	cpu := NewCPU()
	cpu.SetOrder([]int{1})
	cpu.Acquire(1)

	coordAcquired := make(chan struct{})
	go func() {
		cpu.AcquireCoordinator()
		close(coordAcquired)
	}()

	select {
	case <-coordAcquired:
		t.Fatal("coordinator acquired the CPU while a worker was still running")
	case <-time.After(50 * time.Millisecond):
	}

	cpu.Release(1)

	select {
	case <-coordAcquired:
	case <-time.After(time.Second):
		t.Fatal("coordinator never acquired the CPU once the worker released it")
	}
	cpu.ReleaseCoordinator()
}

func TestReleaseDropsTaskFromRunnableSet(t *testing.T) {
	cpu := NewCPU()
	cpu.SetOrder([]int{1, 2})
	cpu.Acquire(1)
	cpu.Release(1) // task 1 no longer wants the CPU

	acquired := make(chan struct{})
	go func() {
		cpu.Acquire(2)
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("task 2 never acquired the CPU after task 1 released without re-acquiring")
	}
	cpu.Release(2)
}
