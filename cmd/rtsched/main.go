// Command rtsched drives one run of the real-time scheduling testbed:
// reads the interactive task-data fixture from stdin, calibrates the busy
// spin, and runs the proxy scheduler to completion.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/itskum47/rtsched/internal/policy"
	"github.com/itskum47/rtsched/internal/scheduler"
	"github.com/itskum47/rtsched/internal/spin"
	"github.com/itskum47/rtsched/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// basePriority stands in for the OS-provided default thread priority the
// source system reads at startup; Go exposes no portable equivalent, so
// the priority mapping is anchored to a fixed constant instead (see
// internal/osthread).
const basePriority = 10

func main() {
	if err := run(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "rtsched:", err)
		os.Exit(1)
	}
}

func run(in *os.File, out *os.File) error {
	reader := bufio.NewReader(in)

	algo, err := promptInt(reader, "Algorithm choice: ")
	if err != nil {
		return fmt.Errorf("reading algorithm choice: %w", err)
	}
	pol, ok := policy.ForName(algo)
	if !ok {
		return fmt.Errorf("invalid policy selector %d", algo)
	}

	runtimeSec, err := promptInt(reader, "Test runtime: ")
	if err != nil {
		return fmt.Errorf("reading test runtime: %w", err)
	}
	if runtimeSec <= 0 {
		return fmt.Errorf("test runtime must be positive, got %d", runtimeSec)
	}

	numTasks, err := promptInt(reader, "Number of tasks: ")
	if err != nil {
		return fmt.Errorf("reading number of tasks: %w", err)
	}
	if numTasks <= 0 {
		return fmt.Errorf("number of tasks must be positive, got %d", numTasks)
	}

	fmt.Fprintln(out, "Task data ([c,p] pairs):")
	specs := make([]scheduler.TaskSpec, 0, numTasks)
	for i := 0; i < numTasks; i++ {
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading task %d data: %w", i, err)
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return fmt.Errorf("task %d: expected \"C P\", got %q", i, line)
		}
		c, err := strconv.Atoi(fields[0])
		if err != nil {
			return fmt.Errorf("task %d: invalid compute time %q: %w", i, fields[0], err)
		}
		p, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("task %d: invalid period %q: %w", i, fields[1], err)
		}
		if c > p {
			return fmt.Errorf("task %d: compute time %d exceeds period %d", i, c, p)
		}
		specs = append(specs, scheduler.TaskSpec{ID: i, ComputeMS: c, PeriodMS: p})
	}

	spin.Calibrate()

	runID := uuid.New().String()
	sink, cleanup, err := buildSink(runID)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer cleanup()

	s, err := scheduler.New(specs, pol, time.Duration(runtimeSec)*time.Second, basePriority, sink)
	if err != nil {
		return fmt.Errorf("constructing scheduler: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(runtimeSec)*time.Second+5*time.Second)
	defer cancel()
	return s.Run(ctx)
}

func promptInt(r *bufio.Reader, prompt string) (int, error) {
	fmt.Print(prompt)
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(line))
}

// buildSink assembles the console sink (always on) plus whichever optional
// sinks the environment configures, always starts the Prometheus /metrics
// listener (METRICS_ADDR, default :9090), and starts the WebSocket
// /ws/trace listener when DASHBOARD_ADDR is set. runID tags every event an
// optional sink emits so a run can be told apart from others sharing the
// same Redis channel, Postgres table, or dashboard connection. The
// returned cleanup must be called once the run completes.
func buildSink(runID string) (telemetry.Sink, func(), error) {
	sinks := []telemetry.Sink{telemetry.ConsoleSink{}}
	var closers []func()

	metricsAddr := os.Getenv("METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9090"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("rtsched: metrics server: %v", err)
		}
	}()
	closers = append(closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		metricsSrv.Shutdown(ctx)
	})

	if addr := os.Getenv("REDIS_TRACE_ADDR"); addr != "" {
		redisSink, err := telemetry.NewRedisSink(addr, runID)
		if err != nil {
			return nil, nil, fmt.Errorf("redis trace sink: %w", err)
		}
		sinks = append(sinks, redisSink)
		closers = append(closers, func() { redisSink.Close() })
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pgSink, err := telemetry.NewPostgresSink(context.Background(), dsn, runID)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres run-history sink: %w", err)
		}
		sinks = append(sinks, pgSink)
		closers = append(closers, func() { pgSink.Close() })
	}

	if dashAddr := os.Getenv("DASHBOARD_ADDR"); dashAddr != "" {
		dashMux := http.NewServeMux()
		hub := telemetry.NewDashboardHub(dashMux, runID)
		dashSrv := &http.Server{Addr: dashAddr, Handler: dashMux}
		go func() {
			if err := dashSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("rtsched: dashboard server: %v", err)
			}
		}()
		sinks = append(sinks, hub)
		closers = append(closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			dashSrv.Shutdown(ctx)
		})
	}

	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}
	return telemetry.NewMultiSink(sinks...), cleanup, nil
}
