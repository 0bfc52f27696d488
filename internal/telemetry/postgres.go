package telemetry

import (
	"context"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink persists the run's final PDATA/TDATA rows so repeated
// experiments (varying policy or task sets) can be compared later.
// Grounded on the control plane's PostgresStore pool-management idiom;
// scaled down since a testbed run issues at most N+1 inserts total.
type PostgresSink struct {
	pool  *pgxpool.Pool
	runID int64
}

// NewPostgresSink opens a pool against connString, pings it, and creates
// the run-history tables if they do not already exist. runUUID is recorded
// alongside the generated serial id so it can be cross-referenced against
// the same run's Redis/WebSocket events.
func NewPostgresSink(ctx context.Context, connString, runUUID string) (*PostgresSink, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 5
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	const schema = `
CREATE TABLE IF NOT EXISTS rtsched_runs (
	id BIGSERIAL PRIMARY KEY,
	run_uuid TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	avg_schedule_overhead_s DOUBLE PRECISION,
	real_runtime_s DOUBLE PRECISION,
	runtime_overshoot_fraction DOUBLE PRECISION
);
CREATE TABLE IF NOT EXISTS rtsched_task_data (
	run_id BIGINT REFERENCES rtsched_runs(id),
	task_id INT NOT NULL,
	deadline_events BIGINT,
	deadlines_missed BIGINT,
	total_computation_time_missed_ns BIGINT,
	total_computation_time_ms DOUBLE PRECISION,
	total_computation_cycles BIGINT,
	transition_fraction DOUBLE PRECISION,
	real_compute_time_ms DOUBLE PRECISION,
	time_error_fraction DOUBLE PRECISION
);`
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, err
	}

	var runID int64
	if err := pool.QueryRow(ctx, `INSERT INTO rtsched_runs (run_uuid) VALUES ($1) RETURNING id`, runUUID).Scan(&runID); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresSink{pool: pool, runID: runID}, nil
}

func (s *PostgresSink) Start() {}
func (s *PostgresSink) Stop()  {}

func (s *PostgresSink) Dispatch(int) {}
func (s *PostgresSink) Missed(int)   {}
func (s *PostgresSink) Trace([]int)  {}

func (s *PostgresSink) ProxyData(avgScheduleOverheadS, realRuntimeS, runtimeOvershootFraction float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := s.pool.Exec(ctx,
		`UPDATE rtsched_runs SET avg_schedule_overhead_s=$1, real_runtime_s=$2, runtime_overshoot_fraction=$3 WHERE id=$4`,
		avgScheduleOverheadS, realRuntimeS, runtimeOvershootFraction, s.runID)
	if err != nil {
		log.Printf("telemetry: postgres sink: persist PDATA: %v", err)
	}
}

func (s *PostgresSink) TaskData(d TaskDatum) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
INSERT INTO rtsched_task_data
	(run_id, task_id, deadline_events, deadlines_missed, total_computation_time_missed_ns,
	 total_computation_time_ms, total_computation_cycles, transition_fraction,
	 real_compute_time_ms, time_error_fraction)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		s.runID, d.ID, d.DeadlineEvents, d.DeadlinesMissed, d.TotalComputationTimeMissed.Nanoseconds(),
		float64(d.TotalComputationTime.Microseconds())/1000.0, d.TotalComputationCycles, d.TransitionFraction,
		float64(d.RealComputeTime.Microseconds())/1000.0, d.TimeErrorFraction)
	if err != nil {
		log.Printf("telemetry: postgres sink: persist TDATA for task %d: %v", d.ID, err)
	}
}

// Close releases the connection pool.
func (s *PostgresSink) Close() { s.pool.Close() }
