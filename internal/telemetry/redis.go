package telemetry

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const traceChannel = "rtsched:trace"

// RedisSink mirrors every event to a Redis pub/sub channel so a remote
// dashboard can tail a live run. Grounded on the control plane's
// RedisStore connection idiom: ping once at construction, fail fast if the
// instance is unreachable, and never let a publish error touch the run.
type RedisSink struct {
	client *redis.Client
	runID  string
}

// NewRedisSink dials addr and verifies connectivity. Callers only build a
// RedisSink when REDIS_TRACE_ADDR is set, so failure here is a config
// error for that feature, not for the run as a whole. runID tags every
// published event so a dashboard watching more than one run at a time (or
// replaying history) can tell them apart.
func NewRedisSink(addr, runID string) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisSink{client: client, runID: runID}, nil
}

type traceEvent struct {
	RunID string `json:"run_id"`
	Kind  string `json:"kind"`
	Data  any    `json:"data"`
}

func (s *RedisSink) publish(kind string, data any) {
	payload, err := json.Marshal(traceEvent{RunID: s.runID, Kind: kind, Data: data})
	if err != nil {
		log.Printf("telemetry: redis sink: marshal %s event: %v", kind, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.client.Publish(ctx, traceChannel, payload).Err(); err != nil {
		// Best-effort: a dashboard missing a few events never delays or
		// aborts the run (spec's "after START, the run never aborts").
		log.Printf("telemetry: redis sink: publish %s event: %v", kind, err)
	}
}

func (s *RedisSink) Start() { s.publish("SCHEDULE_TRACE", "START") }
func (s *RedisSink) Stop()  { s.publish("SCHEDULE_TRACE", "STOP") }

func (s *RedisSink) Dispatch(taskID int) { s.publish("SCHEDULE", taskID) }
func (s *RedisSink) Missed(taskID int)   { s.publish("MISSED_DEADLINE", taskID) }
func (s *RedisSink) Trace(ids []int)     { s.publish("SCHEDULE_TRACE", ids) }

func (s *RedisSink) ProxyData(avgScheduleOverheadS, realRuntimeS, runtimeOvershootFraction float64) {
	s.publish("PROXY_DATA", []float64{avgScheduleOverheadS, realRuntimeS, runtimeOvershootFraction})
}

func (s *RedisSink) TaskData(d TaskDatum) { s.publish("TASK_DATA", d) }

// Close releases the underlying client. Called once at end of run.
func (s *RedisSink) Close() error { return s.client.Close() }
