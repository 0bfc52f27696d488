package telemetry

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxDashboardConnections = 50

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// DashboardHub streams live SCHEDULE/MISSED_DEADLINE events to connected
// WebSocket observers. Single-broadcaster pattern grounded on the control
// plane's MetricsHub: one goroutine owns the client map, every publish
// goes through a channel rather than locking from arbitrary callers.
type DashboardHub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
	events  chan dashboardEvent
	runID   string
}

type dashboardEvent struct {
	RunID string `json:"run_id"`
	Kind  string `json:"kind"`
	Data  any    `json:"data"`
}

// NewDashboardHub starts the hub's broadcast loop and registers its
// WebSocket endpoint on mux at /ws/trace. runID tags every event so a
// browser watching this process across repeated runs can tell them apart.
func NewDashboardHub(mux *http.ServeMux, runID string) *DashboardHub {
	h := &DashboardHub{
		clients: make(map[*websocket.Conn]bool),
		events:  make(chan dashboardEvent, 256),
		runID:   runID,
	}
	mux.HandleFunc("/ws/trace", h.handleConn)
	go h.run()
	return h
}

func (h *DashboardHub) handleConn(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("telemetry: dashboard hub: upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	if len(h.clients) >= maxDashboardConnections {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[conn] = true
	h.mu.Unlock()
}

func (h *DashboardHub) run() {
	for ev := range h.events {
		h.mu.RLock()
		for conn := range h.clients {
			conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				go h.drop(conn)
			}
		}
		h.mu.RUnlock()
	}
}

func (h *DashboardHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

func (h *DashboardHub) publish(kind string, data any) {
	select {
	case h.events <- dashboardEvent{RunID: h.runID, Kind: kind, Data: data}:
	default:
		// A saturated event channel means observers can't keep up; drop
		// rather than block the run, consistent with pure fan-out.
	}
}

func (h *DashboardHub) Start() { h.publish("SCHEDULE_TRACE", "START") }
func (h *DashboardHub) Stop()  { h.publish("SCHEDULE_TRACE", "STOP") }

func (h *DashboardHub) Dispatch(taskID int) { h.publish("SCHEDULE", taskID) }
func (h *DashboardHub) Missed(taskID int)   { h.publish("MISSED_DEADLINE", taskID) }
func (h *DashboardHub) Trace(ids []int)     { h.publish("SCHEDULE_TRACE", ids) }

func (h *DashboardHub) ProxyData(avgScheduleOverheadS, realRuntimeS, runtimeOvershootFraction float64) {
	h.publish("PROXY_DATA", []float64{avgScheduleOverheadS, realRuntimeS, runtimeOvershootFraction})
}

func (h *DashboardHub) TaskData(d TaskDatum) { h.publish("TASK_DATA", d) }
