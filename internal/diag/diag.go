// Package diag serves a live status feed for a dedicated server: a
// WebSocket stream of the server's state once per second, the JSON schema
// of that document, and a liveness probe.
package diag

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/invopop/jsonschema"

	"emberfall/engine/internal/telemetry"
)

// Status is one push of the feed.
type Status struct {
	Instance string    `json:"instance"`
	Time     time.Time `json:"time"`
	Frame    uint64    `json:"frame"`
	UPS      uint32    `json:"ups"`
	Paused   bool      `json:"paused"`

	Players     []PlayerStatus `json:"players"`
	BufferDepth int            `json:"bufferDepth"`

	// Counters mirrors the telemetry counter store.
	Counters map[string]uint64 `json:"counters,omitempty"`
}

// PlayerStatus is one roster row.
type PlayerStatus struct {
	ID            uint64 `json:"id"`
	Name          string `json:"name"`
	LatencyMillis int64  `json:"latencyMillis"`
	Joining       bool   `json:"joining,omitempty"`
}

// Source produces the current status document. It must be safe to call from
// the HTTP goroutines; the app keeps a snapshot the simulation refreshes.
type Source func() Status

const (
	pushInterval  = time.Second
	writeDeadline = 10 * time.Second
)

// Server is the diagnostics HTTP surface.
type Server struct {
	source   Source
	instance string
	logger   telemetry.Logger
	metrics  telemetry.Metrics

	upgrader websocket.Upgrader

	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
}

// NewServer wires the handler set around a status source.
func NewServer(source Source, logger telemetry.Logger, metrics telemetry.Metrics) *Server {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Server{
		source:   source,
		instance: uuid.NewString(),
		logger:   logger,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Instance returns the id stamped on every status push.
func (s *Server) Instance() string { return s.instance }

// Handler returns the route set: /statusz, /statusz/schema, /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/statusz", s.handleStatus)
	mux.HandleFunc("/statusz/schema", s.handleSchema)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// handleStatus upgrades to a WebSocket and pushes a status document once
// per second until the subscriber goes away.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("diag: upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	subscriber := uuid.NewString()
	s.metrics.Add("diag.subscribers", 1)
	s.logger.Printf("diag: subscriber %s connected from %s", subscriber, r.RemoteAddr)

	var writeMu sync.Mutex
	done := make(chan struct{})

	// the read pump only exists to notice the peer hanging up
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pushInterval)
	defer ticker.Stop()
	defer conn.Close()

	for {
		status := s.source()
		status.Instance = s.instance
		status.Time = time.Now()

		writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		err := conn.WriteJSON(status)
		writeMu.Unlock()
		if err != nil {
			s.logger.Printf("diag: subscriber %s dropped: %v", subscriber, err)
			return
		}

		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

// handleSchema serves the JSON schema of the status document.
func (s *Server) handleSchema(w http.ResponseWriter, _ *http.Request) {
	s.schemaOnce.Do(func() {
		schema := jsonschema.Reflect(&Status{})
		s.schemaJSON, s.schemaErr = json.MarshalIndent(schema, "", "  ")
	})
	if s.schemaErr != nil {
		http.Error(w, s.schemaErr.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(s.schemaJSON)
}
