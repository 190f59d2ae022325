package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yorkracing/pitlink/internal/ingest"
	"github.com/yorkracing/pitlink/internal/metrics"
)

// Server exposes the snapshot store over HTTP: JSON polling endpoints for
// scripts, SSE and WebSocket pushes for the pit-wall page, run control, and
// the Prometheus scrape endpoint.
type Server struct {
	listenAddr string
	loop       *ingest.Loop
	store      *ingest.SnapshotStore
	recorder   *ingest.RunRecorder
	ingestM    *metrics.Ingest // may be nil
	gatherer   prometheus.Gatherer
	webFS      fs.FS

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// LiveFrame is the JSON structure pushed to SSE and WebSocket clients.
type LiveFrame struct {
	Latest map[string]float64 `json:"latest"`
	Health healthPayload      `json:"health"`
	Stamp  int64              `json:"stamp"` // unix ms
}

type healthPayload struct {
	SerialConnected bool            `json:"serial_connected"`
	SerialPort      string          `json:"serial_port"`
	SerialBaud      int             `json:"serial_baud"`
	TotalPackets    int64           `json:"total_packets"`
	DropCount       int64           `json:"drop_count"`
	PacketRateHz    float64         `json:"packet_rate_hz"`
	LastPktID       *int64          `json:"last_pkt_id"`
	LastPacketAgeS  *float64        `json:"last_packet_age_s"`
	RunID           *string         `json:"run_id"`
	Lines           ingest.Counters `json:"lines"`
}

// New creates a Server. ingestM, gatherer and webFS may be nil (no gauges,
// no scrape endpoint, no UI).
func New(listenAddr string, loop *ingest.Loop, recorder *ingest.RunRecorder,
	ingestM *metrics.Ingest, gatherer prometheus.Gatherer, webFS fs.FS) *Server {
	return &Server{
		listenAddr: listenAddr,
		loop:       loop,
		store:      loop.Store(),
		recorder:   recorder,
		ingestM:    ingestM,
		gatherer:   gatherer,
		webFS:      webFS,
		clients:    make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the HTTP routes. Split out from Run so tests can drive the
// handlers through httptest without binding a socket.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/latest", s.handleLatest).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/run/start", s.handleRunStart).Methods(http.MethodPost)
	api.HandleFunc("/run/stop", s.handleRunStop).Methods(http.MethodPost)
	api.HandleFunc("/buffer/reset", s.handleBufferReset).Methods(http.MethodPost)

	r.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	if s.webFS != nil {
		r.PathPrefix("/").Handler(http.FileServer(http.FS(s.webFS)))
	}
	return r
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.listenAddr,
		Handler: s.Router(),
	}

	go s.broadcastLoop(ctx)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.listenAddr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.store.Latest())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.health())
}

func (s *Server) health() healthPayload {
	now := time.Now()
	status := s.loop.Status()
	stats := s.store.Stats()

	h := healthPayload{
		SerialConnected: status.Connected,
		SerialPort:      status.Port,
		SerialBaud:      status.Baud,
		TotalPackets:    stats.TotalPackets,
		DropCount:       stats.DropCount,
		PacketRateHz:    stats.RateHz,
		LastPktID:       stats.LastPktID,
		Lines:           status.Counters,
	}
	age, haveAge := stats.LastPacketAgeS(now)
	if haveAge {
		h.LastPacketAgeS = &age
	}
	if s.recorder != nil {
		if id := s.recorder.CurrentRunID(); id != "" {
			h.RunID = &id
		}
	}
	if s.ingestM != nil {
		s.ingestM.SetRate(stats.RateHz, age, haveAge)
	}
	return h
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	rows := 0
	if v := r.URL.Query().Get("rows"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "rows must be a non-negative integer", http.StatusBadRequest)
			return
		}
		rows = n
	}
	writeJSON(w, s.store.Snapshot(rows))
}

func (s *Server) handleRunStart(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		http.Error(w, "run logging not configured", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		RunID string `json:"run_id"`
	}
	if r.Body != nil {
		// Empty or absent body is fine: the recorder generates a timestamp id.
		json.NewDecoder(r.Body).Decode(&req)
	}
	id, err := s.recorder.StartRun(req.RunID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "ok", "run_id": id})
}

func (s *Server) handleRunStop(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		http.Error(w, "run logging not configured", http.StatusServiceUnavailable)
		return
	}
	s.recorder.StopRun()
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleBufferReset(w http.ResponseWriter, r *http.Request) {
	s.store.Clear()
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleStream pushes live frames over SSE at ~10 Hz until the client goes
// away. Kept alongside /ws because curl and quick scripts speak SSE with
// zero dependencies.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			data, err := json.Marshal(s.liveFrame())
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	total := len(s.clients)
	s.clientsMu.Unlock()
	log.Printf("[ws] client connected (%d total)", total)

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine — we never expect input; reading just detects the
	// disconnect.
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			remaining := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", remaining)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// broadcastLoop pushes a live frame to every WebSocket client at ~10 Hz.
func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.clientsMu.RLock()
			idle := len(s.clients) == 0
			s.clientsMu.RUnlock()
			if idle {
				continue
			}
			data, err := json.Marshal(s.liveFrame())
			if err != nil {
				continue
			}
			s.broadcast(data)
		}
	}
}

func (s *Server) liveFrame() LiveFrame {
	return LiveFrame{
		Latest: s.store.Latest(),
		Health: s.health(),
		Stamp:  time.Now().UnixMilli(),
	}
}

func (s *Server) broadcast(data []byte) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] response encode failed: %v", err)
	}
}
