// Package server polls a connected module and broadcasts live telemetry
// to WebSocket clients, serving the embedded dashboard alongside.
package server

import (
	"context"
	"encoding/json"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ecmlink/ecmlink/internal/dict"
	"github.com/ecmlink/ecmlink/internal/ecm"
	"github.com/ecmlink/ecmlink/internal/pdu"
	"github.com/ecmlink/ecmlink/internal/recorder"
)

// Server coordinates module polling and broadcasts data to WebSocket
// clients. The session must be connected and identified before Run.
type Server struct {
	cfg     *Config
	session *ecm.Session
	webFS   fs.FS
	rec     *recorder.Recorder
	names   []string // scalar runtime variables, column order

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Value is one decoded variable in a telemetry frame.
type Value struct {
	Raw  float64 `json:"raw"`
	Text string  `json:"text"`
}

// Frame is the JSON structure sent to WebSocket clients. Identity
// fields are only present on the initial frame.
type Frame struct {
	ID       string           `json:"id,omitempty"`
	Version  string           `json:"version,omitempty"`
	Serial   string           `json:"serial,omitempty"`
	MfgDate  string           `json:"mfgDate,omitempty"`
	Values   map[string]Value `json:"values,omitempty"`
	Current  []dict.Error     `json:"current,omitempty"`
	Historic []dict.Error     `json:"historic,omitempty"`
	Stamp    int64            `json:"stamp"` // Unix ms
}

// New creates a Server over an identified session.
func New(cfg *Config, session *ecm.Session, webFS fs.FS) (*Server, error) {
	names, err := session.ScalarVariableNames()
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:     cfg,
		session: session,
		webFS:   webFS,
		rec:     recorder.New(cfg.Logging, names),
		names:   names,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	session.SetRecording(cfg.Logging.Enabled)
	return s, nil
}

// Run starts the HTTP server and the polling loop, blocking until the
// context is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/info", s.handleInfo)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/record", s.handleRecord)
	mux.HandleFunc("/api/test", s.handleTest)

	go s.pollLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	return srv.ListenAndServe()
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

	// Send the identity frame first so the page can label itself.
	info := Frame{
		ID:      s.session.ID(),
		Version: s.session.Version(),
		Serial:  s.session.GetSerialNo(),
		MfgDate: s.session.GetMfgDate(),
		Stamp:   time.Now().UnixMilli(),
	}
	if data, err := json.Marshal(info); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (drains incoming messages / keep-alive)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			total := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", total)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := struct {
		ID        string `json:"id"`
		Version   string `json:"version"`
		Serial    string `json:"serial"`
		MfgDate   string `json:"mfgDate"`
		Recording bool   `json:"recording"`
	}{
		ID:        s.session.ID(),
		Version:   s.session.Version(),
		Serial:    s.session.GetSerialNo(),
		MfgDate:   s.session.GetMfgDate(),
		Recording: s.session.IsRecording(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	data, err := s.cfg.ToJSON()
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// handleRecord toggles CSV recording: POST /api/record?on=1|0.
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	on := r.URL.Query().Get("on") == "1"
	s.rec.SetEnabled(on)
	s.session.SetRecording(on)
	log.Printf("[server] recording %v", on)
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// handleTest runs an actuator test: POST /api/test?fn=N with N in the
// function table (1=fuel pump .. 9=exhaust valve).
func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	n, err := strconv.Atoi(r.URL.Query().Get("fn"))
	if err != nil || n < int(pdu.FuelPump) || n > int(pdu.ExhaustValve) {
		http.Error(w, "unknown test function", 400)
		return
	}
	fn := pdu.Function(n)
	if err := s.session.RunTest(fn); err != nil {
		log.Printf("[server] test %s: %v", fn, err)
		http.Error(w, err.Error(), 502)
		return
	}
	log.Printf("[server] test %s acknowledged", fn)
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// pollLoop requests one runtime snapshot per tick and broadcasts the
// decoded values and diagnostics to all clients.
func (s *Server) pollLoop(ctx context.Context) {
	hz := s.cfg.Poll.Hz
	if hz <= 0 {
		hz = 4
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.rec.Close()
			return
		case <-ticker.C:
			if _, err := s.session.ReadRTData(); err != nil {
				log.Printf("[server] poll failed: %v", err)
				continue
			}
			frame, vars := s.buildFrame()
			s.broadcast(frame)
			s.rec.Record(vars)
		}
	}
}

// buildFrame decodes the latest snapshot into a broadcast frame plus
// the variable slice the recorder consumes (column order).
func (s *Server) buildFrame() (Frame, []*dict.Variable) {
	values := make(map[string]Value, len(s.names))
	vars := make([]*dict.Variable, len(s.names))
	for i, name := range s.names {
		v, err := s.session.GetRealtimeValue(name)
		if err != nil || v == nil || !v.Refreshed() {
			continue
		}
		vars[i] = v
		values[name] = Value{Raw: v.RawValue(), Text: v.FormattedValue()}
	}

	frame := Frame{
		Values: values,
		Stamp:  time.Now().UnixMilli(),
	}
	if current, err := s.session.GetErrors(dict.CurrentError); err == nil {
		frame.Current = current
	}
	if historic, err := s.session.GetErrors(dict.HistoricError); err == nil {
		frame.Historic = historic
	}
	return frame, vars
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

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
