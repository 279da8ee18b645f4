package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mchurichi/buildtail/pkg/parser"
	"github.com/mchurichi/buildtail/pkg/store"
)

// maxPortAttempts bounds the bind loop: configured port, then port+1, and so
// on. Exhausting the range is the one unrecoverable startup condition.
const maxPortAttempts = 20

// Server accepts pushed records from runtime clients over HTTP and feeds the
// store. A request never crashes the host process: malformed bodies get a
// client-error response and the listener keeps serving.
type Server struct {
	store    *store.Store
	upgrader websocket.Upgrader
	clients  map[*websocket.Conn]*client
	mu       sync.RWMutex

	srv  *http.Server
	ln   net.Listener
	port int
	done chan struct{}
	once sync.Once
}

type client struct {
	conn   *websocket.Conn
	filter *store.Filter
	send   chan *store.Record
	done   chan struct{}
}

// pushRecord is the wire shape of one runtime log submission.
type pushRecord struct {
	Type      string          `json:"type"`
	Message   string          `json:"message"`
	Tag       string          `json:"tag"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	File      string          `json:"file,omitempty"`
	Line      int             `json:"line,omitempty"`
}

// NewServer creates an ingestion server over the given store.
func NewServer(st *store.Store) *Server {
	return &Server{
		store: st,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for local dev
			},
		},
		clients: make(map[*websocket.Conn]*client),
		done:    make(chan struct{}),
	}
}

// Start binds the first free port at or above the configured one and serves
// in the background. Port 0 binds an ephemeral port directly. The effective
// port is available from Port after Start returns.
func (s *Server) Start(port int) error {
	var ln net.Listener
	for i := 0; i < maxPortAttempts; i++ {
		var err error
		ln, err = net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port+i))
		if err == nil {
			break
		}
		if port == 0 || !errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("failed to bind port %d: %w", port+i, err)
		}
		ln = nil
	}
	if ln == nil {
		return fmt.Errorf("no free port in range %d-%d", port, port+maxPortAttempts-1)
	}

	s.ln = ln
	s.port = ln.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/log", s.handleLog)
	mux.HandleFunc("/logs", s.handleLogs)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stream", s.handleWebSocket)

	s.srv = &http.Server{Handler: s.withCORS(mux)}

	log.Printf("Ingestion server listening on 0.0.0.0:%d", s.port)

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop closes the listener and aborts acceptance of new connections. It is
// idempotent.
func (s *Server) Stop() {
	s.once.Do(func() {
		close(s.done)
		if s.srv != nil {
			s.srv.Close()
		}
	})
}

// Port returns the effective bound port, which may differ from the configured
// one after fallback.
func (s *Server) Port() int {
	return s.port
}

// withCORS answers preflight requests and stamps CORS headers on every
// response, so browser-hosted clients can push logs cross-origin.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleLog handles POST /log: one record per request.
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	var push pushRecord
	if err := json.NewDecoder(r.Body).Decode(&push); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "Invalid JSON"})
		return
	}

	rec, err := normalizePush(push)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}

	if err := s.store.Add(rec); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// handleLogs handles POST /logs: an ordered batch appended in list order.
// A record missing a usable message is dropped without aborting its siblings.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	var batch struct {
		Logs []pushRecord `json:"logs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "Invalid JSON"})
		return
	}

	recs := make([]*store.Record, 0, len(batch.Logs))
	for _, push := range batch.Logs {
		rec, err := normalizePush(push)
		if err != nil {
			continue
		}
		recs = append(recs, rec)
	}

	if err := s.store.AddMany(recs); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "count": len(recs)})
}

// handleHealth handles GET /health as a liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"logs":   s.store.Count(),
	})
}

// normalizePush maps a pushed record to the canonical shape: tag becomes the
// issuer (default "app"), type is classified to a kind, and a missing
// timestamp gets the current instant.
func normalizePush(push pushRecord) (*store.Record, error) {
	if push.Message == "" {
		return nil, parser.ErrNoMessage
	}

	tag := push.Tag
	if tag == "" {
		tag = "app"
	}
	ts := push.Timestamp
	if ts == "" {
		ts = parser.Now()
	}

	return &store.Record{
		ID:        store.NewID(),
		Timestamp: ts,
		Kind:      parser.ClassifyKind(push.Type),
		Issuer:    tag,
		Message:   push.Message,
		File:      push.File,
		Line:      push.Line,
		Data:      push.Data,
	}, nil
}

// handleWebSocket handles WS /stream: a live feed of ingested records.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan *store.Record, 100),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	s.clients[conn] = c
	s.mu.Unlock()

	go s.writePump(c)
	go s.readPump(c)
}

// readPump reads subscription messages from the WebSocket. A subscribe action
// may narrow the feed by kinds and a text search.
func (s *Server) readPump(c *client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, c.conn)
		s.mu.Unlock()
		close(c.done)
		c.conn.Close()
	}()

	for {
		var msg struct {
			Action string   `json:"action"`
			Kinds  []string `json:"kinds"`
			Search string   `json:"search"`
		}

		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}

		switch msg.Action {
		case "subscribe":
			filter := &store.Filter{TextSearch: msg.Search}
			for _, k := range msg.Kinds {
				filter.Kinds = append(filter.Kinds, parser.ClassifyKind(k))
			}
			s.mu.Lock()
			c.filter = filter
			s.mu.Unlock()
		case "unsubscribe":
			s.mu.Lock()
			c.filter = nil
			s.mu.Unlock()
		}
	}
}

// writePump sends records to the WebSocket and keeps the connection alive.
func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			msg := map[string]interface{}{
				"type":   "log",
				"record": rec,
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// Broadcast sends a record to every connected client whose filter matches.
func (s *Server) Broadcast(rec *store.Record) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.clients {
		if c.filter == nil || c.filter.Match(rec) {
			select {
			case c.send <- rec:
			default:
				// Channel full, skip
			}
		}
	}
}

// StartBroadcastWorker relays records from all producers to stream clients.
// It follows the store's arrival sequence, so records ingested from the
// tailed file are broadcast too, not only those pushed over HTTP.
func (s *Server) StartBroadcastWorker() {
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()

		cursor := s.store.Seq()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				recs, next, err := s.store.Since(cursor)
				if err != nil {
					continue
				}
				cursor = next
				for _, rec := range recs {
					s.Broadcast(rec)
				}
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
