package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mnemon/mnemon/internal/graph"
	"github.com/mnemon/mnemon/internal/logging"
)

// HTTPServer serves the MCP protocol over HTTP + Server-Sent Events,
// alongside /health and /metrics.
type HTTPServer struct {
	server *Server
	store  *graph.Store
	port   int

	sessions sync.Map // session id -> *sseSession
}

type sseSession struct {
	ch   chan []byte
	done chan struct{}
}

// NewHTTPServer creates the HTTP transport.
func NewHTTPServer(server *Server, store *graph.Store, port int) *HTTPServer {
	return &HTTPServer{server: server, store: store, port: port}
}

// Run serves until ctx is canceled.
func (h *HTTPServer) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", h.handlePost)
	mux.HandleFunc("GET /sse", h.handleSSE)
	mux.HandleFunc("POST /message", h.handleMessage)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /metrics", h.handleMetrics)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", h.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logging.Info("mcp", "http server listening on :%d", h.port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handlePost serves plain request/response JSON-RPC on the root.
func (h *HTTPServer) handlePost(w http.ResponseWriter, r *http.Request) {
	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, &jsonRPCResponse{
			JSONRPC: "2.0",
			Error:   &jsonRPCError{Code: codeParseError, Message: "parse error"},
		})
		return
	}
	resp := h.server.HandleRequest(r.Context(), req, clientIP(r), r.Header.Get("Authorization"))
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, resp)
}

// handleSSE establishes the event stream. The first event names the POST
// endpoint carrying this session's id; responses flow back as message
// events.
func (h *HTTPServer) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sessionID := uuid.NewString()
	session := &sseSession{ch: make(chan []byte, 16), done: make(chan struct{})}
	h.sessions.Store(sessionID, session)
	defer func() {
		h.sessions.Delete(sessionID)
		close(session.done)
	}()

	fmt.Fprintf(w, "event: endpoint\ndata: /message?session=%s\n\n", sessionID)
	flusher.Flush()

	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			logging.Debug("mcp", "sse client disconnected: %s", sessionID)
			return
		case msg := <-session.ch:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// handleMessage accepts JSON-RPC requests for an SSE session and streams
// the response over the session's event stream.
func (h *HTTPServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	v, ok := h.sessions.Load(sessionID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	session := v.(*sseSession)

	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "parse error", http.StatusBadRequest)
		return
	}

	// Handle asynchronously; client disconnect cancels at the next
	// suspension point through the session's done channel.
	go func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-session.done
			cancel()
		}()

		resp := h.server.HandleRequest(ctx, req, clientIP(r), r.Header.Get("Authorization"))
		if resp == nil {
			return
		}
		data, err := json.Marshal(resp)
		if err != nil {
			return
		}
		select {
		case session.ch <- data:
		case <-session.done:
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	db := "ok"
	if err := h.store.Ping(); err != nil {
		db = "degraded"
	}
	writeJSON(w, map[string]string{"status": "ok", "db": db})
}

func (h *HTTPServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, h.server.Metrics().Render(nil))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
