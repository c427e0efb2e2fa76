package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/discord-voice-lab/onair/internal/broadcast"
	"github.com/discord-voice-lab/onair/internal/logging"
	"github.com/discord-voice-lab/onair/internal/metrics"
)

// Broadcasts is what the status API needs from the broadcast manager.
type Broadcasts interface {
	List() []broadcast.Status
	Get(guildID string) (broadcast.Status, bool)
	Stop(ctx context.Context, guildID, reason string) error
}

// HTTPServer serves health, metrics, broadcast status and the MCP endpoint.
type HTTPServer struct {
	server     *http.Server
	broadcasts Broadcasts
	metrics    *metrics.Metrics
	mcp        http.Handler
	version    string
	startTime  time.Time
}

// NewHTTPServer builds the server. mcp may be nil to disable /mcp/ws.
func NewHTTPServer(addr string, b Broadcasts, m *metrics.Metrics, mcp http.Handler, version string) *HTTPServer {
	h := &HTTPServer{
		broadcasts: b,
		metrics:    m,
		mcp:        mcp,
		version:    version,
		startTime:  time.Now(),
	}
	h.server = &http.Server{
		Addr:              addr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return h
}

// Handler returns the route table.
func (h *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("GET /broadcasts", h.withMetrics("/broadcasts", h.handleBroadcasts))
	mux.HandleFunc("GET /broadcasts/{guild}", h.withMetrics("/broadcasts/{guild}", h.handleBroadcast))
	mux.HandleFunc("DELETE /broadcasts/{guild}", h.withMetrics("/broadcasts/{guild}", h.handleStopBroadcast))
	mux.Handle("GET /metrics", h.metrics.Handler())
	if h.mcp != nil {
		// websocket upgrades hijack the connection; no request metrics
		mux.Handle("/mcp/ws", h.mcp)
	}
	return mux
}

func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)
		h.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(ww.statusCode), time.Since(start).Seconds())
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start listens in the background. A listener failure is logged.
func (h *HTTPServer) Start() {
	logging.Infow("starting HTTP server", "address", h.server.Addr)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Errorw("HTTP server error", "err", err)
		}
	}()
}

// Stop gracefully shuts the server down.
func (h *HTTPServer) Stop(ctx context.Context) error {
	logging.Infow("stopping HTTP server")
	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debugw("writing JSON response failed", "err", err)
	}
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "healthy",
		"version":           h.version,
		"uptime":            time.Since(h.startTime).Round(time.Second).String(),
		"active_broadcasts": len(h.broadcasts.List()),
		"timestamp":         time.Now().UTC(),
	})
}

func (h *HTTPServer) handleBroadcasts(w http.ResponseWriter, r *http.Request) {
	list := h.broadcasts.List()
	if list == nil {
		list = []broadcast.Status{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":      len(list),
		"broadcasts": list,
	})
}

func (h *HTTPServer) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	st, ok := h.broadcasts.Get(r.PathValue("guild"))
	if !ok {
		http.Error(w, "broadcast not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *HTTPServer) handleStopBroadcast(w http.ResponseWriter, r *http.Request) {
	guild := r.PathValue("guild")
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	err := h.broadcasts.Stop(ctx, guild, "stopped via API")
	switch {
	case errors.Is(err, broadcast.ErrNotFound):
		http.Error(w, "broadcast not found", http.StatusNotFound)
	case errors.Is(err, broadcast.ErrStarting):
		http.Error(w, "broadcast is still starting", http.StatusConflict)
	case err != nil:
		logging.Warnw("stopping broadcast via API failed", append(logging.GuildFields(guild, ""), "err", err)...)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
