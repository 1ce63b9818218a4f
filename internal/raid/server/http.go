package server

// HTTP surface
// ------------
// Read-only REST endpoints next to the WebSocket: health, the active stream
// list, the per-agent live HLS files and a service descriptor. Live files
// are served with no-store caching and open CORS so any player can pull the
// playlist directly.

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/raidsync/raidsync/internal/raid/hub"
)

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/streams", s.handleStreams).Methods(http.MethodGet)
	r.HandleFunc("/live/{agentID:[1-8]}/{file}", s.handleLive).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"clients":       s.hub.ClientCount(),
		"activeStreams": s.streams.ActiveCount(),
		"timestamp":     time.Now().UnixMilli(),
	})
}

// streamEntry extends the broadcast stream description with the session's
// elapsed wall-clock seconds.
type streamEntry struct {
	hub.StreamStatus
	DurationSeconds int64 `json:"durationSeconds"`
}

func (s *Server) handleStreams(w http.ResponseWriter, _ *http.Request) {
	active := s.streams.Active()
	now := time.Now().UnixMilli()
	entries := make([]streamEntry, 0, len(active))
	for _, st := range active {
		entries = append(entries, streamEntry{
			StreamStatus:    st,
			DurationSeconds: (now - st.StartedAt) / 1000,
		})
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	file := vars["file"]
	if file == "" || strings.Contains(file, "..") || strings.ContainsAny(file, `/\`) {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}

	switch filepath.Ext(file) {
	case ".m3u8":
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	case ".ts":
		w.Header().Set("Content-Type", "video/mp2t")
	default:
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	http.ServeFile(w, r, filepath.Join(s.cfg.LiveDir, vars["agentID"], file))
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "raidsync-server",
		"endpoints": map[string]string{
			"websocket": "/ws",
			"health":    "/health",
			"streams":   "/streams",
			"live":      "/live/{agentId}/stream.m3u8",
			"metrics":   "/metrics",
		},
	})
}
