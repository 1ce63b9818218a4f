package server

// Coordination server
// -------------------
// Wires the hub, the stream pipeline manager and the HTTP surface together
// and owns the listener lifecycle. Graceful stop: quit accepting, close the
// attached peers, then stop every pipeline with its bounded kill timeout.

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raidsync/raidsync/internal/config"
	"github.com/raidsync/raidsync/internal/logger"
	"github.com/raidsync/raidsync/internal/raid/hub"
	"github.com/raidsync/raidsync/internal/raid/stream"
	"github.com/raidsync/raidsync/internal/raid/vod"
)

// Server encapsulates the HTTP listener and the coordination core.
type Server struct {
	cfg     config.Config
	hub     *hub.Hub
	streams *stream.Manager
	httpSrv *http.Server
	log     *slog.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	l       net.Listener
	closing bool
}

// New creates a new, unstarted Server instance.
func New(cfg config.Config) *Server {
	var uploader stream.Uploader
	if cfg.UploadEnabled() {
		uploader = vod.New(cfg.VODSiteURL, cfg.VODAPIToken)
	} else {
		logger.Warn("archive store not configured, finished recordings will be discarded")
	}

	mgr := stream.NewManager(stream.Options{
		LiveRoot:       cfg.LiveDir,
		RecordingsRoot: cfg.RecordingsDir,
		FFmpegPath:     cfg.FFmpegPath,
		Uploader:       uploader,
	})
	h := hub.New(mgr)
	mgr.SetNotify(h.BroadcastStreamStatus)

	s := &Server{
		cfg:     cfg,
		hub:     h,
		streams: mgr,
		log:     logger.Logger().With("component", "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.httpSrv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening and serving. It's safe to call only once; repeated
// calls return an error.
func (s *Server) Start() error {
	if s == nil {
		return errors.New("nil server")
	}
	s.mu.Lock()
	if s.l != nil {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr())
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.l = ln
	s.mu.Unlock()

	s.log.Info("coordination server listening", "addr", ln.Addr().String())
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http serve error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down: stops accepting, closes all peers,
// stops every active pipeline and waits for their stop sequences.
func (s *Server) Stop() error {
	if s == nil {
		return errors.New("nil server")
	}
	s.mu.Lock()
	if s.l == nil {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.l = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.log.Warn("http shutdown", "error", err)
	}

	s.hub.Shutdown()
	s.streams.StopAll()

	s.log.Info("coordination server stopped")
	return nil
}

// Addr returns the bound listener address (nil if not started).
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.l == nil {
		return nil
	}
	return s.l.Addr()
}

// handleWS upgrades the connection and hands it to the hub until it closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	p, err := s.hub.Attach(ws, r.RemoteAddr)
	if err != nil {
		s.log.Info("connection refused, server full", "remote", r.RemoteAddr)
		s.hub.RejectFull(ws)
		return
	}
	s.hub.Run(p)
}
