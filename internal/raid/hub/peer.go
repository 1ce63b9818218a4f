package hub

// Peer
// ----
// One attached WebSocket client. Outbound frames go through a bounded send
// queue drained by a dedicated write goroutine, so a slow reader falls
// behind in its own queue and can never stall a broadcast. When the queue
// overflows the peer is considered dead and its connection is closed; the
// read loop then observes the closure and runs the normal teardown.

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raidsync/raidsync/internal/metrics"
)

const (
	// sendQueueSize bounds the per-peer outbound queue. Control frames are
	// small and infrequent; a peer this far behind is not coming back.
	sendQueueSize = 64

	// writeWait is the deadline applied to each outbound write.
	writeWait = 10 * time.Second

	// pingPeriod is the keepalive interval for transport-level pings.
	pingPeriod = 30 * time.Second

	// MaxFrameSize bounds inbound frames; sized for video chunks.
	MaxFrameSize = 5 << 20
)

// Conn is the subset of *websocket.Conn the hub needs. Narrowing it keeps
// peers testable with an in-memory fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// Peer binds an agent slot to its connection and outbound queue.
type Peer struct {
	AgentID int

	conn Conn
	log  *slog.Logger

	mu     sync.Mutex
	closed bool
	send   chan []byte

	writerDone chan struct{}
}

func newPeer(id int, conn Conn, log *slog.Logger) *Peer {
	return &Peer{
		AgentID:    id,
		conn:       conn,
		log:        log,
		send:       make(chan []byte, sendQueueSize),
		writerDone: make(chan struct{}),
	}
}

// enqueue places a serialized frame on the send queue without blocking.
// It returns false when the peer is closed or the queue is full.
func (p *Peer) enqueue(frame []byte) bool {
	if frame == nil {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.send <- frame:
		return true
	default:
		metrics.DroppedFrames.Inc()
		return false
	}
}

// shutdown closes the send queue exactly once. The write loop drains the
// remaining frames, emits a close frame and exits.
func (p *Peer) shutdown() {
	p.mu.Lock()
	already := p.closed
	p.closed = true
	if !already {
		close(p.send)
	}
	p.mu.Unlock()
}

// kill tears the transport down immediately (detach, server shutdown).
// A reader still running sees the closed socket and runs the lifecycle
// teardown.
func (p *Peer) kill() {
	p.shutdown()
	_ = p.conn.Close()
}

// writeLoop drains the send queue onto the socket. It owns all data writes
// for this peer, so per-peer frame order is the queue order.
func (p *Peer) writeLoop() {
	defer close(p.writerDone)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-p.send:
			if !ok {
				_ = p.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			}
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				p.log.Debug("peer write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				p.log.Debug("peer ping failed", "error", err)
				return
			}
		}
	}
}
