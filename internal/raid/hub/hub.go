package hub

// Coordination hub
// ----------------
// Owns the slot registry, session state and the attached peer set, and is
// the broadcast bus: every state mutation and its resulting broadcast run
// under the hub mutex, so all peers observe broadcasts in a single global
// order and a ready_state snapshot is always at-or-after the event that
// caused it. Enqueueing to a peer never blocks (bounded queue, drop +
// disconnect on overflow), so holding the mutex across fan-out is safe.

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raidsync/raidsync/internal/logger"
	"github.com/raidsync/raidsync/internal/metrics"
)

// StreamController is the pipeline surface the hub drives. Implemented by
// the stream manager.
type StreamController interface {
	// Start spawns the slot's pipeline. It returns ErrAlreadyStreaming when
	// one is active.
	Start(agentID int, displayName string) error
	// Ingest routes one binary chunk to the slot's pipeline, dropping it
	// silently when no pipeline is active.
	Ingest(agentID int, chunk []byte)
	// StopAsync begins the stop-and-upload sequence without waiting for it.
	// A no-op when the slot has no pipeline.
	StopAsync(agentID int)
	// Active lists the currently running pipelines.
	Active() []StreamStatus
}

// Hub is the shared coordination core behind the /ws endpoint.
type Hub struct {
	slots   *Slots
	state   *State
	streams StreamController
	log     *slog.Logger

	mu    sync.Mutex
	peers map[int]*Peer
}

// New creates a hub. The stream controller may be wired for pipelines; a nil
// controller disables streaming operations.
func New(streams StreamController) *Hub {
	return &Hub{
		slots:   NewSlots(),
		state:   NewState(),
		streams: streams,
		peers:   make(map[int]*Peer),
		log:     logger.Logger().With("component", "hub"),
	}
}

// ClientCount returns the number of attached peers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Attach admits a new connection: acquires a slot, initializes its state,
// starts the peer's write loop, sends agent_assigned to the new peer only
// and broadcasts ready_state to everyone. Returns ErrFull when no slot is
// free; the caller is responsible for the refusal frame and close code.
func (h *Hub) Attach(conn Conn, remoteAddr string) (*Peer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.peers) >= MaxAgents {
		return nil, ErrFull
	}
	id, err := h.slots.Acquire()
	if err != nil {
		return nil, err
	}

	h.state.Attach(id)
	p := newPeer(id, conn, logger.WithPeer(h.log, id, remoteAddr))
	h.peers[id] = p
	go p.writeLoop()

	metrics.ConnectedAgents.Set(float64(len(h.peers)))
	p.log.Info("agent attached")

	agents, names := h.state.Snapshot()
	p.enqueue(marshalFrame(agentAssignedMsg{Type: msgAgentAssigned, AgentID: id, Agents: agents, Names: names}))
	h.broadcastReadyStateLocked()
	return p, nil
}

// RejectFull sends the single refusal frame and closes the connection with a
// policy-violation code. Used when Attach returns ErrFull.
func (h *Hub) RejectFull(conn Conn) {
	_ = conn.WriteMessage(websocket.TextMessage, errorFrame("Server full (max 8 agents)"))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "server full"), time.Now().Add(writeWait))
	_ = conn.Close()
}

// Run reads frames for the peer until the connection fails or closes, then
// performs the lifecycle teardown. It is the caller's goroutine.
func (h *Hub) Run(p *Peer) {
	defer h.detach(p)
	p.conn.SetReadLimit(MaxFrameSize)
	for {
		messageType, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.log.Debug("read loop ended", "error", err)
			}
			return
		}
		switch messageType {
		case websocket.TextMessage:
			h.dispatch(p, data)
		case websocket.BinaryMessage:
			if h.streams != nil {
				h.streams.Ingest(p.AgentID, data)
			}
		}
	}
}

// detach runs the close/error teardown: pipeline stop (async), state clear,
// slot release, ready_state broadcast.
func (h *Hub) detach(p *Peer) {
	h.mu.Lock()
	if cur, ok := h.peers[p.AgentID]; !ok || cur != p {
		h.mu.Unlock()
		p.kill()
		return
	}
	delete(h.peers, p.AgentID)
	h.state.Clear(p.AgentID)
	h.slots.Release(p.AgentID)
	metrics.ConnectedAgents.Set(float64(len(h.peers)))
	h.broadcastReadyStateLocked()
	h.mu.Unlock()

	p.kill()
	if h.streams != nil {
		h.streams.StopAsync(p.AgentID)
	}
	p.log.Info("agent detached")
}

// Shutdown closes every attached peer. Called during graceful stop, after
// the listener stops accepting and before pipelines are stopped.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	peers := make([]*Peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"), time.Now().Add(writeWait))
		p.kill()
	}
}

// broadcastLocked fans one serialized frame out to every attached peer.
// Callers hold h.mu. A peer whose queue overflows is closed; its read loop
// drives the teardown.
func (h *Hub) broadcastLocked(frame []byte) {
	if frame == nil {
		return
	}
	metrics.BroadcastFrames.Inc()
	for _, p := range h.peers {
		if !p.enqueue(frame) {
			p.log.Warn("send queue overflow, closing peer")
			_ = p.conn.Close()
		}
	}
}

func (h *Hub) broadcastReadyStateLocked() {
	agents, names := h.state.Snapshot()
	h.broadcastLocked(marshalFrame(readyStateMsg{Type: msgReadyState, Agents: agents, Names: names}))
}

// BroadcastStreamStatus publishes the current pipeline set to all peers.
// Also invoked by the stream manager when a pipeline finishes stopping.
func (h *Hub) BroadcastStreamStatus() {
	if h.streams == nil {
		return
	}
	streams := h.streams.Active()
	h.mu.Lock()
	h.broadcastLocked(marshalFrame(streamStatusMsg{Type: msgStreamStatus, Streams: streams}))
	h.mu.Unlock()
}
