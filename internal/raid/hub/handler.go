package hub

// Protocol handler
// ----------------
// Validates and dispatches inbound text frames. Each state-mutating case
// runs its mutation and the resulting broadcasts as one critical section,
// which is what gives the protocol its ordering guarantees (travel_mode
// before ready_state, countdown immediately before start, and so on).

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrAlreadyStreaming is returned by StreamController.Start when the slot
// already has an active pipeline.
var ErrAlreadyStreaming = errors.New("already streaming")

func (h *Hub) dispatch(p *Peer, raw []byte) {
	var f inboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		p.log.Warn("undecodable text frame", "error", err)
		return
	}

	switch f.Type {
	case msgReady:
		h.withAssigned(p, f.Type, func() {
			h.state.SetReady(p.AgentID, f.Value)
			h.broadcastReadyStateLocked()
		})

	case msgSetName:
		h.withAssigned(p, f.Type, func() {
			h.state.SetName(p.AgentID, f.Name)
			h.broadcastReadyStateLocked()
		})

	case msgStartRequest:
		h.withAssigned(p, f.Type, func() {
			if !h.state.AllReady() {
				p.enqueue(errorFrame("All connected users must be Ready to start"))
				return
			}
			h.emitCountdownLocked(p.AgentID, f.Timestamp)
		})

	case msgTravelRequest:
		h.withAssigned(p, f.Type, func() {
			h.state.ResetAllReady()
			h.state.SetTravel(true)
			h.broadcastLocked(marshalFrame(travelModeMsg{Type: msgTravelMode, Active: true}))
			h.broadcastReadyStateLocked()
		})

	case msgExecuteTravel:
		h.withAssigned(p, f.Type, func() {
			if !h.state.Travel() {
				p.enqueue(errorFrame("Not in travel mode"))
				return
			}
			h.broadcastLocked(marshalFrame(typeOnlyMsg{Type: msgExecuteTravel}))
			h.state.SetTravel(false)
			h.state.ResetAllReady()
			h.broadcastLocked(marshalFrame(travelModeMsg{Type: msgTravelMode, Active: false}))
			h.broadcastReadyStateLocked()
		})

	case msgResetRaid:
		h.withAssigned(p, f.Type, func() {
			h.state.SetTravel(false)
			h.state.ResetAllReady()
			h.broadcastLocked(marshalFrame(travelModeMsg{Type: msgTravelMode, Active: false}))
			h.broadcastLocked(marshalFrame(typeOnlyMsg{Type: msgReset}))
			h.broadcastReadyStateLocked()
		})

	case msgStreamStart:
		h.handleStreamStart(p)

	case msgStreamStop:
		h.withAssigned(p, f.Type, func() {
			if h.streams != nil {
				h.streams.StopAsync(p.AgentID)
			}
		})

	case msgPing:
		h.withAssigned(p, f.Type, func() {
			p.enqueue(marshalFrame(pongMsg{Type: msgPong, Timestamp: time.Now().UnixMilli()}))
		})

	default:
		p.log.Warn("unknown frame type", "type", f.Type)
	}
}

// withAssigned runs fn under the hub mutex after verifying the peer still
// owns its slot. Frames from an unassigned peer are logged and dropped.
func (h *Hub) withAssigned(p *Peer, frameType string, fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.peers[p.AgentID]; !ok || cur != p {
		p.log.Warn("frame from unassigned peer dropped", "type", frameType)
		return
	}
	fn()
}

// handleStreamStart spawns the sender's pipeline. The spawn itself (disk
// wipe, process start) runs outside the hub mutex so it cannot stall the
// control plane.
func (h *Hub) handleStreamStart(p *Peer) {
	if h.streams == nil {
		return
	}
	h.mu.Lock()
	if cur, ok := h.peers[p.AgentID]; !ok || cur != p {
		h.mu.Unlock()
		p.log.Warn("frame from unassigned peer dropped", "type", msgStreamStart)
		return
	}
	name := h.state.Name(p.AgentID)
	h.mu.Unlock()

	if err := h.streams.Start(p.AgentID, name); err != nil {
		if errors.Is(err, ErrAlreadyStreaming) {
			p.enqueue(errorFrame("Already streaming"))
			return
		}
		p.log.Error("stream pipeline start failed", "error", err)
		return
	}
	h.BroadcastStreamStatus()
}
