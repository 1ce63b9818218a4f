package hub

// Wire frame taxonomy
// -------------------
// All control traffic is JSON text frames with a "type" discriminator. The
// inbound set is closed: unknown types are logged and ignored rather than
// matched loosely, so protocol drift surfaces in logs instead of silently
// changing behavior. Outbound frames are serialized once per broadcast.

import (
	"encoding/json"

	"github.com/raidsync/raidsync/internal/logger"
)

// Inbound frame types.
const (
	msgReady         = "ready"
	msgSetName       = "set_name"
	msgStartRequest  = "start_request"
	msgTravelRequest = "travel_request"
	msgExecuteTravel = "execute_travel"
	msgResetRaid     = "reset_raid"
	msgStreamStart   = "stream_start"
	msgStreamStop    = "stream_stop"
	msgPing          = "ping"
)

// Outbound frame types.
const (
	msgAgentAssigned = "agent_assigned"
	msgReadyState    = "ready_state"
	msgCountdown     = "countdown"
	msgStart         = "start"
	msgTravelMode    = "travel_mode"
	msgReset         = "reset"
	msgStreamStatus  = "stream_status"
	msgPong          = "pong"
	msgError         = "error"
)

// inboundFrame is the superset of all client frame fields. The Type field
// selects which of the rest are meaningful.
type inboundFrame struct {
	Type      string      `json:"type"`
	Value     bool        `json:"value"`
	Name      string      `json:"name"`
	Timestamp json.Number `json:"timestamp"`
}

type agentAssignedMsg struct {
	Type    string            `json:"type"`
	AgentID int               `json:"agentId"`
	Agents  map[string]bool   `json:"agents"`
	Names   map[string]string `json:"names"`
}

type readyStateMsg struct {
	Type   string            `json:"type"`
	Agents map[string]bool   `json:"agents"`
	Names  map[string]string `json:"names"`
}

type countdownMsg struct {
	Type      string      `json:"type"`
	Timestamp json.Number `json:"timestamp"`
	Duration  int         `json:"duration"`
}

type startMsg struct {
	Type           string      `json:"type"`
	Timestamp      json.Number `json:"timestamp"`
	StarterAgentID int         `json:"starterAgentId"`
}

type travelModeMsg struct {
	Type   string `json:"type"`
	Active bool   `json:"active"`
}

type typeOnlyMsg struct {
	Type string `json:"type"`
}

// StreamStatus describes one active pipeline in a stream_status broadcast.
type StreamStatus struct {
	AgentID   int    `json:"agentId"`
	Name      string `json:"name"`
	HLSURL    string `json:"hlsUrl"`
	StartedAt int64  `json:"startedAt"`
}

type streamStatusMsg struct {
	Type    string         `json:"type"`
	Streams []StreamStatus `json:"streams"`
}

type pongMsg struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// marshalFrame serializes an outbound frame. Frames are plain structs so a
// failure here is a programming error; it is logged and yields nil, which
// enqueue/broadcast treat as a no-op.
func marshalFrame(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("marshal outbound frame failed", "error", err)
		return nil
	}
	return data
}

func errorFrame(message string) []byte {
	return marshalFrame(errorMsg{Type: msgError, Message: message})
}
