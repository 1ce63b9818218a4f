package hub

// Countdown coordinator
// ---------------------
// The countdown anchor is the initiating client's wall clock: the inbound
// timestamp is echoed verbatim so the server introduces no drift between
// its decision time and broadcast arrival. Each participant schedules its
// local action at timestamp plus a per-role offset. Two back-to-back
// start_requests are both honoured; the protocol does not deduplicate.

import "encoding/json"

// CountdownDuration is the shared countdown length in milliseconds.
const CountdownDuration = 3000

// emitCountdownLocked broadcasts the countdown frame immediately followed by
// the start frame naming the initiating slot. Callers hold h.mu, so every
// peer sees the two frames adjacent.
func (h *Hub) emitCountdownLocked(starterID int, timestamp json.Number) {
	if timestamp.String() == "" {
		timestamp = json.Number("0")
	}
	h.broadcastLocked(marshalFrame(countdownMsg{Type: msgCountdown, Timestamp: timestamp, Duration: CountdownDuration}))
	h.broadcastLocked(marshalFrame(startMsg{Type: msgStart, Timestamp: timestamp, StarterAgentID: starterID}))
}
