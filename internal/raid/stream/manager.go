package stream

// Pipeline manager
// ----------------
// Tracks the active per-agent sessions. The map is guarded by its own
// RWMutex so binary ingest only ever takes a read lock here and never
// touches the hub's coordination mutex. Stop-and-upload runs detached; the
// caller that triggered it (stream_stop, disconnect, transcoder exit) is
// never blocked on it.

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/raidsync/raidsync/internal/logger"
	"github.com/raidsync/raidsync/internal/metrics"
	"github.com/raidsync/raidsync/internal/raid/hub"
)

// Uploader sends one finished archive to the external store.
type Uploader interface {
	UploadRecording(path, agentName string, agentID int, durationSec int64, recordedAt time.Time) error
}

// Options configures the pipeline manager.
type Options struct {
	LiveRoot       string
	RecordingsRoot string
	FFmpegPath     string
	// Uploader may be nil, in which case finished archives are discarded
	// with a warning.
	Uploader Uploader
}

// Manager owns every active Session and implements hub.StreamController.
type Manager struct {
	opts   Options
	log    *slog.Logger
	notify func()

	mu       sync.RWMutex
	sessions map[int]*Session

	stopping sync.WaitGroup
}

var _ hub.StreamController = (*Manager)(nil)

// NewManager creates a manager with no active sessions.
func NewManager(opts Options) *Manager {
	return &Manager{
		opts:     opts,
		sessions: make(map[int]*Session),
		log:      logger.Logger().With("component", "stream_manager"),
	}
}

// SetNotify registers the callback invoked after a session finishes its stop
// sequence (used to rebroadcast stream_status). Must be called before the
// manager starts serving.
func (m *Manager) SetNotify(fn func()) { m.notify = fn }

// Start spawns a pipeline for the slot. Returns hub.ErrAlreadyStreaming when
// one is active.
func (m *Manager) Start(agentID int, displayName string) error {
	m.mu.Lock()
	if _, ok := m.sessions[agentID]; ok {
		m.mu.Unlock()
		return hub.ErrAlreadyStreaming
	}
	// Reserve the slot while spawning so a duplicate start cannot race the
	// directory wipe. Ingest treats the nil placeholder as inactive.
	m.sessions[agentID] = nil
	m.mu.Unlock()

	s, err := newSession(m.opts, agentID, displayName, m.log)
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, agentID)
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.sessions[agentID] = s
	active := m.activeCountLocked()
	m.mu.Unlock()
	metrics.ActiveStreams.Set(float64(active))

	// Supervision starts only after the session is registered, so a
	// transcoder that dies immediately still goes through the stop path.
	s.beginSupervision(func() { m.stop(agentID, s) })
	return nil
}

// Ingest routes one binary chunk to the slot's session. Chunks for inactive
// slots are dropped silently.
func (m *Manager) Ingest(agentID int, chunk []byte) {
	m.mu.RLock()
	s := m.sessions[agentID]
	m.mu.RUnlock()
	if s == nil {
		return
	}
	s.write(chunk)
}

// StopAsync begins the stop sequence for the slot's session, if any.
func (m *Manager) StopAsync(agentID int) {
	m.mu.RLock()
	s := m.sessions[agentID]
	m.mu.RUnlock()
	if s == nil {
		return
	}
	m.stop(agentID, s)
}

// stop atomically removes the session from the active set (so no further
// chunks are routed to it) and finalizes it on a detached goroutine. Safe
// against repeat calls and against the concurrent transcoder-exit path: only
// the caller that wins the removal finalizes.
func (m *Manager) stop(agentID int, s *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[agentID]; !ok || cur != s {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, agentID)
	active := m.activeCountLocked()
	m.mu.Unlock()
	metrics.ActiveStreams.Set(float64(active))

	m.stopping.Add(1)
	go func() {
		defer m.stopping.Done()
		s.finalize(m.opts.Uploader)
		if m.notify != nil {
			m.notify()
		}
	}()
}

// StopAll stops every active session and waits for the stop sequences to
// complete. Used during graceful shutdown; each pipeline's wait is bounded
// by the kill timeout.
func (m *Manager) StopAll() {
	m.mu.RLock()
	snapshot := make(map[int]*Session, len(m.sessions))
	for id, s := range m.sessions {
		if s != nil {
			snapshot[id] = s
		}
	}
	m.mu.RUnlock()

	for id, s := range snapshot {
		m.stop(id, s)
	}
	m.stopping.Wait()
}

// Active lists running sessions ordered by agent id.
func (m *Manager) Active() []hub.StreamStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]hub.StreamStatus, 0, len(m.sessions))
	ids := make([]int, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s != nil {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	for _, id := range ids {
		s := m.sessions[id]
		out = append(out, hub.StreamStatus{
			AgentID:   s.agentID,
			Name:      s.name,
			HLSURL:    s.hlsURL(),
			StartedAt: s.startedAt.UnixMilli(),
		})
	}
	return out
}

// ActiveCount returns the number of running sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeCountLocked()
}

func (m *Manager) activeCountLocked() int {
	n := 0
	for _, s := range m.sessions {
		if s != nil {
			n++
		}
	}
	return n
}
