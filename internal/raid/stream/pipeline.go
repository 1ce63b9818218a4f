package stream

// Per-agent transcoding pipeline
// ------------------------------
// One external ffmpeg child per active session. Its stdin receives the raw
// container bytes; its output is a rolling HLS playlist in the per-agent
// live directory. The same bytes are appended to the archive recorder.
// Chunk ingest goes through a bounded queue drained by a dedicated writer
// goroutine, so a stalled ffmpeg can never block the WebSocket read loop;
// a full queue drops the chunk (live video is droppable, stalls are not).

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raidsync/raidsync/internal/bufpool"
	"github.com/raidsync/raidsync/internal/errors"
	"github.com/raidsync/raidsync/internal/logger"
	"github.com/raidsync/raidsync/internal/metrics"
)

const (
	// ingestQueueSize bounds in-flight chunks per session.
	ingestQueueSize = 256

	// stopKillTimeout bounds the wait for ffmpeg to exit after stdin closes.
	stopKillTimeout = 10 * time.Second

	containerExt  = "webm"
	containerMIME = "video/webm"
	playlistName  = "stream.m3u8"

	hlsSegmentSeconds = 1
	hlsListSize       = 4
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// safeFileName derives the archive file stem from a display name, keeping
// only filesystem-safe characters. Empty results fall back to agent_<id>.
func safeFileName(displayName string, agentID int) string {
	safe := unsafeNameChars.ReplaceAllString(displayName, "")
	if safe == "" {
		safe = fmt.Sprintf("agent_%d", agentID)
	}
	return safe
}

// hlsArgs builds the transcoder invocation: stdin as source, low-latency
// probing, video stream-copy with audio discarded, segmented output with a
// rolling 4-entry playlist.
func hlsArgs(liveDir string, epochMs int64) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-fflags", "nobuffer",
		"-probesize", "32",
		"-analyzeduration", "0",
		"-i", "pipe:0",
		"-map", "0:v",
		"-c:v", "copy",
		"-an",
		"-f", "hls",
		"-hls_time", strconv.Itoa(hlsSegmentSeconds),
		"-hls_list_size", strconv.Itoa(hlsListSize),
		"-hls_flags", "delete_segments+independent_segments",
		"-hls_segment_filename", filepath.Join(liveDir, fmt.Sprintf("s%d_%%03d.ts", epochMs)),
		filepath.Join(liveDir, playlistName),
	}
}

// Session is one active per-agent pipeline.
type Session struct {
	agentID     int
	name        string // display-name snapshot at start
	startedAt   time.Time
	liveDir     string
	archivePath string

	cmd   *exec.Cmd
	stdin io.WriteCloser
	rec   *Recorder
	log   *slog.Logger

	inMu     sync.Mutex
	inClosed bool
	in       chan []byte

	writerDone chan struct{}
	exited     chan struct{}

	bytes     atomic.Uint64
	stdinDead atomic.Bool
}

// newSession wipes and recreates the live directory, opens the archive
// recorder and spawns the transcoder. The supervisor goroutine is started
// separately by the manager once the session is registered.
func newSession(opts Options, agentID int, displayName string, log *slog.Logger) (*Session, error) {
	liveDir := filepath.Join(opts.LiveRoot, strconv.Itoa(agentID))
	if err := os.RemoveAll(liveDir); err != nil {
		return nil, errors.NewPipelineError("livedir.wipe", err)
	}
	if err := os.MkdirAll(liveDir, 0o755); err != nil {
		return nil, errors.NewPipelineError("livedir.create", err)
	}
	if err := os.MkdirAll(opts.RecordingsRoot, 0o755); err != nil {
		return nil, errors.NewPipelineError("recdir.create", err)
	}

	now := time.Now()
	epochMs := now.UnixMilli()
	archivePath := filepath.Join(opts.RecordingsRoot,
		fmt.Sprintf("%s_%d.%s", safeFileName(displayName, agentID), epochMs, containerExt))

	rec, err := NewRecorder(archivePath, log)
	if err != nil {
		return nil, errors.NewPipelineError("archive.open", err)
	}

	cmd := exec.Command(opts.FFmpegPath, hlsArgs(liveDir, epochMs)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = rec.Close()
		return nil, errors.NewPipelineError("transcoder.stdin", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = rec.Close()
		return nil, errors.NewPipelineError("transcoder.stderr", err)
	}
	if err := cmd.Start(); err != nil {
		_ = rec.Close()
		_ = os.Remove(archivePath)
		return nil, errors.NewPipelineError("transcoder.start", err)
	}

	s := &Session{
		agentID:     agentID,
		name:        displayName,
		startedAt:   now,
		liveDir:     liveDir,
		archivePath: archivePath,
		cmd:         cmd,
		stdin:       stdin,
		rec:         rec,
		log:         logger.WithAgent(log, agentID).With("archive", filepath.Base(archivePath)),
		in:          make(chan []byte, ingestQueueSize),
		writerDone:  make(chan struct{}),
		exited:      make(chan struct{}),
	}

	go s.logTranscoderStderr(stderr)
	go s.writerLoop()

	s.log.Info("stream pipeline started", "live_dir", liveDir)
	return s, nil
}

// beginSupervision reaps the transcoder and reports its exit. onExit runs
// after the process is gone; the manager uses it to drive the standard stop
// path when ffmpeg dies on its own.
func (s *Session) beginSupervision(onExit func()) {
	go func() {
		err := s.cmd.Wait()
		if err != nil {
			s.log.Warn("transcoder exited", "error", err)
		}
		close(s.exited)
		if onExit != nil {
			onExit()
		}
	}()
}

// write copies one binary chunk into a pooled buffer and enqueues it. A full
// queue drops the chunk rather than block the caller.
func (s *Session) write(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	buf := bufpool.GetCopy(chunk)

	s.inMu.Lock()
	if s.inClosed {
		s.inMu.Unlock()
		bufpool.Put(buf)
		return
	}
	select {
	case s.in <- buf:
		s.inMu.Unlock()
		metrics.IngestBytes.Add(float64(len(chunk)))
	default:
		s.inMu.Unlock()
		bufpool.Put(buf)
		metrics.DroppedChunks.Inc()
		s.log.Debug("ingest queue full, chunk dropped")
	}
}

// closeIngest stops accepting chunks and lets the writer drain.
func (s *Session) closeIngest() {
	s.inMu.Lock()
	if !s.inClosed {
		s.inClosed = true
		close(s.in)
	}
	s.inMu.Unlock()
}

// writerLoop feeds the transcoder and the archive. Stdin failures (broken
// pipe when ffmpeg dies) are logged once and archiving continues.
func (s *Session) writerLoop() {
	defer close(s.writerDone)
	for buf := range s.in {
		if !s.stdinDead.Load() {
			if _, err := s.stdin.Write(buf); err != nil {
				s.stdinDead.Store(true)
				s.log.Warn("transcoder stdin write failed", "error", err)
			}
		}
		s.rec.Write(buf)
		s.bytes.Add(uint64(len(buf)))
		bufpool.Put(buf)
	}
}

func (s *Session) logTranscoderStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.log.Debug("transcoder", "line", scanner.Text())
	}
}

// finalize runs the stop sequence: drain and end the archive sink, close
// stdin, bounded wait for exit (force-kill on timeout), upload, reclaim
// disk. Runs on a detached goroutine owned by the manager.
func (s *Session) finalize(uploader Uploader) {
	s.closeIngest()
	<-s.writerDone
	_ = s.rec.Close()
	if err := s.stdin.Close(); err != nil {
		s.log.Debug("transcoder stdin close", "error", err)
	}

	select {
	case <-s.exited:
	case <-time.After(stopKillTimeout):
		s.log.Warn("transcoder did not exit in time, killing",
			"timeout", stopKillTimeout.String())
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		<-s.exited
	}

	s.upload(uploader)

	if err := os.RemoveAll(s.liveDir); err != nil {
		s.log.Error("live dir cleanup failed", "error", err)
	}
	// Local storage is ephemeral: the archive goes regardless of upload outcome.
	if err := os.Remove(s.archivePath); err != nil && !os.IsNotExist(err) {
		s.log.Error("archive cleanup failed", "error", err)
	}

	s.log.Info("stream pipeline stopped",
		"bytes", s.bytes.Load(),
		"duration", time.Since(s.startedAt).String(),
	)
}

// upload hands the archive to the external store. Any failure is logged and
// absorbed; clients are never notified.
func (s *Session) upload(uploader Uploader) {
	if uploader == nil {
		s.log.Warn("archive store not configured, discarding recording")
		return
	}
	info, err := os.Stat(s.archivePath)
	if err != nil || info.Size() == 0 {
		s.log.Warn("empty or missing archive, skipping upload")
		return
	}
	durationSec := int64(time.Since(s.startedAt).Seconds())
	if err := uploader.UploadRecording(s.archivePath, s.name, s.agentID, durationSec, s.startedAt); err != nil {
		metrics.UploadFailures.Inc()
		s.log.Error("archive upload failed", "error", err)
	}
}

// hlsURL is the playlist path clients use to watch this session.
func (s *Session) hlsURL() string {
	return fmt.Sprintf("/live/%d/%s", s.agentID, playlistName)
}
