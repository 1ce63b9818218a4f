package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/raidsync/raidsync/internal/config"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Config{
		Host:          "127.0.0.1",
		Port:          0,
		LiveDir:       filepath.Join(t.TempDir(), "live"),
		RecordingsDir: filepath.Join(t.TempDir(), "recordings"),
		FFmpegPath:    "ffmpeg",
		LogLevel:      "info",
	}
	s := New(cfg)
	ts := httptest.NewServer(s.routes())
	t.Cleanup(ts.Close)
	return s, ts
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	}
	return resp.StatusCode, body
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t)
	status, body := getJSON(t, ts.URL+"/health")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, float64(0), body["clients"])
	require.Equal(t, float64(0), body["activeStreams"])
	require.Greater(t, body["timestamp"].(float64), float64(0))
}

func TestRootDescriptor(t *testing.T) {
	_, ts := newTestServer(t)
	status, body := getJSON(t, ts.URL+"/")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "raidsync-server", body["service"])
}

func TestStreamsEmptyList(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/streams")
	require.NoError(t, err)
	defer resp.Body.Close()
	var entries []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Empty(t, entries)
}

func TestLiveFileServing(t *testing.T) {
	s, ts := newTestServer(t)
	liveDir := filepath.Join(s.cfg.LiveDir, "1")
	require.NoError(t, os.MkdirAll(liveDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(liveDir, "stream.m3u8"), []byte("#EXTM3U\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(liveDir, "s1_000.ts"), []byte{0x47}, 0o644))

	resp, err := http.Get(ts.URL + "/live/1/stream.m3u8")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/vnd.apple.mpegurl", resp.Header.Get("Content-Type"))
	require.Equal(t, "no-cache, no-store", resp.Header.Get("Cache-Control"))
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	resp2, err := http.Get(ts.URL + "/live/1/s1_000.ts")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	require.Equal(t, "video/mp2t", resp2.Header.Get("Content-Type"))
}

func TestLiveRejectsUnknownAndUnsafePaths(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/live/1/notes.txt")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Slot ids outside 1..8 never match the route.
	resp, err = http.Get(ts.URL + "/live/9/stream.m3u8")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketSession(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dialWS(t, ts)

	assigned := readFrame(t, ws)
	require.Equal(t, "agent_assigned", assigned["type"])
	require.Equal(t, float64(1), assigned["agentId"])

	ready := readFrame(t, ws)
	require.Equal(t, "ready_state", ready["type"])

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ready","value":true}`)))
	update := readFrame(t, ws)
	require.Equal(t, "ready_state", update["type"])
	require.Equal(t, true, update["agents"].(map[string]any)["1"])

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	pong := readFrame(t, ws)
	require.Equal(t, "pong", pong["type"])
}

func TestNinthConnectionRefused(t *testing.T) {
	_, ts := newTestServer(t)
	for i := 0; i < 8; i++ {
		ws := dialWS(t, ts)
		readFrame(t, ws) // agent_assigned
	}

	ninth := dialWS(t, ts)
	frame := readFrame(t, ninth)
	require.Equal(t, "error", frame["type"])
	require.Equal(t, "Server full (max 8 agents)", frame["message"])

	require.NoError(t, ninth.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ninth.ReadMessage()
	require.Error(t, err)
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
		"expected policy violation close, got %v", err)
}

func TestStartAndStop(t *testing.T) {
	cfg := config.Config{
		Host:          "127.0.0.1",
		Port:          0,
		LiveDir:       filepath.Join(t.TempDir(), "live"),
		RecordingsDir: filepath.Join(t.TempDir(), "recordings"),
		FFmpegPath:    "ffmpeg",
	}
	s := New(cfg)
	require.NoError(t, s.Start())
	require.Error(t, s.Start(), "double start must fail")
	require.NotNil(t, s.Addr())
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")
}
