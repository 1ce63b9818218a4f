package vod

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	raiderrors "github.com/raidsync/raidsync/internal/errors"
)

type storeRecorder struct {
	mu        sync.Mutex
	calls     []string
	uploaded  []byte
	saveBody  map[string]any
	authSeen  []string
	mimeTypes []string

	failStep string // "upload-url", "upload", "save"
}

func (s *storeRecorder) handler(uploadURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.authSeen = append(s.authSeen, r.Header.Get("Authorization"))
		s.mu.Unlock()

		switch r.URL.Path {
		case "/api/vod/upload-url":
			s.record("upload-url")
			if s.failStep == "upload-url" {
				http.Error(w, "nope", http.StatusInternalServerError)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"uploadUrl": uploadURL + "/upload"})
		case "/upload":
			s.record("upload")
			body, _ := io.ReadAll(r.Body)
			s.mu.Lock()
			s.uploaded = body
			s.mimeTypes = append(s.mimeTypes, r.Header.Get("Content-Type"))
			s.mu.Unlock()
			if s.failStep == "upload" {
				http.Error(w, "nope", http.StatusBadGateway)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"storageId": "st_123"})
		case "/api/vod/save":
			s.record("save")
			if s.failStep == "save" {
				http.Error(w, "nope", http.StatusForbidden)
				return
			}
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			s.mu.Lock()
			s.saveBody = body
			s.mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
		default:
			http.NotFound(w, r)
		}
	}
}

func (s *storeRecorder) record(step string) {
	s.mu.Lock()
	s.calls = append(s.calls, step)
	s.mu.Unlock()
}

func writeArchive(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "Foo_1700000000000.webm")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func startStore(t *testing.T, rec *storeRecorder) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.handler(srv.URL)(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestUploadRecordingHappyPath(t *testing.T) {
	rec := &storeRecorder{}
	srv := startStore(t, rec)
	archive := writeArchive(t, "container-bytes")

	c := New(srv.URL+"/", "secret-token")
	recordedAt := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	err := c.UploadRecording(archive, "Foo", 1, 95, recordedAt)
	require.NoError(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, []string{"upload-url", "upload", "save"}, rec.calls)
	require.Equal(t, "container-bytes", string(rec.uploaded))
	require.Contains(t, rec.mimeTypes, "video/webm")
	for _, auth := range rec.authSeen {
		require.Equal(t, "Bearer secret-token", auth)
	}

	require.Equal(t, "st_123", rec.saveBody["storageId"])
	require.Equal(t, "Foo", rec.saveBody["agentName"])
	require.Equal(t, float64(1), rec.saveBody["agentId"])
	require.Equal(t, float64(95), rec.saveBody["duration"])
	require.Equal(t, "2026-07-01T12:00:00Z", rec.saveBody["recordedAt"])
	require.Equal(t, float64(len("container-bytes")), rec.saveBody["fileSize"])
	require.Equal(t, "video/webm", rec.saveBody["mimeType"])
}

func TestUploadRecordingEmptyNameFallsBack(t *testing.T) {
	rec := &storeRecorder{}
	srv := startStore(t, rec)
	archive := writeArchive(t, "x")

	c := New(srv.URL, "tok")
	require.NoError(t, c.UploadRecording(archive, "", 6, 1, time.Now()))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, "agent_6", rec.saveBody["agentName"])
}

func TestUploadRecordingFailuresSurfaceStatus(t *testing.T) {
	for _, step := range []string{"upload-url", "upload", "save"} {
		t.Run(step, func(t *testing.T) {
			rec := &storeRecorder{failStep: step}
			srv := startStore(t, rec)
			archive := writeArchive(t, "x")

			c := New(srv.URL, "tok")
			err := c.UploadRecording(archive, "Foo", 1, 1, time.Now())
			require.Error(t, err)

			var ue *raiderrors.UploadError
			require.ErrorAs(t, err, &ue)
			require.NotZero(t, ue.Status)
		})
	}
}

func TestUploadRecordingMissingArchive(t *testing.T) {
	c := New("http://127.0.0.1:0", "tok")
	err := c.UploadRecording(filepath.Join(t.TempDir(), "absent.webm"), "Foo", 1, 1, time.Now())
	require.Error(t, err)
}
