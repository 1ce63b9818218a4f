package vod

// Archive store client
// --------------------
// Uploads one finished recording through the external VOD API: request an
// upload URL, push the file bytes, then register the archive metadata. The
// three calls run sequentially and are never retried; a failed upload is
// the caller's to log and absorb.

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/raidsync/raidsync/internal/errors"
	"github.com/raidsync/raidsync/internal/logger"
)

const mimeType = "video/webm"

// Client talks to the archive store with a bearer token.
type Client struct {
	siteURL string
	token   string
	httpc   *http.Client
	log     *slog.Logger
}

// New creates a client for the given site URL and bearer token.
func New(siteURL, token string) *Client {
	return &Client{
		siteURL: strings.TrimRight(siteURL, "/"),
		token:   token,
		httpc:   &http.Client{Timeout: 5 * time.Minute},
		log:     logger.Logger().With("component", "vod_client"),
	}
}

type uploadURLResponse struct {
	UploadURL string `json:"uploadUrl"`
}

type uploadResponse struct {
	StorageID string `json:"storageId"`
}

type saveRequest struct {
	StorageID  string `json:"storageId"`
	AgentName  string `json:"agentName"`
	AgentID    int    `json:"agentId"`
	Duration   int64  `json:"duration"`
	RecordedAt string `json:"recordedAt"`
	FileSize   int64  `json:"fileSize"`
	MimeType   string `json:"mimeType"`
}

// UploadRecording performs the three-step upload sequence for one archive
// file. durationSec is the floored wall-clock session length in seconds.
func (c *Client) UploadRecording(path, agentName string, agentID int, durationSec int64, recordedAt time.Time) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.NewUploadError("archive.stat", 0, err)
	}
	if agentName == "" {
		agentName = fmt.Sprintf("agent_%d", agentID)
	}

	var urlResp uploadURLResponse
	if err := c.postJSON(c.siteURL+"/api/vod/upload-url", struct{}{}, &urlResp); err != nil {
		return err
	}
	if urlResp.UploadURL == "" {
		return errors.NewUploadError("upload-url.response", 0, fmt.Errorf("empty uploadUrl"))
	}

	storageID, err := c.pushFile(urlResp.UploadURL, path)
	if err != nil {
		return err
	}

	save := saveRequest{
		StorageID:  storageID,
		AgentName:  agentName,
		AgentID:    agentID,
		Duration:   durationSec,
		RecordedAt: recordedAt.UTC().Format(time.RFC3339),
		FileSize:   info.Size(),
		MimeType:   mimeType,
	}
	if err := c.postJSON(c.siteURL+"/api/vod/save", save, nil); err != nil {
		return err
	}

	c.log.Info("archive uploaded",
		"agent_id", agentID,
		"storage_id", storageID,
		"bytes", info.Size(),
	)
	return nil
}

// postJSON issues an authenticated POST with a JSON body and decodes the
// response into out when non-nil.
func (c *Client) postJSON(url string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.NewUploadError("request.encode", 0, err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errors.NewUploadError("request.build", 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.NewUploadError("request.send", 0, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.NewUploadError(url, resp.StatusCode, nil)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.NewUploadError("response.decode", 0, err)
	}
	return nil
}

// pushFile streams the archive bytes to the issued upload URL.
func (c *Client) pushFile(uploadURL, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.NewUploadError("archive.open", 0, err)
	}
	defer f.Close()

	req, err := http.NewRequest(http.MethodPost, uploadURL, f)
	if err != nil {
		return "", errors.NewUploadError("upload.build", 0, err)
	}
	if info, err := f.Stat(); err == nil {
		req.ContentLength = info.Size()
	}
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", errors.NewUploadError("upload.send", 0, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", errors.NewUploadError("upload", resp.StatusCode, nil)
	}

	var ur uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return "", errors.NewUploadError("upload.decode", 0, err)
	}
	if ur.StorageID == "" {
		return "", errors.NewUploadError("upload.response", 0, fmt.Errorf("empty storageId"))
	}
	return ur.StorageID, nil
}
