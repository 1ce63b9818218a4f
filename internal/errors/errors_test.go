package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestErrorMessages(t *testing.T) {
	cases := []struct {
		err      error
		contains []string
	}{
		{NewProtocolError("frame.decode", fmt.Errorf("bad json")), []string{"protocol error", "frame.decode", "bad json"}},
		{NewProtocolError("start.gate", nil), []string{"protocol error", "start.gate"}},
		{NewPipelineError("transcoder.start", fmt.Errorf("exec: not found")), []string{"pipeline error", "transcoder.start", "not found"}},
		{NewUploadError("upload", 503, nil), []string{"upload error", "upload", "503"}},
		{NewUploadError("request.send", 0, fmt.Errorf("dial tcp")), []string{"upload error", "request.send", "dial tcp"}},
		{NewTimeoutError("transcoder.wait", 10*time.Second, nil), []string{"timeout error", "transcoder.wait", "10s"}},
	}
	for _, tc := range cases {
		msg := tc.err.Error()
		for _, want := range tc.contains {
			if !strings.Contains(msg, want) {
				t.Fatalf("error %q missing %q", msg, want)
			}
		}
	}
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := NewPipelineError("archive.open", cause)
	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the cause")
	}
	wrapped := fmt.Errorf("outer: %w", err)
	var pe *PipelineError
	if !stdErrors.As(wrapped, &pe) {
		t.Fatalf("expected errors.As to find PipelineError")
	}
	if pe.Op != "archive.open" {
		t.Fatalf("unexpected op %q", pe.Op)
	}
}

func TestIsTimeout(t *testing.T) {
	if !IsTimeout(NewTimeoutError("wait", time.Second, nil)) {
		t.Fatalf("TimeoutError should classify as timeout")
	}
	if !IsTimeout(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)) {
		t.Fatalf("context deadline should classify as timeout")
	}
	if IsTimeout(NewProtocolError("x", nil)) {
		t.Fatalf("protocol error is not a timeout")
	}
	if IsTimeout(nil) {
		t.Fatalf("nil is not a timeout")
	}
}

func TestIsFault(t *testing.T) {
	for _, err := range []error{
		NewProtocolError("a", nil),
		NewPipelineError("b", nil),
		NewUploadError("c", 500, nil),
	} {
		if !IsFault(fmt.Errorf("ctx: %w", err)) {
			t.Fatalf("expected fault classification for %v", err)
		}
	}
	if IsFault(NewTimeoutError("d", time.Second, nil)) {
		t.Fatalf("timeout is not a coordination fault")
	}
	if IsFault(stdErrors.New("plain")) {
		t.Fatalf("plain error is not a fault")
	}
}
