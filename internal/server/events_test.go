package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kmizuno/streamscribe/internal/command"
)

type eventRecorder struct {
	msgs    []command.ThreadMessage
	uploads []command.FileUpload
}

func (e *eventRecorder) HandleThreadMessage(_ context.Context, msg command.ThreadMessage) {
	e.msgs = append(e.msgs, msg)
}

func (e *eventRecorder) HandleFileUpload(_ context.Context, up command.FileUpload) string {
	e.uploads = append(e.uploads, up)
	return "stored"
}

type fileStub struct {
	name    string
	content []byte
	err     error
}

func (f *fileStub) DownloadFile(_ context.Context, _, _ string) (string, []byte, error) {
	return f.name, f.content, f.err
}

func eventsServer(rec *eventRecorder, files FileSource, now time.Time) *Server {
	// URL verification handshakes carry no team_id, so the fallback secret
	// must cover them.
	return New("127.0.0.1:0", &slashRecorder{}, secretMap{"T1": "s3cr3t"}, countStub(0), nil,
		WithClock(func() time.Time { return now }),
		WithFallbackSecret("s3cr3t"),
		WithEvents(rec, files))
}

func signedEventRequest(secret string, body []byte, at time.Time) *http.Request {
	ts := fmt.Sprintf("%d", at.Unix())
	req := httptest.NewRequest("POST", "/slack/events", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", signBody(secret, ts, body))
	return req
}

func TestHandleEvents_URLVerificationEchoesChallenge(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := eventsServer(&eventRecorder{}, nil, now)

	body := []byte(`{"type":"url_verification","challenge":"c0ffee","token":"t"}`)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, signedEventRequest("s3cr3t", body, now))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if got := w.Body.String(); got != "c0ffee" {
		t.Errorf("challenge reply = %q, want c0ffee", got)
	}
}

func TestHandleEvents_ThreadMessageDispatched(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rec := &eventRecorder{}
	s := eventsServer(rec, nil, now)

	body := []byte(`{
		"type": "event_callback",
		"team_id": "T1",
		"event": {
			"type": "message",
			"channel": "C1",
			"user": "U1",
			"text": "stop",
			"ts": "1700000000.000200",
			"thread_ts": "1700000000.000100"
		}
	}`)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, signedEventRequest("s3cr3t", body, now))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if len(rec.msgs) != 1 {
		t.Fatalf("messages dispatched = %d, want 1", len(rec.msgs))
	}
	got := rec.msgs[0]
	if got.TeamID != "T1" || got.ThreadTS != "1700000000.000100" || got.Text != "stop" {
		t.Errorf("message = %+v", got)
	}
	if got.FromBot {
		t.Error("user message marked as bot")
	}
}

func TestHandleEvents_NonThreadMessageIgnored(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rec := &eventRecorder{}
	s := eventsServer(rec, nil, now)

	body := []byte(`{
		"type": "event_callback",
		"team_id": "T1",
		"event": {"type": "message", "channel": "C1", "user": "U1", "text": "hello", "ts": "1.2"}
	}`)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, signedEventRequest("s3cr3t", body, now))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(rec.msgs) != 0 {
		t.Errorf("channel message outside a thread was dispatched: %+v", rec.msgs)
	}
}

func TestHandleEvents_FileSharedInDMDownloadsAndDispatches(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rec := &eventRecorder{}
	files := &fileStub{name: "cookies.txt", content: []byte("# Netscape HTTP Cookie File\n")}
	s := eventsServer(rec, files, now)

	body := []byte(`{
		"type": "event_callback",
		"team_id": "T1",
		"event": {"type": "file_shared", "channel_id": "D42", "user_id": "U1", "file_id": "F1"}
	}`)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, signedEventRequest("s3cr3t", body, now))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if len(rec.uploads) != 1 {
		t.Fatalf("uploads dispatched = %d, want 1", len(rec.uploads))
	}
	up := rec.uploads[0]
	if up.FileName != "cookies.txt" || up.UserID != "U1" || up.TeamID != "T1" {
		t.Errorf("upload = %+v", up)
	}
}

func TestHandleEvents_FileSharedInChannelIgnored(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rec := &eventRecorder{}
	s := eventsServer(rec, &fileStub{name: "x"}, now)

	body := []byte(`{
		"type": "event_callback",
		"team_id": "T1",
		"event": {"type": "file_shared", "channel_id": "C1", "user_id": "U1", "file_id": "F1"}
	}`)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, signedEventRequest("s3cr3t", body, now))

	if len(rec.uploads) != 0 {
		t.Errorf("channel file share was dispatched: %+v", rec.uploads)
	}
}

func TestHandleEvents_RejectsBadSignature(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rec := &eventRecorder{}
	s := eventsServer(rec, nil, now)

	body := []byte(`{"type":"url_verification","challenge":"c0ffee"}`)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, signedEventRequest("wrong", body, now))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}
