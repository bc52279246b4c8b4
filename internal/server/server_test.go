package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/kmizuno/streamscribe/internal/command"
)

type slashRecorder struct {
	got command.SlashCommand
}

func (s *slashRecorder) HandleSlash(_ context.Context, cmd command.SlashCommand) string {
	s.got = cmd
	return "started " + cmd.Text
}

type secretMap map[string]string

func (m secretMap) SigningSecret(teamID string) (string, bool) {
	v, ok := m[teamID]
	return v, ok
}

type countStub int

func (c countStub) ActiveCount() int { return int(c) }

func testServer(rec *slashRecorder, secrets secretMap, counts ActiveCounter, opts ...Option) *Server {
	return New("127.0.0.1:0", rec, secrets, counts, nil, opts...)
}

func slashBody(teamID, text string) []byte {
	form := url.Values{}
	form.Set("team_id", teamID)
	form.Set("user_id", "U1")
	form.Set("channel_id", "C1")
	form.Set("command", "/youtube2thread")
	form.Set("text", text)
	return []byte(form.Encode())
}

func signedRequest(secret string, body []byte, at time.Time) *http.Request {
	ts := fmt.Sprintf("%d", at.Unix())
	req := httptest.NewRequest("POST", "/slack/commands", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", signBody(secret, ts, body))
	return req
}

func TestVerifySignature_Valid(t *testing.T) {
	now := time.Unix(1700000000, 0)
	body := []byte("team_id=T1&text=hello")
	sig := signBody("s3cr3t", "1700000000", body)
	if err := verifySignature("s3cr3t", "1700000000", sig, body, now); err != nil {
		t.Errorf("verifySignature: %v", err)
	}
}

func TestVerifySignature_TamperedBody(t *testing.T) {
	now := time.Unix(1700000000, 0)
	sig := signBody("s3cr3t", "1700000000", []byte("text=original"))
	err := verifySignature("s3cr3t", "1700000000", sig, []byte("text=tampered"), now)
	if !errors.Is(err, ErrBadSignature) {
		t.Errorf("err = %v, want ErrBadSignature", err)
	}
}

func TestVerifySignature_WrongSecret(t *testing.T) {
	now := time.Unix(1700000000, 0)
	body := []byte("text=hello")
	sig := signBody("other", "1700000000", body)
	if err := verifySignature("s3cr3t", "1700000000", sig, body, now); !errors.Is(err, ErrBadSignature) {
		t.Errorf("err = %v, want ErrBadSignature", err)
	}
}

func TestVerifySignature_StaleTimestamp(t *testing.T) {
	now := time.Unix(1700000000, 0)
	old := now.Add(-maxSkew - time.Second)
	body := []byte("text=hello")
	ts := fmt.Sprintf("%d", old.Unix())
	sig := signBody("s3cr3t", ts, body)
	if err := verifySignature("s3cr3t", ts, sig, body, now); !errors.Is(err, ErrStaleRequest) {
		t.Errorf("err = %v, want ErrStaleRequest", err)
	}
}

func TestVerifySignature_GarbageTimestamp(t *testing.T) {
	err := verifySignature("s3cr3t", "not-a-number", "v0=zz", []byte("x"), time.Now())
	if !errors.Is(err, ErrStaleRequest) {
		t.Errorf("err = %v, want ErrStaleRequest", err)
	}
}

func TestHandleSlash_DispatchesVerifiedCommand(t *testing.T) {
	rec := &slashRecorder{}
	now := time.Unix(1700000000, 0)
	s := testServer(rec, secretMap{"T1": "s3cr3t"}, countStub(0), WithClock(func() time.Time { return now }))

	body := slashBody("T1", "https://youtu.be/abc")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, signedRequest("s3cr3t", body, now))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if rec.got.Command != "youtube2thread" {
		t.Errorf("command = %q, want without slash", rec.got.Command)
	}
	if rec.got.TeamID != "T1" || rec.got.UserID != "U1" || rec.got.ChannelID != "C1" {
		t.Errorf("coordinates = %+v", rec.got)
	}

	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if resp["response_type"] != "ephemeral" {
		t.Errorf("response_type = %q", resp["response_type"])
	}
	if !strings.Contains(resp["text"], "https://youtu.be/abc") {
		t.Errorf("text = %q", resp["text"])
	}
}

func TestHandleSlash_RejectsBadSignature(t *testing.T) {
	rec := &slashRecorder{}
	now := time.Unix(1700000000, 0)
	s := testServer(rec, secretMap{"T1": "s3cr3t"}, countStub(0), WithClock(func() time.Time { return now }))

	body := slashBody("T1", "x")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, signedRequest("wrong-secret", body, now))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if rec.got.TeamID != "" {
		t.Error("unverified command reached the handler")
	}
}

func TestHandleSlash_UnknownWorkspaceWithoutFallback(t *testing.T) {
	rec := &slashRecorder{}
	now := time.Unix(1700000000, 0)
	s := testServer(rec, secretMap{}, countStub(0), WithClock(func() time.Time { return now }))

	body := slashBody("T9", "x")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, signedRequest("anything", body, now))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestHandleSlash_FallbackSecretServesUnknownTeam(t *testing.T) {
	rec := &slashRecorder{}
	now := time.Unix(1700000000, 0)
	s := testServer(rec, secretMap{}, countStub(0),
		WithClock(func() time.Time { return now }),
		WithFallbackSecret("env-secret"))

	body := slashBody("T9", "x")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, signedRequest("env-secret", body, now))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, body %s", w.Code, w.Body.String())
	}
	if rec.got.TeamID != "T9" {
		t.Errorf("team = %q", rec.got.TeamID)
	}
}

func TestHealth_ReportsActiveStreams(t *testing.T) {
	s := testServer(&slashRecorder{}, secretMap{}, countStub(3))

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
	if body["active_streams"] != float64(3) {
		t.Errorf("active_streams = %v, want 3", body["active_streams"])
	}
}

func TestMetricsEndpoint_Serves(t *testing.T) {
	s := testServer(&slashRecorder{}, secretMap{}, countStub(0))

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}
