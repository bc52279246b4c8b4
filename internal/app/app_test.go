package app_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kmizuno/streamscribe/internal/app"
	chatmock "github.com/kmizuno/streamscribe/internal/chat/mock"
	"github.com/kmizuno/streamscribe/internal/config"
	"github.com/kmizuno/streamscribe/internal/media"
	"github.com/kmizuno/streamscribe/internal/secretbox"
	trmock "github.com/kmizuno/streamscribe/internal/transcribe/mock"
)

// idleSource keeps app tests away from real child processes.
type idleSource struct{}

func (idleSource) Probe(context.Context, string, []byte) (media.Metadata, error) {
	return media.Metadata{}, &media.StartError{Class: media.StartUnavailable}
}

func (idleSource) Open(context.Context, string, []byte) (media.Stream, error) {
	return nil, &media.StartError{Class: media.StartUnavailable}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Storage.Path = filepath.Join(t.TempDir(), "app.db")
	return cfg
}

func testBox(t *testing.T) *secretbox.Box {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	box, err := secretbox.New(key)
	if err != nil {
		t.Fatalf("secretbox.New: %v", err)
	}
	return box
}

func newTestApp(t *testing.T) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), testConfig(t), "v0.0.0-test",
		app.WithBox(testBox(t)),
		app.WithChatClient(&chatmock.Client{}),
		app.WithTranscriber(&trmock.Transcriber{}),
		app.WithSource(idleSource{}),
	)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Shutdown(ctx)
	})
	return a
}

func TestNew_WiresSubsystems(t *testing.T) {
	a := newTestApp(t)
	if a.Streams() == nil {
		t.Fatal("Streams() = nil after New")
	}
	if got := a.Streams().ActiveCount(); got != 0 {
		t.Errorf("ActiveCount = %d on a fresh app, want 0", got)
	}
}

func TestNew_FailsWithoutEncryptionKey(t *testing.T) {
	t.Setenv(secretbox.KeyEnv, "")
	_, err := app.New(context.Background(), testConfig(t), "v0.0.0-test",
		app.WithChatClient(&chatmock.Client{}),
		app.WithTranscriber(&trmock.Transcriber{}),
		app.WithSource(idleSource{}),
	)
	if err == nil {
		t.Fatal("expected New to fail without an encryption key, got nil")
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	a := newTestApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// Give the subsystems a moment to start before pulling the plug.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run after cancel = %v, want nil", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
