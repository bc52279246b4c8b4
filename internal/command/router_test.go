package command_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kmizuno/streamscribe/internal/chat"
	chatmock "github.com/kmizuno/streamscribe/internal/chat/mock"
	"github.com/kmizuno/streamscribe/internal/command"
	"github.com/kmizuno/streamscribe/internal/media"
	"github.com/kmizuno/streamscribe/internal/secretbox"
	"github.com/kmizuno/streamscribe/internal/store"
	"github.com/kmizuno/streamscribe/internal/stream"
	"github.com/kmizuno/streamscribe/internal/transcribe"
	trmock "github.com/kmizuno/streamscribe/internal/transcribe/mock"
)

// unavailableSource fails every open; command tests never need real audio.
type unavailableSource struct{}

func (unavailableSource) Probe(context.Context, string, []byte) (media.Metadata, error) {
	return media.Metadata{}, &media.StartError{Class: media.StartUnavailable, Err: errors.New("test source")}
}

func (unavailableSource) Open(context.Context, string, []byte) (media.Stream, error) {
	return nil, &media.StartError{Class: media.StartUnavailable, Err: errors.New("test source")}
}

type fixture struct {
	router *command.Router
	chat   *chatmock.Client
	store  *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	box, err := secretbox.New(key)
	if err != nil {
		t.Fatalf("secretbox.New: %v", err)
	}
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "cmd.db"), box)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	chatc := &chatmock.Client{}
	chats := chat.NewRegistry(nil)
	chats.SetFallback(chatc)

	pool := transcribe.NewPool(&trmock.Transcriber{}, transcribe.WithWorkers(1))
	ctx, cancel := context.WithCancel(context.Background())
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		pool.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-poolDone
	})

	mgr := stream.NewManager(chats, unavailableSource{}, pool, st.Users, stream.Tuning{})
	return &fixture{
		router: command.NewRouter(mgr, st.Users, chats, "v1.0.0-test"),
		chat:   chatc,
		store:  st,
	}
}

func slash(cmd, text string) command.SlashCommand {
	return command.SlashCommand{TeamID: "T1", UserID: "U1", ChannelID: "C1", Command: cmd, Text: text}
}

func TestHandleSlash_UsageWithoutArguments(t *testing.T) {
	f := newFixture(t)
	reply := f.router.HandleSlash(context.Background(), slash(command.CmdStart, ""))
	if !strings.Contains(reply, "Usage") {
		t.Errorf("reply = %q, want usage text", reply)
	}
}

func TestHandleSlash_RejectsNonYouTubeURL(t *testing.T) {
	f := newFixture(t)
	reply := f.router.HandleSlash(context.Background(), slash(command.CmdStart, "https://example.com/watch"))
	if !strings.Contains(reply, "YouTube") {
		t.Errorf("reply = %q, want YouTube-only warning", reply)
	}
}

func TestHandleSlash_MissingCookiesPromptsViaDM(t *testing.T) {
	f := newFixture(t)
	reply := f.router.HandleSlash(context.Background(), slash(command.CmdStart, "https://www.youtube.com/watch?v=abc"))
	if !strings.Contains(reply, "cookies") {
		t.Errorf("reply = %q, want cookie prompt", reply)
	}
	dms := f.chat.DMs("U1")
	if len(dms) != 1 || !strings.Contains(dms[0], "cookies.txt") {
		t.Errorf("DMs = %v, want upload instructions", dms)
	}
}

func TestHandleSlash_StatusShowsVersion(t *testing.T) {
	f := newFixture(t)
	reply := f.router.HandleSlash(context.Background(), slash(command.CmdStatus, ""))
	if !strings.Contains(reply, "v1.0.0-test") {
		t.Errorf("reply = %q, want version string", reply)
	}
	if !strings.Contains(reply, "no streams") {
		t.Errorf("reply = %q, want empty-state hint", reply)
	}
}

func TestHandleSlash_StopWithoutStream(t *testing.T) {
	f := newFixture(t)
	reply := f.router.HandleSlash(context.Background(), slash(command.CmdStop, ""))
	if !strings.HasPrefix(reply, "⚠️") {
		t.Errorf("reply = %q, want warning", reply)
	}
}

func TestHandleSlash_StopWithUnknownStreamID(t *testing.T) {
	f := newFixture(t)
	reply := f.router.HandleSlash(context.Background(), slash(command.CmdStop, "deadbeef"))
	if !strings.Contains(reply, "No stream with that ID") {
		t.Errorf("reply = %q, want unknown-ID explanation", reply)
	}
}

func TestHandleSlash_SetPersistsSettings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reply := f.router.HandleSlash(ctx, slash(command.CmdStart, "set preferred_language ja"))
	if !strings.HasPrefix(reply, "✅") {
		t.Fatalf("reply = %q", reply)
	}
	reply = f.router.HandleSlash(ctx, slash(command.CmdStart, "set include_timestamps true"))
	if !strings.HasPrefix(reply, "✅") {
		t.Fatalf("reply = %q", reply)
	}

	settings, err := f.store.Users.GetSettings(ctx, "T1", "U1")
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if settings.PreferredLanguage() != "ja" {
		t.Errorf("preferred_language = %q, want ja", settings.PreferredLanguage())
	}
	if !settings.IncludeTimestamps() {
		t.Error("include_timestamps not persisted")
	}
}

func TestHandleSlash_SetRejectsUnknownModel(t *testing.T) {
	f := newFixture(t)
	reply := f.router.HandleSlash(context.Background(), slash(command.CmdStart, "set whisper_model enormous"))
	if !strings.Contains(reply, "Unknown model") {
		t.Errorf("reply = %q", reply)
	}
}

func TestHandleThreadMessage_BotMessagesIgnored(t *testing.T) {
	f := newFixture(t)
	f.router.HandleThreadMessage(context.Background(), command.ThreadMessage{
		TeamID: "T1", ChannelID: "C1", ThreadTS: "1.1", Text: "stop", FromBot: true,
	})
	th := chat.Thread{Channel: "C1", RootTS: "1.1"}
	if posts := f.chat.Posts(th); len(posts) != 0 {
		t.Errorf("bot message triggered replies: %v", posts)
	}
}

func TestHandleThreadMessage_StopWordsMatch(t *testing.T) {
	f := newFixture(t)
	th := chat.Thread{Channel: "C1", RootTS: "1.1"}

	// No stream is attached, so a matched word produces a warning reply,
	// while unrelated chatter produces nothing.
	for _, word := range []string{"stop", "STOP", " Halt ", "stpo", "停止", "ストップ"} {
		f.router.HandleThreadMessage(context.Background(), command.ThreadMessage{
			TeamID: "T1", UserID: "U1", ChannelID: "C1", ThreadTS: "1.1", Text: word,
		})
	}
	if got := len(f.chat.Posts(th)); got != 6 {
		t.Errorf("matched replies = %d, want 6", got)
	}

	before := len(f.chat.Posts(th))
	f.router.HandleThreadMessage(context.Background(), command.ThreadMessage{
		TeamID: "T1", UserID: "U1", ChannelID: "C1", ThreadTS: "1.1", Text: "great stream so far!",
	})
	if got := len(f.chat.Posts(th)); got != before {
		t.Error("unrelated chatter triggered a reply")
	}
}

func TestHandleThreadMessage_RetryWordsMatch(t *testing.T) {
	f := newFixture(t)
	th := chat.Thread{Channel: "C1", RootTS: "1.1"}
	for _, word := range []string{"retry", "restart", "再開", "リトライ"} {
		f.router.HandleThreadMessage(context.Background(), command.ThreadMessage{
			TeamID: "T1", UserID: "U1", ChannelID: "C1", ThreadTS: "1.1", Text: word,
		})
	}
	if got := len(f.chat.Posts(th)); got != 4 {
		t.Errorf("matched replies = %d, want 4", got)
	}
}

func TestHandleFileUpload_ValidCookiesStored(t *testing.T) {
	f := newFixture(t)
	jar := "# Netscape HTTP Cookie File\n" +
		".youtube.com\tTRUE\t/\tTRUE\t1999999999\tSID\tsecret\n" +
		".example.com\tTRUE\t/\tFALSE\t0\tother\tvalue\n"

	reply := f.router.HandleFileUpload(context.Background(), command.FileUpload{
		TeamID: "T1", UserID: "U1", FileName: "cookies.txt", Content: []byte(jar),
	})
	if !strings.HasPrefix(reply, "✅") {
		t.Fatalf("reply = %q", reply)
	}

	stored, err := f.store.Users.GetCookies(context.Background(), "T1", "U1")
	if err != nil {
		t.Fatalf("GetCookies: %v", err)
	}
	if !strings.Contains(string(stored), "youtube.com") {
		t.Error("stored jar lost the YouTube entry")
	}
	if strings.Contains(string(stored), "example.com") {
		t.Error("stored jar kept an unrelated domain")
	}
	if dms := f.chat.DMs("U1"); len(dms) != 1 {
		t.Errorf("DMs = %v, want the confirmation", dms)
	}
}

func TestHandleFileUpload_RejectsNonCookieFile(t *testing.T) {
	f := newFixture(t)
	reply := f.router.HandleFileUpload(context.Background(), command.FileUpload{
		TeamID: "T1", UserID: "U1", FileName: "notes.txt", Content: []byte("just some notes"),
	})
	if !strings.HasPrefix(reply, "⚠️") {
		t.Fatalf("reply = %q", reply)
	}
	if _, err := f.store.Users.GetCookies(context.Background(), "T1", "U1"); !errors.Is(err, store.ErrNotFound) {
		t.Error("invalid upload was stored")
	}
}

func TestHandleFileUpload_RejectsMisnamedJar(t *testing.T) {
	f := newFixture(t)
	// The content is a perfectly valid jar; only the name is wrong.
	jar := "# Netscape HTTP Cookie File\n" +
		".youtube.com\tTRUE\t/\tTRUE\t1999999999\tSID\tsecret\n"
	reply := f.router.HandleFileUpload(context.Background(), command.FileUpload{
		TeamID: "T1", UserID: "U1", FileName: "export (3).txt", Content: []byte(jar),
	})
	if !strings.Contains(reply, "cookies.txt") {
		t.Errorf("reply = %q, want the expected file name", reply)
	}
	if _, err := f.store.Users.GetCookies(context.Background(), "T1", "U1"); !errors.Is(err, store.ErrNotFound) {
		t.Error("misnamed upload was stored")
	}
}

func TestHandleFileUpload_AcceptsCaseInsensitiveName(t *testing.T) {
	f := newFixture(t)
	jar := "# Netscape HTTP Cookie File\n" +
		".youtube.com\tTRUE\t/\tTRUE\t1999999999\tSID\tsecret\n"
	reply := f.router.HandleFileUpload(context.Background(), command.FileUpload{
		TeamID: "T1", UserID: "U1", FileName: "Cookies.TXT", Content: []byte(jar),
	})
	if !strings.HasPrefix(reply, "✅") {
		t.Errorf("reply = %q, want acceptance", reply)
	}
}

func TestHandleFileUpload_RejectsJarWithoutYouTube(t *testing.T) {
	f := newFixture(t)
	jar := "# Netscape HTTP Cookie File\n.example.com\tTRUE\t/\tFALSE\t0\tother\tvalue\n"
	reply := f.router.HandleFileUpload(context.Background(), command.FileUpload{
		TeamID: "T1", UserID: "U1", FileName: "cookies.txt", Content: []byte(jar),
	})
	if !strings.Contains(reply, "youtube.com") {
		t.Errorf("reply = %q, want missing-YouTube explanation", reply)
	}
}
