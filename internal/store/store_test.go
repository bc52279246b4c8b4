package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/kmizuno/streamscribe/internal/secretbox"
)

func testBox(t *testing.T) *secretbox.Box {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i * 7)
	}
	box, err := secretbox.New(key)
	if err != nil {
		t.Fatalf("secretbox.New: %v", err)
	}
	return box
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), testBox(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWorkspaceStore_PutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	w := Workspace{
		TeamID:        "T123",
		TeamName:      "Acme",
		BotToken:      "xoxb-secret",
		SigningSecret: "sig-secret",
		AppToken:      "xapp-secret",
		Active:        true,
	}
	if err := s.Workspaces.Put(ctx, w); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Workspaces.Get(ctx, "T123")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.BotToken != w.BotToken || got.SigningSecret != w.SigningSecret || got.AppToken != w.AppToken {
		t.Errorf("secrets did not round-trip: %+v", got)
	}
	if !got.Active || got.TeamName != "Acme" {
		t.Errorf("metadata mismatch: %+v", got)
	}

	// Secrets must not be stored in the clear.
	var raw []byte
	if err := s.DB().QueryRow(`SELECT bot_token FROM workspaces WHERE team_id = 'T123'`).Scan(&raw); err != nil {
		t.Fatalf("raw select: %v", err)
	}
	if string(raw) == w.BotToken {
		t.Fatal("bot token stored in plaintext")
	}
}

func TestWorkspaceStore_PutIsIdempotentUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	w := Workspace{TeamID: "T1", BotToken: "a", SigningSecret: "b", Active: true}
	if err := s.Workspaces.Put(ctx, w); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if err := s.Workspaces.Put(ctx, w); err != nil {
		t.Fatalf("second Put: %v", err)
	}

	list, err := s.Workspaces.List(ctx, false)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("double put left %d rows, want 1", len(list))
	}
}

func TestWorkspaceStore_SetActiveAndListFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"T1", "T2"} {
		if err := s.Workspaces.Put(ctx, Workspace{TeamID: id, BotToken: "x", SigningSecret: "y", Active: true}); err != nil {
			t.Fatalf("Put %s: %v", id, err)
		}
	}
	if err := s.Workspaces.SetActive(ctx, "T2", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	active, err := s.Workspaces.List(ctx, true)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(active) != 1 || active[0].TeamID != "T1" {
		t.Fatalf("active list = %+v, want only T1", active)
	}

	if err := s.Workspaces.SetActive(ctx, "nope", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetActive unknown: err = %v, want ErrNotFound", err)
	}
}

func TestWorkspaceStore_DeleteAndNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Workspaces.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing: err = %v, want ErrNotFound", err)
	}
	if err := s.Workspaces.Put(ctx, Workspace{TeamID: "T1", BotToken: "x", SigningSecret: "y"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Workspaces.Delete(ctx, "T1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Workspaces.Delete(ctx, "T1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete: err = %v, want ErrNotFound", err)
	}
}

func TestUserSecretStore_CookiesRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	jar := []byte("# Netscape HTTP Cookie File\n.youtube.com\tTRUE\t/\tTRUE\t0\tSID\tabc\n")

	if err := s.Users.PutCookies(ctx, "T1", "U1", jar); err != nil {
		t.Fatalf("PutCookies: %v", err)
	}
	got, err := s.Users.GetCookies(ctx, "T1", "U1")
	if err != nil {
		t.Fatalf("GetCookies: %v", err)
	}
	if string(got) != string(jar) {
		t.Error("cookie jar did not round-trip")
	}

	// Other users and teams are isolated.
	if _, err := s.Users.GetCookies(ctx, "T1", "U2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("other user: err = %v, want ErrNotFound", err)
	}
	if _, err := s.Users.GetCookies(ctx, "T2", "U1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("other team: err = %v, want ErrNotFound", err)
	}

	if err := s.Users.DeleteCookies(ctx, "T1", "U1"); err != nil {
		t.Fatalf("DeleteCookies: %v", err)
	}
	if _, err := s.Users.GetCookies(ctx, "T1", "U1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete: err = %v, want ErrNotFound", err)
	}
}

func TestUserSecretStore_EmptyTeamMapsToDefault(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Users.PutCookies(ctx, "", "U1", []byte("jar")); err != nil {
		t.Fatalf("PutCookies: %v", err)
	}
	got, err := s.Users.GetCookies(ctx, DefaultTeamID, "U1")
	if err != nil {
		t.Fatalf("GetCookies under %s: %v", DefaultTeamID, err)
	}
	if string(got) != "jar" {
		t.Error("empty team_id did not map to the default sentinel")
	}
}

func TestUserSecretStore_SettingsDefaultsAndUnknownKeys(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Absent row yields usable defaults.
	settings, err := s.Users.GetSettings(ctx, "T1", "U1")
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if settings.PreferredLanguage() != "auto" {
		t.Errorf("default language = %q, want auto", settings.PreferredLanguage())
	}
	if !settings.AllowLocalWhisper() {
		t.Error("AllowLocalWhisper default should be true")
	}

	in := Settings{
		"preferred_language": "ja",
		"whisper_model":      "small",
		"include_timestamps": true,
		"future_key":         "preserved",
	}
	if err := s.Users.PutSettings(ctx, "T1", "U1", in); err != nil {
		t.Fatalf("PutSettings: %v", err)
	}
	got, err := s.Users.GetSettings(ctx, "T1", "U1")
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if got.PreferredLanguage() != "ja" || got.WhisperModel() != "small" || !got.IncludeTimestamps() {
		t.Errorf("settings mismatch: %+v", got)
	}
	if got["future_key"] != "preserved" {
		t.Error("unknown key was not preserved")
	}
}

func TestMigrate_LegacySchemaUpgradeIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}

	// A database written before multi-workspace support: keyed by user alone.
	_, err = db.Exec(`
		CREATE TABLE user_cookies (user_id TEXT PRIMARY KEY, cookies BLOB NOT NULL, updated_at INTEGER NOT NULL);
		CREATE TABLE user_settings (user_id TEXT PRIMARY KEY, settings BLOB NOT NULL, updated_at INTEGER NOT NULL);
	`)
	if err != nil {
		t.Fatalf("create legacy schema: %v", err)
	}
	box := testBox(t)
	sealed, _ := box.Seal([]byte("legacy jar"))
	if _, err := db.Exec(`INSERT INTO user_cookies (user_id, cookies, updated_at) VALUES ('U9', ?, ?)`, sealed, time.Now().Unix()); err != nil {
		t.Fatalf("insert legacy row: %v", err)
	}
	db.Close()

	ctx := context.Background()
	s, err := Open(ctx, path, box)
	if err != nil {
		t.Fatalf("Open over legacy db: %v", err)
	}
	defer s.Close()

	// Legacy row is now reachable under the default team.
	jar, err := s.Users.GetCookies(ctx, DefaultTeamID, "U9")
	if err != nil {
		t.Fatalf("GetCookies after migration: %v", err)
	}
	if string(jar) != "legacy jar" {
		t.Error("legacy row content changed during migration")
	}

	// Running the migration again changes nothing.
	if err := Migrate(ctx, s.DB()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	var rows int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM user_cookies`).Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 1 {
		t.Errorf("row count after double migration = %d, want 1", rows)
	}
}

func TestWorkspaceStore_TamperedRowSurfacesAuthFailure(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Workspaces.Put(ctx, Workspace{TeamID: "T1", BotToken: "tok", SigningSecret: "sig"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := s.DB().Exec(`UPDATE workspaces SET bot_token = X'00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff00112233445566778899' WHERE team_id = 'T1'`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if _, err := s.Workspaces.Get(ctx, "T1"); !errors.Is(err, secretbox.ErrAuthFailure) {
		t.Fatalf("Get tampered: err = %v, want ErrAuthFailure", err)
	}
}
