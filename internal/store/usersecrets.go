package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kmizuno/streamscribe/internal/secretbox"
)

// Settings is a user's preference map. Recognised keys have typed accessors;
// unknown keys round-trip through storage untouched.
type Settings map[string]any

// WhisperModels lists the accepted values for the whisper_model setting.
var WhisperModels = []string{"tiny", "base", "small", "medium", "large"}

// PreferredLanguage returns the preferred_language setting, defaulting to
// "auto".
func (s Settings) PreferredLanguage() string {
	if v, ok := s["preferred_language"].(string); ok && v != "" {
		return v
	}
	return "auto"
}

// WhisperModel returns the whisper_model setting, or "" when unset.
func (s Settings) WhisperModel() string {
	v, _ := s["whisper_model"].(string)
	return v
}

// IncludeTimestamps reports whether posted sentences should carry timestamps.
func (s Settings) IncludeTimestamps() bool {
	v, _ := s["include_timestamps"].(bool)
	return v
}

// AllowLocalWhisper reports whether this user may run local transcription.
// Defaults to true when unset.
func (s Settings) AllowLocalWhisper() bool {
	if v, ok := s["allow_local_whisper"].(bool); ok {
		return v
	}
	return true
}

// UserSecretStore holds per-user cookie jars and settings, both sealed at
// rest and keyed by (team_id, user_id). Obtain it via [Store.Users].
type UserSecretStore struct {
	db  *sql.DB
	box *secretbox.Box
}

// PutCookies upserts a user's cookie jar. The blob is stored opaque; callers
// validate its format before it gets here.
func (us *UserSecretStore) PutCookies(ctx context.Context, teamID, userID string, jar []byte) error {
	teamID = orDefault(teamID)
	sealed, err := us.box.Seal(jar)
	if err != nil {
		return fmt.Errorf("store: seal cookies: %w", err)
	}
	_, err = us.db.ExecContext(ctx, `
		INSERT INTO user_cookies (team_id, user_id, cookies, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (team_id, user_id) DO UPDATE SET
			cookies    = excluded.cookies,
			updated_at = excluded.updated_at`,
		teamID, userID, sealed, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: put cookies %s/%s: %w", teamID, userID, err)
	}
	return nil
}

// GetCookies returns a user's decrypted cookie jar, or [ErrNotFound].
func (us *UserSecretStore) GetCookies(ctx context.Context, teamID, userID string) ([]byte, error) {
	var sealed []byte
	err := us.db.QueryRowContext(ctx,
		`SELECT cookies FROM user_cookies WHERE team_id = ? AND user_id = ?`,
		orDefault(teamID), userID,
	).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get cookies %s/%s: %w", teamID, userID, err)
	}
	jar, err := us.box.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("store: cookies %s/%s: %w", teamID, userID, err)
	}
	return jar, nil
}

// DeleteCookies removes a user's cookie jar. Deleting an absent jar is not an
// error; the caller only cares that it is gone.
func (us *UserSecretStore) DeleteCookies(ctx context.Context, teamID, userID string) error {
	_, err := us.db.ExecContext(ctx,
		`DELETE FROM user_cookies WHERE team_id = ? AND user_id = ?`,
		orDefault(teamID), userID,
	)
	if err != nil {
		return fmt.Errorf("store: delete cookies %s/%s: %w", teamID, userID, err)
	}
	return nil
}

// PutSettings upserts a user's settings map.
func (us *UserSecretStore) PutSettings(ctx context.Context, teamID, userID string, settings Settings) error {
	teamID = orDefault(teamID)
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("store: encode settings: %w", err)
	}
	sealed, err := us.box.Seal(raw)
	if err != nil {
		return fmt.Errorf("store: seal settings: %w", err)
	}
	_, err = us.db.ExecContext(ctx, `
		INSERT INTO user_settings (team_id, user_id, settings, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (team_id, user_id) DO UPDATE SET
			settings   = excluded.settings,
			updated_at = excluded.updated_at`,
		teamID, userID, sealed, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: put settings %s/%s: %w", teamID, userID, err)
	}
	return nil
}

// GetSettings returns a user's settings. An absent row yields an empty map so
// callers always get usable defaults.
func (us *UserSecretStore) GetSettings(ctx context.Context, teamID, userID string) (Settings, error) {
	var sealed []byte
	err := us.db.QueryRowContext(ctx,
		`SELECT settings FROM user_settings WHERE team_id = ? AND user_id = ?`,
		orDefault(teamID), userID,
	).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return Settings{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get settings %s/%s: %w", teamID, userID, err)
	}
	raw, err := us.box.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("store: settings %s/%s: %w", teamID, userID, err)
	}
	var s Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("store: decode settings %s/%s: %w", teamID, userID, err)
	}
	return s, nil
}

func orDefault(teamID string) string {
	if teamID == "" {
		return DefaultTeamID
	}
	return teamID
}
