package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kmizuno/streamscribe/internal/secretbox"
)

// Workspace is one chat-platform tenant with its own credentials. Secrets are
// decrypted only in this in-memory view; at rest they are sealed blobs.
type Workspace struct {
	TeamID        string
	TeamName      string
	BotToken      string
	SigningSecret string
	AppToken      string // optional; empty when socket mode is not configured
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// WorkspaceStore is the keyed store of [Workspace] records. Obtain it via
// [Store.Workspaces].
type WorkspaceStore struct {
	db  *sql.DB
	box *secretbox.Box
}

// Put upserts a workspace. CreatedAt is preserved for existing rows;
// UpdatedAt is always set to now.
func (ws *WorkspaceStore) Put(ctx context.Context, w Workspace) error {
	if w.TeamID == "" {
		return errors.New("store: workspace team_id is required")
	}
	botToken, err := ws.box.Seal([]byte(w.BotToken))
	if err != nil {
		return fmt.Errorf("store: seal bot token: %w", err)
	}
	signingSecret, err := ws.box.Seal([]byte(w.SigningSecret))
	if err != nil {
		return fmt.Errorf("store: seal signing secret: %w", err)
	}
	var appToken []byte
	if w.AppToken != "" {
		if appToken, err = ws.box.Seal([]byte(w.AppToken)); err != nil {
			return fmt.Errorf("store: seal app token: %w", err)
		}
	}

	now := time.Now().Unix()
	_, err = ws.db.ExecContext(ctx, `
		INSERT INTO workspaces (team_id, team_name, bot_token, signing_secret, app_token, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (team_id) DO UPDATE SET
			team_name      = excluded.team_name,
			bot_token      = excluded.bot_token,
			signing_secret = excluded.signing_secret,
			app_token      = excluded.app_token,
			active         = excluded.active,
			updated_at     = excluded.updated_at`,
		w.TeamID, w.TeamName, botToken, signingSecret, appToken, boolInt(w.Active), now, now,
	)
	if err != nil {
		return fmt.Errorf("store: put workspace %s: %w", w.TeamID, err)
	}
	return nil
}

// Get returns the decrypted workspace for teamID, or [ErrNotFound].
func (ws *WorkspaceStore) Get(ctx context.Context, teamID string) (*Workspace, error) {
	row := ws.db.QueryRowContext(ctx, `
		SELECT team_id, team_name, bot_token, signing_secret, app_token, active, created_at, updated_at
		FROM workspaces WHERE team_id = ?`, teamID)
	w, err := scanWorkspace(row, ws.box)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

// List returns all workspaces, or only the active ones when activeOnly is
// set, ordered by team_id.
func (ws *WorkspaceStore) List(ctx context.Context, activeOnly bool) ([]Workspace, error) {
	q := `SELECT team_id, team_name, bot_token, signing_secret, app_token, active, created_at, updated_at
		FROM workspaces`
	if activeOnly {
		q += ` WHERE active = 1`
	}
	q += ` ORDER BY team_id`

	rows, err := ws.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: list workspaces: %w", err)
	}
	defer rows.Close()

	var out []Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows, ws.box)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// SetActive flips the routable flag without touching credentials. Returns
// [ErrNotFound] for an unknown team.
func (ws *WorkspaceStore) SetActive(ctx context.Context, teamID string, active bool) error {
	res, err := ws.db.ExecContext(ctx,
		`UPDATE workspaces SET active = ?, updated_at = ? WHERE team_id = ?`,
		boolInt(active), time.Now().Unix(), teamID,
	)
	if err != nil {
		return fmt.Errorf("store: set active %s: %w", teamID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete hard-removes a workspace. Returns [ErrNotFound] for an unknown team.
func (ws *WorkspaceStore) Delete(ctx context.Context, teamID string) error {
	res, err := ws.db.ExecContext(ctx, `DELETE FROM workspaces WHERE team_id = ?`, teamID)
	if err != nil {
		return fmt.Errorf("store: delete workspace %s: %w", teamID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(row scanner, box *secretbox.Box) (*Workspace, error) {
	var (
		w                            Workspace
		botToken, signing, appToken  []byte
		active, createdAt, updatedAt int64
	)
	if err := row.Scan(&w.TeamID, &w.TeamName, &botToken, &signing, &appToken, &active, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	plain, err := box.Open(botToken)
	if err != nil {
		return nil, fmt.Errorf("store: workspace %s bot token: %w", w.TeamID, err)
	}
	w.BotToken = string(plain)

	if plain, err = box.Open(signing); err != nil {
		return nil, fmt.Errorf("store: workspace %s signing secret: %w", w.TeamID, err)
	}
	w.SigningSecret = string(plain)

	if len(appToken) > 0 {
		if plain, err = box.Open(appToken); err != nil {
			return nil, fmt.Errorf("store: workspace %s app token: %w", w.TeamID, err)
		}
		w.AppToken = string(plain)
	}

	w.Active = active != 0
	w.CreatedAt = time.Unix(createdAt, 0)
	w.UpdatedAt = time.Unix(updatedAt, 0)
	return &w, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
