package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kmizuno/streamscribe/internal/store"
)

// ErrUnknownWorkspace is returned by [Registry.Get] for a team that has no
// registered client and no fallback.
var ErrUnknownWorkspace = errors.New("chat: unknown workspace")

// ClientFactory builds a [Client] from a decrypted workspace record. The
// registry owns the returned clients; nothing else holds the secrets.
type ClientFactory func(w store.Workspace) (Client, error)

// Registry is the runtime map from team_id to [Client], rebuilt from the
// workspace store on boot and after every admin mutation. Single-workspace
// deployments configure a fallback client from environment credentials; it
// serves the [store.DefaultTeamID] key and any lookup while no workspaces
// are registered.
//
// Safe for concurrent use. Reads vastly outnumber writes.
type Registry struct {
	factory ClientFactory

	mu         sync.RWMutex
	clients    map[string]Client
	workspaces map[string]store.Workspace
	fallback   Client
}

// NewRegistry creates an empty registry using factory for workspace clients.
func NewRegistry(factory ClientFactory) *Registry {
	return &Registry{
		factory:    factory,
		clients:    make(map[string]Client),
		workspaces: make(map[string]store.Workspace),
	}
}

// SetFactory installs the workspace client builder. Call before Rebuild.
func (r *Registry) SetFactory(f ClientFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factory = f
}

// SetFallback installs the environment-credential client used when no
// workspaces are registered.
func (r *Registry) SetFallback(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = c
}

// Rebuild replaces the registry content from the store's active workspaces.
// A workspace whose client cannot be built is skipped with a warning rather
// than failing the rebuild; the others must keep routing. Clients referenced
// by running streams stay alive until those streams release them.
func (r *Registry) Rebuild(ctx context.Context, ws *store.WorkspaceStore) error {
	active, err := ws.List(ctx, true)
	if err != nil {
		return fmt.Errorf("chat: rebuild registry: %w", err)
	}

	clients := make(map[string]Client, len(active))
	workspaces := make(map[string]store.Workspace, len(active))
	for _, w := range active {
		c, err := r.factory(w)
		if err != nil {
			slog.Warn("skipping workspace with unusable credentials", "team_id", w.TeamID, "err", err)
			continue
		}
		clients[w.TeamID] = c
		workspaces[w.TeamID] = w
	}

	r.mu.Lock()
	r.clients = clients
	r.workspaces = workspaces
	r.mu.Unlock()

	slog.Info("workspace registry rebuilt", "workspaces", len(clients))
	return nil
}

// Get returns the client for teamID. The fallback serves the default
// sentinel and, when no workspaces are registered at all, any team.
func (r *Registry) Get(teamID string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.clients[teamID]; ok {
		return c, nil
	}
	if r.fallback != nil && (teamID == "" || teamID == store.DefaultTeamID || len(r.clients) == 0) {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownWorkspace, teamID)
}

// SigningSecret returns the request-verification secret for teamID, falling
// back to the environment secret for the default sentinel.
func (r *Registry) SigningSecret(teamID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if w, ok := r.workspaces[teamID]; ok {
		return w.SigningSecret, true
	}
	return "", false
}

// Workspaces returns the decrypted records currently routed, for socket-mode
// connection management.
func (r *Registry) Workspaces() []store.Workspace {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]store.Workspace, 0, len(r.workspaces))
	for _, w := range r.workspaces {
		out = append(out, w)
	}
	return out
}

// Teams returns the registered team IDs.
func (r *Registry) Teams() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.clients))
	for id := range r.clients {
		out = append(out, id)
	}
	return out
}
