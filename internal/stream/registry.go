package stream

import (
	"sync"

	"github.com/kmizuno/streamscribe/internal/chat"
)

// Registry indexes live controllers by stream ID, by thread, and by owner.
// It enforces the one-active-stream-per-user invariant at insert time.
type Registry struct {
	mu       sync.Mutex
	byID     map[string]*Controller
	byThread map[string]string // thread key -> stream ID
	byOwner  map[string]string // team|user -> active stream ID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:     make(map[string]*Controller),
		byThread: make(map[string]string),
		byOwner:  make(map[string]string),
	}
}

func ownerKey(teamID, userID string) string { return teamID + "|" + userID }

func threadKey(teamID string, th chat.Thread) string { return teamID + "|" + th.ID() }

// Add registers a controller. It fails with [IntegrityError] when the owner
// already has a non-terminal stream.
func (r *Registry) Add(c *Controller) error {
	info := c.Info()
	r.mu.Lock()
	defer r.mu.Unlock()

	owner := ownerKey(info.TeamID, info.UserID)
	if prevID, ok := r.byOwner[owner]; ok {
		if prev, live := r.byID[prevID]; live && !prev.Info().State.Terminal() {
			return &IntegrityError{Msg: "an active stream already exists for this user"}
		}
	}
	r.byID[info.ID] = c
	r.byThread[threadKey(info.TeamID, info.Thread)] = info.ID
	r.byOwner[owner] = info.ID
	return nil
}

// Get returns the controller for a stream ID.
func (r *Registry) Get(id string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	return c, ok
}

// ByThread returns the controller whose transcript lives in the thread.
func (r *Registry) ByThread(teamID string, th chat.Thread) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byThread[threadKey(teamID, th)]
	if !ok {
		return nil, false
	}
	c, ok := r.byID[id]
	return c, ok
}

// ByOwner returns the user's most recent stream.
func (r *Registry) ByOwner(teamID, userID string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byOwner[ownerKey(teamID, userID)]
	if !ok {
		return nil, false
	}
	c, ok := r.byID[id]
	return c, ok
}

// Remove forgets a stream. The thread and owner indexes are cleared only if
// they still point at it, so a retry that reused them is left alone.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return
	}
	info := c.Info()
	delete(r.byID, id)
	if tk := threadKey(info.TeamID, info.Thread); r.byThread[tk] == id {
		delete(r.byThread, tk)
	}
	if ok := ownerKey(info.TeamID, info.UserID); r.byOwner[ok] == id {
		delete(r.byOwner, ok)
	}
}

// Snapshot returns the Info of every registered stream.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	controllers := make([]*Controller, 0, len(r.byID))
	for _, c := range r.byID {
		controllers = append(controllers, c)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(controllers))
	for _, c := range controllers {
		out = append(out, c.Info())
	}
	return out
}

// ActiveCount returns how many streams are not terminal.
func (r *Registry) ActiveCount() int {
	var n int
	for _, info := range r.Snapshot() {
		if !info.State.Terminal() {
			n++
		}
	}
	return n
}
