package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/kmizuno/streamscribe/internal/chat"
	"github.com/kmizuno/streamscribe/internal/media"
	"github.com/kmizuno/streamscribe/internal/observe"
	"github.com/kmizuno/streamscribe/internal/store"
	"github.com/kmizuno/streamscribe/internal/transcribe"
)

// ErrNoCookies means the user has no cookie jar on file; the caller should
// prompt them to upload one.
var ErrNoCookies = errors.New("stream: no cookies on file")

// youtubeHosts are the URL hosts accepted as stream sources.
var youtubeHosts = map[string]bool{
	"youtube.com":       true,
	"www.youtube.com":   true,
	"m.youtube.com":     true,
	"music.youtube.com": true,
	"youtu.be":          true,
}

// Manager is the operations surface behind the user commands: it starts,
// stops, and retries streams, owning the registry and the shared pipeline
// pieces.
type Manager struct {
	chats  *chat.Registry
	source media.Source
	pool   *transcribe.Pool
	users  *store.UserSecretStore
	reg    *Registry
	log    *slog.Logger

	mu      sync.Mutex
	tuning  Tuning
	lifeCtx context.Context
	starts  map[string]*sync.Mutex
}

// NewManager wires a manager. tuning supplies the per-stream defaults; user
// settings override language and timestamps per stream.
func NewManager(chats *chat.Registry, source media.Source, pool *transcribe.Pool, users *store.UserSecretStore, tuning Tuning) *Manager {
	return &Manager{
		chats:  chats,
		source: source,
		pool:   pool,
		users:  users,
		reg:    NewRegistry(),
		tuning: tuning,
		starts: make(map[string]*sync.Mutex),
		log:    slog.With("component", "stream-manager"),
	}
}

// Run anchors stream lifetimes to ctx and blocks until it is cancelled, then
// stops every live stream and waits for the drains.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.lifeCtx = ctx
	m.mu.Unlock()

	<-ctx.Done()

	var live []*Controller
	for _, info := range m.reg.Snapshot() {
		if c, ok := m.reg.Get(info.ID); ok && !info.State.Terminal() {
			c.Stop()
			live = append(live, c)
		}
	}
	deadline := time.After(m.currentTuning().withDefaults().StopGrace + 5*time.Second)
	for _, c := range live {
		select {
		case <-c.Done():
		case <-deadline:
			return errors.New("stream: shutdown drain timed out")
		}
	}
	return nil
}

// Start validates the request, opens the transcript thread, and launches the
// pipeline. The returned Info reflects the PENDING stream; transcription
// proceeds in the background.
func (m *Manager) Start(ctx context.Context, teamID, userID, channelID, rawURL string) (Info, error) {
	if err := validateURL(rawURL); err != nil {
		return Info{}, err
	}

	// One start per owner at a time: the ownership check and the registry
	// insert below must not interleave with a concurrent start, or both
	// would pass the check and the loser would orphan its thread.
	lock := m.startLock(teamID, userID)
	lock.Lock()
	defer lock.Unlock()

	if prev, ok := m.reg.ByOwner(teamID, userID); ok && !prev.Info().State.Terminal() {
		return Info{}, &IntegrityError{Msg: "an active stream already exists for this user"}
	}

	cookies, err := m.users.GetCookies(ctx, teamID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Info{}, ErrNoCookies
		}
		return Info{}, fmt.Errorf("stream: load cookies: %w", err)
	}

	settings, err := m.users.GetSettings(ctx, teamID, userID)
	if err != nil {
		m.log.Warn("failed to load settings, using defaults", "team_id", teamID, "err", err)
		settings = store.Settings{}
	}
	tuning := m.currentTuning()
	tuning.Language = settings.PreferredLanguage()
	tuning.IncludeTimestamps = settings.IncludeTimestamps()

	client, err := m.chats.Get(teamID)
	if err != nil {
		return Info{}, err
	}

	// Best-effort title probe so the thread header names the video from the
	// first message on. Probe failures surface later, when Open retries the
	// same ground with the error taxonomy.
	meta, perr := m.source.Probe(ctx, rawURL, cookies)
	if perr != nil {
		m.log.Warn("metadata probe failed, starting without a title", "url", rawURL, "err", perr)
		meta = media.Metadata{}
	}

	th, err := client.OpenThread(ctx, channelID, chat.Header{Title: meta.Title, URL: rawURL, Status: "⏳ Starting"})
	if err != nil {
		return Info{}, fmt.Errorf("stream: open thread: %w", err)
	}

	id := NewID(teamID, userID, th.ID(), time.Now())
	ctrl := NewController(id, teamID, userID, rawURL, th, cookies, Pipeline{
		Source:  m.source,
		Pool:    m.pool,
		Chat:    client,
		Metrics: observe.Default(),
	}, tuning, m.reg.Remove)
	ctrl.setTitle(meta.Title)

	if err := m.reg.Add(ctrl); err != nil {
		return Info{}, err
	}

	runCtx := m.lifecycle()
	go ctrl.Run(runCtx)
	m.log.Info("stream started", "stream_id", id, "team_id", teamID, "user_id", userID, "url", rawURL)
	return ctrl.Info(), nil
}

// Stop ends the caller's active stream.
func (m *Manager) Stop(teamID, userID string) (Info, error) {
	c, ok := m.reg.ByOwner(teamID, userID)
	if !ok || c.Info().State.Terminal() {
		return Info{}, &CommandError{Msg: "You have no active stream to stop."}
	}
	c.Stop()
	return c.Info(), nil
}

// StopByID ends one specific stream of the caller's.
func (m *Manager) StopByID(teamID, userID, id string) (Info, error) {
	c, ok := m.reg.Get(id)
	if !ok {
		return Info{}, &CommandError{Msg: "No stream with that ID. The status command lists yours."}
	}
	info := c.Info()
	if info.TeamID != teamID || info.UserID != userID {
		return Info{}, &CommandError{Msg: "That stream belongs to someone else."}
	}
	if info.State.Terminal() {
		return Info{}, &CommandError{Msg: "This stream has already ended."}
	}
	c.Stop()
	return info, nil
}

// StopThread ends the stream whose transcript lives in th.
func (m *Manager) StopThread(teamID string, th chat.Thread) (Info, error) {
	c, ok := m.reg.ByThread(teamID, th)
	if !ok {
		return Info{}, &CommandError{Msg: "This thread has no stream attached."}
	}
	if c.Info().State.Terminal() {
		return Info{}, &CommandError{Msg: "This stream has already ended."}
	}
	c.Stop()
	return c.Info(), nil
}

// RetryThread starts a fresh stream for the URL a terminal thread was
// transcribing, then points the old header at the new thread.
func (m *Manager) RetryThread(ctx context.Context, teamID string, th chat.Thread) (Info, error) {
	old, ok := m.reg.ByThread(teamID, th)
	if !ok {
		return Info{}, &CommandError{Msg: "This thread has no stream attached."}
	}
	oldInfo := old.Info()
	if !oldInfo.State.Terminal() {
		return Info{}, &CommandError{Msg: "The stream is still active; stop it before retrying."}
	}

	info, err := m.Start(ctx, teamID, oldInfo.UserID, th.Channel, oldInfo.URL)
	if err != nil {
		return Info{}, err
	}

	note := "🔁 Retried, continuing in a new thread."
	if client, cerr := m.chats.Get(teamID); cerr == nil {
		if link, lerr := client.Permalink(ctx, info.Thread); lerr == nil && link != "" {
			note = "🔁 Retried, continuing in <" + link + "|a new thread>."
		}
	}
	old.MarkRetried(ctx, note)
	return info, nil
}

// Status returns the caller's streams, newest activity included through the
// linger period.
func (m *Manager) Status(teamID, userID string) []Info {
	var out []Info
	for _, info := range m.reg.Snapshot() {
		if info.TeamID == teamID && info.UserID == userID {
			out = append(out, info)
		}
	}
	return out
}

// ActiveCount reports how many streams are currently live, for the health
// endpoint.
func (m *Manager) ActiveCount() int { return m.reg.ActiveCount() }

// Lookup returns the controller for a stream ID.
func (m *Manager) Lookup(id string) (*Controller, bool) { return m.reg.Get(id) }

// ThreadInfo returns the stream attached to a thread, if any.
func (m *Manager) ThreadInfo(teamID string, th chat.Thread) (Info, bool) {
	c, ok := m.reg.ByThread(teamID, th)
	if !ok {
		return Info{}, false
	}
	return c.Info(), true
}

// SetTuning replaces the per-stream defaults, typically after a config
// reload. Running streams keep the tuning they started with.
func (m *Manager) SetTuning(t Tuning) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tuning = t
}

func (m *Manager) currentTuning() Tuning {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tuning
}

// startLock returns the mutex serialising Start calls for one owner.
func (m *Manager) startLock(teamID, userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := teamID + "/" + userID
	l, ok := m.starts[key]
	if !ok {
		l = &sync.Mutex{}
		m.starts[key] = l
	}
	return l
}

func (m *Manager) lifecycle() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lifeCtx != nil {
		return m.lifeCtx
	}
	return context.Background()
}

// validateURL accepts only YouTube watch and live URLs.
func validateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &CommandError{Msg: "That does not look like a URL. Please pass a YouTube link."}
	}
	if !youtubeHosts[strings.ToLower(u.Host)] {
		return &CommandError{Msg: "Only YouTube URLs are supported."}
	}
	return nil
}
