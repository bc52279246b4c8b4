// Package app wires all streamscribe subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes them until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithBox, WithChatClient,
// WithTranscriber, WithSource). When an option is not provided, New creates
// the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/kmizuno/streamscribe/internal/chat"
	"github.com/kmizuno/streamscribe/internal/chat/slackapi"
	"github.com/kmizuno/streamscribe/internal/command"
	"github.com/kmizuno/streamscribe/internal/config"
	"github.com/kmizuno/streamscribe/internal/health"
	"github.com/kmizuno/streamscribe/internal/media"
	"github.com/kmizuno/streamscribe/internal/observe"
	"github.com/kmizuno/streamscribe/internal/secretbox"
	"github.com/kmizuno/streamscribe/internal/sentence"
	"github.com/kmizuno/streamscribe/internal/server"
	"github.com/kmizuno/streamscribe/internal/store"
	"github.com/kmizuno/streamscribe/internal/stream"
	"github.com/kmizuno/streamscribe/internal/transcribe"
	"github.com/kmizuno/streamscribe/internal/transcribe/whispercpp"
	"github.com/kmizuno/streamscribe/pkg/vad"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	version string

	box     *secretbox.Box
	store   *store.Store
	chats   *chat.Registry
	tr      transcribe.Transcriber
	pool    *transcribe.Pool
	source  media.Source
	streams *stream.Manager
	router  *command.Router
	sockets *slackapi.SocketManager
	srv     *server.Server

	// rawClients are the unwrapped per-workspace clients, for the surfaces
	// the chat contract does not cover: socket-mode connections and file
	// downloads. socketClients holds the subset with app tokens.
	rawClients    map[string]*slackapi.Client
	socketClients map[string]*slackapi.Client

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithBox injects the encryption key instead of reading the environment.
func WithBox(b *secretbox.Box) Option {
	return func(a *App) { a.box = b }
}

// WithChatClient injects the fallback chat client instead of building one
// from the configured bot token.
func WithChatClient(c chat.Client) Option {
	return func(a *App) {
		if a.chats == nil {
			a.chats = chat.NewRegistry(nil)
		}
		a.chats.SetFallback(c)
	}
}

// WithTranscriber injects a transcriber instead of loading the whisper model.
func WithTranscriber(tr transcribe.Transcriber) Option {
	return func(a *App) { a.tr = tr }
}

// WithSource injects a media source instead of the yt-dlp pipeline.
func WithSource(s media.Source) Option {
	return func(a *App) { a.source = s }
}

// New creates an App by wiring all subsystems together. Initialisation is
// synchronous: key loading, store open and migration, workspace registry
// rebuild, and model loading all complete before New returns.
func New(ctx context.Context, cfg *config.Config, version string, opts ...Option) (*App, error) {
	a := &App{
		cfg:           cfg,
		version:       version,
		rawClients:    make(map[string]*slackapi.Client),
		socketClients: make(map[string]*slackapi.Client),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initChats(ctx); err != nil {
		return nil, fmt.Errorf("app: init chat registry: %w", err)
	}
	if err := a.initTranscription(); err != nil {
		return nil, fmt.Errorf("app: init transcription: %w", err)
	}
	a.initStreams()
	if err := a.initFrontends(ctx); err != nil {
		return nil, fmt.Errorf("app: init frontends: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initStore(ctx context.Context) error {
	if a.box == nil {
		box, err := secretbox.FromEnv()
		if err != nil {
			return err
		}
		a.box = box
	}

	path := a.cfg.Storage.Path
	if path == "" {
		path = store.PathFromEnv()
	}
	st, err := store.Open(ctx, path, a.box)
	if err != nil {
		return err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)
	return nil
}

func (a *App) initChats(ctx context.Context) error {
	if a.chats == nil {
		a.chats = chat.NewRegistry(nil)
	}
	a.chats.SetFactory(func(w store.Workspace) (chat.Client, error) {
		var opts []slackapi.Option
		if w.AppToken != "" {
			opts = append(opts, slackapi.WithAppToken(w.AppToken))
		}
		c, err := slackapi.New(w.BotToken, opts...)
		if err != nil {
			return nil, err
		}
		a.rawClients[w.TeamID] = c
		if w.AppToken != "" {
			a.socketClients[w.TeamID] = c
		}
		return chat.NewReliable(c), nil
	})

	if tok := a.cfg.Slack.BotToken; tok != "" {
		var opts []slackapi.Option
		if a.cfg.Slack.AppToken != "" {
			opts = append(opts, slackapi.WithAppToken(a.cfg.Slack.AppToken))
		}
		c, err := slackapi.New(tok, opts...)
		if err != nil {
			return err
		}
		a.rawClients[store.DefaultTeamID] = c
		if a.cfg.Slack.AppToken != "" {
			a.socketClients[store.DefaultTeamID] = c
		}
		a.chats.SetFallback(chat.NewReliable(c))
	}

	return a.chats.Rebuild(ctx, a.store.Workspaces)
}

func (a *App) initTranscription() error {
	if a.tr == nil {
		var opts []whispercpp.Option
		if a.cfg.Whisper.Accelerated {
			opts = append(opts, whispercpp.WithAccelerated())
		}
		eng, err := whispercpp.New(a.cfg.Whisper.ModelPath, opts...)
		if err != nil {
			return err
		}
		a.tr = eng
		a.closers = append(a.closers, eng.Close)
	}

	var popts []transcribe.PoolOption
	if a.cfg.Whisper.Workers > 0 {
		popts = append(popts, transcribe.WithWorkers(a.cfg.Whisper.Workers))
	}
	a.pool = transcribe.NewPool(a.tr, popts...)
	return nil
}

func (a *App) initStreams() {
	if a.source == nil {
		var opts []media.YTDLPOption
		if p := a.cfg.YouTube.YTDLPPath; p != "" {
			opts = append(opts, media.WithYTDLPPath(p))
		}
		if p := a.cfg.YouTube.FFmpegPath; p != "" {
			opts = append(opts, media.WithFFmpegPath(p))
		}
		a.source = media.NewYTDLP(opts...)
	}

	a.streams = stream.NewManager(a.chats, a.source, a.pool, a.store.Users, tuningFrom(a.cfg))
	a.router = command.NewRouter(a.streams, a.store.Users, a.chats, a.version)
}

func (a *App) initFrontends(ctx context.Context) error {
	metrics := prometheus.NewRegistry()
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: a.version,
		Registerer:     metrics,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return otelShutdown(ctx)
	})

	a.sockets = slackapi.NewSocketManager()
	a.closers = append(a.closers, func() error {
		a.sockets.Close()
		return nil
	})

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	checkers := []health.Checker{{
		Name:  "store",
		Check: func(ctx context.Context) error { return a.store.DB().PingContext(ctx) },
	}}
	sopts := []server.Option{
		server.WithFallbackSecret(a.cfg.Slack.SigningSecret),
		server.WithGatherer(metrics),
		server.WithEvents(a.router, a),
	}
	if tls := a.cfg.Server.TLS; tls != nil {
		sopts = append(sopts, server.WithTLS(tls.CertFile, tls.KeyFile))
	}
	a.srv = server.New(addr, a.router, a.chats, a.streams, checkers, sopts...)
	return nil
}

// ApplyTuning pushes reloaded segmentation and assembly settings to the
// stream manager. New streams pick them up; running streams are untouched.
func (a *App) ApplyTuning(cfg *config.Config) {
	a.streams.SetTuning(tuningFrom(cfg))
}

// tuningFrom converts the config sections into per-stream defaults.
func tuningFrom(cfg *config.Config) stream.Tuning {
	v := cfg.VAD
	s := cfg.Sentence
	aggressiveness := vad.DefaultAggressiveness
	if v.Aggressiveness != nil {
		aggressiveness = *v.Aggressiveness
	}
	return stream.Tuning{
		Segmenter: vad.SegmenterConfig{
			Detector: vad.Config{
				SampleRate:     media.SampleRate,
				FrameMs:        v.FrameMs,
				Aggressiveness: aggressiveness,
			},
			PrePadFrames:  v.PrePadFrames,
			PostPadFrames: v.PostPadFrames,
			MinSegment:    v.MinSegment,
			MaxSegment:    v.MaxSegment,
		},
		Assembler: sentence.Config{
			SoftLen:      s.SoftLen,
			HardLen:      s.HardLen,
			FlushSilence: s.FlushSilence,
		},
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts every subsystem and blocks until ctx is cancelled or one of them
// fails. Stream drains happen inside the manager before Run returns.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return squelch(a.pool.Run(ctx)) })
	g.Go(func() error { return squelch(a.streams.Run(ctx)) })
	g.Go(func() error { return squelch(a.sockets.Run(ctx, a.router)) })
	g.Go(func() error { return a.srv.Run(ctx) })

	a.ensureSockets(ctx)

	slog.Info("app running",
		"version", a.version,
		"workspaces", len(a.chats.Teams()),
		"socket_connections", len(a.socketClients),
	)
	return g.Wait()
}

// ensureSockets opens a socket-mode connection for every workspace that
// declared an app token.
func (a *App) ensureSockets(ctx context.Context) {
	for teamID, c := range a.socketClients {
		a.sockets.Ensure(ctx, teamID, c)
	}
}

// Streams exposes the manager, for the operator surface.
func (a *App) Streams() *stream.Manager { return a.streams }

// DownloadFile fetches a shared file with the owning workspace's bot
// credentials, falling back to the environment client.
func (a *App) DownloadFile(ctx context.Context, teamID, fileID string) (string, []byte, error) {
	c, ok := a.rawClients[teamID]
	if !ok {
		c, ok = a.rawClients[store.DefaultTeamID]
	}
	if !ok {
		return "", nil, fmt.Errorf("app: no chat client for workspace %s", teamID)
	}
	return c.DownloadFile(ctx, fileID)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// squelch drops the cancellation errors subsystems return on a clean stop.
func squelch(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
