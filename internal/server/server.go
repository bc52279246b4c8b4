// Package server exposes the HTTP surface: the slash-command webhook for
// workspaces that post over HTTP instead of socket mode, the health probes,
// and the Prometheus metrics endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kmizuno/streamscribe/internal/command"
	"github.com/kmizuno/streamscribe/internal/health"
	"github.com/kmizuno/streamscribe/internal/observe"
)

// maxBodyBytes caps the slash-command payload size.
const maxBodyBytes = 64 << 10

// CommandHandler processes slash commands arriving over HTTP and returns the
// ephemeral reply shown to the invoking user.
type CommandHandler interface {
	HandleSlash(ctx context.Context, cmd command.SlashCommand) string
}

// SecretSource resolves the request-verification secret for a workspace.
type SecretSource interface {
	SigningSecret(teamID string) (string, bool)
}

// ActiveCounter reports how many streams are currently live.
type ActiveCounter interface {
	ActiveCount() int
}

// EventHandler processes Events API callbacks for workspaces that deliver
// over HTTP instead of socket mode.
type EventHandler interface {
	HandleThreadMessage(ctx context.Context, msg command.ThreadMessage)
	HandleFileUpload(ctx context.Context, up command.FileUpload) string
}

// FileSource fetches a shared file's content with the workspace's bot
// credentials. Events API payloads carry only the file ID.
type FileSource interface {
	DownloadFile(ctx context.Context, teamID, fileID string) (name string, content []byte, err error)
}

// Server is the HTTP front of the service.
type Server struct {
	commands       CommandHandler
	events         EventHandler
	files          FileSource
	secrets        SecretSource
	fallbackSecret string
	now            func() time.Time
	gatherer       prometheus.Gatherer
	certFile       string
	keyFile        string
	log            *slog.Logger

	handler http.Handler
	srv     *http.Server
}

// Option configures the server.
type Option func(*Server)

// WithFallbackSecret sets the signing secret used for workspaces the secret
// source does not know, typically the single-workspace environment secret.
func WithFallbackSecret(secret string) Option {
	return func(s *Server) { s.fallbackSecret = secret }
}

// WithClock overrides the clock used for signature freshness checks.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithGatherer sets the metrics registry served on /metrics. Defaults to the
// process-wide registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithEvents enables the Events API endpoint, routing thread messages and DM
// file uploads to h. files resolves file IDs to content.
func WithEvents(h EventHandler, files FileSource) Option {
	return func(s *Server) {
		s.events = h
		s.files = files
	}
}

// WithTLS serves HTTPS using the given certificate and key files.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// New builds the server. counts feeds the active_streams gauge on the health
// endpoints; checkers gate readiness.
func New(addr string, commands CommandHandler, secrets SecretSource, counts ActiveCounter, checkers []health.Checker, opts ...Option) *Server {
	s := &Server{
		commands: commands,
		secrets:  secrets,
		now:      time.Now,
		gatherer: prometheus.DefaultGatherer,
		log:      slog.With("component", "http-server"),
	}
	for _, o := range opts {
		o(s)
	}

	hh := health.New(checkers...)
	if counts != nil {
		hh.Gauge("active_streams", func() any { return counts.ActiveCount() })
	}

	mux := http.NewServeMux()
	hh.Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("POST /slack/commands", s.handleSlash)
	if s.events != nil {
		mux.HandleFunc("POST /slack/events", s.handleEvents)
	}

	s.handler = observe.Middleware(observe.Default())(mux)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the fully wired HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if s.certFile != "" {
			errCh <- s.srv.ListenAndServeTLS(s.certFile, s.keyFile)
			return
		}
		errCh <- s.srv.ListenAndServe()
	}()
	s.log.Info("http server listening", "addr", s.srv.Addr, "tls", s.certFile != "")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}

// handleSlash verifies the request signature, parses the form payload, and
// dispatches the command.
func (s *Server) handleSlash(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	teamID := form.Get("team_id")

	secret, ok := s.secrets.SigningSecret(teamID)
	if !ok {
		secret = s.fallbackSecret
	}
	if secret == "" {
		s.log.Warn("no signing secret for workspace", "team_id", teamID)
		http.Error(w, "unknown workspace", http.StatusUnauthorized)
		return
	}

	err = verifySignature(secret,
		r.Header.Get("X-Slack-Request-Timestamp"),
		r.Header.Get("X-Slack-Signature"),
		body, s.now())
	if err != nil {
		s.log.Warn("rejected slash command", "team_id", teamID, "err", err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	reply := s.commands.HandleSlash(r.Context(), command.SlashCommand{
		TeamID:    teamID,
		UserID:    form.Get("user_id"),
		ChannelID: form.Get("channel_id"),
		Command:   strings.TrimPrefix(form.Get("command"), "/"),
		Text:      strings.TrimSpace(form.Get("text")),
	})

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(map[string]string{
		"response_type": "ephemeral",
		"text":          reply,
	}); err != nil {
		s.log.Warn("failed to encode slash reply", "err", err)
	}
}
