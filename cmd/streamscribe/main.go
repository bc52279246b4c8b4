// Command streamscribe runs the YouTube live-stream transcription bridge for
// Slack: it ingests live audio with yt-dlp and ffmpeg, transcribes it with
// whisper.cpp, and posts sentences into Slack threads.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kmizuno/streamscribe/internal/app"
	"github.com/kmizuno/streamscribe/internal/config"
	"github.com/kmizuno/streamscribe/internal/secretbox"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("streamscribe", version)
		return 0
	}

	if flag.Arg(0) == "create-config" {
		path := flag.Arg(1)
		if path == "" {
			path = *configPath
		}
		return createConfig(path)
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so a config reload can adjust it without
	// swapping the handler.
	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// ── Load configuration (and keep watching it) ─────────────────────────────
	var running atomic.Pointer[app.App]
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if !d.Any() {
			return
		}
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.VADChanged || d.SentenceChanged {
			if a := running.Load(); a != nil {
				a.ApplyTuning(new)
				slog.Info("stream tuning reloaded, applies to streams started from now on")
			}
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "streamscribe: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "streamscribe: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()

	cfg := watcher.Current()
	level.Set(slogLevel(cfg.Server.LogLevel))

	slog.Info("streamscribe starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, version)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	running.Store(application)

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── create-config ─────────────────────────────────────────────────────────────

const sampleConfig = `# streamscribe configuration.
#
# The credential-store encryption key is never configured here: set
# COOKIE_ENCRYPTION_KEY in the environment (32 raw bytes or base64 of 32).

server:
  listen_addr: ":8080"
  log_level: info

# Single-workspace fallback credentials. Multi-workspace deployments register
# credentials through the workspace store instead.
slack:
  bot_token: ""
  app_token: ""        # xapp- token; enables socket mode
  signing_secret: ""

whisper:
  model_path: /models/ggml-base.bin
  model: base          # tiny, base, small, medium, large
  accelerated: false
  workers: 0           # 0 = automatic

youtube:
  ytdlp_path: yt-dlp
  ffmpeg_path: ffmpeg

storage:
  path: ""             # empty = USER_COOKIES_DB_PATH or ./user_cookies.db

# These two sections reload live; changes apply to streams started after.
vad:
  frame_ms: 30
  aggressiveness: 2    # 0 (permissive) through 3 (strict)
  pre_pad_frames: 5
  post_pad_frames: 10
  min_segment: 300ms
  max_segment: 20s

sentence:
  soft_len: 120
  hard_len: 400
  flush_silence: 1500ms
`

// createConfig writes a commented sample configuration, refusing to clobber
// an existing file.
func createConfig(path string) int {
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "streamscribe: %s already exists, not overwriting\n", path)
		return 1
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "streamscribe: write %s: %v\n", path, err)
		return 1
	}
	fmt.Println("wrote", path)
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      streamscribe — startup           ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Listen addr", orDefault(cfg.Server.ListenAddr, ":8080"))
	printRow("Whisper model", orDefault(cfg.Whisper.ModelPath, "(not configured)"))
	if cfg.Whisper.Accelerated {
		printRow("Acceleration", "GPU")
	} else {
		printRow("Acceleration", "CPU")
	}
	if cfg.Whisper.Workers > 0 {
		printRow("Workers", fmt.Sprintf("%d", cfg.Whisper.Workers))
	} else {
		printRow("Workers", "auto")
	}
	if cfg.Slack.BotToken != "" {
		printRow("Slack fallback", "configured")
	} else {
		printRow("Slack fallback", "(workspace store)")
	}
	if os.Getenv(secretbox.KeyEnv) != "" {
		printRow("Encryption key", "from environment")
	} else {
		printRow("Encryption key", "(missing!)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}

func orDefault(v, d string) string {
	if v == "" {
		return d
	}
	return v
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
