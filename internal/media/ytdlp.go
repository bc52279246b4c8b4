package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Compile-time interface check.
var _ Source = (*YTDLP)(nil)

// metadataSep separates fields in the downloader's --print template.
const metadataSep = "|||"

// YTDLP resolves and decodes stream audio with the yt-dlp and ffmpeg
// binaries. Safe for concurrent use; every Open spawns its own children.
type YTDLP struct {
	ytdlpPath  string
	ffmpegPath string
}

// YTDLPOption configures a [YTDLP].
type YTDLPOption func(*YTDLP)

// WithYTDLPPath overrides the downloader binary path.
func WithYTDLPPath(path string) YTDLPOption {
	return func(y *YTDLP) { y.ytdlpPath = path }
}

// WithFFmpegPath overrides the decoder binary path.
func WithFFmpegPath(path string) YTDLPOption {
	return func(y *YTDLP) { y.ffmpegPath = path }
}

// NewYTDLP creates a source using yt-dlp and ffmpeg from PATH unless
// overridden.
func NewYTDLP(opts ...YTDLPOption) *YTDLP {
	y := &YTDLP{ytdlpPath: "yt-dlp", ffmpegPath: "ffmpeg"}
	for _, opt := range opts {
		opt(y)
	}
	return y
}

// Probe resolves title and liveness without starting audio.
func (y *YTDLP) Probe(ctx context.Context, url string, cookies []byte) (Metadata, error) {
	jar, cleanup, err := writeCookieFile(cookies)
	if err != nil {
		return Metadata{}, err
	}
	defer cleanup()

	args := []string{
		"--print", strings.Join([]string{"%(title)s", "%(id)s", "%(duration)s", "%(is_live)s"}, metadataSep),
		"--no-download",
		"--no-warnings",
	}
	if jar != "" {
		args = append(args, "--cookies", jar)
	}
	args = append(args, url)

	cmd := exec.CommandContext(ctx, y.ytdlpPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Metadata{}, classifyStart(stderr.String(), err)
	}
	return parseMetadata(strings.TrimSpace(stdout.String())), nil
}

// Open resolves the direct media URL and starts the decoder. The returned
// stream's Read yields 16 kHz mono s16le PCM.
func (y *YTDLP) Open(ctx context.Context, url string, cookies []byte) (Stream, error) {
	jar, cleanup, err := writeCookieFile(cookies)
	if err != nil {
		return nil, err
	}

	mediaURL, meta, err := y.resolve(ctx, url, jar)
	if err != nil {
		cleanup()
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(streamCtx, y.ffmpegPath,
		"-loglevel", "error",
		"-i", mediaURL,
		"-f", "s16le",
		"-ar", strconv.Itoa(SampleRate),
		"-ac", strconv.Itoa(Channels),
		"-acodec", "pcm_s16le",
		"-flush_packets", "1",
		"pipe:1",
	)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = killGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		cleanup()
		return nil, fmt.Errorf("media: decoder stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		cleanup()
		return nil, &StartError{Class: StartUnavailable, Hint: "the audio decoder could not start", Err: err}
	}
	slog.Debug("media pipeline started", "url", url, "title", meta.Title, "live", meta.IsLive)

	return &ytdlpStream{
		meta:    meta,
		out:     stdout,
		cmd:     cmd,
		stderr:  &stderr,
		cancel:  cancel,
		cleanup: cleanup,
	}, nil
}

// resolve runs the downloader once to obtain the direct media URL and the
// metadata line.
func (y *YTDLP) resolve(ctx context.Context, url, jar string) (string, Metadata, error) {
	args := []string{
		"-g",
		"-f", "bestaudio/best",
		"--print", strings.Join([]string{"%(title)s", "%(id)s", "%(duration)s", "%(is_live)s"}, metadataSep),
		"--no-warnings",
	}
	if jar != "" {
		args = append(args, "--cookies", jar)
	}
	args = append(args, url)

	cmd := exec.CommandContext(ctx, y.ytdlpPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", Metadata{}, classifyStart(stderr.String(), err)
	}

	// Output carries the metadata line and the resolved URL, order not
	// guaranteed across versions; the URL is the line with a scheme.
	var mediaURL, metaLine string
	for _, line := range strings.Split(strings.TrimSpace(stdout.String()), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "http://"), strings.HasPrefix(line, "https://"):
			mediaURL = line
		case strings.Contains(line, metadataSep):
			metaLine = line
		}
	}
	if mediaURL == "" {
		return "", Metadata{}, &StartError{
			Class: StartUnavailable,
			Hint:  "no playable audio stream was found",
			Err:   errors.New("downloader produced no media URL"),
		}
	}
	return mediaURL, parseMetadata(metaLine), nil
}

// ytdlpStream is the open decoder pipe.
type ytdlpStream struct {
	meta    Metadata
	out     io.ReadCloser
	cmd     *exec.Cmd
	stderr  *bytes.Buffer
	cancel  context.CancelFunc
	cleanup func()

	closeOnce sync.Once
	closeErr  error
}

func (s *ytdlpStream) Read(p []byte) (int, error) {
	n, err := s.out.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("media: read pcm: %w", err)
	}
	return n, err
}

func (s *ytdlpStream) Metadata() Metadata { return s.meta }

// Close stops the decoder. The child gets the kill grace to exit after the
// stop signal; Wait then reaps it. Safe to call more than once.
func (s *ytdlpStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		err := s.cmd.Wait()
		s.cleanup()
		// Expected exit paths: killed by our signal or clean EOF exit.
		if err != nil && !killedByUs(err) {
			if msg := strings.TrimSpace(s.stderr.String()); msg != "" {
				slog.Debug("decoder exited with error", "err", err, "stderr", msg)
			}
			s.closeErr = fmt.Errorf("media: decoder exit: %w", err)
		}
	})
	return s.closeErr
}

// killedByUs reports whether err is the expected outcome of our own stop
// signal.
func killedByUs(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return errors.Is(err, context.Canceled)
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		sig := status.Signal()
		return sig == syscall.SIGTERM || sig == syscall.SIGKILL
	}
	return false
}

// writeCookieFile persists the jar to a private temp file for the
// downloader. The returned cleanup removes it; it is safe to call with no
// jar.
func writeCookieFile(cookies []byte) (path string, cleanup func(), err error) {
	if len(cookies) == 0 {
		return "", func() {}, nil
	}
	f, err := os.CreateTemp("", "jar-*.txt")
	if err != nil {
		return "", nil, fmt.Errorf("media: temp cookie file: %w", err)
	}
	if err := os.Chmod(f.Name(), 0o600); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("media: chmod cookie file: %w", err)
	}
	if _, err := f.Write(cookies); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("media: write cookie file: %w", err)
	}
	f.Close()
	name := f.Name()
	return name, func() { os.Remove(name) }, nil
}

// parseMetadata decodes one --print line. Missing or malformed fields leave
// zero values; metadata is best-effort.
func parseMetadata(line string) Metadata {
	fields := strings.Split(line, metadataSep)
	var m Metadata
	if len(fields) > 0 {
		m.Title = strings.TrimSpace(fields[0])
	}
	if len(fields) > 1 {
		m.VideoID = strings.TrimSpace(fields[1])
	}
	if len(fields) > 2 {
		if secs, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64); err == nil {
			m.Duration = time.Duration(secs * float64(time.Second))
		}
	}
	if len(fields) > 3 {
		m.IsLive = strings.EqualFold(strings.TrimSpace(fields[3]), "true")
	}
	return m
}

// cookieErrorPatterns are downloader stderr fragments that mean the user's
// cookies were rejected or missing.
var cookieErrorPatterns = []string{
	"Sign in to confirm you're not a bot",
	"Sign in to confirm your age",
	"This video is only available to Music Premium members",
	"Join this channel to get access",
	"members-only",
	"Private video",
	"HTTP Error 403",
	"Please sign in",
	"cookies",
}

var notFoundPatterns = []string{
	"HTTP Error 404",
	"Incomplete YouTube ID",
	"is not a valid URL",
	"Unsupported URL",
	"This channel does not exist",
}

var networkPatterns = []string{
	"Unable to download",
	"Temporary failure in name resolution",
	"getaddrinfo failed",
	"Connection refused",
	"Connection reset",
	"timed out",
	"Network is unreachable",
}

// classifyStart maps downloader stderr onto the [StartError] taxonomy.
func classifyStart(stderr string, cause error) *StartError {
	for _, p := range cookieErrorPatterns {
		if strings.Contains(stderr, p) {
			return &StartError{
				Class: StartAuth,
				Hint:  "Cookie authentication failed — please DM me a fresh cookies.txt and type `retry` in this thread.",
				Err:   fmt.Errorf("%s: %w", firstLine(stderr), cause),
			}
		}
	}
	for _, p := range notFoundPatterns {
		if strings.Contains(stderr, p) {
			return &StartError{
				Class: StartNotFound,
				Hint:  "That URL does not resolve to a video.",
				Err:   fmt.Errorf("%s: %w", firstLine(stderr), cause),
			}
		}
	}
	for _, p := range networkPatterns {
		if strings.Contains(stderr, p) {
			return &StartError{
				Class: StartNetwork,
				Hint:  "A network error prevented the stream from starting; `retry` may succeed.",
				Err:   fmt.Errorf("%s: %w", firstLine(stderr), cause),
			}
		}
	}
	return &StartError{
		Class: StartUnavailable,
		Hint:  "The stream is not available right now.",
		Err:   fmt.Errorf("%s: %w", firstLine(stderr), cause),
	}
}

// firstLine trims stderr to its first informative line for error wrapping.
func firstLine(stderr string) string {
	for _, line := range strings.Split(stderr, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return "downloader failed"
}
