package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/kmizuno/streamscribe/internal/chat"
	"github.com/kmizuno/streamscribe/internal/media"
	"github.com/kmizuno/streamscribe/internal/observe"
	"github.com/kmizuno/streamscribe/internal/resilience"
	"github.com/kmizuno/streamscribe/internal/sentence"
	"github.com/kmizuno/streamscribe/internal/transcribe"
	"github.com/kmizuno/streamscribe/pkg/vad"
)

const (
	// DefaultMaxStall is how long a segment hand-off may block before the
	// oldest pending segment is dropped.
	DefaultMaxStall = 3 * time.Second

	// DefaultStopGrace bounds the drain phase after a stop request.
	DefaultStopGrace = 10 * time.Second

	// DefaultLinger keeps terminal streams visible in the registry so a
	// late status or retry command still finds them.
	DefaultLinger = 60 * time.Second

	// escalationSpan is the window for the drop and restart storm rules.
	escalationSpan = time.Minute

	// maxDropsPerSpan and maxRestartsPerSpan are the counts above which the
	// stream fails instead of limping.
	maxDropsPerSpan    = 3
	maxRestartsPerSpan = 3

	// maxConsecutiveFailures is how many inference errors in a row fail the
	// stream.
	maxConsecutiveFailures = 3

	// segmentBuffer is the hand-off depth between the reader and the
	// submitter. One slot keeps the per-stream backlog bounded at the pool
	// queue depth plus this hand-off.
	segmentBuffer = 1
)

// Pipeline supplies the shared machinery every stream uses.
type Pipeline struct {
	Source  media.Source
	Pool    *transcribe.Pool
	Chat    chat.Client
	Metrics *observe.Metrics
}

// Tuning carries the per-stream knobs. Zero values take the defaults.
type Tuning struct {
	Segmenter         vad.SegmenterConfig
	Assembler         sentence.Config
	Language          string
	IncludeTimestamps bool
	MaxStall          time.Duration
	StopGrace         time.Duration
	Linger            time.Duration
}

func (t Tuning) withDefaults() Tuning {
	if t.MaxStall <= 0 {
		t.MaxStall = DefaultMaxStall
	}
	if t.StopGrace <= 0 {
		t.StopGrace = DefaultStopGrace
	}
	if t.Linger <= 0 {
		t.Linger = DefaultLinger
	}
	if t.Language == "" {
		t.Language = transcribe.LanguageAuto
	}
	return t
}

// Controller drives one stream from audio intake to posted sentences and
// owns its state machine.
type Controller struct {
	id      string
	teamID  string
	userID  string
	url     string
	thread  chat.Thread
	cookies []byte

	pipe   Pipeline
	tuning Tuning
	log    *slog.Logger

	intakeCancel context.CancelFunc
	runCancel    context.CancelFunc
	done         chan struct{}
	stopOnce     sync.Once
	failOnce     sync.Once
	failErr      error

	// onTerminal fires after the linger period so the registry can forget
	// the stream.
	onTerminal func(id string)

	mu          sync.Mutex
	state       State
	title       string
	language    string
	startedAt   time.Time
	endedAt     time.Time
	sentences   uint64
	dropped     uint64
	reason      string
	retryNote   string
	retryNoted  bool
	stopByUser  bool
	dropWin     *resilience.Window
	restartWin  *resilience.Window
}

// NewController creates a stream in PENDING. The thread must already exist;
// call Run to start the pipeline.
func NewController(id, teamID, userID, url string, thread chat.Thread, cookies []byte, pipe Pipeline, tuning Tuning, onTerminal func(id string)) *Controller {
	if pipe.Metrics == nil {
		pipe.Metrics = observe.Default()
	}
	return &Controller{
		id:         id,
		teamID:     teamID,
		userID:     userID,
		url:        url,
		thread:     thread,
		cookies:    cookies,
		pipe:       pipe,
		tuning:     tuning.withDefaults(),
		log:        slog.With("stream_id", id, "team_id", teamID),
		done:       make(chan struct{}),
		onTerminal: onTerminal,
		state:      StatePending,
		startedAt:  time.Now(),
		dropWin:    resilience.NewWindow(escalationSpan),
		restartWin: resilience.NewWindow(escalationSpan),
	}
}

// setTitle seeds the display title before Run refreshes it from the live
// stream's metadata.
func (c *Controller) setTitle(title string) {
	if title == "" {
		return
	}
	c.mu.Lock()
	c.title = title
	c.mu.Unlock()
}

// Info returns a snapshot of the stream.
func (c *Controller) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		ID:        c.id,
		TeamID:    c.teamID,
		UserID:    c.userID,
		Thread:    c.thread,
		URL:       c.url,
		Title:     c.title,
		State:     c.state,
		Language:  c.language,
		StartedAt: c.startedAt,
		EndedAt:   c.endedAt,
		Sentences: c.sentences,
		Dropped:   c.dropped,
		Reason:    c.reason,
	}
}

// Run executes the stream until it reaches a terminal state. Call once, in
// its own goroutine.
func (c *Controller) Run(ctx context.Context) {
	defer close(c.done)

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	intakeCtx, intakeCancel := context.WithCancel(runCtx)
	c.mu.Lock()
	c.runCancel = runCancel
	c.intakeCancel = intakeCancel
	stoppedEarly := c.stopByUser
	c.mu.Unlock()

	// A Stop that arrived before Run found no cancel functions to fire; honour
	// it here instead of opening the source.
	if stoppedEarly {
		c.finalize(ctx)
		return
	}

	c.pipe.Metrics.ActiveStreams.Add(ctx, 1)
	defer c.pipe.Metrics.ActiveStreams.Add(context.WithoutCancel(ctx), -1)

	ms, err := c.pipe.Source.Open(runCtx, c.url, c.cookies)
	if err != nil {
		c.abort(err)
		c.finalize(ctx)
		return
	}
	if meta := ms.Metadata(); meta.Title != "" {
		c.mu.Lock()
		c.title = meta.Title
		c.mu.Unlock()
	}
	c.transition(ctx, StateRunning)

	segments := make(chan vad.Segment, segmentBuffer)
	futures := make(chan (<-chan transcribe.Result), transcribe.DefaultQueueDepth*2)
	readerDone := make(chan struct{})
	submitDone := make(chan struct{})
	posterDone := make(chan struct{})

	go func() {
		defer close(readerDone)
		defer close(segments)
		c.pump(intakeCtx, ms, segments)
	}()
	go func() {
		defer close(submitDone)
		defer close(futures)
		c.feed(runCtx, segments, futures)
	}()
	go func() {
		defer close(posterDone)
		c.collect(runCtx, futures)
	}()

	<-readerDone
	<-submitDone
	<-posterDone
	c.pipe.Pool.Detach(c.id)
	c.finalize(ctx)
}

// Stop requests a graceful shutdown: intake ends, queued audio drains, the
// stream lands in STOPPED. After the grace period the drain is forced.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopByUser = true
		intakeCancel := c.intakeCancel
		runCancel := c.runCancel
		grace := c.tuning.StopGrace
		c.mu.Unlock()

		c.transition(context.Background(), StateStopping)
		if intakeCancel != nil {
			intakeCancel()
		}
		timer := time.AfterFunc(grace, func() {
			c.log.Warn("stop grace expired, forcing drain")
			c.pipe.Pool.Detach(c.id)
			if runCancel != nil {
				runCancel()
			}
		})
		go func() {
			<-c.done
			timer.Stop()
		}()
	})
}

// Done is closed once the stream is terminal and fully drained.
func (c *Controller) Done() <-chan struct{} { return c.done }

// MarkRetried edits the terminal header once with a forward link to the
// stream that superseded this one.
func (c *Controller) MarkRetried(ctx context.Context, note string) {
	c.mu.Lock()
	if !c.state.Terminal() || c.retryNoted {
		c.mu.Unlock()
		return
	}
	c.retryNoted = true
	c.retryNote = note
	h := c.headerLocked()
	c.mu.Unlock()

	if err := c.pipe.Chat.EditHeader(ctx, c.thread, h); err != nil {
		c.log.Warn("failed to edit retried header", "err", err)
	}
}

// ── Pipeline stages ──────────────────────────────────────────────────────────

// pump reads PCM, segments it, and hands segments downstream. It reopens
// the media source on transient failures and escalates when restarts storm.
// Returns when intake is cancelled, the stream ends, or a fatal error aborts
// the run.
func (c *Controller) pump(ctx context.Context, ms media.Stream, segments chan vad.Segment) {
	// A Read blocked on the pipe does not see context cancellation; closing
	// the stream is what unblocks it.
	var curMu sync.Mutex
	cur := ms
	setCur := func(next media.Stream) {
		curMu.Lock()
		cur = next
		curMu.Unlock()
	}
	closeCur := func() {
		curMu.Lock()
		defer curMu.Unlock()
		if cur != nil {
			_ = cur.Close()
		}
	}
	stop := context.AfterFunc(ctx, closeCur)
	defer stop()
	defer closeCur()

	seg, err := vad.NewSegmenter(c.tuning.Segmenter)
	if err != nil {
		c.abort(err)
		return
	}

	for {
		err := c.readStream(ctx, ms, seg, segments)
		if err == nil {
			// Natural end of stream.
			return
		}
		if ctx.Err() != nil {
			// Stop or abort; hand the segmenter's tail downstream.
			c.drain(seg, segments)
			return
		}

		c.log.Warn("media stream broken, restarting", "err", err)
		if n := c.restartWin.Observe(); n > maxRestartsPerSpan {
			c.abort(fmt.Errorf("media restarted %d times within %s: %w", n, escalationSpan, err))
			return
		}
		c.pipe.Metrics.MediaRestarts.Add(ctx, 1, observe.Attr("stream_id", c.id))

		_ = ms.Close()
		next, openErr := c.pipe.Source.Open(ctx, c.url, c.cookies)
		if openErr != nil {
			if ctx.Err() == nil {
				c.abort(openErr)
			}
			return
		}
		ms = next
		setCur(next)
		// The segmentation clock keeps running across the restart so no
		// gap is introduced between segments.
	}
}

// readStream consumes one media connection. A nil return is natural end of
// stream; any other error asks pump to restart.
func (c *Controller) readStream(ctx context.Context, ms media.Stream, seg *vad.Segmenter, segments chan vad.Segment) error {
	frame := make([]byte, seg.FrameBytes())
	for {
		if ctx.Err() != nil {
			c.drain(seg, segments)
			return ctx.Err()
		}
		if _, err := io.ReadFull(ms, frame); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				c.drain(seg, segments)
				return nil
			}
			return err
		}
		out, err := seg.Push(frame)
		if err != nil {
			return err
		}
		for _, s := range out {
			if !c.offer(ctx, segments, s) {
				c.drain(seg, segments)
				return ctx.Err()
			}
		}
	}
}

// drain flushes the segmenter's open segment downstream, best effort since
// intake may already be cancelled.
func (c *Controller) drain(seg *vad.Segmenter, segments chan vad.Segment) {
	for _, s := range seg.Flush() {
		select {
		case segments <- s:
		default:
			c.log.Debug("discarding tail segment, pipeline full", "seq", s.Seq)
		}
	}
}

// offer hands one segment downstream, applying the drop-oldest policy when
// the hand-off stalls. Returns false when intake should end.
func (c *Controller) offer(ctx context.Context, segments chan vad.Segment, s vad.Segment) bool {
	timer := time.NewTimer(c.tuning.MaxStall)
	defer timer.Stop()
	for {
		select {
		case segments <- s:
			return true
		case <-ctx.Done():
			return false
		case <-timer.C:
			select {
			case old := <-segments:
				c.log.Warn("backpressure, dropping oldest segment", "seq", old.Seq)
				c.pipe.Metrics.SegmentsDropped.Add(ctx, 1, observe.Attr("stream_id", c.id))
				c.mu.Lock()
				c.dropped++
				c.mu.Unlock()
				if n := c.dropWin.Observe(); n > maxDropsPerSpan {
					c.abort(fmt.Errorf("dropped %d segments within %s, transcription cannot keep up", n, escalationSpan))
					return false
				}
			default:
			}
			timer.Reset(c.tuning.MaxStall)
		}
	}
}

// feed submits segments to the pool in order, blocking on the pool's
// per-stream queue, and forwards the result futures.
func (c *Controller) feed(ctx context.Context, segments <-chan vad.Segment, futures chan<- <-chan transcribe.Result) {
	for s := range segments {
		fut, err := c.pipe.Pool.Submit(ctx, c.id, transcribe.Request{
			Seq:      s.Seq,
			PCM:      s.PCM,
			StartMs:  s.StartMs,
			EndMs:    s.EndMs,
			Language: c.languageHint(),
		})
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, transcribe.ErrPoolClosed) {
				c.abort(err)
			}
			return
		}
		c.pipe.Metrics.SegmentsProcessed.Add(ctx, 1, observe.Attr("stream_id", c.id))
		select {
		case futures <- fut:
		case <-ctx.Done():
			return
		}
	}
}

// collect awaits results in submit order, assembles sentences, and posts
// them. Three inference failures in a row abort the stream.
func (c *Controller) collect(ctx context.Context, futures <-chan (<-chan transcribe.Result)) {
	asm := sentence.NewAssembler(c.tuning.Assembler)
	dedupe := sentence.NewDeduper(0, 0)
	consecutive := 0

	for fut := range futures {
		var res transcribe.Result
		select {
		case res = <-fut:
		case <-ctx.Done():
			return
		}

		if res.Err != nil {
			if errors.Is(res.Err, transcribe.ErrDetached) || errors.Is(res.Err, context.Canceled) {
				continue
			}
			consecutive++
			c.log.Warn("transcription failed", "seq", res.Seq, "consecutive", consecutive, "err", res.Err)
			if consecutive >= maxConsecutiveFailures {
				c.abort(fmt.Errorf("transcription failed %d times in a row: %w", consecutive, res.Err))
				return
			}
			continue
		}
		consecutive = 0
		c.pinLanguage(ctx, res.Language)

		for _, s := range asm.Push(res.Text, res.StartMs, res.EndMs) {
			if !c.postSentence(ctx, dedupe, s) {
				return
			}
		}
	}

	for _, s := range asm.Flush() {
		if !c.postSentence(ctx, dedupe, s) {
			return
		}
	}
}

// postSentence publishes one sentence unless it repeats a recent one.
// Returns false on an unrecoverable post failure.
func (c *Controller) postSentence(ctx context.Context, dedupe *sentence.Deduper, s sentence.Sentence) bool {
	if s.Text == "" || dedupe.Duplicate(s.Text) {
		return true
	}
	text := s.Text
	if c.tuning.IncludeTimestamps {
		text = fmt.Sprintf("`[%s]` %s", formatOffset(s.StartMs), text)
	}
	if _, err := c.pipe.Chat.PostInThread(ctx, c.thread, text); err != nil {
		if ctx.Err() == nil {
			c.abort(fmt.Errorf("posting to thread: %w", err))
		}
		return false
	}
	c.pipe.Metrics.SentencesPosted.Add(ctx, 1, observe.Attr("stream_id", c.id))
	c.mu.Lock()
	c.sentences++
	c.mu.Unlock()
	return true
}

// ── State machine ────────────────────────────────────────────────────────────

// transition moves to next and edits the header exactly once for it.
func (c *Controller) transition(ctx context.Context, next State) {
	c.mu.Lock()
	// STOPPING never goes back to RUNNING: a stop may race the startup, and
	// the startup loses.
	if c.state == next || c.state.Terminal() || (c.state == StateStopping && next == StateRunning) {
		c.mu.Unlock()
		return
	}
	c.state = next
	if next.Terminal() {
		c.endedAt = time.Now()
	}
	h := c.headerLocked()
	c.mu.Unlock()

	c.log.Info("stream state changed", "state", next)
	editCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := c.pipe.Chat.EditHeader(editCtx, c.thread, h); err != nil {
		c.log.Warn("failed to edit header", "state", next, "err", err)
	}
}

// abort records the first fatal error and cancels the run.
func (c *Controller) abort(err error) {
	c.failOnce.Do(func() {
		c.mu.Lock()
		c.failErr = err
		runCancel := c.runCancel
		intakeCancel := c.intakeCancel
		c.mu.Unlock()
		c.log.Error("stream aborted", "err", err)
		if intakeCancel != nil {
			intakeCancel()
		}
		if runCancel != nil {
			runCancel()
		}
	})
}

// finalize lands the stream in its terminal state, posts the closing notice,
// and schedules the registry expiry.
func (c *Controller) finalize(ctx context.Context) {
	c.mu.Lock()
	err := c.failErr
	stopByUser := c.stopByUser
	linger := c.tuning.Linger
	c.mu.Unlock()

	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err != nil {
		c.mu.Lock()
		c.reason = err.Error()
		c.mu.Unlock()
		c.transition(notifyCtx, StateFailed)
		notice := "⚠️ Transcription failed: " + err.Error()
		if se, ok := media.AsStartError(err); ok && se.Hint != "" {
			notice = "⚠️ " + se.Hint
		}
		if _, perr := c.pipe.Chat.PostInThread(notifyCtx, c.thread, notice); perr != nil {
			c.log.Warn("failed to post failure notice", "err", perr)
		}
	} else {
		if !stopByUser {
			c.mu.Lock()
			c.reason = "stream ended"
			c.mu.Unlock()
		}
		c.transition(notifyCtx, StateStopped)
	}

	if c.onTerminal != nil {
		id := c.id
		time.AfterFunc(linger, func() { c.onTerminal(id) })
	}
}

// headerLocked renders the root message for the current state. Caller holds
// c.mu.
func (c *Controller) headerLocked() chat.Header {
	h := chat.Header{Title: c.title, URL: c.url}
	switch c.state {
	case StatePending:
		h.Status = "⏳ Starting"
	case StateRunning:
		h.Status = "▶️ Transcribing"
	case StateStopping:
		h.Status = "⏸️ Stopping"
	case StateStopped:
		h.Status = "✅ Ended"
	case StateFailed:
		h.Status = "❌ Failed"
		h.Note = c.reason
	}
	if c.retryNote != "" {
		h.Note = c.retryNote
	}
	return h
}

// ── Small helpers ────────────────────────────────────────────────────────────

// pinLanguage fixes the stream language on the first detection and announces
// it in the thread, once.
func (c *Controller) pinLanguage(ctx context.Context, lang string) {
	if lang == "" || lang == transcribe.LanguageAuto {
		return
	}
	c.mu.Lock()
	if c.language != "" {
		c.mu.Unlock()
		return
	}
	c.language = lang
	c.mu.Unlock()

	c.log.Info("language detected", "language", lang)
	if _, err := c.pipe.Chat.PostInThread(ctx, c.thread, "🌐 Detected language: `"+lang+"`"); err != nil {
		c.log.Warn("failed to post language notice", "err", err)
	}
}

// languageHint returns the pinned language once detection has settled.
func (c *Controller) languageHint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.language != "" {
		return c.language
	}
	return c.tuning.Language
}

// formatOffset renders a stream-clock offset as h:mm:ss or m:ss.
func formatOffset(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
