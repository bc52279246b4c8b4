// Package chat defines the posting contract the transcription pipeline
// publishes through, independent of the chat platform behind it. The concrete
// Slack implementation lives in the slackapi subpackage; tests use the mock
// subpackage.
//
// Implementations must be safe for concurrent use. Posts into a single
// thread must land in call order; [Reliable] provides that serialisation
// together with the retry policy, so backends only implement the raw calls.
package chat

import (
	"context"
)

// Thread identifies a conversation thread: the channel plus the root
// message's timestamp, which is how the platform addresses threads.
type Thread struct {
	Channel string
	RootTS  string
}

// ID returns a stable string key for per-thread bookkeeping.
func (t Thread) ID() string { return t.Channel + ":" + t.RootTS }

// Identity describes the authenticated bot.
type Identity struct {
	TeamID    string
	BotUserID string
}

// Header is the content of a stream's root message. It is rendered as blocks
// by the backend and edited in place on every state transition.
type Header struct {
	// Title is the media title, empty until metadata resolves.
	Title string

	// URL is the source stream URL.
	URL string

	// Status is the human-readable state line, e.g. "▶️ Transcribing…".
	Status string

	// Note carries extra context: an error remediation hint or a forward
	// link to a retried stream.
	Note string
}

// Client is the per-workspace chat surface.
type Client interface {
	// OpenThread posts a header message to the named channel and returns the
	// thread rooted at it.
	OpenThread(ctx context.Context, channel string, h Header) (Thread, error)

	// PostInThread appends a plain-text message to the thread and returns
	// the new message's timestamp.
	PostInThread(ctx context.Context, th Thread, text string) (string, error)

	// EditHeader replaces the thread's root message content.
	EditHeader(ctx context.Context, th Thread, h Header) error

	// ResolveChannel maps a channel name (with or without the leading #) to
	// its ID.
	ResolveChannel(ctx context.Context, name string) (string, error)

	// Permalink returns a durable link to the thread's root message, used
	// for forward links between a failed stream and its retry.
	Permalink(ctx context.Context, th Thread) (string, error)

	// SendDM delivers a direct message to a user, used for cookie-upload
	// prompts and acknowledgements.
	SendDM(ctx context.Context, userID, text string) error

	// WhoAmI returns the bot's identity in this workspace.
	WhoAmI(ctx context.Context) (Identity, error)
}
