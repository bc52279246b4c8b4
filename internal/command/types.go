// Package command parses inbound user commands and dispatches them to the
// stream registry: slash commands, thread-message synonyms (stop/retry in
// several languages), and cookie-jar uploads.
package command

// SlashCommand is a parsed slash invocation from any transport (HTTP webhook
// or socket mode).
type SlashCommand struct {
	TeamID    string
	UserID    string
	ChannelID string

	// Command is the slash command name without the leading slash, e.g.
	// "youtube2thread" or "youtube2thread-stop".
	Command string

	// Text is the raw argument string, e.g. the stream URL.
	Text string
}

// ThreadMessage is a plain message posted inside a thread the bot may own.
type ThreadMessage struct {
	TeamID    string
	UserID    string
	ChannelID string

	// ThreadTS is the root timestamp of the thread the message was posted in.
	ThreadTS string

	Text string

	// FromBot marks messages authored by any bot, including this one.
	// The router ignores them to prevent command loops.
	FromBot bool
}

// FileUpload is an attachment shared in a direct message with the bot.
type FileUpload struct {
	TeamID   string
	UserID   string
	FileName string
	Content  []byte
}
