// Package command translates user actions (slash commands, thread replies,
// file uploads) into stream operations. Matching is forgiving: latin command
// words tolerate a one-character typo, Japanese forms match exactly.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/kmizuno/streamscribe/internal/chat"
	"github.com/kmizuno/streamscribe/internal/cookies"
	"github.com/kmizuno/streamscribe/internal/observe"
	"github.com/kmizuno/streamscribe/internal/store"
	"github.com/kmizuno/streamscribe/internal/stream"
)

// Slash command names, registered without the leading slash.
const (
	CmdStart  = "youtube2thread"
	CmdStatus = "youtube2thread-status"
	CmdStop   = "youtube2thread-stop"
)

// Thread reply words. Latin forms allow an edit distance of one; the
// Japanese forms must match exactly.
var (
	stopWords      = []string{"stop", "halt"}
	stopWordsExact = []string{"停止", "ストップ"}

	retryWords      = []string{"retry", "restart"}
	retryWordsExact = []string{"再開", "リトライ"}
)

const usage = "Usage: `/" + CmdStart + " <youtube-url>` to start transcribing into a thread, " +
	"`/" + CmdStart + " set <key> <value>` to change a setting."

// Router dispatches user actions to the stream manager and the user store.
type Router struct {
	streams *stream.Manager
	users   *store.UserSecretStore
	chats   *chat.Registry
	version string
	log     *slog.Logger
}

// NewRouter wires a router. version is shown in status replies.
func NewRouter(streams *stream.Manager, users *store.UserSecretStore, chats *chat.Registry, version string) *Router {
	return &Router{
		streams: streams,
		users:   users,
		chats:   chats,
		version: version,
		log:     slog.With("component", "command-router"),
	}
}

// HandleSlash processes one slash command and returns the ephemeral reply.
func (r *Router) HandleSlash(ctx context.Context, cmd SlashCommand) string {
	var reply string
	switch cmd.Command {
	case CmdStart:
		reply = r.handleStart(ctx, cmd)
	case CmdStatus:
		reply = r.handleStatus(cmd)
	case CmdStop:
		reply = r.handleStop(cmd)
	default:
		reply = "Unknown command."
	}
	status := "ok"
	if strings.HasPrefix(reply, "⚠️") {
		status = "error"
	}
	observe.Default().CommandsHandled.Add(ctx, 1,
		observe.Attr("command", cmd.Command), observe.Attr("status", status))
	return reply
}

func (r *Router) handleStart(ctx context.Context, cmd SlashCommand) string {
	fields := strings.Fields(cmd.Text)
	if len(fields) == 0 {
		return usage
	}
	if fields[0] == "set" {
		return r.handleSet(ctx, cmd, fields[1:])
	}

	info, err := r.streams.Start(ctx, cmd.TeamID, cmd.UserID, cmd.ChannelID, fields[0])
	switch {
	case err == nil:
		return fmt.Sprintf("🎬 Started. Follow the transcription in the new thread (stream `%s`).", info.ID)
	case errors.Is(err, stream.ErrNoCookies):
		r.promptForCookies(ctx, cmd.TeamID, cmd.UserID)
		return "⚠️ I need your YouTube cookies first. Check your DMs for instructions."
	default:
		return userMessage(err)
	}
}

func (r *Router) handleStatus(cmd SlashCommand) string {
	infos := r.streams.Status(cmd.TeamID, cmd.UserID)
	var b strings.Builder
	fmt.Fprintf(&b, "*streamscribe %s* — %d active stream(s)\n", r.version, r.streams.ActiveCount())
	if len(infos) == 0 {
		b.WriteString("You have no streams. Start one with `/" + CmdStart + " <youtube-url>`.")
		return b.String()
	}
	for _, info := range infos {
		title := info.Title
		if title == "" {
			title = info.URL
		}
		fmt.Fprintf(&b, "• *%s* — %s, %d sentences, running %s",
			title, info.State, info.Sentences, time.Since(info.StartedAt).Round(time.Second))
		if info.Dropped > 0 {
			fmt.Fprintf(&b, ", %d segments dropped", info.Dropped)
		}
		if info.Language != "" {
			fmt.Fprintf(&b, ", language %s", info.Language)
		}
		if info.Reason != "" {
			fmt.Fprintf(&b, " (%s)", info.Reason)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// handleStop ends the caller's stream; an optional argument names which one.
func (r *Router) handleStop(cmd SlashCommand) string {
	var err error
	if id := strings.TrimSpace(cmd.Text); id != "" {
		_, err = r.streams.StopByID(cmd.TeamID, cmd.UserID, id)
	} else {
		_, err = r.streams.Stop(cmd.TeamID, cmd.UserID)
	}
	if err != nil {
		return userMessage(err)
	}
	return "⏸️ Stopping. The thread will be finalised once the last audio drains."
}

// handleSet updates one user setting, preserving everything else stored.
func (r *Router) handleSet(ctx context.Context, cmd SlashCommand, args []string) string {
	if len(args) != 2 {
		return "Usage: `/" + CmdStart + " set <key> <value>`. Keys: preferred_language, whisper_model, include_timestamps, allow_local_whisper."
	}
	key, value := args[0], args[1]

	settings, err := r.users.GetSettings(ctx, cmd.TeamID, cmd.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		r.log.Error("loading settings", "err", err)
		return "⚠️ Could not load your settings."
	}
	if settings == nil {
		settings = store.Settings{}
	}

	switch key {
	case "preferred_language", "whisper_model":
		if key == "whisper_model" && !validModel(value) {
			return fmt.Sprintf("⚠️ Unknown model %q. Choose one of: %s.", value, strings.Join(store.WhisperModels, ", "))
		}
		settings[key] = value
	case "include_timestamps", "allow_local_whisper":
		switch strings.ToLower(value) {
		case "true", "yes", "on":
			settings[key] = true
		case "false", "no", "off":
			settings[key] = false
		default:
			return fmt.Sprintf("⚠️ %s wants true or false, not %q.", key, value)
		}
	default:
		return fmt.Sprintf("⚠️ Unknown setting %q.", key)
	}

	if err := r.users.PutSettings(ctx, cmd.TeamID, cmd.UserID, settings); err != nil {
		r.log.Error("saving settings", "err", err)
		return "⚠️ Could not save your settings."
	}
	return fmt.Sprintf("✅ Set %s to %v. Takes effect on your next stream.", key, settings[key])
}

// HandleThreadMessage reacts to control words typed into a transcript
// thread. Anything else, and anything a bot says, is ignored.
func (r *Router) HandleThreadMessage(ctx context.Context, msg ThreadMessage) {
	if msg.FromBot {
		return
	}
	word := strings.ToLower(strings.TrimSpace(msg.Text))
	th := chat.Thread{Channel: msg.ChannelID, RootTS: msg.ThreadTS}

	switch {
	case matchWord(word, stopWords, stopWordsExact):
		if _, err := r.streams.StopThread(msg.TeamID, th); err != nil {
			r.replyInThread(ctx, msg.TeamID, th, userMessage(err))
		}
	case matchWord(word, retryWords, retryWordsExact):
		if _, err := r.streams.RetryThread(ctx, msg.TeamID, th); err != nil {
			if errors.Is(err, stream.ErrNoCookies) {
				r.promptForCookies(ctx, msg.TeamID, msg.UserID)
				err = &stream.CommandError{Msg: "I need fresh YouTube cookies. Check your DMs."}
			}
			r.replyInThread(ctx, msg.TeamID, th, userMessage(err))
		}
	}
}

// HandleFileUpload stores a DMed cookies.txt after validating it. Returns
// the DM reply.
func (r *Router) HandleFileUpload(ctx context.Context, up FileUpload) string {
	reply := r.storeCookies(ctx, up)
	if client, err := r.chats.Get(up.TeamID); err == nil {
		if err := client.SendDM(ctx, up.UserID, reply); err != nil {
			r.log.Warn("failed to DM cookie reply", "team_id", up.TeamID, "err", err)
		}
	}
	return reply
}

func (r *Router) storeCookies(ctx context.Context, up FileUpload) string {
	if !strings.EqualFold(strings.TrimSpace(up.FileName), cookies.FileName) {
		return "⚠️ I only accept a file named " + cookies.FileName + ". Rename the export and upload it again."
	}
	if err := cookies.Validate(up.Content); err != nil {
		switch {
		case errors.Is(err, cookies.ErrNoHeader):
			return "⚠️ That does not look like a Netscape-format cookies.txt. Export with a browser extension like \"Get cookies.txt\"."
		case errors.Is(err, cookies.ErrNoYouTubeEntries):
			return "⚠️ The file has no youtube.com cookies. Make sure you are logged in to YouTube when exporting."
		default:
			return "⚠️ Could not read the cookie file: " + err.Error()
		}
	}

	jar := cookies.FilterYouTube(up.Content)
	if err := r.users.PutCookies(ctx, up.TeamID, up.UserID, jar); err != nil {
		r.log.Error("storing cookies", "team_id", up.TeamID, "err", err)
		return "⚠️ Failed to store your cookies. Try again."
	}
	return "✅ Cookies saved. Only the YouTube entries were kept, encrypted at rest. You can start a stream now."
}

// promptForCookies DMs upload instructions, best effort.
func (r *Router) promptForCookies(ctx context.Context, teamID, userID string) {
	client, err := r.chats.Get(teamID)
	if err != nil {
		return
	}
	msg := "To transcribe YouTube streams I need your cookies. Export cookies.txt while logged in " +
		"(browser extension \"Get cookies.txt\" works) and upload the file here as a DM attachment."
	if err := client.SendDM(ctx, userID, msg); err != nil {
		r.log.Warn("failed to DM cookie prompt", "team_id", teamID, "err", err)
	}
}

func (r *Router) replyInThread(ctx context.Context, teamID string, th chat.Thread, text string) {
	client, err := r.chats.Get(teamID)
	if err != nil {
		return
	}
	if _, err := client.PostInThread(ctx, th, text); err != nil {
		r.log.Warn("failed to reply in thread", "team_id", teamID, "err", err)
	}
}

// matchWord reports whether word is one of the command forms. Latin forms
// tolerate a single-character typo.
func matchWord(word string, fuzzy, exact []string) bool {
	for _, w := range exact {
		if word == w {
			return true
		}
	}
	for _, w := range fuzzy {
		if word == w || matchr.DamerauLevenshtein(word, w) <= 1 {
			return true
		}
	}
	return false
}

func validModel(model string) bool {
	for _, m := range store.WhisperModels {
		if m == model {
			return true
		}
	}
	return false
}

// userMessage renders an error for the invoking user.
func userMessage(err error) string {
	var ce *stream.CommandError
	if errors.As(err, &ce) {
		return "⚠️ " + ce.Msg
	}
	var ie *stream.IntegrityError
	if errors.As(err, &ie) {
		return "⚠️ You already have an active stream. Stop it first with `/" + CmdStop + "`."
	}
	return "⚠️ Something went wrong. Try again in a moment."
}
