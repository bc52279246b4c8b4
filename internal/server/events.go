package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/slack-go/slack/slackevents"

	"github.com/kmizuno/streamscribe/internal/command"
)

// handleEvents verifies and dispatches Events API callbacks: URL verification
// handshakes, thread messages, and DM file shares. Slack expects a fast 200;
// dispatch happens before the response is written because handlers only
// enqueue work.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}

	apiEvent, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	teamID := apiEvent.TeamID

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
		s.log.Warn("rejected event", "team_id", teamID, "err", err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	switch apiEvent.Type {
	case slackevents.URLVerification:
		var cr slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &cr); err != nil {
			http.Error(w, "malformed challenge", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, cr.Challenge)

	case slackevents.CallbackEvent:
		s.dispatchCallback(r, teamID, apiEvent)
		w.WriteHeader(http.StatusOK)

	default:
		w.WriteHeader(http.StatusOK)
	}
}

// dispatchCallback mirrors the socket-mode event conversion for workspaces
// delivering over HTTP.
func (s *Server) dispatchCallback(r *http.Request, teamID string, apiEvent slackevents.EventsAPIEvent) {
	ctx := r.Context()
	switch inner := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		if inner.ThreadTimeStamp == "" || inner.SubType != "" {
			return
		}
		s.events.HandleThreadMessage(ctx, command.ThreadMessage{
			TeamID:    teamID,
			UserID:    inner.User,
			ChannelID: inner.Channel,
			ThreadTS:  inner.ThreadTimeStamp,
			Text:      inner.Text,
			FromBot:   inner.BotID != "",
		})

	case *slackevents.FileSharedEvent:
		// Only direct-message uploads carry credentials.
		if !strings.HasPrefix(inner.ChannelID, "D") {
			return
		}
		if s.files == nil {
			s.log.Warn("file shared but no file source configured", "team_id", teamID)
			return
		}
		name, content, err := s.files.DownloadFile(ctx, teamID, inner.FileID)
		if err != nil {
			s.log.Warn("failed to download shared file", "team_id", teamID, "file_id", inner.FileID, "err", err)
			return
		}
		s.events.HandleFileUpload(ctx, command.FileUpload{
			TeamID:   teamID,
			UserID:   inner.UserID,
			FileName: name,
			Content:  content,
		})
	}
}
