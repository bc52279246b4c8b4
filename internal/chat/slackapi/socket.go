package slackapi

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/kmizuno/streamscribe/internal/command"
)

// Handler receives inbound user actions. The socket manager calls it from a
// single dispatch goroutine, so implementations see events for one workspace
// in arrival order.
type Handler interface {
	// HandleSlash processes a slash command and returns the ephemeral reply
	// shown to the invoking user.
	HandleSlash(ctx context.Context, cmd command.SlashCommand) string

	// HandleThreadMessage processes a plain message in a thread.
	HandleThreadMessage(ctx context.Context, msg command.ThreadMessage)

	// HandleFileUpload processes a DM attachment and returns the reply sent
	// back to the user.
	HandleFileUpload(ctx context.Context, up command.FileUpload) string
}

// event is one inbound socket-mode item, tagged with its workspace.
type event struct {
	teamID string
	ack    func(payload any)
	data   any
}

// SocketManager maintains one socket-mode connection per workspace that
// declares an app token and multiplexes every workspace's events into a
// single dispatch loop.
type SocketManager struct {
	events chan event

	mu    sync.Mutex
	conns map[string]context.CancelFunc
}

// NewSocketManager creates a manager with an idle dispatch queue. Call
// [SocketManager.Run] once and [SocketManager.Ensure] per workspace.
func NewSocketManager() *SocketManager {
	return &SocketManager{
		events: make(chan event, 64),
		conns:  make(map[string]context.CancelFunc),
	}
}

// Run dispatches inbound events to h until ctx is cancelled. It is the
// single consumer; per-connection pumps only convert and enqueue.
func (m *SocketManager) Run(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-m.events:
			m.dispatch(ctx, h, ev)
		}
	}
}

func (m *SocketManager) dispatch(ctx context.Context, h Handler, ev event) {
	switch data := ev.data.(type) {
	case command.SlashCommand:
		reply := h.HandleSlash(ctx, data)
		if ev.ack != nil {
			ev.ack(map[string]any{"response_type": "ephemeral", "text": reply})
		}
	case command.ThreadMessage:
		h.HandleThreadMessage(ctx, data)
	case command.FileUpload:
		if reply := h.HandleFileUpload(ctx, data); reply != "" {
			slog.Debug("file upload handled", "team_id", ev.teamID, "reply", reply)
		}
	}
}

// Ensure starts a socket-mode connection for teamID if none is running. The
// client must have been built with an app token.
func (m *SocketManager) Ensure(ctx context.Context, teamID string, c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.conns[teamID]; running {
		return
	}
	connCtx, cancel := context.WithCancel(ctx)
	m.conns[teamID] = cancel
	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.conns, teamID)
			m.mu.Unlock()
		}()
		if err := m.pump(connCtx, teamID, c); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("socket-mode connection ended", "team_id", teamID, "err", err)
		}
	}()
}

// Stop tears down the connection for teamID, if any.
func (m *SocketManager) Stop(teamID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.conns[teamID]; ok {
		cancel()
		delete(m.conns, teamID)
	}
}

// Close tears down every connection.
func (m *SocketManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cancel := range m.conns {
		cancel()
		delete(m.conns, id)
	}
}

// pump runs one workspace's socket-mode loop, converting raw events into
// command types and enqueueing them for dispatch.
func (m *SocketManager) pump(ctx context.Context, teamID string, c *Client) error {
	sm := socketmode.New(c.API())
	go func() {
		if err := sm.RunContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("socket-mode run loop exited", "team_id", teamID, "err", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sm.Events:
			if !ok {
				return errors.New("slackapi: socket event channel closed")
			}
			m.convert(ctx, teamID, c, sm, evt)
		}
	}
}

func (m *SocketManager) convert(ctx context.Context, teamID string, c *Client, sm *socketmode.Client, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeSlashCommand:
		cmd, ok := evt.Data.(slack.SlashCommand)
		if !ok {
			return
		}
		req := evt.Request
		m.enqueue(ctx, event{
			teamID: teamID,
			ack:    func(payload any) { sm.Ack(*req, payload) },
			data: command.SlashCommand{
				TeamID:    teamID,
				UserID:    cmd.UserID,
				ChannelID: cmd.ChannelID,
				Command:   strings.TrimPrefix(cmd.Command, "/"),
				Text:      strings.TrimSpace(cmd.Text),
			},
		})

	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		sm.Ack(*evt.Request)
		switch inner := apiEvent.InnerEvent.Data.(type) {
		case *slackevents.MessageEvent:
			if inner.ThreadTimeStamp == "" || inner.SubType != "" {
				return
			}
			m.enqueue(ctx, event{
				teamID: teamID,
				data: command.ThreadMessage{
					TeamID:    teamID,
					UserID:    inner.User,
					ChannelID: inner.Channel,
					ThreadTS:  inner.ThreadTimeStamp,
					Text:      inner.Text,
					FromBot:   inner.BotID != "",
				},
			})
		case *slackevents.FileSharedEvent:
			// Only direct-message uploads carry credentials.
			if !strings.HasPrefix(inner.ChannelID, "D") {
				return
			}
			name, content, err := c.DownloadFile(ctx, inner.FileID)
			if err != nil {
				slog.Warn("failed to download shared file", "team_id", teamID, "file_id", inner.FileID, "err", err)
				return
			}
			m.enqueue(ctx, event{
				teamID: teamID,
				data: command.FileUpload{
					TeamID:   teamID,
					UserID:   inner.UserID,
					FileName: name,
					Content:  content,
				},
			})
		}

	case socketmode.EventTypeConnected:
		slog.Info("socket mode connected", "team_id", teamID)
	case socketmode.EventTypeConnectionError:
		slog.Warn("socket mode connection error", "team_id", teamID)
	}
}

func (m *SocketManager) enqueue(ctx context.Context, ev event) {
	select {
	case m.events <- ev:
	case <-ctx.Done():
	}
}
