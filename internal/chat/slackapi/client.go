// Package slackapi implements the chat contract on the Slack Web API, plus
// the socket-mode event fan-in that feeds the command router. One Client
// serves one workspace; the registry owns them.
package slackapi

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/kmizuno/streamscribe/internal/chat"
)

// Compile-time interface check.
var _ chat.Client = (*Client)(nil)

// permanentAPIErrors are Slack API error codes that retrying cannot fix.
var permanentAPIErrors = map[string]bool{
	"invalid_auth":      true,
	"account_inactive":  true,
	"token_revoked":     true,
	"token_expired":     true,
	"not_authed":        true,
	"no_permission":     true,
	"missing_scope":     true,
	"ekm_access_denied": true,
	"channel_not_found": true,
	"not_in_channel":    true,
	"is_archived":       true,
	"msg_too_long":      true,
	"restricted_action": true,
}

// maxMessageLen is Slack's effective text limit per message; longer sentences
// are split at the last space before the cut.
const maxMessageLen = 3000

// Client is a Slack-backed [chat.Client].
type Client struct {
	api *slack.Client
}

// Option configures a Client.
type Option func(*options)

type options struct {
	appToken string
	debug    bool
}

// WithAppToken enables socket mode on the underlying API client.
func WithAppToken(token string) Option {
	return func(o *options) { o.appToken = token }
}

// WithDebug turns on slack-go request logging.
func WithDebug() Option {
	return func(o *options) { o.debug = true }
}

// New creates a Client for one workspace's bot token.
func New(botToken string, opts ...Option) (*Client, error) {
	if botToken == "" {
		return nil, errors.New("slackapi: bot token is required")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	slackOpts := []slack.Option{slack.OptionDebug(o.debug)}
	if o.appToken != "" {
		slackOpts = append(slackOpts, slack.OptionAppLevelToken(o.appToken))
	}
	return &Client{api: slack.New(botToken, slackOpts...)}, nil
}

// API exposes the raw client for the socket-mode manager.
func (c *Client) API() *slack.Client { return c.api }

func (c *Client) OpenThread(ctx context.Context, channel string, h chat.Header) (chat.Thread, error) {
	ch, ts, err := c.api.PostMessageContext(ctx, channel,
		slack.MsgOptionBlocks(headerBlocks(h)...),
		slack.MsgOptionText(headerFallback(h), false),
	)
	if err != nil {
		return chat.Thread{}, classify(err)
	}
	return chat.Thread{Channel: ch, RootTS: ts}, nil
}

func (c *Client) PostInThread(ctx context.Context, th chat.Thread, text string) (string, error) {
	var lastTS string
	for _, part := range splitMessage(text, maxMessageLen) {
		_, ts, err := c.api.PostMessageContext(ctx, th.Channel,
			slack.MsgOptionTS(th.RootTS),
			slack.MsgOptionText(part, false),
		)
		if err != nil {
			return "", classify(err)
		}
		lastTS = ts
	}
	return lastTS, nil
}

func (c *Client) EditHeader(ctx context.Context, th chat.Thread, h chat.Header) error {
	_, _, _, err := c.api.UpdateMessageContext(ctx, th.Channel, th.RootTS,
		slack.MsgOptionBlocks(headerBlocks(h)...),
		slack.MsgOptionText(headerFallback(h), false),
	)
	if err != nil {
		return classify(err)
	}
	return nil
}

func (c *Client) ResolveChannel(ctx context.Context, name string) (string, error) {
	name = strings.TrimPrefix(name, "#")
	params := &slack.GetConversationsParameters{
		Types:           []string{"public_channel", "private_channel"},
		Limit:           200,
		ExcludeArchived: true,
	}
	for {
		channels, cursor, err := c.api.GetConversationsContext(ctx, params)
		if err != nil {
			return "", classify(err)
		}
		for _, ch := range channels {
			if ch.Name == name {
				return ch.ID, nil
			}
		}
		if cursor == "" {
			return "", chat.Permanent(fmt.Errorf("channel %q not found", name))
		}
		params.Cursor = cursor
	}
}

func (c *Client) Permalink(ctx context.Context, th chat.Thread) (string, error) {
	link, err := c.api.GetPermalinkContext(ctx, &slack.PermalinkParameters{
		Channel: th.Channel,
		Ts:      th.RootTS,
	})
	if err != nil {
		return "", classify(err)
	}
	return link, nil
}

func (c *Client) SendDM(ctx context.Context, userID, text string) error {
	ch, _, _, err := c.api.OpenConversationContext(ctx, &slack.OpenConversationParameters{
		Users: []string{userID},
	})
	if err != nil {
		return classify(err)
	}
	if _, _, err := c.api.PostMessageContext(ctx, ch.ID, slack.MsgOptionText(text, false)); err != nil {
		return classify(err)
	}
	return nil
}

func (c *Client) WhoAmI(ctx context.Context) (chat.Identity, error) {
	resp, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return chat.Identity{}, classify(err)
	}
	return chat.Identity{TeamID: resp.TeamID, BotUserID: resp.UserID}, nil
}

// DownloadFile fetches a shared file's content, used for cookies.txt
// uploads.
func (c *Client) DownloadFile(ctx context.Context, fileID string) (name string, content []byte, err error) {
	info, _, _, err := c.api.GetFileInfoContext(ctx, fileID, 0, 0)
	if err != nil {
		return "", nil, classify(err)
	}
	var buf strings.Builder
	if err := c.api.GetFileContext(ctx, info.URLPrivateDownload, &buf); err != nil {
		return "", nil, classify(err)
	}
	return info.Name, []byte(buf.String()), nil
}

// classify maps slack-go errors onto the [chat.PostError] taxonomy.
func classify(err error) error {
	var rle *slack.RateLimitedError
	if errors.As(err, &rle) {
		return chat.RateLimited(err, rle.RetryAfter)
	}
	if permanentAPIErrors[err.Error()] {
		return chat.Permanent(err)
	}
	var scErr slack.StatusCodeError
	if errors.As(err, &scErr) && scErr.Code >= 400 && scErr.Code < 500 {
		return chat.Permanent(err)
	}
	return chat.Transient(err)
}

// splitMessage cuts text into chunks of at most limit runes, preferring the
// last space before the cut.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var out []string
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == ' ' {
				cut = i
				break
			}
		}
		out = append(out, strings.TrimSpace(string(runes[:cut])))
		runes = runes[cut:]
	}
	if rest := strings.TrimSpace(string(runes)); rest != "" {
		out = append(out, rest)
	}
	return out
}
