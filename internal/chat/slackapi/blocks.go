package slackapi

import (
	"fmt"

	"github.com/slack-go/slack"

	"github.com/kmizuno/streamscribe/internal/chat"
)

// headerBlocks renders a stream header as Slack blocks: title section, a
// context line with the source URL and status, and an optional note.
func headerBlocks(h chat.Header) []slack.Block {
	title := h.Title
	if title == "" {
		title = "Live stream"
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("🎥 *%s*", title), false, false),
			nil, nil,
		),
	}

	var elems []slack.MixedElement
	if h.URL != "" {
		elems = append(elems, slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("<%s>", h.URL), false, false))
	}
	if h.Status != "" {
		elems = append(elems, slack.NewTextBlockObject(slack.MarkdownType, h.Status, false, false))
	}
	if len(elems) > 0 {
		blocks = append(blocks, slack.NewContextBlock("", elems...))
	}

	if h.Note != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, h.Note, false, false),
			nil, nil,
		))
	}
	return blocks
}

// headerFallback is the notification text used where blocks cannot render.
func headerFallback(h chat.Header) string {
	title := h.Title
	if title == "" {
		title = h.URL
	}
	if h.Status != "" {
		return fmt.Sprintf("🎥 %s — %s", title, h.Status)
	}
	return "🎥 " + title
}
