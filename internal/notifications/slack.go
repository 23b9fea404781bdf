package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"

	"mentiharvest/internal/scheduler"
)

// slackAPI is the slice of the Slack client the channel uses.
type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackChannel posts run-completion summaries to a Slack channel. A nil
// *SlackChannel is a valid no-op notifier, so callers can wire it
// unconditionally and let configuration decide.
type SlackChannel struct {
	client  slackAPI
	channel string
}

// NewSlackChannel returns nil when no token or channel is configured.
func NewSlackChannel(token, channel string) *SlackChannel {
	if token == "" || channel == "" {
		return nil
	}
	return &SlackChannel{
		client:  slack.New(token),
		channel: channel,
	}
}

// RunCompleted implements scheduler.Notifier.
func (c *SlackChannel) RunCompleted(ctx context.Context, summary scheduler.RunSummary) {
	if c == nil {
		return
	}

	fallback := fmt.Sprintf("Harvest complete: %d/%d succeeded", summary.Success, summary.Total)
	blocks := buildRunCompleteBlocks(summary)

	_, _, err := c.client.PostMessageContext(
		ctx,
		c.channel,
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(fallback, false),
	)
	if err != nil {
		log.Warn().
			Err(err).
			Str("channel", c.channel).
			Msg("Failed to send Slack notification")
		return
	}

	log.Info().
		Str("channel", c.channel).
		Int("total", summary.Total).
		Msg("Slack notification sent")
}

func buildRunCompleteBlocks(summary scheduler.RunSummary) []slack.Block {
	emoji := ":white_check_mark:"
	if summary.Failed > 0 {
		emoji = ":warning:"
	}

	return []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(
				"mrkdwn",
				fmt.Sprintf("%s *Harvest run complete*", emoji),
				false,
				false,
			),
			nil,
			nil,
		),
		slack.NewSectionBlock(
			slack.NewTextBlockObject(
				"mrkdwn",
				fmt.Sprintf("%d presentations fetched in %s (%d failed)",
					summary.Success, formatDuration(summary.Elapsed), summary.Failed),
				false,
				false,
			),
			nil,
			nil,
		),
	}
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
