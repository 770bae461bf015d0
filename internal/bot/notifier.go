package bot

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMessageInterval paces outbound chat messages so that bursts (batch
// publish notices, admin broadcasts) stay under platform rate limits.
const DefaultMessageInterval = 500 * time.Millisecond

// ChatNotifier delivers review notices through an Adapter. It implements
// review.Notifier and review.PresenceUpdater.
type ChatNotifier struct {
	adapter      Adapter
	platform     string
	adminChannel string
	limiter      *rate.Limiter
}

// ChatNotifierOpts holds parameters for creating a ChatNotifier.
type ChatNotifierOpts struct {
	Adapter      Adapter
	Platform     string // selects the user id mapping
	AdminChannel string
	Interval     time.Duration // minimum gap between messages; defaults to DefaultMessageInterval
}

// NewChatNotifier creates a ChatNotifier.
func NewChatNotifier(opts ChatNotifierOpts) (*ChatNotifier, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("bot: notifier: adapter is required")
	}
	if opts.AdminChannel == "" {
		return nil, fmt.Errorf("bot: notifier: admin channel is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultMessageInterval
	}
	return &ChatNotifier{
		adapter:      opts.Adapter,
		platform:     opts.Platform,
		adminChannel: opts.AdminChannel,
		limiter:      rate.NewLimiter(rate.Every(interval), 1),
	}, nil
}

// Send paces and delivers msg.
func (n *ChatNotifier) Send(ctx context.Context, msg OutboundMessage) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("bot: send: %w", err)
	}
	return n.adapter.Send(ctx, msg)
}

// SendToAuthor sends a direct message to the submission author.
func (n *ChatNotifier) SendToAuthor(ctx context.Context, authorID int64, text string) error {
	return n.Send(ctx, OutboundMessage{UserID: FormatUserID(n.platform, authorID), Text: text})
}

// SendToAdmin posts to the admin channel.
func (n *ChatNotifier) SendToAdmin(ctx context.Context, text string) error {
	return n.Send(ctx, OutboundMessage{ChannelID: n.adminChannel, Text: text})
}

// AnnounceSubmission posts a notice about id to the admin channel. Reactions
// on it approve the submission on platforms that support them.
func (n *ChatNotifier) AnnounceSubmission(ctx context.Context, id uint, text string) error {
	return n.Send(ctx, OutboundMessage{ChannelID: n.adminChannel, Text: text, Submissions: []uint{id}})
}

// UpdatePresence shows text as the bot's status when the adapter supports it.
func (n *ChatNotifier) UpdatePresence(ctx context.Context, text string) error {
	p, ok := n.adapter.(PresenceSetter)
	if !ok {
		return nil
	}
	return p.SetPresence(ctx, text)
}

// AdminChannel returns the configured admin channel.
func (n *ChatNotifier) AdminChannel() string { return n.adminChannel }
