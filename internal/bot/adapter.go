// Package bot bridges chat platforms (Discord, Slack) to the submission and
// review core: authors compose submissions in direct messages and operators
// review them from an admin channel.
package bot

import (
	"context"
	"time"

	"github.com/Web-Art-Online/Nishikigi/internal/submission"
)

// Adapter is the interface that platform-specific implementations must satisfy.
// Each adapter handles connection management and message sending/receiving
// for a single chat platform.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound messages from the platform.
	// The channel is closed when the adapter is closed. Listen must only be
	// called after Connect.
	Listen(ctx context.Context) (<-chan InboundMessage, error)

	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg OutboundMessage) error

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// InboundMessage represents a message received from the chat platform.
type InboundMessage struct {
	Platform  string // e.g. "slack", "discord"
	ChannelID string // platform-specific channel identifier
	MessageID string
	UserID    string // platform-specific user identifier
	UserName  string // human-readable username
	Direct    bool   // sent in a direct conversation with the bot
	Text      string // raw message text
	// Elements holds the non-text parts of the message: images, stickers
	// and anything else the platform attached. Unsupported parts keep their
	// platform kind so they can be reported back.
	Elements  []submission.Block
	Recall    bool // MessageID was deleted by its author
	// Reaction is the emoji a user added to MessageID. It is only set by
	// adapters that track submission notices, together with the ids the
	// notice announced.
	Reaction    string
	Submissions []uint
	Timestamp   time.Time
}

// OutboundMessage represents a message to be sent to the chat platform.
type OutboundMessage struct {
	ChannelID string   // target channel; ignored when UserID is set
	UserID    string   // deliver as a direct message to this user
	Text      string   // message text (platform-native formatting)
	Files     []string // local files to attach
	// Submissions lists the ids a notice announces. Adapters that support
	// reactions offer a one-click approval on it.
	Submissions []uint
}

// BotUserIDer is an optional interface that adapters can implement to
// expose the bot's own user ID. This enables self-message filtering.
type BotUserIDer interface {
	BotUserID() string
}

// ApproveReaction is the emoji that approves the submissions of a notice.
const ApproveReaction = "✅"

// PresenceSetter is an optional interface for adapters that can show a
// short status line next to the bot.
type PresenceSetter interface {
	SetPresence(ctx context.Context, text string) error
}
