// Package discord implements the bot Adapter for Discord using the Gateway WebSocket.
package discord

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Web-Art-Online/Nishikigi/internal/bot"
	"github.com/Web-Art-Online/Nishikigi/internal/submission"
	"github.com/bwmarrin/discordgo"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff for rate-limited calls.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
	// maxTracked bounds the message maps used to resolve deletions and
	// reactions.
	maxTracked = 2048
	// stickerURL is the CDN location of a sticker image.
	stickerURL = "https://media.discordapp.net/stickers/%s.png"
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
	UpdateCustomStatus(state string) error
	AddHandler(handler interface{}) func()
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.UserChannelCreate(recipientID, options...)
}
func (r *realSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendComplex(channelID, data, options...)
}
func (r *realSession) MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error {
	return r.s.MessageReactionAdd(channelID, messageID, emojiID, options...)
}
func (r *realSession) UpdateCustomStatus(state string) error { return r.s.UpdateCustomStatus(state) }
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// Adapter implements bot.Adapter for Discord via the Gateway WebSocket.
type Adapter struct {
	sess          session
	botToken      string
	channelID     string // default channel for messages
	botUserID     string
	mu            sync.Mutex
	connected     bool
	closed        bool
	inbound       chan bot.InboundMessage
	removeHandler []func()
	baseBackoff   time.Duration
	maxBackoff    time.Duration

	// Discord delete events carry no author, so direct message authors are
	// remembered by message ID.
	authors map[string]string
	order   []string

	// Submission notices posted by the bot, so reactions on them can be
	// mapped back to the submissions they announce.
	notices     map[string][]uint
	noticeOrder []string
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken  string // Discord bot token
	ChannelID string // default channel to post to
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}

	a := &Adapter{
		botToken:    opts.BotToken,
		channelID:   opts.ChannelID,
		inbound:     make(chan bot.InboundMessage, 100),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
		authors:     make(map[string]string),
		notices:     make(map[string][]uint),
	}

	if opts.Session != nil {
		a.sess = opts.Session
	}

	return a, nil
}

// Connect establishes the Discord Gateway WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	// Create real session if not injected (production path).
	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentsGuildMessageReactions |
			discordgo.IntentsMessageContent
		a.sess = &realSession{s: dg}
	}

	// Register Ready handler to capture bot user ID on connect/reconnect.
	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.botUserID = r.User.ID
		a.mu.Unlock()
		log.Printf("discord: connected as %s (ID: %s)", r.User.Username, r.User.ID)
	})

	// discordgo reconnects on its own; log for observability.
	a.sess.AddHandler(func(_ *discordgo.Session, d *discordgo.Disconnect) {
		log.Printf("discord: gateway disconnected, discordgo will auto-reconnect")
	})

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	a.connected = true
	return nil
}

// Listen returns a channel of inbound messages from Discord. Must be called
// after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan bot.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("discord: not connected")
	}

	a.removeHandler = append(a.removeHandler,
		a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			a.handleMessage(m)
		}),
		a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageDelete) {
			a.handleDelete(m)
		}),
		a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
			a.handleReaction(r)
		}),
	)

	return a.inbound, nil
}

// Send delivers a message to Discord. A message with UserID set goes to that
// user's DM channel; attached files are uploaded with it. A message that
// announces submissions gets the approve reaction, and later reactions on it
// are delivered as inbound messages.
func (a *Adapter) Send(ctx context.Context, msg bot.OutboundMessage) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return fmt.Errorf("discord: not connected")
	}
	a.mu.Unlock()

	channelID := msg.ChannelID
	if msg.UserID != "" {
		var dm *discordgo.Channel
		err := a.retryOnRateLimit(ctx, func() error {
			var apiErr error
			dm, apiErr = a.sess.UserChannelCreate(msg.UserID)
			return apiErr
		})
		if err != nil {
			return fmt.Errorf("discord: open DM with %s: %w", msg.UserID, err)
		}
		channelID = dm.ID
	}
	if channelID == "" {
		channelID = a.channelID
	}
	if channelID == "" {
		return fmt.Errorf("discord: no channel specified")
	}

	data, closeFiles, err := buildMessageSend(msg)
	if err != nil {
		return err
	}
	defer closeFiles()

	var sent *discordgo.Message
	err = a.retryOnRateLimit(ctx, func() error {
		var sendErr error
		sent, sendErr = a.sess.ChannelMessageSendComplex(channelID, data)
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}

	if len(msg.Submissions) > 0 && sent != nil {
		a.mu.Lock()
		a.trackNotice(sent.ID, msg.Submissions)
		a.mu.Unlock()
		err := a.retryOnRateLimit(ctx, func() error {
			return a.sess.MessageReactionAdd(channelID, sent.ID, bot.ApproveReaction)
		})
		if err != nil {
			log.Printf("discord: add approve reaction to %s: %v", sent.ID, err)
		}
	}
	return nil
}

// SetPresence shows text as the bot's custom status.
func (a *Adapter) SetPresence(ctx context.Context, text string) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return fmt.Errorf("discord: not connected")
	}
	a.mu.Unlock()
	if err := a.sess.UpdateCustomStatus(text); err != nil {
		return fmt.Errorf("discord: update status: %w", err)
	}
	return nil
}

// Close gracefully shuts down the adapter connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	for _, remove := range a.removeHandler {
		remove()
	}
	close(a.inbound)
	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

// BotUserID returns the bot's Discord user ID (available after Ready).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// SetBotUserID sets the bot user ID (used for self-message filtering).
func (a *Adapter) SetBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.botUserID = id
}

// handleMessage converts a Discord message event to an InboundMessage.
func (a *Adapter) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}

	a.mu.Lock()
	if a.closed || m.Author.ID == a.botUserID {
		a.mu.Unlock()
		return
	}
	direct := m.GuildID == ""
	if direct {
		a.track(m.ID, m.Author.ID)
	}
	a.mu.Unlock()

	ts, _ := discordgo.SnowflakeTimestamp(m.ID)

	a.inbound <- bot.InboundMessage{
		Platform:  "discord",
		ChannelID: m.ChannelID,
		MessageID: m.ID,
		UserID:    m.Author.ID,
		UserName:  displayName(m.Author, m.Member),
		Direct:    direct,
		Text:      m.Content,
		Elements:  elements(m.Message),
		Timestamp: ts,
	}
}

// handleDelete turns a deleted direct message into a recall.
func (a *Adapter) handleDelete(m *discordgo.MessageDelete) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	userID, ok := a.authors[m.ID]
	delete(a.authors, m.ID)
	a.mu.Unlock()
	if !ok {
		return
	}

	a.inbound <- bot.InboundMessage{
		Platform:  "discord",
		ChannelID: m.ChannelID,
		MessageID: m.ID,
		UserID:    userID,
		Direct:    true,
		Recall:    true,
		Timestamp: time.Now(),
	}
}

// handleReaction turns the approve reaction on a tracked submission notice
// into an inbound message. Everything else is ignored.
func (a *Adapter) handleReaction(r *discordgo.MessageReactionAdd) {
	if r.MessageReaction == nil || r.Emoji.Name != bot.ApproveReaction {
		return
	}
	if r.Member != nil && r.Member.User != nil && r.Member.User.Bot {
		return
	}

	a.mu.Lock()
	if a.closed || r.UserID == a.botUserID {
		a.mu.Unlock()
		return
	}
	ids, ok := a.notices[r.MessageID]
	a.mu.Unlock()
	if !ok {
		return
	}

	name := r.UserID
	if r.Member != nil && r.Member.User != nil {
		name = displayName(r.Member.User, r.Member)
	}
	a.inbound <- bot.InboundMessage{
		Platform:    "discord",
		ChannelID:   r.ChannelID,
		MessageID:   r.MessageID,
		UserID:      r.UserID,
		UserName:    name,
		Direct:      r.GuildID == "",
		Reaction:    r.Emoji.Name,
		Submissions: append([]uint(nil), ids...),
		Timestamp:   time.Now(),
	}
}

// trackNotice remembers which submissions a notice announces. Caller holds
// a.mu.
func (a *Adapter) trackNotice(messageID string, ids []uint) {
	if _, ok := a.notices[messageID]; !ok {
		a.noticeOrder = append(a.noticeOrder, messageID)
	}
	a.notices[messageID] = append([]uint(nil), ids...)
	if len(a.noticeOrder) > maxTracked {
		delete(a.notices, a.noticeOrder[0])
		a.noticeOrder = a.noticeOrder[1:]
	}
}

// track remembers the author of a direct message. Caller holds a.mu.
func (a *Adapter) track(messageID, userID string) {
	if _, ok := a.authors[messageID]; ok {
		return
	}
	a.authors[messageID] = userID
	a.order = append(a.order, messageID)
	if len(a.order) > maxTracked {
		delete(a.authors, a.order[0])
		a.order = a.order[1:]
	}
}

func displayName(u *discordgo.User, m *discordgo.Member) string {
	if m != nil && m.Nick != "" {
		return m.Nick
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// elements converts attachments and stickers into content blocks. Non-image
// attachments are passed through under their own kind so the router can
// report them as unsupported.
func elements(m *discordgo.Message) []submission.Block {
	var out []submission.Block
	for _, att := range m.Attachments {
		kind := submission.ElementImage
		if !strings.HasPrefix(att.ContentType, "image/") {
			kind = submission.ElementKind(attachmentKind(att.ContentType))
		}
		out = append(out, submission.Block{Kind: kind, Text: att.Filename, URL: att.URL})
	}
	for _, st := range m.StickerItems {
		out = append(out, submission.Block{
			Kind: submission.ElementSticker,
			Text: st.Name,
			URL:  fmt.Sprintf(stickerURL, st.ID),
		})
	}
	return out
}

// attachmentKind names an unsupported attachment by its media family.
func attachmentKind(contentType string) string {
	if i := strings.IndexByte(contentType, '/'); i > 0 {
		return contentType[:i]
	}
	return "file"
}

// buildMessageSend translates an OutboundMessage into a Discord MessageSend.
// The returned func closes the opened attachment files.
func buildMessageSend(msg bot.OutboundMessage) (*discordgo.MessageSend, func(), error) {
	data := &discordgo.MessageSend{Content: msg.Text}
	var opened []*os.File
	closeAll := func() {
		for _, f := range opened {
			f.Close()
		}
	}
	for _, path := range msg.Files {
		f, err := os.Open(path)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("discord: attach %s: %w", path, err)
		}
		opened = append(opened, f)
		data.Files = append(data.Files, &discordgo.File{
			Name:   filepath.Base(path),
			Reader: f,
		})
	}
	return data, closeAll, nil
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		// Check if it's a rate limit error.
		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err // not a rate limit error
		}

		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}

		log.Printf("discord: rate limited (attempt %d/%d), retrying in %v",
			attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
