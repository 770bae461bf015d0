package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/Web-Art-Online/Nishikigi/internal/review"
	"github.com/Web-Art-Online/Nishikigi/internal/submission"
)

// handlerFunc runs one command and returns the reply text.
type handlerFunc func(ctx context.Context, req *request) string

// request is one inbound command with its resolved author.
type request struct {
	msg    InboundMessage
	cmd    Command
	author int64
}

// Router classifies inbound chat messages and routes them: recalls retract
// session content, commands go through the dispatch table, and other direct
// messages become submission content.
type Router struct {
	sessions   *submission.SessionManager
	store      *submission.Store
	coord      *review.Coordinator
	renderer   *Renderer
	fetcher    *Fetcher
	notifier   *ChatNotifier
	adapter    Adapter
	isAdmin    func(userID string) bool
	previewURL func(id uint) string
	out        io.Writer

	handlers [numCommands]handlerFunc
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Sessions    *submission.SessionManager
	Store       *submission.Store
	Coordinator *review.Coordinator
	Renderer    *Renderer
	Fetcher     *Fetcher // optional; images are linked instead of copied without it
	Notifier    *ChatNotifier
	Adapter     Adapter
	IsAdmin     func(userID string) bool // defaults to allowing everyone in the admin channel
	PreviewURL  func(id uint) string     // optional link shown with previews
	Out         io.Writer                // defaults to os.Stdout
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Sessions == nil {
		return nil, fmt.Errorf("bot: router: session manager is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("bot: router: store is required")
	}
	if opts.Coordinator == nil {
		return nil, fmt.Errorf("bot: router: coordinator is required")
	}
	if opts.Renderer == nil {
		return nil, fmt.Errorf("bot: router: renderer is required")
	}
	if opts.Notifier == nil {
		return nil, fmt.Errorf("bot: router: notifier is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("bot: router: adapter is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	isAdmin := opts.IsAdmin
	if isAdmin == nil {
		isAdmin = func(string) bool { return true }
	}
	previewURL := opts.PreviewURL
	if previewURL == nil {
		previewURL = func(uint) string { return "" }
	}
	r := &Router{
		sessions:   opts.Sessions,
		store:      opts.Store,
		coord:      opts.Coordinator,
		renderer:   opts.Renderer,
		fetcher:    opts.Fetcher,
		notifier:   opts.Notifier,
		adapter:    opts.Adapter,
		isAdmin:    isAdmin,
		previewURL: previewURL,
		out:        out,
	}
	r.handlers = [numCommands]handlerFunc{
		CmdHelp:     r.cmdHelp,
		CmdSubmit:   r.cmdSubmit,
		CmdDone:     r.cmdDone,
		CmdConfirm:  r.cmdConfirm,
		CmdCancel:   r.cmdCancel,
		CmdFeedback: r.cmdFeedback,
		CmdApprove:  r.cmdApprove,
		CmdReject:   r.cmdReject,
		CmdPush:     r.cmdPush,
		CmdDelete:   r.cmdDelete,
		CmdView:     r.cmdView,
		CmdStatus:   r.cmdStatus,
		CmdReset:    r.cmdReset,
	}
	return r, nil
}

// Handle classifies and routes a single inbound message. Routing paths:
//  1. Bot self-message → ignore
//  2. Recall → retract the message's blocks from the author's session
//  3. Reaction on a submission notice → approve
//  4. Command prefix "#" → dispatch table, after a scope check
//  5. Other direct message → session content
//  6. Everything else → ignore
func (r *Router) Handle(ctx context.Context, msg InboundMessage) {
	if r.isSelfMessage(msg) {
		return
	}

	author, err := AuthorID(msg.Platform, msg.UserID)
	if err != nil {
		log.Printf("bot: router: %v", err)
		return
	}

	if msg.Recall {
		if n := r.sessions.Retract(author, msg.MessageID); n > 0 {
			fmt.Fprintf(r.out, "bot: router: retracted %d block(s) of %s for %s\n", n, msg.MessageID, msg.UserName)
		}
		return
	}
	if msg.Reaction != "" {
		r.handleReaction(ctx, msg, author)
		return
	}

	text := strings.TrimSpace(msg.Text)
	fmt.Fprintf(r.out, "bot: router: recv [ch=%s user=%s dm=%v] %q\n",
		msg.ChannelID, msg.UserName, msg.Direct, truncate(text, 80))

	if isCommand(text) {
		cmd, err := ParseCommand(text)
		if err == nil {
			r.dispatch(ctx, &request{msg: msg, cmd: cmd, author: author})
			return
		}
		// A hashtag inside an open submission is content, not a typo.
		if _, open := r.sessions.Current(author); !(msg.Direct && open) {
			r.reply(ctx, msg, err.Error())
			return
		}
	}

	if msg.Direct {
		r.handleContent(ctx, msg, author)
	}
}

// dispatch checks the command's scope and runs its handler.
func (r *Router) dispatch(ctx context.Context, req *request) {
	kind := req.cmd.Kind
	switch kind.Scope() {
	case ScopeAuthor:
		if !req.msg.Direct {
			r.reply(ctx, req.msg, fmt.Sprintf("`%s` only works in a direct message.", kind.Usage()))
			return
		}
	case ScopeAdmin:
		if !r.inAdminChannel(req.msg) || !r.isAdmin(req.msg.UserID) {
			r.reply(ctx, req.msg, fmt.Sprintf("`%s` is for reviewers in the admin channel.", kind.Usage()))
			return
		}
	}
	fmt.Fprintf(r.out, "bot: router: → %s\n", kind)
	if text := r.handlers[kind](ctx, req); text != "" {
		r.reply(ctx, req.msg, text)
	}
}

func (r *Router) inAdminChannel(msg InboundMessage) bool {
	return !msg.Direct && msg.ChannelID == r.notifier.AdminChannel()
}

// handleContent appends a direct message to the author's open session.
func (r *Router) handleContent(ctx context.Context, msg InboundMessage, author int64) {
	s, ok := r.sessions.Current(author)
	if !ok {
		r.reply(ctx, msg, "You have no open submission. Send `#submit` to start one, or `#help` for all commands.")
		return
	}

	var blocks []submission.Block
	if text := strings.TrimSpace(msg.Text); text != "" {
		blocks = append(blocks, submission.Block{MessageID: msg.MessageID, Kind: submission.ElementText, Text: text})
	}
	for i, el := range msg.Elements {
		el.MessageID = msg.MessageID
		if el.Kind == submission.ElementImage && r.fetcher != nil {
			fetched, err := r.fetcher.Fetch(ctx, s.SubmissionID, fmt.Sprintf("%s-%d", msg.MessageID, i), el)
			if err != nil {
				log.Printf("bot: router: %v", err)
			} else {
				el = fetched
			}
		}
		blocks = append(blocks, el)
	}
	if len(blocks) == 0 {
		return
	}
	for _, b := range blocks {
		if b.Kind.Supported() {
			blocks = append(blocks, submission.Block{MessageID: msg.MessageID, Kind: submission.ElementBreak})
			break
		}
	}

	_, err := r.sessions.AppendContent(author, blocks...)
	var uerr *submission.UnsupportedContentError
	switch {
	case errors.As(err, &uerr):
		kinds := make([]string, len(uerr.Rejected))
		for i, b := range uerr.Rejected {
			kinds[i] = string(b.Kind)
		}
		r.reply(ctx, msg, fmt.Sprintf("Skipped unsupported content: %s. Only text, images and stickers are accepted.",
			strings.Join(kinds, ", ")))
		r.tellAdmin(ctx, fmt.Sprintf("%s sent unsupported content (%s) to #%d.",
			msg.UserName, strings.Join(kinds, ", "), s.SubmissionID))
	case err != nil:
		r.reply(ctx, msg, describe(err))
	}
}

// reply answers msg in the conversation it came from.
func (r *Router) reply(ctx context.Context, msg InboundMessage, text string, files ...string) {
	if err := r.notifier.Send(ctx, OutboundMessage{
		ChannelID: msg.ChannelID,
		Text:      text,
		Files:     files,
	}); err != nil {
		log.Printf("bot: router: send reply: %v", err)
	}
}

func (r *Router) tellAdmin(ctx context.Context, text string) {
	if err := r.notifier.SendToAdmin(ctx, text); err != nil {
		log.Printf("bot: router: notify admin: %v", err)
	}
}

func (r *Router) refreshPresence(ctx context.Context) {
	s, err := r.coord.Summary(ctx)
	if err != nil {
		log.Printf("bot: router: presence: %v", err)
		return
	}
	if err := r.notifier.UpdatePresence(ctx, s.String()); err != nil {
		log.Printf("bot: router: presence: %v", err)
	}
}

// isSelfMessage returns true if the message is from the bot itself.
func (r *Router) isSelfMessage(msg InboundMessage) bool {
	bui, ok := r.adapter.(BotUserIDer)
	if !ok {
		return false
	}
	id := bui.BotUserID()
	return id != "" && msg.UserID == id
}

// truncate returns s truncated to maxLen with "..." appended if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// describe turns a core error into a reply.
func describe(err error) string {
	var se *submission.Error
	if !errors.As(err, &se) {
		var perr *review.PublishError
		if errors.As(err, &perr) {
			return fmt.Sprintf("Publishing %v failed: %v", perr.IDs, perr.Err)
		}
		return fmt.Sprintf("Something went wrong: %v", err)
	}
	switch se.Kind {
	case submission.KindSessionConflict:
		return fmt.Sprintf("You already have an open submission (#%d). Send `#done` to preview it or `#cancel` to discard it.", se.SubmissionID)
	case submission.KindNoActiveSession:
		return "You have no open submission. Send `#submit` to start one."
	case submission.KindEmptySubmission:
		return "Your submission is empty. Send some text or images first."
	case submission.KindPreviewMissing:
		return "Send `#done` to render a preview before confirming."
	case submission.KindRateLimitExceeded:
		return "You have reached today's submission limit. Please try again tomorrow."
	case submission.KindNotFound:
		return fmt.Sprintf("Submission #%d does not exist or is not in the right state for that.", se.SubmissionID)
	default:
		return fmt.Sprintf("Something went wrong: %v", err)
	}
}
