package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/Web-Art-Online/Nishikigi/internal/models"
	"github.com/Web-Art-Online/Nishikigi/internal/review"
	"github.com/Web-Art-Online/Nishikigi/internal/submission"
)

func (r *Router) cmdHelp(ctx context.Context, req *request) string {
	scope := ScopeAuthor
	if r.inAdminChannel(req.msg) {
		scope = ScopeAdmin
	}
	return helpText(scope)
}

// --- Author commands ---

func (r *Router) cmdSubmit(ctx context.Context, req *request) string {
	id, err := r.sessions.Start(ctx, req.author, req.msg.UserName, submission.StartOptions{
		Anonymous: req.cmd.Anonymous,
		Single:    req.cmd.Single,
	})
	if err != nil {
		return describe(err)
	}

	var flags []string
	if req.cmd.Anonymous {
		flags = append(flags, "anonymous")
	}
	if req.cmd.Single {
		flags = append(flags, "published on its own")
	}
	note := ""
	if len(flags) > 0 {
		note = " (" + strings.Join(flags, ", ") + ")"
	}
	r.tellAdmin(ctx, fmt.Sprintf("%s (%s) started submission #%d%s.", req.msg.UserName, req.msg.UserID, id, note))
	return fmt.Sprintf("Submission #%d started%s. Send your text and images, then `#done` to preview. "+
		"Unsent submissions are discarded after two hours; `#cancel` discards it now.", id, note)
}

func (r *Router) cmdDone(ctx context.Context, req *request) string {
	s, ok := r.sessions.Current(req.author)
	if !ok {
		return describe(submission.NewError(submission.KindNoActiveSession, 0, req.author, nil))
	}
	if s.Empty() {
		return describe(submission.NewError(submission.KindEmptySubmission, s.SubmissionID, req.author, nil))
	}
	path, err := r.renderer.Render(s)
	if err != nil {
		log.Printf("bot: done: %v", err)
		return fmt.Sprintf("Could not render a preview of #%d: %v", s.SubmissionID, err)
	}
	if err := r.sessions.SetPreview(req.author, path); err != nil {
		return describe(err)
	}

	text := fmt.Sprintf("Preview of #%d is ready.", s.SubmissionID)
	if link := r.previewURL(s.SubmissionID); link != "" {
		text += " " + link
	}
	text += " Send `#confirm` to submit it, or keep sending content to change it."
	r.reply(ctx, req.msg, text, path)
	return ""
}

func (r *Router) cmdConfirm(ctx context.Context, req *request) string {
	id, err := r.sessions.Finalize(ctx, req.author)
	if err != nil {
		return describe(err)
	}
	notice := fmt.Sprintf("New submission #%d from %s (%s) is waiting for review.", id, req.msg.UserName, req.msg.UserID)
	if link := r.previewURL(id); link != "" {
		notice += " " + link
	}
	if err := r.notifier.AnnounceSubmission(ctx, id, notice); err != nil {
		log.Printf("bot: router: notify admin: %v", err)
	}
	r.refreshPresence(ctx)
	return fmt.Sprintf("Thanks! Submission #%d is now waiting for review.", id)
}

func (r *Router) cmdCancel(ctx context.Context, req *request) string {
	id, err := r.sessions.Cancel(ctx, req.author)
	if err != nil {
		return describe(err)
	}
	r.tellAdmin(ctx, fmt.Sprintf("%s cancelled submission #%d.", req.msg.UserName, id))
	return fmt.Sprintf("Submission #%d discarded.", id)
}

func (r *Router) cmdFeedback(ctx context.Context, req *request) string {
	if req.cmd.Text == "" {
		return "Usage: " + CmdFeedback.Usage()
	}
	if err := r.notifier.SendToAdmin(ctx, fmt.Sprintf("Feedback from %s (%s): %s",
		req.msg.UserName, req.msg.UserID, req.cmd.Text)); err != nil {
		log.Printf("bot: feedback: %v", err)
		return "Sorry, your feedback could not be delivered. Please try again later."
	}
	return "Thanks, your feedback was passed on to the reviewers."
}

// --- Admin commands ---

func (r *Router) cmdApprove(ctx context.Context, req *request) string {
	report, _ := r.coord.Approve(ctx, req.author, req.cmd.IDs...)
	return approveSummary(report)
}

// handleReaction approves the submissions of a notice a reviewer reacted to.
// Reactions from non-reviewers, and on submissions that are no longer
// pending, get no reply.
func (r *Router) handleReaction(ctx context.Context, msg InboundMessage, author int64) {
	if msg.Reaction != ApproveReaction || !r.inAdminChannel(msg) || !r.isAdmin(msg.UserID) {
		return
	}
	var ids []uint
	for _, id := range msg.Submissions {
		sub, err := r.store.Get(ctx, id)
		if err == nil && sub.Status == models.StatusPending {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return
	}
	fmt.Fprintf(r.out, "bot: router: %s reacted %s on %v\n", msg.UserName, msg.Reaction, ids)

	report, _ := r.coord.Approve(ctx, author, ids...)
	items := report.Items[:0]
	for _, it := range report.Items {
		if !errors.Is(it.Err, submission.ErrNotFound) {
			items = append(items, it)
		}
	}
	report.Items = items
	if text := approveSummary(report); text != "" {
		r.reply(ctx, msg, text)
	}
}

func approveSummary(report *review.ApproveReport) string {
	var b strings.Builder
	for _, it := range report.Items {
		switch it.Outcome {
		case review.OutcomeRecorded:
			fmt.Fprintf(&b, "#%d: approval recorded (%d so far)\n", it.ID, it.Approvals)
		case review.OutcomeDuplicate:
			fmt.Fprintf(&b, "#%d: you already approved this\n", it.ID)
		case review.OutcomeQueued:
			fmt.Fprintf(&b, "#%d: approved and queued\n", it.ID)
		case review.OutcomePublished:
			fmt.Fprintf(&b, "#%d: approved and published %s\n", it.ID, it.Ref)
		default:
			fmt.Fprintf(&b, "#%d: %s\n", it.ID, describe(it.Err))
		}
	}
	for _, batch := range report.Batches {
		fmt.Fprintf(&b, "Published batch %v\n", batch.IDs)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) cmdReject(ctx context.Context, req *request) string {
	id := req.cmd.IDs[0]
	if _, err := r.coord.Reject(ctx, req.author, id, req.cmd.Text); err != nil {
		return describe(err)
	}
	return fmt.Sprintf("#%d rejected.", id)
}

func (r *Router) cmdPush(ctx context.Context, req *request) string {
	batch, err := r.coord.Push(ctx, req.author, req.cmd.IDs...)
	if err != nil {
		return describe(err)
	}
	return fmt.Sprintf("Published %v", batch.IDs)
}

func (r *Router) cmdDelete(ctx context.Context, req *request) string {
	results, _ := r.coord.Delete(ctx, req.author, req.cmd.IDs...)
	var b strings.Builder
	for _, res := range results {
		switch {
		case res.Err != nil:
			fmt.Fprintf(&b, "#%d: %s\n", res.ID, describe(res.Err))
		case res.ExternalErr != nil:
			fmt.Fprintf(&b, "#%d: deleted locally, but withdrawing %s from the album failed\n", res.ID, res.Ref)
		default:
			fmt.Fprintf(&b, "#%d: deleted\n", res.ID)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) cmdView(ctx context.Context, req *request) string {
	var b strings.Builder
	for _, id := range req.cmd.IDs {
		sub, err := r.store.Get(ctx, id)
		if err != nil {
			fmt.Fprintf(&b, "#%d: %s\n", id, describe(err))
			continue
		}
		fmt.Fprintf(&b, "#%d [%s] by %s (%s)", sub.ID, sub.Status, sub.Author(),
			FormatUserID(req.msg.Platform, sub.AuthorID))
		if sub.Single {
			b.WriteString(", single")
		}
		fmt.Fprintf(&b, ", %d approval(s)", len(sub.Approvals))
		if sub.ExternalRef != nil {
			fmt.Fprintf(&b, ", published as %s", *sub.ExternalRef)
		}
		if link := r.previewURL(sub.ID); link != "" && sub.Status != models.StatusCreated {
			fmt.Fprintf(&b, "\n%s", link)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) cmdStatus(ctx context.Context, req *request) string {
	s, err := r.coord.Summary(ctx)
	if err != nil {
		return describe(err)
	}
	return s.String()
}

func (r *Router) cmdReset(ctx context.Context, req *request) string {
	userID := strings.Trim(req.cmd.Text, "<@!>")
	author, err := AuthorID(req.msg.Platform, userID)
	if err != nil {
		return err.Error()
	}
	results, err := r.coord.ResetQuota(ctx, req.author, author)
	if errors.Is(err, review.ErrNoLimiter) {
		return "Quota reset is not available."
	}
	removed := review.Removed(results)
	if err != nil {
		return fmt.Sprintf("Quota reset for %s; removed %v; %s", userID, removed, describe(err))
	}
	if len(removed) == 0 {
		return fmt.Sprintf("Quota reset for %s.", userID)
	}
	return fmt.Sprintf("Quota reset for %s; removed anonymous submission(s) %v.", userID, removed)
}
