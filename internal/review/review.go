// Package review drives confirmed submissions through operator review to
// publication. All state-changing operations are serialized behind a single
// coordination lock; finer-grained locking per submission is possible but
// not needed at the volumes the bot handles.
package review

import (
	"context"
	"fmt"

	"github.com/Web-Art-Online/Nishikigi/internal/submission"
)

// Notifier delivers best-effort messages. Failures are logged by the caller
// and never block a state transition.
type Notifier interface {
	SendToAuthor(ctx context.Context, authorID int64, text string) error
	SendToAdmin(ctx context.Context, text string) error
}

// PresenceUpdater is an optional Notifier extension that shows the review
// summary as a status line.
type PresenceUpdater interface {
	UpdatePresence(ctx context.Context, text string) error
}

// PublishBackend is the external album submissions are published to.
type PublishBackend interface {
	// Upload stages the artifact at path and returns a handle for Publish.
	Upload(ctx context.Context, path string) (string, error)
	// Publish makes the uploaded handles public, returning one external
	// reference per handle in the same order.
	Publish(ctx context.Context, handles []string) ([]string, error)
	// Delete withdraws a published item.
	Delete(ctx context.Context, ref string) error
}

// PublishError reports a batch that could not be published. None of the
// batch's submissions changed status.
type PublishError struct {
	IDs []uint
	Err error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("review: publish %v: %v", e.IDs, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, submission.ErrPublishFailure) hold.
func (e *PublishError) Is(target error) bool {
	t, ok := target.(*submission.Error)
	return ok && t.Kind == submission.KindPublishFailure
}

type nopNotifier struct{}

func (nopNotifier) SendToAuthor(context.Context, int64, string) error { return nil }
func (nopNotifier) SendToAdmin(context.Context, string) error         { return nil }
