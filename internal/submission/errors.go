package submission

import (
	"errors"
	"fmt"
	"strings"
)

// Kind discriminates the failures callers are expected to translate into
// user-facing messages.
type Kind string

const (
	KindSessionConflict       Kind = "session conflict"
	KindNoActiveSession       Kind = "no active session"
	KindEmptySubmission       Kind = "empty submission"
	KindPreviewMissing        Kind = "preview missing"
	KindUnsupportedContent    Kind = "unsupported content"
	KindRateLimitExceeded     Kind = "rate limit exceeded"
	KindNotFound              Kind = "not found"
	KindPublishFailure        Kind = "publish failure"
	KindExternalDeleteFailure Kind = "external delete failure"
)

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrSessionConflict       = &Error{Kind: KindSessionConflict}
	ErrNoActiveSession       = &Error{Kind: KindNoActiveSession}
	ErrEmptySubmission       = &Error{Kind: KindEmptySubmission}
	ErrPreviewMissing        = &Error{Kind: KindPreviewMissing}
	ErrUnsupportedContent    = &Error{Kind: KindUnsupportedContent}
	ErrRateLimitExceeded     = &Error{Kind: KindRateLimitExceeded}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrPublishFailure        = &Error{Kind: KindPublishFailure}
	ErrExternalDeleteFailure = &Error{Kind: KindExternalDeleteFailure}
)

// Error is the typed error returned by the submission lifecycle. It carries
// enough context (submission and author) for a UI layer to phrase a reply.
type Error struct {
	Kind         Kind
	SubmissionID uint
	AuthorID     int64
	Err          error
}

// NewError builds an *Error. cause may be nil.
func NewError(kind Kind, submissionID uint, authorID int64, cause error) *Error {
	return &Error{Kind: kind, SubmissionID: submissionID, AuthorID: authorID, Err: cause}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("submission: ")
	b.WriteString(string(e.Kind))
	var ctx []string
	if e.SubmissionID != 0 {
		ctx = append(ctx, fmt.Sprintf("#%d", e.SubmissionID))
	}
	if e.AuthorID != 0 {
		ctx = append(ctx, fmt.Sprintf("author %d", e.AuthorID))
	}
	if len(ctx) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(ctx, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so that errors.Is(err, ErrNotFound) holds for any
// not-found error regardless of its context.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// RejectedBlock identifies one content element refused by AppendContent.
type RejectedBlock struct {
	Index     int
	MessageID string
	Kind      ElementKind
}

// UnsupportedContentError reports the blocks of a message that were refused.
// The remaining blocks of the same call were still appended.
type UnsupportedContentError struct {
	SubmissionID uint
	AuthorID     int64
	Rejected     []RejectedBlock
}

func (e *UnsupportedContentError) Error() string {
	kinds := make([]string, len(e.Rejected))
	for i, r := range e.Rejected {
		kinds[i] = string(r.Kind)
	}
	return fmt.Sprintf("submission: unsupported content (#%d, author %d): %s",
		e.SubmissionID, e.AuthorID, strings.Join(kinds, ", "))
}

func (e *UnsupportedContentError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == KindUnsupportedContent
}
